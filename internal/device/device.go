// Package device resolves where inference runs and how many threads it may use.
package device

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/klauspost/cpuid/v2"
)

// Kind is the compute device a session is bound to.
type Kind string

const (
	Auto Kind = "auto"
	CPU  Kind = "cpu"
	CUDA Kind = "cuda"
)

// Parse converts a configuration value into a Kind.
func Parse(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case Auto, CPU, CUDA:
		return k, nil
	case "":
		return Auto, nil
	default:
		return "", fmt.Errorf("unknown device %q, expected auto, cpu or cuda", s)
	}
}

// CPUSpec describes the host processor.
type CPUSpec struct {
	BrandName     string
	PhysicalCores int
	LogicalCores  int
	AVX2          bool
}

// GetCPUSpec reads the host CPU through cpuid.
func GetCPUSpec() CPUSpec {
	return CPUSpec{
		BrandName:     cpuid.CPU.BrandName,
		PhysicalCores: cpuid.CPU.PhysicalCores,
		LogicalCores:  cpuid.CPU.LogicalCores,
		AVX2:          cpuid.CPU.Supports(cpuid.AVX2),
	}
}

// ThreadCount returns the intra-op thread count for inference. A positive requested value wins,
// capped at the available CPUs; otherwise physical cores are preferred over logical ones.
func (c CPUSpec) ThreadCount(requested int) int {
	available := runtime.NumCPU()

	if requested > 0 {
		return min(requested, available)
	}

	// Physical core count is unknown on some VMs and non-x86 hosts.
	switch {
	case c.PhysicalCores > 0:
		return min(c.PhysicalCores, available)
	case c.LogicalCores > 0:
		return min(c.LogicalCores, available)
	default:
		return max(1, available)
	}
}
