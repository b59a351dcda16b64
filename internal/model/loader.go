package model

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Brownie44l1/plantdx-api/internal/device"
	"github.com/Brownie44l1/plantdx-api/internal/logging"
)

// LoadOptions locates the artifacts and selects where inference runs.
type LoadOptions struct {
	Dir         string
	Labels      string
	Weights     []string
	Device      device.Kind
	Threads     int
	LibraryPath string
}

// ResolveWeights returns the first candidate that exists in dir.
func ResolveWeights(dir string, candidates []string) (string, error) {
	for _, name := range candidates {
		path := filepath.Join(dir, name)
		info, err := os.Stat(path)
		if err == nil && !info.IsDir() {
			return path, nil
		}
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("failed to stat %s: %w", path, err)
		}
	}
	return "", fmt.Errorf("%w: expected %s in %s", ErrWeightsNotFound, quoteList(candidates), dir)
}

func quoteList(names []string) string {
	quoted := make([]string, len(names))
	for i, n := range names {
		quoted[i] = "'" + n + "'"
	}
	return strings.Join(quoted, " or ")
}

// Load reads the catalog, finds the weights, validates them against the catalog and creates
// the shared inference session. Any failure is fatal for serving.
func Load(opts LoadOptions, logger *zap.Logger) (*Classifier, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	start := time.Now()

	catalog, err := LoadCatalog(filepath.Join(opts.Dir, opts.Labels))
	if err != nil {
		return nil, logging.Wrap("model.load_catalog", "", err)
	}

	weights, err := ResolveWeights(opts.Dir, opts.Weights)
	if err != nil {
		return nil, logging.Wrap("model.resolve_weights", "", err)
	}

	if err := InitRuntime(opts.LibraryPath); err != nil {
		return nil, logging.Wrap("model.init_runtime", "", err)
	}

	info, err := inspectWeights(weights, catalog.Len())
	if err != nil {
		return nil, logging.Wrap("model.inspect_weights", "", err)
	}

	spec := device.GetCPUSpec()
	threads := spec.ThreadCount(opts.Threads)
	engine, err := newORTEngine(&info, opts.Device, threads, logger)
	if err != nil {
		return nil, logging.Wrap("model.create_session", "", err)
	}

	classifier, err := NewClassifier(engine, catalog, info, logger)
	if err != nil {
		engine.Close()
		return nil, logging.Wrap("model.create_session", "", err)
	}

	logger.Info("model loaded",
		zap.String("weights", weights),
		zap.Int("classes", catalog.Len()),
		zap.String("device", info.Device),
		zap.String("cpu", spec.BrandName),
		zap.Int("threads", threads),
		zap.Duration("elapsed", time.Since(start)))

	return classifier, nil
}
