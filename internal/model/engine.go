package model

import (
	"errors"
	"fmt"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/zap"

	"github.com/Brownie44l1/plantdx-api/internal/device"
)

// Engine runs one forward pass. Implementations must be safe for concurrent use.
type Engine interface {
	Run(input []float32) ([]float32, error)
	Close() error
}

var runtimeMu sync.Mutex

// InitRuntime initializes the ONNX Runtime environment once per process. libraryPath may be empty.
func InitRuntime(libraryPath string) error {
	runtimeMu.Lock()
	defer runtimeMu.Unlock()

	if ort.IsInitialized() {
		return nil
	}
	if libraryPath != "" {
		ort.SetSharedLibraryPath(libraryPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return fmt.Errorf("failed to initialize ONNX environment: %w", err)
	}
	return nil
}

// DestroyRuntime releases the ONNX Runtime environment.
func DestroyRuntime() error {
	runtimeMu.Lock()
	defer runtimeMu.Unlock()

	if !ort.IsInitialized() {
		return nil
	}
	return ort.DestroyEnvironment()
}

type ortEngine struct {
	session     *ort.DynamicAdvancedSession
	inputShape  ort.Shape
	outputShape ort.Shape
	outputLen   int
}

// inspectWeights validates the graph signature and returns the model info with concrete shapes.
func inspectWeights(path string, numClasses int) (ModelInfo, error) {
	inputs, outputs, err := ort.GetInputOutputInfo(path)
	if err != nil {
		return ModelInfo{}, fmt.Errorf("%w: failed to read graph of %s: %w", ErrIncompatibleWeights, path, err)
	}
	if len(inputs) != 1 || len(outputs) != 1 {
		return ModelInfo{}, fmt.Errorf("%w: expected one input and one output, got %d and %d",
			ErrIncompatibleWeights, len(inputs), len(outputs))
	}

	in, out := inputs[0], outputs[0]
	if in.DataType != ort.TensorElementDataTypeFloat || out.DataType != ort.TensorElementDataTypeFloat {
		return ModelInfo{}, fmt.Errorf("%w: expected float tensors, got input %v output %v",
			ErrIncompatibleWeights, in.DataType, out.DataType)
	}

	inputShape, err := concreteInputShape(in.Dimensions)
	if err != nil {
		return ModelInfo{}, err
	}

	dims := out.Dimensions
	if len(dims) != 2 {
		return ModelInfo{}, fmt.Errorf("%w: expected output shape [N, classes], got %v", ErrIncompatibleWeights, dims)
	}
	if int(dims[1]) != numClasses {
		return ModelInfo{}, fmt.Errorf("%w: classifier has %d outputs but catalog has %d classes",
			ErrIncompatibleWeights, dims[1], numClasses)
	}

	return ModelInfo{
		WeightsPath: path,
		InputName:   in.Name,
		OutputName:  out.Name,
		InputShape:  inputShape,
		OutputShape: ort.NewShape(1, dims[1]),
		NumClasses:  numClasses,
	}, nil
}

// concreteInputShape accepts [N,3,224,224] where any dimension may be dynamic and pins the batch
// to 1. A fixed batch larger than one cannot serve single images.
func concreteInputShape(dims ort.Shape) (ort.Shape, error) {
	want := [4]int64{1, 3, 224, 224}
	if len(dims) != len(want) {
		return nil, fmt.Errorf("%w: expected input shape [N, 3, 224, 224], got %v", ErrIncompatibleWeights, dims)
	}
	if dims[0] > 1 {
		return nil, fmt.Errorf("%w: graph has a fixed batch size of %d, expected 1 or dynamic",
			ErrIncompatibleWeights, dims[0])
	}
	for i := 1; i < len(want); i++ {
		if dims[i] > 0 && dims[i] != want[i] {
			return nil, fmt.Errorf("%w: expected input shape [N, 3, 224, 224], got %v", ErrIncompatibleWeights, dims)
		}
	}
	return ort.NewShape(want[:]...), nil
}

// newSessionOptions builds options for the requested device. It returns the device actually configured.
func newSessionOptions(kind device.Kind, threads int) (*ort.SessionOptions, device.Kind, error) {
	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, "", fmt.Errorf("failed to create session options: %w", err)
	}
	if err := options.SetIntraOpNumThreads(threads); err != nil {
		options.Destroy()
		return nil, "", fmt.Errorf("failed to set intra-op threads: %w", err)
	}
	if err := options.SetInterOpNumThreads(1); err != nil {
		options.Destroy()
		return nil, "", fmt.Errorf("failed to set inter-op threads: %w", err)
	}

	if kind == device.CPU {
		return options, device.CPU, nil
	}

	cudaOptions, err := ort.NewCUDAProviderOptions()
	if err == nil {
		defer cudaOptions.Destroy()
		err = options.AppendExecutionProviderCUDA(cudaOptions)
	}
	if err != nil {
		options.Destroy()
		return nil, "", fmt.Errorf("CUDA execution provider unavailable: %w", err)
	}
	return options, device.CUDA, nil
}

// newORTEngine creates the shared session. With device.Auto a CUDA failure falls back to CPU.
func newORTEngine(info *ModelInfo, kind device.Kind, threads int, logger *zap.Logger) (*ortEngine, error) {
	attempts := []device.Kind{kind}
	if kind == device.Auto {
		attempts = []device.Kind{device.CUDA, device.CPU}
	}

	var errs []error
	for _, attempt := range attempts {
		options, actual, err := newSessionOptions(attempt, threads)
		if err != nil {
			errs = append(errs, err)
			logger.Debug("session options rejected", zap.String("device", string(attempt)), zap.Error(err))
			continue
		}

		session, err := ort.NewDynamicAdvancedSession(info.WeightsPath,
			[]string{info.InputName}, []string{info.OutputName}, options)
		options.Destroy()
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to create ONNX session on %s: %w", actual, err))
			logger.Debug("session creation failed", zap.String("device", string(actual)), zap.Error(err))
			continue
		}

		info.Device = string(actual)
		return &ortEngine{
			session:     session,
			inputShape:  info.InputShape,
			outputShape: info.OutputShape,
			outputLen:   int(info.OutputShape.FlattenedSize()),
		}, nil
	}

	return nil, errors.Join(errs...)
}

func (e *ortEngine) Run(input []float32) ([]float32, error) {
	inputTensor, err := ort.NewTensor(e.inputShape, input)
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}
	defer inputTensor.Destroy()

	outputTensor, err := ort.NewEmptyTensor[float32](e.outputShape)
	if err != nil {
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}
	defer outputTensor.Destroy()

	if err := e.session.Run([]ort.Value{inputTensor}, []ort.Value{outputTensor}); err != nil {
		return nil, fmt.Errorf("inference failed: %w", err)
	}

	out := make([]float32, e.outputLen)
	copy(out, outputTensor.GetData())
	return out, nil
}

func (e *ortEngine) Close() error {
	if e.session == nil {
		return nil
	}
	err := e.session.Destroy()
	e.session = nil
	return err
}
