package model

import (
	"fmt"
	"image"
	"time"

	"go.uber.org/zap"

	"github.com/Brownie44l1/plantdx-api/internal/preprocess"
)

// DefaultTopK is the number of alternatives reported with each result.
const DefaultTopK = 3

// Classifier binds an inference engine to a label catalog. It holds no per-request state and
// may be shared by concurrent callers.
type Classifier struct {
	engine  Engine
	catalog *Catalog
	info    ModelInfo
	topK    int
	logger  *zap.Logger
}

// NewClassifier wraps engine. info.NumClasses must match the catalog size.
func NewClassifier(engine Engine, catalog *Catalog, info ModelInfo, logger *zap.Logger) (*Classifier, error) {
	if engine == nil {
		return nil, fmt.Errorf("%w: no inference engine", ErrModelNotLoaded)
	}
	if catalog == nil {
		return nil, fmt.Errorf("%w: no catalog", ErrCatalog)
	}
	if info.NumClasses != catalog.Len() {
		return nil, fmt.Errorf("%w: classifier has %d outputs but catalog has %d classes",
			ErrIncompatibleWeights, info.NumClasses, catalog.Len())
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Classifier{
		engine:  engine,
		catalog: catalog,
		info:    info,
		topK:    DefaultTopK,
		logger:  logger.Named("classifier"),
	}, nil
}

// Catalog returns the label catalog.
func (c *Classifier) Catalog() *Catalog {
	return c.catalog
}

// Info returns the model description.
func (c *Classifier) Info() ModelInfo {
	return c.info
}

// ClassifyBytes decodes data and classifies it. Undecodable input yields preprocess.ErrDecode.
func (c *Classifier) ClassifyBytes(data []byte) (*Result, error) {
	img, err := preprocess.DecodeBytes(data)
	if err != nil {
		return nil, err
	}
	return c.Classify(img)
}

// ClassifyFile decodes the image at path and classifies it.
func (c *Classifier) ClassifyFile(path string) (*Result, error) {
	img, err := preprocess.DecodeFile(path)
	if err != nil {
		return nil, err
	}
	return c.Classify(img)
}

// Classify preprocesses img, runs one forward pass and formats the top predictions.
func (c *Classifier) Classify(img image.Image) (*Result, error) {
	if c == nil || c.engine == nil {
		return nil, ErrModelNotLoaded
	}

	start := time.Now()
	input, err := preprocess.Preprocess(img)
	if err != nil {
		return nil, err
	}

	logits, err := c.engine.Run(input)
	if err != nil {
		return nil, err
	}
	if len(logits) != c.catalog.Len() {
		return nil, fmt.Errorf("classifier returned %d scores, expected %d", len(logits), c.catalog.Len())
	}

	probs := Softmax(logits)
	top := TopK(probs, c.topK)

	result := &Result{TopPredictions: make([]Prediction, 0, len(top))}
	for _, i := range top {
		name, _ := c.catalog.Name(i)
		result.TopPredictions = append(result.TopPredictions, Prediction{Disease: name, Confidence: probs[i]})
	}
	result.Prediction = result.TopPredictions[0].Disease
	result.Confidence = result.TopPredictions[0].Confidence

	c.logger.Debug("image classified",
		zap.String("prediction", result.Prediction),
		zap.Float64("confidence", result.Confidence),
		zap.Duration("elapsed", time.Since(start)))

	return result, nil
}

// Close releases the inference engine.
func (c *Classifier) Close() error {
	if c == nil || c.engine == nil {
		return nil
	}
	return c.engine.Close()
}
