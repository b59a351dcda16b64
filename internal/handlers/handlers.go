package handlers

import (
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/Brownie44l1/plantdx-api/internal/logging"
	"github.com/Brownie44l1/plantdx-api/internal/metrics"
	"github.com/Brownie44l1/plantdx-api/internal/model"
	"github.com/Brownie44l1/plantdx-api/internal/preprocess"
)

const (
	// DefaultMaxUploadBytes caps the size of an uploaded image.
	DefaultMaxUploadBytes int64 = 10 << 20

	// multipartOverhead is the slack allowed on top of the file for boundaries and part headers.
	multipartOverhead int64 = 1 << 20
)

// Upload field names, in lookup order.
var uploadFields = []string{"file", "image"}

// Options configures a Handler.
type Options struct {
	MaxUploadBytes int64
	Device         string // reported by /health while no classifier is loaded
	Metrics        *metrics.Metrics
	Logger         *zap.Logger
}

// Handler serves the prediction API. The classifier may be installed after construction;
// until then predictions fail with 500 and health reports unhealthy.
type Handler struct {
	classifier     atomic.Pointer[model.Classifier]
	maxUploadBytes int64
	device         string
	metrics        *metrics.Metrics
	logger         *zap.Logger
}

// NewHandler creates a handler. classifier may be nil.
func NewHandler(classifier *model.Classifier, opts Options) *Handler {
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = DefaultMaxUploadBytes
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	h := &Handler{
		maxUploadBytes: opts.MaxUploadBytes,
		device:         opts.Device,
		metrics:        opts.Metrics,
		logger:         opts.Logger.Named("handlers"),
	}
	h.SetClassifier(classifier)
	return h
}

// SetClassifier installs (or with nil, removes) the classifier used for predictions.
func (h *Handler) SetClassifier(classifier *model.Classifier) {
	h.classifier.Store(classifier)
	h.metrics.SetModelLoaded(classifier != nil)
}

// Root returns static service information.
func (h *Handler) Root(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"message": "Plant Disease Classification API",
		"status":  "running",
	})
}

// Health reports whether the model is loaded, how many classes it knows and where it runs.
func (h *Handler) Health(c *gin.Context) {
	classifier := h.classifier.Load()
	if classifier == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":       "unhealthy",
			"model_loaded": false,
			"num_classes":  0,
			"device":       h.device,
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":       "healthy",
		"model_loaded": true,
		"num_classes":  classifier.Catalog().Len(),
		"device":       classifier.Info().Device,
	})
}

// Classes lists the label catalog in index order.
func (h *Handler) Classes(c *gin.Context) {
	classifier := h.classifier.Load()
	if classifier == nil {
		respondError(c, http.StatusInternalServerError, "Model not loaded", model.ErrModelNotLoaded.Error())
		return
	}
	names := classifier.Catalog().Names()
	c.JSON(http.StatusOK, gin.H{"classes": names, "count": len(names)})
}

// Predict classifies an uploaded image sent as multipart field "file" (or "image").
func (h *Handler) Predict(c *gin.Context) {
	start := time.Now()
	log := logging.WithOperation(h.logger, "handlers.predict", RequestID(c))

	classifier := h.classifier.Load()
	if classifier == nil {
		h.metrics.ObservePrediction(metrics.OutcomeUnavailable, "", 0)
		log.Error("prediction requested before model was loaded")
		respondError(c, http.StatusInternalServerError, "Model not loaded", model.ErrModelNotLoaded.Error())
		return
	}

	limit := h.maxUploadBytes + multipartOverhead
	if c.Request.ContentLength > limit {
		h.rejectTooLarge(c)
		return
	}
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit)

	fileHeader, err := h.formFile(c)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			h.rejectTooLarge(c)
			return
		}
		h.metrics.ObservePrediction(metrics.OutcomeBadInput, "", 0)
		respondError(c, http.StatusBadRequest, "No image file provided", "Upload the image as multipart field 'file'")
		return
	}
	if fileHeader.Size > h.maxUploadBytes {
		h.rejectTooLarge(c)
		return
	}
	if contentType := fileHeader.Header.Get("Content-Type"); !isImageContentType(contentType) {
		h.metrics.ObservePrediction(metrics.OutcomeBadInput, "", 0)
		respondError(c, http.StatusBadRequest, "File must be an image", "unsupported content type "+contentType)
		return
	}

	data, err := readUpload(fileHeader)
	if err != nil {
		h.metrics.ObservePrediction(metrics.OutcomeBadInput, "", 0)
		respondError(c, http.StatusBadRequest, "Failed to read uploaded file", err.Error())
		return
	}

	log.Debug("received file", zap.String("filename", fileHeader.Filename), zap.Int64("size", fileHeader.Size))

	result, err := classifier.ClassifyBytes(data)
	switch {
	case err == nil:
	case errors.Is(err, preprocess.ErrImageTooLarge):
		h.metrics.ObservePrediction(metrics.OutcomeBadInput, "", 0)
		respondError(c, http.StatusBadRequest, "Image dimensions too large", err.Error())
		return
	case errors.Is(err, preprocess.ErrDecode):
		h.metrics.ObservePrediction(metrics.OutcomeBadInput, "", 0)
		respondError(c, http.StatusBadRequest, "Invalid image file", err.Error())
		return
	case errors.Is(err, model.ErrModelNotLoaded):
		h.metrics.ObservePrediction(metrics.OutcomeUnavailable, "", 0)
		respondError(c, http.StatusInternalServerError, "Model not loaded", err.Error())
		return
	default:
		err = logging.Wrap("handlers.predict", RequestID(c), err)
		h.metrics.ObservePrediction(metrics.OutcomeError, "", 0)
		log.Error("prediction failed", logging.ErrorFields(err)...)
		respondError(c, http.StatusInternalServerError, "Prediction failed", "internal inference error")
		return
	}

	h.metrics.ObservePrediction(metrics.OutcomeSuccess, result.Prediction, time.Since(start))
	log.Info("prediction served",
		zap.String("prediction", result.Prediction),
		zap.Float64("confidence", result.Confidence),
		zap.Duration("elapsed", time.Since(start)))

	c.JSON(http.StatusOK, result)
}

func (h *Handler) rejectTooLarge(c *gin.Context) {
	h.metrics.ObservePrediction(metrics.OutcomeBadInput, "", 0)
	respondError(c, http.StatusRequestEntityTooLarge, "File too large", "uploads are limited in size")
}

// formFile returns the first upload field present. Parse failures are returned as is.
func (h *Handler) formFile(c *gin.Context) (*multipart.FileHeader, error) {
	var err error
	for _, field := range uploadFields {
		var fh *multipart.FileHeader
		fh, err = c.FormFile(field)
		if err == nil {
			return fh, nil
		}
		if !errors.Is(err, http.ErrMissingFile) {
			return nil, err
		}
	}
	return nil, err
}

func readUpload(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

// isImageContentType accepts image/* and the generic types clients send when they do not know better.
func isImageContentType(contentType string) bool {
	ct := strings.ToLower(strings.TrimSpace(contentType))
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}
	return ct == "" || ct == "application/octet-stream" || strings.HasPrefix(ct, "image/")
}

func respondError(c *gin.Context, status int, message, detail string) {
	c.AbortWithStatusJSON(status, gin.H{"error": message, "detail": detail})
}
