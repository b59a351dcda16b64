package handlers

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"hash/crc32"
	"image"
	"image/color"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/Brownie44l1/plantdx-api/internal/metrics"
	"github.com/Brownie44l1/plantdx-api/internal/model"
)

var testClasses = []string{"Corn___Common_rust", "Corn___healthy", "Grape___Black_rot", "Grape___healthy"}

type stubEngine struct {
	logits []float32
	err    error
	calls  atomic.Int32
}

func (s *stubEngine) Run(input []float32) ([]float32, error) {
	s.calls.Add(1)
	if s.err != nil {
		return nil, s.err
	}
	return append([]float32(nil), s.logits...), nil
}

func (s *stubEngine) Close() error { return nil }

type errorBody struct {
	Error  string `json:"error"`
	Detail string `json:"detail"`
}

func newClassifier(t *testing.T, engine model.Engine) *model.Classifier {
	t.Helper()
	catalog, err := model.NewCatalog(testClasses)
	require.NoError(t, err)
	c, err := model.NewClassifier(engine, catalog, model.ModelInfo{NumClasses: len(testClasses), Device: "cpu"}, zap.NewNop())
	require.NoError(t, err)
	return c
}

func newTestRouter(t *testing.T, classifier *model.Classifier) (*gin.Engine, *Handler, *metrics.Metrics) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	m, err := metrics.New()
	require.NoError(t, err)
	h := NewHandler(classifier, Options{MaxUploadBytes: 64 << 10, Device: "cpu", Metrics: m, Logger: zap.NewNop()})
	return NewRouter(h), h, m
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 40, 30))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+3] = 30, 160, 255
	}
	img.SetNRGBA(0, 0, color.NRGBA{R: 255, A: 255})
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func buildMultipartBody(t *testing.T, field, contentType string, payload []byte) (*bytes.Buffer, string) {
	t.Helper()

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", `form-data; name="`+field+`"; filename="leaf.png"`)
	if contentType != "" {
		header.Set("Content-Type", contentType)
	}

	part, err := writer.CreatePart(header)
	require.NoError(t, err)
	_, err = part.Write(payload)
	require.NoError(t, err)
	require.NoError(t, writer.Close())

	return body, writer.FormDataContentType()
}

func postPredict(router http.Handler, body *bytes.Buffer, contentType string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/predict", body)
	req.Header.Set("Content-Type", contentType)
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	return resp
}

func decodeError(t *testing.T, resp *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var body errorBody
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	assert.NotEmpty(t, body.Error)
	assert.NotContains(t, resp.Body.String(), "goroutine")
	return body
}

func TestPredictReturnsTopPredictions(t *testing.T) {
	router, _, m := newTestRouter(t, newClassifier(t, &stubEngine{logits: []float32{0.5, 3, 1, 2}}))

	body, ct := buildMultipartBody(t, "file", "image/png", pngBytes(t))
	resp := postPredict(router, body, ct)
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())

	var result model.Result
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &result))
	assert.Equal(t, "Corn___healthy", result.Prediction)
	assert.Greater(t, result.Confidence, 0.0)
	assert.LessOrEqual(t, result.Confidence, 1.0)
	require.Len(t, result.TopPredictions, 3)
	assert.Equal(t, result.Prediction, result.TopPredictions[0].Disease)
	assert.Equal(t, "Grape___healthy", result.TopPredictions[1].Disease)
	assert.Equal(t, "Grape___Black_rot", result.TopPredictions[2].Disease)
	assert.NotEmpty(t, resp.Header().Get(requestIDHeader))

	assert.InDelta(t, 1, testutil.ToFloat64(m.PredictionTotal.WithLabelValues(metrics.OutcomeSuccess)), 0)
}

func TestPredictAcceptsImageField(t *testing.T) {
	router, _, _ := newTestRouter(t, newClassifier(t, &stubEngine{logits: []float32{4, 3, 2, 1}}))

	body, ct := buildMultipartBody(t, "image", "", pngBytes(t))
	resp := postPredict(router, body, ct)
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	assert.Contains(t, resp.Body.String(), `"prediction":"Corn___Common_rust"`)
}

func TestPredictRejectsNonImageBytes(t *testing.T) {
	router, _, m := newTestRouter(t, newClassifier(t, &stubEngine{logits: []float32{1, 2, 3, 4}}))

	body, ct := buildMultipartBody(t, "file", "image/jpeg", []byte("this is not a jpeg"))
	resp := postPredict(router, body, ct)

	assert.Equal(t, http.StatusBadRequest, resp.Code)
	assert.Equal(t, "Invalid image file", decodeError(t, resp).Error)
	assert.InDelta(t, 1, testutil.ToFloat64(m.PredictionTotal.WithLabelValues(metrics.OutcomeBadInput)), 0)
}

func TestPredictRejectsUnsupportedContentType(t *testing.T) {
	router, _, _ := newTestRouter(t, newClassifier(t, &stubEngine{logits: []float32{1, 2, 3, 4}}))

	body, ct := buildMultipartBody(t, "file", "text/plain", []byte("hello"))
	resp := postPredict(router, body, ct)

	assert.Equal(t, http.StatusBadRequest, resp.Code)
	assert.Equal(t, "File must be an image", decodeError(t, resp).Error)
}

func TestPredictRequiresFile(t *testing.T) {
	router, _, _ := newTestRouter(t, newClassifier(t, &stubEngine{logits: []float32{1, 2, 3, 4}}))

	body, ct := buildMultipartBody(t, "attachment", "image/png", pngBytes(t))
	resp := postPredict(router, body, ct)
	assert.Equal(t, http.StatusBadRequest, resp.Code)
	decodeError(t, resp)

	resp = postPredict(router, bytes.NewBufferString(`{"image": []}`), "application/json")
	assert.Equal(t, http.StatusBadRequest, resp.Code)
	decodeError(t, resp)
}

func TestPredictRejectsLargeUpload(t *testing.T) {
	router, h, _ := newTestRouter(t, newClassifier(t, &stubEngine{logits: []float32{1, 2, 3, 4}}))

	body, ct := buildMultipartBody(t, "file", "image/png", bytes.Repeat([]byte("a"), int(h.maxUploadBytes)+1))
	resp := postPredict(router, body, ct)
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.Code)

	body, ct = buildMultipartBody(t, "file", "image/png", bytes.Repeat([]byte("a"), int(h.maxUploadBytes+multipartOverhead)+1))
	resp = postPredict(router, body, ct)
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.Code)
}

func TestPredictRejectsOversizedImages(t *testing.T) {
	// Both payloads are a few hundred bytes at most.
	narrow := image.NewNRGBA(image.Rect(0, 0, 1, 20000))
	for i := 3; i < len(narrow.Pix); i += 4 {
		narrow.Pix[i] = 255
	}
	var narrowPNG bytes.Buffer
	require.NoError(t, png.Encode(&narrowPNG, narrow))

	tests := []struct {
		name    string
		payload []byte
	}{
		{"declared dimensions", pngHeader(50000, 50000)},
		{"extreme aspect ratio", narrowPNG.Bytes()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine := &stubEngine{logits: []float32{1, 2, 3, 4}}
			router, _, m := newTestRouter(t, newClassifier(t, engine))

			body, ct := buildMultipartBody(t, "file", "image/png", tt.payload)
			resp := postPredict(router, body, ct)

			assert.Equal(t, http.StatusBadRequest, resp.Code)
			assert.Equal(t, "Image dimensions too large", decodeError(t, resp).Error)
			assert.Zero(t, engine.calls.Load())
			assert.InDelta(t, 1, testutil.ToFloat64(m.PredictionTotal.WithLabelValues(metrics.OutcomeBadInput)), 0)
		})
	}
}

// pngHeader returns a PNG that declares w x h RGB pixels and carries no image data.
func pngHeader(w, h uint32) []byte {
	ihdr := make([]byte, 13)
	binary.BigEndian.PutUint32(ihdr[0:], w)
	binary.BigEndian.PutUint32(ihdr[4:], h)
	ihdr[8], ihdr[9] = 8, 2

	var buf bytes.Buffer
	buf.WriteString("\x89PNG\r\n\x1a\n")
	_ = binary.Write(&buf, binary.BigEndian, uint32(len(ihdr)))
	chunk := append([]byte("IHDR"), ihdr...)
	buf.Write(chunk)
	_ = binary.Write(&buf, binary.BigEndian, crc32.ChecksumIEEE(chunk))
	return buf.Bytes()
}

func TestPredictBeforeModelLoaded(t *testing.T) {
	router, h, m := newTestRouter(t, nil)

	body, ct := buildMultipartBody(t, "file", "image/png", pngBytes(t))
	resp := postPredict(router, body, ct)

	assert.Equal(t, http.StatusInternalServerError, resp.Code)
	errBody := decodeError(t, resp)
	assert.Equal(t, "Model not loaded", errBody.Error)
	assert.InDelta(t, 0, testutil.ToFloat64(m.ModelLoaded), 0)

	h.SetClassifier(newClassifier(t, &stubEngine{logits: []float32{1, 2, 3, 4}}))
	body, ct = buildMultipartBody(t, "file", "image/png", pngBytes(t))
	resp = postPredict(router, body, ct)
	assert.Equal(t, http.StatusOK, resp.Code)
	assert.InDelta(t, 1, testutil.ToFloat64(m.ModelLoaded), 0)
}

func TestPredictInferenceFailure(t *testing.T) {
	router, _, _ := newTestRouter(t, newClassifier(t, &stubEngine{err: errors.New("onnxruntime exploded at 0xdeadbeef")}))

	body, ct := buildMultipartBody(t, "file", "image/png", pngBytes(t))
	resp := postPredict(router, body, ct)

	assert.Equal(t, http.StatusInternalServerError, resp.Code)
	assert.Equal(t, "Prediction failed", decodeError(t, resp).Error)
	assert.NotContains(t, resp.Body.String(), "0xdeadbeef")
}

func TestPredictInferenceFailureIsLoggedWithRequest(t *testing.T) {
	gin.SetMode(gin.TestMode)
	core, logs := observer.New(zap.ErrorLevel)
	h := NewHandler(newClassifier(t, &stubEngine{err: errors.New("session run failed")}), Options{Logger: zap.New(core)})
	router := NewRouter(h)

	body, ct := buildMultipartBody(t, "file", "image/png", pngBytes(t))
	req := httptest.NewRequest(http.MethodPost, "/predict", body)
	req.Header.Set("Content-Type", ct)
	req.Header.Set("X-Request-ID", "req-42")
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	require.Equal(t, http.StatusInternalServerError, resp.Code)

	entries := logs.FilterMessage("prediction failed").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "handlers.predict", fields["failed_operation"])
	assert.Equal(t, "req-42", fields["request_id"])
	assert.Equal(t, "handlers.predict [req-42]: session run failed", fields["error"])
}

func TestHealth(t *testing.T) {
	router, h, _ := newTestRouter(t, nil)

	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, resp.Code)
	assert.JSONEq(t, `{"status":"unhealthy","model_loaded":false,"num_classes":0,"device":"cpu"}`, resp.Body.String())

	h.SetClassifier(newClassifier(t, &stubEngine{logits: []float32{1, 2, 3, 4}}))
	resp = httptest.NewRecorder()
	router.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, resp.Code)
	assert.JSONEq(t, `{"status":"healthy","model_loaded":true,"num_classes":4,"device":"cpu"}`, resp.Body.String())
}

func TestRootAndClasses(t *testing.T) {
	router, _, _ := newTestRouter(t, newClassifier(t, &stubEngine{logits: []float32{1, 2, 3, 4}}))

	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, resp.Code)
	assert.JSONEq(t, `{"message":"Plant Disease Classification API","status":"running"}`, resp.Body.String())

	resp = httptest.NewRecorder()
	router.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/classes", nil))
	assert.Equal(t, http.StatusOK, resp.Code)
	var body struct {
		Classes []string `json:"classes"`
		Count   int      `json:"count"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	assert.Equal(t, testClasses, body.Classes)
	assert.Equal(t, 4, body.Count)
}

func TestCORSPreflight(t *testing.T) {
	router, _, _ := newTestRouter(t, nil)

	req := httptest.NewRequest(http.MethodOptions, "/predict", nil)
	req.Header.Set("Origin", "http://example.com")
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	assert.Equal(t, http.StatusNoContent, resp.Code)
	assert.Equal(t, "*", resp.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, resp.Header().Get("Access-Control-Allow-Methods"), "POST")
}

func TestRequestIDIsPropagated(t *testing.T) {
	router, _, _ := newTestRouter(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(requestIDHeader, "abc-123")
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	assert.Equal(t, "abc-123", resp.Header().Get(requestIDHeader))
}

func TestMetricsEndpoint(t *testing.T) {
	router, _, _ := newTestRouter(t, nil)

	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, resp.Code)
	assert.True(t, strings.Contains(resp.Body.String(), `plantdx_http_requests_total{method="GET",path="/",status="200"} 1`))
}

func TestRecoveryHidesPanics(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(Recovery(zap.NewNop()))
	router.GET("/boom", func(c *gin.Context) { panic("secret internals") })

	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/boom", nil))
	assert.Equal(t, http.StatusInternalServerError, resp.Code)
	assert.NotContains(t, resp.Body.String(), "secret internals")
}

func TestIsImageContentType(t *testing.T) {
	for _, ct := range []string{"", "image/png", "IMAGE/JPEG", "image/webp; q=1", "application/octet-stream"} {
		assert.True(t, isImageContentType(ct), ct)
	}
	for _, ct := range []string{"text/plain", "application/pdf", "video/mp4"} {
		assert.False(t, isImageContentType(ct), ct)
	}
}
