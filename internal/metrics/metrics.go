// Package metrics provides the Prometheus metrics exported by the classification service.
package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prediction outcomes used as the "outcome" label.
const (
	OutcomeSuccess     = "success"
	OutcomeBadInput    = "bad_input"
	OutcomeUnavailable = "unavailable"
	OutcomeError       = "error"
)

// Metrics holds every collector the service records to.
type Metrics struct {
	PredictionTotal    *prometheus.CounterVec
	PredictionDuration prometheus.Histogram
	PredictedClass     *prometheus.CounterVec
	ModelLoaded        prometheus.Gauge
	HTTPRequests       *prometheus.CounterVec
	HTTPDuration       *prometheus.HistogramVec

	registry *prometheus.Registry
}

// New creates the collectors and registers them, together with the Go and process collectors,
// on a fresh registry.
func New() (*Metrics, error) {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.PredictionTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "plantdx_predictions_total",
			Help: "Total number of prediction requests partitioned by outcome.",
		},
		[]string{"outcome"},
	)
	m.PredictionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "plantdx_prediction_duration_seconds",
			Help:    "Time taken to preprocess an image and run the forward pass.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~2.5s
		},
	)
	m.PredictedClass = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "plantdx_predicted_class_total",
			Help: "Total number of predictions partitioned by top label.",
		},
		[]string{"class"},
	)
	m.ModelLoaded = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "plantdx_model_loaded",
			Help: "1 when the classifier is loaded and serving, 0 otherwise.",
		},
	)
	m.HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "plantdx_http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"path", "method", "status"},
	)
	m.HTTPDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "plantdx_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"path"},
	)

	toRegister := []prometheus.Collector{
		m.PredictionTotal,
		m.PredictionDuration,
		m.PredictedClass,
		m.ModelLoaded,
		m.HTTPRequests,
		m.HTTPDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	}
	for _, c := range toRegister {
		if err := m.registry.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register metric: %w", err)
		}
	}

	return m, nil
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObservePrediction records one prediction attempt. class is ignored unless outcome is OutcomeSuccess.
func (m *Metrics) ObservePrediction(outcome, class string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.PredictionTotal.WithLabelValues(outcome).Inc()
	if outcome == OutcomeSuccess {
		m.PredictionDuration.Observe(elapsed.Seconds())
		m.PredictedClass.WithLabelValues(class).Inc()
	}
}

// SetModelLoaded flips the model_loaded gauge.
func (m *Metrics) SetModelLoaded(loaded bool) {
	if m == nil {
		return
	}
	if loaded {
		m.ModelLoaded.Set(1)
		return
	}
	m.ModelLoaded.Set(0)
}

// ObserveHTTP records a finished HTTP request.
func (m *Metrics) ObserveHTTP(path, method string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(path, method, fmt.Sprintf("%d", status)).Inc()
	m.HTTPDuration.WithLabelValues(path).Observe(elapsed.Seconds())
}
