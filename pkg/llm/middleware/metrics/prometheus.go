package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusRecorder implements the Recorder interface using Prometheus metrics.
type PrometheusRecorder struct {
	requestsTotal   *prometheus.CounterVec
	tokensTotal     *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
}

// NewPrometheusRecorder creates a new Prometheus-based metrics recorder.
func NewPrometheusRecorder() *PrometheusRecorder {
	return &PrometheusRecorder{
		requestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "llm_requests_total",
				Help: "Total number of LLM requests by model, run, stage, agent, and status",
			},
			[]string{"model", "run_id", "stage", "agent", "status", "error_type"},
		),
		tokensTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "llm_tokens_total",
				Help: "Total number of tokens used in LLM requests",
			},
			[]string{"model", "run_id", "stage", "agent", "type"},
		),
		requestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "llm_request_duration_seconds",
				Help:    "Duration of LLM requests in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"model", "run_id", "stage", "agent"},
		),
	}
}

// ObserveRequest records metrics for a completed LLM request.
func (p *PrometheusRecorder) ObserveRequest(
	model, runID, stage, agent string,
	promptTokens, completionTokens int,
	success bool,
	errorType string,
	duration time.Duration,
) {
	status := "success"
	if !success {
		status = "error"
	}

	p.requestsTotal.WithLabelValues(model, runID, stage, agent, status, errorType).Inc()

	// Tokens are only known on success
	if success {
		p.tokensTotal.WithLabelValues(model, runID, stage, agent, "prompt").Add(float64(promptTokens))
		p.tokensTotal.WithLabelValues(model, runID, stage, agent, "completion").Add(float64(completionTokens))
	}

	p.requestDuration.WithLabelValues(model, runID, stage, agent).Observe(duration.Seconds())
}

// NopRecorder discards all observations. Used when metrics are disabled.
type NopRecorder struct{}

// ObserveRequest implements Recorder and does nothing.
func (NopRecorder) ObserveRequest(string, string, string, string, int, int, bool, string, time.Duration) {
}
