// Package metrics exposes the Prometheus instruments of the worker.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the worker's counters and histograms. A nil *Metrics is
// safe to use; every method becomes a no-op, which keeps tests quiet.
type Metrics struct {
	documentsProcessed *prometheus.CounterVec
	stepFailures       *prometheus.CounterVec
	anomaliesRaised    *prometheus.CounterVec
	batchTransitions   *prometheus.CounterVec
	executionDuration  *prometheus.HistogramVec
}

// New registers the worker instruments on the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		documentsProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "claims_documents_processed_total",
			Help: "Documents run through a pipeline, by pipeline and outcome.",
		}, []string{"pipeline", "outcome"}),
		stepFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "claims_step_failures_total",
			Help: "Failed pipeline steps, by pipeline and step name.",
		}, []string{"pipeline", "step"}),
		anomaliesRaised: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "claims_anomalies_total",
			Help: "Anomalies attached to documents, by type and severity.",
		}, []string{"type", "severity"}),
		batchTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "claims_batch_transitions_total",
			Help: "Batch lifecycle transitions, by target status.",
		}, []string{"to"}),
		executionDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "claims_execution_duration_seconds",
			Help:    "Wall-clock duration of full pipeline executions.",
			Buckets: prometheus.DefBuckets,
		}, []string{"pipeline"}),
	}
}

func (m *Metrics) DocumentProcessed(pipeline string, success bool, d time.Duration) {
	if m == nil {
		return
	}
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	m.documentsProcessed.WithLabelValues(pipeline, outcome).Inc()
	m.executionDuration.WithLabelValues(pipeline).Observe(d.Seconds())
}

func (m *Metrics) StepFailed(pipeline, step string) {
	if m == nil {
		return
	}
	m.stepFailures.WithLabelValues(pipeline, step).Inc()
}

func (m *Metrics) AnomalyRaised(anomalyType, severity string) {
	if m == nil {
		return
	}
	m.anomaliesRaised.WithLabelValues(anomalyType, severity).Inc()
}

func (m *Metrics) BatchTransition(to string) {
	if m == nil {
		return
	}
	m.batchTransitions.WithLabelValues(to).Inc()
}

// Handler serves the registry over HTTP for scraping.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
