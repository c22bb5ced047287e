package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"scanguard/internal/model"
)

// Collectors holds the Prometheus instruments for detection runs. They live
// on their own registry so tests and multiple engines do not collide.
type Collectors struct {
	Registry      *prometheus.Registry
	RecordsScored prometheus.Counter
	Anomalies     *prometheus.CounterVec
	Runs          *prometheus.CounterVec
	AuditFailures prometheus.Counter
	Scores        prometheus.Histogram
}

func NewCollectors() *Collectors {
	reg := prometheus.NewRegistry()
	c := &Collectors{
		Registry: reg,
		RecordsScored: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scanguard_records_scored_total",
			Help: "Total number of inventory records scored",
		}),
		Anomalies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scanguard_anomalies_total",
			Help: "Positive anomaly predictions by severity",
		}, []string{"severity"}),
		Runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scanguard_runs_total",
			Help: "Detection runs by mode (scored, fallback, empty)",
		}, []string{"mode"}),
		AuditFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scanguard_audit_write_failures_total",
			Help: "Audit appends that failed and aborted a run",
		}),
		Scores: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "scanguard_anomaly_score",
			Help:    "Distribution of anomaly scores",
			Buckets: []float64{0.1, 0.2, 0.3, 0.4, 0.55, 0.6, 0.7, 0.85, 1.0},
		}),
	}
	reg.MustRegister(c.RecordsScored, c.Anomalies, c.Runs, c.AuditFailures, c.Scores)
	return c
}

func (c *Collectors) Observe(batch model.DetectionBatch) {
	mode := "scored"
	switch {
	case batch.Metadata.RecordsScored == 0:
		mode = "empty"
	case batch.Metadata.FallbackMode:
		mode = "fallback"
	}
	c.Runs.WithLabelValues(mode).Inc()
	c.RecordsScored.Add(float64(batch.Metadata.RecordsScored))
	for _, d := range batch.Detections {
		if !batch.Metadata.FallbackMode {
			c.Scores.Observe(d.AnomalyScore)
		}
		if d.Prediction {
			c.Anomalies.WithLabelValues(string(d.Severity)).Inc()
		}
	}
}
