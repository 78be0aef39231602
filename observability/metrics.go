package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus instruments for the ingestion pipeline.
type Metrics struct {
	MessagesReceived  prometheus.Counter
	MessagesDropped   *prometheus.CounterVec // labels: reason={unknown_device,invalid_sample,queue_full}
	MessagesProcessed *prometheus.CounterVec // labels: device
	StoreErrors       *prometheus.CounterVec // labels: operation
	GaugeResets       *prometheus.CounterVec // labels: device
	HistoryCommits    *prometheus.CounterVec // labels: device
	HistoryEvictions  *prometheus.CounterVec // labels: device
	RainWindowTotal   *prometheus.GaugeVec   // labels: device
	ProcessDuration   prometheus.Histogram
	AnomaliesDetected *prometheus.CounterVec // labels: type
}

func newMetrics() *Metrics {
	return &Metrics{
		MessagesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "puclima",
			Name:      "messages_received_total",
			Help:      "Total payloads delivered by the transport.",
		}),
		MessagesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "puclima",
			Name:      "messages_dropped_total",
			Help:      "Payloads discarded before any state mutation, by reason.",
		}, []string{"reason"}),
		MessagesProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "puclima",
			Name:      "messages_processed_total",
			Help:      "Valid readings fully written to the store.",
		}, []string{"device"}),
		StoreErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "puclima",
			Name:      "store_errors_total",
			Help:      "Failed device store calls, by operation.",
		}, []string{"operation"}),
		GaugeResets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "puclima",
			Name:      "rain_gauge_resets_total",
			Help:      "Detected decreases of the cumulative rain level.",
		}, []string{"device"}),
		HistoryCommits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "puclima",
			Name:      "history_commits_total",
			Help:      "Down-sampled history entries appended.",
		}, []string{"device"}),
		HistoryEvictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "puclima",
			Name:      "history_evictions_total",
			Help:      "History entries removed by the retention bound.",
		}, []string{"device"}),
		RainWindowTotal: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "puclima",
			Name:      "rain_window_total_mm",
			Help:      "Last computed rolling-window precipitation total.",
		}, []string{"device"}),
		ProcessDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "puclima",
			Name:      "process_duration_seconds",
			Help:      "Duration of the full store update sequence for one reading.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}),
		AnomaliesDetected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "puclima",
			Name:      "anomalies_detected_total",
			Help:      "Threshold violations found in valid readings.",
		}, []string{"type"}),
	}
}

// NewMetrics creates and registers all metrics with the default Prometheus registry.
func NewMetrics() *Metrics {
	m := newMetrics()
	prometheus.MustRegister(
		m.MessagesReceived,
		m.MessagesDropped,
		m.MessagesProcessed,
		m.StoreErrors,
		m.GaugeResets,
		m.HistoryCommits,
		m.HistoryEvictions,
		m.RainWindowTotal,
		m.ProcessDuration,
		m.AnomaliesDetected,
	)
	return m
}

// NewMetricsForTesting creates unregistered metrics to avoid
// "already registered" panics when called from multiple tests.
func NewMetricsForTesting() *Metrics {
	return newMetrics()
}
