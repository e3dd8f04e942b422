package engine

import (
	"encoding/json"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "flowline"

// Labels for the sink role of written batches
const (
	sinkRoleOutput      = "output"
	sinkRoleErrorOutput = "error_output"
)

// Metrics holds the prometheus collectors shared by all executors of a runtime.
type Metrics struct {
	batchesFetched    *prometheus.CounterVec
	rowsFetched       *prometheus.CounterVec
	batchesFiltered   *prometheus.CounterVec
	batchesWritten    *prometheus.CounterVec
	rowsWritten       *prometheus.CounterVec
	stageErrors       *prometheus.CounterVec
	retries           *prometheus.CounterVec
	reconnects        *prometheus.CounterVec
	inFlight          *prometheus.GaugeVec
	processingSeconds *prometheus.HistogramVec
}

// NewMetrics creates the collectors and registers them with reg, if non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		batchesFetched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "batches_fetched_total",
			Help:      "Number of batches fetched from stream sources.",
		}, []string{"stream"}),
		rowsFetched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "rows_fetched_total",
			Help:      "Number of rows in batches fetched from stream sources.",
		}, []string{"stream"}),
		batchesFiltered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "batches_filtered_total",
			Help:      "Number of fetched batches filtered out by the processor chain.",
		}, []string{"stream"}),
		batchesWritten: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "batches_written_total",
			Help:      "Number of batches written to sinks.",
		}, []string{"stream", "sink"}),
		rowsWritten: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "rows_written_total",
			Help:      "Number of rows written to sinks.",
		}, []string{"stream", "sink"}),
		stageErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "stage_errors_total",
			Help:      "Number of batches failing in a processor stage.",
		}, []string{"stream", "stage"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "retries_total",
			Help:      "Number of retried source fetches and sink writes.",
		}, []string{"stream", "op"}),
		reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "reconnects_total",
			Help:      "Number of source reconnects.",
		}, []string{"stream"}),
		inFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "in_flight_batches",
			Help:      "Number of batches currently being processed.",
		}, []string{"stream"}),
		processingSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "processing_seconds",
			Help:      "Time from fetch to acknowledgment of a batch.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 10),
		}, []string{"stream"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.batchesFetched,
			m.rowsFetched,
			m.batchesFiltered,
			m.batchesWritten,
			m.rowsWritten,
			m.stageErrors,
			m.retries,
			m.reconnects,
			m.inFlight,
			m.processingSeconds,
		)
	}
	return m
}

// Event processing metrics kept per executor. Using int64 is safe here:
// Total batches processed will work for 3 million years if having 100k batches/sec
// Total processing DurationMicros will work for 290k years
type ProcessingMetrics struct {
	Batches        int64
	Rows           int64
	DurationMicros int64
	Operations     int64
}

func (p ProcessingMetrics) String() string {
	out, _ := json.Marshal(p)
	return string(out)
}
