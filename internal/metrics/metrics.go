// Package metrics holds the Prometheus collectors of the sort engine.
package metrics

import (
	"math"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

var (
	// RecordsCounter counts input and output records, labelled processed/invalid/output.
	RecordsCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "minisort",
			Subsystem: "job",
			Name:      "records_total",
			Help:      "Counter of records by kind",
		}, []string{"kind"})
	// RunsCounter counts runs by lifecycle event: spilled/accepted/duplicate/discarded.
	RunsCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "minisort",
			Subsystem: "shuffle",
			Name:      "runs_total",
			Help:      "Counter of sorted runs by event",
		}, []string{"event"})
	BytesSpilledCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "minisort",
			Subsystem: "sorter",
			Name:      "spilled_bytes_total",
			Help:      "Bytes written to sealed runs",
		})
	JobsCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "minisort",
			Subsystem: "job",
			Name:      "finished_total",
			Help:      "Counter of finished job attempts by result",
		}, []string{"result"})
	StageDurationHistogram = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "minisort",
			Subsystem: "job",
			Name:      "stage_duration_seconds",
			Help:      "Bucketed histogram of task duration (s) per stage",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 20),
		}, []string{"stage"})
	MergeFanInHistogram = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "minisort",
			Subsystem: "merge",
			Name:      "fan_in",
			Help:      "Number of runs merged per partition",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		})
	RunningTasksGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "minisort",
			Subsystem: "executor",
			Name:      "running_tasks",
			Help:      "Number of units currently holding an executor slot",
		})
)

// Record kinds.
const (
	KindProcessed = "processed"
	KindInvalid   = "invalid"
	KindOutput    = "output"
)

// Run events.
const (
	RunSpilled   = "spilled"
	RunAccepted  = "accepted"
	RunDuplicate = "duplicate"
	RunDiscarded = "discarded"
)

// RegisterMetrics registers metrics.
func RegisterMetrics(registry prometheus.Registerer) {
	registry.MustRegister(RecordsCounter)
	registry.MustRegister(RunsCounter)
	registry.MustRegister(BytesSpilledCounter)
	registry.MustRegister(JobsCounter)
	registry.MustRegister(StageDurationHistogram)
	registry.MustRegister(MergeFanInHistogram)
	registry.MustRegister(RunningTasksGauge)
}

// ReadCounter reports the current value of the counter.
func ReadCounter(counter prometheus.Counter) float64 {
	var metric dto.Metric
	if err := counter.Write(&metric); err != nil {
		return math.NaN()
	}
	return metric.Counter.GetValue()
}

// ReadGauge reports the current value of the gauge.
func ReadGauge(gauge prometheus.Gauge) float64 {
	var metric dto.Metric
	if err := gauge.Write(&metric); err != nil {
		return math.NaN()
	}
	return metric.Gauge.GetValue()
}
