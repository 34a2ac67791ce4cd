package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Event loop metrics
	TasksScheduled = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lithiumcore_tasks_scheduled_total",
			Help: "Total number of tasks posted to the event loop, by kind (immediate, delayed, periodic)",
		},
		[]string{"kind"},
	)

	TasksCompleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lithiumcore_tasks_completed_total",
			Help: "Total number of event loop tasks that reached a terminal status",
		},
		[]string{"status"},
	)

	ReadyQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "lithiumcore_ready_queue_depth",
			Help: "Current number of tasks in the event loop ready queue",
		},
	)

	TaskLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "lithiumcore_task_latency_seconds",
			Help:    "Run duration of an event loop task body in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Message bus metrics
	BusPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lithiumcore_bus_published_total",
			Help: "Total number of events published, by topic",
		},
		[]string{"topic"},
	)

	BusDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lithiumcore_bus_dropped_total",
			Help: "Total number of events dropped from a queued subscriber's bounded inbox",
		},
		[]string{"topic"},
	)

	// Command dispatcher metrics
	CommandsDispatched = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lithiumcore_commands_dispatched_total",
			Help: "Total number of command dispatches, by command name and error kind (empty = success)",
		},
		[]string{"command", "kind"},
	)

	CommandLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lithiumcore_command_duration_seconds",
			Help:    "Command dispatch duration in seconds, by command name",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"command"},
	)

	// Script manager metrics
	ScriptRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lithiumcore_script_runs_total",
			Help: "Total number of script executions, by script name and outcome",
		},
		[]string{"script", "outcome"},
	)

	ScriptRunDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lithiumcore_script_run_duration_seconds",
			Help:    "Script execution duration in seconds, by script name",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"script"},
	)

	ScriptVersionsEvicted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "lithiumcore_script_versions_evicted_total",
			Help: "Total number of script versions evicted due to max-versions overflow",
		},
	)

	// Script analyzer metrics
	AnalyzerScansTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "lithiumcore_analyzer_scans_total",
			Help: "Total number of script analyses performed",
		},
	)

	AnalyzerDangersFound = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lithiumcore_analyzer_dangers_total",
			Help: "Total number of dangerous patterns matched, by category",
		},
		[]string{"category"},
	)

	// Guider client metrics
	GuiderRPCLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lithiumcore_guider_rpc_duration_seconds",
			Help:    "Guider RPC round-trip duration in seconds, by method",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	GuiderReconnectsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "lithiumcore_guider_reconnects_total",
			Help: "Total number of guider reconnect attempts",
		},
	)

	GuiderSettleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "lithiumcore_guider_settle_duration_seconds",
			Help:    "Duration of settle operations (start-guiding / dither) in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Sequencer metrics
	TargetsScheduled = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lithiumcore_targets_scheduled_total",
			Help: "Total number of targets entering Running, by sequence scheduling policy",
		},
		[]string{"policy"},
	)

	TargetsFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lithiumcore_targets_finished_total",
			Help: "Total number of targets reaching a terminal status",
		},
		[]string{"status"},
	)

	SequenceProgress = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "lithiumcore_sequence_progress_ratio",
			Help: "Progress of the most recently executed sequence, in [0,1]",
		},
	)

	SequenceDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "lithiumcore_sequence_duration_seconds",
			Help:    "Total wall-clock duration of a sequence run",
			Buckets: []float64{1, 5, 15, 30, 60, 300, 900, 1800, 3600, 7200},
		},
	)
)

func init() {
	prometheus.MustRegister(
		TasksScheduled,
		TasksCompleted,
		ReadyQueueDepth,
		TaskLatency,
		BusPublishedTotal,
		BusDroppedTotal,
		CommandsDispatched,
		CommandLatency,
		ScriptRunsTotal,
		ScriptRunDuration,
		ScriptVersionsEvicted,
		AnalyzerScansTotal,
		AnalyzerDangersFound,
		GuiderRPCLatency,
		GuiderReconnectsTotal,
		GuiderSettleDuration,
		TargetsScheduled,
		TargetsFinished,
		SequenceProgress,
		SequenceDuration,
	)
}

// Handler returns the Prometheus HTTP handler for /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer starting now.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
