package engine

import "github.com/prometheus/client_golang/prometheus"

// Metric label values for execution outcomes.
const (
	outcomeCompleted  = "completed"
	outcomeFailed     = "failed"
	outcomeTimedOut   = "timed_out"
	outcomeCancelled  = "cancelled"
	outcomeTargetGone = "target_gone"
)

var (
	queueDepthGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "querygate_pool_queue_depth",
			Help: "Number of approved requests waiting for an execution slot.",
		},
	)

	activeSlotsGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "querygate_pool_active_slots",
			Help: "Number of execution slots currently running a request.",
		},
	)

	executionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "querygate_executions_total",
			Help: "Total number of executions by terminal outcome.",
		},
		[]string{"outcome"},
	)

	executionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "querygate_execution_duration_seconds",
			Help:    "Wall-clock execution time from Running to the terminal state, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)

	saturatedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "querygate_pool_saturated_total",
			Help: "Total number of submissions rejected because the pool was full.",
		},
	)
)

func init() {
	prometheus.MustRegister(queueDepthGauge)
	prometheus.MustRegister(activeSlotsGauge)
	prometheus.MustRegister(executionsTotal)
	prometheus.MustRegister(executionDuration)
	prometheus.MustRegister(saturatedTotal)

	for _, o := range []string{outcomeCompleted, outcomeFailed, outcomeTimedOut, outcomeCancelled, outcomeTargetGone} {
		executionsTotal.WithLabelValues(o)
	}
}
