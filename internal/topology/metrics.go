package topology

import "github.com/prometheus/client_golang/prometheus"

var (
	syncRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "querygate_sync_runs_total",
			Help: "Total number of per-instance sync passes by trigger and status.",
		},
		[]string{"trigger", "status"},
	)

	syncDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "querygate_sync_duration_seconds",
			Help:    "Duration of a per-instance sync pass, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)

	syncChangesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "querygate_sync_database_changes_total",
			Help: "Databases added to or soft-removed from the inventory by sync.",
		},
		[]string{"change"},
	)
)

func init() {
	prometheus.MustRegister(syncRunsTotal)
	prometheus.MustRegister(syncDuration)
	prometheus.MustRegister(syncChangesTotal)
}
