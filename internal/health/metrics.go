package health

import "github.com/prometheus/client_golang/prometheus"

var (
	checkPassing = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "querygate_health_check_passing",
			Help: "1 if the last run of a health sub-check passed, 0 otherwise.",
		},
		[]string{"check"},
	)

	escalationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "querygate_health_escalations_total",
			Help: "Health sub-check failures escalated to external notification.",
		},
		[]string{"check"},
	)
)

func init() {
	prometheus.MustRegister(checkPassing)
	prometheus.MustRegister(escalationsTotal)
}
