package session

import "github.com/prometheus/client_golang/prometheus"

var validations = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "foundry_session_events_total",
		Help: "Session creations and validation outcomes.",
	},
	[]string{"outcome"},
)

func init() {
	prometheus.MustRegister(validations)
}
