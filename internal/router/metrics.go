package router

import "github.com/prometheus/client_golang/prometheus"

var (
	pickTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "foundry_router_picks_total",
			Help: "Account selections by outcome.",
		},
		[]string{"result"},
	)

	dispatchFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "foundry_router_dispatch_failures_total",
			Help: "Dispatch failures reported against accounts, by failure type.",
		},
		[]string{"failure_type"},
	)
)

func init() {
	prometheus.MustRegister(pickTotal)
	prometheus.MustRegister(dispatchFailures)
}
