package admission

import "github.com/prometheus/client_golang/prometheus"

var (
	depthGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "foundry_queue_depth",
		Help: "Task ids currently holding a degraded-queue slot.",
	})

	admittedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "foundry_queue_admitted_total",
		Help: "Task ids admitted into the degraded queue.",
	})

	rejectedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "foundry_queue_rejected_total",
		Help: "Admission attempts rejected because the queue was full.",
	})

	overloadedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "foundry_queue_overloaded_total",
		Help: "Waits abandoned because no slot freed up in time.",
	})
)

func init() {
	prometheus.MustRegister(depthGauge, admittedTotal, rejectedTotal, overloadedTotal)
}
