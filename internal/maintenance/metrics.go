package maintenance

import "github.com/prometheus/client_golang/prometheus"

var (
	jobRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "foundry_maintenance_job_runs_total",
			Help: "Scheduled maintenance job runs by job and result.",
		},
		[]string{"job", "result"},
	)

	recoveredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "foundry_recovered_accounts_total",
			Help: "Failed accounts returned to service, by path.",
		},
		[]string{"path"},
	)
)

func init() {
	prometheus.MustRegister(jobRunsTotal, recoveredTotal)
}
