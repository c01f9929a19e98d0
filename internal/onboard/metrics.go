package onboard

import "github.com/prometheus/client_golang/prometheus"

var (
	onboardingTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "foundry_onboarding_total",
			Help: "Finished onboarding runs by resulting account status.",
		},
		[]string{"outcome"},
	)

	deployAttemptDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "foundry_deploy_attempt_duration_seconds",
			Help:    "Deploy attempt duration in seconds.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300},
		},
		[]string{"result"},
	)

	warmupTargetsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "foundry_warmup_targets_total",
			Help: "Warm-up outcomes per (account, model) target.",
		},
		[]string{"outcome"},
	)

	warmupRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "foundry_warmup_runs_total",
			Help: "Finished warm-up runs by status.",
		},
		[]string{"status"},
	)
)

func init() {
	prometheus.MustRegister(onboardingTotal, deployAttemptDuration, warmupTargetsTotal, warmupRunsTotal)
}
