package orchestrator

import "github.com/prometheus/client_golang/prometheus"

var (
	moduleLoadsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "keystone_module_loads_total",
			Help: "Number of successful module loads, including reloads.",
		},
	)
	moduleLoadFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "keystone_module_load_failures_total",
			Help: "Number of module loads aborted by errors or trust validation.",
		},
	)
	moduleLeaksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "keystone_module_leaks_total",
			Help: "Number of unloaded module boundaries never reclaimed within the grace period.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		moduleLoadsTotal,
		moduleLoadFailuresTotal,
		moduleLeaksTotal,
	)
}
