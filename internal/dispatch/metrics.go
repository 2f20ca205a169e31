package dispatch

import "github.com/prometheus/client_golang/prometheus"

var resolutionsTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "keystone_dispatch_resolutions_total",
		Help: "Number of dispatch binds performed, including negative ones.",
	},
)

func init() {
	prometheus.MustRegister(resolutionsTotal)
}
