package engine

import (
	"github.com/prometheus/client_golang/prometheus"
)

// metrics are registered once per Engine rather than via package-level
// globals, so multiple engines in one process don't collide on a shared
// prometheus.DefaultRegisterer.
type metrics struct {
	actionsTotal   *prometheus.CounterVec
	actionFailures *prometheus.CounterVec
	liveChildren   prometheus.GaugeFunc
}

func newMetrics(reg prometheus.Registerer, liveFn func() int) *metrics {
	m := &metrics{
		actionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "aimm",
			Name:      "actions_total",
			Help:      "Actions started, by kind.",
		}, []string{"kind"}),
		actionFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "aimm",
			Name:      "action_failures_total",
			Help:      "Actions that failed or were cancelled, by kind and error kind.",
		}, []string{"kind", "error"}),
	}
	m.liveChildren = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "aimm",
		Name:      "worker_pool_live_children",
		Help:      "Live worker-pool child processes.",
	}, func() float64 { return float64(liveFn()) })

	if reg != nil {
		reg.MustRegister(m.actionsTotal, m.actionFailures, m.liveChildren)
	}
	return m
}
