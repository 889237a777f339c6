package discover

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	activeBuilds = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "proxy_discover_active_builds",
		Help: "Number of in-flight child-service builds per authority.",
	}, []string{"authority"})

	changesEmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "proxy_discover_changes_total",
		Help: "Change events emitted to the balancer, by kind.",
	}, []string{"authority", "kind"})

	buildFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "proxy_discover_build_failures_total",
		Help: "Child-service builds that failed, terminating the discover stream.",
	}, []string{"authority"})

	buildsCancelledTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "proxy_discover_builds_cancelled_total",
		Help: "Child-service builds cancelled before completion.",
	}, []string{"authority"})
)
