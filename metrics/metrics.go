// Package metrics holds the balancer's Prometheus collectors. Every
// counter/gauge is registered once at import time via promauto and
// incremented from the component that owns the event it describes.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	JobsDispatched = promauto.NewCounter(prometheus.CounterOpts{
		Name: "langrelay_jobs_dispatched_total",
		Help: "Balancer jobs successfully sent to an upstream adapter.",
	})

	JobsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "langrelay_jobs_failed_total",
		Help: "Balancer jobs that ended FAILED, by reason.",
	}, []string{"reason"})

	AdaptersConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "langrelay_adapters_connected",
		Help: "Number of adapters currently CONNECTED.",
	})

	AwaitingReplyJobs = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "langrelay_awaiting_reply_jobs",
		Help: "Total jobs currently in AWAITING_REPLY across all adapters.",
	})

	ReconnectAttempts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "langrelay_reconnect_attempts_total",
		Help: "Reconnect attempts issued by the reconnect loop.",
	})
)
