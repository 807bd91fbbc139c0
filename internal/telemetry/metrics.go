package telemetry

import "github.com/prometheus/client_golang/prometheus"

var ConnectionsActive = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "gateway",
		Subsystem: "connections",
		Name:      "active",
		Help:      "Live WebSocket connections held by this node, by principal type.",
	},
	[]string{"type"},
)

var ConnectionsAdmittedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "gateway",
		Subsystem: "connections",
		Name:      "admitted_total",
		Help:      "Total connections that completed admission, by principal type.",
	},
	[]string{"type"},
)

var ConnectionsRejectedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "gateway",
		Subsystem: "connections",
		Name:      "rejected_total",
		Help:      "Total connections rejected during admission, by reason.",
	},
	[]string{"reason"},
)

var SubscriptionsActive = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "gateway",
		Subsystem: "subscriptions",
		Name:      "active",
		Help:      "Local (subject, principal) subscription entries held by this node.",
	},
)

var BackbonePublishTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "gateway",
		Subsystem: "backbone",
		Name:      "publish_total",
		Help:      "Total backbone publishes, by outcome.",
	},
	[]string{"outcome"},
)

var BackboneReconnectsTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "gateway",
		Subsystem: "backbone",
		Name:      "reconnects_total",
		Help:      "Total backbone reconnect attempts.",
	},
)

var QuotaRejectedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "gateway",
		Subsystem: "quota",
		Name:      "rejected_total",
		Help:      "Total admission/publish rejections due to quota, by kind.",
	},
	[]string{"kind"},
)

var HTTPRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "gateway",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration in seconds, by method/route/status.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"method", "route", "status"},
)

var HeartbeatEvictionsTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "gateway",
		Subsystem: "presence",
		Name:      "heartbeat_evictions_total",
		Help:      "Total connections evicted by the heartbeat monitor for staleness.",
	},
)

var StatusTransitionsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "gateway",
		Subsystem: "presence",
		Name:      "status_transitions_total",
		Help:      "Total online/offline status transitions emitted, by status.",
	},
	[]string{"status"},
)

// All returns every gateway metric for registration against a Prometheus registry.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		ConnectionsActive,
		ConnectionsAdmittedTotal,
		ConnectionsRejectedTotal,
		SubscriptionsActive,
		BackbonePublishTotal,
		BackboneReconnectsTotal,
		QuotaRejectedTotal,
		HeartbeatEvictionsTotal,
		StatusTransitionsTotal,
		HTTPRequestDuration,
	}
}

// NewMetricsRegistry builds a Prometheus registry carrying the standard Go
// runtime collectors plus every collector passed in.
func NewMetricsRegistry(collectors ...prometheus.Collector) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	for _, c := range collectors {
		reg.MustRegister(c)
	}
	return reg
}
