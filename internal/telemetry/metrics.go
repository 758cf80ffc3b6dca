package telemetry

import "github.com/prometheus/client_golang/prometheus"

// HTTPRequestDuration tracks request latency for the health/metrics surface.
var HTTPRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "opswatch",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"method", "path", "status"},
)

var MessagesSentTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "opswatch",
		Subsystem: "messaging",
		Name:      "sent_total",
		Help:      "Total number of outbound chat operations by kind (send, edit, delete).",
	},
	[]string{"op"},
)

var MessagesDroppedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "opswatch",
		Subsystem: "messaging",
		Name:      "dropped_total",
		Help:      "Total number of outbound chat operations dropped after retry exhaustion, by operation (send, edit, delete).",
	},
	[]string{"reason"},
)

var VerificationsIssuedTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "opswatch",
		Subsystem: "auth",
		Name:      "verifications_issued_total",
		Help:      "Total number of email verification codes issued.",
	},
)

var VerificationsConsumedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "opswatch",
		Subsystem: "auth",
		Name:      "verifications_consumed_total",
		Help:      "Total number of verification attempts by outcome (matched, mismatch); an expired code counts as mismatch.",
	},
	[]string{"outcome"},
)

var TicketsReconciledTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "opswatch",
		Subsystem: "tickets",
		Name:      "reconciled_total",
		Help:      "Total number of ticket reconciliation actions by kind (created, updated, retired).",
	},
	[]string{"action"},
)

var TicketActionsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "opswatch",
		Subsystem: "tickets",
		Name:      "actions_total",
		Help:      "Total number of ticket actions taken by chat users.",
	},
	[]string{"kind"},
)

var ServerEventsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "opswatch",
		Subsystem: "monitor",
		Name:      "server_events_total",
		Help:      "Total number of recorded server UP/DOWN events.",
	},
	[]string{"kind"},
)

var ProbeDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "opswatch",
		Subsystem: "monitor",
		Name:      "probe_duration_seconds",
		Help:      "Reachability probe duration in seconds.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 3},
	},
	[]string{"result"},
)

var ClusterLeaderGauge = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "opswatch",
		Subsystem: "cluster",
		Name:      "is_leader",
		Help:      "1 if this node currently holds leadership for the given node kind.",
	},
	[]string{"kind"},
)

// All returns the opswatch-specific metrics for registration with the
// shared Prometheus registry.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		HTTPRequestDuration,
		MessagesSentTotal,
		MessagesDroppedTotal,
		VerificationsIssuedTotal,
		VerificationsConsumedTotal,
		TicketsReconciledTotal,
		TicketActionsTotal,
		ServerEventsTotal,
		ProbeDuration,
		ClusterLeaderGauge,
	}
}
