package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "quizroom"

type Metrics struct {
	Rooms            prometheus.Gauge
	Connections      prometheus.Gauge
	Inbound          *prometheus.CounterVec
	Rejected         *prometheus.CounterVec
	Malformed        prometheus.Counter
	DeliveryFailures prometheus.Counter
	Sessions         *prometheus.CounterVec
	RedisCommands    *prometheus.CounterVec
}

// NewMetrics registers the coordinator metrics on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		Rooms: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rooms",
			Help:      "Number of live rooms.",
		}),
		Connections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Number of open client connections.",
		}),
		Inbound: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inbound_messages_total",
			Help:      "Inbound messages by action.",
		}, []string{"action"}),
		Rejected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rejected_messages_total",
			Help:      "Inbound messages answered with an error, by action.",
		}, []string{"action"}),
		Malformed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "malformed_messages_total",
			Help:      "Inbound payloads dropped because they could not be parsed.",
		}),
		DeliveryFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_failures_total",
			Help:      "Outbound notifications that could not be handed to a connection.",
		}),
		Sessions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Session transitions by kind (started, ended).",
		}, []string{"kind"}),
		RedisCommands: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "redis_commands_total",
			Help:      "Redis commands by name and result (ok, error).",
		}, []string{"cmd", "result"}),
	}
}
