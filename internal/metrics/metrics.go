package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	LiveConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "messaging_live_connections",
		Help: "Number of websocket connections attached to this process.",
	})

	MessagesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "messaging_messages_sent_total",
		Help: "Messages accepted by the send operation.",
	})

	MessagesDelivered = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "messaging_messages_delivered_total",
		Help: "Messages that reached the delivered state.",
	})

	MessagesEnqueued = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "messaging_messages_enqueued_total",
		Help: "Messages parked in an offline queue at send time.",
	})

	MessagesReplayed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "messaging_messages_replayed_total",
		Help: "Queued messages replayed to a reconnecting receiver.",
	})

	PushFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "messaging_push_failures_total",
		Help: "Best-effort pushes that could not be published.",
	})
)

// Register installs the collectors on the default registry. Call once at
// startup.
func Register() {
	prometheus.MustRegister(
		LiveConnections,
		MessagesSent,
		MessagesDelivered,
		MessagesEnqueued,
		MessagesReplayed,
		PushFailures,
	)
}
