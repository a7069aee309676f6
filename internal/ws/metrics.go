package ws

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics instruments the hub and the room manager.
type Metrics struct {
	ActiveConnections   prometheus.Gauge
	TotalConnections    prometheus.Counter
	Topics              prometheus.Gauge
	EventsPublished     *prometheus.CounterVec
	DroppedFrames       prometheus.Counter
	SubscriptionsDenied prometheus.Counter
}

// NewMetrics builds and registers the websocket metric set. reg may be
// nil, in which case nothing is registered and the metrics only count
// in memory.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "lifeline",
			Subsystem: "ws",
			Name:      "active_connections",
			Help:      "Currently connected websocket sessions.",
		}),
		TotalConnections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "lifeline",
			Subsystem: "ws",
			Name:      "connections_total",
			Help:      "Total websocket sessions accepted since start.",
		}),
		Topics: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "lifeline",
			Subsystem: "ws",
			Name:      "topics",
			Help:      "Topics with at least one member.",
		}),
		EventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lifeline",
			Subsystem: "ws",
			Name:      "events_published_total",
			Help:      "Events published to the hub, by event name.",
		}, []string{"event"}),
		DroppedFrames: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "lifeline",
			Subsystem: "ws",
			Name:      "dropped_frames_total",
			Help:      "Frames dropped because a queue was full.",
		}),
		SubscriptionsDenied: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "lifeline",
			Subsystem: "ws",
			Name:      "subscriptions_denied_total",
			Help:      "Topic subscriptions rejected by authorization.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.ActiveConnections, m.TotalConnections, m.Topics,
			m.EventsPublished, m.DroppedFrames, m.SubscriptionsDenied,
		)
	}
	return m
}
