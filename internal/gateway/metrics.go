package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposed on the health surface.
type Metrics struct {
	Connections   prometheus.Gauge
	MessagesIn    prometheus.Counter
	Broadcasts    prometheus.Counter
	Disconnects   *prometheus.CounterVec
	EventsDropped prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Connections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_connections",
			Help: "Number of live client connections.",
		}),
		MessagesIn: factory.NewCounter(prometheus.CounterOpts{
			Name: "gateway_messages_in_total",
			Help: "Inbound protocol frames received.",
		}),
		Broadcasts: factory.NewCounter(prometheus.CounterOpts{
			Name: "gateway_broadcasts_total",
			Help: "Frames fanned out to subscribers.",
		}),
		Disconnects: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_disconnects_total",
			Help: "Connections closed, by close reason.",
		}, []string{"reason"}),
		EventsDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "gateway_events_dropped_total",
			Help: "Broker events dropped for having no opcode mapping.",
		}),
	}
}
