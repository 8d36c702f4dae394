package weft

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains the endpoint-level collectors. They are always
// maintained; registration is opt-in via `Options.Registerer`.
type Metrics struct {
	Peers prometheus.Gauge

	MessagesSent     *prometheus.CounterVec
	MessagesReceived *prometheus.CounterVec

	StoreCommands      prometheus.Counter
	SubscriberOverflow prometheus.Counter
}

func NewMetrics() *Metrics {
	return &Metrics{
		Peers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "weft",
				Subsystem: "overlay",
				Name:      "peers",
				Help:      "Number of direct peer connections",
			},
		),

		MessagesSent: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "weft",
				Subsystem: "messages",
				Name:      "sent_total",
				Help:      "Total number of messages dispatched",
			},
			[]string{"kind"},
		),

		MessagesReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "weft",
				Subsystem: "messages",
				Name:      "received_total",
				Help:      "Total number of messages received from peers",
			},
			[]string{"kind"},
		),

		StoreCommands: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "weft",
				Subsystem: "store",
				Name:      "commands_total",
				Help:      "Total number of store mutations applied by local masters",
			},
		),

		SubscriberOverflow: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "weft",
				Subsystem: "dispatch",
				Name:      "subscriber_overflow_total",
				Help:      "Total number of messages dropped to subscriber queue overflow",
			},
		),
	}
}

func (self *Metrics) Register(registerer prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		self.Peers,
		self.MessagesSent,
		self.MessagesReceived,
		self.StoreCommands,
		self.SubscriberOverflow,
	}
	for _, collector := range collectors {
		if err := registerer.Register(collector); err != nil {
			return err
		}
	}
	return nil
}
