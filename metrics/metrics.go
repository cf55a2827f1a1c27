// Package metrics instruments rooms, sessions and frames with prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the collectors of one hub registry.
type Metrics struct {
	RoomsActive     prometheus.Gauge
	SessionsActive  prometheus.Gauge
	FramesSent      *prometheus.CounterVec
	UpdatesApplied  prometheus.Counter
	Disconnects     *prometheus.CounterVec
	OutboxOverflows prometheus.Counter
	RelayMessages   *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		RoomsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "padsync_rooms_active",
			Help: "Number of documents with at least one connected session",
		}),
		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "padsync_sessions_active",
			Help: "Number of sessions admitted to a room",
		}),
		FramesSent: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "padsync_frames_sent_total",
				Help: "Total number of frames fanned out by rooms",
			},
			[]string{"type"},
		),
		UpdatesApplied: factory.NewCounter(prometheus.CounterOpts{
			Name: "padsync_updates_applied_total",
			Help: "Total number of document updates that changed a room's state",
		}),
		Disconnects: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "padsync_disconnects_total",
				Help: "Total number of evicted sessions by reason",
			},
			[]string{"reason"},
		),
		OutboxOverflows: factory.NewCounter(prometheus.CounterOpts{
			Name: "padsync_outbox_overflows_total",
			Help: "Total number of sessions disconnected because their outbox was full",
		}),
		RelayMessages: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "padsync_relay_messages_total",
				Help: "Total number of messages exchanged with other instances",
			},
			[]string{"direction"},
		),
	}
}

// Default is registered with the global prometheus registry and served by promhttp.Handler.
var Default = New(prometheus.DefaultRegisterer)
