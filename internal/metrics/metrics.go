// Package metrics registers the Prometheus instruments for the dispatch core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// OffersEmitted counts offers created, labeled by search wave.
	OffersEmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dispatch",
		Name:      "offers_emitted_total",
		Help:      "Offers created by the dispatcher, by wave.",
	}, []string{"wave"})

	// OffersResolved counts offer terminal transitions by final state.
	OffersResolved = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dispatch",
		Name:      "offers_resolved_total",
		Help:      "Offers reaching a terminal state, by state.",
	}, []string{"state"})

	// BookingsResolved counts bookings leaving provider_search by outcome.
	BookingsResolved = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dispatch",
		Name:      "bookings_resolved_total",
		Help:      "Bookings leaving matching, by outcome.",
	}, []string{"outcome"})

	// TickDuration observes how long a full dispatcher tick takes.
	TickDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "dispatch",
		Name:      "tick_duration_seconds",
		Help:      "Duration of a full dispatcher tick.",
		Buckets:   prometheus.DefBuckets,
	})

	// PushConnections tracks currently open push-bus connections.
	PushConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "dispatch",
		Name:      "push_connections",
		Help:      "Open websocket connections on the push bus.",
	})

	// PushDropped counts outbound messages that could not be delivered.
	PushDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "dispatch",
		Name:      "push_dropped_total",
		Help:      "Outbound push messages dropped (slow or gone recipients).",
	})

	// VoiceCallsDropped counts voice notifications suppressed by preference.
	VoiceCallsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dispatch",
		Name:      "voice_calls_dropped_total",
		Help:      "Voice call requests dropped before submission, by reason.",
	}, []string{"reason"})
)
