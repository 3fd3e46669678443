// Package metrics exposes the engine's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	CallsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "call_sessions_started_total",
		Help: "Total number of call sessions started or accepted locally",
	})

	CallsConnected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "call_sessions_connected_total",
		Help: "Total number of call sessions that reached connected",
	})

	CallsEnded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "call_sessions_ended_total",
		Help: "Total number of call sessions ended, by end reason",
	}, []string{"reason"})

	NegotiationFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "call_negotiation_failures_total",
		Help: "Total number of failed offer/answer rounds",
	})

	DuplicateEventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "call_duplicate_events_dropped_total",
		Help: "Total number of signaling envelopes suppressed by the dedup window",
	})

	ActivePeerLinks = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "call_active_peer_links",
		Help: "Number of currently open peer links",
	})
)
