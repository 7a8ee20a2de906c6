// Package metrics holds the Prometheus collectors for engine activity.
// Everything registers on the default registry and is served at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// DeltasApplied counts world deltas committed per theatre.
	DeltasApplied = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "theatreos_deltas_applied_total",
		Help: "World state deltas committed.",
	}, []string{"theatre"})

	// DeltasRejected counts deltas rejected at validation, by reason.
	DeltasRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "theatreos_deltas_rejected_total",
		Help: "World state deltas rejected before application.",
	}, []string{"theatre", "reason"})

	// EventsPublished counts world events handed to the realtime sink.
	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "theatreos_events_published_total",
		Help: "World events delivered to the realtime fanout.",
	}, []string{"kind"})

	// ActiveConnections tracks live realtime connections.
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "theatreos_active_connections",
		Help: "Open websocket and SSE connections.",
	})

	// GateTransitions counts gate lifecycle transitions.
	GateTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "theatreos_gate_transitions_total",
		Help: "Gate state transitions by target state.",
	}, []string{"to"})

	// TicketsEscrowed counts tickets moved into gate escrow.
	TicketsEscrowed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "theatreos_tickets_escrowed_total",
		Help: "Tickets debited into gate stake escrow.",
	})

	// TicketsSettled counts tickets paid back out at resolution.
	TicketsSettled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "theatreos_tickets_settled_total",
		Help: "Tickets credited by gate settlements and refunds.",
	})

	// SweeperExpired counts records flipped or announced by the retention
	// sweeper, by record kind.
	SweeperExpired = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "theatreos_sweeper_expired_total",
		Help: "Records expired by the retention sweeper.",
	}, []string{"kind"})

	// PlansGenerated counts hour plans generated per theatre.
	PlansGenerated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "theatreos_plans_generated_total",
		Help: "Hour plans generated.",
	}, []string{"theatre", "source"})
)
