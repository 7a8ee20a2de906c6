// Package events delivers world events to realtime subscribers over
// WebSocket and SSE streams, with PostgreSQL NOTIFY/LISTEN bridging pods.
package events

import "github.com/theatreos/theatreos/pkg/models"

// Sink receives committed world events for realtime delivery. Engines call
// Deliver after their storage transaction commits; delivery is best-effort
// and must never block the producer.
type Sink interface {
	Deliver(e *models.Event)
}

// NopSink discards events. Used when realtime delivery is not wired (tests,
// offline tools).
type NopSink struct{}

// Deliver implements Sink.
func (NopSink) Deliver(*models.Event) {}
