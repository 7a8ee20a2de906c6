package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/theatreos/theatreos/pkg/metrics"
	"github.com/theatreos/theatreos/pkg/models"
)

// notifyLimit keeps NOTIFY payloads under PostgreSQL's 8000-byte cap, with
// headroom for encoding overhead. Larger payloads are replaced by a routing
// stub; clients fetch the full event through catchup.
const notifyLimit = 7900

// publishTimeout bounds one NOTIFY round-trip so a stalled database never
// blocks the producing engine.
const publishTimeout = 5 * time.Second

// Publisher fans committed world events out to their delivery channels. It
// implements Sink. With a database it broadcasts through pg_notify so every
// pod's listener picks the event up; without one (tests, single-node dev)
// it dispatches straight to the local ConnectionManager.
//
// The event row is already persisted by the producing engine's transaction,
// so Deliver is purely the realtime leg and is best-effort: failures are
// logged, never returned, and clients recover through catchup.
type Publisher struct {
	db      *sql.DB
	manager *ConnectionManager
}

// NewPublisher creates a publisher. db may be nil for local-only dispatch;
// manager may be nil when running headless (notifications only).
func NewPublisher(db *sql.DB, manager *ConnectionManager) *Publisher {
	return &Publisher{db: db, manager: manager}
}

// Deliver implements Sink.
func (p *Publisher) Deliver(e *models.Event) {
	data, err := json.Marshal(NewEnvelope(e))
	if err != nil {
		slog.Error("Failed to marshal event envelope", "event_id", e.EventID, "error", err)
		return
	}
	metrics.EventsPublished.WithLabelValues(e.Kind).Inc()

	for _, channel := range ChannelsFor(e) {
		if p.db != nil {
			if err := p.notify(channel, e, data); err != nil {
				slog.Warn("NOTIFY failed, falling back to local dispatch",
					"channel", channel, "event_id", e.EventID, "error", err)
				p.local(channel, data)
			}
			continue
		}
		p.local(channel, data)
	}
}

func (p *Publisher) local(channel string, data []byte) {
	if p.manager != nil {
		p.manager.Broadcast(channel, data)
	}
}

func (p *Publisher) notify(channel string, e *models.Event, data []byte) error {
	payload, err := fitNotifyPayload(e, data)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if _, err := p.db.ExecContext(ctx, "SELECT pg_notify($1, $2)", channel, payload); err != nil {
		return fmt.Errorf("pg_notify: %w", err)
	}
	return nil
}

// fitNotifyPayload returns the envelope as-is when it fits the NOTIFY
// limit, otherwise a stub carrying only routing fields and a truncation
// marker.
func fitNotifyPayload(e *models.Event, data []byte) (string, error) {
	if len(data) <= notifyLimit {
		return string(data), nil
	}
	stub, err := json.Marshal(Envelope{
		Type:      "event",
		Seq:       e.ID,
		EventID:   e.EventID,
		TheatreID: e.TheatreID,
		Kind:      e.Kind,
		At:        e.At,
		Truncated: true,
	})
	if err != nil {
		return "", fmt.Errorf("marshal truncated envelope: %w", err)
	}
	return string(stub), nil
}
