// Package events delivers committed world events to realtime subscribers
// over WebSocket and SSE, with PostgreSQL NOTIFY/LISTEN bridging pods.
//
// Delivery model:
//
//	engine commits → Publisher (Sink) → pg_notify per channel
//	NotifyListener → ConnectionManager.Broadcast → per-connection queues
//
// Events are persisted to the world event log inside the producing engine's
// transaction; the realtime path is strictly best-effort on top of that.
// A client that misses notifications recovers through catchup: the event
// log is replayed from its last seen sequence id.
package events

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/theatreos/theatreos/pkg/models"
)

// GlobalChannel carries theatre-wide announcements addressed to everyone.
const GlobalChannel = "global"

// UserChannel returns the private delivery channel for one user.
func UserChannel(userID string) string { return "user:" + userID }

// TheatreChannel returns the broadcast channel for one theatre.
func TheatreChannel(theatreID string) string { return "theatre:" + theatreID }

// StageChannel returns the proximity channel for one stage.
func StageChannel(stageID string) string { return "stage:" + stageID }

// TheatreFromChannel extracts the theatre id from a theatre channel name,
// or "" for any other channel kind.
func TheatreFromChannel(channel string) string {
	return strings.TrimPrefix(channel, "theatre:")
}

// IsTheatreChannel reports whether the channel is a theatre broadcast
// channel, the only kind backed by event-log catchup.
func IsTheatreChannel(channel string) bool {
	return strings.HasPrefix(channel, "theatre:")
}

// ChannelsFor resolves an event's delivery channels from its target. The
// most specific non-empty selector wins: users > stage > theatre > global.
func ChannelsFor(e *models.Event) []string {
	t := e.Target
	switch {
	case len(t.UserIDs) > 0:
		out := make([]string, len(t.UserIDs))
		for i, id := range t.UserIDs {
			out[i] = UserChannel(id)
		}
		return out
	case t.StageID != "":
		return []string{StageChannel(t.StageID)}
	case t.TheatreID != "":
		return []string{TheatreChannel(t.TheatreID)}
	default:
		return []string{GlobalChannel}
	}
}

// Envelope is the wire form of one delivered event. Seq is the event-log
// sequence id clients track for catchup; zero for messages that never hit
// the log (heartbeats, truncation notices).
type Envelope struct {
	Type      string          `json:"type"` // "event"
	Seq       int64           `json:"seq,omitempty"`
	EventID   string          `json:"event_id"`
	TheatreID string          `json:"theatre_id,omitempty"`
	Kind      string          `json:"kind"`
	At        time.Time       `json:"at"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Truncated bool            `json:"truncated,omitempty"`
}

// NewEnvelope wraps a world event for the wire.
func NewEnvelope(e *models.Event) Envelope {
	return Envelope{
		Type:      "event",
		Seq:       e.ID,
		EventID:   e.EventID,
		TheatreID: e.TheatreID,
		Kind:      e.Kind,
		At:        e.At,
		Payload:   e.Payload,
	}
}

// ClientMessage is one client-to-server WebSocket message.
type ClientMessage struct {
	Action  string `json:"action"` // "subscribe", "unsubscribe", "subscribe_stage", "unsubscribe_stage", "catchup", "ping"
	Channel string `json:"channel,omitempty"`
	StageID string `json:"stage_id,omitempty"`
	// LastSeq resumes catchup after the given event-log sequence id.
	LastSeq *int64 `json:"last_seq,omitempty"`
}
