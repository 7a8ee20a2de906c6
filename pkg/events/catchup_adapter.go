package events

import (
	"context"

	"github.com/theatreos/theatreos/pkg/models"
	"github.com/theatreos/theatreos/pkg/storage"
)

// StoreCatchup answers catchup queries from the world event log. Only
// theatre channels are log-backed; user, stage, and global channels carry
// transient routing of the same events, so catchup on them is empty.
type StoreCatchup struct {
	store storage.EventStore
}

// NewStoreCatchup creates a CatchupQuerier over the event log.
func NewStoreCatchup(store storage.EventStore) *StoreCatchup {
	return &StoreCatchup{store: store}
}

// CatchupEvents implements CatchupQuerier.
func (s *StoreCatchup) CatchupEvents(ctx context.Context, channel string, sinceSeq int64, limit int) ([]*models.Event, error) {
	if !IsTheatreChannel(channel) {
		return nil, nil
	}
	return s.store.ListEventsSince(ctx, TheatreFromChannel(channel), sinceSeq, limit)
}
