// Package trace implements stage-local markers players leave behind:
// leaving, discovery attempts, and the per-stage density signal.
package trace

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"github.com/theatreos/theatreos/pkg/events"
	"github.com/theatreos/theatreos/pkg/models"
	"github.com/theatreos/theatreos/pkg/storage"
)

// TTLByType returns how long a trace of the type persists.
func TTLByType(t models.TraceType) time.Duration {
	switch t {
	case models.TraceMark:
		return 72 * time.Hour
	case models.TraceMessage:
		return 48 * time.Hour
	case models.TraceOffering:
		return 168 * time.Hour
	default:
		return 24 * time.Hour
	}
}

// DensityLevel buckets how marked-up a stage currently is.
type DensityLevel string

const (
	DensityNone     DensityLevel = "none"
	DensityLow      DensityLevel = "low"
	DensityMedium   DensityLevel = "medium"
	DensityHigh     DensityLevel = "high"
	DensityVeryHigh DensityLevel = "very_high"
)

func densityLevel(active int) DensityLevel {
	switch {
	case active == 0:
		return DensityNone
	case active <= 2:
		return DensityLow
	case active <= 5:
		return DensityMedium
	case active <= 10:
		return DensityHigh
	default:
		return DensityVeryHigh
	}
}

// Service is the trace engine. Safe for concurrent use.
type Service struct {
	store storage.Store
	sink  events.Sink
	now   func() time.Time
	roll  func() float64
}

// NewService creates a trace engine. sink may be nil.
func NewService(store storage.Store, sink events.Sink) *Service {
	if sink == nil {
		sink = events.NopSink{}
	}
	return &Service{store: store, sink: sink, now: time.Now, roll: rand.Float64}
}

// SetClock overrides the time source. Test hook.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// SetRoll overrides the discovery die. Test hook.
func (s *Service) SetRoll(roll func() float64) { s.roll = roll }

// Leave drops a trace at a stage. The TTL follows the trace type.
func (s *Service) Leave(ctx context.Context, theatreID, creatorID, stageID string, typ models.TraceType, content string, visibility models.Visibility, difficulty float64) (*models.Trace, error) {
	if !typ.IsValid() {
		return nil, storage.NewValidationError("type", fmt.Sprintf("unknown trace type %q", typ))
	}
	if !visibility.IsValid() {
		return nil, storage.NewValidationError("visibility", fmt.Sprintf("unknown visibility %q", visibility))
	}
	if difficulty < 0 || difficulty > 1 {
		return nil, storage.NewValidationError("discovery_difficulty", "must be in [0,1]")
	}
	if _, err := s.store.GetStage(ctx, stageID); err != nil {
		return nil, err
	}

	now := s.now()
	tr := &models.Trace{
		ID:                  uuid.New().String(),
		TheatreID:           theatreID,
		CreatorID:           creatorID,
		StageID:             stageID,
		Type:                typ,
		Content:             content,
		Visibility:          visibility,
		DiscoveryDifficulty: difficulty,
		CreatedAt:           now,
		ExpiresAt:           now.Add(TTLByType(typ)),
	}

	var evt *models.Event
	err := s.store.Tx(ctx, func(tx storage.Store) error {
		if err := tx.InsertTrace(ctx, tr); err != nil {
			return err
		}
		evt = s.newEvent(theatreID, models.EventTraceLeft,
			models.EventTarget{StageID: stageID},
			map[string]any{"trace_id": tr.ID, "stage_id": stageID, "type": typ})
		return tx.AppendEvent(ctx, evt)
	})
	if err != nil {
		return nil, fmt.Errorf("leave trace: %w", err)
	}
	s.sink.Deliver(evt)
	return tr, nil
}

// Get returns one trace.
func (s *Service) Get(ctx context.Context, id string) (*models.Trace, error) {
	return s.store.GetTrace(ctx, id)
}

// ListByStage returns a stage's traces, expired ones included.
func (s *Service) ListByStage(ctx context.Context, theatreID, stageID string) ([]*models.Trace, error) {
	return s.store.ListTracesByStage(ctx, theatreID, stageID)
}

// Discover attempts to find a trace. One attempt per (trace, discoverer),
// successful or not; the success chance is one minus the trace's
// difficulty. Visibility gates who may attempt at all: private traces are
// findable only by their creator, crew traces only by the creator's
// crewmates.
func (s *Service) Discover(ctx context.Context, traceID, discovererID string) (bool, error) {
	tr, err := s.store.GetTrace(ctx, traceID)
	if err != nil {
		return false, err
	}
	now := s.now()
	if !now.Before(tr.ExpiresAt) {
		return false, fmt.Errorf("trace %s expired at %s: %w", traceID, tr.ExpiresAt.Format(time.RFC3339), storage.ErrConflict)
	}
	if err := s.visible(ctx, tr, discovererID); err != nil {
		return false, err
	}

	// Creators always find their own trace, but that shortcut does not
	// count toward discovery_count.
	isCreator := tr.CreatorID == discovererID
	success := isCreator || s.roll() < 1-tr.DiscoveryDifficulty

	var evt *models.Event
	err = s.store.Tx(ctx, func(tx storage.Store) error {
		if err := tx.InsertDiscovery(ctx, &models.Discovery{
			ID:           uuid.New().String(),
			TraceID:      traceID,
			DiscovererID: discovererID,
			Success:      success,
			At:           now,
		}); err != nil {
			return err
		}
		if !success || isCreator {
			return nil
		}
		tr.DiscoveryCount++
		if err := tx.UpdateTrace(ctx, tr); err != nil {
			return err
		}
		evt = s.newEvent(tr.TheatreID, models.EventTraceDiscovered,
			models.EventTarget{UserIDs: []string{discovererID}},
			map[string]any{"trace_id": traceID, "stage_id": tr.StageID, "type": tr.Type})
		return tx.AppendEvent(ctx, evt)
	})
	if err != nil {
		return false, err
	}
	if evt != nil {
		s.sink.Deliver(evt)
	}
	return success, nil
}

// Density reports how marked-up a stage is, bucketed from the count of
// unexpired traces.
func (s *Service) Density(ctx context.Context, theatreID, stageID string) (DensityLevel, error) {
	n, err := s.store.CountActiveTraces(ctx, theatreID, stageID, s.now())
	if err != nil {
		return DensityNone, err
	}
	return densityLevel(n), nil
}

func (s *Service) visible(ctx context.Context, tr *models.Trace, userID string) error {
	switch tr.Visibility {
	case models.VisibilityPublic:
		return nil
	case models.VisibilityPrivate:
		if tr.CreatorID != userID {
			return fmt.Errorf("trace %s is private: %w", tr.ID, storage.ErrForbidden)
		}
		return nil
	case models.VisibilityCrew:
		if tr.CreatorID == userID {
			return nil
		}
		creator, err := s.store.GetMembershipByUser(ctx, tr.TheatreID, tr.CreatorID)
		if err != nil {
			return fmt.Errorf("trace %s is crew-only and its creator has no crew: %w", tr.ID, storage.ErrForbidden)
		}
		mine, err := s.store.GetMembershipByUser(ctx, tr.TheatreID, userID)
		if err != nil || mine.CrewID != creator.CrewID {
			return fmt.Errorf("trace %s is crew-only: %w", tr.ID, storage.ErrForbidden)
		}
		return nil
	}
	return storage.NewValidationError("visibility", fmt.Sprintf("unknown visibility %q", tr.Visibility))
}

func (s *Service) newEvent(theatreID, kind string, target models.EventTarget, payload map[string]any) *models.Event {
	data, _ := json.Marshal(payload)
	return &models.Event{
		EventID:   uuid.New().String(),
		TheatreID: theatreID,
		At:        s.now(),
		Kind:      kind,
		Target:    target,
		Payload:   data,
	}
}
