// Package rumor implements the player-driven information layer: drafting,
// publishing, spreading, debunking, and the per-stage heat signal.
package rumor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/theatreos/theatreos/pkg/events"
	"github.com/theatreos/theatreos/pkg/models"
	"github.com/theatreos/theatreos/pkg/storage"
	"github.com/theatreos/theatreos/pkg/themepack"
)

const (
	// maxContentLen caps rumor content in runes.
	maxContentLen = 280

	// publishCooldown is the per-author drafting cooldown.
	publishCooldown = 10 * time.Minute

	// viralThreshold is the spread count at which an active rumor goes viral.
	viralThreshold = 10

	// rumorTTL is how long a published rumor stays live.
	rumorTTL = 48 * time.Hour

	// heatWindow is the spread-aggregation window for the stage heat signal.
	heatWindow = 6 * time.Hour

	defaultCredibility = 0.5
)

// HeatLevel buckets a stage's recent spread activity.
type HeatLevel string

const (
	HeatCold    HeatLevel = "cold"
	HeatWarm    HeatLevel = "warm"
	HeatHot     HeatLevel = "hot"
	HeatBurning HeatLevel = "burning"
)

func heatLevel(spreads int) HeatLevel {
	switch {
	case spreads == 0:
		return HeatCold
	case spreads <= 4:
		return HeatWarm
	case spreads <= 14:
		return HeatHot
	default:
		return HeatBurning
	}
}

// Service is the rumor engine. Safe for concurrent use.
type Service struct {
	store storage.Store
	packs *themepack.Registry
	sink  events.Sink
	now   func() time.Time
	roll  func() float64

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewService creates a rumor engine. sink may be nil.
func NewService(store storage.Store, packs *themepack.Registry, sink events.Sink) *Service {
	if sink == nil {
		sink = events.NopSink{}
	}
	return &Service{
		store:    store,
		packs:    packs,
		sink:     sink,
		now:      time.Now,
		roll:     rand.Float64,
		limiters: map[string]*rate.Limiter{},
	}
}

// SetClock overrides the time source. Test hook.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// SetRoll overrides the debunk die. Test hook.
func (s *Service) SetRoll(roll func() float64) { s.roll = roll }

func (s *Service) limiter(theatreID, authorID string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := theatreID + "/" + authorID
	l, ok := s.limiters[k]
	if !ok {
		l = rate.NewLimiter(rate.Every(publishCooldown), 1)
		s.limiters[k] = l
	}
	return l
}

// Draft creates a draft rumor. Authors are limited to one draft per ten
// minutes per theatre; targets must be declared by the bound pack.
func (s *Service) Draft(ctx context.Context, theatreID, authorID, content, targetThread, targetCharacter string) (*models.Rumor, error) {
	if content == "" {
		return nil, storage.NewValidationError("content", "must not be empty")
	}
	if utf8.RuneCountInString(content) > maxContentLen {
		return nil, storage.NewValidationError("content",
			fmt.Sprintf("exceeds %d characters", maxContentLen))
	}

	pack, err := s.packs.GetForTheatre(theatreID)
	if err != nil {
		return nil, err
	}
	if targetThread != "" {
		if _, ok := pack.Threads[targetThread]; !ok {
			return nil, storage.NewValidationError("target_thread",
				fmt.Sprintf("thread %q is not declared by the bound theme pack", targetThread))
		}
	}
	if targetCharacter != "" {
		if _, ok := pack.Characters[targetCharacter]; !ok {
			return nil, storage.NewValidationError("target_character",
				fmt.Sprintf("character %q is not declared by the bound theme pack", targetCharacter))
		}
	}

	now := s.now()
	res := s.limiter(theatreID, authorID).ReserveN(now, 1)
	if wait := res.DelayFrom(now); wait > 0 {
		res.CancelAt(now)
		return nil, fmt.Errorf("author %s can draft again in %s: %w",
			authorID, wait.Round(time.Second), storage.ErrRateLimited)
	}

	r := &models.Rumor{
		ID:              uuid.New().String(),
		TheatreID:       theatreID,
		AuthorID:        authorID,
		Content:         content,
		TargetThread:    targetThread,
		TargetCharacter: targetCharacter,
		Status:          models.RumorDraft,
		Credibility:     defaultCredibility,
		CreatedAt:       now,
	}
	if err := s.store.InsertRumor(ctx, r); err != nil {
		return nil, err
	}
	return r, nil
}

// Get returns one rumor.
func (s *Service) Get(ctx context.Context, id string) (*models.Rumor, error) {
	return s.store.GetRumor(ctx, id)
}

// List returns a theatre's rumors in a status.
func (s *Service) List(ctx context.Context, theatreID string, status models.RumorStatus) ([]*models.Rumor, error) {
	return s.store.ListRumors(ctx, theatreID, status)
}

// Publish flips a draft live. Only the author may publish; the rumor
// expires 48 hours later.
func (s *Service) Publish(ctx context.Context, rumorID, authorID string) (*models.Rumor, error) {
	r, err := s.store.GetRumor(ctx, rumorID)
	if err != nil {
		return nil, err
	}
	if r.AuthorID != authorID {
		return nil, fmt.Errorf("rumor %s is not authored by %s: %w", rumorID, authorID, storage.ErrForbidden)
	}
	if r.Status != models.RumorDraft {
		return nil, fmt.Errorf("rumor %s is %s, not draft: %w", rumorID, r.Status, storage.ErrConflict)
	}

	now := s.now()
	r.Status = models.RumorActive
	r.PublishedAt = &now
	r.ExpiresAt = now.Add(rumorTTL)

	var evt *models.Event
	err = s.store.Tx(ctx, func(tx storage.Store) error {
		if err := tx.UpdateRumor(ctx, r); err != nil {
			return err
		}
		evt = s.newEvent(r.TheatreID, models.EventRumorPublished, models.EventTarget{},
			map[string]any{"rumor_id": r.ID, "author_id": authorID, "target_thread": r.TargetThread})
		return tx.AppendEvent(ctx, evt)
	})
	if err != nil {
		return nil, fmt.Errorf("publish rumor: %w", err)
	}
	s.sink.Deliver(evt)
	return r, nil
}

// Spread records one user's spreading of a live rumor, once per (rumor,
// spreader). Crossing the viral threshold promotes the rumor and emits an
// event.
func (s *Service) Spread(ctx context.Context, rumorID, spreaderID, stageID string) (*models.Rumor, error) {
	r, err := s.store.GetRumor(ctx, rumorID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	if err := s.live(r, now); err != nil {
		return nil, err
	}

	wentViral := false
	err = s.store.Tx(ctx, func(tx storage.Store) error {
		if err := tx.InsertSpread(ctx, &models.Spread{
			ID:         uuid.New().String(),
			RumorID:    rumorID,
			SpreaderID: spreaderID,
			StageID:    stageID,
			At:         now,
		}); err != nil {
			if errors.Is(err, storage.ErrConflict) {
				return storage.NewValidationError("rumor_id",
					fmt.Sprintf("user %s already spread rumor %s", spreaderID, rumorID))
			}
			return err
		}
		r.SpreadCount++
		if r.Status == models.RumorActive && r.SpreadCount >= viralThreshold {
			r.Status = models.RumorViral
			wentViral = true
		}
		return tx.UpdateRumor(ctx, r)
	})
	if err != nil {
		return nil, err
	}

	if wentViral {
		evt := s.newEvent(r.TheatreID, models.EventRumorViral, models.EventTarget{},
			map[string]any{"rumor_id": r.ID, "spread_count": r.SpreadCount})
		if err := s.store.AppendEvent(ctx, evt); err != nil {
			return nil, err
		}
		s.sink.Deliver(evt)
	}
	return r, nil
}

// Debunk attempts to kill a live rumor. Each presented evidence item the
// debunker holds raises the success chance; success is capped at 0.95.
// Returns whether the attempt landed.
func (s *Service) Debunk(ctx context.Context, rumorID, debunkerID string, evidenceIDs []string) (bool, *models.Rumor, error) {
	r, err := s.store.GetRumor(ctx, rumorID)
	if err != nil {
		return false, nil, err
	}
	now := s.now()
	if err := s.live(r, now); err != nil {
		return false, nil, err
	}

	presented := 0
	for _, id := range evidenceIDs {
		e, err := s.store.GetEvidence(ctx, id)
		if err != nil {
			return false, nil, err
		}
		if e.OwnerID != debunkerID {
			return false, nil, fmt.Errorf("evidence %s is not held by %s: %w", id, debunkerID, storage.ErrForbidden)
		}
		if e.Consumed || e.Expired(now) {
			continue
		}
		presented++
	}

	chance := 0.3 + 0.2*float64(presented)
	if chance > 0.95 {
		chance = 0.95
	}
	if s.roll() >= chance {
		return false, r, nil
	}

	r.Status = models.RumorDebunked
	var evt *models.Event
	err = s.store.Tx(ctx, func(tx storage.Store) error {
		if err := tx.UpdateRumor(ctx, r); err != nil {
			return err
		}
		evt = s.newEvent(r.TheatreID, models.EventRumorDebunked, models.EventTarget{},
			map[string]any{"rumor_id": r.ID, "debunker_id": debunkerID, "evidence_count": presented})
		return tx.AppendEvent(ctx, evt)
	})
	if err != nil {
		return false, nil, fmt.Errorf("debunk rumor: %w", err)
	}
	s.sink.Deliver(evt)
	return true, r, nil
}

// ForceDebunk marks a live rumor debunked without an evidence roll.
// Moderation path; the transport layer gates it by role.
func (s *Service) ForceDebunk(ctx context.Context, rumorID, moderatorID string) (*models.Rumor, error) {
	r, err := s.store.GetRumor(ctx, rumorID)
	if err != nil {
		return nil, err
	}
	if err := s.live(r, s.now()); err != nil {
		return nil, err
	}

	r.Status = models.RumorDebunked
	var evt *models.Event
	err = s.store.Tx(ctx, func(tx storage.Store) error {
		if err := tx.UpdateRumor(ctx, r); err != nil {
			return err
		}
		evt = s.newEvent(r.TheatreID, models.EventRumorDebunked, models.EventTarget{},
			map[string]any{"rumor_id": r.ID, "debunker_id": moderatorID, "forced": true})
		return tx.AppendEvent(ctx, evt)
	})
	if err != nil {
		return nil, fmt.Errorf("force debunk rumor: %w", err)
	}
	s.sink.Deliver(evt)
	return r, nil
}

// StageHeat aggregates the last six hours of spreads into a per-stage
// heat level. Stages with no recent spreads are omitted.
func (s *Service) StageHeat(ctx context.Context, theatreID string) (map[string]HeatLevel, error) {
	counts, err := s.store.StageSpreadCounts(ctx, theatreID, s.now().Add(-heatWindow))
	if err != nil {
		return nil, err
	}
	out := make(map[string]HeatLevel, len(counts))
	for stageID, n := range counts {
		if stageID == "" || n == 0 {
			continue
		}
		out[stageID] = heatLevel(n)
	}
	return out, nil
}

// ExpireDue flips live rumors past their expiry. Called by the cleanup
// sweeper.
func (s *Service) ExpireDue(ctx context.Context) (int, error) {
	return s.store.ExpireRumors(ctx, s.now())
}

// live rejects mutations of rumors that are not spreadable. These are
// validation failures: the caller named a rumor that can no longer be
// acted on.
func (s *Service) live(r *models.Rumor, now time.Time) error {
	if r.Status != models.RumorActive && r.Status != models.RumorViral {
		return storage.NewValidationError("rumor_id", fmt.Sprintf("rumor %s is %s", r.ID, r.Status))
	}
	if !now.Before(r.ExpiresAt) {
		return storage.NewValidationError("rumor_id",
			fmt.Sprintf("rumor %s expired at %s", r.ID, r.ExpiresAt.Format(time.RFC3339)))
	}
	return nil
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
