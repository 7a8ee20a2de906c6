package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/theatreos/theatreos/pkg/models"
	"github.com/theatreos/theatreos/pkg/storage"
)

// mutableWorld returns a fresh copy of a theatre's world data installed in
// place of the old one, so writes never touch an entry a Tx snapshot may
// still reference.
func (s *Store) mutableWorld(theatreID string) *worldData {
	w := &worldData{
		vars:    map[string]float64{},
		threads: map[string]models.ThreadState{},
		objects: map[string]string{},
	}
	if cur, ok := s.worlds[theatreID]; ok {
		w.vars = copyMap(cur.vars)
		w.threads = copyMap(cur.threads)
		w.objects = copyMap(cur.objects)
	}
	s.worlds[theatreID] = w
	return w
}

func (s *Store) GetWorldState(_ context.Context, theatreID string) (*models.WorldState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w := s.worlds[theatreID]
	out := &models.WorldState{
		Variables: map[string]float64{},
		Threads:   map[string]models.ThreadState{},
		Objects:   map[string]string{},
	}
	if w == nil {
		return out, nil
	}
	for k, v := range w.vars {
		out.Variables[k] = v
	}
	for k, v := range w.threads {
		out.Threads[k] = v
	}
	for k, v := range w.objects {
		out.Objects[k] = v
	}
	return out, nil
}

func (s *Store) PutVar(_ context.Context, theatreID, varID string, value float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mutableWorld(theatreID).vars[varID] = value
	return nil
}

func (s *Store) PutThreadState(_ context.Context, theatreID, threadID string, st models.ThreadState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mutableWorld(theatreID).threads[threadID] = st
	return nil
}

func (s *Store) PutObjectHolder(_ context.Context, theatreID, objectID, holder string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mutableWorld(theatreID).objects[objectID] = holder
	return nil
}

func (s *Store) GetDeltaByKey(_ context.Context, theatreID, idempotencyKey string) (*models.AppliedDelta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.deltas[key2(theatreID, idempotencyKey)]
	if !ok {
		return nil, fmt.Errorf("delta %s/%s: %w", theatreID, idempotencyKey, storage.ErrNotFound)
	}
	cp := *d
	return &cp, nil
}

func (s *Store) InsertDelta(_ context.Context, d *models.AppliedDelta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key2(d.TheatreID, d.IdempotencyKey)
	if _, ok := s.deltas[k]; ok {
		return fmt.Errorf("delta key %s: %w", d.IdempotencyKey, storage.ErrConflict)
	}
	cp := *d
	s.deltas[k] = &cp
	return nil
}

func (s *Store) InsertSnapshot(_ context.Context, snap *models.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *snap
	s.snapshots[snap.TheatreID] = append(s.snapshots[snap.TheatreID], &cp)
	return nil
}

func (s *Store) LatestSnapshot(_ context.Context, theatreID string) (*models.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snaps := s.snapshots[theatreID]
	if len(snaps) == 0 {
		return nil, fmt.Errorf("snapshot for %s: %w", theatreID, storage.ErrNotFound)
	}
	cp := *snaps[len(snaps)-1]
	return &cp, nil
}

// --- EventStore ---

func (s *Store) AppendEvent(_ context.Context, e *models.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.eventSeq++
	e.ID = s.eventSeq
	cp := *e
	s.events = append(s.events, &cp)
	return nil
}

func (s *Store) ListEvents(_ context.Context, theatreID string, from, to time.Time) ([]*models.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Event
	for _, e := range s.events {
		if e.TheatreID != theatreID {
			continue
		}
		if e.At.Before(from) || e.At.After(to) {
			continue
		}
		cp := *e
		out = append(out, &cp)
	}
	return out, nil
}

func (s *Store) ListEventsSince(_ context.Context, theatreID string, sinceSeq int64, limit int) ([]*models.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Event
	for _, e := range s.events {
		if e.TheatreID != theatreID || e.ID <= sinceSeq {
			continue
		}
		cp := *e
		out = append(out, &cp)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// --- PlanStore ---

func (s *Store) InsertPlan(_ context.Context, p *models.HourPlan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.plans[p.TheatreID] {
		if existing.SlotStart.Equal(p.SlotStart) {
			return fmt.Errorf("plan for slot %s: %w", p.SlotStart, storage.ErrConflict)
		}
	}
	cp := clonePlan(p)
	s.plans[p.TheatreID] = append(s.plans[p.TheatreID], cp)
	return nil
}

func (s *Store) GetPlan(_ context.Context, theatreID string, slotStart time.Time) (*models.HourPlan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.plans[theatreID] {
		if p.SlotStart.Equal(slotStart) {
			return clonePlan(p), nil
		}
	}
	return nil, fmt.Errorf("plan for slot %s: %w", slotStart, storage.ErrNotFound)
}

func (s *Store) ListRecentPlans(_ context.Context, theatreID string, n int) ([]*models.HourPlan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	plans := s.plans[theatreID]
	start := 0
	if n > 0 && len(plans) > n {
		start = len(plans) - n
	}
	// Newest first.
	out := make([]*models.HourPlan, 0, len(plans)-start)
	for i := len(plans) - 1; i >= start; i-- {
		out = append(out, clonePlan(plans[i]))
	}
	return out, nil
}

func (s *Store) InsertOverride(_ context.Context, o *models.Override) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *o
	s.overrides = append(s.overrides, &cp)
	return nil
}

func (s *Store) ListOverrides(_ context.Context, theatreID string, slotStart time.Time) ([]*models.Override, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Override
	for _, o := range s.overrides {
		if o.TheatreID == theatreID && o.SlotStart.Equal(slotStart) {
			cp := *o
			out = append(out, &cp)
		}
	}
	return out, nil
}

func clonePlan(p *models.HourPlan) *models.HourPlan {
	cp := *p
	cp.SupportThreadIDs = append([]string(nil), p.SupportThreadIDs...)
	cp.Beats = append([]models.PlannedBeat(nil), p.Beats...)
	cp.Gates = append([]models.PlannedGate(nil), p.Gates...)
	return &cp
}
