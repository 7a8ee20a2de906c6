package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/theatreos/theatreos/pkg/models"
	"github.com/theatreos/theatreos/pkg/storage"
)

// --- EvidenceStore ---

func (s *Store) InsertEvidence(_ context.Context, e *models.Evidence) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.evidence[e.ID]; ok {
		return fmt.Errorf("evidence %s: %w", e.ID, storage.ErrConflict)
	}
	cp := *e
	s.evidence[e.ID] = &cp
	return nil
}

func (s *Store) GetEvidence(_ context.Context, id string) (*models.Evidence, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.evidence[id]
	if !ok {
		return nil, fmt.Errorf("evidence %s: %w", id, storage.ErrNotFound)
	}
	cp := *e
	return &cp, nil
}

func (s *Store) ListEvidenceByOwner(_ context.Context, theatreID, ownerID string) ([]*models.Evidence, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Evidence
	for _, e := range s.evidence {
		if e.TheatreID == theatreID && e.OwnerID == ownerID {
			cp := *e
			out = append(out, &cp)
		}
	}
	sortByCreated(out, func(e *models.Evidence) time.Time { return e.ObtainedAt })
	return out, nil
}

func (s *Store) UpdateEvidence(_ context.Context, e *models.Evidence) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.evidence[e.ID]; !ok {
		return fmt.Errorf("evidence %s: %w", e.ID, storage.ErrNotFound)
	}
	cp := *e
	s.evidence[e.ID] = &cp
	return nil
}

func (s *Store) InsertTransfer(_ context.Context, t *models.EvidenceTransfer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *t
	s.transfers = append(s.transfers, &cp)
	return nil
}

func (s *Store) ListExpiringEvidence(_ context.Context, theatreID string, before time.Time) ([]*models.Evidence, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Evidence
	for _, e := range s.evidence {
		if e.TheatreID == theatreID && !e.Consumed && e.ExpiresAt.Before(before) {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

// --- RumorStore ---

func (s *Store) InsertRumor(_ context.Context, r *models.Rumor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rumors[r.ID]; ok {
		return fmt.Errorf("rumor %s: %w", r.ID, storage.ErrConflict)
	}
	cp := *r
	s.rumors[r.ID] = &cp
	return nil
}

func (s *Store) GetRumor(_ context.Context, id string) (*models.Rumor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rumors[id]
	if !ok {
		return nil, fmt.Errorf("rumor %s: %w", id, storage.ErrNotFound)
	}
	cp := *r
	return &cp, nil
}

func (s *Store) UpdateRumor(_ context.Context, r *models.Rumor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rumors[r.ID]; !ok {
		return fmt.Errorf("rumor %s: %w", r.ID, storage.ErrNotFound)
	}
	cp := *r
	s.rumors[r.ID] = &cp
	return nil
}

func (s *Store) ListRumors(_ context.Context, theatreID string, status models.RumorStatus) ([]*models.Rumor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Rumor
	for _, r := range s.rumors {
		if r.TheatreID != theatreID {
			continue
		}
		if status != "" && r.Status != status {
			continue
		}
		cp := *r
		out = append(out, &cp)
	}
	sortByCreated(out, func(r *models.Rumor) time.Time { return r.CreatedAt })
	return out, nil
}

func (s *Store) InsertSpread(_ context.Context, sp *models.Spread) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key2(sp.RumorID, sp.SpreaderID)
	if _, ok := s.spreads[k]; ok {
		return fmt.Errorf("spread %s/%s: %w", sp.RumorID, sp.SpreaderID, storage.ErrConflict)
	}
	cp := *sp
	s.spreads[k] = &cp
	return nil
}

func (s *Store) StageSpreadCounts(_ context.Context, theatreID string, since time.Time) (map[string]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := map[string]int{}
	for _, sp := range s.spreads {
		if sp.StageID == "" || sp.At.Before(since) {
			continue
		}
		r, ok := s.rumors[sp.RumorID]
		if !ok || r.TheatreID != theatreID {
			continue
		}
		out[sp.StageID]++
	}
	return out, nil
}

func (s *Store) ExpireRumors(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, r := range s.rumors {
		if (r.Status == models.RumorActive || r.Status == models.RumorViral) && !now.Before(r.ExpiresAt) {
			cp := *r
			cp.Status = models.RumorExpired
			s.rumors[id] = &cp
			n++
		}
	}
	return n, nil
}

// --- TraceStore ---

func (s *Store) InsertTrace(_ context.Context, t *models.Trace) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.traces[t.ID]; ok {
		return fmt.Errorf("trace %s: %w", t.ID, storage.ErrConflict)
	}
	cp := *t
	s.traces[t.ID] = &cp
	return nil
}

func (s *Store) GetTrace(_ context.Context, id string) (*models.Trace, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.traces[id]
	if !ok {
		return nil, fmt.Errorf("trace %s: %w", id, storage.ErrNotFound)
	}
	cp := *t
	return &cp, nil
}

func (s *Store) UpdateTrace(_ context.Context, t *models.Trace) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.traces[t.ID]; !ok {
		return fmt.Errorf("trace %s: %w", t.ID, storage.ErrNotFound)
	}
	cp := *t
	s.traces[t.ID] = &cp
	return nil
}

func (s *Store) ListTracesByStage(_ context.Context, theatreID, stageID string) ([]*models.Trace, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Trace
	for _, t := range s.traces {
		if t.TheatreID == theatreID && t.StageID == stageID {
			cp := *t
			out = append(out, &cp)
		}
	}
	sortByCreated(out, func(t *models.Trace) time.Time { return t.CreatedAt })
	return out, nil
}

func (s *Store) InsertDiscovery(_ context.Context, d *models.Discovery) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key2(d.TraceID, d.DiscovererID)
	if _, ok := s.discoveries[k]; ok {
		return fmt.Errorf("discovery %s/%s: %w", d.TraceID, d.DiscovererID, storage.ErrConflict)
	}
	cp := *d
	s.discoveries[k] = &cp
	return nil
}

func (s *Store) CountActiveTraces(_ context.Context, theatreID, stageID string, now time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, t := range s.traces {
		if t.TheatreID == theatreID && t.StageID == stageID && now.Before(t.ExpiresAt) {
			n++
		}
	}
	return n, nil
}

// --- CrewStore ---

func (s *Store) InsertCrew(_ context.Context, c *models.Crew) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.crews[c.ID]; ok {
		return fmt.Errorf("crew %s: %w", c.ID, storage.ErrConflict)
	}
	cp := *c
	s.crews[c.ID] = &cp
	return nil
}

func (s *Store) GetCrew(_ context.Context, id string) (*models.Crew, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.crews[id]
	if !ok {
		return nil, fmt.Errorf("crew %s: %w", id, storage.ErrNotFound)
	}
	cp := *c
	return &cp, nil
}

func (s *Store) UpdateCrew(_ context.Context, c *models.Crew) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.crews[c.ID]; !ok {
		return fmt.Errorf("crew %s: %w", c.ID, storage.ErrNotFound)
	}
	cp := *c
	s.crews[c.ID] = &cp
	return nil
}

func (s *Store) InsertMembership(_ context.Context, m *models.Membership) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.crews[m.CrewID]
	if !ok {
		return fmt.Errorf("crew %s: %w", m.CrewID, storage.ErrNotFound)
	}
	userKey := key2(c.TheatreID, m.UserID)
	if _, ok := s.memberByUser[userKey]; ok {
		return fmt.Errorf("user %s already in a crew: %w", m.UserID, storage.ErrConflict)
	}
	cp := *m
	s.memberships[key2(m.CrewID, m.UserID)] = &cp
	s.memberByUser[userKey] = m.CrewID
	return nil
}

func (s *Store) GetMembership(_ context.Context, crewID, userID string) (*models.Membership, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.memberships[key2(crewID, userID)]
	if !ok {
		return nil, fmt.Errorf("membership %s/%s: %w", crewID, userID, storage.ErrNotFound)
	}
	cp := *m
	return &cp, nil
}

func (s *Store) GetMembershipByUser(_ context.Context, theatreID, userID string) (*models.Membership, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	crewID, ok := s.memberByUser[key2(theatreID, userID)]
	if !ok {
		return nil, fmt.Errorf("membership for %s: %w", userID, storage.ErrNotFound)
	}
	m := s.memberships[key2(crewID, userID)]
	cp := *m
	return &cp, nil
}

func (s *Store) ListMembers(_ context.Context, crewID string) ([]*models.Membership, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Membership
	for _, m := range s.memberships {
		if m.CrewID == crewID {
			cp := *m
			out = append(out, &cp)
		}
	}
	sortByCreated(out, func(m *models.Membership) time.Time { return m.JoinedAt })
	return out, nil
}

func (s *Store) UpdateMembership(_ context.Context, m *models.Membership) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.memberships[key2(m.CrewID, m.UserID)]; !ok {
		return fmt.Errorf("membership %s/%s: %w", m.CrewID, m.UserID, storage.ErrNotFound)
	}
	cp := *m
	s.memberships[key2(m.CrewID, m.UserID)] = &cp
	return nil
}

func (s *Store) DeleteMembership(_ context.Context, crewID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.memberships[key2(crewID, userID)]; !ok {
		return fmt.Errorf("membership %s/%s: %w", crewID, userID, storage.ErrNotFound)
	}
	delete(s.memberships, key2(crewID, userID))
	if c, ok := s.crews[crewID]; ok {
		delete(s.memberByUser, key2(c.TheatreID, userID))
	}
	return nil
}

func (s *Store) InsertAction(_ context.Context, a *models.CrewAction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.actions[a.ID]; ok {
		return fmt.Errorf("action %s: %w", a.ID, storage.ErrConflict)
	}
	cp := *a
	cp.Joiners = append([]string(nil), a.Joiners...)
	s.actions[a.ID] = &cp
	return nil
}

func (s *Store) GetAction(_ context.Context, id string) (*models.CrewAction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.actions[id]
	if !ok {
		return nil, fmt.Errorf("action %s: %w", id, storage.ErrNotFound)
	}
	cp := *a
	cp.Joiners = append([]string(nil), a.Joiners...)
	return &cp, nil
}

func (s *Store) UpdateAction(_ context.Context, a *models.CrewAction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.actions[a.ID]; !ok {
		return fmt.Errorf("action %s: %w", a.ID, storage.ErrNotFound)
	}
	cp := *a
	cp.Joiners = append([]string(nil), a.Joiners...)
	s.actions[a.ID] = &cp
	return nil
}

func (s *Store) ListActionsByStatus(_ context.Context, status models.ActionStatus) ([]*models.CrewAction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.CrewAction
	for _, a := range s.actions {
		if a.Status == status {
			cp := *a
			cp.Joiners = append([]string(nil), a.Joiners...)
			out = append(out, &cp)
		}
	}
	sortByCreated(out, func(a *models.CrewAction) time.Time { return a.CreatedAt })
	return out, nil
}

func (s *Store) GetResource(_ context.Context, crewID, resource string) (*models.SharedResource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.resources[key2(crewID, resource)]
	if !ok {
		return &models.SharedResource{CrewID: crewID, Resource: resource}, nil
	}
	cp := *r
	return &cp, nil
}

func (s *Store) AddResource(_ context.Context, crewID, resource string, delta int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key2(crewID, resource)
	r := &models.SharedResource{CrewID: crewID, Resource: resource}
	if cur, ok := s.resources[k]; ok {
		cp := *cur
		r = &cp
	}
	if r.Amount+delta < 0 {
		return fmt.Errorf("pool %s/%s would go negative: %w", crewID, resource, storage.ErrConflict)
	}
	r.Amount += delta
	s.resources[k] = r
	return nil
}
