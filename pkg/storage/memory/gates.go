package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/theatreos/theatreos/pkg/models"
	"github.com/theatreos/theatreos/pkg/storage"
)

func cloneGate(g *models.GateInstance) *models.GateInstance {
	cp := *g
	cp.Options = append([]models.GateOption(nil), g.Options...)
	if g.SettledAt != nil {
		t := *g.SettledAt
		cp.SettledAt = &t
	}
	return &cp
}

func (s *Store) InsertGate(_ context.Context, g *models.GateInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.gates[g.ID]; ok {
		return fmt.Errorf("gate %s: %w", g.ID, storage.ErrConflict)
	}
	s.gates[g.ID] = cloneGate(g)
	return nil
}

func (s *Store) GetGate(_ context.Context, id string) (*models.GateInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.gates[id]
	if !ok {
		return nil, fmt.Errorf("gate %s: %w", id, storage.ErrNotFound)
	}
	return cloneGate(g), nil
}

func (s *Store) ListGatesByTheatre(_ context.Context, theatreID string, states []models.GateState) ([]*models.GateInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.GateInstance
	for _, g := range s.gates {
		if g.TheatreID != theatreID {
			continue
		}
		if len(states) > 0 && !containsState(states, g.State) {
			continue
		}
		out = append(out, cloneGate(g))
	}
	sortByCreated(out, func(g *models.GateInstance) time.Time { return g.CreatedAt })
	return out, nil
}

func (s *Store) ListDueGates(_ context.Context, now time.Time) ([]*models.GateInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.GateInstance
	for _, g := range s.gates {
		var due bool
		switch g.State {
		case models.GateScheduled:
			due = !now.Before(g.OpenAt)
		case models.GateOpen:
			due = !now.Before(g.CloseAt)
		case models.GateClosing:
			due = !now.Before(g.ResolveAt)
		}
		if due {
			out = append(out, cloneGate(g))
		}
	}
	sortByCreated(out, func(g *models.GateInstance) time.Time { return g.CreatedAt })
	return out, nil
}

func (s *Store) TransitionGate(_ context.Context, gateID string, from, to models.GateState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.gates[gateID]
	if !ok {
		return fmt.Errorf("gate %s: %w", gateID, storage.ErrNotFound)
	}
	if g.State != from {
		return fmt.Errorf("gate %s is %s, expected %s: %w", gateID, g.State, from, storage.ErrConflict)
	}
	cp := cloneGate(g)
	cp.State = to
	s.gates[gateID] = cp
	return nil
}

func (s *Store) FinalizeGate(_ context.Context, gateID, winningOption string, settledAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.gates[gateID]
	if !ok {
		return fmt.Errorf("gate %s: %w", gateID, storage.ErrNotFound)
	}
	if g.State != models.GateClosing {
		return fmt.Errorf("gate %s is %s, expected closing: %w", gateID, g.State, storage.ErrConflict)
	}
	cp := cloneGate(g)
	cp.State = models.GateResolved
	cp.WinningOption = winningOption
	cp.SettledAt = &settledAt
	s.gates[gateID] = cp
	return nil
}

// --- Votes ---

func (s *Store) UpsertVote(_ context.Context, v *models.Vote) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *v
	s.votes[key2(v.GateID, v.UserID)] = &cp
	s.voteKeys[key2(v.GateID, v.IdempotencyKey)] = &cp
	return nil
}

func (s *Store) GetVoteByKey(_ context.Context, gateID, idempotencyKey string) (*models.Vote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.voteKeys[key2(gateID, idempotencyKey)]
	if !ok {
		return nil, fmt.Errorf("vote key %s: %w", idempotencyKey, storage.ErrNotFound)
	}
	cp := *v
	return &cp, nil
}

func (s *Store) ListVotes(_ context.Context, gateID string) ([]*models.Vote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Vote
	for _, v := range s.votes {
		if v.GateID == gateID {
			cp := *v
			out = append(out, &cp)
		}
	}
	sortByCreated(out, func(v *models.Vote) time.Time { return v.CastAt })
	return out, nil
}

// --- Stakes ---

func (s *Store) InsertStake(_ context.Context, st *models.Stake) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.stakes[st.ID]; ok {
		return fmt.Errorf("stake %s: %w", st.ID, storage.ErrConflict)
	}
	if _, ok := s.stakeKeys[key2(st.GateID, st.IdempotencyKey)]; ok {
		return fmt.Errorf("stake key %s: %w", st.IdempotencyKey, storage.ErrConflict)
	}
	cp := *st
	s.stakes[st.ID] = &cp
	s.stakeKeys[key2(st.GateID, st.IdempotencyKey)] = &cp
	return nil
}

func (s *Store) GetStakeByKey(_ context.Context, gateID, idempotencyKey string) (*models.Stake, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.stakeKeys[key2(gateID, idempotencyKey)]
	if !ok {
		return nil, fmt.Errorf("stake key %s: %w", idempotencyKey, storage.ErrNotFound)
	}
	cp := *st
	return &cp, nil
}

func (s *Store) ListStakes(_ context.Context, gateID string) ([]*models.Stake, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Stake
	for _, st := range s.stakes {
		if st.GateID == gateID {
			cp := *st
			out = append(out, &cp)
		}
	}
	sortByCreated(out, func(st *models.Stake) time.Time { return st.PlacedAt })
	return out, nil
}

// --- Settlements ---

func (s *Store) InsertSettlement(_ context.Context, set *models.Settlement) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.settlements[set.ID]; ok {
		return fmt.Errorf("settlement %s: %w", set.ID, storage.ErrConflict)
	}
	cp := *set
	s.settlements[set.ID] = &cp
	return nil
}

func (s *Store) GetSettlement(_ context.Context, id string) (*models.Settlement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	set, ok := s.settlements[id]
	if !ok {
		return nil, fmt.Errorf("settlement %s: %w", id, storage.ErrNotFound)
	}
	cp := *set
	return &cp, nil
}

func containsState(states []models.GateState, st models.GateState) bool {
	for _, s := range states {
		if s == st {
			return true
		}
	}
	return false
}
