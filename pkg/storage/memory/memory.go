// Package memory is an in-process implementation of the storage contract.
// It backs unit tests and single-node development.
//
// Concurrency model: one RWMutex guards all maps; every operation is atomic
// on its own. Tx serializes whole transactions against each other and rolls
// the store back to its pre-transaction snapshot when fn fails, so a failed
// multi-step flow leaves no partial writes. Every write replaces map entries
// with fresh copies, which keeps the shallow per-Tx snapshots consistent.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/theatreos/theatreos/pkg/models"
	"github.com/theatreos/theatreos/pkg/storage"
)

// Store is the in-memory storage implementation.
type Store struct {
	mu   sync.RWMutex
	txMu sync.Mutex

	theatres map[string]*models.Theatre
	users    map[string]*models.User
	wallets  map[string]*models.Wallet // theatre|user
	stages   map[string]*models.Stage

	worlds    map[string]*worldData          // theatre
	deltas    map[string]*models.AppliedDelta // theatre|ikey
	snapshots map[string][]*models.Snapshot   // theatre, append order

	events   []*models.Event
	eventSeq int64

	plans     map[string][]*models.HourPlan // theatre, append order
	overrides []*models.Override

	gates       map[string]*models.GateInstance
	votes       map[string]*models.Vote  // gate|user
	voteKeys    map[string]*models.Vote  // gate|ikey
	stakes      map[string]*models.Stake // stake id
	stakeKeys   map[string]*models.Stake // gate|ikey
	settlements map[string]*models.Settlement

	evidence  map[string]*models.Evidence
	transfers []*models.EvidenceTransfer

	rumors  map[string]*models.Rumor
	spreads map[string]*models.Spread // rumor|spreader

	traces      map[string]*models.Trace
	discoveries map[string]*models.Discovery // trace|discoverer

	crews         map[string]*models.Crew
	memberships   map[string]*models.Membership // crew|user
	memberByUser  map[string]string             // theatre|user -> crew id
	actions       map[string]*models.CrewAction
	resources     map[string]*models.SharedResource // crew|resource
	blacklist     map[string]time.Time
}

type worldData struct {
	vars    map[string]float64
	threads map[string]models.ThreadState
	objects map[string]string
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		theatres:     map[string]*models.Theatre{},
		users:        map[string]*models.User{},
		wallets:      map[string]*models.Wallet{},
		stages:       map[string]*models.Stage{},
		worlds:       map[string]*worldData{},
		deltas:       map[string]*models.AppliedDelta{},
		snapshots:    map[string][]*models.Snapshot{},
		plans:        map[string][]*models.HourPlan{},
		gates:        map[string]*models.GateInstance{},
		votes:        map[string]*models.Vote{},
		voteKeys:     map[string]*models.Vote{},
		stakes:       map[string]*models.Stake{},
		stakeKeys:    map[string]*models.Stake{},
		settlements:  map[string]*models.Settlement{},
		evidence:     map[string]*models.Evidence{},
		rumors:       map[string]*models.Rumor{},
		spreads:      map[string]*models.Spread{},
		traces:       map[string]*models.Trace{},
		discoveries:  map[string]*models.Discovery{},
		crews:        map[string]*models.Crew{},
		memberships:  map[string]*models.Membership{},
		memberByUser: map[string]string{},
		actions:      map[string]*models.CrewAction{},
		resources:    map[string]*models.SharedResource{},
		blacklist:    map[string]time.Time{},
	}
}

var _ storage.Store = (*Store)(nil)

func key2(a, b string) string { return a + "|" + b }

// Tx serializes fn against other transactions and restores the
// pre-transaction state when fn fails. Entry pointers are shared between
// the snapshot and the live maps; writes never mutate a stored entry in
// place, so the shallow copies stay consistent.
func (s *Store) Tx(_ context.Context, fn func(storage.Store) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	s.mu.Lock()
	snap := s.snapshot()
	s.mu.Unlock()

	if err := fn(s); err != nil {
		s.mu.Lock()
		s.restore(snap)
		s.mu.Unlock()
		return err
	}
	return nil
}

// txSnapshot captures every table. Maps are copied shallowly; slices keep
// their headers, which is enough because appends past the snapshot length
// are invisible after restore.
type txSnapshot struct {
	theatres map[string]*models.Theatre
	users    map[string]*models.User
	wallets  map[string]*models.Wallet
	stages   map[string]*models.Stage

	worlds    map[string]*worldData
	deltas    map[string]*models.AppliedDelta
	snapshots map[string][]*models.Snapshot

	events   []*models.Event
	eventSeq int64

	plans     map[string][]*models.HourPlan
	overrides []*models.Override

	gates       map[string]*models.GateInstance
	votes       map[string]*models.Vote
	voteKeys    map[string]*models.Vote
	stakes      map[string]*models.Stake
	stakeKeys   map[string]*models.Stake
	settlements map[string]*models.Settlement

	evidence  map[string]*models.Evidence
	transfers []*models.EvidenceTransfer

	rumors  map[string]*models.Rumor
	spreads map[string]*models.Spread

	traces      map[string]*models.Trace
	discoveries map[string]*models.Discovery

	crews        map[string]*models.Crew
	memberships  map[string]*models.Membership
	memberByUser map[string]string
	actions      map[string]*models.CrewAction
	resources    map[string]*models.SharedResource
	blacklist    map[string]time.Time
}

func copyMap[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (s *Store) snapshot() *txSnapshot {
	return &txSnapshot{
		theatres:     copyMap(s.theatres),
		users:        copyMap(s.users),
		wallets:      copyMap(s.wallets),
		stages:       copyMap(s.stages),
		worlds:       copyMap(s.worlds),
		deltas:       copyMap(s.deltas),
		snapshots:    copyMap(s.snapshots),
		events:       s.events,
		eventSeq:     s.eventSeq,
		plans:        copyMap(s.plans),
		overrides:    s.overrides,
		gates:        copyMap(s.gates),
		votes:        copyMap(s.votes),
		voteKeys:     copyMap(s.voteKeys),
		stakes:       copyMap(s.stakes),
		stakeKeys:    copyMap(s.stakeKeys),
		settlements:  copyMap(s.settlements),
		evidence:     copyMap(s.evidence),
		transfers:    s.transfers,
		rumors:       copyMap(s.rumors),
		spreads:      copyMap(s.spreads),
		traces:       copyMap(s.traces),
		discoveries:  copyMap(s.discoveries),
		crews:        copyMap(s.crews),
		memberships:  copyMap(s.memberships),
		memberByUser: copyMap(s.memberByUser),
		actions:      copyMap(s.actions),
		resources:    copyMap(s.resources),
		blacklist:    copyMap(s.blacklist),
	}
}

func (s *Store) restore(snap *txSnapshot) {
	s.theatres = snap.theatres
	s.users = snap.users
	s.wallets = snap.wallets
	s.stages = snap.stages
	s.worlds = snap.worlds
	s.deltas = snap.deltas
	s.snapshots = snap.snapshots
	s.events = snap.events
	s.eventSeq = snap.eventSeq
	s.plans = snap.plans
	s.overrides = snap.overrides
	s.gates = snap.gates
	s.votes = snap.votes
	s.voteKeys = snap.voteKeys
	s.stakes = snap.stakes
	s.stakeKeys = snap.stakeKeys
	s.settlements = snap.settlements
	s.evidence = snap.evidence
	s.transfers = snap.transfers
	s.rumors = snap.rumors
	s.spreads = snap.spreads
	s.traces = snap.traces
	s.discoveries = snap.discoveries
	s.crews = snap.crews
	s.memberships = snap.memberships
	s.memberByUser = snap.memberByUser
	s.actions = snap.actions
	s.resources = snap.resources
	s.blacklist = snap.blacklist
}

// --- TheatreStore ---

func (s *Store) CreateTheatre(_ context.Context, t *models.Theatre) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.theatres[t.ID]; ok {
		return fmt.Errorf("theatre %s: %w", t.ID, storage.ErrConflict)
	}
	cp := *t
	s.theatres[t.ID] = &cp
	return nil
}

func (s *Store) GetTheatre(_ context.Context, id string) (*models.Theatre, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.theatres[id]
	if !ok {
		return nil, fmt.Errorf("theatre %s: %w", id, storage.ErrNotFound)
	}
	cp := *t
	return &cp, nil
}

func (s *Store) ListTheatres(_ context.Context) ([]*models.Theatre, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.Theatre, 0, len(s.theatres))
	for _, t := range s.theatres {
		cp := *t
		out = append(out, &cp)
	}
	sortByCreated(out, func(t *models.Theatre) time.Time { return t.CreatedAt })
	return out, nil
}

func (s *Store) SetBoundPack(_ context.Context, theatreID, packID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.theatres[theatreID]
	if !ok {
		return fmt.Errorf("theatre %s: %w", theatreID, storage.ErrNotFound)
	}
	cp := *t
	cp.BoundThemePackID = packID
	s.theatres[theatreID] = &cp
	return nil
}

// --- UserStore ---

func (s *Store) CreateUser(_ context.Context, u *models.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[u.ID]; ok {
		return fmt.Errorf("user %s: %w", u.ID, storage.ErrConflict)
	}
	cp := *u
	s.users[u.ID] = &cp
	return nil
}

func (s *Store) GetUser(_ context.Context, id string) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", id, storage.ErrNotFound)
	}
	cp := *u
	return &cp, nil
}

// --- WalletStore ---

func (s *Store) GetWallet(_ context.Context, theatreID, userID string) (*models.Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.wallets[key2(theatreID, userID)]
	if !ok {
		return &models.Wallet{UserID: userID, TheatreID: theatreID}, nil
	}
	cp := *w
	return &cp, nil
}

func (s *Store) CreditWallet(_ context.Context, theatreID, userID string, amount int64) error {
	if amount < 0 {
		return storage.NewValidationError("amount", "credit must be non-negative")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key2(theatreID, userID)
	w := &models.Wallet{UserID: userID, TheatreID: theatreID}
	if cur, ok := s.wallets[k]; ok {
		cp := *cur
		w = &cp
	}
	w.Balance += amount
	s.wallets[k] = w
	return nil
}

func (s *Store) DebitWallet(_ context.Context, theatreID, userID string, amount int64) error {
	if amount <= 0 {
		return storage.NewValidationError("amount", "debit must be positive")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.wallets[key2(theatreID, userID)]
	if !ok || w.Balance < amount {
		return storage.ErrInsufficientFunds
	}
	cp := *w
	cp.Balance -= amount
	s.wallets[key2(theatreID, userID)] = &cp
	return nil
}

// --- StageStore ---

func (s *Store) CreateStage(_ context.Context, st *models.Stage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.stages[st.ID]; ok {
		return fmt.Errorf("stage %s: %w", st.ID, storage.ErrConflict)
	}
	cp := *st
	cp.Tags = append([]string(nil), st.Tags...)
	s.stages[st.ID] = &cp
	return nil
}

func (s *Store) GetStage(_ context.Context, id string) (*models.Stage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.stages[id]
	if !ok {
		return nil, fmt.Errorf("stage %s: %w", id, storage.ErrNotFound)
	}
	cp := *st
	cp.Tags = append([]string(nil), st.Tags...)
	return &cp, nil
}

func (s *Store) ListStages(_ context.Context, theatreID string) ([]*models.Stage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Stage
	for _, st := range s.stages {
		if st.TheatreID != theatreID {
			continue
		}
		cp := *st
		cp.Tags = append([]string(nil), st.Tags...)
		out = append(out, &cp)
	}
	sortByCreated(out, func(st *models.Stage) time.Time { return st.CreatedAt })
	return out, nil
}

// --- TokenStore ---

func (s *Store) BlacklistToken(_ context.Context, jti string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blacklist[jti] = expiresAt
	return nil
}

func (s *Store) IsTokenBlacklisted(_ context.Context, jti string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.blacklist[jti]
	return ok, nil
}

// sortByCreated orders a slice by a time key, oldest first, with a stable
// tiebreak on insertion order preserved by the sort's stability.
func sortByCreated[T any](items []*T, at func(*T) time.Time) {
	// insertion sort keeps this dependency-free and stable; lists are small
	for i := 1; i < len(items); i++ {
		for j := i; j > 0 && at(items[j]).Before(at(items[j-1])); j-- {
			items[j], items[j-1] = items[j-1], items[j]
		}
	}
}
