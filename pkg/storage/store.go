// Package storage defines the storage contract shared by every engine.
// Two implementations exist: storage/postgres (production) and
// storage/memory (tests, single-node development). Engines depend only on
// the interfaces here; the implementation is chosen at wiring time.
package storage

import (
	"context"
	"time"

	"github.com/theatreos/theatreos/pkg/models"
)

// Store aggregates every per-concern store plus transactional composition.
type Store interface {
	TheatreStore
	UserStore
	WalletStore
	StageStore
	WorldStore
	EventStore
	PlanStore
	GateStore
	EvidenceStore
	RumorStore
	TraceStore
	CrewStore
	TokenStore

	// Tx runs fn against a transaction-scoped store. All writes inside fn
	// commit together or not at all. Nested Tx calls are not supported.
	Tx(ctx context.Context, fn func(Store) error) error
}

// TheatreStore persists theatres.
type TheatreStore interface {
	CreateTheatre(ctx context.Context, t *models.Theatre) error
	GetTheatre(ctx context.Context, id string) (*models.Theatre, error)
	ListTheatres(ctx context.Context) ([]*models.Theatre, error)
	SetBoundPack(ctx context.Context, theatreID, packID string) error
}

// UserStore persists users.
type UserStore interface {
	CreateUser(ctx context.Context, u *models.User) error
	GetUser(ctx context.Context, id string) (*models.User, error)
}

// WalletStore persists per-(theatre, user) ticket balances.
// Debit and Credit are atomic against the wallet row.
type WalletStore interface {
	GetWallet(ctx context.Context, theatreID, userID string) (*models.Wallet, error)
	// CreditWallet adds amount to the balance, creating the wallet if absent.
	CreditWallet(ctx context.Context, theatreID, userID string, amount int64) error
	// DebitWallet subtracts amount; returns ErrInsufficientFunds if the
	// balance would go negative.
	DebitWallet(ctx context.Context, theatreID, userID string, amount int64) error
}

// StageStore persists stages.
type StageStore interface {
	CreateStage(ctx context.Context, s *models.Stage) error
	GetStage(ctx context.Context, id string) (*models.Stage, error)
	ListStages(ctx context.Context, theatreID string) ([]*models.Stage, error)
}

// WorldStore persists current world state, applied deltas, and snapshots.
type WorldStore interface {
	GetWorldState(ctx context.Context, theatreID string) (*models.WorldState, error)
	PutVar(ctx context.Context, theatreID, varID string, value float64) error
	PutThreadState(ctx context.Context, theatreID, threadID string, st models.ThreadState) error
	PutObjectHolder(ctx context.Context, theatreID, objectID, holder string) error

	// GetDeltaByKey returns the applied delta for an idempotency key, or
	// ErrNotFound. InsertDelta returns ErrConflict when the key is taken.
	GetDeltaByKey(ctx context.Context, theatreID, idempotencyKey string) (*models.AppliedDelta, error)
	InsertDelta(ctx context.Context, d *models.AppliedDelta) error

	InsertSnapshot(ctx context.Context, s *models.Snapshot) error
	LatestSnapshot(ctx context.Context, theatreID string) (*models.Snapshot, error)
}

// EventStore persists the append-only world event log. AppendEvent assigns
// the monotonically increasing sequence id used for catchup ordering.
type EventStore interface {
	AppendEvent(ctx context.Context, e *models.Event) error
	ListEvents(ctx context.Context, theatreID string, from, to time.Time) ([]*models.Event, error)
	ListEventsSince(ctx context.Context, theatreID string, sinceSeq int64, limit int) ([]*models.Event, error)
}

// PlanStore persists hour plans and scheduling overrides.
type PlanStore interface {
	InsertPlan(ctx context.Context, p *models.HourPlan) error
	GetPlan(ctx context.Context, theatreID string, slotStart time.Time) (*models.HourPlan, error)
	// ListRecentPlans returns up to n plans, newest first.
	ListRecentPlans(ctx context.Context, theatreID string, n int) ([]*models.HourPlan, error)

	InsertOverride(ctx context.Context, o *models.Override) error
	ListOverrides(ctx context.Context, theatreID string, slotStart time.Time) ([]*models.Override, error)
}

// GateStore persists gate instances, votes, stakes, and settlements.
type GateStore interface {
	InsertGate(ctx context.Context, g *models.GateInstance) error
	GetGate(ctx context.Context, id string) (*models.GateInstance, error)
	ListGatesByTheatre(ctx context.Context, theatreID string, states []models.GateState) ([]*models.GateInstance, error)
	// ListDueGates returns non-terminal gates whose next time boundary has
	// passed at the given instant.
	ListDueGates(ctx context.Context, now time.Time) ([]*models.GateInstance, error)
	// TransitionGate performs a compare-and-swap on the gate state; returns
	// ErrConflict when the current state is not from.
	TransitionGate(ctx context.Context, gateID string, from, to models.GateState) error
	// FinalizeGate records the winning option and settlement time together
	// with the resolved state transition.
	FinalizeGate(ctx context.Context, gateID, winningOption string, settledAt time.Time) error

	// UpsertVote writes the user's live vote: a later vote for the same
	// (gate, user) replaces the earlier one in place.
	UpsertVote(ctx context.Context, v *models.Vote) error
	GetVoteByKey(ctx context.Context, gateID, idempotencyKey string) (*models.Vote, error)
	ListVotes(ctx context.Context, gateID string) ([]*models.Vote, error)

	InsertStake(ctx context.Context, s *models.Stake) error
	GetStakeByKey(ctx context.Context, gateID, idempotencyKey string) (*models.Stake, error)
	ListStakes(ctx context.Context, gateID string) ([]*models.Stake, error)

	// InsertSettlement returns ErrConflict when the settlement id exists.
	InsertSettlement(ctx context.Context, s *models.Settlement) error
	GetSettlement(ctx context.Context, id string) (*models.Settlement, error)
}

// EvidenceStore persists evidence items and transfer audit records.
type EvidenceStore interface {
	InsertEvidence(ctx context.Context, e *models.Evidence) error
	GetEvidence(ctx context.Context, id string) (*models.Evidence, error)
	ListEvidenceByOwner(ctx context.Context, theatreID, ownerID string) ([]*models.Evidence, error)
	UpdateEvidence(ctx context.Context, e *models.Evidence) error
	InsertTransfer(ctx context.Context, t *models.EvidenceTransfer) error
	// ListExpiringEvidence returns unexpired, unconsumed items expiring
	// before the cutoff (for expiry notifications).
	ListExpiringEvidence(ctx context.Context, theatreID string, before time.Time) ([]*models.Evidence, error)
}

// RumorStore persists rumors and spread records.
type RumorStore interface {
	InsertRumor(ctx context.Context, r *models.Rumor) error
	GetRumor(ctx context.Context, id string) (*models.Rumor, error)
	UpdateRumor(ctx context.Context, r *models.Rumor) error
	ListRumors(ctx context.Context, theatreID string, status models.RumorStatus) ([]*models.Rumor, error)
	// InsertSpread returns ErrConflict for a duplicate (rumor, spreader).
	InsertSpread(ctx context.Context, s *models.Spread) error
	// StageSpreadCounts aggregates spreads per stage since the cutoff; the
	// input to the per-stage heat signal.
	StageSpreadCounts(ctx context.Context, theatreID string, since time.Time) (map[string]int, error)
	// ExpireRumors flips active/viral rumors past their expiry to expired
	// and returns how many were flipped.
	ExpireRumors(ctx context.Context, now time.Time) (int, error)
}

// TraceStore persists traces and discovery attempts.
type TraceStore interface {
	InsertTrace(ctx context.Context, t *models.Trace) error
	GetTrace(ctx context.Context, id string) (*models.Trace, error)
	UpdateTrace(ctx context.Context, t *models.Trace) error
	ListTracesByStage(ctx context.Context, theatreID, stageID string) ([]*models.Trace, error)
	// InsertDiscovery returns ErrConflict for a duplicate (trace, discoverer).
	InsertDiscovery(ctx context.Context, d *models.Discovery) error
	// CountActiveTraces counts non-expired traces at a stage.
	CountActiveTraces(ctx context.Context, theatreID, stageID string, now time.Time) (int, error)
}

// CrewStore persists crews, memberships, collective actions, and the
// shared resource pool.
type CrewStore interface {
	InsertCrew(ctx context.Context, c *models.Crew) error
	GetCrew(ctx context.Context, id string) (*models.Crew, error)
	UpdateCrew(ctx context.Context, c *models.Crew) error

	InsertMembership(ctx context.Context, m *models.Membership) error
	GetMembership(ctx context.Context, crewID, userID string) (*models.Membership, error)
	// GetMembershipByUser returns the user's membership within a theatre,
	// enforcing one membership per (user, theatre).
	GetMembershipByUser(ctx context.Context, theatreID, userID string) (*models.Membership, error)
	ListMembers(ctx context.Context, crewID string) ([]*models.Membership, error)
	UpdateMembership(ctx context.Context, m *models.Membership) error
	DeleteMembership(ctx context.Context, crewID, userID string) error

	InsertAction(ctx context.Context, a *models.CrewAction) error
	GetAction(ctx context.Context, id string) (*models.CrewAction, error)
	UpdateAction(ctx context.Context, a *models.CrewAction) error
	ListActionsByStatus(ctx context.Context, status models.ActionStatus) ([]*models.CrewAction, error)

	GetResource(ctx context.Context, crewID, resource string) (*models.SharedResource, error)
	// AddResource adjusts the pooled amount; returns ErrConflict when a
	// claim would take the pool negative.
	AddResource(ctx context.Context, crewID, resource string, delta int64) error
}

// TokenStore persists the token blacklist consulted on JWT verification.
type TokenStore interface {
	BlacklistToken(ctx context.Context, jti string, expiresAt time.Time) error
	IsTokenBlacklisted(ctx context.Context, jti string) (bool, error)
}
