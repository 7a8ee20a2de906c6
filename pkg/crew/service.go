// Package crew implements player groups: membership, tier-gated
// collective actions with quorums, and the shared resource pool.
package crew

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/theatreos/theatreos/pkg/events"
	"github.com/theatreos/theatreos/pkg/models"
	"github.com/theatreos/theatreos/pkg/storage"
)

// actionDeadline is how long a pending action waits for its quorum.
const actionDeadline = 24 * time.Hour

// contributionPerUnit is the contribution credited per shared resource unit.
const contributionPerUnit = 10

// actionTiers maps each collective action type to the minimum crew tier
// that may run it.
var actionTiers = map[string]int{
	"lookout":      1,
	"street_rally": 1,
	"cargo_sweep":  2,
	"safehouse":    2,
	"grand_scheme": 3,
	"harbor_blitz": 3,
}

// quorumByTier is the joiner count that moves a pending action forward.
func quorumByTier(tier int) int {
	switch tier {
	case 1:
		return 2
	case 2:
		return 3
	default:
		return 5
	}
}

// Service is the crew engine. Safe for concurrent use.
type Service struct {
	store storage.Store
	sink  events.Sink
	now   func() time.Time
}

// NewService creates a crew engine. sink may be nil.
func NewService(store storage.Store, sink events.Sink) *Service {
	if sink == nil {
		sink = events.NopSink{}
	}
	return &Service{store: store, sink: sink, now: time.Now}
}

// SetClock overrides the time source. Test hook.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// Create founds a crew with the founder as its leader. A user holds at
// most one membership per theatre.
func (s *Service) Create(ctx context.Context, theatreID, name, founderID string, tier int) (*models.Crew, error) {
	if name == "" {
		return nil, storage.NewValidationError("name", "must not be empty")
	}
	if tier < 1 || tier > 3 {
		return nil, storage.NewValidationError("tier", "must be 1, 2, or 3")
	}
	if _, err := s.store.GetMembershipByUser(ctx, theatreID, founderID); err == nil {
		return nil, fmt.Errorf("user %s already belongs to a crew in %s: %w", founderID, theatreID, storage.ErrConflict)
	}

	c := &models.Crew{
		ID:        uuid.New().String(),
		TheatreID: theatreID,
		Name:      name,
		Tier:      tier,
		CreatedAt: s.now(),
	}
	err := s.store.Tx(ctx, func(tx storage.Store) error {
		if err := tx.InsertCrew(ctx, c); err != nil {
			return err
		}
		return tx.InsertMembership(ctx, &models.Membership{
			CrewID:   c.ID,
			UserID:   founderID,
			Role:     models.CrewLeader,
			JoinedAt: c.CreatedAt,
		})
	})
	if err != nil {
		return nil, fmt.Errorf("create crew: %w", err)
	}
	return c, nil
}

// Get returns one crew.
func (s *Service) Get(ctx context.Context, id string) (*models.Crew, error) {
	return s.store.GetCrew(ctx, id)
}

// Members returns a crew's memberships.
func (s *Service) Members(ctx context.Context, crewID string) ([]*models.Membership, error) {
	return s.store.ListMembers(ctx, crewID)
}

// Join adds a user to a crew, subject to the one-crew-per-theatre rule
// and the tier member cap.
func (s *Service) Join(ctx context.Context, crewID, userID string) (*models.Membership, error) {
	c, err := s.store.GetCrew(ctx, crewID)
	if err != nil {
		return nil, err
	}
	if _, err := s.store.GetMembershipByUser(ctx, c.TheatreID, userID); err == nil {
		return nil, fmt.Errorf("user %s already belongs to a crew in %s: %w", userID, c.TheatreID, storage.ErrConflict)
	}
	members, err := s.store.ListMembers(ctx, crewID)
	if err != nil {
		return nil, err
	}
	if len(members) >= c.MaxMembers() {
		return nil, fmt.Errorf("crew %s is at its tier %d cap of %d members: %w", crewID, c.Tier, c.MaxMembers(), storage.ErrConflict)
	}

	m := &models.Membership{
		CrewID:   crewID,
		UserID:   userID,
		Role:     models.CrewMember,
		JoinedAt: s.now(),
	}
	if err := s.store.InsertMembership(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}

// Leave removes a user from a crew. The leader may only leave an
// otherwise-empty crew; leadership must be handed off first.
func (s *Service) Leave(ctx context.Context, crewID, userID string) error {
	m, err := s.store.GetMembership(ctx, crewID, userID)
	if err != nil {
		return err
	}
	if m.Role == models.CrewLeader {
		members, err := s.store.ListMembers(ctx, crewID)
		if err != nil {
			return err
		}
		if len(members) > 1 {
			return fmt.Errorf("leader of %s must transfer leadership before leaving: %w", crewID, storage.ErrConflict)
		}
	}
	return s.store.DeleteMembership(ctx, crewID, userID)
}

// TransferLeadership hands the leader role to another member.
func (s *Service) TransferLeadership(ctx context.Context, crewID, fromUserID, toUserID string) error {
	from, err := s.store.GetMembership(ctx, crewID, fromUserID)
	if err != nil {
		return err
	}
	if from.Role != models.CrewLeader {
		return fmt.Errorf("user %s is not the leader of %s: %w", fromUserID, crewID, storage.ErrForbidden)
	}
	to, err := s.store.GetMembership(ctx, crewID, toUserID)
	if err != nil {
		return err
	}

	from.Role = models.CrewMember
	to.Role = models.CrewLeader
	return s.store.Tx(ctx, func(tx storage.Store) error {
		if err := tx.UpdateMembership(ctx, from); err != nil {
			return err
		}
		return tx.UpdateMembership(ctx, to)
	})
}

// InitiateAction starts a collective action. The crew's tier must cover
// the action type; the initiator counts as the first joiner; the quorum
// clock runs for twenty-four hours.
func (s *Service) InitiateAction(ctx context.Context, crewID, initiatorID, actionType string) (*models.CrewAction, error) {
	minTier, ok := actionTiers[actionType]
	if !ok {
		return nil, storage.NewValidationError("type", fmt.Sprintf("unknown action type %q", actionType))
	}
	c, err := s.store.GetCrew(ctx, crewID)
	if err != nil {
		return nil, err
	}
	if c.Tier < minTier {
		return nil, fmt.Errorf("action %q needs crew tier %d, crew %s is tier %d: %w",
			actionType, minTier, crewID, c.Tier, storage.ErrForbidden)
	}
	if _, err := s.store.GetMembership(ctx, crewID, initiatorID); err != nil {
		return nil, fmt.Errorf("initiator %s is not a member of %s: %w", initiatorID, crewID, storage.ErrForbidden)
	}

	now := s.now()
	a := &models.CrewAction{
		ID:          uuid.New().String(),
		CrewID:      crewID,
		TheatreID:   c.TheatreID,
		Type:        actionType,
		InitiatorID: initiatorID,
		Status:      models.ActionPending,
		Quorum:      quorumByTier(minTier),
		Joiners:     []string{initiatorID},
		Deadline:    now.Add(actionDeadline),
		CreatedAt:   now,
	}

	var evt *models.Event
	err = s.store.Tx(ctx, func(tx storage.Store) error {
		if err := tx.InsertAction(ctx, a); err != nil {
			return err
		}
		evt = s.newEvent(c.TheatreID, models.EventCrewActionStarted, models.EventTarget{},
			map[string]any{"action_id": a.ID, "crew_id": crewID, "type": actionType, "quorum": a.Quorum})
		return tx.AppendEvent(ctx, evt)
	})
	if err != nil {
		return nil, fmt.Errorf("initiate action: %w", err)
	}
	s.sink.Deliver(evt)
	return a, nil
}

// JoinAction adds a crewmate to a pending action. Reaching the quorum
// moves the action to in_progress.
func (s *Service) JoinAction(ctx context.Context, actionID, userID string) (*models.CrewAction, error) {
	a, err := s.store.GetAction(ctx, actionID)
	if err != nil {
		return nil, err
	}
	if a.Status != models.ActionPending {
		return nil, fmt.Errorf("action %s is %s, not pending: %w", actionID, a.Status, storage.ErrConflict)
	}
	if !s.now().Before(a.Deadline) {
		return nil, fmt.Errorf("action %s passed its deadline: %w", actionID, storage.ErrConflict)
	}
	if _, err := s.store.GetMembership(ctx, a.CrewID, userID); err != nil {
		return nil, fmt.Errorf("user %s is not a member of %s: %w", userID, a.CrewID, storage.ErrForbidden)
	}
	for _, j := range a.Joiners {
		if j == userID {
			return nil, fmt.Errorf("user %s already joined action %s: %w", userID, actionID, storage.ErrConflict)
		}
	}

	a.Joiners = append(a.Joiners, userID)
	if len(a.Joiners) >= a.Quorum {
		a.Status = models.ActionInProgress
	}
	if err := s.store.UpdateAction(ctx, a); err != nil {
		return nil, err
	}
	return a, nil
}

// CompleteAction finishes an in_progress action and credits the crew's
// reputation. Leader-only.
func (s *Service) CompleteAction(ctx context.Context, actionID, userID string) (*models.CrewAction, error) {
	a, err := s.store.GetAction(ctx, actionID)
	if err != nil {
		return nil, err
	}
	m, err := s.store.GetMembership(ctx, a.CrewID, userID)
	if err != nil || m.Role != models.CrewLeader {
		return nil, fmt.Errorf("only the leader of %s may complete actions: %w", a.CrewID, storage.ErrForbidden)
	}
	if a.Status != models.ActionInProgress {
		return nil, fmt.Errorf("action %s is %s, not in_progress: %w", actionID, a.Status, storage.ErrConflict)
	}

	c, err := s.store.GetCrew(ctx, a.CrewID)
	if err != nil {
		return nil, err
	}
	a.Status = models.ActionCompleted
	c.Reputation += len(a.Joiners)

	var evt *models.Event
	err = s.store.Tx(ctx, func(tx storage.Store) error {
		if err := tx.UpdateAction(ctx, a); err != nil {
			return err
		}
		if err := tx.UpdateCrew(ctx, c); err != nil {
			return err
		}
		evt = s.newEvent(a.TheatreID, models.EventCrewActionCompleted, models.EventTarget{},
			map[string]any{"action_id": a.ID, "crew_id": a.CrewID, "type": a.Type, "joiners": len(a.Joiners)})
		return tx.AppendEvent(ctx, evt)
	})
	if err != nil {
		return nil, fmt.Errorf("complete action: %w", err)
	}
	s.sink.Deliver(evt)
	return a, nil
}

// ExpireDue flips pending actions past their deadline to expired and
// returns how many flipped. Called by the cleanup sweeper.
func (s *Service) ExpireDue(ctx context.Context) (int, error) {
	pending, err := s.store.ListActionsByStatus(ctx, models.ActionPending)
	if err != nil {
		return 0, err
	}
	now := s.now()
	n := 0
	for _, a := range pending {
		if now.Before(a.Deadline) {
			continue
		}
		a.Status = models.ActionExpired
		if err := s.store.UpdateAction(ctx, a); err != nil {
			if errors.Is(err, storage.ErrConflict) {
				continue
			}
			return n, err
		}
		n++
	}
	return n, nil
}

// ShareResource moves units from a member into the crew pool and credits
// contribution, ten per unit.
func (s *Service) ShareResource(ctx context.Context, crewID, userID, resource string, amount int64) error {
	if amount <= 0 {
		return storage.NewValidationError("amount", "must be positive")
	}
	m, err := s.store.GetMembership(ctx, crewID, userID)
	if err != nil {
		return fmt.Errorf("user %s is not a member of %s: %w", userID, crewID, storage.ErrForbidden)
	}
	c, err := s.store.GetCrew(ctx, crewID)
	if err != nil {
		return err
	}

	m.Contribution += contributionPerUnit * amount
	c.TotalContribution += contributionPerUnit * amount
	return s.store.Tx(ctx, func(tx storage.Store) error {
		if err := tx.AddResource(ctx, crewID, resource, amount); err != nil {
			return err
		}
		if err := tx.UpdateMembership(ctx, m); err != nil {
			return err
		}
		return tx.UpdateCrew(ctx, c)
	})
}

// ClaimResource takes units out of the crew pool. The pool never goes
// negative.
func (s *Service) ClaimResource(ctx context.Context, crewID, userID, resource string, amount int64) error {
	if amount <= 0 {
		return storage.NewValidationError("amount", "must be positive")
	}
	if _, err := s.store.GetMembership(ctx, crewID, userID); err != nil {
		return fmt.Errorf("user %s is not a member of %s: %w", userID, crewID, storage.ErrForbidden)
	}
	return s.store.AddResource(ctx, crewID, resource, -amount)
}

// Resource returns the pooled amount of one resource.
func (s *Service) Resource(ctx context.Context, crewID, resource string) (*models.SharedResource, error) {
	return s.store.GetResource(ctx, crewID, resource)
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
