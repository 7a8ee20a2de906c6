// Package gates owns the decision-market lifecycle: vote and stake intake
// while a gate is open, time-driven state transitions, resolution with
// stake settlement, and the Explain Card receipt.
package gates

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/theatreos/theatreos/pkg/events"
	"github.com/theatreos/theatreos/pkg/kernel"
	"github.com/theatreos/theatreos/pkg/metrics"
	"github.com/theatreos/theatreos/pkg/models"
	"github.com/theatreos/theatreos/pkg/storage"
	"github.com/theatreos/theatreos/pkg/themepack"
)

// Service is the gate engine. Safe for concurrent use.
type Service struct {
	store  storage.Store
	packs  *themepack.Registry
	kernel *kernel.Kernel
	sink   events.Sink
	now    func() time.Time
}

// NewService creates a gate engine. sink may be nil.
func NewService(store storage.Store, packs *themepack.Registry, k *kernel.Kernel, sink events.Sink) *Service {
	if sink == nil {
		sink = events.NopSink{}
	}
	return &Service{store: store, packs: packs, kernel: k, sink: sink, now: time.Now}
}

// SetClock overrides the time source. Test hook.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// acceptingInput reports whether a gate still takes votes and stakes.
// The close_at wall is enforced here so input past the deadline is
// rejected even before the driver has ticked the gate into closing.
func (s *Service) acceptingInput(gate *models.GateInstance) error {
	if gate.State != models.GateOpen {
		return fmt.Errorf("gate %s is %s: %w", gate.ID, gate.State, storage.ErrGateNotOpen)
	}
	if !s.now().Before(gate.CloseAt) {
		return fmt.Errorf("gate %s closed at %s: %w", gate.ID, gate.CloseAt.Format(time.RFC3339), storage.ErrGateNotOpen)
	}
	return nil
}

// Get returns a gate instance.
func (s *Service) Get(ctx context.Context, gateID string) (*models.GateInstance, error) {
	return s.store.GetGate(ctx, gateID)
}

// List returns a theatre's gates, optionally filtered by state.
func (s *Service) List(ctx context.Context, theatreID string, states []models.GateState) ([]*models.GateInstance, error) {
	return s.store.ListGatesByTheatre(ctx, theatreID, states)
}

// Vote casts or re-casts a user's vote. The last vote per (gate, user)
// wins; retries with the same idempotency key return the existing vote.
func (s *Service) Vote(ctx context.Context, gateID, userID, optionID, idempotencyKey string) (*models.Vote, error) {
	if idempotencyKey == "" {
		return nil, storage.NewValidationError("idempotency_key", "required")
	}
	gate, err := s.store.GetGate(ctx, gateID)
	if err != nil {
		return nil, err
	}
	if err := s.acceptingInput(gate); err != nil {
		return nil, err
	}
	if !hasOption(gate.Options, optionID) {
		return nil, fmt.Errorf("option %q: %w", optionID, storage.ErrOptionInvalid)
	}

	if existing, err := s.store.GetVoteByKey(ctx, gateID, idempotencyKey); err == nil {
		return existing, nil
	}

	v := &models.Vote{
		ID:             uuid.New().String(),
		GateID:         gateID,
		UserID:         userID,
		OptionID:       optionID,
		CastAt:         s.now(),
		IdempotencyKey: idempotencyKey,
	}

	var evt *models.Event
	err = s.store.Tx(ctx, func(tx storage.Store) error {
		if err := tx.UpsertVote(ctx, v); err != nil {
			return err
		}
		payload := map[string]any{"gate_id": gateID, "option_id": optionID}
		if tpl, err := s.template(gate); err == nil && tpl.RevealTally {
			votes, err := tx.ListVotes(ctx, gateID)
			if err != nil {
				return err
			}
			tally := make(map[string]int, len(gate.Options))
			for _, opt := range gate.Options {
				tally[opt.ID] = 0
			}
			for _, vote := range votes {
				tally[vote.OptionID]++
			}
			payload["tally"] = tally
		}
		evt = s.newEvent(gate, models.EventVoteCast, payload)
		return tx.AppendEvent(ctx, evt)
	})
	if err != nil {
		return nil, fmt.Errorf("cast vote: %w", err)
	}

	s.sink.Deliver(evt)
	return v, nil
}

// Stake escrows tickets on an option. The wallet debit and the stake row
// are one atomic step; retries with the same idempotency key return the
// existing stake without a second debit.
func (s *Service) Stake(ctx context.Context, gateID, userID, optionID string, amount int64, idempotencyKey string) (*models.Stake, error) {
	if idempotencyKey == "" {
		return nil, storage.NewValidationError("idempotency_key", "required")
	}
	if amount <= 0 {
		return nil, storage.NewValidationError("amount", "must be positive")
	}
	gate, err := s.store.GetGate(ctx, gateID)
	if err != nil {
		return nil, err
	}
	if err := s.acceptingInput(gate); err != nil {
		return nil, err
	}
	if !hasOption(gate.Options, optionID) {
		return nil, fmt.Errorf("option %q: %w", optionID, storage.ErrOptionInvalid)
	}

	if existing, err := s.store.GetStakeByKey(ctx, gateID, idempotencyKey); err == nil {
		return existing, nil
	}

	st := &models.Stake{
		ID:             uuid.New().String(),
		GateID:         gateID,
		UserID:         userID,
		OptionID:       optionID,
		Amount:         amount,
		PlacedAt:       s.now(),
		IdempotencyKey: idempotencyKey,
	}

	var evt *models.Event
	err = s.store.Tx(ctx, func(tx storage.Store) error {
		if err := tx.DebitWallet(ctx, gate.TheatreID, userID, amount); err != nil {
			return err
		}
		if err := tx.InsertStake(ctx, st); err != nil {
			return err
		}
		evt = s.newEvent(gate, models.EventStakePlaced, map[string]any{
			"gate_id": gateID, "option_id": optionID, "amount": amount,
		})
		return tx.AppendEvent(ctx, evt)
	})
	if err != nil {
		// A concurrent retry with the same key may have won the race.
		if errors.Is(err, storage.ErrConflict) {
			if existing, lookupErr := s.store.GetStakeByKey(ctx, gateID, idempotencyKey); lookupErr == nil {
				return existing, nil
			}
		}
		return nil, fmt.Errorf("place stake: %w", err)
	}

	s.sink.Deliver(evt)
	metrics.TicketsEscrowed.Add(float64(amount))
	return st, nil
}

// Resolve settles a gate in the closing state: freeze tallies, pick the
// winner, pay out winning stakes, apply the template's consequences as a
// kernel delta, and finalize. Every sub-step is idempotent, so a retry
// after a partial failure completes the resolution without double-paying
// or double-applying.
func (s *Service) Resolve(ctx context.Context, gateID string) (*models.ExplainCard, error) {
	gate, err := s.store.GetGate(ctx, gateID)
	if err != nil {
		return nil, err
	}
	if gate.State != models.GateClosing {
		return nil, fmt.Errorf("gate %s is %s, expected closing: %w", gateID, gate.State, storage.ErrConflict)
	}
	tpl, err := s.template(gate)
	if err != nil {
		return nil, err
	}

	votes, err := s.store.ListVotes(ctx, gateID)
	if err != nil {
		return nil, err
	}
	stakes, err := s.store.ListStakes(ctx, gateID)
	if err != nil {
		return nil, err
	}

	out := decide(tpl, gate.Options, votes, stakes)

	if err := s.settle(ctx, gate, stakes, out); err != nil {
		return nil, err
	}

	consequences := tpl.ConsequencesLose
	if affirmative(gate.Options, out.winner) {
		consequences = tpl.ConsequencesWin
	}
	applied, err := s.applyConsequences(ctx, gate, consequences)
	if err != nil {
		return nil, err
	}

	now := s.now()
	card := &models.ExplainCard{
		Title:               tpl.Title,
		GateID:              gateID,
		WinningOption:       out.winner,
		OptionTally:         out.voteTally,
		StakeTally:          out.stakeTally,
		ConsequencesApplied: applied,
		GeneratedAt:         now,
	}

	var evt *models.Event
	err = s.store.Tx(ctx, func(tx storage.Store) error {
		if err := tx.FinalizeGate(ctx, gateID, out.winner, now); err != nil {
			return err
		}
		cardJSON, err := json.Marshal(card)
		if err != nil {
			return err
		}
		evt = s.newEvent(gate, models.EventGateResolved, map[string]any{
			"gate_id": gateID, "winning_option": out.winner, "explain_card": json.RawMessage(cardJSON),
		})
		return tx.AppendEvent(ctx, evt)
	})
	if err != nil {
		return nil, fmt.Errorf("finalize gate: %w", err)
	}

	s.sink.Deliver(evt)
	metrics.GateTransitions.WithLabelValues(string(models.GateResolved)).Inc()
	slog.Info("Gate resolved",
		"gate_id", gateID, "theatre_id", gate.TheatreID,
		"winning_option", out.winner, "pool", out.totalPool)
	return card, nil
}

// Explain rebuilds the Explain Card for a resolved gate from the stored
// votes and stakes. Tallies are deterministic given the stored rows, so the
// card matches the one emitted at resolution.
func (s *Service) Explain(ctx context.Context, gateID string) (*models.ExplainCard, error) {
	gate, err := s.store.GetGate(ctx, gateID)
	if err != nil {
		return nil, err
	}
	if gate.State != models.GateResolved {
		return nil, fmt.Errorf("gate %s is %s, expected resolved: %w", gateID, gate.State, storage.ErrConflict)
	}
	tpl, err := s.template(gate)
	if err != nil {
		return nil, err
	}
	votes, err := s.store.ListVotes(ctx, gateID)
	if err != nil {
		return nil, err
	}
	stakes, err := s.store.ListStakes(ctx, gateID)
	if err != nil {
		return nil, err
	}
	out := decide(tpl, gate.Options, votes, stakes)

	consequences := tpl.ConsequencesLose
	if affirmative(gate.Options, gate.WinningOption) {
		consequences = tpl.ConsequencesWin
	}

	generatedAt := s.now()
	if gate.SettledAt != nil {
		generatedAt = *gate.SettledAt
	}
	return &models.ExplainCard{
		Title:               tpl.Title,
		GateID:              gateID,
		WinningOption:       gate.WinningOption,
		OptionTally:         out.voteTally,
		StakeTally:          out.stakeTally,
		ConsequencesApplied: describeConsequences(consequences),
		GeneratedAt:         generatedAt,
	}, nil
}

// settle credits winning stakes with their proportional share of the full
// pool. The settlement row's id makes each stake's payout exactly-once;
// losing stakes get a zero-amount settlement marking the forfeit.
func (s *Service) settle(ctx context.Context, gate *models.GateInstance, stakes []*models.Stake, out outcome) error {
	winningPool := out.amountPool[out.winner]
	now := s.now()
	for _, st := range stakes {
		var credit int64
		if st.OptionID == out.winner {
			credit = payout(st.Amount, winningPool, out.totalPool)
		}
		set := &models.Settlement{
			ID:        SettlementID(gate.ID, st.ID),
			GateID:    gate.ID,
			StakeID:   st.ID,
			UserID:    st.UserID,
			Amount:    credit,
			SettledAt: now,
		}
		err := s.store.Tx(ctx, func(tx storage.Store) error {
			if err := tx.InsertSettlement(ctx, set); err != nil {
				return err
			}
			if credit > 0 {
				return tx.CreditWallet(ctx, gate.TheatreID, st.UserID, credit)
			}
			return nil
		})
		if errors.Is(err, storage.ErrConflict) {
			continue // already settled by an earlier attempt
		}
		if err != nil {
			return fmt.Errorf("settle stake %s: %w", st.ID, err)
		}
		if credit > 0 {
			metrics.TicketsSettled.Add(float64(credit))
		}
	}
	return nil
}

// applyConsequences writes the winning outcome's world effects through the
// kernel. The per-gate idempotency key makes retried resolutions no-ops.
func (s *Service) applyConsequences(ctx context.Context, gate *models.GateInstance, consequences []themepack.Consequence) ([]string, error) {
	if len(consequences) == 0 {
		return nil, nil
	}
	req := models.DeltaRequest{
		TheatreID:      gate.TheatreID,
		IdempotencyKey: ResolveKey(gate.ID),
		Cause:          "gate:" + gate.ID,
	}
	for _, c := range consequences {
		if c.VarID != "" {
			req.VarChanges = append(req.VarChanges, models.VarChange{VarID: c.VarID, Delta: c.Delta})
		}
		if c.ThreadID != "" {
			req.ThreadChanges = append(req.ThreadChanges, models.ThreadChange{
				ThreadID: c.ThreadID, Phase: c.Phase, Progress: c.Progress,
			})
		}
	}
	if _, err := s.kernel.ApplyDelta(ctx, req); err != nil {
		return nil, fmt.Errorf("apply gate consequences: %w", err)
	}
	return describeConsequences(consequences), nil
}

// describeConsequences renders the human-readable consequence lines on the
// Explain Card.
func describeConsequences(consequences []themepack.Consequence) []string {
	var lines []string
	for _, c := range consequences {
		if c.VarID != "" {
			lines = append(lines, fmt.Sprintf("%s %+.2f", c.VarID, c.Delta))
		}
		if c.ThreadID != "" {
			lines = append(lines, fmt.Sprintf("%s -> %s", c.ThreadID, c.Phase))
		}
	}
	return lines
}

// Cancel refunds every stake and terminates a gate that has not started
// closing. Safe to retry: refunds are settlement-id idempotent.
func (s *Service) Cancel(ctx context.Context, gateID string) error {
	gate, err := s.store.GetGate(ctx, gateID)
	if err != nil {
		return err
	}
	switch gate.State {
	case models.GateScheduled, models.GateOpen:
		if err := s.store.TransitionGate(ctx, gateID, gate.State, models.GateCancelled); err != nil && !errors.Is(err, storage.ErrConflict) {
			return err
		}
		metrics.GateTransitions.WithLabelValues(string(models.GateCancelled)).Inc()
	case models.GateCancelled:
		// Retried cancel; finish any outstanding refunds below.
	default:
		return fmt.Errorf("gate %s is %s: %w", gateID, gate.State, storage.ErrConflict)
	}

	stakes, err := s.store.ListStakes(ctx, gateID)
	if err != nil {
		return err
	}
	now := s.now()
	for _, st := range stakes {
		set := &models.Settlement{
			ID:        RefundID(gateID, st.ID),
			GateID:    gateID,
			StakeID:   st.ID,
			UserID:    st.UserID,
			Amount:    st.Amount,
			SettledAt: now,
		}
		err := s.store.Tx(ctx, func(tx storage.Store) error {
			if err := tx.InsertSettlement(ctx, set); err != nil {
				return err
			}
			return tx.CreditWallet(ctx, gate.TheatreID, st.UserID, st.Amount)
		})
		if errors.Is(err, storage.ErrConflict) {
			continue
		}
		if err != nil {
			return fmt.Errorf("refund stake %s: %w", st.ID, err)
		}
	}

	evt := s.newEvent(gate, models.EventGateCancelled, map[string]any{"gate_id": gateID})
	if err := s.store.AppendEvent(ctx, evt); err != nil {
		return err
	}
	s.sink.Deliver(evt)
	slog.Info("Gate cancelled", "gate_id", gateID, "refunded_stakes", len(stakes))
	return nil
}

// SettlementID is the idempotency anchor for one stake's payout.
func SettlementID(gateID, stakeID string) string { return "settle:" + gateID + ":" + stakeID }

// RefundID is the idempotency anchor for one stake's cancellation refund.
func RefundID(gateID, stakeID string) string { return "refund:" + gateID + ":" + stakeID }

// ResolveKey is the kernel idempotency key for a gate's consequences.
func ResolveKey(gateID string) string { return "gate_resolve:" + gateID }

func (s *Service) template(gate *models.GateInstance) (*themepack.GateTemplate, error) {
	pack, err := s.packs.GetForTheatre(gate.TheatreID)
	if err != nil {
		return nil, err
	}
	tpl, ok := pack.Gates[gate.TemplateID]
	if !ok {
		return nil, storage.NewValidationError("template_id",
			fmt.Sprintf("gate template %q is not declared by the bound theme pack", gate.TemplateID))
	}
	return tpl, nil
}

// affirmative reports whether the winning option is the gate's first
// declared option, which carries the template's consequences_win; any other
// option carries consequences_lose.
func affirmative(options []models.GateOption, winner string) bool {
	return len(options) > 0 && options[0].ID == winner
}

func hasOption(options []models.GateOption, optionID string) bool {
	for _, o := range options {
		if o.ID == optionID {
			return true
		}
	}
	return false
}

func (s *Service) newEvent(gate *models.GateInstance, kind string, payload map[string]any) *models.Event {
	data, _ := json.Marshal(payload)
	return &models.Event{
		EventID:   uuid.New().String(),
		TheatreID: gate.TheatreID,
		At:        s.now(),
		Kind:      kind,
		Target:    models.EventTarget{TheatreID: gate.TheatreID},
		Payload:   data,
	}
}
