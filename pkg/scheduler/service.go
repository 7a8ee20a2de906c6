// Package scheduler generates the hour plan for each upcoming slot: thread
// selection, beat sampling, stage assignment, and gate planning, all
// deterministic for a given world state and slot boundary.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"github.com/theatreos/theatreos/pkg/events"
	"github.com/theatreos/theatreos/pkg/kernel"
	"github.com/theatreos/theatreos/pkg/metrics"
	"github.com/theatreos/theatreos/pkg/models"
	"github.com/theatreos/theatreos/pkg/storage"
	"github.com/theatreos/theatreos/pkg/themepack"
)

// Config tunes the planning pipeline.
type Config struct {
	SlotDuration      time.Duration
	Lookahead         time.Duration
	GateResolveMinute int // minutes into the slot when gates close
	BeatBudget        int // beats per slot
	SupportThreads    int
	VarietyWindow     int // recent plans consulted for variety and staleness
}

// DefaultConfig returns the stock planning parameters.
func DefaultConfig() Config {
	return Config{
		SlotDuration:      time.Hour,
		Lookahead:         3 * time.Hour,
		GateResolveMinute: 55,
		BeatBudget:        3,
		SupportThreads:    2,
		VarietyWindow:     5,
	}
}

// Service is the scheduler engine. Safe for concurrent use; plan generation
// per (theatre, slot) is idempotent through the plan table's uniqueness.
type Service struct {
	store  storage.Store
	packs  *themepack.Registry
	kernel *kernel.Kernel
	sink   events.Sink
	cfg    Config
	now    func() time.Time
}

// NewService creates a scheduler. sink may be nil.
func NewService(store storage.Store, packs *themepack.Registry, k *kernel.Kernel, sink events.Sink, cfg Config) *Service {
	if sink == nil {
		sink = events.NopSink{}
	}
	return &Service{store: store, packs: packs, kernel: k, sink: sink, cfg: cfg, now: time.Now}
}

// SetClock overrides the time source. Test hook.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// SlotStart truncates an instant to its slot boundary.
func (s *Service) SlotStart(t time.Time) time.Time {
	return t.UTC().Truncate(s.cfg.SlotDuration)
}

// GetPlan returns the stored plan for a slot.
func (s *Service) GetPlan(ctx context.Context, theatreID string, slotStart time.Time) (*models.HourPlan, error) {
	return s.store.GetPlan(ctx, theatreID, slotStart)
}

// GeneratePlan produces and stores the plan for one slot, realizing any
// planned gates as scheduled gate instances. Re-generating an already
// planned slot returns the stored plan unchanged.
func (s *Service) GeneratePlan(ctx context.Context, theatreID string, slotStart time.Time) (*models.HourPlan, error) {
	slotStart = slotStart.UTC().Truncate(s.cfg.SlotDuration)

	if existing, err := s.store.GetPlan(ctx, theatreID, slotStart); err == nil {
		return existing, nil
	}

	pack, err := s.packs.GetForTheatre(theatreID)
	if err != nil {
		return nil, err
	}
	state, err := s.kernel.GetState(ctx, theatreID)
	if err != nil {
		return nil, err
	}
	recent, err := s.store.ListRecentPlans(ctx, theatreID, s.cfg.VarietyWindow)
	if err != nil {
		return nil, err
	}
	overrides, err := s.store.ListOverrides(ctx, theatreID, slotStart)
	if err != nil {
		return nil, err
	}
	stages, err := s.store.ListStages(ctx, theatreID)
	if err != nil {
		return nil, err
	}

	in := &planInputs{
		theatreID: theatreID,
		slotStart: slotStart,
		pack:      pack,
		state:     state,
		recent:    recent,
		overrides: overrides,
		stages:    stages,
		rng:       rand.New(rand.NewSource(planSeed(theatreID, slotStart, kernel.StateHash(state)))),
		now:       s.now(),
	}

	plan := buildPlan(in, s.cfg.BeatBudget, s.cfg.SupportThreads, s.cfg.SlotDuration, s.cfg.GateResolveMinute)
	plan.ID = uuid.New().String()

	gates := make([]*models.GateInstance, 0, len(plan.Gates))
	for _, pg := range plan.Gates {
		tpl := pack.Gates[pg.GateTemplateID]
		gates = append(gates, &models.GateInstance{
			ID:         uuid.New().String(),
			TheatreID:  theatreID,
			SlotID:     plan.ID,
			TemplateID: pg.GateTemplateID,
			StageID:    pg.StageID,
			Options:    tpl.Options,
			OpenAt:     pg.OpenAt,
			CloseAt:    pg.CloseAt,
			ResolveAt:  pg.ResolveAt,
			State:      models.GateScheduled,
			CreatedAt:  in.now,
		})
	}

	var evt *models.Event
	err = s.store.Tx(ctx, func(tx storage.Store) error {
		// The per-(theatre, slot) uniqueness makes concurrent generators
		// collapse to one stored plan, gates included.
		if err := tx.InsertPlan(ctx, plan); err != nil {
			return err
		}
		for _, g := range gates {
			if err := tx.InsertGate(ctx, g); err != nil {
				return err
			}
		}
		payload, _ := json.Marshal(map[string]any{
			"plan_id":        plan.ID,
			"slot_start":     slotStart,
			"primary_thread": plan.PrimaryThreadID,
			"beats":          len(plan.Beats),
			"gates":          len(gates),
			"source":         plan.Source,
		})
		evt = &models.Event{
			EventID:   uuid.New().String(),
			TheatreID: theatreID,
			At:        in.now,
			Kind:      models.EventPlanGenerated,
			Target:    models.EventTarget{TheatreID: theatreID},
			Payload:   payload,
		}
		return tx.AppendEvent(ctx, evt)
	})
	if err != nil {
		if errors.Is(err, storage.ErrConflict) {
			if existing, lookupErr := s.store.GetPlan(ctx, theatreID, slotStart); lookupErr == nil {
				return existing, nil
			}
		}
		return nil, fmt.Errorf("store plan: %w", err)
	}

	s.sink.Deliver(evt)
	metrics.PlansGenerated.WithLabelValues(theatreID, string(plan.Source)).Inc()
	slog.Info("Hour plan generated",
		"theatre_id", theatreID, "slot_start", slotStart,
		"primary_thread", plan.PrimaryThreadID, "beats", len(plan.Beats),
		"gates", len(gates), "source", plan.Source)
	return plan, nil
}

// AddOverride records an operator instruction for a future slot after
// validating referenced names against the bound pack.
func (s *Service) AddOverride(ctx context.Context, o *models.Override) error {
	if !o.Kind.IsValid() {
		return storage.NewValidationError("kind", fmt.Sprintf("unknown override kind %q", o.Kind))
	}
	pack, err := s.packs.GetForTheatre(o.TheatreID)
	if err != nil {
		return err
	}
	switch o.Kind {
	case models.OverridePinThread, models.OverrideExcludeThread:
		if _, ok := pack.Threads[o.ThreadID]; !ok {
			return storage.NewValidationError("thread_id",
				fmt.Sprintf("thread %q is not declared by the bound theme pack", o.ThreadID))
		}
	case models.OverrideInjectBeat:
		if _, ok := pack.Beats[o.BeatTemplateID]; !ok {
			return storage.NewValidationError("beat_template_id",
				fmt.Sprintf("beat template %q is not declared by the bound theme pack", o.BeatTemplateID))
		}
	}
	if o.ID == "" {
		o.ID = uuid.New().String()
	}
	o.SlotStart = o.SlotStart.UTC().Truncate(s.cfg.SlotDuration)
	o.CreatedAt = s.now()
	return s.store.InsertOverride(ctx, o)
}
