// Package kernel owns the authoritative world state per theatre: idempotent
// delta application, snapshots, the append-only event log, and replay.
package kernel

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/theatreos/theatreos/pkg/events"
	"github.com/theatreos/theatreos/pkg/metrics"
	"github.com/theatreos/theatreos/pkg/models"
	"github.com/theatreos/theatreos/pkg/storage"
	"github.com/theatreos/theatreos/pkg/themepack"
)

// Kernel applies deltas atomically and idempotently. Within one theatre,
// application is serialized so the event log order reflects apply order;
// theatres are independent.
type Kernel struct {
	store storage.Store
	packs *themepack.Registry
	sink  events.Sink
	now   func() time.Time

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex // per-theatre apply lock
}

// New creates a kernel. sink may be nil when realtime delivery is not wired.
func New(store storage.Store, packs *themepack.Registry, sink events.Sink) *Kernel {
	if sink == nil {
		sink = events.NopSink{}
	}
	return &Kernel{
		store: store,
		packs: packs,
		sink:  sink,
		now:   time.Now,
		locks: map[string]*sync.Mutex{},
	}
}

// SetClock overrides the kernel's time source. Test hook.
func (k *Kernel) SetClock(now func() time.Time) { k.now = now }

func (k *Kernel) theatreLock(theatreID string) *sync.Mutex {
	k.locksMu.Lock()
	defer k.locksMu.Unlock()
	mu, ok := k.locks[theatreID]
	if !ok {
		mu = &sync.Mutex{}
		k.locks[theatreID] = mu
	}
	return mu
}

// GetState returns the theatre's current world state. Variables, threads,
// and objects the pack declares but no delta has touched yet appear at
// their pack-declared defaults.
func (k *Kernel) GetState(ctx context.Context, theatreID string) (*models.WorldState, error) {
	state, err := k.store.GetWorldState(ctx, theatreID)
	if err != nil {
		return nil, fmt.Errorf("get world state: %w", err)
	}
	pack, err := k.packs.GetForTheatre(theatreID)
	if err != nil {
		return nil, err
	}
	materialize(state, pack, k.now())
	return state, nil
}

// materialize overlays pack defaults for entries absent from stored state.
func materialize(state *models.WorldState, pack *themepack.Pack, now time.Time) {
	vars, phases, holders := pack.DefaultState()
	for id, v := range vars {
		if _, ok := state.Variables[id]; !ok {
			state.Variables[id] = v
		}
	}
	for id, phase := range phases {
		if _, ok := state.Threads[id]; !ok {
			state.Threads[id] = models.ThreadState{Phase: phase, LastAdvancedAt: now}
		}
	}
	for id, holder := range holders {
		if _, ok := state.Objects[id]; !ok {
			state.Objects[id] = holder
		}
	}
}

// ApplyDelta validates and applies a delta atomically. Re-applying the same
// (theatre, idempotency key) returns the original record with no side
// effects and no new events.
func (k *Kernel) ApplyDelta(ctx context.Context, req models.DeltaRequest) (*models.AppliedDelta, error) {
	if req.TheatreID == "" {
		return nil, storage.NewValidationError("theatre_id", "required")
	}
	if req.IdempotencyKey == "" {
		return nil, storage.NewValidationError("idempotency_key", "required")
	}

	mu := k.theatreLock(req.TheatreID)
	mu.Lock()
	defer mu.Unlock()

	// Idempotency replay returns the original result, not an error.
	if existing, err := k.store.GetDeltaByKey(ctx, req.TheatreID, req.IdempotencyKey); err == nil {
		return existing, nil
	}

	pack, err := k.packs.GetForTheatre(req.TheatreID)
	if err != nil {
		return nil, err
	}
	state, err := k.GetState(ctx, req.TheatreID)
	if err != nil {
		return nil, err
	}

	// Validate every change against the pack and current state before
	// writing anything: no partial application is ever observable.
	varWrites, err := validateVarChanges(pack, state, req.VarChanges)
	if err != nil {
		metrics.DeltasRejected.WithLabelValues(req.TheatreID, "var").Inc()
		return nil, err
	}
	threadWrites, err := validateThreadChanges(pack, state, req.ThreadChanges, k.now())
	if err != nil {
		metrics.DeltasRejected.WithLabelValues(req.TheatreID, "thread").Inc()
		return nil, err
	}
	objectWrites, err := validateObjectChanges(pack, state, req.ObjectChanges)
	if err != nil {
		metrics.DeltasRejected.WithLabelValues(req.TheatreID, "object").Inc()
		return nil, err
	}

	now := k.now()
	applied := &models.AppliedDelta{
		ID:             uuid.New().String(),
		TheatreID:      req.TheatreID,
		IdempotencyKey: req.IdempotencyKey,
		Cause:          req.Cause,
		VarChanges:     req.VarChanges,
		ThreadChanges:  req.ThreadChanges,
		ObjectChanges:  req.ObjectChanges,
		AppliedAt:      now,
	}

	var emitted []*models.Event
	err = k.store.Tx(ctx, func(tx storage.Store) error {
		// The unique (theatre, key) constraint is the idempotency backstop
		// under concurrent retries.
		if err := tx.InsertDelta(ctx, applied); err != nil {
			return err
		}
		for _, w := range varWrites {
			if err := tx.PutVar(ctx, req.TheatreID, w.varID, w.value); err != nil {
				return err
			}
			e := k.newEvent(req.TheatreID, models.EventVarChanged, applied.ID, map[string]any{
				"var_id": w.varID, "value": w.value, "delta": w.delta,
			})
			if err := tx.AppendEvent(ctx, e); err != nil {
				return err
			}
			emitted = append(emitted, e)
		}
		for _, w := range threadWrites {
			if err := tx.PutThreadState(ctx, req.TheatreID, w.threadID, w.state); err != nil {
				return err
			}
			e := k.newEvent(req.TheatreID, models.EventThreadAdvanced, applied.ID, map[string]any{
				"thread_id": w.threadID, "phase": w.state.Phase, "progress": w.state.Progress,
			})
			if err := tx.AppendEvent(ctx, e); err != nil {
				return err
			}
			emitted = append(emitted, e)
		}
		for _, w := range objectWrites {
			if err := tx.PutObjectHolder(ctx, req.TheatreID, w.objectID, w.to); err != nil {
				return err
			}
			e := k.newEvent(req.TheatreID, models.EventObjectMoved, applied.ID, map[string]any{
				"object_id": w.objectID, "from": w.from, "to": w.to,
			})
			if err := tx.AppendEvent(ctx, e); err != nil {
				return err
			}
			emitted = append(emitted, e)
		}
		return nil
	})
	if err != nil {
		// A concurrent retry may have won the key race; surface its record.
		if existing, lookupErr := k.store.GetDeltaByKey(ctx, req.TheatreID, req.IdempotencyKey); lookupErr == nil {
			return existing, nil
		}
		return nil, fmt.Errorf("apply delta: %w", err)
	}

	for _, e := range emitted {
		k.sink.Deliver(e)
	}
	metrics.DeltasApplied.WithLabelValues(req.TheatreID).Inc()
	slog.Debug("Delta applied",
		"theatre_id", req.TheatreID, "delta_id", applied.ID,
		"cause", req.Cause, "events", len(emitted))
	return applied, nil
}

func (k *Kernel) newEvent(theatreID, kind, deltaID string, payload map[string]any) *models.Event {
	data, _ := json.Marshal(payload)
	return &models.Event{
		EventID:         uuid.New().String(),
		TheatreID:       theatreID,
		At:              k.now(),
		Kind:            kind,
		Target:          models.EventTarget{TheatreID: theatreID},
		Payload:         data,
		ProducedByDelta: deltaID,
	}
}

type varWrite struct {
	varID string
	value float64
	delta float64
}

// budgetSlack absorbs float addition error so a net move that lands
// exactly on the budget is accepted.
const budgetSlack = 1e-9

func validateVarChanges(pack *themepack.Pack, state *models.WorldState, changes []models.VarChange) ([]varWrite, error) {
	writes := make([]varWrite, 0, len(changes))
	pending := map[string]float64{}
	for _, c := range changes {
		def, ok := pack.Variables[c.VarID]
		if !ok {
			return nil, storage.NewValidationError("var_changes", fmt.Sprintf("variable %q is not declared by the bound theme pack", c.VarID))
		}
		if math.Abs(c.Delta) > def.MaxChangePerHour {
			return nil, storage.NewValidationError("var_changes", fmt.Sprintf(
				"change %v to %q exceeds max_change_per_hour %v", c.Delta, c.VarID, def.MaxChangePerHour))
		}
		cur, ok := pending[c.VarID]
		if !ok {
			cur = state.Variables[c.VarID]
		}
		next := math.Min(math.Max(cur+c.Delta, def.Min), def.Max)
		// The budget caps the net movement of the whole delta, so stacked
		// changes to one variable cannot sidestep it.
		if math.Abs(next-state.Variables[c.VarID]) > def.MaxChangePerHour+budgetSlack {
			return nil, storage.NewValidationError("var_changes", fmt.Sprintf(
				"net change to %q exceeds max_change_per_hour %v", c.VarID, def.MaxChangePerHour))
		}
		pending[c.VarID] = next
		writes = append(writes, varWrite{varID: c.VarID, value: next, delta: c.Delta})
	}
	return writes, nil
}

type threadWrite struct {
	threadID string
	state    models.ThreadState
}

func validateThreadChanges(pack *themepack.Pack, state *models.WorldState, changes []models.ThreadChange, now time.Time) ([]threadWrite, error) {
	writes := make([]threadWrite, 0, len(changes))
	for _, c := range changes {
		thread, ok := pack.Threads[c.ThreadID]
		if !ok {
			return nil, storage.NewValidationError("thread_changes", fmt.Sprintf("thread %q is not declared by the bound theme pack", c.ThreadID))
		}
		cur := state.Threads[c.ThreadID]
		next := cur
		if c.Phase != "" {
			if thread.PhaseByName(c.Phase) == nil {
				return nil, storage.NewValidationError("thread_changes", fmt.Sprintf(
					"phase %q is not declared for thread %q", c.Phase, c.ThreadID))
			}
			next.Phase = c.Phase
		}
		if c.Progress != nil {
			if *c.Progress < 0 || *c.Progress > 1 {
				return nil, storage.NewValidationError("thread_changes", "progress must be in [0,1]")
			}
			next.Progress = *c.Progress
		}
		next.LastAdvancedAt = now
		writes = append(writes, threadWrite{threadID: c.ThreadID, state: next})
	}
	return writes, nil
}

type objectWrite struct {
	objectID string
	from     string
	to       string
}

func validateObjectChanges(pack *themepack.Pack, state *models.WorldState, changes []models.ObjectChange) ([]objectWrite, error) {
	writes := make([]objectWrite, 0, len(changes))
	for _, c := range changes {
		if _, ok := pack.Objects[c.ObjectID]; !ok {
			return nil, storage.NewValidationError("object_changes", fmt.Sprintf("object %q is not declared by the bound theme pack", c.ObjectID))
		}
		if c.ToHolder == "" {
			return nil, storage.NewValidationError("object_changes", "to_holder is required")
		}
		cur, ok := state.Objects[c.ObjectID]
		if !ok {
			cur = models.HolderLost
		}
		if c.ExpectedFrom != "" && cur != c.ExpectedFrom {
			return nil, fmt.Errorf("object %s held by %s, expected %s: %w",
				c.ObjectID, cur, c.ExpectedFrom, storage.ErrConflict)
		}
		writes = append(writes, objectWrite{objectID: c.ObjectID, from: cur, to: c.ToHolder})
	}
	return writes, nil
}
