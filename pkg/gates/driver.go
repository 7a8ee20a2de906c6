package gates

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/theatreos/theatreos/pkg/metrics"
	"github.com/theatreos/theatreos/pkg/models"
	"github.com/theatreos/theatreos/pkg/storage"
)

// Driver advances gate lifecycles on a fixed tick: scheduled gates open at
// open_at, open gates stop accepting input at close_at, closing gates
// resolve at resolve_at. Transitions are compare-and-swap, so concurrent
// drivers (multiple pods) race harmlessly; the loser logs and moves on.
type Driver struct {
	svc      *Service
	interval time.Duration
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewDriver creates a lifecycle driver ticking at the given interval.
func NewDriver(svc *Service, interval time.Duration) *Driver {
	return &Driver{svc: svc, interval: interval}
}

// Start launches the tick loop.
func (d *Driver) Start(ctx context.Context) {
	ctx, d.cancel = context.WithCancel(ctx)
	d.done = make(chan struct{})

	go func() {
		defer close(d.done)
		ticker := time.NewTicker(d.interval)
		defer ticker.Stop()

		slog.Info("Gate driver started", "interval", d.interval)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				d.Tick(ctx)
			}
		}
	}()
}

// Stop signals the loop to exit and waits for the in-flight tick.
func (d *Driver) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	if d.done != nil {
		<-d.done
	}
	slog.Info("Gate driver stopped")
}

// Tick advances every gate whose next time boundary has passed. Exported
// so tests and operator tooling can step the lifecycle without the ticker.
func (d *Driver) Tick(ctx context.Context) {
	due, err := d.svc.store.ListDueGates(ctx, d.svc.now())
	if err != nil {
		slog.Error("Listing due gates failed", "error", err)
		return
	}
	for _, gate := range due {
		if err := d.advance(ctx, gate); err != nil {
			if errors.Is(err, storage.ErrConflict) {
				continue // another driver won the transition
			}
			slog.Error("Gate transition failed",
				"gate_id", gate.ID, "state", gate.State, "error", err)
		}
	}
}

func (d *Driver) advance(ctx context.Context, gate *models.GateInstance) error {
	switch gate.State {
	case models.GateScheduled:
		if err := d.svc.store.TransitionGate(ctx, gate.ID, models.GateScheduled, models.GateOpen); err != nil {
			return err
		}
		metrics.GateTransitions.WithLabelValues(string(models.GateOpen)).Inc()
		return d.announce(ctx, gate, models.EventGateOpened)

	case models.GateOpen:
		if err := d.svc.store.TransitionGate(ctx, gate.ID, models.GateOpen, models.GateClosing); err != nil {
			return err
		}
		metrics.GateTransitions.WithLabelValues(string(models.GateClosing)).Inc()
		return d.announce(ctx, gate, models.EventGateClosing)

	case models.GateClosing:
		_, err := d.svc.Resolve(ctx, gate.ID)
		return err
	}
	return nil
}

func (d *Driver) announce(ctx context.Context, gate *models.GateInstance, kind string) error {
	payload, _ := json.Marshal(map[string]any{
		"gate_id":    gate.ID,
		"options":    gate.Options,
		"close_at":   gate.CloseAt,
		"resolve_at": gate.ResolveAt,
	})
	evt := &models.Event{
		EventID:   uuid.New().String(),
		TheatreID: gate.TheatreID,
		At:        d.svc.now(),
		Kind:      kind,
		Target:    models.EventTarget{TheatreID: gate.TheatreID},
		Payload:   payload,
	}
	if err := d.svc.store.AppendEvent(ctx, evt); err != nil {
		return err
	}
	d.svc.sink.Deliver(evt)
	return nil
}
