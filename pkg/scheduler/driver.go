package scheduler

import (
	"context"
	"log/slog"
	"time"
)

// Driver keeps every theatre planned ahead: each tick it walks the slots in
// the lookahead window and generates any plan still missing. Generation is
// idempotent, so overlapping drivers on different pods are harmless.
type Driver struct {
	svc      *Service
	interval time.Duration
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewDriver creates a planning driver ticking at the given interval.
func NewDriver(svc *Service, interval time.Duration) *Driver {
	return &Driver{svc: svc, interval: interval}
}

// Start launches the tick loop. The first pass runs immediately so a fresh
// deployment has plans before the first tick elapses.
func (d *Driver) Start(ctx context.Context) {
	ctx, d.cancel = context.WithCancel(ctx)
	d.done = make(chan struct{})

	go func() {
		defer close(d.done)
		ticker := time.NewTicker(d.interval)
		defer ticker.Stop()

		slog.Info("Scheduler driver started",
			"interval", d.interval, "lookahead", d.svc.cfg.Lookahead)
		d.Tick(ctx)
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

// Stop signals the loop to exit and waits for the in-flight pass.
func (d *Driver) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	if d.done != nil {
		<-d.done
	}
	slog.Info("Scheduler driver stopped")
}

// Tick plans every missing slot in the lookahead window for every theatre.
func (d *Driver) Tick(ctx context.Context) {
	theatres, err := d.svc.store.ListTheatres(ctx)
	if err != nil {
		slog.Error("Listing theatres failed", "error", err)
		return
	}

	for _, th := range theatres {
		slot := d.svc.SlotStart(d.svc.now())
		horizon := d.svc.now().Add(d.svc.cfg.Lookahead)
		for !slot.After(horizon) {
			if _, err := d.svc.GeneratePlan(ctx, th.ID, slot); err != nil {
				slog.Error("Plan generation failed",
					"theatre_id", th.ID, "slot_start", slot, "error", err)
			}
			slot = slot.Add(d.svc.cfg.SlotDuration)
		}
	}
}
