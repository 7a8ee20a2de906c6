// Package cleanup runs the background retention loop: rumor and crew
// action expiry, evidence expiry warnings, and periodic world snapshots.
package cleanup

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/theatreos/theatreos/pkg/crew"
	"github.com/theatreos/theatreos/pkg/events"
	"github.com/theatreos/theatreos/pkg/kernel"
	"github.com/theatreos/theatreos/pkg/metrics"
	"github.com/theatreos/theatreos/pkg/models"
	"github.com/theatreos/theatreos/pkg/rumor"
	"github.com/theatreos/theatreos/pkg/storage"
)

// Service periodically enforces TTL rules across the social engines and
// snapshots each theatre's world state.
//
// All operations are idempotent and safe to run from multiple pods.
type Service struct {
	store  storage.Store
	kernel *kernel.Kernel
	rumors *rumor.Service
	crews  *crew.Service
	sink   events.Sink

	sweepInterval    time.Duration
	snapshotInterval time.Duration
	now              func() time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates a cleanup service. sink may be nil.
func NewService(store storage.Store, k *kernel.Kernel, rumors *rumor.Service, crews *crew.Service, sink events.Sink, sweepInterval, snapshotInterval time.Duration) *Service {
	if sink == nil {
		sink = events.NopSink{}
	}
	return &Service{
		store:            store,
		kernel:           k,
		rumors:           rumors,
		crews:            crews,
		sink:             sink,
		sweepInterval:    sweepInterval,
		snapshotInterval: snapshotInterval,
		now:              time.Now,
	}
}

// SetClock overrides the time source. Test hook.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// Start launches the background loop.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	slog.Info("Cleanup service started",
		"sweep_interval", s.sweepInterval,
		"snapshot_interval", s.snapshotInterval)
}

// Stop signals the loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	slog.Info("Cleanup service stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.Sweep(ctx)

	sweep := time.NewTicker(s.sweepInterval)
	defer sweep.Stop()
	snap := time.NewTicker(s.snapshotInterval)
	defer snap.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sweep.C:
			s.Sweep(ctx)
		case <-snap.C:
			s.SnapshotAll(ctx)
		}
	}
}

// Sweep runs one retention pass.
func (s *Service) Sweep(ctx context.Context) {
	s.expireRumors(ctx)
	s.expireActions(ctx)
	s.warnExpiringEvidence(ctx)
}

func (s *Service) expireRumors(ctx context.Context) {
	count, err := s.rumors.ExpireDue(ctx)
	if err != nil {
		slog.Error("Retention: rumor expiry failed", "error", err)
		return
	}
	if count > 0 {
		metrics.SweeperExpired.WithLabelValues("rumor").Add(float64(count))
		slog.Info("Retention: expired rumors", "count", count)
	}
}

func (s *Service) expireActions(ctx context.Context) {
	count, err := s.crews.ExpireDue(ctx)
	if err != nil {
		slog.Error("Retention: crew action expiry failed", "error", err)
		return
	}
	if count > 0 {
		metrics.SweeperExpired.WithLabelValues("crew_action").Add(float64(count))
		slog.Info("Retention: expired crew actions", "count", count)
	}
}

// warnExpiringEvidence notifies owners of items expiring within the next
// sweep window. Items already past expiry are skipped; they simply stop
// being usable.
func (s *Service) warnExpiringEvidence(ctx context.Context) {
	theatres, err := s.store.ListTheatres(ctx)
	if err != nil {
		slog.Error("Retention: list theatres failed", "error", err)
		return
	}
	now := s.now()
	for _, th := range theatres {
		items, err := s.store.ListExpiringEvidence(ctx, th.ID, now.Add(s.sweepInterval))
		if err != nil {
			slog.Error("Retention: expiring evidence scan failed", "theatre_id", th.ID, "error", err)
			continue
		}
		for _, e := range items {
			if !e.ExpiresAt.After(now) {
				continue
			}
			payload, _ := json.Marshal(map[string]any{
				"evidence_id": e.ID,
				"name":        e.Name,
				"expires_at":  e.ExpiresAt,
			})
			evt := &models.Event{
				EventID:   uuid.New().String(),
				TheatreID: th.ID,
				At:        now,
				Kind:      models.EventEvidenceExpiring,
				Target:    models.EventTarget{UserIDs: []string{e.OwnerID}},
				Payload:   payload,
			}
			if err := s.store.AppendEvent(ctx, evt); err != nil {
				slog.Error("Retention: expiry warning append failed", "evidence_id", e.ID, "error", err)
				continue
			}
			s.sink.Deliver(evt)
			metrics.SweeperExpired.WithLabelValues("evidence_warning").Inc()
		}
	}
}

// SnapshotAll takes a world snapshot of every theatre.
func (s *Service) SnapshotAll(ctx context.Context) {
	theatres, err := s.store.ListTheatres(ctx)
	if err != nil {
		slog.Error("Snapshot: list theatres failed", "error", err)
		return
	}
	for _, th := range theatres {
		if _, err := s.kernel.Snapshot(ctx, th.ID); err != nil {
			slog.Error("Snapshot failed", "theatre_id", th.ID, "error", err)
		}
	}
}
