package trace

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/theatreos/theatreos/pkg/models"
	"github.com/theatreos/theatreos/pkg/storage"
	"github.com/theatreos/theatreos/pkg/storage/memory"
)

type fixture struct {
	svc   *Service
	store storage.Store
	clock *time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memory.New()
	base := time.Date(2026, 3, 14, 20, 0, 0, 0, time.UTC)
	clock := &base

	svc := NewService(store, nil)
	svc.SetClock(func() time.Time { return *clock })

	ctx := context.Background()
	require.NoError(t, store.CreateStage(ctx, &models.Stage{ID: "s_dock", TheatreID: "th1", Name: "Pier Nine"}))
	return &fixture{svc: svc, store: store, clock: clock}
}

func TestLeave_TTLFollowsType(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cases := []struct {
		typ models.TraceType
		ttl time.Duration
	}{
		{models.TraceFootprint, 24 * time.Hour},
		{models.TraceMark, 72 * time.Hour},
		{models.TraceMessage, 48 * time.Hour},
		{models.TraceOffering, 168 * time.Hour},
	}
	for _, tc := range cases {
		t.Run(string(tc.typ), func(t *testing.T) {
			tr, err := f.svc.Leave(ctx, "th1", "u1", "s_dock", tc.typ, "x", models.VisibilityPublic, 0.5)
			require.NoError(t, err)
			assert.Equal(t, f.clock.Add(tc.ttl), tr.ExpiresAt)
		})
	}
}

func TestLeave_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Leave(ctx, "th1", "u1", "s_dock", "scratch", "x", models.VisibilityPublic, 0.5)
	assert.True(t, storage.IsValidationError(err))

	_, err = f.svc.Leave(ctx, "th1", "u1", "s_dock", models.TraceMark, "x", "everyone", 0.5)
	assert.True(t, storage.IsValidationError(err))

	_, err = f.svc.Leave(ctx, "th1", "u1", "s_dock", models.TraceMark, "x", models.VisibilityPublic, 1.5)
	assert.True(t, storage.IsValidationError(err))

	_, err = f.svc.Leave(ctx, "th1", "u1", "s_ghost", models.TraceMark, "x", models.VisibilityPublic, 0.5)
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestDiscover_ChanceAndOneAttempt(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tr, err := f.svc.Leave(ctx, "th1", "u1", "s_dock", models.TraceMark, "x", models.VisibilityPublic, 0.4)
	require.NoError(t, err)

	t.Run("roll under one minus difficulty succeeds", func(t *testing.T) {
		f.svc.SetRoll(func() float64 { return 0.59 })
		ok, err := f.svc.Discover(ctx, tr.ID, "u2")
		require.NoError(t, err)
		assert.True(t, ok)

		got, err := f.svc.Get(ctx, tr.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, got.DiscoveryCount)
	})

	t.Run("second attempt by the same user conflicts", func(t *testing.T) {
		_, err := f.svc.Discover(ctx, tr.ID, "u2")
		require.ErrorIs(t, err, storage.ErrConflict)
	})

	t.Run("a failed attempt is also spent", func(t *testing.T) {
		f.svc.SetRoll(func() float64 { return 0.61 })
		ok, err := f.svc.Discover(ctx, tr.ID, "u3")
		require.NoError(t, err)
		assert.False(t, ok)

		_, err = f.svc.Discover(ctx, tr.ID, "u3")
		require.ErrorIs(t, err, storage.ErrConflict)
	})

	t.Run("expired trace cannot be discovered", func(t *testing.T) {
		*f.clock = f.clock.Add(73 * time.Hour)
		_, err := f.svc.Discover(ctx, tr.ID, "u4")
		require.ErrorIs(t, err, storage.ErrConflict)
	})
}

func TestDiscover_Visibility(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.svc.SetRoll(func() float64 { return 0 }) // always succeed when allowed

	t.Run("private traces are creator-only", func(t *testing.T) {
		tr, err := f.svc.Leave(ctx, "th1", "u1", "s_dock", models.TraceMessage, "for me", models.VisibilityPrivate, 0.2)
		require.NoError(t, err)

		_, err = f.svc.Discover(ctx, tr.ID, "u2")
		require.ErrorIs(t, err, storage.ErrForbidden)

		ok, err := f.svc.Discover(ctx, tr.ID, "u1")
		require.NoError(t, err)
		assert.True(t, ok, "the creator always finds their own trace")

		got, err := f.svc.Get(ctx, tr.ID)
		require.NoError(t, err)
		assert.Equal(t, 0, got.DiscoveryCount, "the creator shortcut does not count as a discovery")
	})

	t.Run("crew traces need a shared crew", func(t *testing.T) {
		crew := &models.Crew{ID: "c1", TheatreID: "th1", Name: "Dockhands", Tier: 1, CreatedAt: *f.clock}
		require.NoError(t, f.store.InsertCrew(ctx, crew))
		require.NoError(t, f.store.InsertMembership(ctx, &models.Membership{CrewID: "c1", UserID: "u1", Role: models.CrewLeader, JoinedAt: *f.clock}))
		require.NoError(t, f.store.InsertMembership(ctx, &models.Membership{CrewID: "c1", UserID: "u2", Role: models.CrewMember, JoinedAt: *f.clock}))

		tr, err := f.svc.Leave(ctx, "th1", "u1", "s_dock", models.TraceMark, "crew sign", models.VisibilityCrew, 0.2)
		require.NoError(t, err)

		ok, err := f.svc.Discover(ctx, tr.ID, "u2")
		require.NoError(t, err)
		assert.True(t, ok)

		_, err = f.svc.Discover(ctx, tr.ID, "u9")
		require.ErrorIs(t, err, storage.ErrForbidden)
	})
}

func TestDensity_Buckets(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	level := func(t *testing.T) DensityLevel {
		t.Helper()
		d, err := f.svc.Density(ctx, "th1", "s_dock")
		require.NoError(t, err)
		return d
	}

	assert.Equal(t, DensityNone, level(t))

	leave := func(n int) {
		for i := 0; i < n; i++ {
			_, err := f.svc.Leave(ctx, "th1", fmt.Sprintf("u%d", i), "s_dock", models.TraceOffering, "x", models.VisibilityPublic, 0.5)
			require.NoError(t, err)
		}
	}

	leave(2)
	assert.Equal(t, DensityLow, level(t))
	leave(3)
	assert.Equal(t, DensityMedium, level(t))
	leave(5)
	assert.Equal(t, DensityHigh, level(t))
	leave(1)
	assert.Equal(t, DensityVeryHigh, level(t))
}

func TestDensity_IgnoresExpired(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Leave(ctx, "th1", "u1", "s_dock", models.TraceFootprint, "", models.VisibilityPublic, 0.5)
	require.NoError(t, err)

	*f.clock = f.clock.Add(25 * time.Hour)
	d, err := f.svc.Density(ctx, "th1", "s_dock")
	require.NoError(t, err)
	assert.Equal(t, DensityNone, d)
}
