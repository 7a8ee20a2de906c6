package evidence

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/theatreos/theatreos/pkg/models"
	"github.com/theatreos/theatreos/pkg/storage"
	"github.com/theatreos/theatreos/pkg/storage/memory"
	"github.com/theatreos/theatreos/pkg/themepack"
)

type fixture struct {
	svc   *Service
	store storage.Store
	clock *time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memory.New()
	packs := themepack.NewRegistry("")
	require.NoError(t, packs.Bind("th1", themepack.DefaultPackID))

	base := time.Date(2026, 3, 14, 20, 0, 0, 0, time.UTC)
	clock := &base

	svc := NewService(store, packs, nil)
	svc.SetClock(func() time.Time { return *clock })
	return &fixture{svc: svc, store: store, clock: clock}
}

func TestGrant_TTLFollowsGrade(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cases := []struct {
		typeID string
		ttl    time.Duration
	}{
		{"brass_key", 168 * time.Hour},
		{"manifest_page", 72 * time.Hour},
		{"matchbook", 24 * time.Hour},
	}
	for _, tc := range cases {
		t.Run(tc.typeID, func(t *testing.T) {
			e, err := f.svc.Grant(ctx, "th1", "u1", tc.typeID, "scene_1", "s_dock", nil)
			require.NoError(t, err)
			assert.Equal(t, f.clock.Add(tc.ttl), e.ExpiresAt)
			assert.Equal(t, "u1", e.OwnerID)
			assert.True(t, e.Tradeable)
		})
	}
}

func TestGrant_UndeclaredTypeRejected(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Grant(context.Background(), "th1", "u1", "forged_deed", "", "", nil)
	require.Error(t, err)
	assert.True(t, storage.IsValidationError(err))
}

func TestTransfer_MovesOwnershipWithAudit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	e, err := f.svc.Grant(ctx, "th1", "u1", "manifest_page", "", "", nil)
	require.NoError(t, err)

	got, err := f.svc.Transfer(ctx, e.ID, "u1", "u2")
	require.NoError(t, err)
	assert.Equal(t, "u2", got.OwnerID)

	// The old owner can no longer move it.
	_, err = f.svc.Transfer(ctx, e.ID, "u1", "u3")
	require.ErrorIs(t, err, storage.ErrForbidden)

	mine, err := f.svc.ListByOwner(ctx, "th1", "u2")
	require.NoError(t, err)
	require.Len(t, mine, 1)
}

func TestTransfer_Rejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	t.Run("expired item", func(t *testing.T) {
		e, err := f.svc.Grant(ctx, "th1", "u1", "matchbook", "", "", nil)
		require.NoError(t, err)
		*f.clock = f.clock.Add(25 * time.Hour)
		_, err = f.svc.Transfer(ctx, e.ID, "u1", "u2")
		require.Error(t, err)
		assert.True(t, storage.IsValidationError(err), "acting on a dead item is the caller's mistake")
		*f.clock = f.clock.Add(-25 * time.Hour)
	})

	t.Run("consumed item", func(t *testing.T) {
		e, err := f.svc.Grant(ctx, "th1", "u1", "manifest_page", "", "", nil)
		require.NoError(t, err)
		_, err = f.svc.Consume(ctx, e.ID, "u1")
		require.NoError(t, err)
		_, err = f.svc.Transfer(ctx, e.ID, "u1", "u2")
		require.Error(t, err)
		assert.True(t, storage.IsValidationError(err))
	})

	t.Run("non-tradeable item", func(t *testing.T) {
		e, err := f.svc.Grant(ctx, "th1", "u1", "brass_key", "", "", nil)
		require.NoError(t, err)
		e.Tradeable = false
		require.NoError(t, f.store.UpdateEvidence(ctx, e))
		_, err = f.svc.Transfer(ctx, e.ID, "u1", "u2")
		require.Error(t, err)
		assert.True(t, storage.IsValidationError(err))
	})

	t.Run("transfer to self", func(t *testing.T) {
		e, err := f.svc.Grant(ctx, "th1", "u1", "manifest_page", "", "", nil)
		require.NoError(t, err)
		_, err = f.svc.Transfer(ctx, e.ID, "u1", "u1")
		require.Error(t, err)
		assert.True(t, storage.IsValidationError(err))
	})
}

func TestConsume_IsOneWay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	e, err := f.svc.Grant(ctx, "th1", "u1", "manifest_page", "", "", nil)
	require.NoError(t, err)

	got, err := f.svc.Consume(ctx, e.ID, "u1")
	require.NoError(t, err)
	assert.True(t, got.Consumed)

	_, err = f.svc.Consume(ctx, e.ID, "u1")
	require.Error(t, err)
	assert.True(t, storage.IsValidationError(err))
}

func TestVerify_ChallengeResponse(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	meta, _ := json.Marshal(map[string]string{"secret": "red-lantern"})
	e, err := f.svc.Grant(ctx, "th1", "u1", "brass_key", "", "", meta)
	require.NoError(t, err)

	t.Run("wrong response fails without marking", func(t *testing.T) {
		res, err := f.svc.Verify(ctx, e.ID, "u1", "deadbeef")
		require.NoError(t, err)
		assert.False(t, res.Verified)

		got, err := f.svc.Get(ctx, e.ID)
		require.NoError(t, err)
		assert.False(t, got.Verified)
	})

	t.Run("correct digest verifies", func(t *testing.T) {
		res, err := f.svc.Verify(ctx, e.ID, "u1", ChallengeDigest(e.ID, "red-lantern"))
		require.NoError(t, err)
		assert.True(t, res.Verified)
		assert.Equal(t, 1.0, res.Confidence)

		got, err := f.svc.Get(ctx, e.ID)
		require.NoError(t, err)
		assert.True(t, got.Verified)
	})

	t.Run("no challenge returns grade confidence", func(t *testing.T) {
		c, err := f.svc.Grant(ctx, "th1", "u1", "matchbook", "", "", nil)
		require.NoError(t, err)
		res, err := f.svc.Verify(ctx, c.ID, "u1", "")
		require.NoError(t, err)
		assert.InDelta(t, 0.3, res.Confidence, 1e-9)
	})

	t.Run("item without a secret rejects challenges", func(t *testing.T) {
		c, err := f.svc.Grant(ctx, "th1", "u1", "matchbook", "", "", nil)
		require.NoError(t, err)
		_, err = f.svc.Verify(ctx, c.ID, "u1", "anything")
		require.Error(t, err)
		assert.True(t, storage.IsValidationError(err))
	})
}

func TestGrant_EmitsOwnerTargetedEvent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Grant(ctx, "th1", "u1", "manifest_page", "", "", nil)
	require.NoError(t, err)

	evts, err := f.store.ListEvents(ctx, "th1", time.Time{}, f.clock.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, evts, 1)
	assert.Equal(t, models.EventEvidenceGranted, evts[0].Kind)
	assert.Equal(t, []string{"u1"}, evts[0].Target.UserIDs)
}
