package kernel

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/theatreos/theatreos/pkg/models"
	"github.com/theatreos/theatreos/pkg/storage"
	"github.com/theatreos/theatreos/pkg/storage/memory"
	"github.com/theatreos/theatreos/pkg/themepack"
)

func newTestKernel(t *testing.T) (*Kernel, storage.Store, time.Time) {
	t.Helper()
	store := memory.New()
	packs := themepack.NewRegistry("")
	require.NoError(t, packs.Bind("th1", themepack.DefaultPackID))
	k := New(store, packs, nil)
	base := time.Date(2026, 3, 14, 20, 0, 0, 0, time.UTC)
	k.SetClock(func() time.Time { return base })
	return k, store, base
}

func listAll(t *testing.T, store storage.Store, theatreID string) []*models.Event {
	t.Helper()
	evts, err := store.ListEvents(context.Background(), theatreID,
		time.Time{}, time.Date(2100, 1, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	return evts
}

func TestGetState_PackDefaults(t *testing.T) {
	k, _, _ := newTestKernel(t)

	state, err := k.GetState(context.Background(), "th1")
	require.NoError(t, err)

	assert.Equal(t, 0.5, state.Variables["tension"])
	assert.Equal(t, 0.6, state.Variables["trust"])
	assert.Equal(t, 0.3, state.Variables["fog"])
	assert.Equal(t, "rumors", state.Threads["smuggler_ring"].Phase)
	assert.Equal(t, "opening", state.Threads["lighthouse_debt"].Phase)
	assert.Equal(t, models.HolderLost, state.Objects["the_ledger"])
	assert.Equal(t, models.HolderLost, state.Objects["lamp_lens"])
}

func TestApplyDelta_Idempotent(t *testing.T) {
	k, store, _ := newTestKernel(t)
	ctx := context.Background()

	req := models.DeltaRequest{
		TheatreID:      "th1",
		IdempotencyKey: "k1",
		Cause:          "test",
		VarChanges:     []models.VarChange{{VarID: "tension", Delta: 0.1}},
	}
	first, err := k.ApplyDelta(ctx, req)
	require.NoError(t, err)

	state, err := k.GetState(ctx, "th1")
	require.NoError(t, err)
	assert.InDelta(t, 0.6, state.Variables["tension"], 1e-9)
	assert.Len(t, listAll(t, store, "th1"), 1)

	// Replaying the same key returns the original record, applies nothing,
	// and emits nothing.
	second, err := k.ApplyDelta(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	state, err = k.GetState(ctx, "th1")
	require.NoError(t, err)
	assert.InDelta(t, 0.6, state.Variables["tension"], 1e-9)
	assert.Len(t, listAll(t, store, "th1"), 1)
}

func TestApplyDelta_ChangeBudget(t *testing.T) {
	k, store, _ := newTestKernel(t)
	ctx := context.Background()

	_, err := k.ApplyDelta(ctx, models.DeltaRequest{
		TheatreID: "th1", IdempotencyKey: "k1",
		VarChanges: []models.VarChange{{VarID: "tension", Delta: 0.1}},
	})
	require.NoError(t, err)

	t.Run("over budget is rejected", func(t *testing.T) {
		_, err := k.ApplyDelta(ctx, models.DeltaRequest{
			TheatreID: "th1", IdempotencyKey: "k2",
			VarChanges: []models.VarChange{{VarID: "tension", Delta: 0.2}},
		})
		require.Error(t, err)
		assert.True(t, storage.IsValidationError(err))

		state, err := k.GetState(ctx, "th1")
		require.NoError(t, err)
		assert.InDelta(t, 0.6, state.Variables["tension"], 1e-9)
		assert.Len(t, listAll(t, store, "th1"), 1)
	})

	t.Run("exactly at budget is accepted", func(t *testing.T) {
		_, err := k.ApplyDelta(ctx, models.DeltaRequest{
			TheatreID: "th1", IdempotencyKey: "k3",
			VarChanges: []models.VarChange{{VarID: "tension", Delta: 0.15}},
		})
		require.NoError(t, err)

		state, err := k.GetState(ctx, "th1")
		require.NoError(t, err)
		assert.InDelta(t, 0.75, state.Variables["tension"], 1e-9)
	})

	t.Run("negative over budget is rejected", func(t *testing.T) {
		_, err := k.ApplyDelta(ctx, models.DeltaRequest{
			TheatreID: "th1", IdempotencyKey: "k4",
			VarChanges: []models.VarChange{{VarID: "tension", Delta: -0.151}},
		})
		require.Error(t, err)
		assert.True(t, storage.IsValidationError(err))
	})

	t.Run("stacked changes cannot sidestep the budget", func(t *testing.T) {
		// Each change fits on its own; the net 0.2 move exceeds the 0.15
		// budget and the whole delta must be rejected.
		_, err := k.ApplyDelta(ctx, models.DeltaRequest{
			TheatreID: "th1", IdempotencyKey: "k5",
			VarChanges: []models.VarChange{
				{VarID: "tension", Delta: 0.1},
				{VarID: "tension", Delta: 0.1},
			},
		})
		require.Error(t, err)
		assert.True(t, storage.IsValidationError(err))

		state, err := k.GetState(ctx, "th1")
		require.NoError(t, err)
		assert.InDelta(t, 0.75, state.Variables["tension"], 1e-9)
	})

	t.Run("stacked changes that net out are accepted", func(t *testing.T) {
		_, err := k.ApplyDelta(ctx, models.DeltaRequest{
			TheatreID: "th1", IdempotencyKey: "k6",
			VarChanges: []models.VarChange{
				{VarID: "tension", Delta: 0.1},
				{VarID: "tension", Delta: -0.1},
			},
		})
		require.NoError(t, err)

		state, err := k.GetState(ctx, "th1")
		require.NoError(t, err)
		assert.InDelta(t, 0.75, state.Variables["tension"], 1e-9)
	})
}

func TestApplyDelta_ClampToRange(t *testing.T) {
	k, _, _ := newTestKernel(t)
	ctx := context.Background()

	// fog has budget 0.3; walk it up to the ceiling.
	for i, d := range []float64{0.3, 0.3, 0.3} {
		_, err := k.ApplyDelta(ctx, models.DeltaRequest{
			TheatreID: "th1", IdempotencyKey: "up" + string(rune('a'+i)),
			VarChanges: []models.VarChange{{VarID: "fog", Delta: d}},
		})
		require.NoError(t, err)
	}

	state, err := k.GetState(ctx, "th1")
	require.NoError(t, err)
	assert.Equal(t, 1.0, state.Variables["fog"], "clamped at max")

	_, err = k.ApplyDelta(ctx, models.DeltaRequest{
		TheatreID: "th1", IdempotencyKey: "over",
		VarChanges: []models.VarChange{{VarID: "fog", Delta: 0.3}},
	})
	require.NoError(t, err, "in-budget delta at the ceiling still applies, clamped")

	state, err = k.GetState(ctx, "th1")
	require.NoError(t, err)
	assert.Equal(t, 1.0, state.Variables["fog"])
}

func TestApplyDelta_UndeclaredNames(t *testing.T) {
	k, _, _ := newTestKernel(t)
	ctx := context.Background()

	cases := []struct {
		name string
		req  models.DeltaRequest
	}{
		{"unknown variable", models.DeltaRequest{
			TheatreID: "th1", IdempotencyKey: "v1",
			VarChanges: []models.VarChange{{VarID: "chaos", Delta: 0.1}},
		}},
		{"unknown thread", models.DeltaRequest{
			TheatreID: "th1", IdempotencyKey: "t1",
			ThreadChanges: []models.ThreadChange{{ThreadID: "ghost", Phase: "rumors"}},
		}},
		{"unknown phase", models.DeltaRequest{
			TheatreID: "th1", IdempotencyKey: "t2",
			ThreadChanges: []models.ThreadChange{{ThreadID: "smuggler_ring", Phase: "epilogue"}},
		}},
		{"unknown object", models.DeltaRequest{
			TheatreID: "th1", IdempotencyKey: "o1",
			ObjectChanges: []models.ObjectChange{{ObjectID: "crown", ToHolder: "mara"}},
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := k.ApplyDelta(ctx, tc.req)
			require.Error(t, err)
			assert.True(t, storage.IsValidationError(err))
		})
	}
}

func TestApplyDelta_ThreadProgress(t *testing.T) {
	k, _, base := newTestKernel(t)
	ctx := context.Background()

	progress := 0.4
	_, err := k.ApplyDelta(ctx, models.DeltaRequest{
		TheatreID: "th1", IdempotencyKey: "t1",
		ThreadChanges: []models.ThreadChange{{ThreadID: "smuggler_ring", Phase: "investigation", Progress: &progress}},
	})
	require.NoError(t, err)

	state, err := k.GetState(ctx, "th1")
	require.NoError(t, err)
	th := state.Threads["smuggler_ring"]
	assert.Equal(t, "investigation", th.Phase)
	assert.Equal(t, 0.4, th.Progress)
	assert.Equal(t, base, th.LastAdvancedAt)

	bad := 1.5
	_, err = k.ApplyDelta(ctx, models.DeltaRequest{
		TheatreID: "th1", IdempotencyKey: "t2",
		ThreadChanges: []models.ThreadChange{{ThreadID: "smuggler_ring", Progress: &bad}},
	})
	require.Error(t, err)
	assert.True(t, storage.IsValidationError(err))
}

func TestApplyDelta_ObjectMove(t *testing.T) {
	k, _, _ := newTestKernel(t)
	ctx := context.Background()

	_, err := k.ApplyDelta(ctx, models.DeltaRequest{
		TheatreID: "th1", IdempotencyKey: "m1",
		ObjectChanges: []models.ObjectChange{{ObjectID: "the_ledger", ToHolder: "mara", ExpectedFrom: models.HolderLost}},
	})
	require.NoError(t, err)

	state, err := k.GetState(ctx, "th1")
	require.NoError(t, err)
	assert.Equal(t, "mara", state.Objects["the_ledger"])

	// Stale expectation conflicts and leaves the holder unchanged.
	_, err = k.ApplyDelta(ctx, models.DeltaRequest{
		TheatreID: "th1", IdempotencyKey: "m2",
		ObjectChanges: []models.ObjectChange{{ObjectID: "the_ledger", ToHolder: "keeper_ines", ExpectedFrom: models.HolderLost}},
	})
	require.ErrorIs(t, err, storage.ErrConflict)

	state, err = k.GetState(ctx, "th1")
	require.NoError(t, err)
	assert.Equal(t, "mara", state.Objects["the_ledger"])
}

func TestApplyDelta_NoPartialApplication(t *testing.T) {
	k, store, _ := newTestKernel(t)
	ctx := context.Background()

	// Second change is invalid; the first must not apply either.
	_, err := k.ApplyDelta(ctx, models.DeltaRequest{
		TheatreID: "th1", IdempotencyKey: "mix",
		VarChanges: []models.VarChange{
			{VarID: "tension", Delta: 0.1},
			{VarID: "tension", Delta: 0.2},
		},
	})
	require.Error(t, err)

	state, err := k.GetState(ctx, "th1")
	require.NoError(t, err)
	assert.Equal(t, 0.5, state.Variables["tension"])
	assert.Empty(t, listAll(t, store, "th1"))
}

type captureSink struct{ events []*models.Event }

func (c *captureSink) Deliver(e *models.Event) { c.events = append(c.events, e) }

func TestApplyDelta_EmitsEvents(t *testing.T) {
	store := memory.New()
	packs := themepack.NewRegistry("")
	require.NoError(t, packs.Bind("th1", themepack.DefaultPackID))
	sink := &captureSink{}
	k := New(store, packs, sink)

	progress := 0.2
	_, err := k.ApplyDelta(context.Background(), models.DeltaRequest{
		TheatreID: "th1", IdempotencyKey: "e1",
		VarChanges:    []models.VarChange{{VarID: "trust", Delta: -0.1}},
		ThreadChanges: []models.ThreadChange{{ThreadID: "lighthouse_debt", Phase: "reckoning", Progress: &progress}},
		ObjectChanges: []models.ObjectChange{{ObjectID: "lamp_lens", ToHolder: "keeper_ines"}},
	})
	require.NoError(t, err)

	require.Len(t, sink.events, 3)
	assert.Equal(t, models.EventVarChanged, sink.events[0].Kind)
	assert.Equal(t, models.EventThreadAdvanced, sink.events[1].Kind)
	assert.Equal(t, models.EventObjectMoved, sink.events[2].Kind)
	for _, e := range sink.events {
		assert.Equal(t, "th1", e.TheatreID)
		assert.NotEmpty(t, e.ProducedByDelta)
	}
}

func TestSnapshotAndReplay(t *testing.T) {
	k, _, base := newTestKernel(t)
	ctx := context.Background()

	_, err := k.ApplyDelta(ctx, models.DeltaRequest{
		TheatreID: "th1", IdempotencyKey: "r1",
		VarChanges: []models.VarChange{{VarID: "tension", Delta: 0.1}},
	})
	require.NoError(t, err)

	snap, err := k.Snapshot(ctx, "th1")
	require.NoError(t, err)
	assert.NotEmpty(t, snap.StateHash)
	assert.InDelta(t, 0.6, snap.State.Variables["tension"], 1e-9)

	// More history on top of the snapshot.
	k.SetClock(func() time.Time { return base.Add(time.Hour) })
	progress := 0.9
	_, err = k.ApplyDelta(ctx, models.DeltaRequest{
		TheatreID: "th1", IdempotencyKey: "r2",
		VarChanges:    []models.VarChange{{VarID: "tension", Delta: 0.1}},
		ThreadChanges: []models.ThreadChange{{ThreadID: "smuggler_ring", Phase: "showdown", Progress: &progress}},
		ObjectChanges: []models.ObjectChange{{ObjectID: "the_ledger", ToHolder: "the_collector"}},
	})
	require.NoError(t, err)

	ok, err := k.VerifyReplay(ctx, "th1")
	require.NoError(t, err)
	assert.True(t, ok, "replaying the event log on the snapshot must reproduce current state")

	replayed, err := k.ReplayState(ctx, "th1")
	require.NoError(t, err)
	assert.InDelta(t, 0.7, replayed.Variables["tension"], 1e-9)
	assert.Equal(t, "showdown", replayed.Threads["smuggler_ring"].Phase)
	assert.Equal(t, "the_collector", replayed.Objects["the_ledger"])
}

func TestReplay_WindowFilter(t *testing.T) {
	k, _, base := newTestKernel(t)
	ctx := context.Background()

	for i, at := range []time.Time{base, base.Add(time.Hour), base.Add(2 * time.Hour)} {
		at := at
		k.SetClock(func() time.Time { return at })
		_, err := k.ApplyDelta(ctx, models.DeltaRequest{
			TheatreID: "th1", IdempotencyKey: "w" + string(rune('a'+i)),
			VarChanges: []models.VarChange{{VarID: "fog", Delta: 0.05}},
		})
		require.NoError(t, err)
	}

	evts, err := k.Replay(ctx, "th1", base.Add(30*time.Minute), base.Add(90*time.Minute))
	require.NoError(t, err)
	require.Len(t, evts, 1)
	assert.Equal(t, base.Add(time.Hour), evts[0].At)
}
