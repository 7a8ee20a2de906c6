package gates

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/theatreos/theatreos/pkg/kernel"
	"github.com/theatreos/theatreos/pkg/models"
	"github.com/theatreos/theatreos/pkg/storage"
	"github.com/theatreos/theatreos/pkg/storage/memory"
	"github.com/theatreos/theatreos/pkg/themepack"
)

type fixture struct {
	svc   *Service
	store storage.Store
	base  time.Time
	clock *time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memory.New()
	packs := themepack.NewRegistry("")
	require.NoError(t, packs.Bind("th1", themepack.DefaultPackID))

	base := time.Date(2026, 3, 14, 20, 0, 0, 0, time.UTC)
	clock := base
	now := func() time.Time { return clock }

	k := kernel.New(store, packs, nil)
	k.SetClock(now)
	svc := NewService(store, packs, k, nil)
	svc.SetClock(now)

	return &fixture{svc: svc, store: store, base: base, clock: &clock}
}

func (f *fixture) insertGate(t *testing.T, state models.GateState) *models.GateInstance {
	t.Helper()
	g := &models.GateInstance{
		ID:         "g1",
		TheatreID:  "th1",
		SlotID:     "slot1",
		TemplateID: "gate_raid_now",
		Options:    []models.GateOption{{ID: "1", Label: "Raid tonight"}, {ID: "2", Label: "Wait for the shipment"}},
		OpenAt:     f.base,
		CloseAt:    f.base.Add(55 * time.Minute),
		ResolveAt:  f.base.Add(60 * time.Minute),
		State:      state,
		CreatedAt:  f.base,
	}
	require.NoError(t, f.store.InsertGate(context.Background(), g))
	return g
}

func (f *fixture) fund(t *testing.T, userID string, amount int64) {
	t.Helper()
	require.NoError(t, f.store.CreditWallet(context.Background(), "th1", userID, amount))
}

func (f *fixture) balance(t *testing.T, userID string) int64 {
	t.Helper()
	w, err := f.store.GetWallet(context.Background(), "th1", userID)
	require.NoError(t, err)
	return w.Balance
}

func TestVote_UpsertAndIdempotency(t *testing.T) {
	f := newFixture(t)
	f.insertGate(t, models.GateOpen)
	ctx := context.Background()

	v1, err := f.svc.Vote(ctx, "g1", "u1", "1", "vk1")
	require.NoError(t, err)

	t.Run("same key replays the original", func(t *testing.T) {
		again, err := f.svc.Vote(ctx, "g1", "u1", "2", "vk1")
		require.NoError(t, err)
		assert.Equal(t, v1.ID, again.ID)
		assert.Equal(t, "1", again.OptionID)
	})

	t.Run("new key supersedes the earlier vote", func(t *testing.T) {
		_, err := f.svc.Vote(ctx, "g1", "u1", "2", "vk2")
		require.NoError(t, err)

		votes, err := f.store.ListVotes(ctx, "g1")
		require.NoError(t, err)
		require.Len(t, votes, 1, "one live vote per (gate, user)")
		assert.Equal(t, "2", votes[0].OptionID)
	})

	t.Run("invalid option", func(t *testing.T) {
		_, err := f.svc.Vote(ctx, "g1", "u1", "9", "vk3")
		require.ErrorIs(t, err, storage.ErrOptionInvalid)
	})
}

func TestStake_DebitAndIdempotency(t *testing.T) {
	f := newFixture(t)
	f.insertGate(t, models.GateOpen)
	f.fund(t, "u3", 150)
	ctx := context.Background()

	st, err := f.svc.Stake(ctx, "g1", "u3", "1", 100, "sk1")
	require.NoError(t, err)
	assert.Equal(t, int64(50), f.balance(t, "u3"))

	t.Run("retry never double-debits", func(t *testing.T) {
		again, err := f.svc.Stake(ctx, "g1", "u3", "1", 100, "sk1")
		require.NoError(t, err)
		assert.Equal(t, st.ID, again.ID)
		assert.Equal(t, int64(50), f.balance(t, "u3"))
	})

	t.Run("insufficient funds leaves wallet untouched", func(t *testing.T) {
		_, err := f.svc.Stake(ctx, "g1", "u3", "1", 100, "sk2")
		require.ErrorIs(t, err, storage.ErrInsufficientFunds)
		assert.Equal(t, int64(50), f.balance(t, "u3"))
	})

	t.Run("non-positive amount", func(t *testing.T) {
		_, err := f.svc.Stake(ctx, "g1", "u3", "1", 0, "sk3")
		require.Error(t, err)
		assert.True(t, storage.IsValidationError(err))
	})
}

func TestGateNotOpen(t *testing.T) {
	f := newFixture(t)
	f.insertGate(t, models.GateClosing)
	f.fund(t, "u1", 100)
	ctx := context.Background()

	_, err := f.svc.Vote(ctx, "g1", "u1", "1", "vk1")
	require.ErrorIs(t, err, storage.ErrGateNotOpen)

	_, err = f.svc.Stake(ctx, "g1", "u1", "1", 50, "sk1")
	require.ErrorIs(t, err, storage.ErrGateNotOpen)
	assert.Equal(t, int64(100), f.balance(t, "u1"))
}

func TestVoteStake_RejectedAtCloseWall(t *testing.T) {
	f := newFixture(t)
	f.insertGate(t, models.GateOpen)
	f.fund(t, "u1", 100)
	ctx := context.Background()

	// One second shy of close_at the gate still takes input.
	*f.clock = f.base.Add(55*time.Minute - time.Second)
	_, err := f.svc.Vote(ctx, "g1", "u1", "1", "vk-early")
	require.NoError(t, err)

	// At close_at the wall holds even though no driver tick has moved the
	// gate out of open yet.
	*f.clock = f.base.Add(55 * time.Minute)
	_, err = f.svc.Vote(ctx, "g1", "u1", "2", "vk-late")
	require.ErrorIs(t, err, storage.ErrGateNotOpen)

	_, err = f.svc.Stake(ctx, "g1", "u1", "1", 50, "sk-late")
	require.ErrorIs(t, err, storage.ErrGateNotOpen)
	assert.Equal(t, int64(100), f.balance(t, "u1"))
}

func TestResolve_CompositeWinnerAndSettlement(t *testing.T) {
	f := newFixture(t)
	f.insertGate(t, models.GateOpen)
	f.fund(t, "u3", 100)
	f.fund(t, "u4", 400)
	ctx := context.Background()

	_, err := f.svc.Vote(ctx, "g1", "u1", "1", "v-u1")
	require.NoError(t, err)
	_, err = f.svc.Vote(ctx, "g1", "u2", "2", "v-u2")
	require.NoError(t, err)
	_, err = f.svc.Stake(ctx, "g1", "u3", "1", 100, "s-u3")
	require.NoError(t, err)
	_, err = f.svc.Stake(ctx, "g1", "u4", "2", 400, "s-u4")
	require.NoError(t, err)

	require.NoError(t, f.store.TransitionGate(ctx, "g1", models.GateOpen, models.GateClosing))

	card, err := f.svc.Resolve(ctx, "g1")
	require.NoError(t, err)

	// Votes split 1:1; stake weights sqrt(100)=10 vs sqrt(400)=20, so the
	// composite 0.5*0.5+0.5*(20/30) carries option 2.
	assert.Equal(t, "2", card.WinningOption)
	assert.Equal(t, map[string]int{"1": 1, "2": 1}, card.OptionTally)
	assert.InDelta(t, 10, card.StakeTally["1"], 1e-9)
	assert.InDelta(t, 20, card.StakeTally["2"], 1e-9)

	// Winner takes the full 500 pool proportionally: 400 * 500/400 = 500.
	assert.Equal(t, int64(500), f.balance(t, "u4"))
	assert.Equal(t, int64(0), f.balance(t, "u3"))

	gate, err := f.store.GetGate(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, models.GateResolved, gate.State)
	assert.Equal(t, "2", gate.WinningOption)
	require.NotNil(t, gate.SettledAt)

	// Option 2 carries consequences_lose: tension -0.05 off the 0.5 default.
	state, err := f.svc.kernel.GetState(ctx, "th1")
	require.NoError(t, err)
	assert.InDelta(t, 0.45, state.Variables["tension"], 1e-9)

	t.Run("re-firing the resolver is a no-op", func(t *testing.T) {
		_, err := f.svc.Resolve(ctx, "g1")
		require.ErrorIs(t, err, storage.ErrConflict)
		assert.Equal(t, int64(500), f.balance(t, "u4"))

		state, err := f.svc.kernel.GetState(ctx, "th1")
		require.NoError(t, err)
		assert.InDelta(t, 0.45, state.Variables["tension"], 1e-9)
	})
}

func TestExplain_RebuildsResolutionCard(t *testing.T) {
	f := newFixture(t)
	f.insertGate(t, models.GateOpen)
	f.fund(t, "u3", 100)
	ctx := context.Background()

	_, err := f.svc.Vote(ctx, "g1", "u1", "2", "v-u1")
	require.NoError(t, err)
	_, err = f.svc.Stake(ctx, "g1", "u3", "2", 100, "s-u3")
	require.NoError(t, err)

	t.Run("unresolved gate has no card", func(t *testing.T) {
		_, err := f.svc.Explain(ctx, "g1")
		require.ErrorIs(t, err, storage.ErrConflict)
	})

	require.NoError(t, f.store.TransitionGate(ctx, "g1", models.GateOpen, models.GateClosing))
	card, err := f.svc.Resolve(ctx, "g1")
	require.NoError(t, err)

	rebuilt, err := f.svc.Explain(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, card.WinningOption, rebuilt.WinningOption)
	assert.Equal(t, card.OptionTally, rebuilt.OptionTally)
	assert.Equal(t, card.StakeTally, rebuilt.StakeTally)
	assert.Equal(t, card.ConsequencesApplied, rebuilt.ConsequencesApplied)
	assert.Equal(t, card.Title, rebuilt.Title)
}

func TestResolve_TicketConservation(t *testing.T) {
	f := newFixture(t)
	f.insertGate(t, models.GateOpen)
	ctx := context.Background()

	// Three winners with uneven amounts force floor rounding.
	staked := map[string]int64{"w1": 7, "w2": 11, "w3": 13, "l1": 60}
	options := map[string]string{"w1": "1", "w2": "1", "w3": "1", "l1": "2"}
	var total int64
	for user, amount := range staked {
		f.fund(t, user, amount)
		_, err := f.svc.Stake(ctx, "g1", user, options[user], amount, "s-"+user)
		require.NoError(t, err)
		total += amount
	}
	// A vote for option 1 so it wins outright.
	_, err := f.svc.Vote(ctx, "g1", "w1", "1", "v-w1")
	require.NoError(t, err)

	require.NoError(t, f.store.TransitionGate(ctx, "g1", models.GateOpen, models.GateClosing))
	card, err := f.svc.Resolve(ctx, "g1")
	require.NoError(t, err)
	require.Equal(t, "1", card.WinningOption)

	var credited int64
	for user := range staked {
		credited += f.balance(t, user)
	}
	assert.LessOrEqual(t, credited, total, "payouts never exceed the escrowed pool")
	assert.InDelta(t, float64(total), float64(credited), 3, "floor rounding loses at most one ticket per winner")
}

func TestResolve_TieBreaks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	t.Run("equal composite falls to stake weight", func(t *testing.T) {
		pack, err := themepack.NewRegistry("").Load(themepack.DefaultPackID, false)
		require.NoError(t, err)
		tpl := pack.Gates["gate_raid_now"]

		// Vote shares 2/3 vs 1/3 against weight shares 1/3 vs 2/3 cancel
		// exactly; the higher stake weight then carries option 2.
		out := decide(tpl,
			[]models.GateOption{{ID: "1"}, {ID: "2"}},
			[]*models.Vote{{OptionID: "1"}, {OptionID: "1"}, {OptionID: "2"}},
			[]*models.Stake{{OptionID: "1", Amount: 100}, {OptionID: "2", Amount: 400}})
		assert.Equal(t, "2", out.winner)
	})

	t.Run("full tie falls to lowest option id", func(t *testing.T) {
		g := f.insertGate(t, models.GateClosing)
		card, err := f.svc.Resolve(ctx, g.ID)
		require.NoError(t, err)
		assert.Equal(t, "1", card.WinningOption)
	})
}

func TestCancel_RefundsStakes(t *testing.T) {
	f := newFixture(t)
	f.insertGate(t, models.GateOpen)
	f.fund(t, "u3", 100)
	f.fund(t, "u4", 400)
	ctx := context.Background()

	_, err := f.svc.Stake(ctx, "g1", "u3", "1", 100, "s-u3")
	require.NoError(t, err)
	_, err = f.svc.Stake(ctx, "g1", "u4", "2", 400, "s-u4")
	require.NoError(t, err)

	require.NoError(t, f.svc.Cancel(ctx, "g1"))
	assert.Equal(t, int64(100), f.balance(t, "u3"))
	assert.Equal(t, int64(400), f.balance(t, "u4"))

	gate, err := f.store.GetGate(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, models.GateCancelled, gate.State)

	t.Run("retried cancel never double-refunds", func(t *testing.T) {
		require.NoError(t, f.svc.Cancel(ctx, "g1"))
		assert.Equal(t, int64(100), f.balance(t, "u3"))
	})

	t.Run("vote and stake after cancel fail closed", func(t *testing.T) {
		_, err := f.svc.Vote(ctx, "g1", "u3", "1", "vk-late")
		require.ErrorIs(t, err, storage.ErrGateNotOpen)
		_, err = f.svc.Stake(ctx, "g1", "u3", "1", 50, "sk-late")
		require.ErrorIs(t, err, storage.ErrGateNotOpen)
		assert.Equal(t, int64(100), f.balance(t, "u3"))
	})

	t.Run("resolved gate cannot be cancelled", func(t *testing.T) {
		g2 := &models.GateInstance{
			ID: "g2", TheatreID: "th1", TemplateID: "gate_raid_now",
			Options: []models.GateOption{{ID: "1"}, {ID: "2"}},
			OpenAt:  f.base, CloseAt: f.base.Add(time.Minute), ResolveAt: f.base.Add(time.Minute),
			State: models.GateResolved, CreatedAt: f.base,
		}
		require.NoError(t, f.store.InsertGate(ctx, g2))
		require.ErrorIs(t, f.svc.Cancel(ctx, "g2"), storage.ErrConflict)
	})
}

func TestDriver_LifecycleTransitions(t *testing.T) {
	f := newFixture(t)
	f.insertGate(t, models.GateScheduled)
	driver := NewDriver(f.svc, time.Second)
	ctx := context.Background()

	getState := func() models.GateState {
		g, err := f.store.GetGate(ctx, "g1")
		require.NoError(t, err)
		return g.State
	}

	// Before open_at nothing moves.
	*f.clock = f.base.Add(-time.Minute)
	driver.Tick(ctx)
	assert.Equal(t, models.GateScheduled, getState())

	*f.clock = f.base
	driver.Tick(ctx)
	assert.Equal(t, models.GateOpen, getState())

	*f.clock = f.base.Add(55 * time.Minute)
	driver.Tick(ctx)
	assert.Equal(t, models.GateClosing, getState())

	*f.clock = f.base.Add(60 * time.Minute)
	driver.Tick(ctx)
	assert.Equal(t, models.GateResolved, getState())

	// A further tick finds nothing due.
	driver.Tick(ctx)
	assert.Equal(t, models.GateResolved, getState())
}

func TestStakeWeightRules(t *testing.T) {
	assert.InDelta(t, 20, stakeWeight(themepack.WeightSqrt, 400), 1e-9)
	assert.InDelta(t, 400, stakeWeight(themepack.WeightLinear, 400), 1e-9)
	assert.Greater(t, stakeWeight(themepack.WeightLog, 400), stakeWeight(themepack.WeightLog, 100))
	assert.Less(t, stakeWeight(themepack.WeightLog, 400), 10.0)
}
