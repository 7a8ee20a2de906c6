package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/theatreos/theatreos/pkg/models"
	"github.com/theatreos/theatreos/pkg/storage"
)

func TestTx_RollsBackOnFailure(t *testing.T) {
	s := New()
	ctx := context.Background()
	base := time.Date(2026, 3, 14, 20, 0, 0, 0, time.UTC)

	require.NoError(t, s.CreditWallet(ctx, "th1", "u1", 100))
	require.NoError(t, s.PutVar(ctx, "th1", "tension", 0.5))
	require.NoError(t, s.InsertGate(ctx, &models.GateInstance{
		ID: "g1", TheatreID: "th1", State: models.GateOpen,
		Options: []models.GateOption{{ID: "1"}}, CreatedAt: base,
	}))

	boom := errors.New("write failed")
	err := s.Tx(ctx, func(tx storage.Store) error {
		require.NoError(t, tx.DebitWallet(ctx, "th1", "u1", 60))
		require.NoError(t, tx.PutVar(ctx, "th1", "tension", 0.9))
		require.NoError(t, tx.TransitionGate(ctx, "g1", models.GateOpen, models.GateClosing))
		require.NoError(t, tx.AppendEvent(ctx, &models.Event{EventID: "e1", TheatreID: "th1", At: base}))
		require.NoError(t, tx.InsertStake(ctx, &models.Stake{
			ID: "st1", GateID: "g1", UserID: "u1", OptionID: "1",
			Amount: 60, IdempotencyKey: "k1", PlacedAt: base,
		}))
		return boom
	})
	require.ErrorIs(t, err, boom)

	w, err := s.GetWallet(ctx, "th1", "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), w.Balance, "the debit rolled back")

	state, err := s.GetWorldState(ctx, "th1")
	require.NoError(t, err)
	assert.Equal(t, 0.5, state.Variables["tension"], "the var write rolled back")

	g, err := s.GetGate(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, models.GateOpen, g.State, "the transition rolled back")

	_, err = s.GetStakeByKey(ctx, "g1", "k1")
	require.ErrorIs(t, err, storage.ErrNotFound, "the insert rolled back")

	evts, err := s.ListEvents(ctx, "th1", time.Time{}, base.Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, evts, "the appended event rolled back")
}

func TestTx_CommitsOnSuccess(t *testing.T) {
	s := New()
	ctx := context.Background()

	err := s.Tx(ctx, func(tx storage.Store) error {
		if err := tx.CreditWallet(ctx, "th1", "u1", 40); err != nil {
			return err
		}
		return tx.PutVar(ctx, "th1", "fog", 0.7)
	})
	require.NoError(t, err)

	w, err := s.GetWallet(ctx, "th1", "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(40), w.Balance)

	state, err := s.GetWorldState(ctx, "th1")
	require.NoError(t, err)
	assert.Equal(t, 0.7, state.Variables["fog"])
}

func TestTx_SnapshotSurvivesLaterWrites(t *testing.T) {
	s := New()
	ctx := context.Background()

	// A failed transaction must not disturb state committed before it,
	// even when both touch the same rows.
	require.NoError(t, s.CreditWallet(ctx, "th1", "u1", 10))
	require.NoError(t, s.Tx(ctx, func(tx storage.Store) error {
		return tx.CreditWallet(ctx, "th1", "u1", 15)
	}))

	boom := errors.New("late failure")
	err := s.Tx(ctx, func(tx storage.Store) error {
		if err := tx.DebitWallet(ctx, "th1", "u1", 25); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	w, err := s.GetWallet(ctx, "th1", "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(25), w.Balance)
}
