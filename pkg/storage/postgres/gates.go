package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/theatreos/theatreos/pkg/models"
	"github.com/theatreos/theatreos/pkg/storage"
)

type gateRow struct {
	models.GateInstance
	OptionsJSON json.RawMessage `db:"options_json"`
}

func (r *gateRow) entity() (*models.GateInstance, error) {
	g := r.GateInstance
	if err := json.Unmarshal(r.OptionsJSON, &g.Options); err != nil {
		return nil, fmt.Errorf("decode gate options: %v: %w", err, storage.ErrStorage)
	}
	return &g, nil
}

const gateColumns = `id, theatre_id, slot_id, template_id, stage_id,
	options AS options_json, open_at, close_at, resolve_at, state,
	winning_option, settled_at, created_at`

func (s *Store) InsertGate(ctx context.Context, g *models.GateInstance) error {
	options := g.Options
	if options == nil {
		options = []models.GateOption{}
	}
	_, err := s.exec(ctx, `
		INSERT INTO gate_instances (id, theatre_id, slot_id, template_id, stage_id,
			options, open_at, close_at, resolve_at, state, winning_option, settled_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		g.ID, g.TheatreID, g.SlotID, g.TemplateID, g.StageID,
		mustJSON(options), g.OpenAt, g.CloseAt, g.ResolveAt, g.State,
		g.WinningOption, g.SettledAt, g.CreatedAt)
	return wrapErr("insert gate "+g.ID, err)
}

func (s *Store) GetGate(ctx context.Context, id string) (*models.GateInstance, error) {
	var row gateRow
	err := s.get(ctx, &row, `SELECT `+gateColumns+` FROM gate_instances WHERE id = $1`, id)
	if err != nil {
		return nil, wrapErr("gate "+id, err)
	}
	return row.entity()
}

func (s *Store) ListGatesByTheatre(ctx context.Context, theatreID string, states []models.GateState) ([]*models.GateInstance, error) {
	query := `SELECT ` + gateColumns + ` FROM gate_instances WHERE theatre_id = $1`
	args := []any{theatreID}
	if len(states) > 0 {
		// Expand the state filter inline; states come from code, never input.
		query += ` AND state IN (`
		for i, st := range states {
			if i > 0 {
				query += `, `
			}
			query += fmt.Sprintf("$%d", len(args)+1)
			args = append(args, st)
		}
		query += `)`
	}
	query += ` ORDER BY created_at, id`
	var rows []gateRow
	if err := s.sel(ctx, &rows, query, args...); err != nil {
		return nil, wrapErr("list gates", err)
	}
	return gateEntities(rows)
}

func (s *Store) ListDueGates(ctx context.Context, now time.Time) ([]*models.GateInstance, error) {
	var rows []gateRow
	err := s.sel(ctx, &rows, `
		SELECT `+gateColumns+` FROM gate_instances
		WHERE (state = 'scheduled' AND open_at <= $1)
		   OR (state = 'open' AND close_at <= $1)
		   OR (state = 'closing' AND resolve_at <= $1)
		ORDER BY created_at, id`, now)
	if err != nil {
		return nil, wrapErr("list due gates", err)
	}
	return gateEntities(rows)
}

func gateEntities(rows []gateRow) ([]*models.GateInstance, error) {
	out := make([]*models.GateInstance, 0, len(rows))
	for i := range rows {
		g, err := rows[i].entity()
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, nil
}

func (s *Store) TransitionGate(ctx context.Context, gateID string, from, to models.GateState) error {
	res, err := s.exec(ctx,
		`UPDATE gate_instances SET state = $3 WHERE id = $1 AND state = $2`,
		gateID, from, to)
	if err != nil {
		return wrapErr("transition gate "+gateID, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	return s.gateStateMismatch(ctx, gateID, from)
}

func (s *Store) FinalizeGate(ctx context.Context, gateID, winningOption string, settledAt time.Time) error {
	res, err := s.exec(ctx, `
		UPDATE gate_instances
		SET state = 'resolved', winning_option = $2, settled_at = $3
		WHERE id = $1 AND state = 'closing'`,
		gateID, winningOption, settledAt)
	if err != nil {
		return wrapErr("finalize gate "+gateID, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	return s.gateStateMismatch(ctx, gateID, models.GateClosing)
}

// gateStateMismatch distinguishes a missing gate from a wrong-state gate
// after a guarded update touched no rows.
func (s *Store) gateStateMismatch(ctx context.Context, gateID string, want models.GateState) error {
	var current models.GateState
	err := s.get(ctx, &current, `SELECT state FROM gate_instances WHERE id = $1`, gateID)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("gate %s: %w", gateID, storage.ErrNotFound)
	}
	if err != nil {
		return wrapErr("gate "+gateID, err)
	}
	return fmt.Errorf("gate %s is %s, expected %s: %w", gateID, current, want, storage.ErrConflict)
}

// --- Votes ---

func (s *Store) UpsertVote(ctx context.Context, v *models.Vote) error {
	_, err := s.exec(ctx, `
		INSERT INTO votes (id, gate_id, user_id, option_id, cast_at, idempotency_key)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (gate_id, user_id)
		DO UPDATE SET id = EXCLUDED.id, option_id = EXCLUDED.option_id,
			cast_at = EXCLUDED.cast_at, idempotency_key = EXCLUDED.idempotency_key`,
		v.ID, v.GateID, v.UserID, v.OptionID, v.CastAt, v.IdempotencyKey)
	return wrapErr("upsert vote "+v.GateID+"/"+v.UserID, err)
}

func (s *Store) GetVoteByKey(ctx context.Context, gateID, idempotencyKey string) (*models.Vote, error) {
	var v models.Vote
	err := s.get(ctx, &v, `
		SELECT id, gate_id, user_id, option_id, cast_at, idempotency_key
		FROM votes WHERE gate_id = $1 AND idempotency_key = $2`,
		gateID, idempotencyKey)
	if err != nil {
		return nil, wrapErr("vote key "+idempotencyKey, err)
	}
	return &v, nil
}

func (s *Store) ListVotes(ctx context.Context, gateID string) ([]*models.Vote, error) {
	var out []*models.Vote
	err := s.sel(ctx, &out, `
		SELECT id, gate_id, user_id, option_id, cast_at, idempotency_key
		FROM votes WHERE gate_id = $1 ORDER BY cast_at, user_id`, gateID)
	if err != nil {
		return nil, wrapErr("list votes", err)
	}
	return out, nil
}

// --- Stakes ---

func (s *Store) InsertStake(ctx context.Context, st *models.Stake) error {
	_, err := s.exec(ctx, `
		INSERT INTO stakes (id, gate_id, user_id, option_id, amount, placed_at, idempotency_key)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		st.ID, st.GateID, st.UserID, st.OptionID, st.Amount, st.PlacedAt, st.IdempotencyKey)
	return wrapErr("insert stake "+st.ID, err)
}

func (s *Store) GetStakeByKey(ctx context.Context, gateID, idempotencyKey string) (*models.Stake, error) {
	var st models.Stake
	err := s.get(ctx, &st, `
		SELECT id, gate_id, user_id, option_id, amount, placed_at, idempotency_key
		FROM stakes WHERE gate_id = $1 AND idempotency_key = $2`,
		gateID, idempotencyKey)
	if err != nil {
		return nil, wrapErr("stake key "+idempotencyKey, err)
	}
	return &st, nil
}

func (s *Store) ListStakes(ctx context.Context, gateID string) ([]*models.Stake, error) {
	var out []*models.Stake
	err := s.sel(ctx, &out, `
		SELECT id, gate_id, user_id, option_id, amount, placed_at, idempotency_key
		FROM stakes WHERE gate_id = $1 ORDER BY placed_at, id`, gateID)
	if err != nil {
		return nil, wrapErr("list stakes", err)
	}
	return out, nil
}

// --- Settlements ---

func (s *Store) InsertSettlement(ctx context.Context, set *models.Settlement) error {
	_, err := s.exec(ctx, `
		INSERT INTO settlements (id, gate_id, stake_id, user_id, amount, settled_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		set.ID, set.GateID, set.StakeID, set.UserID, set.Amount, set.SettledAt)
	return wrapErr("insert settlement "+set.ID, err)
}

func (s *Store) GetSettlement(ctx context.Context, id string) (*models.Settlement, error) {
	var set models.Settlement
	err := s.get(ctx, &set, `
		SELECT id, gate_id, stake_id, user_id, amount, settled_at
		FROM settlements WHERE id = $1`, id)
	if err != nil {
		return nil, wrapErr("settlement "+id, err)
	}
	return &set, nil
}
