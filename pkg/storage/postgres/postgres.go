// Package postgres is the production implementation of the storage
// contract, backed by PostgreSQL via sqlx over the pgx driver.
//
// Uniqueness and non-negativity invariants live in the schema (unique
// indexes, CHECK constraints); this package translates the resulting
// driver errors into the storage sentinel errors the engines expect.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"

	"github.com/theatreos/theatreos/pkg/database"
	"github.com/theatreos/theatreos/pkg/models"
	"github.com/theatreos/theatreos/pkg/storage"
)

// PostgreSQL error codes consulted for sentinel translation.
const (
	pgUniqueViolation = "23505"
	pgForeignKey      = "23503"
	pgCheckViolation  = "23514"
)

// Store is the PostgreSQL storage implementation. The zero value is not
// usable; construct with New.
type Store struct {
	db *sqlx.DB
	q  sqlx.ExtContext // db outside transactions, *sqlx.Tx inside
}

var _ storage.Store = (*Store)(nil)

// New creates a store over an open database client.
func New(client *database.Client) *Store {
	return &Store{db: client.DB, q: client.DB}
}

// Tx runs fn against a transaction-scoped store. Nested calls are not
// supported; calling Tx from inside fn returns an error.
func (s *Store) Tx(ctx context.Context, fn func(storage.Store) error) error {
	if _, ok := s.q.(*sqlx.Tx); ok {
		return fmt.Errorf("nested transaction: %w", storage.ErrStorage)
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return wrapErr("begin transaction", err)
	}
	if err := fn(&Store{db: s.db, q: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return wrapErr("commit transaction", err)
	}
	return nil
}

// wrapErr translates driver errors into the storage sentinels. Anything
// unrecognized is tagged as an infrastructure fault.
func wrapErr(what string, err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("%s: %w", what, storage.ErrNotFound)
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%s: %w", what, storage.ErrTimeout)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgUniqueViolation, pgCheckViolation:
			return fmt.Errorf("%s: %w", what, storage.ErrConflict)
		case pgForeignKey:
			return fmt.Errorf("%s: %w", what, storage.ErrNotFound)
		}
	}
	return fmt.Errorf("%s: %v: %w", what, err, storage.ErrStorage)
}

func (s *Store) get(ctx context.Context, dest any, query string, args ...any) error {
	return sqlx.GetContext(ctx, s.q, dest, query, args...)
}

func (s *Store) sel(ctx context.Context, dest any, query string, args ...any) error {
	return sqlx.SelectContext(ctx, s.q, dest, query, args...)
}

func (s *Store) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.q.ExecContext(ctx, query, args...)
}

// mustJSON marshals v for a jsonb column. The entities marshalled here
// contain no unmarshalable types, so failure indicates a programming error.
func mustJSON(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("marshal jsonb column: %v", err))
	}
	return b
}

// jsonOrEmpty returns raw unchanged, or an empty object for nil/empty, so
// NOT NULL jsonb columns never see a literal NULL.
func jsonOrEmpty(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return []byte("{}")
	}
	return raw
}

// --- TheatreStore ---

func (s *Store) CreateTheatre(ctx context.Context, t *models.Theatre) error {
	_, err := s.exec(ctx, `
		INSERT INTO theatres (id, name, city, timezone, bound_theme_pack_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		t.ID, t.Name, t.City, t.Timezone, t.BoundThemePackID, t.CreatedAt)
	return wrapErr("create theatre "+t.ID, err)
}

func (s *Store) GetTheatre(ctx context.Context, id string) (*models.Theatre, error) {
	var t models.Theatre
	err := s.get(ctx, &t, `
		SELECT id, name, city, timezone, bound_theme_pack_id, created_at
		FROM theatres WHERE id = $1`, id)
	if err != nil {
		return nil, wrapErr("theatre "+id, err)
	}
	return &t, nil
}

func (s *Store) ListTheatres(ctx context.Context) ([]*models.Theatre, error) {
	var out []*models.Theatre
	err := s.sel(ctx, &out, `
		SELECT id, name, city, timezone, bound_theme_pack_id, created_at
		FROM theatres ORDER BY created_at, id`)
	if err != nil {
		return nil, wrapErr("list theatres", err)
	}
	return out, nil
}

func (s *Store) SetBoundPack(ctx context.Context, theatreID, packID string) error {
	res, err := s.exec(ctx,
		`UPDATE theatres SET bound_theme_pack_id = $2 WHERE id = $1`,
		theatreID, packID)
	if err != nil {
		return wrapErr("bind pack to theatre "+theatreID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("theatre %s: %w", theatreID, storage.ErrNotFound)
	}
	return nil
}

// --- UserStore ---

func (s *Store) CreateUser(ctx context.Context, u *models.User) error {
	_, err := s.exec(ctx, `
		INSERT INTO users (id, display_name, role, active, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		u.ID, u.DisplayName, u.Role, u.Active, u.CreatedAt)
	return wrapErr("create user "+u.ID, err)
}

func (s *Store) GetUser(ctx context.Context, id string) (*models.User, error) {
	var u models.User
	err := s.get(ctx, &u, `
		SELECT id, display_name, role, active, created_at
		FROM users WHERE id = $1`, id)
	if err != nil {
		return nil, wrapErr("user "+id, err)
	}
	return &u, nil
}

// --- WalletStore ---

func (s *Store) GetWallet(ctx context.Context, theatreID, userID string) (*models.Wallet, error) {
	var w models.Wallet
	err := s.get(ctx, &w, `
		SELECT theatre_id, user_id, ticket_balance
		FROM wallets WHERE theatre_id = $1 AND user_id = $2`,
		theatreID, userID)
	if errors.Is(err, sql.ErrNoRows) {
		// Absent wallet reads as a zero balance.
		return &models.Wallet{UserID: userID, TheatreID: theatreID}, nil
	}
	if err != nil {
		return nil, wrapErr("wallet "+theatreID+"/"+userID, err)
	}
	return &w, nil
}

func (s *Store) CreditWallet(ctx context.Context, theatreID, userID string, amount int64) error {
	if amount < 0 {
		return storage.NewValidationError("amount", "credit must be non-negative")
	}
	_, err := s.exec(ctx, `
		INSERT INTO wallets (theatre_id, user_id, ticket_balance)
		VALUES ($1, $2, $3)
		ON CONFLICT (theatre_id, user_id)
		DO UPDATE SET ticket_balance = wallets.ticket_balance + EXCLUDED.ticket_balance`,
		theatreID, userID, amount)
	return wrapErr("credit wallet "+theatreID+"/"+userID, err)
}

func (s *Store) DebitWallet(ctx context.Context, theatreID, userID string, amount int64) error {
	if amount <= 0 {
		return storage.NewValidationError("amount", "debit must be positive")
	}
	res, err := s.exec(ctx, `
		UPDATE wallets SET ticket_balance = ticket_balance - $3
		WHERE theatre_id = $1 AND user_id = $2 AND ticket_balance >= $3`,
		theatreID, userID, amount)
	if err != nil {
		return wrapErr("debit wallet "+theatreID+"/"+userID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrInsufficientFunds
	}
	return nil
}

// --- StageStore ---

type stageRow struct {
	models.Stage
	TagsJSON json.RawMessage `db:"tags_json"`
}

func (r *stageRow) entity() (*models.Stage, error) {
	st := r.Stage
	if len(r.TagsJSON) > 0 {
		if err := json.Unmarshal(r.TagsJSON, &st.Tags); err != nil {
			return nil, fmt.Errorf("decode stage tags: %v: %w", err, storage.ErrStorage)
		}
	}
	return &st, nil
}

const stageColumns = `id, theatre_id, name, lat, lng, ring_c_m, ring_b_m, ring_a_m,
	tags AS tags_json, created_at`

func (s *Store) CreateStage(ctx context.Context, st *models.Stage) error {
	tags := st.Tags
	if tags == nil {
		tags = []string{}
	}
	_, err := s.exec(ctx, `
		INSERT INTO stages (id, theatre_id, name, lat, lng, ring_c_m, ring_b_m, ring_a_m, tags, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		st.ID, st.TheatreID, st.Name, st.Lat, st.Lng,
		st.RingCM, st.RingBM, st.RingAM, mustJSON(tags), st.CreatedAt)
	return wrapErr("create stage "+st.ID, err)
}

func (s *Store) GetStage(ctx context.Context, id string) (*models.Stage, error) {
	var row stageRow
	err := s.get(ctx, &row, `SELECT `+stageColumns+` FROM stages WHERE id = $1`, id)
	if err != nil {
		return nil, wrapErr("stage "+id, err)
	}
	return row.entity()
}

func (s *Store) ListStages(ctx context.Context, theatreID string) ([]*models.Stage, error) {
	var rows []stageRow
	err := s.sel(ctx, &rows, `
		SELECT `+stageColumns+` FROM stages
		WHERE theatre_id = $1 ORDER BY created_at, id`, theatreID)
	if err != nil {
		return nil, wrapErr("list stages", err)
	}
	out := make([]*models.Stage, 0, len(rows))
	for i := range rows {
		st, err := rows[i].entity()
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

// --- TokenStore ---

func (s *Store) BlacklistToken(ctx context.Context, jti string, expiresAt time.Time) error {
	_, err := s.exec(ctx, `
		INSERT INTO token_blacklist (jti, expires_at) VALUES ($1, $2)
		ON CONFLICT (jti) DO UPDATE SET expires_at = EXCLUDED.expires_at`,
		jti, expiresAt)
	return wrapErr("blacklist token", err)
}

func (s *Store) IsTokenBlacklisted(ctx context.Context, jti string) (bool, error) {
	var exists bool
	err := s.get(ctx, &exists,
		`SELECT EXISTS (SELECT 1 FROM token_blacklist WHERE jti = $1)`, jti)
	if err != nil {
		return false, wrapErr("token blacklist lookup", err)
	}
	return exists, nil
}
