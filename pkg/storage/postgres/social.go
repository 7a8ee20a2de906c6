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

// --- EvidenceStore ---

const evidenceColumns = `id, theatre_id, owner_id, name, grade, rarity, type,
	source_scene, source_stage, obtained_at, expires_at, verified, tradeable,
	consumed, metadata`

func (s *Store) InsertEvidence(ctx context.Context, e *models.Evidence) error {
	_, err := s.exec(ctx, `
		INSERT INTO evidence (`+evidenceColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		e.ID, e.TheatreID, e.OwnerID, e.Name, e.Grade, e.Rarity, e.Type,
		e.SourceScene, e.SourceStage, e.ObtainedAt, e.ExpiresAt,
		e.Verified, e.Tradeable, e.Consumed, nullableJSON(e.Metadata))
	return wrapErr("insert evidence "+e.ID, err)
}

func (s *Store) GetEvidence(ctx context.Context, id string) (*models.Evidence, error) {
	var e models.Evidence
	err := s.get(ctx, &e, `SELECT `+evidenceColumns+` FROM evidence WHERE id = $1`, id)
	if err != nil {
		return nil, wrapErr("evidence "+id, err)
	}
	return &e, nil
}

func (s *Store) ListEvidenceByOwner(ctx context.Context, theatreID, ownerID string) ([]*models.Evidence, error) {
	var out []*models.Evidence
	err := s.sel(ctx, &out, `
		SELECT `+evidenceColumns+` FROM evidence
		WHERE theatre_id = $1 AND owner_id = $2
		ORDER BY obtained_at, id`, theatreID, ownerID)
	if err != nil {
		return nil, wrapErr("list evidence", err)
	}
	return out, nil
}

func (s *Store) UpdateEvidence(ctx context.Context, e *models.Evidence) error {
	res, err := s.exec(ctx, `
		UPDATE evidence
		SET owner_id = $2, expires_at = $3, verified = $4, tradeable = $5,
			consumed = $6, metadata = $7
		WHERE id = $1`,
		e.ID, e.OwnerID, e.ExpiresAt, e.Verified, e.Tradeable,
		e.Consumed, nullableJSON(e.Metadata))
	if err != nil {
		return wrapErr("update evidence "+e.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("evidence %s: %w", e.ID, storage.ErrNotFound)
	}
	return nil
}

func (s *Store) InsertTransfer(ctx context.Context, t *models.EvidenceTransfer) error {
	_, err := s.exec(ctx, `
		INSERT INTO evidence_transfers (id, evidence_id, from_user_id, to_user_id, at)
		VALUES ($1, $2, $3, $4, $5)`,
		t.ID, t.EvidenceID, t.FromUserID, t.ToUserID, t.At)
	return wrapErr("insert transfer "+t.ID, err)
}

func (s *Store) ListExpiringEvidence(ctx context.Context, theatreID string, before time.Time) ([]*models.Evidence, error) {
	var out []*models.Evidence
	err := s.sel(ctx, &out, `
		SELECT `+evidenceColumns+` FROM evidence
		WHERE theatre_id = $1 AND NOT consumed AND expires_at < $2
		ORDER BY expires_at, id`, theatreID, before)
	if err != nil {
		return nil, wrapErr("list expiring evidence", err)
	}
	return out, nil
}

// nullableJSON passes raw through, mapping empty to NULL for nullable
// jsonb columns.
func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

// --- RumorStore ---

const rumorColumns = `id, theatre_id, author_id, content, target_thread,
	target_character, status, credibility, spread_count, published_at,
	expires_at, created_at`

func (s *Store) InsertRumor(ctx context.Context, r *models.Rumor) error {
	_, err := s.exec(ctx, `
		INSERT INTO rumors (`+rumorColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		r.ID, r.TheatreID, r.AuthorID, r.Content, r.TargetThread,
		r.TargetCharacter, r.Status, r.Credibility, r.SpreadCount,
		r.PublishedAt, r.ExpiresAt, r.CreatedAt)
	return wrapErr("insert rumor "+r.ID, err)
}

func (s *Store) GetRumor(ctx context.Context, id string) (*models.Rumor, error) {
	var r models.Rumor
	err := s.get(ctx, &r, `SELECT `+rumorColumns+` FROM rumors WHERE id = $1`, id)
	if err != nil {
		return nil, wrapErr("rumor "+id, err)
	}
	return &r, nil
}

func (s *Store) UpdateRumor(ctx context.Context, r *models.Rumor) error {
	res, err := s.exec(ctx, `
		UPDATE rumors
		SET status = $2, credibility = $3, spread_count = $4, published_at = $5,
			expires_at = $6
		WHERE id = $1`,
		r.ID, r.Status, r.Credibility, r.SpreadCount, r.PublishedAt, r.ExpiresAt)
	if err != nil {
		return wrapErr("update rumor "+r.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("rumor %s: %w", r.ID, storage.ErrNotFound)
	}
	return nil
}

func (s *Store) ListRumors(ctx context.Context, theatreID string, status models.RumorStatus) ([]*models.Rumor, error) {
	query := `SELECT ` + rumorColumns + ` FROM rumors WHERE theatre_id = $1`
	args := []any{theatreID}
	if status != "" {
		query += ` AND status = $2`
		args = append(args, status)
	}
	query += ` ORDER BY created_at, id`
	var out []*models.Rumor
	if err := s.sel(ctx, &out, query, args...); err != nil {
		return nil, wrapErr("list rumors", err)
	}
	return out, nil
}

func (s *Store) InsertSpread(ctx context.Context, sp *models.Spread) error {
	_, err := s.exec(ctx, `
		INSERT INTO spreads (id, rumor_id, spreader_id, stage_id, at)
		VALUES ($1, $2, $3, $4, $5)`,
		sp.ID, sp.RumorID, sp.SpreaderID, sp.StageID, sp.At)
	return wrapErr("insert spread "+sp.RumorID+"/"+sp.SpreaderID, err)
}

func (s *Store) StageSpreadCounts(ctx context.Context, theatreID string, since time.Time) (map[string]int, error) {
	var rows []struct {
		StageID string `db:"stage_id"`
		N       int    `db:"n"`
	}
	err := s.sel(ctx, &rows, `
		SELECT s.stage_id, COUNT(*) AS n
		FROM spreads s
		JOIN rumors r ON r.id = s.rumor_id
		WHERE r.theatre_id = $1 AND s.stage_id <> '' AND s.at >= $2
		GROUP BY s.stage_id`, theatreID, since)
	if err != nil {
		return nil, wrapErr("stage spread counts", err)
	}
	out := make(map[string]int, len(rows))
	for _, row := range rows {
		out[row.StageID] = row.N
	}
	return out, nil
}

func (s *Store) ExpireRumors(ctx context.Context, now time.Time) (int, error) {
	res, err := s.exec(ctx, `
		UPDATE rumors SET status = 'expired'
		WHERE status IN ('active', 'viral') AND expires_at <= $1`, now)
	if err != nil {
		return 0, wrapErr("expire rumors", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// --- TraceStore ---

const traceColumns = `id, theatre_id, creator_id, stage_id, type, content,
	visibility, discovery_difficulty, created_at, expires_at, discovery_count`

func (s *Store) InsertTrace(ctx context.Context, t *models.Trace) error {
	_, err := s.exec(ctx, `
		INSERT INTO traces (`+traceColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		t.ID, t.TheatreID, t.CreatorID, t.StageID, t.Type, t.Content,
		t.Visibility, t.DiscoveryDifficulty, t.CreatedAt, t.ExpiresAt, t.DiscoveryCount)
	return wrapErr("insert trace "+t.ID, err)
}

func (s *Store) GetTrace(ctx context.Context, id string) (*models.Trace, error) {
	var t models.Trace
	err := s.get(ctx, &t, `SELECT `+traceColumns+` FROM traces WHERE id = $1`, id)
	if err != nil {
		return nil, wrapErr("trace "+id, err)
	}
	return &t, nil
}

func (s *Store) UpdateTrace(ctx context.Context, t *models.Trace) error {
	res, err := s.exec(ctx, `
		UPDATE traces SET expires_at = $2, discovery_count = $3 WHERE id = $1`,
		t.ID, t.ExpiresAt, t.DiscoveryCount)
	if err != nil {
		return wrapErr("update trace "+t.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("trace %s: %w", t.ID, storage.ErrNotFound)
	}
	return nil
}

func (s *Store) ListTracesByStage(ctx context.Context, theatreID, stageID string) ([]*models.Trace, error) {
	var out []*models.Trace
	err := s.sel(ctx, &out, `
		SELECT `+traceColumns+` FROM traces
		WHERE theatre_id = $1 AND stage_id = $2
		ORDER BY created_at, id`, theatreID, stageID)
	if err != nil {
		return nil, wrapErr("list traces", err)
	}
	return out, nil
}

func (s *Store) InsertDiscovery(ctx context.Context, d *models.Discovery) error {
	_, err := s.exec(ctx, `
		INSERT INTO discoveries (id, trace_id, discoverer_id, success, at)
		VALUES ($1, $2, $3, $4, $5)`,
		d.ID, d.TraceID, d.DiscovererID, d.Success, d.At)
	return wrapErr("insert discovery "+d.TraceID+"/"+d.DiscovererID, err)
}

func (s *Store) CountActiveTraces(ctx context.Context, theatreID, stageID string, now time.Time) (int, error) {
	var n int
	err := s.get(ctx, &n, `
		SELECT COUNT(*) FROM traces
		WHERE theatre_id = $1 AND stage_id = $2 AND expires_at > $3`,
		theatreID, stageID, now)
	if err != nil {
		return 0, wrapErr("count active traces", err)
	}
	return n, nil
}

// --- CrewStore ---

const crewColumns = `id, theatre_id, name, tier, reputation, total_contribution, created_at`

func (s *Store) InsertCrew(ctx context.Context, c *models.Crew) error {
	_, err := s.exec(ctx, `
		INSERT INTO crews (`+crewColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		c.ID, c.TheatreID, c.Name, c.Tier, c.Reputation, c.TotalContribution, c.CreatedAt)
	return wrapErr("insert crew "+c.ID, err)
}

func (s *Store) GetCrew(ctx context.Context, id string) (*models.Crew, error) {
	var c models.Crew
	err := s.get(ctx, &c, `SELECT `+crewColumns+` FROM crews WHERE id = $1`, id)
	if err != nil {
		return nil, wrapErr("crew "+id, err)
	}
	return &c, nil
}

func (s *Store) UpdateCrew(ctx context.Context, c *models.Crew) error {
	res, err := s.exec(ctx, `
		UPDATE crews SET name = $2, tier = $3, reputation = $4, total_contribution = $5
		WHERE id = $1`,
		c.ID, c.Name, c.Tier, c.Reputation, c.TotalContribution)
	if err != nil {
		return wrapErr("update crew "+c.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("crew %s: %w", c.ID, storage.ErrNotFound)
	}
	return nil
}

func (s *Store) InsertMembership(ctx context.Context, m *models.Membership) error {
	// The crew supplies the theatre for the one-crew-per-theatre constraint.
	crew, err := s.GetCrew(ctx, m.CrewID)
	if err != nil {
		return err
	}
	_, err = s.exec(ctx, `
		INSERT INTO memberships (crew_id, user_id, theatre_id, role, contribution, joined_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		m.CrewID, m.UserID, crew.TheatreID, m.Role, m.Contribution, m.JoinedAt)
	return wrapErr("insert membership "+m.CrewID+"/"+m.UserID, err)
}

const membershipColumns = `crew_id, user_id, role, contribution, joined_at`

func (s *Store) GetMembership(ctx context.Context, crewID, userID string) (*models.Membership, error) {
	var m models.Membership
	err := s.get(ctx, &m, `
		SELECT `+membershipColumns+` FROM memberships
		WHERE crew_id = $1 AND user_id = $2`, crewID, userID)
	if err != nil {
		return nil, wrapErr("membership "+crewID+"/"+userID, err)
	}
	return &m, nil
}

func (s *Store) GetMembershipByUser(ctx context.Context, theatreID, userID string) (*models.Membership, error) {
	var m models.Membership
	err := s.get(ctx, &m, `
		SELECT `+membershipColumns+` FROM memberships
		WHERE theatre_id = $1 AND user_id = $2`, theatreID, userID)
	if err != nil {
		return nil, wrapErr("membership for "+userID, err)
	}
	return &m, nil
}

func (s *Store) ListMembers(ctx context.Context, crewID string) ([]*models.Membership, error) {
	var out []*models.Membership
	err := s.sel(ctx, &out, `
		SELECT `+membershipColumns+` FROM memberships
		WHERE crew_id = $1 ORDER BY joined_at, user_id`, crewID)
	if err != nil {
		return nil, wrapErr("list members", err)
	}
	return out, nil
}

func (s *Store) UpdateMembership(ctx context.Context, m *models.Membership) error {
	res, err := s.exec(ctx, `
		UPDATE memberships SET role = $3, contribution = $4
		WHERE crew_id = $1 AND user_id = $2`,
		m.CrewID, m.UserID, m.Role, m.Contribution)
	if err != nil {
		return wrapErr("update membership "+m.CrewID+"/"+m.UserID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("membership %s/%s: %w", m.CrewID, m.UserID, storage.ErrNotFound)
	}
	return nil
}

func (s *Store) DeleteMembership(ctx context.Context, crewID, userID string) error {
	res, err := s.exec(ctx,
		`DELETE FROM memberships WHERE crew_id = $1 AND user_id = $2`,
		crewID, userID)
	if err != nil {
		return wrapErr("delete membership "+crewID+"/"+userID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("membership %s/%s: %w", crewID, userID, storage.ErrNotFound)
	}
	return nil
}

type actionRow struct {
	models.CrewAction
	JoinersJSON json.RawMessage `db:"joiners_json"`
}

func (r *actionRow) entity() (*models.CrewAction, error) {
	a := r.CrewAction
	if err := json.Unmarshal(r.JoinersJSON, &a.Joiners); err != nil {
		return nil, fmt.Errorf("decode action joiners: %v: %w", err, storage.ErrStorage)
	}
	return &a, nil
}

const actionColumns = `id, crew_id, theatre_id, type, initiator_id, status,
	quorum, joiners AS joiners_json, deadline, created_at`

func (s *Store) InsertAction(ctx context.Context, a *models.CrewAction) error {
	joiners := a.Joiners
	if joiners == nil {
		joiners = []string{}
	}
	_, err := s.exec(ctx, `
		INSERT INTO crew_actions (id, crew_id, theatre_id, type, initiator_id,
			status, quorum, joiners, deadline, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		a.ID, a.CrewID, a.TheatreID, a.Type, a.InitiatorID,
		a.Status, a.Quorum, mustJSON(joiners), a.Deadline, a.CreatedAt)
	return wrapErr("insert action "+a.ID, err)
}

func (s *Store) GetAction(ctx context.Context, id string) (*models.CrewAction, error) {
	var row actionRow
	err := s.get(ctx, &row, `SELECT `+actionColumns+` FROM crew_actions WHERE id = $1`, id)
	if err != nil {
		return nil, wrapErr("action "+id, err)
	}
	return row.entity()
}

func (s *Store) UpdateAction(ctx context.Context, a *models.CrewAction) error {
	joiners := a.Joiners
	if joiners == nil {
		joiners = []string{}
	}
	res, err := s.exec(ctx, `
		UPDATE crew_actions SET status = $2, joiners = $3 WHERE id = $1`,
		a.ID, a.Status, mustJSON(joiners))
	if err != nil {
		return wrapErr("update action "+a.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("action %s: %w", a.ID, storage.ErrNotFound)
	}
	return nil
}

func (s *Store) ListActionsByStatus(ctx context.Context, status models.ActionStatus) ([]*models.CrewAction, error) {
	var rows []actionRow
	err := s.sel(ctx, &rows, `
		SELECT `+actionColumns+` FROM crew_actions
		WHERE status = $1 ORDER BY created_at, id`, status)
	if err != nil {
		return nil, wrapErr("list actions", err)
	}
	out := make([]*models.CrewAction, 0, len(rows))
	for i := range rows {
		a, err := rows[i].entity()
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

func (s *Store) GetResource(ctx context.Context, crewID, resource string) (*models.SharedResource, error) {
	var r models.SharedResource
	err := s.get(ctx, &r, `
		SELECT crew_id, resource, amount FROM shared_resources
		WHERE crew_id = $1 AND resource = $2`, crewID, resource)
	if errors.Is(err, sql.ErrNoRows) {
		// An untouched pool reads as zero.
		return &models.SharedResource{CrewID: crewID, Resource: resource}, nil
	}
	if err != nil {
		return nil, wrapErr("resource "+crewID+"/"+resource, err)
	}
	return &r, nil
}

func (s *Store) AddResource(ctx context.Context, crewID, resource string, delta int64) error {
	// The amount CHECK turns an overdraw into a conflict.
	_, err := s.exec(ctx, `
		INSERT INTO shared_resources (crew_id, resource, amount)
		VALUES ($1, $2, $3)
		ON CONFLICT (crew_id, resource)
		DO UPDATE SET amount = shared_resources.amount + EXCLUDED.amount`,
		crewID, resource, delta)
	return wrapErr("adjust pool "+crewID+"/"+resource, err)
}
