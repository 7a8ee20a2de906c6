package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/theatreos/theatreos/pkg/models"
	"github.com/theatreos/theatreos/pkg/storage"
)

// --- WorldStore ---

func (s *Store) GetWorldState(ctx context.Context, theatreID string) (*models.WorldState, error) {
	out := &models.WorldState{
		Variables: map[string]float64{},
		Threads:   map[string]models.ThreadState{},
		Objects:   map[string]string{},
	}

	var vars []struct {
		VarID string  `db:"var_id"`
		Value float64 `db:"value"`
	}
	if err := s.sel(ctx, &vars, `
		SELECT var_id, value FROM world_vars WHERE theatre_id = $1`, theatreID); err != nil {
		return nil, wrapErr("world vars", err)
	}
	for _, v := range vars {
		out.Variables[v.VarID] = v.Value
	}

	var threads []struct {
		ThreadID       string    `db:"thread_id"`
		Phase          string    `db:"phase"`
		Progress       float64   `db:"progress"`
		LastAdvancedAt time.Time `db:"last_advanced_at"`
	}
	if err := s.sel(ctx, &threads, `
		SELECT thread_id, phase, progress, last_advanced_at
		FROM world_threads WHERE theatre_id = $1`, theatreID); err != nil {
		return nil, wrapErr("world threads", err)
	}
	for _, t := range threads {
		out.Threads[t.ThreadID] = models.ThreadState{
			Phase:          t.Phase,
			Progress:       t.Progress,
			LastAdvancedAt: t.LastAdvancedAt,
		}
	}

	var objects []struct {
		ObjectID string `db:"object_id"`
		Holder   string `db:"holder"`
	}
	if err := s.sel(ctx, &objects, `
		SELECT object_id, holder FROM world_objects WHERE theatre_id = $1`, theatreID); err != nil {
		return nil, wrapErr("world objects", err)
	}
	for _, o := range objects {
		out.Objects[o.ObjectID] = o.Holder
	}
	return out, nil
}

func (s *Store) PutVar(ctx context.Context, theatreID, varID string, value float64) error {
	_, err := s.exec(ctx, `
		INSERT INTO world_vars (theatre_id, var_id, value) VALUES ($1, $2, $3)
		ON CONFLICT (theatre_id, var_id) DO UPDATE SET value = EXCLUDED.value`,
		theatreID, varID, value)
	return wrapErr("put var "+varID, err)
}

func (s *Store) PutThreadState(ctx context.Context, theatreID, threadID string, st models.ThreadState) error {
	_, err := s.exec(ctx, `
		INSERT INTO world_threads (theatre_id, thread_id, phase, progress, last_advanced_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (theatre_id, thread_id)
		DO UPDATE SET phase = EXCLUDED.phase, progress = EXCLUDED.progress,
			last_advanced_at = EXCLUDED.last_advanced_at`,
		theatreID, threadID, st.Phase, st.Progress, st.LastAdvancedAt)
	return wrapErr("put thread "+threadID, err)
}

func (s *Store) PutObjectHolder(ctx context.Context, theatreID, objectID, holder string) error {
	_, err := s.exec(ctx, `
		INSERT INTO world_objects (theatre_id, object_id, holder) VALUES ($1, $2, $3)
		ON CONFLICT (theatre_id, object_id) DO UPDATE SET holder = EXCLUDED.holder`,
		theatreID, objectID, holder)
	return wrapErr("put object "+objectID, err)
}

// deltaChanges is the jsonb shape of an applied delta's change set.
type deltaChanges struct {
	VarChanges    []models.VarChange    `json:"var_changes,omitempty"`
	ThreadChanges []models.ThreadChange `json:"thread_changes,omitempty"`
	ObjectChanges []models.ObjectChange `json:"object_changes,omitempty"`
}

type deltaRow struct {
	models.AppliedDelta
	ChangesJSON json.RawMessage `db:"changes_json"`
}

func (r *deltaRow) entity() (*models.AppliedDelta, error) {
	d := r.AppliedDelta
	var ch deltaChanges
	if err := json.Unmarshal(r.ChangesJSON, &ch); err != nil {
		return nil, fmt.Errorf("decode delta changes: %v: %w", err, storage.ErrStorage)
	}
	d.VarChanges = ch.VarChanges
	d.ThreadChanges = ch.ThreadChanges
	d.ObjectChanges = ch.ObjectChanges
	return &d, nil
}

func (s *Store) GetDeltaByKey(ctx context.Context, theatreID, idempotencyKey string) (*models.AppliedDelta, error) {
	var row deltaRow
	err := s.get(ctx, &row, `
		SELECT id, theatre_id, idempotency_key, cause, changes AS changes_json, applied_at
		FROM applied_deltas WHERE theatre_id = $1 AND idempotency_key = $2`,
		theatreID, idempotencyKey)
	if err != nil {
		return nil, wrapErr("delta "+theatreID+"/"+idempotencyKey, err)
	}
	return row.entity()
}

func (s *Store) InsertDelta(ctx context.Context, d *models.AppliedDelta) error {
	changes := mustJSON(deltaChanges{
		VarChanges:    d.VarChanges,
		ThreadChanges: d.ThreadChanges,
		ObjectChanges: d.ObjectChanges,
	})
	_, err := s.exec(ctx, `
		INSERT INTO applied_deltas (id, theatre_id, idempotency_key, cause, changes, applied_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		d.ID, d.TheatreID, d.IdempotencyKey, d.Cause, changes, d.AppliedAt)
	return wrapErr("insert delta key "+d.IdempotencyKey, err)
}

type snapshotRow struct {
	models.Snapshot
	StateJSON json.RawMessage `db:"state_json"`
}

func (s *Store) InsertSnapshot(ctx context.Context, snap *models.Snapshot) error {
	_, err := s.exec(ctx, `
		INSERT INTO snapshots (id, theatre_id, taken_at, state_hash, state)
		VALUES ($1, $2, $3, $4, $5)`,
		snap.ID, snap.TheatreID, snap.TakenAt, snap.StateHash, mustJSON(snap.State))
	return wrapErr("insert snapshot "+snap.ID, err)
}

func (s *Store) LatestSnapshot(ctx context.Context, theatreID string) (*models.Snapshot, error) {
	var row snapshotRow
	err := s.get(ctx, &row, `
		SELECT id, theatre_id, taken_at, state_hash, state AS state_json
		FROM snapshots WHERE theatre_id = $1
		ORDER BY taken_at DESC, id DESC LIMIT 1`, theatreID)
	if err != nil {
		return nil, wrapErr("snapshot for "+theatreID, err)
	}
	snap := row.Snapshot
	if err := json.Unmarshal(row.StateJSON, &snap.State); err != nil {
		return nil, fmt.Errorf("decode snapshot state: %v: %w", err, storage.ErrStorage)
	}
	return &snap, nil
}

// --- EventStore ---

type eventRow struct {
	models.Event
	TargetJSON json.RawMessage `db:"target_json"`
}

func (r *eventRow) entity() (*models.Event, error) {
	e := r.Event
	if err := json.Unmarshal(r.TargetJSON, &e.Target); err != nil {
		return nil, fmt.Errorf("decode event target: %v: %w", err, storage.ErrStorage)
	}
	return &e, nil
}

const eventColumns = `id, event_id, theatre_id, at, kind, target AS target_json,
	payload, produced_by_delta`

func (s *Store) AppendEvent(ctx context.Context, e *models.Event) error {
	// RETURNING id hands back the log sequence assigned by the database.
	row := s.q.QueryRowxContext(ctx, `
		INSERT INTO events (event_id, theatre_id, at, kind, target, payload, produced_by_delta)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`,
		e.EventID, e.TheatreID, e.At, e.Kind,
		mustJSON(e.Target), jsonOrEmpty(e.Payload), e.ProducedByDelta)
	if err := row.Scan(&e.ID); err != nil {
		return wrapErr("append event "+e.EventID, err)
	}
	return nil
}

func (s *Store) ListEvents(ctx context.Context, theatreID string, from, to time.Time) ([]*models.Event, error) {
	var rows []eventRow
	err := s.sel(ctx, &rows, `
		SELECT `+eventColumns+` FROM events
		WHERE theatre_id = $1 AND at >= $2 AND at <= $3
		ORDER BY id`, theatreID, from, to)
	if err != nil {
		return nil, wrapErr("list events", err)
	}
	return eventEntities(rows)
}

func (s *Store) ListEventsSince(ctx context.Context, theatreID string, sinceSeq int64, limit int) ([]*models.Event, error) {
	query := `SELECT ` + eventColumns + ` FROM events
		WHERE theatre_id = $1 AND id > $2 ORDER BY id`
	args := []any{theatreID, sinceSeq}
	if limit > 0 {
		query += ` LIMIT $3`
		args = append(args, limit)
	}
	var rows []eventRow
	if err := s.sel(ctx, &rows, query, args...); err != nil {
		return nil, wrapErr("list events since", err)
	}
	return eventEntities(rows)
}

func eventEntities(rows []eventRow) ([]*models.Event, error) {
	out := make([]*models.Event, 0, len(rows))
	for i := range rows {
		e, err := rows[i].entity()
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// --- PlanStore ---

type planRow struct {
	models.HourPlan
	SupportJSON json.RawMessage `db:"support_json"`
	BeatsJSON   json.RawMessage `db:"beats_json"`
	GatesJSON   json.RawMessage `db:"gates_json"`
}

func (r *planRow) entity() (*models.HourPlan, error) {
	p := r.HourPlan
	for _, part := range []struct {
		raw  json.RawMessage
		dest any
	}{
		{r.SupportJSON, &p.SupportThreadIDs},
		{r.BeatsJSON, &p.Beats},
		{r.GatesJSON, &p.Gates},
	} {
		if len(part.raw) == 0 {
			continue
		}
		if err := json.Unmarshal(part.raw, part.dest); err != nil {
			return nil, fmt.Errorf("decode plan: %v: %w", err, storage.ErrStorage)
		}
	}
	return &p, nil
}

const planColumns = `id, theatre_id, slot_start, primary_thread_id,
	support_thread_ids AS support_json, beats AS beats_json, gates AS gates_json,
	note, generated_at, source`

func (s *Store) InsertPlan(ctx context.Context, p *models.HourPlan) error {
	support := p.SupportThreadIDs
	if support == nil {
		support = []string{}
	}
	beats := p.Beats
	if beats == nil {
		beats = []models.PlannedBeat{}
	}
	gates := p.Gates
	if gates == nil {
		gates = []models.PlannedGate{}
	}
	_, err := s.exec(ctx, `
		INSERT INTO hour_plans (id, theatre_id, slot_start, primary_thread_id,
			support_thread_ids, beats, gates, note, generated_at, source)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		p.ID, p.TheatreID, p.SlotStart, p.PrimaryThreadID,
		mustJSON(support), mustJSON(beats), mustJSON(gates),
		p.Note, p.GeneratedAt, p.Source)
	return wrapErr(fmt.Sprintf("insert plan for slot %s", p.SlotStart), err)
}

func (s *Store) GetPlan(ctx context.Context, theatreID string, slotStart time.Time) (*models.HourPlan, error) {
	var row planRow
	err := s.get(ctx, &row, `
		SELECT `+planColumns+` FROM hour_plans
		WHERE theatre_id = $1 AND slot_start = $2`, theatreID, slotStart)
	if err != nil {
		return nil, wrapErr(fmt.Sprintf("plan for slot %s", slotStart), err)
	}
	return row.entity()
}

func (s *Store) ListRecentPlans(ctx context.Context, theatreID string, n int) ([]*models.HourPlan, error) {
	query := `SELECT ` + planColumns + ` FROM hour_plans
		WHERE theatre_id = $1 ORDER BY slot_start DESC`
	args := []any{theatreID}
	if n > 0 {
		query += ` LIMIT $2`
		args = append(args, n)
	}
	var rows []planRow
	if err := s.sel(ctx, &rows, query, args...); err != nil {
		return nil, wrapErr("list recent plans", err)
	}
	out := make([]*models.HourPlan, 0, len(rows))
	for i := range rows {
		p, err := rows[i].entity()
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func (s *Store) InsertOverride(ctx context.Context, o *models.Override) error {
	_, err := s.exec(ctx, `
		INSERT INTO overrides (id, theatre_id, slot_start, kind, thread_id,
			beat_template_id, created_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		o.ID, o.TheatreID, o.SlotStart, o.Kind, o.ThreadID,
		o.BeatTemplateID, o.CreatedBy, o.CreatedAt)
	return wrapErr("insert override "+o.ID, err)
}

func (s *Store) ListOverrides(ctx context.Context, theatreID string, slotStart time.Time) ([]*models.Override, error) {
	var out []*models.Override
	err := s.sel(ctx, &out, `
		SELECT id, theatre_id, slot_start, kind, thread_id, beat_template_id,
			created_by, created_at
		FROM overrides WHERE theatre_id = $1 AND slot_start = $2
		ORDER BY created_at, id`, theatreID, slotStart)
	if err != nil {
		return nil, wrapErr("list overrides", err)
	}
	return out, nil
}
