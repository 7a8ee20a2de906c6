package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/theatreos/theatreos/pkg/auth"
	"github.com/theatreos/theatreos/pkg/crew"
	"github.com/theatreos/theatreos/pkg/events"
	"github.com/theatreos/theatreos/pkg/evidence"
	"github.com/theatreos/theatreos/pkg/gates"
	"github.com/theatreos/theatreos/pkg/kernel"
	"github.com/theatreos/theatreos/pkg/models"
	"github.com/theatreos/theatreos/pkg/rumor"
	"github.com/theatreos/theatreos/pkg/scheduler"
	"github.com/theatreos/theatreos/pkg/storage/memory"
	"github.com/theatreos/theatreos/pkg/themepack"
	"github.com/theatreos/theatreos/pkg/trace"
)

type fixture struct {
	srv   *Server
	store *memory.Store
	auth  *auth.Manager
	packs *themepack.Registry
	h     http.Handler
}

func newFixture(t *testing.T, debug bool) *fixture {
	t.Helper()
	store := memory.New()
	packs := themepack.NewRegistry("")
	mgr := auth.NewManager("test-secret", time.Hour, store)
	k := kernel.New(store, packs, nil)

	srv := NewServer(Options{
		Store:     store,
		Packs:     packs,
		Auth:      mgr,
		Kernel:    k,
		Scheduler: scheduler.NewService(store, packs, k, nil, scheduler.DefaultConfig()),
		Gates:     gates.NewService(store, packs, k, nil),
		Evidence:  evidence.NewService(store, packs, nil),
		Rumors:    rumor.NewService(store, packs, nil),
		Traces:    trace.NewService(store, nil),
		Crews:     crew.NewService(store, nil),
		Manager:   events.NewConnectionManager(nil, time.Second),
		Debug:     debug,
	})
	return &fixture{srv: srv, store: store, auth: mgr, packs: packs, h: srv.Router()}
}

func (f *fixture) token(t *testing.T, userID string, role models.Role) string {
	t.Helper()
	tok, err := f.auth.Sign(userID, role)
	require.NoError(t, err)
	return tok
}

func (f *fixture) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

func TestAuthRequired(t *testing.T) {
	f := newFixture(t, false)

	rec := f.do(t, http.MethodGet, "/api/v1/theatres", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/v1/theatres", "not-a-token", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/v1/theatres", f.token(t, "u1", models.RolePlayer), nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRoleGate(t *testing.T) {
	f := newFixture(t, false)
	body := map[string]any{"name": "Harborfront"}

	rec := f.do(t, http.MethodPost, "/api/v1/theatres", f.token(t, "u1", models.RolePlayer), body)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/theatres", f.token(t, "op", models.RoleOperator), body)
	assert.Equal(t, http.StatusCreated, rec.Code)
}

func TestMintToken_DebugOnly(t *testing.T) {
	debug := newFixture(t, true)
	rec := debug.do(t, http.MethodPost, "/auth/token", "", map[string]any{"user_id": "u1"})
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[mintTokenResponse](t, rec)
	assert.NotEmpty(t, resp.Token)

	prod := newFixture(t, false)
	rec = prod.do(t, http.MethodPost, "/auth/token", "", map[string]any{"user_id": "u1"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRevokeToken(t *testing.T) {
	f := newFixture(t, false)
	tok := f.token(t, "u1", models.RolePlayer)

	rec := f.do(t, http.MethodPost, "/auth/revoke", tok, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/v1/theatres", tok, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestTheatreLifecycle(t *testing.T) {
	f := newFixture(t, false)
	op := f.token(t, "op", models.RoleOperator)

	rec := f.do(t, http.MethodPost, "/api/v1/theatres", op, map[string]any{
		"id": "th1", "name": "Harborfront", "city": "Qingdao",
		"pack_id": themepack.DefaultPackID,
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/v1/theatres/th1", f.token(t, "u1", models.RolePlayer), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[map[string]any](t, rec)
	assert.Equal(t, "Harborfront", got["name"])
	assert.Equal(t, themepack.DefaultPackID, got["bound_theme_pack_id"])

	rec = f.do(t, http.MethodGet, "/api/v1/theatres/missing", f.token(t, "u1", models.RolePlayer), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStages_CreateAndNearby(t *testing.T) {
	f := newFixture(t, false)
	op := f.token(t, "op", models.RoleOperator)
	member := f.token(t, "u1", models.RolePlayer)

	rec := f.do(t, http.MethodPost, "/api/v1/theatres", op, map[string]any{"id": "th1", "name": "Harborfront"})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/theatres/th1/stages", op, map[string]any{
		"id": "s_dock", "name": "Old Dock",
		"lat": 36.06, "lng": 120.38,
		"ring_c_m": 500.0, "ring_b_m": 200.0, "ring_a_m": 50.0,
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/theatres/th1/stages", op, map[string]any{
		"id": "s_far", "name": "Lighthouse",
		"lat": 36.5, "lng": 120.9,
		"ring_c_m": 300.0, "ring_b_m": 100.0, "ring_a_m": 30.0,
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	// Standing on the dock itself: inside ring A, lighthouse out of range.
	rec = f.do(t, http.MethodGet, "/api/v1/theatres/th1/stages/nearby?lat=36.06&lng=120.38", member, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	nearby := decode[[]map[string]any](t, rec)
	require.Len(t, nearby, 1)
	assert.Equal(t, "s_dock", nearby[0]["id"])
	assert.Equal(t, "A", nearby[0]["ring"])

	rec = f.do(t, http.MethodGet, "/api/v1/theatres/th1/stages/nearby?lat=bad&lng=120", member, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Ring ordering is validated at creation.
	rec = f.do(t, http.MethodPost, "/api/v1/theatres/th1/stages", op, map[string]any{
		"name": "Bad Rings", "ring_c_m": 10.0, "ring_b_m": 50.0, "ring_a_m": 5.0,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWallet_DefaultsToZero(t *testing.T) {
	f := newFixture(t, false)
	rec := f.do(t, http.MethodGet, "/api/v1/theatres/th1/wallet", f.token(t, "u1", models.RolePlayer), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	w := decode[map[string]any](t, rec)
	assert.Equal(t, float64(0), w["ticket_balance"])
}

func TestRumorFlow(t *testing.T) {
	f := newFixture(t, false)
	op := f.token(t, "op", models.RoleOperator)
	member := f.token(t, "u1", models.RolePlayer)

	rec := f.do(t, http.MethodPost, "/api/v1/theatres", op, map[string]any{
		"id": "th1", "name": "Harborfront", "pack_id": themepack.DefaultPackID,
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/theatres/th1/rumors", member, map[string]any{
		"content": "The keeper pays her debts in brass keys.", "target_thread": "lighthouse_debt",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	drafted := decode[map[string]any](t, rec)
	rumorID, _ := drafted["id"].(string)
	require.NotEmpty(t, rumorID)

	// Only the author may publish.
	rec = f.do(t, http.MethodPost, "/api/v1/rumors/"+rumorID+"/publish", f.token(t, "u2", models.RolePlayer), nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/rumors/"+rumorID+"/publish", member, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	published := decode[map[string]any](t, rec)
	assert.Equal(t, "active", published["status"])

	// A second draft inside the cooldown is rejected.
	rec = f.do(t, http.MethodPost, "/api/v1/theatres/th1/rumors", member, map[string]any{
		"content": "Another whisper.", "target_thread": "lighthouse_debt",
	})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	// Unknown thread target maps to a validation failure.
	rec = f.do(t, http.MethodPost, "/api/v1/theatres/th1/rumors", f.token(t, "u3", models.RolePlayer), map[string]any{
		"content": "x", "target_thread": "no_such_thread",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPackEndpoints(t *testing.T) {
	f := newFixture(t, false)
	member := f.token(t, "u1", models.RolePlayer)
	op := f.token(t, "op", models.RoleOperator)

	rec := f.do(t, http.MethodGet, "/api/v1/packs", member, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	listing := decode[[]map[string]any](t, rec)
	require.Len(t, listing, 1)
	assert.Equal(t, themepack.DefaultPackID, listing[0]["pack_id"])

	rec = f.do(t, http.MethodGet, "/api/v1/packs/default/validate", member, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/v1/packs/default/validate", op, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	res := decode[map[string]any](t, rec)
	assert.Equal(t, true, res["ok"])

	rec = f.do(t, http.MethodGet, "/api/v1/packs/missing/validate", op, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestForceDebunk_RoleGate(t *testing.T) {
	f := newFixture(t, false)
	op := f.token(t, "op", models.RoleOperator)
	member := f.token(t, "u1", models.RolePlayer)
	mod := f.token(t, "m1", models.RoleModerator)

	rec := f.do(t, http.MethodPost, "/api/v1/theatres", op, map[string]any{
		"id": "th1", "name": "Harborfront", "pack_id": themepack.DefaultPackID,
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/theatres/th1/rumors", member, map[string]any{
		"content": "The keeper pays her debts in brass keys.", "target_thread": "lighthouse_debt",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	rumorID, _ := decode[map[string]any](t, rec)["id"].(string)
	rec = f.do(t, http.MethodPost, "/api/v1/rumors/"+rumorID+"/publish", member, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/rumors/"+rumorID+"/debunk-force", member, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/rumors/"+rumorID+"/debunk-force", mod, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[debunkRumorResponse](t, rec)
	assert.True(t, resp.Debunked)
	assert.Equal(t, "debunked", string(resp.Rumor.Status))
}

func TestCrewFlow(t *testing.T) {
	f := newFixture(t, false)
	op := f.token(t, "op", models.RoleOperator)
	leader := f.token(t, "u1", models.RolePlayer)
	joiner := f.token(t, "u2", models.RolePlayer)

	rec := f.do(t, http.MethodPost, "/api/v1/theatres", op, map[string]any{"id": "th1", "name": "Harborfront"})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/theatres/th1/crews", leader, map[string]any{
		"name": "Night Shift", "tier": 1,
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	created := decode[map[string]any](t, rec)
	crewID, _ := created["id"].(string)
	require.NotEmpty(t, crewID)

	rec = f.do(t, http.MethodPost, "/api/v1/crews/"+crewID+"/join", joiner, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/v1/crews/"+crewID+"/members", leader, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	members := decode[[]map[string]any](t, rec)
	assert.Len(t, members, 2)

	// Duplicate membership within the theatre conflicts.
	rec = f.do(t, http.MethodPost, "/api/v1/crews/"+crewID+"/join", joiner, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestTraceFlow(t *testing.T) {
	f := newFixture(t, false)
	op := f.token(t, "op", models.RoleOperator)
	member := f.token(t, "u1", models.RolePlayer)

	rec := f.do(t, http.MethodPost, "/api/v1/theatres", op, map[string]any{"id": "th1", "name": "Harborfront"})
	require.Equal(t, http.StatusCreated, rec.Code)
	rec = f.do(t, http.MethodPost, "/api/v1/theatres/th1/stages", op, map[string]any{
		"id": "s_dock", "name": "Old Dock", "ring_c_m": 100.0, "ring_b_m": 50.0, "ring_a_m": 10.0,
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/theatres/th1/traces", member, map[string]any{
		"stage_id": "s_dock", "type": "mark", "content": "an X scratched in chalk",
		"visibility": "public", "difficulty": 0.0,
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	left := decode[map[string]any](t, rec)
	traceID, _ := left["id"].(string)
	require.NotEmpty(t, traceID)

	// Zero difficulty always succeeds.
	rec = f.do(t, http.MethodPost, "/api/v1/traces/"+traceID+"/discover", f.token(t, "u2", models.RolePlayer), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[discoverResponse](t, rec).Success)

	// One attempt per discoverer.
	rec = f.do(t, http.MethodPost, "/api/v1/traces/"+traceID+"/discover", f.token(t, "u2", models.RolePlayer), nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/v1/theatres/th1/stages/s_dock/density", member, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "low", decode[densityResponse](t, rec).Density)
}

func TestHealth(t *testing.T) {
	f := newFixture(t, false)
	rec := f.do(t, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[healthResponse](t, rec)
	assert.Equal(t, "healthy", resp.Status)
}
