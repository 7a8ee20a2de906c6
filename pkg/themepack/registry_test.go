package themepack

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/theatreos/theatreos/pkg/models"
	"github.com/theatreos/theatreos/pkg/storage"
	"github.com/theatreos/theatreos/pkg/storage/memory"
)

func TestEmbeddedDefaultPack(t *testing.T) {
	r := NewRegistry("")

	p, err := r.Load(DefaultPackID, false)
	require.NoError(t, err)
	assert.Equal(t, DefaultPackID, p.Meta.ID)
	assert.NotEmpty(t, p.Threads)
	assert.NotEmpty(t, p.Variables)
	assert.NotEmpty(t, p.Gates)

	t.Run("validates clean", func(t *testing.T) {
		res, err := r.Validate(DefaultPackID)
		require.NoError(t, err)
		assert.True(t, res.OK, "errors: %v", res.Errors)
		assert.Empty(t, res.Errors)
	})

	t.Run("listing includes the default", func(t *testing.T) {
		listing, err := r.ListAvailable()
		require.NoError(t, err)
		require.Len(t, listing, 1)
		assert.Equal(t, DefaultPackID, listing[0].PackID)
		assert.Equal(t, len(p.Threads), listing[0].Stats.Threads)
	})

	t.Run("unknown pack", func(t *testing.T) {
		_, err := r.Load("nope", false)
		require.ErrorIs(t, err, storage.ErrNotFound)
	})
}

func TestBind(t *testing.T) {
	r := NewRegistry("")

	require.NoError(t, r.Bind("th1", DefaultPackID))
	p1, err := r.GetForTheatre("th1")
	require.NoError(t, err)

	t.Run("rebinding the same pack keeps the pointer", func(t *testing.T) {
		require.NoError(t, r.Bind("th1", DefaultPackID))
		p2, err := r.GetForTheatre("th1")
		require.NoError(t, err)
		assert.Same(t, p1, p2)
	})

	t.Run("binding an unknown pack fails", func(t *testing.T) {
		require.ErrorIs(t, r.Bind("th1", "nope"), storage.ErrNotFound)
	})

	t.Run("unbound theatre auto-binds the default", func(t *testing.T) {
		p, err := r.GetForTheatre("th-fresh")
		require.NoError(t, err)
		assert.Equal(t, DefaultPackID, p.Meta.ID)
	})
}

func TestRestoreBindings(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "harbor_noir"), 0o755))
	require.NoError(t, os.WriteFile(
		filepath.Join(dir, "harbor_noir", "pack.yaml"),
		[]byte("id: harbor_noir\nversion: \"2\"\n"), 0o644))

	ctx := context.Background()
	store := memory.New()
	for _, th := range []struct{ id, pack string }{
		{"th-custom", "harbor_noir"},
		{"th-plain", ""},
		{"th-gone", "deleted_pack"},
	} {
		require.NoError(t, store.CreateTheatre(ctx, &models.Theatre{ID: th.id, Name: th.id}))
		if th.pack != "" {
			require.NoError(t, store.SetBoundPack(ctx, th.id, th.pack))
		}
	}

	// A fresh registry models a process restart: nothing bound yet.
	r := NewRegistry(dir)
	require.NoError(t, r.RestoreBindings(ctx, store))

	p, err := r.GetForTheatre("th-custom")
	require.NoError(t, err)
	assert.Equal(t, "harbor_noir", p.Meta.ID, "persisted binding survives restart")

	p, err = r.GetForTheatre("th-plain")
	require.NoError(t, err)
	assert.Equal(t, DefaultPackID, p.Meta.ID)

	// A binding whose pack no longer exists is skipped, and the theatre
	// falls back to the default instead of failing boot.
	p, err = r.GetForTheatre("th-gone")
	require.NoError(t, err)
	assert.Equal(t, DefaultPackID, p.Meta.ID)
}

// brokenPack builds a pack with one of every cross-reference defect the
// validator checks.
func brokenPack() *Pack {
	return &Pack{
		Meta: Meta{ID: "broken", Version: "1"},
		Variables: map[string]*WorldVarDef{
			"tension":  {ID: "tension", Min: 0, Max: 1, Default: 0.5, MaxChangePerHour: 0.2},
			"inverted": {ID: "inverted", Min: 1, Max: 0, Default: 0.5, MaxChangePerHour: 0.2},
			"frozen":   {ID: "frozen", Min: 0, Max: 1, Default: 0.5},
		},
		Threads: map[string]*Thread{
			"good": {
				ID:     "good",
				Phases: []Phase{{Name: "setup"}, {Name: "payoff", Terminal: true}},
			},
			"phaseless": {ID: "phaseless"},
			"dangling": {
				ID:           "dangling",
				Phases:       []Phase{{Name: "setup"}},
				InitialPhase: "missing",
				WorldVars:    []string{"no_such_var"},
				Characters:   []string{"no_such_char"},
			},
		},
		Beats: map[string]*BeatTemplate{
			"orphan": {ID: "orphan", ThreadID: "no_such_thread"},
			"bad_gate": {
				ID: "bad_gate", ThreadID: "good", OptionalGate: "no_such_gate",
				Preconditions: Preconditions{
					ThreadPhaseIn:   []string{"no_such_phase"},
					WorldConditions: []VarRange{{VarID: "no_such_var"}},
				},
			},
		},
		Gates: map[string]*GateTemplate{
			"lonely": {
				ID:         "lonely",
				Options:    []models.GateOption{{ID: "1"}},
				WeightRule: "cubic",
				ConsequencesWin: []Consequence{
					{VarID: "no_such_var", Delta: 0.1},
					{ThreadID: "good", Phase: "no_such_phase"},
				},
			},
		},
		Characters: map[string]*Character{
			"stray": {ID: "stray", Faction: "no_such_faction"},
		},
	}
}

func TestValidate_CatchesBrokenReferences(t *testing.T) {
	res := validatePack(brokenPack())
	require.False(t, res.OK)

	expected := []string{
		"thread phaseless declares no phases",
		`thread dangling: initial phase "missing" is not declared`,
		"thread dangling references unknown variable no_such_var",
		"thread dangling references unknown character no_such_char",
		"beat orphan references unknown thread no_such_thread",
		"beat bad_gate references unknown gate template no_such_gate",
		`beat bad_gate precondition names phase "no_such_phase" not declared by thread good`,
		"beat bad_gate world condition references unknown variable no_such_var",
		"gate template lonely has fewer than two options",
		`gate template lonely has unknown weight rule "cubic"`,
		"gate template lonely consequence references unknown variable no_such_var",
		`gate template lonely consequence names phase "no_such_phase" not declared by thread good`,
		"variable inverted has min > max",
		"variable frozen must declare a positive max_change_per_hour",
		"character stray references unknown faction no_such_faction",
	}
	for _, want := range expected {
		assert.Contains(t, res.Errors, want)
	}

	assert.Contains(t, res.Warnings, "pack declares no evidence types")
	assert.Contains(t, res.Warnings, "pack declares no rescue beats; unfillable slots will go silent")
}

func TestDefaultState(t *testing.T) {
	r := NewRegistry("")
	p, err := r.Load(DefaultPackID, false)
	require.NoError(t, err)

	vars, phases, holders := p.DefaultState()
	assert.Len(t, vars, len(p.Variables))
	assert.Len(t, phases, len(p.Threads))
	for id, phase := range phases {
		assert.NotEmpty(t, phase, "thread %s has no starting phase", id)
	}
	for id, holder := range holders {
		assert.NotEmpty(t, holder, "object %s has no holder", id)
	}
}
