// Package themepack loads, validates, and serves theme packs: the versioned
// content bundles defining a world's schema. The registry is the
// authoritative allow-list: every name written to the kernel or produced by
// the scheduler must resolve through the pack bound to the target theatre.
package themepack

import "github.com/theatreos/theatreos/pkg/models"

// Pack is one loaded theme pack. Packs are immutable after loading; rebinding
// a theatre swaps the pointer, so readers holding an older pointer finish
// safely.
type Pack struct {
	Meta          Meta
	Characters    map[string]*Character
	Threads       map[string]*Thread
	Beats         map[string]*BeatTemplate
	Gates         map[string]*GateTemplate
	EvidenceTypes map[string]*EvidenceType
	Variables     map[string]*WorldVarDef
	Objects       map[string]*KeyObject
	Factions      map[string]*Faction
}

// Meta identifies a pack.
type Meta struct {
	ID          string `yaml:"id"`
	Version     string `yaml:"version"`
	Name        string `yaml:"name"`
	Description string `yaml:"description,omitempty"`
}

// Stats summarizes a pack for listings.
type Stats struct {
	Characters    int `json:"characters"`
	Threads       int `json:"threads"`
	Beats         int `json:"beats"`
	Gates         int `json:"gates"`
	EvidenceTypes int `json:"evidence_types"`
	Variables     int `json:"variables"`
	Objects       int `json:"objects"`
	Factions      int `json:"factions"`
}

// Stats computes listing stats for the pack.
func (p *Pack) Stats() Stats {
	return Stats{
		Characters:    len(p.Characters),
		Threads:       len(p.Threads),
		Beats:         len(p.Beats),
		Gates:         len(p.Gates),
		EvidenceTypes: len(p.EvidenceTypes),
		Variables:     len(p.Variables),
		Objects:       len(p.Objects),
		Factions:      len(p.Factions),
	}
}

// RescueBeats returns the guaranteed-valid fallback beat set.
func (p *Pack) RescueBeats() []*BeatTemplate {
	var out []*BeatTemplate
	for _, b := range p.Beats {
		if b.Rescue {
			out = append(out, b)
		}
	}
	return out
}

// Character is a fictional persona referenced by threads and rumors.
type Character struct {
	ID       string   `yaml:"id"`
	Name     string   `yaml:"name"`
	Faction  string   `yaml:"faction,omitempty"`
	Traits   []string `yaml:"traits,omitempty"`
	Secrets  []string `yaml:"secrets,omitempty"`
	ThreadID string   `yaml:"thread_id,omitempty"`
}

// Phase is one declared phase of a thread with the beat types allowed while
// the thread is in that phase.
type Phase struct {
	Name             string   `yaml:"name"`
	AllowedBeatTypes []string `yaml:"allowed_beat_types,omitempty"`
	Terminal         bool     `yaml:"terminal,omitempty"`
}

// Thread is one story thread definition.
type Thread struct {
	ID           string   `yaml:"id"`
	Title        string   `yaml:"title"`
	Phases       []Phase  `yaml:"phases"`
	InitialPhase string   `yaml:"initial_phase"`
	WorldVars    []string `yaml:"world_vars,omitempty"` // variables this thread reacts to
	Characters   []string `yaml:"characters,omitempty"`
}

// PhaseByName resolves a declared phase, or nil.
func (t *Thread) PhaseByName(name string) *Phase {
	for i := range t.Phases {
		if t.Phases[i].Name == name {
			return &t.Phases[i]
		}
	}
	return nil
}

// VarRange is a world-condition precondition: the variable must currently
// fall inside [Min, Max].
type VarRange struct {
	VarID string  `yaml:"var_id"`
	Min   float64 `yaml:"min"`
	Max   float64 `yaml:"max"`
}

// Preconditions gate a beat template on current thread phase and world state.
type Preconditions struct {
	ThreadPhaseIn   []string   `yaml:"thread_phase_in,omitempty"`
	WorldConditions []VarRange `yaml:"world_conditions,omitempty"`
}

// SlotConstraints describe where and how a beat may be staged.
type SlotConstraints struct {
	StageTagAny    []string `yaml:"stage_tag_any,omitempty"`
	CameraStyleAny []string `yaml:"camera_style_any,omitempty"`
	MoodAny        []string `yaml:"mood_any,omitempty"`
	PropAny        []string `yaml:"prop_any,omitempty"`
}

// BeatTemplate is a scene descriptor template.
type BeatTemplate struct {
	ID            string          `yaml:"id"`
	Type          string          `yaml:"type"`
	ThreadID      string          `yaml:"thread_id"`
	Title         string          `yaml:"title,omitempty"`
	Preconditions Preconditions   `yaml:"preconditions,omitempty"`
	Slot          SlotConstraints `yaml:"slot,omitempty"`
	OptionalGate  string          `yaml:"optional_gate,omitempty"` // gate template id
	Rescue        bool            `yaml:"rescue,omitempty"`
}

// Consequence is one world-state effect of a gate outcome.
type Consequence struct {
	VarID    string   `yaml:"var_id,omitempty"`
	Delta    float64  `yaml:"delta,omitempty"`
	ThreadID string   `yaml:"thread_id,omitempty"`
	Phase    string   `yaml:"phase,omitempty"`
	Progress *float64 `yaml:"progress,omitempty"`
}

// WeightRule names the stake weighting function.
type WeightRule string

const (
	WeightSqrt   WeightRule = "sqrt" // default; limits whale influence
	WeightLinear WeightRule = "linear"
	WeightLog    WeightRule = "log"
)

// IsValid checks if the weight rule is valid.
func (w WeightRule) IsValid() bool {
	return w == WeightSqrt || w == WeightLinear || w == WeightLog
}

// GateTemplate declares a decision market: options, weighting, coefficients,
// and the world-state consequences of each outcome.
type GateTemplate struct {
	ID               string              `yaml:"id"`
	Title            string              `yaml:"title"`
	Options          []models.GateOption `yaml:"options"`
	WeightRule       WeightRule          `yaml:"weight_rule,omitempty"`  // default sqrt
	VoteCoeff        float64             `yaml:"vote_coeff,omitempty"`   // default 0.5
	StakeCoeff       float64             `yaml:"stake_coeff,omitempty"`  // default 0.5
	RevealTally      bool                `yaml:"reveal_tally,omitempty"` // partial tallies visible to non-participants
	ConsequencesWin  []Consequence       `yaml:"consequences_win,omitempty"`
	ConsequencesLose []Consequence       `yaml:"consequences_lose,omitempty"`
}

// Coefficients returns the composite coefficients with defaults applied.
func (g *GateTemplate) Coefficients() (voteCoeff, stakeCoeff float64) {
	voteCoeff, stakeCoeff = g.VoteCoeff, g.StakeCoeff
	if voteCoeff == 0 && stakeCoeff == 0 {
		return 0.5, 0.5
	}
	return voteCoeff, stakeCoeff
}

// Rule returns the weight rule with the default applied.
func (g *GateTemplate) Rule() WeightRule {
	if g.WeightRule == "" {
		return WeightSqrt
	}
	return g.WeightRule
}

// EvidenceType declares a grantable evidence kind.
type EvidenceType struct {
	ID        string               `yaml:"id"`
	Name      string               `yaml:"name"`
	Grade     models.EvidenceGrade `yaml:"grade"`
	Rarity    string               `yaml:"rarity,omitempty"`
	Tradeable bool                 `yaml:"tradeable"`
}

// WorldVarDef declares one world variable: its range, default, and the
// per-delta change budget.
type WorldVarDef struct {
	ID               string  `yaml:"id"`
	Name             string  `yaml:"name,omitempty"`
	Min              float64 `yaml:"min"`
	Max              float64 `yaml:"max"`
	Default          float64 `yaml:"default"`
	MaxChangePerHour float64 `yaml:"max_change_per_hour"`
}

// KeyObject declares a trackable in-world object.
type KeyObject struct {
	ID            string `yaml:"id"`
	Name          string `yaml:"name"`
	InitialHolder string `yaml:"initial_holder,omitempty"` // defaults to "lost"
}

// Faction declares a named faction.
type Faction struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}
