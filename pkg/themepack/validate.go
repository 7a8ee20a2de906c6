package themepack

import "fmt"

// ValidationResult reports internal-reference checks for one pack.
// Errors make the pack unusable; warnings flag missing-but-survivable
// content (no gates, no evidence types, no rescue beats).
type ValidationResult struct {
	OK       bool     `json:"ok"`
	Errors   []string `json:"errors"`
	Warnings []string `json:"warnings"`
}

// Validate loads a pack and verifies every internal reference resolves.
func (r *Registry) Validate(packID string) (*ValidationResult, error) {
	p, err := r.Load(packID, false)
	if err != nil {
		return nil, err
	}
	return validatePack(p), nil
}

func validatePack(p *Pack) *ValidationResult {
	res := &ValidationResult{}

	addErr := func(format string, args ...any) {
		res.Errors = append(res.Errors, fmt.Sprintf(format, args...))
	}
	addWarn := func(format string, args ...any) {
		res.Warnings = append(res.Warnings, fmt.Sprintf(format, args...))
	}

	for id, t := range p.Threads {
		if len(t.Phases) == 0 {
			addErr("thread %s declares no phases", id)
			continue
		}
		if t.InitialPhase != "" && t.PhaseByName(t.InitialPhase) == nil {
			addErr("thread %s: initial phase %q is not declared", id, t.InitialPhase)
		}
		for _, v := range t.WorldVars {
			if _, ok := p.Variables[v]; !ok {
				addErr("thread %s references unknown variable %s", id, v)
			}
		}
		for _, c := range t.Characters {
			if _, ok := p.Characters[c]; !ok {
				addErr("thread %s references unknown character %s", id, c)
			}
		}
	}

	for id, b := range p.Beats {
		thread, ok := p.Threads[b.ThreadID]
		if !ok {
			addErr("beat %s references unknown thread %s", id, b.ThreadID)
		}
		if b.OptionalGate != "" {
			if _, ok := p.Gates[b.OptionalGate]; !ok {
				addErr("beat %s references unknown gate template %s", id, b.OptionalGate)
			}
		}
		if thread != nil {
			for _, ph := range b.Preconditions.ThreadPhaseIn {
				if thread.PhaseByName(ph) == nil {
					addErr("beat %s precondition names phase %q not declared by thread %s", id, ph, b.ThreadID)
				}
			}
		}
		for _, wc := range b.Preconditions.WorldConditions {
			if _, ok := p.Variables[wc.VarID]; !ok {
				addErr("beat %s world condition references unknown variable %s", id, wc.VarID)
			}
		}
	}

	for id, g := range p.Gates {
		if len(g.Options) < 2 {
			addErr("gate template %s has fewer than two options", id)
		}
		if g.WeightRule != "" && !g.WeightRule.IsValid() {
			addErr("gate template %s has unknown weight rule %q", id, g.WeightRule)
		}
		for _, c := range append(append([]Consequence{}, g.ConsequencesWin...), g.ConsequencesLose...) {
			if c.VarID != "" {
				if _, ok := p.Variables[c.VarID]; !ok {
					addErr("gate template %s consequence references unknown variable %s", id, c.VarID)
				}
			}
			if c.ThreadID != "" {
				t, ok := p.Threads[c.ThreadID]
				if !ok {
					addErr("gate template %s consequence references unknown thread %s", id, c.ThreadID)
				} else if c.Phase != "" && t.PhaseByName(c.Phase) == nil {
					addErr("gate template %s consequence names phase %q not declared by thread %s", id, c.Phase, c.ThreadID)
				}
			}
		}
	}

	for id, v := range p.Variables {
		if v.Min > v.Max {
			addErr("variable %s has min > max", id)
		}
		if v.Default < v.Min || v.Default > v.Max {
			addErr("variable %s default %v outside [%v, %v]", id, v.Default, v.Min, v.Max)
		}
		if v.MaxChangePerHour <= 0 {
			addErr("variable %s must declare a positive max_change_per_hour", id)
		}
	}

	for id, c := range p.Characters {
		if c.Faction != "" {
			if _, ok := p.Factions[c.Faction]; !ok {
				addErr("character %s references unknown faction %s", id, c.Faction)
			}
		}
	}

	if len(p.Gates) == 0 {
		addWarn("pack declares no gate templates")
	}
	if len(p.EvidenceTypes) == 0 {
		addWarn("pack declares no evidence types")
	}
	if len(p.RescueBeats()) == 0 {
		addWarn("pack declares no rescue beats; unfillable slots will go silent")
	}

	res.OK = len(res.Errors) == 0
	return res
}

// DefaultState derives the initial world state declared by the pack:
// variable defaults, initial thread phases, and initial object holders.
func (p *Pack) DefaultState() (vars map[string]float64, phases map[string]string, holders map[string]string) {
	vars = make(map[string]float64, len(p.Variables))
	for id, v := range p.Variables {
		vars[id] = v.Default
	}
	phases = make(map[string]string, len(p.Threads))
	for id, t := range p.Threads {
		phase := t.InitialPhase
		if phase == "" && len(t.Phases) > 0 {
			phase = t.Phases[0].Name
		}
		phases[id] = phase
	}
	holders = make(map[string]string, len(p.Objects))
	for id, o := range p.Objects {
		holder := o.InitialHolder
		if holder == "" {
			holder = "lost"
		}
		holders[id] = holder
	}
	return vars, phases, holders
}
