package scheduler

import (
	"crypto/sha256"
	"encoding/binary"
	"math/rand"
	"sort"
	"time"

	"github.com/theatreos/theatreos/pkg/models"
	"github.com/theatreos/theatreos/pkg/themepack"
)

// varietyPenalty is the sampling weight multiplier for beat templates that
// already appeared in the recent-plan window.
const varietyPenalty = 0.25

// pinBoost dominates every organic score component so pinned threads always
// win primary selection.
const pinBoost = 1000.0

// planSeed derives the deterministic RNG seed for one slot. Identical
// inputs (theatre, slot boundary, world state) reproduce identical plans.
func planSeed(theatreID string, slotStart time.Time, stateHash string) int64 {
	h := sha256.New()
	h.Write([]byte(theatreID))
	h.Write([]byte("|"))
	h.Write([]byte(slotStart.UTC().Format(time.RFC3339)))
	h.Write([]byte("|"))
	h.Write([]byte(stateHash))
	sum := h.Sum(nil)
	return int64(binary.BigEndian.Uint64(sum[:8]))
}

// planInputs is everything thread/beat selection depends on, frozen before
// planning starts.
type planInputs struct {
	theatreID string
	slotStart time.Time
	pack      *themepack.Pack
	state     *models.WorldState
	recent    []*models.HourPlan
	overrides []*models.Override
	stages    []*models.Stage
	rng       *rand.Rand
	now       time.Time
}

type threadScore struct {
	id    string
	score float64
}

// scoreThreads ranks the pack's threads for slot selection. Terminal and
// excluded threads drop out; pinned threads jump to the front. The organic
// score prefers advanceable threads, threads whose reactive variables run
// hot, and threads that have not been featured recently.
func scoreThreads(in *planInputs) []threadScore {
	excluded := map[string]bool{}
	pinned := map[string]bool{}
	for _, o := range in.overrides {
		switch o.Kind {
		case models.OverrideExcludeThread:
			excluded[o.ThreadID] = true
		case models.OverridePinThread:
			pinned[o.ThreadID] = true
		}
	}

	ids := make([]string, 0, len(in.pack.Threads))
	for id := range in.pack.Threads {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var scored []threadScore
	for _, id := range ids {
		if excluded[id] {
			continue
		}
		thread := in.pack.Threads[id]
		st := in.state.Threads[id]
		if phase := thread.PhaseByName(st.Phase); phase != nil && phase.Terminal {
			continue
		}

		score := 1.0 - st.Progress

		// World-variable alignment: a thread reacting to hot variables is
		// more worth featuring.
		if len(thread.WorldVars) > 0 {
			var sum float64
			for _, v := range thread.WorldVars {
				sum += in.state.Variables[v]
			}
			score += sum / float64(len(thread.WorldVars))
		}

		// Staleness boost: plans since the thread was last featured.
		sinceFeatured := len(in.recent)
		for i, p := range in.recent {
			if p.PrimaryThreadID == id || contains(p.SupportThreadIDs, id) {
				sinceFeatured = i
				break
			}
		}
		score += 0.2 * float64(sinceFeatured)

		if pinned[id] {
			score += pinBoost
		}
		scored = append(scored, threadScore{id: id, score: score})
	}

	sort.Slice(scored, func(i, j int) bool {
		if scored[i].score != scored[j].score {
			return scored[i].score > scored[j].score
		}
		return scored[i].id < scored[j].id
	})
	return scored
}

// candidateBeats returns the beat templates eligible for the slot: bound to
// a selected thread, of a type the thread's current phase allows, and with
// all preconditions satisfied. Sorted by id for deterministic sampling.
func candidateBeats(in *planInputs, threads []string) []*themepack.BeatTemplate {
	selected := map[string]bool{}
	for _, id := range threads {
		selected[id] = true
	}

	ids := make([]string, 0, len(in.pack.Beats))
	for id := range in.pack.Beats {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var out []*themepack.BeatTemplate
	for _, id := range ids {
		b := in.pack.Beats[id]
		if b.Rescue || !selected[b.ThreadID] {
			continue
		}
		if beatEligible(in, b) {
			out = append(out, b)
		}
	}
	return out
}

func beatEligible(in *planInputs, b *themepack.BeatTemplate) bool {
	thread, ok := in.pack.Threads[b.ThreadID]
	if !ok {
		return false
	}
	phaseName := in.state.Threads[b.ThreadID].Phase

	if len(b.Preconditions.ThreadPhaseIn) > 0 && !contains(b.Preconditions.ThreadPhaseIn, phaseName) {
		return false
	}
	if phase := thread.PhaseByName(phaseName); phase != nil && len(phase.AllowedBeatTypes) > 0 {
		if !contains(phase.AllowedBeatTypes, b.Type) {
			return false
		}
	}
	for _, cond := range b.Preconditions.WorldConditions {
		v := in.state.Variables[cond.VarID]
		if v < cond.Min || v > cond.Max {
			return false
		}
	}
	return true
}

// sampleBeats rolls candidates without replacement until the budget is
// filled, down-weighting templates featured in the recent-plan window.
func sampleBeats(in *planInputs, candidates []*themepack.BeatTemplate, budget int) []*themepack.BeatTemplate {
	recentTemplates := map[string]bool{}
	for _, p := range in.recent {
		for _, b := range p.Beats {
			recentTemplates[b.BeatTemplateID] = true
		}
	}

	pool := append([]*themepack.BeatTemplate(nil), candidates...)
	var picked []*themepack.BeatTemplate
	for len(picked) < budget && len(pool) > 0 {
		weights := make([]float64, len(pool))
		var total float64
		for i, b := range pool {
			w := 1.0
			if recentTemplates[b.ID] {
				w = varietyPenalty
			}
			weights[i] = w
			total += w
		}
		roll := in.rng.Float64() * total
		idx := len(pool) - 1
		for i, w := range weights {
			if roll < w {
				idx = i
				break
			}
			roll -= w
		}
		picked = append(picked, pool[idx])
		pool = append(pool[:idx], pool[idx+1:]...)
	}
	return picked
}

// fillRescue tops the beat list up to the budget from the pack's
// guaranteed-valid rescue set.
func fillRescue(in *planInputs, picked []*themepack.BeatTemplate, budget int) []*themepack.BeatTemplate {
	if len(picked) >= budget {
		return picked
	}
	used := map[string]bool{}
	for _, b := range picked {
		used[b.ID] = true
	}
	rescue := in.pack.RescueBeats()
	sort.Slice(rescue, func(i, j int) bool { return rescue[i].ID < rescue[j].ID })
	for _, b := range rescue {
		if len(picked) >= budget {
			break
		}
		if !used[b.ID] {
			picked = append(picked, b)
			used[b.ID] = true
		}
	}
	return picked
}

// assignStages binds each beat to a stage whose tags satisfy the beat's
// constraints and that is free this slot, preferring the stage featured
// least recently. A beat with no matching free stage stays unassigned.
func assignStages(in *planInputs, beats []*themepack.BeatTemplate) []models.PlannedBeat {
	// Lower index = featured more recently. Unfeatured stages sort last,
	// i.e. best.
	lastFeatured := map[string]int{}
	for i, p := range in.recent {
		for _, b := range p.Beats {
			if b.StageID == "" {
				continue
			}
			if _, seen := lastFeatured[b.StageID]; !seen {
				lastFeatured[b.StageID] = i
			}
		}
	}
	freshness := func(stageID string) int {
		if i, ok := lastFeatured[stageID]; ok {
			return i
		}
		return len(in.recent) + 1
	}

	stages := append([]*models.Stage(nil), in.stages...)
	sort.Slice(stages, func(i, j int) bool {
		fi, fj := freshness(stages[i].ID), freshness(stages[j].ID)
		if fi != fj {
			return fi > fj
		}
		return stages[i].ID < stages[j].ID
	})

	used := map[string]bool{}
	out := make([]models.PlannedBeat, 0, len(beats))
	for _, b := range beats {
		pb := models.PlannedBeat{
			BeatTemplateID: b.ID,
			ThreadID:       b.ThreadID,
			Rescue:         b.Rescue,
		}
		if len(b.Slot.CameraStyleAny) > 0 {
			pb.CameraStyle = b.Slot.CameraStyleAny[in.rng.Intn(len(b.Slot.CameraStyleAny))]
		}
		if len(b.Slot.MoodAny) > 0 {
			pb.Mood = b.Slot.MoodAny[in.rng.Intn(len(b.Slot.MoodAny))]
		}
		for _, st := range stages {
			if used[st.ID] || !stageMatches(st, b.Slot.StageTagAny) {
				continue
			}
			pb.StageID = st.ID
			used[st.ID] = true
			break
		}
		out = append(out, pb)
	}
	return out
}

func stageMatches(st *models.Stage, tagAny []string) bool {
	if len(tagAny) == 0 {
		return true
	}
	for _, tag := range tagAny {
		if contains(st.Tags, tag) {
			return true
		}
	}
	return false
}

// planGates realizes each picked beat's optional gate into a planned gate
// window: open at the slot start, close at the resolve-minute margin, and
// resolve at the slot end.
func planGates(in *planInputs, beats []models.PlannedBeat, pack *themepack.Pack, slotDuration time.Duration, resolveMinute int) []models.PlannedGate {
	var out []models.PlannedGate
	for _, pb := range beats {
		tpl, ok := pack.Beats[pb.BeatTemplateID]
		if !ok || tpl.OptionalGate == "" {
			continue
		}
		if _, ok := pack.Gates[tpl.OptionalGate]; !ok {
			continue
		}
		out = append(out, models.PlannedGate{
			GateTemplateID: tpl.OptionalGate,
			BeatTemplateID: tpl.ID,
			StageID:        pb.StageID,
			OpenAt:         in.slotStart,
			CloseAt:        in.slotStart.Add(time.Duration(resolveMinute) * time.Minute),
			ResolveAt:      in.slotStart.Add(slotDuration),
		})
	}
	return out
}

// buildPlan runs the full selection pipeline for one slot.
func buildPlan(in *planInputs, budget, supportThreads int, slotDuration time.Duration, resolveMinute int) *models.HourPlan {
	source := models.PlanAuto
	if len(in.overrides) > 0 {
		source = models.PlanOverride
	}

	scored := scoreThreads(in)
	var primary string
	var support []string
	if len(scored) > 0 {
		primary = scored[0].id
		for _, ts := range scored[1:] {
			if len(support) >= supportThreads {
				break
			}
			support = append(support, ts.id)
		}
	}

	selected := append([]string{}, support...)
	if primary != "" {
		selected = append([]string{primary}, support...)
	}

	var picked []*themepack.BeatTemplate
	forceRescue := false
	for _, o := range in.overrides {
		switch o.Kind {
		case models.OverrideInjectBeat:
			if b, ok := in.pack.Beats[o.BeatTemplateID]; ok {
				picked = append(picked, b)
			}
		case models.OverrideForceRescue:
			forceRescue = true
		}
	}
	if !forceRescue {
		injected := map[string]bool{}
		for _, b := range picked {
			injected[b.ID] = true
		}
		var pool []*themepack.BeatTemplate
		for _, b := range candidateBeats(in, selected) {
			if !injected[b.ID] {
				pool = append(pool, b)
			}
		}
		picked = append(picked, sampleBeats(in, pool, budget-len(picked))...)
	}
	picked = fillRescue(in, picked, budget)

	plan := &models.HourPlan{
		TheatreID:        in.theatreID,
		SlotStart:        in.slotStart,
		PrimaryThreadID:  primary,
		SupportThreadIDs: support,
		GeneratedAt:      in.now,
		Source:           source,
	}

	if len(picked) == 0 {
		// Never fail silently and never emit an invalid plan.
		plan.Note = "silent slot: no eligible beats and no rescue set"
		return plan
	}

	plan.Beats = assignStages(in, picked)
	plan.Gates = planGates(in, plan.Beats, in.pack, slotDuration, resolveMinute)
	return plan
}

func contains(xs []string, x string) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}
