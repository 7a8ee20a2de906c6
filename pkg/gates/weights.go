package gates

import (
	"math"
	"strconv"

	"github.com/theatreos/theatreos/pkg/models"
	"github.com/theatreos/theatreos/pkg/themepack"
)

// stakeWeight applies the template's weight rule to one stake amount. The
// sqrt default limits whale influence on the outcome.
func stakeWeight(rule themepack.WeightRule, amount int64) float64 {
	switch rule {
	case themepack.WeightLinear:
		return float64(amount)
	case themepack.WeightLog:
		return math.Log1p(float64(amount))
	default:
		return math.Sqrt(float64(amount))
	}
}

// outcome is the frozen result of a gate's tally at resolve time.
type outcome struct {
	winner     string
	voteTally  map[string]int
	stakeTally map[string]float64 // weighted, per option
	amountPool map[string]int64   // raw escrowed amounts, per option
	totalPool  int64
}

// decide freezes the tallies and picks the winner: the option with the
// highest composite of normalized vote share and normalized stake-weight
// share. Ties break on higher stake weight, then lowest numeric option id.
func decide(tpl *themepack.GateTemplate, options []models.GateOption, votes []*models.Vote, stakes []*models.Stake) outcome {
	out := outcome{
		voteTally:  make(map[string]int, len(options)),
		stakeTally: make(map[string]float64, len(options)),
		amountPool: make(map[string]int64, len(options)),
	}
	for _, opt := range options {
		out.voteTally[opt.ID] = 0
		out.stakeTally[opt.ID] = 0
		out.amountPool[opt.ID] = 0
	}

	for _, v := range votes {
		out.voteTally[v.OptionID]++
	}
	rule := tpl.Rule()
	for _, s := range stakes {
		out.stakeTally[s.OptionID] += stakeWeight(rule, s.Amount)
		out.amountPool[s.OptionID] += s.Amount
		out.totalPool += s.Amount
	}

	var totalVotes int
	var totalWeight float64
	for _, n := range out.voteTally {
		totalVotes += n
	}
	for _, w := range out.stakeTally {
		totalWeight += w
	}

	voteCoeff, stakeCoeff := tpl.Coefficients()
	score := func(optID string) float64 {
		var s float64
		if totalVotes > 0 {
			s += voteCoeff * float64(out.voteTally[optID]) / float64(totalVotes)
		}
		if totalWeight > 0 {
			s += stakeCoeff * out.stakeTally[optID] / totalWeight
		}
		return s
	}

	for _, opt := range options {
		if out.winner == "" {
			out.winner = opt.ID
			continue
		}
		if beats(opt.ID, out.winner, score, out.stakeTally) {
			out.winner = opt.ID
		}
	}
	return out
}

// beats reports whether candidate outranks current under the composite
// score and the tie-break chain.
func beats(candidate, current string, score func(string) float64, stakeTally map[string]float64) bool {
	cs, ws := score(candidate), score(current)
	if cs != ws {
		return cs > ws
	}
	if stakeTally[candidate] != stakeTally[current] {
		return stakeTally[candidate] > stakeTally[current]
	}
	return optionLess(candidate, current)
}

// optionLess orders option ids numerically when both parse, else lexically.
func optionLess(a, b string) bool {
	na, errA := strconv.Atoi(a)
	nb, errB := strconv.Atoi(b)
	if errA == nil && errB == nil {
		return na < nb
	}
	return a < b
}

// payout computes one winning stake's credit: the stake's proportional
// share of the full escrow pool, floor-rounded by integer division.
func payout(amount, winningPool, totalPool int64) int64 {
	if winningPool <= 0 {
		return amount
	}
	return amount * totalPool / winningPool
}
