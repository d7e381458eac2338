package npu

import (
	"fmt"
	"math/rand/v2"
	"sort"
)

// Strategy selects which eligible worker receives the next dispatch.
type Strategy string

const (
	StrategyRoundRobin  Strategy = "round_robin"
	StrategyLeastLoaded Strategy = "least_loaded"
	StrategyWeighted    Strategy = "weighted"
	StrategyPriority    Strategy = "priority"
)

func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case StrategyRoundRobin, StrategyLeastLoaded, StrategyWeighted, StrategyPriority:
		return Strategy(s), nil
	default:
		return "", fmt.Errorf("unknown load balancing strategy %q", s)
	}
}

// candidate is a point-in-time view of one eligible worker. Ordering works
// on these copies; the actual claim is re-checked by tryAcquire.
type candidate struct {
	w        *Worker
	id       string
	priority int
	weight   int
	load     int
	ratio    float64
}

// orderCandidates returns candidates in preference order for the strategy.
// Callers walk the order and take the first successful tryAcquire, so a
// candidate racing to capacity simply falls through to the next.
func orderCandidates(strategy Strategy, cands []candidate, rrTick uint64) []candidate {
	switch strategy {
	case StrategyRoundRobin:
		return orderRoundRobin(cands, rrTick)
	case StrategyWeighted:
		return orderWeighted(cands)
	case StrategyPriority:
		return orderPriority(cands)
	default:
		return orderLeastLoaded(cands)
	}
}

// orderRoundRobin cycles through workers in stable id order, rotating the
// start point by the acquire counter.
func orderRoundRobin(cands []candidate, tick uint64) []candidate {
	sort.Slice(cands, func(i, j int) bool { return cands[i].id < cands[j].id })
	n := int(tick % uint64(len(cands)))
	out := make([]candidate, 0, len(cands))
	out = append(out, cands[n:]...)
	out = append(out, cands[:n]...)
	return out
}

// orderLeastLoaded prefers the lowest load ratio; ties break by priority
// ascending, then weight descending, then id for stability.
func orderLeastLoaded(cands []candidate) []candidate {
	sort.Slice(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if a.ratio != b.ratio {
			return a.ratio < b.ratio
		}
		if a.priority != b.priority {
			return a.priority < b.priority
		}
		if a.weight != b.weight {
			return a.weight > b.weight
		}
		return a.id < b.id
	})
	return cands
}

// orderPriority is a strict priority ladder; within one priority the
// heavier-weighted worker goes first.
func orderPriority(cands []candidate) []candidate {
	sort.Slice(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if a.priority != b.priority {
			return a.priority < b.priority
		}
		if a.weight != b.weight {
			return a.weight > b.weight
		}
		return a.id < b.id
	})
	return cands
}

// orderWeighted draws a weight-proportional random permutation. Workers with
// zero weight still participate with a floor of one so they are reachable.
func orderWeighted(cands []candidate) []candidate {
	pool := append([]candidate(nil), cands...)
	out := make([]candidate, 0, len(pool))
	for len(pool) > 0 {
		total := 0
		for _, c := range pool {
			total += effectiveWeight(c.weight)
		}
		r := rand.IntN(total)
		idx := 0
		for i, c := range pool {
			r -= effectiveWeight(c.weight)
			if r < 0 {
				idx = i
				break
			}
		}
		out = append(out, pool[idx])
		pool = append(pool[:idx], pool[idx+1:]...)
	}
	return out
}

func effectiveWeight(w int) int {
	if w < 1 {
		return 1
	}
	return w
}
