// Package elites keeps the ranked set of recently evaluated policies and
// aggregates it into the per-slot statistics the distribution update needs.
package elites

import (
	"slices"

	"github.com/clawinfra/cerrla/internal/policy"
)

// PolicyValue is a policy with its score and the sample index it was
// evaluated at.
type PolicyValue struct {
	Policy    *policy.Policy
	Value     float64
	Iteration int

	seq uint64
}

// ranksBefore orders by higher value, then more recent iteration, then
// earlier insertion.
func ranksBefore(a, b PolicyValue) bool {
	if a.Value != b.Value {
		return a.Value > b.Value
	}
	if a.Iteration != b.Iteration {
		return a.Iteration > b.Iteration
	}
	return a.seq < b.seq
}

func compare(a, b PolicyValue) int {
	switch {
	case ranksBefore(a, b):
		return -1
	case ranksBefore(b, a):
		return 1
	default:
		return 0
	}
}

// Set is a score-sorted set of policy values, best first.
type Set struct {
	values  []PolicyValue
	nextSeq uint64
	latest  int
}

// NewSet creates an empty elite set.
func NewSet() *Set {
	return &Set{}
}

// Insert adds pv at its rank.
func (s *Set) Insert(pv PolicyValue) {
	s.nextSeq++
	pv.seq = s.nextSeq
	i, _ := slices.BinarySearchFunc(s.values, pv, compare)
	s.values = slices.Insert(s.values, i, pv)
	if pv.Iteration > s.latest {
		s.latest = pv.Iteration
	}
}

// Len is the number of stored values.
func (s *Set) Len() int { return len(s.values) }

// Latest is the most recent iteration inserted.
func (s *Set) Latest() int { return s.latest }

// Values returns the stored values best first.
func (s *Set) Values() []PolicyValue { return slices.Clone(s.values) }

// Best returns the top ranked value.
func (s *Set) Best() (PolicyValue, bool) {
	if len(s.values) == 0 {
		return PolicyValue{}, false
	}
	return s.values[0], true
}

// Worst returns the lowest ranked value.
func (s *Set) Worst() (PolicyValue, bool) {
	if len(s.values) == 0 {
		return PolicyValue{}, false
	}
	return s.values[len(s.values)-1], true
}

// Trim keeps the n best values and returns the evicted ones, best first.
func (s *Set) Trim(n int) []PolicyValue {
	if n < 0 {
		n = 0
	}
	if len(s.values) <= n {
		return nil
	}
	evicted := slices.Clone(s.values[n:])
	s.values = s.values[:n]
	return evicted
}

// EvictStale removes values evaluated more than population iterations before
// the latest insertion, regardless of rank.
func (s *Set) EvictStale(population int) []PolicyValue {
	if population <= 0 {
		return nil
	}
	var evicted []PolicyValue
	s.values = slices.DeleteFunc(s.values, func(pv PolicyValue) bool {
		if s.latest-pv.Iteration > population {
			evicted = append(evicted, pv)
			return true
		}
		return false
	})
	return evicted
}

// Filter drops values for which valid returns false and reports how many
// were removed.
func (s *Set) Filter(valid func(PolicyValue) bool) int {
	before := len(s.values)
	s.values = slices.DeleteFunc(s.values, func(pv PolicyValue) bool { return !valid(pv) })
	return before - len(s.values)
}

// Clear empties the set.
func (s *Set) Clear() {
	s.values = nil
}

// TiedAtMinimum reports whether every stored value equals the same score and
// that score is no better than min: the set carries no learning signal.
func (s *Set) TiedAtMinimum(min float64) bool {
	best, ok := s.Best()
	if !ok {
		return true
	}
	worst, _ := s.Worst()
	return best.Value == worst.Value && best.Value <= min
}
