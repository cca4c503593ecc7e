// Package slot implements a slot: a distribution over rule variants that
// share one action signature, together with the probability that the slot
// contributes a rule to a policy at all and where in the policy it goes.
package slot

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/clawinfra/cerrla/internal/dist"
	"github.com/clawinfra/cerrla/internal/elites"
	"github.com/clawinfra/cerrla/internal/rule"
)

// ErrEmptySlot is returned when sampling a slot that is neither fixed nor
// holds any rule. Callers must check IsEmpty first.
var ErrEmptySlot = errors.New("sample from empty slot")

// Initial values of a root slot.
const (
	InitialSelectionProb = 0.5
	InitialOrdering      = 0.5
	InitialSpread        = 0.5
)

// Config tunes convergence and splitting.
type Config struct {
	// Beta is the update magnitude below which an update counts as converged.
	Beta float64 `json:"beta"`
	// ConvergedUpdates is how many consecutive converged updates make the
	// slot converged.
	ConvergedUpdates int `json:"convergedUpdates"`
	// SplitFactor scales the effective-size threshold for splitting.
	SplitFactor float64 `json:"splitFactor"`
	// AutoFix collapses a slot to its single remaining rule once it is
	// almost always used.
	AutoFix bool `json:"autoFix"`
	// MinSpread keeps ordering noise from vanishing.
	MinSpread float64 `json:"minSpread"`
}

// DefaultConfig returns the standard slot settings.
func DefaultConfig() Config {
	return Config{
		Beta:             0.01,
		ConvergedUpdates: 10,
		SplitFactor:      1.0,
		AutoFix:          true,
		MinSpread:        0.01,
	}
}

// State is the full persisted form of a slot.
type State struct {
	ID              rule.SlotID           `json:"id"`
	Signature       string                `json:"signature"`
	Seed            rule.ID               `json:"seed"`
	Level           int                   `json:"level"`
	Rules           []dist.Entry[rule.ID] `json:"rules"`
	SelectionProb   float64               `json:"selectionProb"`
	Ordering        float64               `json:"ordering"`
	OrderingSpread  float64               `json:"orderingSpread"`
	Fixed           bool                  `json:"fixed"`
	FixedRule       rule.ID               `json:"fixedRule,omitempty"`
	SamplesSeen     float64               `json:"samplesSeen"`
	NumUpdates      int                   `json:"numUpdates"`
	ConvergedStreak int                   `json:"convergedStreak"`
	LastChange      float64               `json:"lastChange"`
}

// Slot groups the rules of one action signature.
type Slot struct {
	id        rule.SlotID
	signature string
	seed      rule.ID
	level     int

	rules         *dist.Distribution[rule.ID]
	selectionProb float64
	ordering      float64
	spread        float64

	fixed     bool
	fixedRule rule.ID

	samplesSeen     float64
	numUpdates      int
	convergedStreak int
	lastChange      float64

	frozen bool
	backup *State

	cfg Config
}

// New creates a root-level slot seeded with one rule.
func New(id rule.SlotID, signature string, seed rule.ID, cfg Config) *Slot {
	s := &Slot{
		id:            id,
		signature:     signature,
		seed:          seed,
		rules:         dist.New[rule.ID](),
		selectionProb: InitialSelectionProb,
		ordering:      InitialOrdering,
		spread:        InitialSpread,
		lastChange:    math.Inf(1),
		cfg:           cfg,
	}
	s.rules.Add(seed)
	return s
}

// NewChild creates a slot one level below parent, seeded with seed and
// inheriting the parent's selection probability and ordering.
func NewChild(id rule.SlotID, parent *Slot, seed rule.ID) *Slot {
	c := New(id, parent.signature, seed, parent.cfg)
	c.level = parent.level + 1
	c.selectionProb = parent.selectionProb
	c.ordering = parent.ordering
	c.spread = parent.spread
	return c
}

// FromState restores a persisted slot.
func FromState(st State, cfg Config) *Slot {
	lastChange := st.LastChange
	if st.NumUpdates == 0 {
		lastChange = math.Inf(1)
	}
	return &Slot{
		id:              st.ID,
		signature:       st.Signature,
		seed:            st.Seed,
		level:           st.Level,
		rules:           dist.FromEntries(st.Rules),
		selectionProb:   clamp01(st.SelectionProb),
		ordering:        st.Ordering,
		spread:          st.OrderingSpread,
		fixed:           st.Fixed,
		fixedRule:       st.FixedRule,
		samplesSeen:     st.SamplesSeen,
		numUpdates:      st.NumUpdates,
		convergedStreak: st.ConvergedStreak,
		lastChange:      lastChange,
		cfg:             cfg,
	}
}

// State captures the slot for persistence.
func (s *Slot) State() State {
	lastChange := s.lastChange
	if math.IsInf(lastChange, 0) {
		lastChange = 0
	}
	return State{
		ID:              s.id,
		Signature:       s.signature,
		Seed:            s.seed,
		Level:           s.level,
		Rules:           s.rules.Entries(),
		SelectionProb:   s.selectionProb,
		Ordering:        s.ordering,
		OrderingSpread:  s.spread,
		Fixed:           s.fixed,
		FixedRule:       s.fixedRule,
		SamplesSeen:     s.samplesSeen,
		NumUpdates:      s.numUpdates,
		ConvergedStreak: s.convergedStreak,
		LastChange:      lastChange,
	}
}

func (s *Slot) ID() rule.SlotID         { return s.id }
func (s *Slot) Signature() string       { return s.signature }
func (s *Slot) Seed() rule.ID           { return s.seed }
func (s *Slot) Level() int              { return s.level }
func (s *Slot) SelectionProb() float64  { return s.selectionProb }
func (s *Slot) Ordering() float64       { return s.ordering }
func (s *Slot) OrderingSpread() float64 { return s.spread }
func (s *Slot) IsFixed() bool           { return s.fixed }
func (s *Slot) IsFrozen() bool          { return s.frozen }
func (s *Slot) NumUpdates() int         { return s.numUpdates }
func (s *Slot) ConvergedStreak() int    { return s.convergedStreak }
func (s *Slot) LastChange() float64     { return s.lastChange }
func (s *Slot) Size() int               { return s.rules.Size() }
func (s *Slot) KLSize() float64         { return s.rules.KLSize() }

// FixedRule returns the rule a fixed slot collapsed to.
func (s *Slot) FixedRule() (rule.ID, bool) { return s.fixedRule, s.fixed }

// IsEmpty reports whether the slot has nothing to sample.
func (s *Slot) IsEmpty() bool { return !s.fixed && s.rules.IsEmpty() }

// Contains reports whether the rule belongs to the slot's distribution.
func (s *Slot) Contains(id rule.ID) bool { return s.rules.Contains(id) }

// Prob is the probability of a rule within the slot.
func (s *Slot) Prob(id rule.ID) float64 { return s.rules.Prob(id) }

// Entries returns the rule distribution in insertion order.
func (s *Slot) Entries() []dist.Entry[rule.ID] { return s.rules.Entries() }

// MostLikely returns the most probable rule.
func (s *Slot) MostLikely() (rule.ID, bool) {
	if s.fixed {
		return s.fixedRule, true
	}
	return s.rules.MostLikely()
}

// AddRule adds a rule at the average mass of the slot. Fixed slots do not
// grow.
func (s *Slot) AddRule(id rule.ID) bool {
	if s.fixed {
		return false
	}
	return s.rules.Add(id)
}

// RemoveRule drops a rule; the seed rule of a slot cannot be removed.
func (s *Slot) RemoveRule(id rule.ID) bool {
	if id == s.seed || (s.fixed && id == s.fixedRule) {
		return false
	}
	return s.rules.Remove(id)
}

// Sample returns the fixed rule of a fixed slot, otherwise a draw from the
// rule distribution.
func (s *Slot) Sample(rng *rand.Rand, useMostLikely bool) (rule.ID, error) {
	if s.fixed {
		return s.fixedRule, nil
	}
	id, ok := s.rules.Sample(rng, useMostLikely)
	if !ok {
		return 0, fmt.Errorf("slot %d (%s): %w", s.id, s.signature, ErrEmptySlot)
	}
	return id, nil
}

// SampleInfluenced draws from a copy of the distribution that favours rules
// with few recorded uses.
func (s *Slot) SampleInfluenced(rng *rand.Rand, uses func(rule.ID) int) (rule.ID, error) {
	if s.fixed {
		return s.fixedRule, nil
	}
	id, ok := s.rules.Influenced(uses).Sample(rng, false)
	if !ok {
		return 0, fmt.Errorf("slot %d (%s): %w", s.id, s.signature, ErrEmptySlot)
	}
	return id, nil
}

// UseSlot is a Bernoulli draw with the slot's selection probability.
func (s *Slot) UseSlot(rng *rand.Rand) bool {
	return rng.Float64() < s.selectionProb
}

// SplitThreshold is the effective size under which the slot may split. It
// shrinks with depth and grows with the selection probability.
func (s *Slot) SplitThreshold() float64 {
	return 1 + s.cfg.SplitFactor*s.selectionProb/float64(s.level+1)
}

// IsSplittable reports whether the slot's distribution is concentrated
// enough, relative to how often the slot is used, to refine it.
func (s *Slot) IsSplittable() bool {
	if s.fixed || s.frozen || s.rules.Size() < 2 {
		return false
	}
	return s.KLSize() < s.SplitThreshold()
}

// IsConverged reports whether the slot has stopped learning. A slot whose
// distribution collapsed onto one rule and that is almost always used is
// fixed as a side effect when auto-fixing is enabled. Collapse only counts
// after an update that barely moved the slot, so a freshly split child with
// its single seed rule stays open to specialization.
func (s *Slot) IsConverged() bool {
	if s.fixed {
		return true
	}
	if s.selectionProb <= s.cfg.Beta {
		return true
	}
	if s.cfg.AutoFix && !s.frozen && s.rules.Size() > 0 && s.convergedStreak > 0 &&
		s.KLSize() <= 1+s.cfg.Beta && s.selectionProb >= 1-s.cfg.Beta {
		if id, ok := s.rules.MostLikely(); ok {
			s.Fix(id)
			return true
		}
	}
	return s.cfg.ConvergedUpdates > 0 && s.convergedStreak >= s.cfg.ConvergedUpdates
}

// Fix collapses the slot onto one rule: that rule keeps probability one and
// every other rule keeps zero mass.
func (s *Slot) Fix(id rule.ID) {
	entries := s.rules.Entries()
	for i := range entries {
		if entries[i].Item == id {
			entries[i].Prob = 1
		} else {
			entries[i].Prob = 0
		}
	}
	if !s.rules.Contains(id) {
		entries = append(entries, dist.Entry[rule.ID]{Item: id, Prob: 1})
	}
	s.rules = dist.FromEntries(entries)
	s.fixed = true
	s.fixedRule = id
}

// LocalAlpha scales the learning rate by how much evidence the slot has
// accumulated: the full rate at first, down to alpha*numElites/population.
func (s *Slot) LocalAlpha(alpha float64, population, numElites int) float64 {
	if population <= 0 {
		return clamp01(alpha)
	}
	remaining := math.Max(float64(population)-s.samplesSeen, float64(numElites))
	return clamp01(alpha * remaining / float64(population))
}

// UpdateProbabilities moves the selection probability, the ordering and the
// rule distribution toward the elite statistics and returns the magnitude of
// the change.
func (s *Slot) UpdateProbabilities(stats *elites.SlotStats, alpha float64, population, numElites int) float64 {
	local := s.LocalAlpha(alpha, population, numElites)

	prevMu := s.selectionProb
	s.selectionProb = clamp01(prevMu + local*(stats.Mean-prevMu))
	change := math.Abs(s.selectionProb - prevMu)

	if stats.Count > 0 {
		prevOrd := s.ordering
		s.ordering = clamp01(prevOrd + local*(stats.Position-prevOrd))
		s.spread = math.Max(s.cfg.MinSpread, s.spread+local*(stats.PositionSpread-s.spread))
		change += math.Abs(s.ordering - prevOrd)

		if !s.fixed {
			next, ruleChange := s.rules.UpdateDistribution(stats.Count, stats.Rules, local)
			s.rules = next
			change += ruleChange
		}
	}

	s.samplesSeen += stats.Count
	s.numUpdates++
	s.lastChange = change
	if change < s.cfg.Beta {
		s.convergedStreak++
	} else {
		s.convergedStreak = 0
	}
	return change
}

// NegativeUpdate lowers the probability of rules that appeared in policies
// which fell out of the elites.
func (s *Slot) NegativeUpdate(stats *elites.SlotStats, alpha float64) float64 {
	if s.fixed || stats.Count <= 0 {
		return 0
	}
	next, change := s.rules.DecreaseProbabilities(stats.Count, stats.Rules, alpha)
	s.rules = next
	return change
}

// Freeze pins the slot for evaluation-only passes. Unfreezing restores the
// state captured when the slot was frozen.
func (s *Slot) Freeze(freeze bool) {
	switch {
	case freeze && !s.frozen:
		st := s.State()
		s.backup = &st
		s.frozen = true
	case !freeze && s.frozen:
		*s = *FromState(*s.backup, s.cfg)
	}
}

func (s *Slot) String() string {
	state := "growing"
	switch {
	case s.fixed:
		state = "fixed"
	case s.frozen:
		state = "frozen"
	}
	return fmt.Sprintf("slot %d %s level=%d mu=%.3f order=%.3f±%.3f size=%d kl=%.2f %s",
		s.id, s.signature, s.level, s.selectionProb, s.ordering, s.spread, s.Size(), s.KLSize(), state)
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(0, math.Min(1, v))
}
