package generator

import (
	"errors"
	"fmt"

	"github.com/clawinfra/cerrla/internal/elites"
	"github.com/clawinfra/cerrla/internal/rule"
	"github.com/clawinfra/cerrla/internal/slot"
)

// ErrNoUpdate is returned when the elites carry no learning signal and the
// distributions were left untouched.
var ErrNoUpdate = errors.New("no informative elites")

// UpdateDistributions runs one update cycle against the elite set: stale and
// overflowing values are evicted, the remaining elites are aggregated and
// every slot moves toward them. It returns the mean per-slot update
// magnitude. The set is trimmed in place.
func (g *Generator) UpdateDistributions(set *elites.Set, alpha float64, population, numElites int, minObservedValue float64) (float64, error) {
	stale := set.EvictStale(population)
	evicted := set.Trim(numElites)

	if set.TiedAtMinimum(minObservedValue) {
		g.logger.Debug("update skipped", "elites", set.Len(), "min", minObservedValue)
		return 0, ErrNoUpdate
	}
	data := elites.Aggregate(set.Values(), g.cfg.WeightedUpdates)
	if data.TotalWeight <= 0 || len(g.slots) == 0 {
		return 0, ErrNoUpdate
	}

	total := 0.0
	for _, s := range g.slots {
		total += s.UpdateProbabilities(data.Slot(s.ID()), alpha, population, numElites)
	}
	g.convergence = total / float64(len(g.slots))

	negative := 0.0
	if g.cfg.NegativeUpdates && len(evicted) > 0 {
		best, _ := set.Best()
		worst, _ := set.Worst()
		neg := elites.AggregateNegative(evicted, best.Value, worst.Value)
		for _, s := range g.slots {
			negative += s.NegativeUpdate(neg.Slot(s.ID()), alpha)
		}
	}

	g.logger.Debug("distribution updated",
		"elites", set.Len(),
		"evicted", len(evicted),
		"stale", len(stale),
		"convergence", g.convergence,
		"negative", negative,
	)
	return g.convergence, nil
}

// PostUpdateOperations grows and refines the rule structure after an update.
// Frequently used, probable rules whose snapshot differs from the current one
// are specialized into new variants of their slot. Then every splittable
// slot hands its best non-seed rule to a new child slot. It reports whether
// a slot was created.
func (g *Generator) PostUpdateOperations(mutationUses int) (bool, error) {
	if g.frozen {
		return false, nil
	}
	if err := g.mutate(mutationUses); err != nil {
		return false, err
	}
	return g.split(), nil
}

func (g *Generator) mutate(mutationUses int) error {
	if g.spec == nil || g.obs.IsZero() {
		return nil
	}
	for _, s := range g.slots {
		if s.IsFixed() || s.IsFrozen() || s.IsEmpty() {
			continue
		}
		threshold := 1 / float64(s.Size())
		for _, e := range s.Entries() {
			r, ok := g.arena.Get(e.Item)
			if !ok {
				return fmt.Errorf("slot %d: %w: %d", s.ID(), rule.ErrUnknownRule, e.Item)
			}
			if r.Uses < mutationUses || r.SpawnedHash == g.obsHash {
				continue
			}
			if e.Prob < threshold && e.Item != s.Seed() {
				continue
			}
			added, err := g.specialize(s, r)
			if err != nil {
				return err
			}
			if added > 0 {
				g.logger.Debug("rule specialized", "slot", s.ID(), "rule", r.ID, "variants", added)
			}
		}
	}
	return nil
}

func (g *Generator) specialize(s *slot.Slot, parent *rule.Rule) (int, error) {
	variants, err := g.spec.Specialize(parent, g.obs)
	if err != nil {
		return 0, fmt.Errorf("specialize rule %d: %w", parent.ID, err)
	}
	parent.SpawnedHash = g.obsHash
	added := 0
	for _, v := range variants {
		if v.Signature() != s.Signature() {
			continue
		}
		v.Slot = s.ID()
		id, isNew := g.arena.Add(v)
		if !isNew {
			continue
		}
		if err := g.arena.Link(parent.ID, id); err != nil {
			return added, err
		}
		s.AddRule(id)
		added++
	}
	return added, nil
}

func (g *Generator) split() bool {
	seeds := make(map[rule.ID]bool, len(g.slots))
	for _, s := range g.slots {
		seeds[s.Seed()] = true
	}
	changed := false
	for _, parent := range g.Slots() {
		if !parent.IsSplittable() {
			continue
		}
		best, ok := parent.MostLikely()
		if !ok || best == parent.Seed() || seeds[best] {
			continue
		}
		r, ok := g.arena.Get(best)
		if !ok {
			continue
		}
		child := slot.NewChild(g.nextSlot, parent, best)
		g.addSlot(child)
		parent.RemoveRule(best)
		r.Slot = child.ID()
		seeds[best] = true
		changed = true
		g.logger.Info("slot split", "parent", parent.ID(), "child", child.ID(), "seed", best, "level", child.Level())
	}
	return changed
}
