// Package generator owns the rule arena and the slots of one learner and
// samples candidate policies from them.
package generator

import (
	"fmt"
	"log/slog"
	"math/rand/v2"
	"slices"

	"gonum.org/v1/gonum/stat/distuv"

	"github.com/clawinfra/cerrla/internal/policy"
	"github.com/clawinfra/cerrla/internal/rule"
	"github.com/clawinfra/cerrla/internal/slot"
)

// Specializer creates rule variants from an observation snapshot.
type Specializer interface {
	Specialize(r *rule.Rule, obs rule.Observation) ([]rule.Rule, error)
	Cover(obs rule.Observation) ([]rule.Rule, error)
}

// maxRetries bounds resampling when every slot declined to contribute.
const maxRetries = 100

// orderingTieStep separates rules drawn with the same ordering value.
const orderingTieStep = 1e-6

// Config configures a generator.
type Config struct {
	Slot            slot.Config    `json:"slot"`
	Rho             float64        `json:"rho"`
	PopulationMode  PopulationMode `json:"populationMode"`
	MinPopulation   int            `json:"minPopulation"`
	WeightedUpdates bool           `json:"weightedUpdates"`
	NegativeUpdates bool           `json:"negativeUpdates"`
}

// DefaultConfig returns the standard generator settings.
func DefaultConfig() Config {
	return Config{
		Slot:           slot.DefaultConfig(),
		Rho:            0.05,
		PopulationMode: PopulationCombined,
		MinPopulation:  1,
	}
}

// Generator is the explicit learning context: it owns the rule arena, the
// slots and the random source, and is passed to every collaborator.
type Generator struct {
	cfg    Config
	spec   Specializer
	logger *slog.Logger

	arena    *rule.Arena
	slots    []*slot.Slot
	bySlot   map[rule.SlotID]*slot.Slot
	nextSlot rule.SlotID

	pcg *rand.PCG
	rng *rand.Rand

	obs         rule.Observation
	obsHash     string
	convergence float64
	frozen      bool
}

// New creates an empty generator seeded with seed.
func New(cfg Config, spec Specializer, seed uint64, logger *slog.Logger) *Generator {
	pcg := rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)
	return newGenerator(cfg, spec, logger, rule.NewArena(), pcg)
}

func newGenerator(cfg Config, spec Specializer, logger *slog.Logger, arena *rule.Arena, pcg *rand.PCG) *Generator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Generator{
		cfg:      cfg,
		spec:     spec,
		logger:   logger.With("component", "generator"),
		arena:    arena,
		bySlot:   make(map[rule.SlotID]*slot.Slot),
		nextSlot: 1,
		pcg:      pcg,
		rng:      rand.New(pcg),
	}
}

// Config returns the generator configuration.
func (g *Generator) Config() Config { return g.cfg }

// Slots returns the slots in creation order.
func (g *Generator) Slots() []*slot.Slot { return slices.Clone(g.slots) }

// Slot returns a slot by ID.
func (g *Generator) Slot(id rule.SlotID) (*slot.Slot, bool) {
	s, ok := g.bySlot[id]
	return s, ok
}

// Rules returns every rule ever created, ordered by ID.
func (g *Generator) Rules() []*rule.Rule { return g.arena.All() }

// Rule returns a rule by ID.
func (g *Generator) Rule(id rule.ID) (*rule.Rule, bool) { return g.arena.Get(id) }

// Observation returns the current observation snapshot.
func (g *Generator) Observation() rule.Observation { return g.obs }

// Convergence is the mean per-slot update magnitude of the last update.
func (g *Generator) Convergence() float64 { return g.convergence }

// IsFrozen reports whether the generator is in evaluation mode.
func (g *Generator) IsFrozen() bool { return g.frozen }

// SetObservation replaces the observation snapshot used for covering and
// specialization.
func (g *Generator) SetObservation(obs rule.Observation) {
	g.obs = obs
	g.obsHash = obs.Hash()
}

// Cover records obs and seeds a root slot for every action signature not
// seen before. A new seed for an existing signature joins its root slot.
// It returns the number of slots created.
func (g *Generator) Cover(obs rule.Observation) (int, error) {
	g.SetObservation(obs)
	if g.spec == nil {
		return 0, nil
	}
	seeds, err := g.spec.Cover(obs)
	if err != nil {
		return 0, fmt.Errorf("cover: %w", err)
	}
	created := 0
	for _, seed := range seeds {
		if g.addSeed(seed) {
			created++
		}
	}
	if created > 0 {
		g.logger.Info("covered observation", "slots", created, "total", len(g.slots))
	}
	return created, nil
}

// addSeed stores r and attaches it to the root slot of its signature,
// creating that slot if needed. It reports whether a slot was created.
func (g *Generator) addSeed(r rule.Rule) bool {
	if _, exists := g.arena.Lookup(r.Key()); exists {
		return false
	}
	sig := r.Signature()
	for _, s := range g.slots {
		if s.Level() == 0 && s.Signature() == sig {
			r.Slot = s.ID()
			id, _ := g.arena.Add(r)
			s.AddRule(id)
			return false
		}
	}
	slotID := g.nextSlot
	r.Slot = slotID
	id, _ := g.arena.Add(r)
	g.addSlot(slot.New(slotID, sig, id, g.cfg.Slot))
	return true
}

func (g *Generator) addSlot(s *slot.Slot) {
	g.slots = append(g.slots, s)
	g.bySlot[s.ID()] = s
	if s.ID() >= g.nextSlot {
		g.nextSlot = s.ID() + 1
	}
}

// GeneratePolicy samples a policy: each non-empty slot is used with its
// selection probability, contributes one rule and places it by a noisy
// ordering value. With influenceUntested rules with few uses are favoured.
// A frozen generator is greedy: it uses slots with selection probability at
// least one half, their most likely rule and their mean ordering.
func (g *Generator) GeneratePolicy(influenceUntested bool) (*policy.Policy, error) {
	nonEmpty := 0
	for _, s := range g.slots {
		if !s.IsEmpty() {
			nonEmpty++
		}
	}
	if nonEmpty == 0 {
		return policy.Empty(), nil
	}

	for attempt := 0; attempt < maxRetries; attempt++ {
		entries, err := g.sampleEntries(influenceUntested)
		if err != nil {
			return nil, err
		}
		if len(entries) > 0 || g.frozen {
			if !g.frozen {
				for _, e := range entries {
					if r, ok := g.arena.Get(e.Rule); ok {
						r.Uses++
					}
				}
			}
			return policy.New(entries), nil
		}
	}
	g.logger.Debug("no slot selected", "attempts", maxRetries)
	return policy.Empty(), nil
}

func (g *Generator) sampleEntries(influenceUntested bool) ([]policy.Entry, error) {
	var entries []policy.Entry
	used := make(map[float64]bool)
	for _, s := range g.slots {
		if s.IsEmpty() {
			continue
		}
		var (
			id    rule.ID
			order float64
			err   error
		)
		if g.frozen {
			if s.SelectionProb() < 0.5 {
				continue
			}
			id, err = s.Sample(g.rng, true)
			order = s.Ordering()
		} else {
			if !s.UseSlot(g.rng) {
				continue
			}
			if influenceUntested {
				id, err = s.SampleInfluenced(g.rng, g.uses)
			} else {
				id, err = s.Sample(g.rng, false)
			}
			order = distuv.Normal{Mu: s.Ordering(), Sigma: s.OrderingSpread(), Src: g.rng}.Rand()
		}
		if err != nil {
			return nil, fmt.Errorf("generate policy: %w", err)
		}
		for used[order] {
			order += orderingTieStep
		}
		used[order] = true
		entries = append(entries, policy.Entry{Rule: id, Slot: s.ID(), Order: order})
	}
	return entries, nil
}

func (g *Generator) uses(id rule.ID) int {
	if r, ok := g.arena.Get(id); ok {
		return r.Uses
	}
	return 0
}

// ValidPolicy reports whether every rule of p still belongs to the slot it
// was drawn from. Policies drawn before a structural change may not.
func (g *Generator) ValidPolicy(p *policy.Policy) bool {
	if p == nil {
		return false
	}
	for _, e := range p.Entries() {
		r, ok := g.arena.Get(e.Rule)
		if !ok || r.Slot != e.Slot {
			return false
		}
		s, ok := g.bySlot[e.Slot]
		if !ok {
			return false
		}
		if fixed, isFixed := s.FixedRule(); isFixed {
			if fixed != e.Rule {
				return false
			}
			continue
		}
		if !s.Contains(e.Rule) {
			return false
		}
	}
	return true
}

// IsConverged reports whether every slot has converged. A generator without
// slots has not.
func (g *Generator) IsConverged() bool {
	if len(g.slots) == 0 {
		return false
	}
	converged := true
	for _, s := range g.slots {
		// Evaluate every slot so auto-fixing applies to all of them.
		if !s.IsConverged() {
			converged = false
		}
	}
	return converged
}

// Freeze switches evaluation mode. Unfreezing restores every slot to the
// state it had when frozen.
func (g *Generator) Freeze(freeze bool) {
	for _, s := range g.slots {
		s.Freeze(freeze)
	}
	g.frozen = freeze
	g.logger.Debug("freeze", "frozen", freeze)
}
