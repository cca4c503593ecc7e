package generator

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"

	"github.com/clawinfra/cerrla/internal/rule"
	"github.com/clawinfra/cerrla/internal/slot"
)

// snapshotVersion is bumped whenever the persisted layout changes.
const snapshotVersion = 1

type snapshot struct {
	Version     int              `json:"version"`
	Config      Config           `json:"config"`
	Rules       []*rule.Rule     `json:"rules"`
	Slots       []slot.State     `json:"slots"`
	NextSlot    rule.SlotID      `json:"nextSlot"`
	Convergence float64          `json:"convergence"`
	Observation rule.Observation `json:"observation"`
	RNG         []byte           `json:"rng"`
}

// Options supplies the collaborators a restored generator needs.
type Options struct {
	Specializer Specializer
	Logger      *slog.Logger
}

// Serialize captures the full learner state: rules with lineage, every slot,
// the observation snapshot and the random source.
func (g *Generator) Serialize() ([]byte, error) {
	rngState, err := g.pcg.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("marshal rng: %w", err)
	}
	snap := snapshot{
		Version:     snapshotVersion,
		Config:      g.cfg,
		Rules:       g.arena.All(),
		Slots:       make([]slot.State, len(g.slots)),
		NextSlot:    g.nextSlot,
		Convergence: g.convergence,
		Observation: g.obs,
		RNG:         rngState,
	}
	for i, s := range g.slots {
		snap.Slots[i] = s.State()
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("marshal generator: %w", err)
	}
	return data, nil
}

// Deserialize restores a generator written by Serialize.
func Deserialize(data []byte, opts Options) (*Generator, error) {
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal generator: %w", err)
	}
	if snap.Version != snapshotVersion {
		return nil, fmt.Errorf("unsupported generator snapshot version %d", snap.Version)
	}
	arena, err := rule.FromRules(snap.Rules)
	if err != nil {
		return nil, fmt.Errorf("restore rules: %w", err)
	}
	pcg := &rand.PCG{}
	if err := pcg.UnmarshalBinary(snap.RNG); err != nil {
		return nil, fmt.Errorf("restore rng: %w", err)
	}

	g := newGenerator(snap.Config, opts.Specializer, opts.Logger, arena, pcg)
	for _, st := range snap.Slots {
		if _, dup := g.bySlot[st.ID]; dup {
			return nil, fmt.Errorf("duplicate slot %d", st.ID)
		}
		refs := []rule.ID{st.Seed}
		if st.Fixed {
			refs = append(refs, st.FixedRule)
		}
		for _, e := range st.Rules {
			refs = append(refs, e.Item)
		}
		for _, id := range refs {
			r, ok := arena.Get(id)
			if !ok {
				return nil, fmt.Errorf("slot %d: %w: %d", st.ID, rule.ErrUnknownRule, id)
			}
			if r.Slot != st.ID {
				return nil, fmt.Errorf("slot %d: rule %d belongs to slot %d", st.ID, id, r.Slot)
			}
		}
		g.addSlot(slot.FromState(st, snap.Config.Slot))
	}
	for _, r := range arena.All() {
		if _, ok := g.bySlot[r.Slot]; !ok {
			return nil, fmt.Errorf("rule %d: unknown slot %d", r.ID, r.Slot)
		}
	}
	if snap.NextSlot > g.nextSlot {
		g.nextSlot = snap.NextSlot
	}
	g.convergence = snap.Convergence
	g.SetObservation(snap.Observation)
	return g, nil
}
