package rule

import (
	"errors"
	"fmt"
	"slices"
)

// ErrUnknownRule is returned when an ID does not name a rule in the arena.
var ErrUnknownRule = errors.New("unknown rule")

// Arena owns every rule of a learner. Rules are addressed by dense IDs
// starting at 1 and lineage is stored as ID references, so the mutation DAG
// serializes without pointer cycles.
type Arena struct {
	rules []*Rule
	byKey map[string]ID
}

// NewArena creates an empty arena.
func NewArena() *Arena {
	return &Arena{byKey: make(map[string]ID)}
}

// FromRules rebuilds an arena from persisted rules. IDs must be dense and
// start at 1; lineage references must resolve.
func FromRules(rules []*Rule) (*Arena, error) {
	a := NewArena()
	sorted := slices.Clone(rules)
	slices.SortFunc(sorted, func(x, y *Rule) int { return int(x.ID) - int(y.ID) })
	for i, r := range sorted {
		if r.ID != ID(i+1) {
			return nil, fmt.Errorf("rule ids not dense: expected %d, got %d", i+1, r.ID)
		}
		key := r.Key()
		if _, dup := a.byKey[key]; dup {
			return nil, fmt.Errorf("duplicate rule %d: %s", r.ID, key)
		}
		a.rules = append(a.rules, r.Clone())
		a.byKey[key] = r.ID
	}
	for _, r := range a.rules {
		for _, ref := range append(slices.Clone(r.Parents), r.Children...) {
			if _, ok := a.Get(ref); !ok {
				return nil, fmt.Errorf("rule %d lineage: %w: %d", r.ID, ErrUnknownRule, ref)
			}
		}
	}
	return a, nil
}

// Add stores the structure of r under a new ID. If a structurally identical
// rule already exists its ID is returned with added=false.
func (a *Arena) Add(r Rule) (id ID, added bool) {
	key := r.Key()
	if existing, ok := a.byKey[key]; ok {
		return existing, false
	}
	stored := r.Structure()
	stored.ID = ID(len(a.rules) + 1)
	stored.Slot = r.Slot
	a.rules = append(a.rules, &stored)
	a.byKey[key] = stored.ID
	return stored.ID, true
}

// Get returns the rule with the given ID.
func (a *Arena) Get(id ID) (*Rule, bool) {
	if id < 1 || int(id) > len(a.rules) {
		return nil, false
	}
	return a.rules[id-1], true
}

// Lookup finds a rule by its canonical key.
func (a *Arena) Lookup(key string) (ID, bool) {
	id, ok := a.byKey[key]
	return id, ok
}

// Link records a mutation edge from parent to child.
func (a *Arena) Link(parent, child ID) error {
	p, ok := a.Get(parent)
	if !ok {
		return fmt.Errorf("link parent: %w: %d", ErrUnknownRule, parent)
	}
	c, ok := a.Get(child)
	if !ok {
		return fmt.Errorf("link child: %w: %d", ErrUnknownRule, child)
	}
	if !slices.Contains(p.Children, child) {
		p.Children = append(p.Children, child)
	}
	if !slices.Contains(c.Parents, parent) {
		c.Parents = append(c.Parents, parent)
	}
	return nil
}

// Len is the number of rules in the arena.
func (a *Arena) Len() int { return len(a.rules) }

// All returns the rules ordered by ID.
func (a *Arena) All() []*Rule {
	return slices.Clone(a.rules)
}

// Clone deep-copies the arena.
func (a *Arena) Clone() *Arena {
	c := NewArena()
	for _, r := range a.rules {
		c.rules = append(c.rules, r.Clone())
	}
	for k, v := range a.byKey {
		c.byKey[k] = v
	}
	return c
}
