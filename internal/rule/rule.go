// Package rule defines relational rules, the arena that owns them, and the
// observation snapshots rules are covered and specialized against.
package rule

import (
	"fmt"
	"slices"
	"strings"
)

// ID is a stable arena identifier for a rule.
type ID int

// SlotID identifies the slot owning a rule. Zero means unassigned.
type SlotID int

// NoSlot marks a rule that no slot owns.
const NoSlot SlotID = 0

// Condition is a single (possibly negated) literal such as clear(?X).
// Arguments beginning with '?' are variables; everything else is a constant.
type Condition struct {
	Predicate string   `json:"predicate" yaml:"predicate" toml:"predicate"`
	Args      []string `json:"args,omitempty" yaml:"args,omitempty" toml:"args,omitempty"`
	Negated   bool     `json:"negated,omitempty" yaml:"negated,omitempty" toml:"negated,omitempty"`
}

func (c Condition) String() string {
	s := "(" + c.Predicate
	for _, a := range c.Args {
		s += " " + a
	}
	s += ")"
	if c.Negated {
		return "(not " + s + ")"
	}
	return s
}

// Variables returns the variable arguments of the condition.
func (c Condition) Variables() []string {
	var vars []string
	for _, a := range c.Args {
		if IsVariable(a) {
			vars = append(vars, a)
		}
	}
	return vars
}

// Range bounds a numeric variable to [Min, Max].
type Range struct {
	Variable string  `json:"variable" yaml:"variable" toml:"variable"`
	Min      float64 `json:"min" yaml:"min" toml:"min"`
	Max      float64 `json:"max" yaml:"max" toml:"max"`
}

func (r Range) String() string {
	return fmt.Sprintf("(%s in [%g, %g])", r.Variable, r.Min, r.Max)
}

// Action is the head of a rule, e.g. move(?A, ?B).
type Action struct {
	Name string   `json:"name" yaml:"name" toml:"name"`
	Args []string `json:"args,omitempty" yaml:"args,omitempty" toml:"args,omitempty"`
}

// Signature is the action name and arity; all rules of a slot share it.
func (a Action) Signature() string {
	return fmt.Sprintf("%s/%d", a.Name, len(a.Args))
}

func (a Action) String() string {
	return Condition{Predicate: a.Name, Args: a.Args}.String()
}

// Rule is a condition set plus one action. The structural fields are
// immutable by convention once the rule is in an arena; Uses, lineage, Slot
// and SpawnedHash change as learning proceeds.
type Rule struct {
	ID         ID          `json:"id"`
	Conditions []Condition `json:"conditions"`
	Ranges     []Range     `json:"ranges,omitempty"`
	Action     Action      `json:"action"`

	Uses        int    `json:"uses"`
	Parents     []ID   `json:"parents,omitempty"`
	Children    []ID   `json:"children,omitempty"`
	Slot        SlotID `json:"slot"`
	SpawnedHash string `json:"spawnedHash,omitempty"`
}

// IsVariable reports whether a term is a variable.
func IsVariable(term string) bool {
	return strings.HasPrefix(term, "?")
}

// Key is a canonical string for structural equality: the same conditions in
// any order, the same ranges and the same action produce the same key.
func (r *Rule) Key() string {
	conds := make([]string, len(r.Conditions))
	for i, c := range r.Conditions {
		conds[i] = c.String()
	}
	slices.Sort(conds)
	ranges := make([]string, len(r.Ranges))
	for i, rg := range r.Ranges {
		ranges[i] = rg.String()
	}
	slices.Sort(ranges)
	return strings.Join(conds, " ") + " | " + strings.Join(ranges, " ") + " => " + r.Action.String()
}

// Signature is the rule's action signature.
func (r *Rule) Signature() string { return r.Action.Signature() }

func (r *Rule) String() string {
	parts := make([]string, 0, len(r.Conditions)+len(r.Ranges))
	for _, c := range r.Conditions {
		parts = append(parts, c.String())
	}
	for _, rg := range r.Ranges {
		parts = append(parts, rg.String())
	}
	return strings.Join(parts, " ") + " => " + r.Action.String()
}

// Variables returns every variable mentioned by the rule, in first-seen order.
func (r *Rule) Variables() []string {
	seen := map[string]bool{}
	var vars []string
	add := func(terms []string) {
		for _, t := range terms {
			if IsVariable(t) && !seen[t] {
				seen[t] = true
				vars = append(vars, t)
			}
		}
	}
	add(r.Action.Args)
	for _, c := range r.Conditions {
		add(c.Args)
	}
	return vars
}

// HasCondition reports whether the rule already contains c.
func (r *Rule) HasCondition(c Condition) bool {
	key := c.String()
	for _, existing := range r.Conditions {
		if existing.String() == key {
			return true
		}
	}
	return false
}

// Structure returns a copy of the rule's structural part only: no ID, no
// usage, no lineage, no slot. Specializers start from this.
func (r *Rule) Structure() Rule {
	out := Rule{
		Conditions: make([]Condition, len(r.Conditions)),
		Ranges:     make([]Range, len(r.Ranges)),
		Action:     Action{Name: r.Action.Name, Args: slices.Clone(r.Action.Args)},
	}
	for i, c := range r.Conditions {
		out.Conditions[i] = Condition{Predicate: c.Predicate, Args: slices.Clone(c.Args), Negated: c.Negated}
	}
	copy(out.Ranges, r.Ranges)
	return out
}

// Clone returns a deep copy including lineage and bookkeeping.
func (r *Rule) Clone() *Rule {
	c := r.Structure()
	c.ID = r.ID
	c.Uses = r.Uses
	c.Parents = slices.Clone(r.Parents)
	c.Children = slices.Clone(r.Children)
	c.Slot = r.Slot
	c.SpawnedHash = r.SpawnedHash
	return &c
}
