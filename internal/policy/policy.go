// Package policy holds the ordered rule lists that generators emit and the
// harness evaluates.
package policy

import (
	"slices"
	"strings"

	"github.com/clawinfra/cerrla/internal/rule"
)

// Entry is one rule of a policy with the slot that contributed it and the
// (noisy) ordering value it was placed by.
type Entry struct {
	Rule  rule.ID     `json:"rule"`
	Slot  rule.SlotID `json:"slot"`
	Order float64     `json:"order"`
}

// Policy is an ordered rule sequence. It is immutable once created.
type Policy struct {
	entries []Entry
}

// New builds a policy sorted by ascending ordering value.
func New(entries []Entry) *Policy {
	sorted := slices.Clone(entries)
	slices.SortStableFunc(sorted, func(a, b Entry) int {
		switch {
		case a.Order < b.Order:
			return -1
		case a.Order > b.Order:
			return 1
		default:
			return 0
		}
	})
	return &Policy{entries: sorted}
}

// Empty returns a policy with no rules.
func Empty() *Policy { return &Policy{} }

// Entries returns a copy of the entries in firing order.
func (p *Policy) Entries() []Entry { return slices.Clone(p.entries) }

// Len is the number of rules in the policy.
func (p *Policy) Len() int { return len(p.entries) }

// IsEmpty reports whether the policy has no rules.
func (p *Policy) IsEmpty() bool { return len(p.entries) == 0 }

// Rules returns the rule IDs in firing order.
func (p *Policy) Rules() []rule.ID {
	out := make([]rule.ID, len(p.entries))
	for i, e := range p.entries {
		out[i] = e.Rule
	}
	return out
}

// Contains reports whether the policy includes the rule.
func (p *Policy) Contains(id rule.ID) bool {
	return slices.ContainsFunc(p.entries, func(e Entry) bool { return e.Rule == id })
}

// RelativePosition maps index i to [0, 1]: 0 for the first rule, 1 for the
// last. A single-rule policy sits at 0.5.
func (p *Policy) RelativePosition(i int) float64 {
	if len(p.entries) <= 1 {
		return 0.5
	}
	return float64(i) / float64(len(p.entries)-1)
}

// Describe renders the policy one rule per line using name to label rules.
func (p *Policy) Describe(name func(rule.ID) string) string {
	lines := make([]string, len(p.entries))
	for i, e := range p.entries {
		lines[i] = name(e.Rule)
	}
	return strings.Join(lines, "\n")
}
