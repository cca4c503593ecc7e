// Package specializer produces rule variants. Covering builds the most
// general rule for each observed action; specialization refines an existing
// rule with one of a closed set of strategies. Both are pure functions of the
// rule and the observation snapshot.
package specializer

import (
	"fmt"
	"slices"
	"strings"

	"github.com/clawinfra/cerrla/internal/rule"
)

// Strategy is one refinement operator.
type Strategy int

const (
	// AddCondition appends an observed fact whose variables the rule binds.
	AddCondition Strategy = iota
	// SubstituteTerm replaces a variable with an observed constant.
	SubstituteTerm
	// SplitRange halves a numeric range.
	SplitRange
)

// AllStrategies is the default strategy set.
var AllStrategies = []Strategy{AddCondition, SubstituteTerm, SplitRange}

func (s Strategy) String() string {
	switch s {
	case AddCondition:
		return "add-condition"
	case SubstituteTerm:
		return "substitute-term"
	case SplitRange:
		return "split-range"
	default:
		return fmt.Sprintf("strategy(%d)", int(s))
	}
}

// ParseStrategy converts a config name into a Strategy.
func ParseStrategy(name string) (Strategy, error) {
	for _, s := range AllStrategies {
		if s.String() == strings.ToLower(strings.TrimSpace(name)) {
			return s, nil
		}
	}
	return 0, fmt.Errorf("unknown specialization strategy: %q", name)
}

// minRangeWidth stops range splitting once a range is this narrow.
const minRangeWidth = 1e-6

// Specializer applies a fixed list of strategies.
type Specializer struct {
	strategies []Strategy
}

// New creates a specializer. With no strategies every strategy is used.
func New(strategies ...Strategy) *Specializer {
	if len(strategies) == 0 {
		strategies = AllStrategies
	}
	return &Specializer{strategies: slices.Clone(strategies)}
}

// Strategies returns the configured strategies.
func (s *Specializer) Strategies() []Strategy { return slices.Clone(s.strategies) }

// Specialize returns every distinct one-step refinement of r.
func (s *Specializer) Specialize(r *rule.Rule, obs rule.Observation) ([]rule.Rule, error) {
	if r == nil {
		return nil, fmt.Errorf("specialize: nil rule")
	}
	seen := map[string]bool{r.Key(): true}
	var out []rule.Rule
	for _, strategy := range s.strategies {
		var variants []rule.Rule
		switch strategy {
		case AddCondition:
			variants = addCondition(r, obs)
		case SubstituteTerm:
			variants = substituteTerm(r, obs)
		case SplitRange:
			variants = splitRange(r, obs)
		default:
			return nil, fmt.Errorf("specialize: unsupported strategy %s", strategy)
		}
		for _, v := range variants {
			if k := v.Key(); !seen[k] {
				seen[k] = true
				out = append(out, v)
			}
		}
	}
	return out, nil
}

// Cover returns one seed rule per observed action, in observation order.
func (s *Specializer) Cover(obs rule.Observation) ([]rule.Rule, error) {
	var out []rule.Rule
	seen := map[string]bool{}
	for _, a := range obs.Actions {
		if a.Action.Name == "" {
			return nil, fmt.Errorf("cover: action without name")
		}
		seed := rule.Rule{
			Action:     rule.Action{Name: a.Action.Name, Args: slices.Clone(a.Action.Args)},
			Conditions: make([]rule.Condition, 0, len(a.Conditions)),
		}
		for _, c := range a.Conditions {
			seed.Conditions = append(seed.Conditions, rule.Condition{Predicate: c.Predicate, Args: slices.Clone(c.Args), Negated: c.Negated})
		}
		if k := seed.Key(); !seen[k] {
			seen[k] = true
			out = append(out, seed)
		}
	}
	return out, nil
}

func addCondition(r *rule.Rule, obs rule.Observation) []rule.Rule {
	bound := map[string]bool{}
	for _, v := range r.Variables() {
		bound[v] = true
	}
	var out []rule.Rule
	for _, fact := range obs.Facts {
		if r.HasCondition(fact) || r.HasCondition(negate(fact)) {
			continue
		}
		ok := true
		for _, v := range fact.Variables() {
			if !bound[v] {
				ok = false
				break
			}
		}
		if !ok {
			continue
		}
		child := r.Structure()
		child.Conditions = append(child.Conditions, rule.Condition{Predicate: fact.Predicate, Args: slices.Clone(fact.Args), Negated: fact.Negated})
		out = append(out, child)
	}
	return out
}

func substituteTerm(r *rule.Rule, obs rule.Observation) []rule.Rule {
	var out []rule.Rule
	for _, v := range r.Variables() {
		for _, c := range obs.Constants {
			child := r.Structure()
			child.Action.Args = replace(child.Action.Args, v, c)
			for i := range child.Conditions {
				child.Conditions[i].Args = replace(child.Conditions[i].Args, v, c)
			}
			// A ranged variable cannot become a constant.
			if slices.ContainsFunc(child.Ranges, func(rg rule.Range) bool { return rg.Variable == v }) {
				continue
			}
			out = append(out, child)
		}
	}
	return out
}

func splitRange(r *rule.Rule, obs rule.Observation) []rule.Rule {
	var out []rule.Rule
	halves := func(base rule.Rule, idx int, rg rule.Range) {
		if rg.Max-rg.Min < minRangeWidth {
			return
		}
		mid := rg.Min + (rg.Max-rg.Min)/2
		for _, part := range []rule.Range{{Variable: rg.Variable, Min: rg.Min, Max: mid}, {Variable: rg.Variable, Min: mid, Max: rg.Max}} {
			child := base.Structure()
			if idx >= 0 {
				child.Ranges[idx] = part
			} else {
				child.Ranges = append(child.Ranges, part)
			}
			out = append(out, child)
		}
	}
	for i, rg := range r.Ranges {
		halves(*r, i, rg)
	}
	vars := r.Variables()
	for _, rg := range obs.Ranges {
		if !slices.Contains(vars, rg.Variable) {
			continue
		}
		if slices.ContainsFunc(r.Ranges, func(x rule.Range) bool { return x.Variable == rg.Variable }) {
			continue
		}
		halves(*r, -1, rg)
	}
	return out
}

func replace(terms []string, from, to string) []string {
	out := slices.Clone(terms)
	for i, t := range out {
		if t == from {
			out[i] = to
		}
	}
	return out
}

func negate(c rule.Condition) rule.Condition {
	return rule.Condition{Predicate: c.Predicate, Args: c.Args, Negated: !c.Negated}
}
