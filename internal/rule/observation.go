package rule

import (
	"encoding/hex"
	"slices"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// ActionObservation is what the harness observed about one action: the
// conditions that held every time the action was applicable.
type ActionObservation struct {
	Action     Action      `json:"action" yaml:"action" toml:"action"`
	Conditions []Condition `json:"conditions" yaml:"conditions" toml:"conditions"`
}

// Observation is an immutable snapshot of the information covering and
// specialization may use. Two snapshots with the same content hash equally.
type Observation struct {
	Actions   []ActionObservation `json:"actions" yaml:"actions" toml:"actions"`
	Facts     []Condition         `json:"facts,omitempty" yaml:"facts,omitempty" toml:"facts,omitempty"`
	Constants []string            `json:"constants,omitempty" yaml:"constants,omitempty" toml:"constants,omitempty"`
	Ranges    []Range             `json:"ranges,omitempty" yaml:"ranges,omitempty" toml:"ranges,omitempty"`
}

// IsZero reports whether the observation carries no information.
func (o Observation) IsZero() bool {
	return len(o.Actions) == 0 && len(o.Facts) == 0 && len(o.Constants) == 0 && len(o.Ranges) == 0
}

// Hash is a blake2b-256 digest of the canonical form of the observation.
func (o Observation) Hash() string {
	var lines []string
	for _, a := range o.Actions {
		conds := make([]string, len(a.Conditions))
		for i, c := range a.Conditions {
			conds[i] = c.String()
		}
		slices.Sort(conds)
		lines = append(lines, "action "+a.Action.String()+" "+strings.Join(conds, " "))
	}
	for _, f := range o.Facts {
		lines = append(lines, "fact "+f.String())
	}
	for _, c := range o.Constants {
		lines = append(lines, "const "+c)
	}
	for _, r := range o.Ranges {
		lines = append(lines, "range "+r.String())
	}
	slices.Sort(lines)

	sum := blake2b.Sum256([]byte(strings.Join(lines, "\n")))
	return hex.EncodeToString(sum[:])
}

// RangeFor returns the observed range of a numeric variable.
func (o Observation) RangeFor(variable string) (Range, bool) {
	for _, r := range o.Ranges {
		if r.Variable == variable {
			return r, true
		}
	}
	return Range{}, false
}
