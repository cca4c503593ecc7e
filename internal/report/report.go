// Package report renders a human readable dump of a generator: its slots,
// their rule distributions and an estimate of how far learning has come.
package report

import (
	"fmt"
	"io"
	"math"
	"slices"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/clawinfra/cerrla/internal/dist"
	"github.com/clawinfra/cerrla/internal/generator"
	"github.com/clawinfra/cerrla/internal/rule"
	"github.com/clawinfra/cerrla/internal/slot"
)

// Options control rendering.
type Options struct {
	// MaxRules caps the rules listed per slot. Zero lists all of them.
	MaxRules int
	// Lineage appends parent rule IDs to each rule line.
	Lineage bool
}

// Summary is the aggregate view of a generator used by the report header
// and by progress telemetry.
type Summary struct {
	Slots       int     `json:"slots"`
	Rules       int     `json:"rules"`
	Fixed       int     `json:"fixed"`
	MaxLevel    int     `json:"maxLevel"`
	Convergence float64 `json:"convergence"`
}

// Summarize computes the summary of g.
func Summarize(g *generator.Generator) Summary {
	slots := g.Slots()
	s := Summary{Slots: len(slots), Rules: len(g.Rules())}
	for _, sl := range slots {
		if sl.IsFixed() {
			s.Fixed++
		}
		s.MaxLevel = max(s.MaxLevel, sl.Level())
	}
	s.Convergence = EstimatedConvergence(slots)
	return s
}

// EstimatedConvergence is the mean over slots of how settled each one is, in
// [0, 1]. A slot is settled when its selection probability is near 0 or 1
// and its rule distribution is concentrated on one rule. Fixed slots count as
// fully settled.
func EstimatedConvergence(slots []*slot.Slot) float64 {
	if len(slots) == 0 {
		return 0
	}
	total := 0.0
	for _, s := range slots {
		total += slotConvergence(s)
	}
	return total / float64(len(slots))
}

func slotConvergence(s *slot.Slot) float64 {
	if s.IsFixed() {
		return 1
	}
	mu := math.Abs(2*s.SelectionProb() - 1)
	concentration := 1.0
	if n := s.Size(); n > 1 {
		concentration = 1 - (s.KLSize()-1)/float64(n-1)
	}
	return math.Max(0, math.Min(1, (mu+concentration)/2))
}

// Sorted returns the slots ordered by action signature, then by descending
// selection probability, then by ID.
func Sorted(slots []*slot.Slot) []*slot.Slot {
	out := slices.Clone(slots)
	slices.SortStableFunc(out, func(a, b *slot.Slot) int {
		if c := strings.Compare(a.Signature(), b.Signature()); c != 0 {
			return c
		}
		switch {
		case a.SelectionProb() > b.SelectionProb():
			return -1
		case a.SelectionProb() < b.SelectionProb():
			return 1
		}
		return int(a.ID()) - int(b.ID())
	})
	return out
}

// Render writes the report for g to w. Styling follows the color profile of
// w, so plain writers get plain text.
func Render(w io.Writer, g *generator.Generator, opts Options) error {
	r := lipgloss.NewRenderer(w)
	var (
		title  = r.NewStyle().Bold(true).Foreground(lipgloss.Color("#7C3AED"))
		header = r.NewStyle().Bold(true).Foreground(lipgloss.Color("#06B6D4"))
		muted  = r.NewStyle().Foreground(lipgloss.Color("#6B7280"))
		fixed  = r.NewStyle().Foreground(lipgloss.Color("#10B981"))
	)

	sum := Summarize(g)
	var b strings.Builder
	b.WriteString(title.Render("Policy generator"))
	b.WriteString("\n")
	fmt.Fprintf(&b, "slots: %d  rules: %d  fixed: %d  depth: %d\n", sum.Slots, sum.Rules, sum.Fixed, sum.MaxLevel)
	fmt.Fprintf(&b, "estimated convergence: %.1f%%\n", sum.Convergence*100)

	for _, s := range Sorted(g.Slots()) {
		b.WriteString("\n")
		line := fmt.Sprintf("[%d] %s  level=%d  mu=%.3f  order=%.3f±%.3f  kl=%.2f",
			s.ID(), s.Signature(), s.Level(), s.SelectionProb(), s.Ordering(), s.OrderingSpread(), s.KLSize())
		if s.IsFixed() {
			b.WriteString(fixed.Render(line + "  fixed"))
		} else {
			b.WriteString(header.Render(line))
		}
		b.WriteString("\n")

		entries := byProbability(s.Entries())
		shown := entries
		if opts.MaxRules > 0 && len(shown) > opts.MaxRules {
			shown = shown[:opts.MaxRules]
		}
		for _, e := range shown {
			fmt.Fprintf(&b, "  %.4f  %s", e.Prob, describe(g, e.Item))
			if opts.Lineage {
				if rl, ok := g.Rule(e.Item); ok && len(rl.Parents) > 0 {
					b.WriteString(muted.Render(fmt.Sprintf("  <- %v", rl.Parents)))
				}
			}
			b.WriteString("\n")
		}
		if hidden := len(entries) - len(shown); hidden > 0 {
			b.WriteString(muted.Render(fmt.Sprintf("  ... %d more", hidden)))
			b.WriteString("\n")
		}
	}

	if _, err := io.WriteString(w, b.String()); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	return nil
}

func byProbability(entries []dist.Entry[rule.ID]) []dist.Entry[rule.ID] {
	slices.SortStableFunc(entries, func(a, b dist.Entry[rule.ID]) int {
		switch {
		case a.Prob > b.Prob:
			return -1
		case a.Prob < b.Prob:
			return 1
		}
		return 0
	})
	return entries
}

func describe(g *generator.Generator, id rule.ID) string {
	r, ok := g.Rule(id)
	if !ok {
		return fmt.Sprintf("#%d (unknown)", id)
	}
	return fmt.Sprintf("#%d %s", id, r.String())
}
