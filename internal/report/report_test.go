package report

import (
	"bytes"
	"log/slog"
	"os"
	"strings"
	"testing"

	"github.com/clawinfra/cerrla/internal/dist"
	"github.com/clawinfra/cerrla/internal/generator"
	"github.com/clawinfra/cerrla/internal/rule"
	"github.com/clawinfra/cerrla/internal/slot"
	"github.com/clawinfra/cerrla/internal/specializer"
)

func testGenerator(t *testing.T) *generator.Generator {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	g := generator.New(generator.DefaultConfig(), specializer.New(), 1, logger)
	obs := rule.Observation{
		Actions: []rule.ActionObservation{
			{Action: rule.Action{Name: "stack", Args: []string{"?a", "?b"}}, Conditions: []rule.Condition{{Predicate: "clear", Args: []string{"?a"}}}},
			{Action: rule.Action{Name: "move", Args: []string{"?a"}}},
			{Action: rule.Action{Name: "move", Args: []string{"?a"}}, Conditions: []rule.Condition{{Predicate: "on", Args: []string{"?a", "floor"}}}},
		},
	}
	if _, err := g.Cover(obs); err != nil {
		t.Fatalf("cover: %v", err)
	}
	return g
}

func TestRenderOrdersBySignature(t *testing.T) {
	g := testGenerator(t)
	var buf bytes.Buffer
	if err := Render(&buf, g, Options{}); err != nil {
		t.Fatalf("render: %v", err)
	}
	out := buf.String()
	move := strings.Index(out, "move/1")
	stack := strings.Index(out, "stack/2")
	if move < 0 || stack < 0 || move > stack {
		t.Errorf("expected move/1 before stack/2:\n%s", out)
	}
	if !strings.Contains(out, "estimated convergence:") {
		t.Errorf("missing convergence line:\n%s", out)
	}
	if !strings.Contains(out, "(clear ?a) => (stack ?a ?b)") {
		t.Errorf("missing rule text:\n%s", out)
	}
}

func TestRenderMaxRules(t *testing.T) {
	g := testGenerator(t)
	var buf bytes.Buffer
	if err := Render(&buf, g, Options{MaxRules: 1}); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "... 1 more") {
		t.Errorf("expected truncated slot:\n%s", buf.String())
	}
}

func TestSortedByDescendingSelection(t *testing.T) {
	cfg := slot.DefaultConfig()
	low := slot.FromState(slot.State{ID: 1, Signature: "a/0", SelectionProb: 0.2}, cfg)
	high := slot.FromState(slot.State{ID: 2, Signature: "a/0", SelectionProb: 0.9}, cfg)
	other := slot.FromState(slot.State{ID: 3, Signature: "0/0", SelectionProb: 0.1}, cfg)
	got := Sorted([]*slot.Slot{low, high, other})
	want := []rule.SlotID{3, 2, 1}
	for i, s := range got {
		if s.ID() != want[i] {
			t.Fatalf("position %d: expected slot %d, got %d", i, want[i], s.ID())
		}
	}
}

func TestEstimatedConvergence(t *testing.T) {
	cfg := slot.DefaultConfig()
	tests := []struct {
		name  string
		state slot.State
		want  float64
	}{
		{"undecided single rule", slot.State{ID: 1, SelectionProb: 0.5, Rules: one(1)}, 0.5},
		{"always used single rule", slot.State{ID: 1, SelectionProb: 1, Rules: one(1)}, 1},
		{"fixed", slot.State{ID: 1, SelectionProb: 0.5, Fixed: true, FixedRule: 1, Rules: one(1)}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := EstimatedConvergence([]*slot.Slot{slot.FromState(tt.state, cfg)})
			if got != tt.want {
				t.Errorf("expected %f, got %f", tt.want, got)
			}
		})
	}
	if EstimatedConvergence(nil) != 0 {
		t.Error("expected 0 without slots")
	}
}

func TestSummarize(t *testing.T) {
	g := testGenerator(t)
	s := Summarize(g)
	if s.Slots != 2 || s.Rules != 3 || s.Fixed != 0 {
		t.Errorf("unexpected summary: %+v", s)
	}
}

func one(id rule.ID) []dist.Entry[rule.ID] {
	return []dist.Entry[rule.ID]{{Item: id, Prob: 1}}
}
