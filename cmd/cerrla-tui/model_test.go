package main

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/clawinfra/cerrla/internal/checkpoint"
	"github.com/clawinfra/cerrla/internal/generator"
	"github.com/clawinfra/cerrla/internal/report"
	"github.com/clawinfra/cerrla/internal/rule"
	"github.com/clawinfra/cerrla/internal/specializer"
)

type fakeSource struct {
	runs        []checkpoint.Run
	checkpoints map[string]checkpoint.Checkpoint
	err         error
}

func (f *fakeSource) ListRuns(context.Context) ([]checkpoint.Run, error) {
	return f.runs, f.err
}

func (f *fakeSource) Latest(_ context.Context, runID string) (checkpoint.Checkpoint, error) {
	cp, ok := f.checkpoints[runID]
	if !ok {
		return checkpoint.Checkpoint{}, checkpoint.ErrNotFound
	}
	return cp, nil
}

func newFakeSource(t *testing.T) *fakeSource {
	t.Helper()
	g := generator.New(generator.DefaultConfig(), specializer.New(), 1, nil)
	obs := rule.Observation{Actions: []rule.ActionObservation{
		{Action: rule.Action{Name: "move", Args: []string{"?a", "?b"}}},
	}}
	if _, err := g.Cover(obs); err != nil {
		t.Fatal(err)
	}
	state, err := g.Serialize()
	if err != nil {
		t.Fatal(err)
	}
	now := time.Now()
	return &fakeSource{
		runs: []checkpoint.Run{
			{ID: "run-aaaaaaaaaa", Name: "first", CreatedAt: now},
			{ID: "run-bbbbbbbbbb", Name: "second", CreatedAt: now},
		},
		checkpoints: map[string]checkpoint.Checkpoint{
			"run-aaaaaaaaaa": {RunID: "run-aaaaaaaaaa", Episode: 120, Updates: 7, BestValue: 4.5, State: state},
		},
	}
}

// apply feeds msg to m and returns the updated model and command.
func apply(t *testing.T, m model, msg tea.Msg) (model, tea.Cmd) {
	t.Helper()
	next, cmd := m.Update(msg)
	return next.(model), cmd
}

func TestModelLoadsRunsAndReport(t *testing.T) {
	src := newFakeSource(t)
	m := newModel(src, report.Options{MaxRules: 3})
	m, _ = apply(t, m, tea.WindowSizeMsg{Width: 140, Height: 40})

	msg := m.loadRuns()()
	runs, ok := msg.(runsMsg)
	if !ok || runs.err != nil || len(runs.runs) != 2 {
		t.Fatalf("unexpected runs message: %+v", msg)
	}
	if runs.runs[0].checkpoint == nil || runs.runs[1].checkpoint != nil {
		t.Errorf("expected only the first run to have a checkpoint")
	}

	m, cmd := apply(t, m, runs)
	if m.selectedID() != "run-aaaaaaaaaa" || cmd == nil {
		t.Fatalf("expected first run selected with a report load, got %q", m.selectedID())
	}
	m, _ = apply(t, m, cmd())

	view := m.View()
	for _, want := range []string{"Runs", "first run-aaaa", "ep 120", "no checkpoint", "move"} {
		if !strings.Contains(view, want) {
			t.Errorf("view missing %q:\n%s", want, view)
		}
	}
}

func TestModelSelectsRuns(t *testing.T) {
	src := newFakeSource(t)
	m := newModel(src, report.Options{})
	m, _ = apply(t, m, tea.WindowSizeMsg{Width: 140, Height: 40})
	m, _ = apply(t, m, m.loadRuns()())

	m, cmd := apply(t, m, tea.KeyMsg{Type: tea.KeyDown})
	if m.selected != 1 || cmd == nil {
		t.Fatalf("expected second run selected, got %d", m.selected)
	}
	rep := cmd().(reportMsg)
	if rep.content != "No checkpoint yet." {
		t.Errorf("unexpected content for a run without checkpoints: %q", rep.content)
	}

	// A report for a run no longer selected is dropped.
	stale := reportMsg{runID: "run-aaaaaaaaaa", content: "stale"}
	m, _ = apply(t, m, stale)
	if m.content == "stale" {
		t.Error("stale report should be ignored")
	}

	m, _ = apply(t, m, rep)
	if m.content != rep.content {
		t.Errorf("expected report shown, got %q", m.content)
	}

	if m, cmd = apply(t, m, tea.KeyMsg{Type: tea.KeyDown}); m.selected != 1 || cmd != nil {
		t.Error("selection should stop at the last run")
	}
	m, _ = apply(t, m, tea.KeyMsg{Type: tea.KeyUp})
	if m.selected != 0 {
		t.Errorf("expected first run selected, got %d", m.selected)
	}
}

func TestModelKeepsSelectionOnRefresh(t *testing.T) {
	src := newFakeSource(t)
	m := newModel(src, report.Options{})
	m, _ = apply(t, m, m.loadRuns()())
	m, _ = apply(t, m, tea.KeyMsg{Type: tea.KeyDown})

	// A new run appears at the top of the list.
	src.runs = append([]checkpoint.Run{{ID: "run-cccccccccc", Name: "third"}}, src.runs...)
	m, _ = apply(t, m, m.loadRuns()())
	if m.selectedID() != "run-bbbbbbbbbb" {
		t.Errorf("expected selection to follow the run, got %q", m.selectedID())
	}
}

func TestModelShowsErrors(t *testing.T) {
	src := &fakeSource{err: errors.New("database is locked")}
	m := newModel(src, report.Options{})
	m, _ = apply(t, m, tea.WindowSizeMsg{Width: 120, Height: 30})
	m, _ = apply(t, m, m.loadRuns()())
	if !strings.Contains(m.View(), "database is locked") {
		t.Errorf("expected error in view:\n%s", m.View())
	}
}

func TestModelQuit(t *testing.T) {
	m := newModel(&fakeSource{}, report.Options{})
	_, cmd := apply(t, m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	if cmd == nil {
		t.Fatal("expected quit command")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Error("expected tea.QuitMsg")
	}
}

func TestShortID(t *testing.T) {
	if got := shortID("0123456789"); got != "01234567" {
		t.Errorf("shortID = %q", got)
	}
	if got := shortID("abc"); got != "abc" {
		t.Errorf("shortID = %q", got)
	}
}
