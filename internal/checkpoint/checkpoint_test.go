package checkpoint

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "checkpoints.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func fixedClock(start time.Time) func() time.Time {
	now := start
	return func() time.Time {
		now = now.Add(time.Second)
		return now
	}
}

func TestRuns(t *testing.T) {
	s := newTestStore(t)
	s.now = fixedClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	ctx := context.Background()

	first, err := s.CreateRun(ctx, "a", 1, []byte(`{"x":1}`))
	if err != nil {
		t.Fatalf("create run: %v", err)
	}
	second, err := s.CreateRun(ctx, "b", 1<<63+5, nil)
	if err != nil {
		t.Fatalf("create run: %v", err)
	}
	if first.ID == "" || first.ID == second.ID {
		t.Fatalf("expected distinct run ids, got %q and %q", first.ID, second.ID)
	}

	got, err := s.GetRun(ctx, first.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if got.Name != "a" || string(got.Config) != `{"x":1}` || !got.CreatedAt.Equal(first.CreatedAt) {
		t.Errorf("unexpected run: %+v", got)
	}
	if got, _ := s.GetRun(ctx, second.ID); got.Seed != 1<<63+5 {
		t.Errorf("expected large seed preserved, got %d", got.Seed)
	}

	runs, err := s.ListRuns(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 2 || runs[0].ID != second.ID {
		t.Errorf("expected newest run first, got %+v", runs)
	}

	if _, err := s.GetRun(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestCheckpoints(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	run, err := s.CreateRun(ctx, "r", 7, nil)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := s.Latest(ctx, run.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound before any checkpoint, got %v", err)
	}

	for i := 1; i <= 5; i++ {
		if _, err := s.Save(ctx, Checkpoint{
			RunID:       run.ID,
			Episode:     i * 100,
			Updates:     i,
			BestValue:   float64(i),
			Convergence: 1 / float64(i),
			Converged:   i == 5,
			State:       []byte{byte(i)},
		}); err != nil {
			t.Fatalf("save %d: %v", i, err)
		}
	}

	latest, err := s.Latest(ctx, run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if latest.Updates != 5 || !latest.Converged || latest.State[0] != 5 || latest.Convergence != 0.2 {
		t.Errorf("unexpected latest checkpoint: %+v", latest)
	}

	removed, err := s.Prune(ctx, run.ID, 2)
	if err != nil {
		t.Fatal(err)
	}
	if removed != 3 {
		t.Errorf("expected 3 pruned, got %d", removed)
	}
	list, err := s.List(ctx, run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 || list[0].Updates != 4 || list[1].Updates != 5 {
		t.Errorf("expected the two newest checkpoints oldest first, got %+v", list)
	}
}

func TestReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cp.db")
	s, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	run, _ := s.CreateRun(context.Background(), "r", 1, nil)
	if _, err := s.Save(context.Background(), Checkpoint{RunID: run.ID, State: []byte("x")}); err != nil {
		t.Fatal(err)
	}
	s.Close()

	s, err = Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	cp, err := s.Latest(context.Background(), run.ID)
	if err != nil || string(cp.State) != "x" {
		t.Errorf("expected checkpoint to survive reopen, got %+v %v", cp, err)
	}
}

func TestScheduleEveryUpdates(t *testing.T) {
	s, err := NewSchedule(3, "")
	if err != nil {
		t.Fatal(err)
	}
	var due []int
	for u := 0; u <= 9; u++ {
		if s.Due(u) {
			due = append(due, u)
		}
	}
	if len(due) != 3 || due[0] != 3 || due[2] != 9 {
		t.Errorf("expected updates 3, 6, 9, got %v", due)
	}
	if !s.Next().IsZero() {
		t.Error("expected no cron trigger")
	}
}

func TestScheduleCron(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 30, 0, time.UTC)
	s, err := newSchedule(0, "* * * * *", func() time.Time { return now })
	if err != nil {
		t.Fatal(err)
	}
	if s.Due(1) {
		t.Error("not due before the next minute")
	}
	now = now.Add(30 * time.Second)
	if !s.Due(2) {
		t.Error("expected due at the minute")
	}
	if s.Due(3) {
		t.Error("trigger should be consumed")
	}
}

func TestScheduleInvalidCron(t *testing.T) {
	if _, err := NewSchedule(1, "not a cron"); err == nil {
		t.Error("expected parse error")
	}
}
