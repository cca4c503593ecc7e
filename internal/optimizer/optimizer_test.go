package optimizer

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/clawinfra/cerrla/internal/checkpoint"
	"github.com/clawinfra/cerrla/internal/config"
	"github.com/clawinfra/cerrla/internal/harness"
	"github.com/clawinfra/cerrla/internal/rule"
	"github.com/clawinfra/cerrla/internal/specializer"
	"github.com/clawinfra/cerrla/internal/telemetry"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func observe(actions ...string) rule.Observation {
	var obs rule.Observation
	for _, a := range actions {
		obs.Actions = append(obs.Actions, rule.ActionObservation{Action: rule.Action{Name: a, Args: []string{"?x"}}})
	}
	return obs
}

// fakeEnv pays rewards[action] for every rule with that action. When reveal
// is set it is reported once, after revealAfter evaluations.
type fakeEnv struct {
	obs         rule.Observation
	rewards     map[string]float64
	reveal      *rule.Observation
	revealAfter int
	err         error
	calls       int
}

func (f *fakeEnv) Observe() rule.Observation { return f.obs }

func (f *fakeEnv) Evaluate(ctx context.Context, rules []rule.Rule) (harness.Evaluation, error) {
	if err := ctx.Err(); err != nil {
		return harness.Evaluation{}, err
	}
	if f.err != nil {
		return harness.Evaluation{}, f.err
	}
	f.calls++
	ev := harness.Evaluation{}
	for _, r := range rules {
		ev.Score += f.rewards[r.Action.Name]
	}
	if f.reveal != nil && f.calls == f.revealAfter {
		f.obs = *f.reveal
		ev.Observation = f.reveal
		ev.Restart = true
		f.reveal = nil
	}
	return ev, nil
}

type recorder struct {
	mu    sync.Mutex
	kinds []telemetry.Kind
}

func (r *recorder) Observe(_ context.Context, ev telemetry.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.kinds = append(r.kinds, ev.Kind)
}

func (r *recorder) count(k telemetry.Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, got := range r.kinds {
		if got == k {
			n++
		}
	}
	return n
}

func testLearning() config.LearningConfig {
	l := config.DefaultConfig().Learning
	l.Rho = 0.25
	l.Beta = 0.05
	l.ConvergedUpdates = 3
	l.MinPopulation = 8
	l.MutationUses = 1 << 30
	l.MaxEpisodes = 5000
	l.TestEpisodes = 5
	return l
}

func newTestOptimizer(t *testing.T, env harness.Environment, opts Options) *Optimizer {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = quietLogger()
	}
	if opts.Specializer == nil {
		opts.Specializer = specializer.New()
	}
	if opts.Seed == 0 {
		opts.Seed = 3
	}
	o, err := New(context.Background(), env, opts)
	if err != nil {
		t.Fatalf("new optimizer: %v", err)
	}
	return o
}

func TestRunLearnsRewardedAction(t *testing.T) {
	env := &fakeEnv{obs: observe("good", "bad"), rewards: map[string]float64{"good": 1, "bad": -1}}
	rec := &recorder{}
	o := newTestOptimizer(t, env, Options{Learning: testLearning(), Observer: rec})

	res, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !res.Converged {
		t.Fatalf("expected convergence within %d episodes, got %+v", testLearning().MaxEpisodes, res)
	}
	if res.Episodes >= testLearning().MaxEpisodes || res.Updates == 0 {
		t.Errorf("unexpected progress: %+v", res)
	}
	if res.BestValue != 1 {
		t.Errorf("expected best value 1, got %g", res.BestValue)
	}
	if res.TestScore != 1 {
		t.Errorf("expected greedy policy to pick only the rewarded action, got %g", res.TestScore)
	}
	if res.RunID == "" || res.RunID != o.RunID() {
		t.Errorf("unexpected run id %q", res.RunID)
	}
	if o.Generator().IsFrozen() {
		t.Error("generator should be unfrozen after testing")
	}
	if rec.count(telemetry.KindStarted) != 1 || rec.count(telemetry.KindFinished) != 1 || rec.count(telemetry.KindConverged) != 1 {
		t.Errorf("unexpected events: %v", rec.kinds)
	}
	if rec.count(telemetry.KindUpdate) != res.Updates {
		t.Errorf("expected one update event per update, got %d for %d", rec.count(telemetry.KindUpdate), res.Updates)
	}
}

func TestRunStopsAtEpisodeBudget(t *testing.T) {
	env := &fakeEnv{obs: observe("a", "b"), rewards: map[string]float64{}}
	l := testLearning()
	l.MaxEpisodes = 12
	l.TestEpisodes = 0
	o := newTestOptimizer(t, env, Options{Learning: l})

	res, err := o.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Episodes != 12 || env.calls != 12 {
		t.Errorf("expected 12 episodes, got %d (%d evaluations)", res.Episodes, env.calls)
	}
	if res.Updates != 0 {
		t.Errorf("constant rewards carry no signal, got %d updates", res.Updates)
	}
}

func TestRunRestartsOnNewObservation(t *testing.T) {
	next := observe("a", "b", "c")
	env := &fakeEnv{
		obs:         observe("a", "b"),
		rewards:     map[string]float64{"a": 1},
		reveal:      &next,
		revealAfter: 3,
	}
	l := testLearning()
	l.MaxEpisodes = 10
	l.TestEpisodes = 0
	rec := &recorder{}
	o := newTestOptimizer(t, env, Options{Learning: l, Observer: rec})

	if _, err := o.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := len(o.Generator().Slots()); got != 3 {
		t.Errorf("expected a slot for the revealed action, got %d slots", got)
	}
	if o.Generator().Observation().Hash() != next.Hash() {
		t.Error("generator should hold the revealed observation")
	}
	if rec.count(telemetry.KindRestart) < 1 {
		t.Errorf("expected a restart event, got %v", rec.kinds)
	}
}

func TestRunErrors(t *testing.T) {
	boom := errors.New("boom")

	t.Run("no rules", func(t *testing.T) {
		o := newTestOptimizer(t, &fakeEnv{}, Options{Learning: testLearning()})
		if _, err := o.Run(context.Background()); !errors.Is(err, ErrNoRules) {
			t.Errorf("expected ErrNoRules, got %v", err)
		}
	})

	t.Run("evaluation error", func(t *testing.T) {
		env := &fakeEnv{obs: observe("a"), err: boom}
		o := newTestOptimizer(t, env, Options{Learning: testLearning()})
		if _, err := o.Run(context.Background()); !errors.Is(err, boom) {
			t.Errorf("expected wrapped evaluation error, got %v", err)
		}
	})

	t.Run("cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		env := &fakeEnv{obs: observe("a")}
		o := newTestOptimizer(t, env, Options{Learning: testLearning()})
		res, err := o.Run(ctx)
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
		if res == nil || res.Episodes != 0 {
			t.Errorf("expected an empty partial result, got %+v", res)
		}
	})

	t.Run("resume without store", func(t *testing.T) {
		_, err := New(context.Background(), &fakeEnv{}, Options{Learning: testLearning(), Resume: "x", Logger: quietLogger()})
		if err == nil {
			t.Error("expected error")
		}
	})

	t.Run("bad population mode", func(t *testing.T) {
		l := testLearning()
		l.PopulationMode = "nope"
		if _, err := New(context.Background(), &fakeEnv{}, Options{Learning: l, Logger: quietLogger()}); err == nil {
			t.Error("expected error")
		}
	})
}

func TestCheckpointAndResume(t *testing.T) {
	store, err := checkpoint.Open(filepath.Join(t.TempDir(), "cp.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	sched, err := checkpoint.NewSchedule(1, "")
	if err != nil {
		t.Fatal(err)
	}

	l := testLearning()
	l.MaxEpisodes = 40
	l.TestEpisodes = 0
	env := &fakeEnv{obs: observe("good", "bad"), rewards: map[string]float64{"good": 1, "bad": -1}}
	o := newTestOptimizer(t, env, Options{Learning: l, Name: "resume", Store: store, Schedule: sched, Keep: 2})

	res, err := o.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	list, err := store.List(ctx, res.RunID)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) == 0 || len(list) > 2 {
		t.Fatalf("expected one or two pruned checkpoints, got %d", len(list))
	}
	latest := list[len(list)-1]
	if latest.Episode != res.Episodes || latest.Updates != res.Updates || latest.Converged != res.Converged {
		t.Errorf("final checkpoint does not match result: %+v vs %+v", latest, res)
	}

	l.MaxEpisodes = 60
	resumed := newTestOptimizer(t, env, Options{Learning: l, Store: store, Resume: res.RunID})
	if resumed.RunID() != res.RunID {
		t.Errorf("expected run id %q, got %q", res.RunID, resumed.RunID())
	}
	if got, want := len(resumed.Generator().Slots()), len(o.Generator().Slots()); got != want {
		t.Errorf("expected %d slots after resume, got %d", want, got)
	}
	res2, err := resumed.Run(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res2.Episodes < res.Episodes || res2.Updates < res.Updates {
		t.Errorf("resumed run went backwards: %+v then %+v", res, res2)
	}

	if _, err := New(ctx, env, Options{Learning: l, Store: store, Resume: "missing", Logger: quietLogger()}); !errors.Is(err, checkpoint.ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown run, got %v", err)
	}
}

func TestTargetEnvironment(t *testing.T) {
	cfg := harness.DefaultTargetConfig()
	cfg.Stages[0].Episodes = 10
	env, err := harness.NewTargetEnvironment(cfg)
	if err != nil {
		t.Fatal(err)
	}
	l := testLearning()
	l.MaxEpisodes = 300
	l.TestEpisodes = 2
	l.MutationUses = 1
	o := newTestOptimizer(t, env, Options{Learning: l})

	res, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if env.Stage() != 1 {
		t.Errorf("expected the environment to reach its second stage, got %d", env.Stage())
	}
	if res.Summary.Slots < 2 || res.Summary.Rules <= res.Summary.Slots {
		t.Errorf("expected covered and specialized rules, got %+v", res.Summary)
	}
}

func TestDefaultExperimentRevealsSecondStage(t *testing.T) {
	cfg := config.DefaultConfig()
	env, err := harness.NewTargetEnvironment(cfg.Environment)
	if err != nil {
		t.Fatal(err)
	}
	strategies, err := cfg.Learning.ParseStrategies()
	if err != nil {
		t.Fatal(err)
	}
	l := cfg.Learning
	l.MaxEpisodes = 2000
	l.TestEpisodes = 5
	rec := &recorder{}
	o := newTestOptimizer(t, env, Options{
		Learning:    l,
		Seed:        cfg.Run.Seed,
		Specializer: specializer.New(strategies...),
		Observer:    rec,
	})

	res, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if env.Stage() != 1 {
		t.Fatalf("expected the second stage to be revealed, stage %d after %d episodes", env.Stage(), res.Episodes)
	}
	if rec.count(telemetry.KindRestart) == 0 {
		t.Error("expected a restart when the new stage was revealed")
	}
	var stack bool
	for _, s := range o.Generator().Slots() {
		if s.Signature() == "stack/2" {
			stack = true
		}
	}
	if !stack {
		t.Error("expected the stack action to be covered")
	}
}
