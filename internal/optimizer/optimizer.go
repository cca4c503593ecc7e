// Package optimizer drives one cross-entropy learner: it samples policies,
// evaluates them, keeps the elites and updates the distributions until the
// generator converges or the episode budget is spent.
package optimizer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/clawinfra/cerrla/internal/checkpoint"
	"github.com/clawinfra/cerrla/internal/config"
	"github.com/clawinfra/cerrla/internal/elites"
	"github.com/clawinfra/cerrla/internal/generator"
	"github.com/clawinfra/cerrla/internal/harness"
	"github.com/clawinfra/cerrla/internal/policy"
	"github.com/clawinfra/cerrla/internal/report"
	"github.com/clawinfra/cerrla/internal/rule"
	"github.com/clawinfra/cerrla/internal/telemetry"
)

// ErrNoRules is returned when covering the environment produced no rules.
var ErrNoRules = errors.New("environment offers no rules")

// Options configure an optimizer.
type Options struct {
	Learning config.LearningConfig
	// Name and Seed identify the run.
	Name string
	Seed uint64
	// ConfigJSON is stored with the run for later inspection.
	ConfigJSON []byte

	Specializer generator.Specializer

	// Store enables checkpointing; Schedule decides when. Keep bounds the
	// checkpoints kept per run.
	Store    *checkpoint.Store
	Schedule *checkpoint.Schedule
	Keep     int
	// Resume continues the given run from its latest checkpoint.
	Resume string

	Observer telemetry.Observer
	Logger   *slog.Logger
}

// Result summarizes a finished run.
type Result struct {
	RunID     string         `json:"runId"`
	Episodes  int            `json:"episodes"`
	Updates   int            `json:"updates"`
	BestValue float64        `json:"bestValue"`
	Converged bool           `json:"converged"`
	TestScore float64        `json:"testScore"`
	Summary   report.Summary `json:"summary"`
}

// Optimizer runs one learner against an environment. It is not safe for
// concurrent use; run independent learners with separate optimizers.
type Optimizer struct {
	opts   Options
	env    harness.Environment
	gen    *generator.Generator
	set    *elites.Set
	logger *slog.Logger
	runID  string

	episode             int
	updates             int
	samplesSinceRestart int
	sinceUpdate         int
	population          int
	bestValue           float64
	minObserved         float64
	converged           bool
}

// New creates an optimizer. With a store it registers a new run, or loads
// the latest checkpoint of opts.Resume.
func New(ctx context.Context, env harness.Environment, opts Options) (*Optimizer, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	genCfg, err := opts.Learning.Generator()
	if err != nil {
		return nil, fmt.Errorf("generator config: %w", err)
	}

	o := &Optimizer{
		opts:        opts,
		env:         env,
		set:         elites.NewSet(),
		bestValue:   math.Inf(-1),
		minObserved: math.Inf(1),
	}

	switch {
	case opts.Resume != "":
		if opts.Store == nil {
			return nil, errors.New("resume requires a checkpoint store")
		}
		if err := o.resume(ctx, opts.Resume); err != nil {
			return nil, err
		}
	case opts.Store != nil:
		run, err := opts.Store.CreateRun(ctx, opts.Name, opts.Seed, opts.ConfigJSON)
		if err != nil {
			return nil, fmt.Errorf("create run: %w", err)
		}
		o.runID = run.ID
	default:
		o.runID = uuid.NewString()
	}

	o.logger = opts.Logger.With("component", "optimizer", "run", o.runID)
	if o.gen == nil {
		o.gen = generator.New(genCfg, opts.Specializer, opts.Seed, o.logger)
	}
	return o, nil
}

func (o *Optimizer) resume(ctx context.Context, runID string) error {
	if _, err := o.opts.Store.GetRun(ctx, runID); err != nil {
		return fmt.Errorf("resume run %s: %w", runID, err)
	}
	cp, err := o.opts.Store.Latest(ctx, runID)
	if err != nil {
		return fmt.Errorf("resume run %s: %w", runID, err)
	}
	g, err := generator.Deserialize(cp.State, generator.Options{
		Specializer: o.opts.Specializer,
		Logger:      o.opts.Logger.With("run", runID),
	})
	if err != nil {
		return fmt.Errorf("resume run %s: %w", runID, err)
	}
	o.runID = runID
	o.gen = g
	o.episode = cp.Episode
	o.updates = cp.Updates
	o.bestValue = cp.BestValue
	o.converged = cp.Converged
	return nil
}

// RunID identifies the run.
func (o *Optimizer) RunID() string { return o.runID }

// Generator exposes the learner's generator.
func (o *Optimizer) Generator() *generator.Generator { return o.gen }

// Run learns until convergence, the episode budget or cancellation, then
// evaluates the frozen generator greedily. On cancellation the partial
// result is returned with the context error.
func (o *Optimizer) Run(ctx context.Context) (*Result, error) {
	if obs := o.env.Observe(); obs.Hash() != o.gen.Observation().Hash() {
		if err := o.restart(ctx, &obs); err != nil {
			return nil, err
		}
	}
	if len(o.gen.Slots()) == 0 {
		return nil, ErrNoRules
	}
	o.population = o.gen.DeterminePopulation()
	o.emit(ctx, telemetry.KindStarted)
	o.logger.Info("run started", "episode", o.episode, "slots", len(o.gen.Slots()), "population", o.population)

	for (!o.converged || o.pending()) && o.episode < o.opts.Learning.MaxEpisodes {
		if err := ctx.Err(); err != nil {
			return o.result(), err
		}
		if err := o.step(ctx); err != nil {
			return o.result(), err
		}
	}

	var testScore float64
	if n := o.opts.Learning.TestEpisodes; n > 0 {
		score, err := o.Test(ctx, n)
		if err != nil {
			return o.result(), err
		}
		o.logger.Info("test finished", "episodes", n, "score", score)
		testScore = score
	}
	err := o.finish(ctx)
	res := o.result()
	res.TestScore = testScore
	return res, err
}

// step samples, evaluates and records one policy, updating the
// distributions when enough samples have been collected.
func (o *Optimizer) step(ctx context.Context) error {
	p, err := o.gen.GeneratePolicy(o.opts.Learning.InfluenceUntested)
	if err != nil {
		return fmt.Errorf("generate policy: %w", err)
	}
	ev, err := o.env.Evaluate(ctx, o.resolve(p))
	if err != nil {
		return fmt.Errorf("evaluate policy: %w", err)
	}

	o.episode++
	o.samplesSinceRestart++
	o.sinceUpdate++
	o.set.Insert(elites.PolicyValue{Policy: p, Value: ev.Score, Iteration: o.episode})
	o.bestValue = max(o.bestValue, ev.Score)
	o.minObserved = min(o.minObserved, ev.Score)

	if ev.Observation != nil || ev.Restart {
		return o.restart(ctx, ev.Observation)
	}

	o.population = o.gen.DeterminePopulation()
	if o.samplesSinceRestart < o.population || o.sinceUpdate < o.opts.Learning.UpdateInterval {
		return nil
	}
	o.sinceUpdate = 0
	return o.update(ctx)
}

func (o *Optimizer) update(ctx context.Context) error {
	numElites := o.gen.NumElites(o.population)
	if _, err := o.gen.UpdateDistributions(o.set, o.opts.Learning.Alpha, o.population, numElites, o.minObserved); err != nil {
		if errors.Is(err, generator.ErrNoUpdate) {
			return nil
		}
		return fmt.Errorf("update distributions: %w", err)
	}
	o.updates++

	changed, err := o.gen.PostUpdateOperations(o.opts.Learning.MutationUses)
	if err != nil {
		return fmt.Errorf("post update: %w", err)
	}
	o.emit(ctx, telemetry.KindUpdate)
	if changed {
		if err := o.restart(ctx, nil); err != nil {
			return err
		}
	}

	if !o.converged && o.gen.IsConverged() {
		o.converged = true
		o.logger.Info("generator converged", "episode", o.episode, "updates", o.updates)
		o.emit(ctx, telemetry.KindConverged)
	}
	if o.opts.Schedule != nil && o.opts.Schedule.Due(o.updates) {
		return o.checkpoint(ctx)
	}
	return nil
}

// restart re-covers a new observation, resets sample collection and drops
// elites that no longer describe valid policies.
func (o *Optimizer) restart(ctx context.Context, obs *rule.Observation) error {
	if obs != nil {
		added, err := o.gen.Cover(*obs)
		if err != nil {
			return fmt.Errorf("cover observation: %w", err)
		}
		if added > 0 {
			o.converged = false
			o.logger.Info("covered new actions", "slots", added)
		}
	}
	o.samplesSinceRestart = 0
	o.sinceUpdate = 0
	removed := o.set.Filter(func(pv elites.PolicyValue) bool {
		return o.gen.ValidPolicy(pv.Policy)
	})
	o.population = o.gen.DeterminePopulation()
	o.logger.Debug("restart", "removed", removed, "elites", o.set.Len(), "population", o.population)
	if o.episode > 0 {
		o.emit(ctx, telemetry.KindRestart)
	}
	return nil
}

// pending reports whether the environment still has a stage to reveal.
func (o *Optimizer) pending() bool {
	st, ok := o.env.(harness.Staged)
	return ok && st.Pending()
}

// Test evaluates n greedy policies of the frozen generator and returns the
// mean score. The generator is unfrozen afterwards.
func (o *Optimizer) Test(ctx context.Context, n int) (float64, error) {
	if n <= 0 {
		return 0, nil
	}
	o.gen.Freeze(true)
	defer o.gen.Freeze(false)

	total := 0.0
	for i := 0; i < n; i++ {
		p, err := o.gen.GeneratePolicy(false)
		if err != nil {
			return 0, fmt.Errorf("generate test policy: %w", err)
		}
		ev, err := o.env.Evaluate(ctx, o.resolve(p))
		if err != nil {
			return 0, fmt.Errorf("evaluate test policy: %w", err)
		}
		total += ev.Score
	}
	return total / float64(n), nil
}

func (o *Optimizer) resolve(p *policy.Policy) []rule.Rule {
	rules := make([]rule.Rule, 0, p.Len())
	for _, id := range p.Rules() {
		if r, ok := o.gen.Rule(id); ok {
			rules = append(rules, *r)
		}
	}
	return rules
}

func (o *Optimizer) finish(ctx context.Context) error {
	var err error
	if o.opts.Store != nil {
		err = o.checkpoint(ctx)
	}
	o.emit(ctx, telemetry.KindFinished)
	o.logger.Info("run finished",
		"episodes", o.episode,
		"updates", o.updates,
		"best", o.bestValue,
		"converged", o.converged,
	)
	return err
}

func (o *Optimizer) checkpoint(ctx context.Context) error {
	if o.opts.Store == nil {
		return nil
	}
	state, err := o.gen.Serialize()
	if err != nil {
		return fmt.Errorf("serialize generator: %w", err)
	}
	if _, err := o.opts.Store.Save(ctx, checkpoint.Checkpoint{
		RunID:       o.runID,
		Episode:     o.episode,
		Updates:     o.updates,
		BestValue:   o.best(),
		Convergence: o.gen.Convergence(),
		Converged:   o.converged,
		State:       state,
	}); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	if o.opts.Keep > 0 {
		if _, err := o.opts.Store.Prune(ctx, o.runID, o.opts.Keep); err != nil {
			return fmt.Errorf("prune checkpoints: %w", err)
		}
	}
	o.emit(ctx, telemetry.KindCheckpoint)
	return nil
}

func (o *Optimizer) emit(ctx context.Context, kind telemetry.Kind) {
	if o.opts.Observer == nil {
		return
	}
	o.opts.Observer.Observe(ctx, telemetry.Event{
		RunID:       o.runID,
		Kind:        kind,
		Episode:     o.episode,
		Updates:     o.updates,
		Population:  o.population,
		Elites:      o.set.Len(),
		BestValue:   o.best(),
		Convergence: o.gen.Convergence(),
		Summary:     report.Summarize(o.gen),
		Time:        time.Now(),
	})
}

// best hides the -Inf sentinel before any evaluation.
func (o *Optimizer) best() float64 {
	if math.IsInf(o.bestValue, -1) {
		return 0
	}
	return o.bestValue
}

func (o *Optimizer) result() *Result {
	return &Result{
		RunID:     o.runID,
		Episodes:  o.episode,
		Updates:   o.updates,
		BestValue: o.best(),
		Converged: o.converged,
		Summary:   report.Summarize(o.gen),
	}
}
