// Package harness evaluates policies. Environment is the episode harness the
// optimizer drives; TargetEnvironment is a built-in synthetic task used for
// benchmarks and tests.
package harness

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"slices"
	"sync"

	"gonum.org/v1/gonum/stat/distuv"

	"github.com/clawinfra/cerrla/internal/rule"
)

// Evaluation is the outcome of running a policy.
type Evaluation struct {
	// Score is the mean return over all trials.
	Score float64
	// Observation is set when the environment revealed new structure.
	Observation *rule.Observation
	// Restart asks the optimizer to restart its sample collection.
	Restart bool
}

// Environment runs policies, given as their rules in firing order.
type Environment interface {
	Observe() rule.Observation
	Evaluate(ctx context.Context, rules []rule.Rule) (Evaluation, error)
}

// Staged is implemented by environments that reveal more of the task over
// time. A learner keeps running while a stage is pending, even once it has
// converged on what it has seen so far.
type Staged interface {
	Pending() bool
}

// ErrNoStages is returned for a target environment without stages.
var ErrNoStages = errors.New("environment has no stages")

// Target is a rule shape the environment rewards.
type Target struct {
	// Action is the action name a matching rule must have.
	Action string `json:"action" yaml:"action" toml:"action"`
	// Args, when set, must equal the rule's action arguments.
	Args []string `json:"args,omitempty" yaml:"args,omitempty" toml:"args,omitempty"`
	// Conditions are predicates a matching rule must require, unnegated.
	Conditions []string `json:"conditions,omitempty" yaml:"conditions,omitempty" toml:"conditions,omitempty"`
	Reward     float64  `json:"reward" yaml:"reward" toml:"reward"`
}

// Matches reports whether r has the target's shape.
func (t Target) Matches(r rule.Rule) bool {
	if r.Action.Name != t.Action {
		return false
	}
	if len(t.Args) > 0 && !slices.Equal(r.Action.Args, t.Args) {
		return false
	}
	for _, pred := range t.Conditions {
		if !slices.ContainsFunc(r.Conditions, func(c rule.Condition) bool {
			return c.Predicate == pred && !c.Negated
		}) {
			return false
		}
	}
	return true
}

// Stage is one phase of a target environment.
type Stage struct {
	Observation rule.Observation `json:"observation" yaml:"observation" toml:"observation"`
	Targets     []Target         `json:"targets" yaml:"targets" toml:"targets"`
	// Episodes is how many evaluations the stage lasts. Zero means forever.
	Episodes int `json:"episodes,omitempty" yaml:"episodes,omitempty" toml:"episodes,omitempty"`
}

// TargetConfig defines a target environment.
type TargetConfig struct {
	Stages []Stage `json:"stages" yaml:"stages" toml:"stages"`
	// Ordered grants OrderBonus when matched targets fire in the listed order.
	Ordered    bool    `json:"ordered,omitempty" yaml:"ordered,omitempty" toml:"ordered,omitempty"`
	OrderBonus float64 `json:"orderBonus,omitempty" yaml:"orderBonus,omitempty" toml:"orderBonus,omitempty"`
	// RulePenalty is subtracted for every rule that matches no target.
	RulePenalty float64 `json:"rulePenalty,omitempty" yaml:"rulePenalty,omitempty" toml:"rulePenalty,omitempty"`
	// Noise is the standard deviation of Gaussian noise added per trial.
	Noise  float64 `json:"noise,omitempty" yaml:"noise,omitempty" toml:"noise,omitempty"`
	Trials int     `json:"trials,omitempty" yaml:"trials,omitempty" toml:"trials,omitempty"`
	Seed   uint64  `json:"seed,omitempty" yaml:"seed,omitempty" toml:"seed,omitempty"`
}

// Validate checks the configuration.
func (c TargetConfig) Validate() error {
	if len(c.Stages) == 0 {
		return ErrNoStages
	}
	for i, s := range c.Stages {
		if len(s.Targets) == 0 {
			return fmt.Errorf("stage %d: no targets", i)
		}
		for j, t := range s.Targets {
			if t.Action == "" {
				return fmt.Errorf("stage %d target %d: action is required", i, j)
			}
		}
	}
	if c.Noise < 0 {
		return fmt.Errorf("noise must be non-negative, got %g", c.Noise)
	}
	return nil
}

// DefaultTargetConfig is a two-stage blocks task: first only moving clear
// blocks pays, then stacking onto a clear block is revealed.
func DefaultTargetConfig() TargetConfig {
	move := rule.Action{Name: "move", Args: []string{"?a", "?b"}}
	stack := rule.Action{Name: "stack", Args: []string{"?a", "?b"}}
	facts := []rule.Condition{
		{Predicate: "clear", Args: []string{"?a"}},
		{Predicate: "clear", Args: []string{"?b"}},
		{Predicate: "on", Args: []string{"?a", "?b"}},
		{Predicate: "highest", Args: []string{"?a"}},
	}
	first := rule.Observation{
		Actions:   []rule.ActionObservation{{Action: move}},
		Facts:     facts,
		Constants: []string{"floor"},
	}
	second := first
	second.Actions = []rule.ActionObservation{{Action: move}, {Action: stack}}
	return TargetConfig{
		Stages: []Stage{
			{
				Observation: first,
				Targets:     []Target{{Action: "move", Conditions: []string{"clear", "highest"}, Reward: 5}},
				Episodes:    300,
			},
			{
				Observation: second,
				Targets: []Target{
					{Action: "stack", Conditions: []string{"clear"}, Reward: 10},
					{Action: "move", Conditions: []string{"clear", "highest"}, Reward: 5},
				},
			},
		},
		Ordered:     true,
		OrderBonus:  2,
		RulePenalty: 0.5,
		Noise:       0.1,
		Trials:      3,
		Seed:        1,
	}
}

// TargetEnvironment scores policies by the targets they cover.
type TargetEnvironment struct {
	mu       sync.Mutex
	cfg      TargetConfig
	stage    int
	episodes int
	rng      *rand.Rand
}

// NewTargetEnvironment creates a target environment from a validated config.
func NewTargetEnvironment(cfg TargetConfig) (*TargetEnvironment, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("target environment: %w", err)
	}
	if cfg.Trials <= 0 {
		cfg.Trials = 1
	}
	return &TargetEnvironment{
		cfg: cfg,
		rng: rand.New(rand.NewPCG(cfg.Seed, cfg.Seed+1)),
	}, nil
}

// Stage is the index of the current stage.
func (e *TargetEnvironment) Stage() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stage
}

// Pending reports whether a later stage will still be revealed.
func (e *TargetEnvironment) Pending() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg.Stages[e.stage].Episodes > 0 && e.stage < len(e.cfg.Stages)-1
}

// Observe returns the observation of the current stage.
func (e *TargetEnvironment) Observe() rule.Observation {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg.Stages[e.stage].Observation
}

// Evaluate scores rules over the configured trials. Moving to a new stage is
// reported with its observation and a restart request.
func (e *TargetEnvironment) Evaluate(ctx context.Context, rules []rule.Rule) (Evaluation, error) {
	if err := ctx.Err(); err != nil {
		return Evaluation{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	stage := e.cfg.Stages[e.stage]
	base := e.score(stage.Targets, rules)
	noise := distuv.Normal{Mu: 0, Sigma: e.cfg.Noise, Src: e.rng}
	total := 0.0
	for i := 0; i < e.cfg.Trials; i++ {
		v := base
		if e.cfg.Noise > 0 {
			v += noise.Rand()
		}
		total += v
	}
	ev := Evaluation{Score: total / float64(e.cfg.Trials)}

	e.episodes++
	if stage.Episodes > 0 && e.episodes >= stage.Episodes && e.stage < len(e.cfg.Stages)-1 {
		e.stage++
		e.episodes = 0
		obs := e.cfg.Stages[e.stage].Observation
		ev.Observation = &obs
		ev.Restart = true
	}
	return ev, nil
}

func (e *TargetEnvironment) score(targets []Target, rules []rule.Rule) float64 {
	score := 0.0
	firstMatch := make([]int, len(targets))
	for i := range firstMatch {
		firstMatch[i] = -1
	}
	for pos, r := range rules {
		matched := false
		for i, t := range targets {
			if !t.Matches(r) {
				continue
			}
			matched = true
			if firstMatch[i] < 0 {
				firstMatch[i] = pos
				score += t.Reward
			}
		}
		if !matched {
			score -= e.cfg.RulePenalty
		}
	}
	if e.cfg.Ordered && inOrder(firstMatch) {
		score += e.cfg.OrderBonus
	}
	return score
}

// inOrder reports whether at least two targets matched and all matched ones
// fired in target order.
func inOrder(firstMatch []int) bool {
	last, n := -1, 0
	for _, pos := range firstMatch {
		if pos < 0 {
			continue
		}
		if pos <= last {
			return false
		}
		last = pos
		n++
	}
	return n >= 2
}
