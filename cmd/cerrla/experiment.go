package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"golang.org/x/sync/errgroup"

	"github.com/clawinfra/cerrla/internal/checkpoint"
	"github.com/clawinfra/cerrla/internal/config"
	"github.com/clawinfra/cerrla/internal/harness"
	"github.com/clawinfra/cerrla/internal/optimizer"
	"github.com/clawinfra/cerrla/internal/report"
	"github.com/clawinfra/cerrla/internal/specializer"
	"github.com/clawinfra/cerrla/internal/telemetry"
)

// runCommand runs cfg.Run.Runs independent learners concurrently against the
// configured benchmark environment.
func runCommand(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := commonFlags(fs)
	seed := fs.Uint64("seed", 0, "Override the base seed")
	runs := fs.Int("runs", 0, "Override the number of runs")
	episodes := fs.Int("episodes", 0, "Override the episode budget")
	resume := fs.String("resume", "", "Resume the given run from its latest checkpoint")
	showReport := fs.Bool("report", false, "Print the generator report of every run")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, logger, err := setup(*configPath, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "Setup failed: %v\n", err)
		return 1
	}
	if *seed != 0 {
		cfg.Run.Seed = *seed
	}
	if *runs > 0 {
		cfg.Run.Runs = *runs
	}
	if *episodes > 0 {
		cfg.Learning.MaxEpisodes = *episodes
	}
	if *resume != "" && cfg.Run.Runs != 1 {
		fmt.Fprintln(stderr, "-resume requires a single run")
		return 1
	}

	exp, err := newExperiment(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to start experiment", "error", err)
		return 1
	}
	defer exp.Close()

	results, err := exp.Run(ctx, *resume)
	for _, r := range results {
		if r.res == nil {
			continue
		}
		fmt.Fprintf(stdout, "run %s: episodes=%d updates=%d best=%.3f converged=%t test=%.3f\n",
			r.res.RunID, r.res.Episodes, r.res.Updates, r.res.BestValue, r.res.Converged, r.res.TestScore)
		if *showReport {
			if err := report.Render(stdout, r.opt.Generator(), report.Options{MaxRules: 5}); err != nil {
				logger.Error("render report", "error", err)
			}
		}
	}
	if err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Warn("experiment interrupted")
			return 130
		}
		logger.Error("experiment failed", "error", err)
		return 1
	}
	return 0
}

// experiment owns the resources shared by all runs.
type experiment struct {
	cfg      *config.Config
	logger   *slog.Logger
	store    *checkpoint.Store
	mqtt     *telemetry.MQTTObserver
	observer telemetry.Observer
}

type runResult struct {
	opt *optimizer.Optimizer
	res *optimizer.Result
}

func newExperiment(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*experiment, error) {
	e := &experiment{cfg: cfg, logger: logger}
	observers := telemetry.Multi{telemetry.NewLogObserver(logger)}

	if cfg.Checkpoint.Enabled {
		if err := os.MkdirAll(filepath.Dir(cfg.Checkpoint.DBPath), 0750); err != nil {
			return nil, fmt.Errorf("create checkpoint dir: %w", err)
		}
		store, err := checkpoint.Open(cfg.Checkpoint.DBPath)
		if err != nil {
			return nil, err
		}
		e.store = store
	}

	if m := cfg.Telemetry.MQTT; m.Enabled {
		obs := telemetry.NewMQTTObserver(m, logger)
		if err := obs.Connect(ctx); err != nil {
			// Telemetry is optional; learning proceeds without it.
			logger.Warn("mqtt telemetry disabled", "error", err)
		} else {
			e.mqtt = obs
			observers = append(observers, obs)
		}
	}
	e.observer = observers
	return e, nil
}

// Close releases the store and the broker connection.
func (e *experiment) Close() {
	if e.mqtt != nil {
		e.mqtt.Close()
	}
	if e.store != nil {
		if err := e.store.Close(); err != nil {
			e.logger.Warn("close checkpoint store", "error", err)
		}
	}
}

// Run starts every learner and waits for all of them. The first failure
// cancels the others; results of finished runs are returned either way.
func (e *experiment) Run(ctx context.Context, resume string) ([]runResult, error) {
	cfgJSON, err := json.Marshal(e.cfg)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	strategies, err := e.cfg.Learning.ParseStrategies()
	if err != nil {
		return nil, err
	}

	results := make([]runResult, e.cfg.Run.Runs)
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < e.cfg.Run.Runs; i++ {
		g.Go(func() error {
			seed := e.cfg.Run.Seed + uint64(i)
			envCfg := e.cfg.Environment
			envCfg.Seed += uint64(i)
			env, err := harness.NewTargetEnvironment(envCfg)
			if err != nil {
				return err
			}

			opts := optimizer.Options{
				Learning:    e.cfg.Learning,
				Name:        fmt.Sprintf("%s-%d", e.cfg.Run.Name, i),
				Seed:        seed,
				ConfigJSON:  cfgJSON,
				Specializer: specializer.New(strategies...),
				Store:       e.store,
				Keep:        e.cfg.Checkpoint.Keep,
				Resume:      resume,
				Observer:    e.observer,
				Logger:      e.logger,
			}
			if e.store != nil {
				sched, err := checkpoint.NewSchedule(e.cfg.Checkpoint.EveryUpdates, e.cfg.Checkpoint.Cron)
				if err != nil {
					return err
				}
				opts.Schedule = sched
			}

			opt, err := optimizer.New(gctx, env, opts)
			if err != nil {
				return fmt.Errorf("run %d: %w", i, err)
			}
			res, err := opt.Run(gctx)
			results[i] = runResult{opt: opt, res: res}
			if err != nil {
				return fmt.Errorf("run %s: %w", opt.RunID(), err)
			}
			return nil
		})
	}
	err = g.Wait()
	return results, err
}
