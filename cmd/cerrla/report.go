package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"

	"github.com/clawinfra/cerrla/internal/checkpoint"
	"github.com/clawinfra/cerrla/internal/generator"
	"github.com/clawinfra/cerrla/internal/report"
)

// reportCommand renders the latest checkpointed generator of a run.
func reportCommand(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("report", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := commonFlags(fs)
	runID := fs.String("run", "", "Run to report (default: most recent)")
	maxRules := fs.Int("max-rules", 10, "Rules listed per slot, 0 for all")
	lineage := fs.Bool("lineage", false, "Show parent rules")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, logger, err := setup(*configPath, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "Setup failed: %v\n", err)
		return 1
	}
	store, err := checkpoint.Open(cfg.Checkpoint.DBPath)
	if err != nil {
		logger.Error("open checkpoint store", "error", err)
		return 1
	}
	defer store.Close()

	if err := renderRun(ctx, stdout, store, *runID, report.Options{MaxRules: *maxRules, Lineage: *lineage}); err != nil {
		logger.Error("report failed", "error", err)
		return 1
	}
	return 0
}

// renderRun writes the report of runID, or of the newest run when runID is
// empty.
func renderRun(ctx context.Context, w io.Writer, store *checkpoint.Store, runID string, opts report.Options) error {
	if runID == "" {
		runs, err := store.ListRuns(ctx)
		if err != nil {
			return err
		}
		if len(runs) == 0 {
			return fmt.Errorf("no runs: %w", checkpoint.ErrNotFound)
		}
		runID = runs[0].ID
	}
	cp, err := store.Latest(ctx, runID)
	if err != nil {
		return fmt.Errorf("latest checkpoint of %s: %w", runID, err)
	}
	g, err := generator.Deserialize(cp.State, generator.Options{})
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "run %s  episode %d  updates %d  best %.3f  converged %t\n\n",
		runID, cp.Episode, cp.Updates, cp.BestValue, cp.Converged)
	return report.Render(w, g, opts)
}

// runsCommand lists stored runs with their latest progress.
func runsCommand(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("runs", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := commonFlags(fs)
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, logger, err := setup(*configPath, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "Setup failed: %v\n", err)
		return 1
	}
	store, err := checkpoint.Open(cfg.Checkpoint.DBPath)
	if err != nil {
		logger.Error("open checkpoint store", "error", err)
		return 1
	}
	defer store.Close()

	if err := listRuns(ctx, stdout, store); err != nil {
		logger.Error("list runs failed", "error", err)
		return 1
	}
	return 0
}

func listRuns(ctx context.Context, w io.Writer, store *checkpoint.Store) error {
	runs, err := store.ListRuns(ctx)
	if err != nil {
		return err
	}
	for _, r := range runs {
		line := fmt.Sprintf("%s  %-16s seed=%-6d %s", r.ID, r.Name, r.Seed, r.CreatedAt.Format("2006-01-02 15:04:05"))
		cp, err := store.Latest(ctx, r.ID)
		switch {
		case errors.Is(err, checkpoint.ErrNotFound):
			line += "  (no checkpoint)"
		case err != nil:
			return err
		default:
			line += fmt.Sprintf("  episode=%d updates=%d best=%.3f converged=%t", cp.Episode, cp.Updates, cp.BestValue, cp.Converged)
		}
		fmt.Fprintln(w, line)
	}
	return nil
}
