// Command cerrla-tui browses the runs and checkpoints recorded by cerrla.
//
// Usage:
//
//	cerrla-tui --config cerrla.yaml
//
// The left pane lists runs with their latest progress, the right pane shows
// the generator report of the selected run. The list refreshes while runs
// are in progress.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/clawinfra/cerrla/internal/checkpoint"
	"github.com/clawinfra/cerrla/internal/config"
	"github.com/clawinfra/cerrla/internal/report"
)

func main() {
	configPath := flag.String("config", "cerrla.yaml", "path to config file")
	maxRules := flag.Int("max-rules", 10, "rules listed per slot, 0 for all")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading config: %v\n", err)
		os.Exit(1)
	}

	// Set up logging to file (stdout is owned by the TUI)
	logFile, err := os.OpenFile("cerrla-tui.log", os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening log file: %v\n", err)
		os.Exit(1)
	}
	defer logFile.Close() //nolint:errcheck

	logger := slog.New(slog.NewJSONHandler(logFile, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	store, err := checkpoint.Open(cfg.Checkpoint.DBPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening checkpoints: %v\n", err)
		os.Exit(1)
	}
	defer store.Close() //nolint:errcheck

	logger.Info("browsing checkpoints", "db", cfg.Checkpoint.DBPath)
	program := tea.NewProgram(newModel(store, report.Options{MaxRules: *maxRules}), tea.WithAltScreen())
	if _, err := program.Run(); err != nil {
		logger.Error("TUI crashed", "error", err)
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
	}
}
