package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"

	"github.com/clawinfra/cerrla/internal/config"
)

var (
	version   = "0.1.0"
	buildTime = "dev"
)

const defaultConfigPath = "cerrla.yaml"

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	ctx, stop := signal.NotifyContext(context.Background(), shutdownSignals()...)
	defer stop()

	// Subcommand is the first non-flag argument
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		switch args[0] {
		case "run":
			return runCommand(ctx, args[1:], stdout, stderr)
		case "report":
			return reportCommand(ctx, args[1:], stdout, stderr)
		case "runs":
			return runsCommand(ctx, args[1:], stdout, stderr)
		case "version":
			fmt.Fprintf(stdout, "cerrla v%s (built %s)\n", version, buildTime)
			return 0
		default:
			fmt.Fprintf(stderr, "Unknown command: %s\n", args[0])
			fmt.Fprintln(stderr, "Available commands: run, report, runs, version")
			return 1
		}
	}
	return runCommand(ctx, args, stdout, stderr)
}

// commonFlags registers the flags every subcommand shares.
func commonFlags(fs *flag.FlagSet) *string {
	return fs.String("config", defaultConfigPath, "Path to config file (.yaml, .toml or .json)")
}

// setup loads and validates the config and builds the logger it asks for.
func setup(configPath string, stderr io.Writer) (*config.Config, *slog.Logger, error) {
	bootstrap := newLogger(stderr, "info", "text")
	cfg, err := loadConfig(configPath, bootstrap)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, newLogger(stderr, cfg.Log.Level, cfg.Log.Format), nil
}

// loadConfig loads configuration from file or creates default
func loadConfig(path string, logger *slog.Logger) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logger.Info("no config found, creating default")
			cfg = config.DefaultConfig()
			if err := cfg.Save(path); err != nil {
				return nil, fmt.Errorf("save default config: %w", err)
			}
			logger.Info("default config created", "path", path)
			return cfg, nil
		}
		return nil, err
	}
	return cfg, nil
}

func newLogger(w io.Writer, level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLogLevel(level)}
	if strings.EqualFold(format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// parseLogLevel converts string log level to slog.Level
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
