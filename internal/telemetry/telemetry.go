// Package telemetry publishes optimizer progress events to the log and,
// optionally, to an MQTT broker.
package telemetry

import (
	"context"
	"log/slog"
	"time"

	"github.com/clawinfra/cerrla/internal/report"
)

// Kind classifies an event.
type Kind string

const (
	KindStarted    Kind = "started"
	KindUpdate     Kind = "update"
	KindRestart    Kind = "restart"
	KindCheckpoint Kind = "checkpoint"
	KindConverged  Kind = "converged"
	KindFinished   Kind = "finished"
)

// Event is a progress snapshot of one run.
type Event struct {
	RunID       string         `json:"runId"`
	Kind        Kind           `json:"kind"`
	Episode     int            `json:"episode"`
	Updates     int            `json:"updates"`
	Population  int            `json:"population"`
	Elites      int            `json:"elites"`
	BestValue   float64        `json:"bestValue"`
	Convergence float64        `json:"convergence"`
	Summary     report.Summary `json:"summary"`
	Time        time.Time      `json:"time"`
}

// Observer receives events. Implementations must not block the optimizer
// for long and must be safe for concurrent use by several runs.
type Observer interface {
	Observe(ctx context.Context, ev Event)
}

// Multi fans an event out to several observers.
type Multi []Observer

func (m Multi) Observe(ctx context.Context, ev Event) {
	for _, o := range m {
		if o != nil {
			o.Observe(ctx, ev)
		}
	}
}

// LogObserver writes events to a structured logger. Per-update events are
// logged at debug level.
type LogObserver struct {
	logger *slog.Logger
}

// NewLogObserver creates a log observer.
func NewLogObserver(logger *slog.Logger) *LogObserver {
	return &LogObserver{logger: logger.With("component", "telemetry")}
}

func (l *LogObserver) Observe(ctx context.Context, ev Event) {
	level := slog.LevelInfo
	if ev.Kind == KindUpdate || ev.Kind == KindCheckpoint {
		level = slog.LevelDebug
	}
	l.logger.Log(ctx, level, "run "+string(ev.Kind),
		"run", ev.RunID,
		"episode", ev.Episode,
		"updates", ev.Updates,
		"population", ev.Population,
		"best", ev.BestValue,
		"convergence", ev.Convergence,
		"slots", ev.Summary.Slots,
		"rules", ev.Summary.Rules,
	)
}
