package checkpoint

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// Schedule decides when a checkpoint is due: every N distribution updates,
// on a cron schedule, or both.
type Schedule struct {
	every int
	cron  cron.Schedule
	next  time.Time
	now   func() time.Time
}

// NewSchedule creates a schedule. everyUpdates <= 0 disables the update
// trigger; an empty expr disables the cron trigger.
func NewSchedule(everyUpdates int, expr string) (*Schedule, error) {
	return newSchedule(everyUpdates, expr, time.Now)
}

func newSchedule(everyUpdates int, expr string, now func() time.Time) (*Schedule, error) {
	s := &Schedule{every: everyUpdates, now: now}
	if expr != "" {
		sched, err := cron.ParseStandard(expr)
		if err != nil {
			return nil, fmt.Errorf("checkpoint schedule: %w", err)
		}
		s.cron = sched
		s.next = sched.Next(now())
	}
	return s, nil
}

// Due reports whether a checkpoint should be written after the given number
// of updates. A due cron trigger is consumed.
func (s *Schedule) Due(updates int) bool {
	due := s.every > 0 && updates > 0 && updates%s.every == 0
	if s.cron != nil {
		if now := s.now(); !now.Before(s.next) {
			s.next = s.cron.Next(now)
			due = true
		}
	}
	return due
}

// Next is the next cron trigger time, zero without a cron trigger.
func (s *Schedule) Next() time.Time { return s.next }
