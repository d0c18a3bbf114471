package quota

import (
	"context"
	"log/slog"
	"time"
)

// Resetter is what the scheduler triggers each UTC midnight.
type Resetter interface {
	ResetAll(ctx context.Context, today string) (int64, error)
}

// Scheduler runs the daily reset at 00:00 UTC.
type Scheduler struct {
	resetter Resetter
	log      *slog.Logger

	now   func() time.Time
	after func(time.Duration) <-chan time.Time
	// OnReset, when set, is called after every run with the date and rows reset.
	OnReset func(today string, n int64)
}

// NewScheduler returns a scheduler driven by the wall clock.
func NewScheduler(resetter Resetter, log *slog.Logger) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{
		resetter: resetter,
		log:      log,
		now:      time.Now,
		after:    time.After,
	}
}

// NextMidnight returns the first UTC midnight strictly after now.
func NextMidnight(now time.Time) time.Time {
	u := now.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
}

// Run blocks until ctx is done, resetting stale quotas at every UTC midnight.
func (s *Scheduler) Run(ctx context.Context) {
	for {
		now := s.now()
		next := NextMidnight(now)
		s.log.Debug("quota reset scheduled", "at", next.Format(time.RFC3339))
		select {
		case <-ctx.Done():
			return
		case <-s.after(next.Sub(now)):
		}
		s.RunOnce(ctx)
	}
}

// RunOnce performs one reset for the current UTC day.
func (s *Scheduler) RunOnce(ctx context.Context) {
	today := Today(s.now())
	n, err := s.resetter.ResetAll(ctx, today)
	if err != nil {
		return
	}
	if s.OnReset != nil {
		s.OnReset(today, n)
	}
}
