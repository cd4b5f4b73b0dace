// Package scheduler runs RelayPipe's periodic maintenance jobs.
//
// Jobs are registered with cron expressions. The only job today prunes
// recorded messages older than the configured retention window.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Retention defaults.
const (
	DefaultRetention         = 90 * 24 * time.Hour
	DefaultRetentionSchedule = "0 3 * * *"
	// pruneTimeout bounds a single pruning run.
	pruneTimeout = 2 * time.Minute
)

// Pruner deletes recorded messages older than a cutoff. store.Store implements it.
type Pruner interface {
	PruneMessages(ctx context.Context, before time.Time) (int64, error)
}

// Scheduler provides cron-based job scheduling.
type Scheduler struct {
	cron *cron.Cron
}

// NewScheduler creates and starts a cron scheduler.
func NewScheduler() *Scheduler {
	// Standard 5-field expressions plus descriptors such as @daily; a panicking job is recovered.
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	c := cron.New(cron.WithParser(parser), cron.WithChain(cron.Recover(cron.DefaultLogger)))
	c.Start()
	return &Scheduler{cron: c}
}

// AddJob schedules a task using the provided cron expression.
// It returns an error if the expression is invalid.
func (s *Scheduler) AddJob(expr string, task func()) error {
	if _, err := s.cron.AddFunc(expr, task); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", expr, err)
	}
	return nil
}

// Stop stops the scheduler and waits for running jobs until ctx is done.
func (s *Scheduler) Stop(ctx context.Context) {
	select {
	case <-s.cron.Stop().Done():
	case <-ctx.Done():
		slog.Warn("Scheduler stopped before running jobs finished", "error", ctx.Err())
	}
}

// ScheduleRetention registers a job that deletes messages older than maxAge.
func (s *Scheduler) ScheduleRetention(expr string, p Pruner, maxAge time.Duration) error {
	if maxAge <= 0 {
		return fmt.Errorf("retention must be positive, got %v", maxAge)
	}
	if err := s.AddJob(expr, RetentionJob(p, maxAge, time.Now)); err != nil {
		return err
	}
	slog.Info("Message retention scheduled", "schedule", expr, "retention", maxAge)
	return nil
}

// RetentionJob returns a task pruning messages recorded more than maxAge before now().
func RetentionJob(p Pruner, maxAge time.Duration, now func() time.Time) func() {
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), pruneTimeout)
		defer cancel()
		cutoff := now().Add(-maxAge)
		n, err := p.PruneMessages(ctx, cutoff)
		if err != nil {
			slog.Error("Message retention run failed", "error", err, "cutoff", cutoff)
			return
		}
		slog.Info("Message retention run completed", "deleted", n, "cutoff", cutoff)
	}
}
