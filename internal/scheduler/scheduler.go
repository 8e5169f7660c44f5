// Package scheduler provides scheduling logic for SOSPipe's maintenance jobs.
//
// Jobs are registered with cron expressions. The retention job prunes delivery receipts and
// finished episodes that are older than the configured number of days.
package scheduler

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/robfig/cron/v3"
)

// Retention defaults.
const (
	// DefaultRetentionCron runs the retention job daily at 03:00.
	DefaultRetentionCron = "0 3 * * *"
	// DefaultRetentionDays keeps 90 days of history.
	DefaultRetentionDays = 90
)

// Scheduler provides cron-based job scheduling.
type Scheduler struct {
	cron *cron.Cron
}

// NewScheduler creates and starts a cron scheduler.
func NewScheduler() *Scheduler {
	// Use standard 5-field cron parser (min, hour, dom, month, dow) and enable recovery
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	c := cron.New(cron.WithParser(parser), cron.WithChain(cron.Recover(cron.DefaultLogger)))
	c.Start()
	return &Scheduler{cron: c}
}

// AddJob schedules a task using the provided cron expression.
// It returns an error if the expression is invalid.
func (s *Scheduler) AddJob(expr string, task func()) error {
	_, err := s.cron.AddFunc(expr, task)
	return err
}

// Stop stops the cron scheduler and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// Pruner deletes history older than a cutoff (store.Store).
type Pruner interface {
	PruneBefore(cutoff time.Time) (int64, error)
}

// RetentionJob removes old receipts and finished episodes.
type RetentionJob struct {
	pruner Pruner
	days   int
	clock  clock.Clock
}

// NewRetentionJob creates a RetentionJob keeping the given number of days. A nil clock uses
// wall time; a non-positive days value uses DefaultRetentionDays.
func NewRetentionJob(p Pruner, days int, clk clock.Clock) *RetentionJob {
	if days <= 0 {
		days = DefaultRetentionDays
	}
	if clk == nil {
		clk = clock.New()
	}
	return &RetentionJob{pruner: p, days: days, clock: clk}
}

// Cutoff returns the oldest timestamp that is kept.
func (j *RetentionJob) Cutoff() time.Time {
	return j.clock.Now().AddDate(0, 0, -j.days)
}

// Run prunes once and returns the number of rows removed.
func (j *RetentionJob) Run() (int64, error) {
	cutoff := j.Cutoff()
	removed, err := j.pruner.PruneBefore(cutoff)
	if err != nil {
		slog.Error("RetentionJob.Run: prune failed", "cutoff", cutoff, "error", err)
		return 0, fmt.Errorf("failed to prune history before %s: %w", cutoff.Format(time.RFC3339), err)
	}
	slog.Info("RetentionJob.Run: pruned history", "cutoff", cutoff, "removed", removed, "retention_days", j.days)
	return removed, nil
}

// ScheduleRetention registers job on s. An empty expression uses DefaultRetentionCron.
func ScheduleRetention(s *Scheduler, job *RetentionJob, expr string) error {
	if expr == "" {
		expr = DefaultRetentionCron
	}
	if err := s.AddJob(expr, func() { job.Run() }); err != nil {
		return fmt.Errorf("invalid retention schedule %q: %w", expr, err)
	}
	slog.Debug("ScheduleRetention: retention job scheduled", "cron", expr, "retention_days", job.days)
	return nil
}
