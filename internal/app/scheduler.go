/**
 * @description
 * Cron scheduler that drives the deferred-execution sweep.
 */
package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

const defaultSweepTimeout = 5 * time.Minute

// ScheduleRunner runs one sweep over the due schedules.
type ScheduleRunner interface {
	RunDueSchedules(ctx context.Context) (SweepReport, error)
}

// Scheduler manages the cron job.
type Scheduler struct {
	cron    *cron.Cron
	runner  ScheduleRunner
	logger  *slog.Logger
	spec    string
	timeout time.Duration
}

// NewScheduler creates a new scheduler instance. spec is a robfig/cron spec such as "@every 1m".
func NewScheduler(runner ScheduleRunner, logger *slog.Logger, spec string) *Scheduler {
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	c := cron.New(cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)))

	return &Scheduler{
		cron:    c,
		runner:  runner,
		logger:  logger,
		spec:    spec,
		timeout: defaultSweepTimeout,
	}
}

// Start registers the sweep and starts the cron scheduler.
func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc(s.spec, s.RunOnce); err != nil {
		s.logger.Error("failed to schedule due-schedule sweep", "error", err)
		return err
	}
	s.logger.Info("scheduled due-schedule sweep", "schedule", s.spec)
	s.cron.Start()
	return nil
}

// RunOnce performs a single sweep.
func (s *Scheduler) RunOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	report, err := s.runner.RunDueSchedules(ctx)
	if err != nil {
		s.logger.Error("due-schedule sweep failed", "error", err)
		return
	}
	if report.Claimed == 0 {
		return
	}
	s.logger.Info("due-schedule sweep finished",
		"claimed", report.Claimed,
		"executed", report.Executed,
		"failed", report.Failed,
		"released", report.Released,
		"skipped", report.Skipped,
	)
}

// Stop gracefully stops the cron scheduler.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}
