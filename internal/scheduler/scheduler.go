// Package scheduler fires the processor on a timer so queued work makes
// progress without new enqueue events.
package scheduler

import (
	"context"
	"fmt"

	"labelrunner/internal/logging"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Target is what the scheduler triggers.
type Target interface {
	Kick()
	RecoverStuck(ctx context.Context) bool
}

// Scheduler owns the cron instance.
type Scheduler struct {
	cron     *cron.Cron
	target   Target
	interval string
	sweep    string
	log      *zap.Logger
}

// New creates a Scheduler. interval and sweep are cron specs such as
// "@every 15s"; an empty sweep disables the stuck-job sweep.
func New(target Target, interval, sweep string, log *zap.Logger) *Scheduler {
	if log == nil {
		log = logging.Get(logging.CategoryScheduler)
	}
	cl := cronLogger{log.Sugar()}
	return &Scheduler{
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		target:   target,
		interval: interval,
		sweep:    sweep,
		log:      log,
	}
}

// Start registers the triggers, starts the cron and fires the startup kick.
func (s *Scheduler) Start(ctx context.Context) error {
	if _, err := s.cron.AddFunc(s.interval, s.target.Kick); err != nil {
		return fmt.Errorf("schedule %q: %w", s.interval, err)
	}
	if s.sweep != "" {
		_, err := s.cron.AddFunc(s.sweep, func() {
			s.target.RecoverStuck(ctx)
		})
		if err != nil {
			return fmt.Errorf("schedule %q: %w", s.sweep, err)
		}
	}

	s.cron.Start()
	s.log.Info("scheduler started", zap.String("interval", s.interval), zap.String("stuck_sweep", s.sweep))

	s.target.Kick()
	return nil
}

// Stop stops the cron and waits for running triggers.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.log.Info("scheduler stopped")
}

// Entries returns the number of registered triggers.
func (s *Scheduler) Entries() int {
	return len(s.cron.Entries())
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
