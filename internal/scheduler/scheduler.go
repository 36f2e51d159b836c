// Package scheduler runs periodic maintenance jobs such as the idle-session sweep.
//
// Jobs are registered with standard 5-field cron expressions or with the
// "@every <duration>" descriptor.
package scheduler

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Scheduler provides cron-based job scheduling.
type Scheduler struct {
	cron *cron.Cron
}

// NewScheduler creates and starts a cron scheduler.
func NewScheduler() *Scheduler {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
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

// Every schedules task at a fixed interval.
func (s *Scheduler) Every(interval time.Duration, name string, task func()) error {
	if interval <= 0 {
		return fmt.Errorf("invalid interval %v for job %s", interval, name)
	}
	expr := "@every " + interval.String()
	if err := s.AddJob(expr, task); err != nil {
		return fmt.Errorf("failed to schedule %s: %w", name, err)
	}
	slog.Info("Scheduler registered periodic job", "job", name, "interval", interval)
	return nil
}

// Stop stops the cron scheduler and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}
