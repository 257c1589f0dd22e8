package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron/v2"

	"git.home.luguber.info/inful/privd/internal/logfields"
)

// Scheduler wraps gocron for the daemon's housekeeping jobs.
type Scheduler struct {
	scheduler gocron.Scheduler
	logger    *slog.Logger
}

// NewScheduler creates a new scheduler instance.
func NewScheduler() (*Scheduler, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("failed to create gocron scheduler: %w", err)
	}
	return &Scheduler{scheduler: s, logger: slog.Default()}, nil
}

// Start begins the scheduler.
func (s *Scheduler) Start() {
	s.logger.Info("Starting scheduler", slog.Int("jobs", len(s.scheduler.Jobs())))
	s.scheduler.Start()
}

// Stop waits for running jobs and shuts the scheduler down.
func (s *Scheduler) Stop(_ context.Context) error {
	s.logger.Info("Stopping scheduler")
	return s.scheduler.Shutdown()
}

// ScheduleEvery runs fn every interval. Overlapping runs are skipped.
func (s *Scheduler) ScheduleEvery(name string, interval time.Duration, fn func()) (string, error) {
	if interval <= 0 {
		return "", fmt.Errorf("schedule %s: interval must be positive", name)
	}
	return s.schedule(name, gocron.DurationJob(interval), fn)
}

// ScheduleCron runs fn on a standard five-field cron expression.
func (s *Scheduler) ScheduleCron(name, expr string, fn func()) (string, error) {
	return s.schedule(name, gocron.CronJob(expr, false), fn)
}

func (s *Scheduler) schedule(name string, def gocron.JobDefinition, fn func()) (string, error) {
	job, err := s.scheduler.NewJob(
		def,
		gocron.NewTask(func() {
			start := time.Now()
			fn()
			s.logger.Debug("Scheduled job finished",
				logfields.ScheduleName(name),
				logfields.DurationMS(float64(time.Since(start).Microseconds())/1000))
		}),
		gocron.WithName(name),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return "", fmt.Errorf("failed to create job %s: %w", name, err)
	}
	return job.ID().String(), nil
}
