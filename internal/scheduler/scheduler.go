// Package scheduler runs background jobs on cron schedules: the periodic
// strategy tick, cache pruning, and audit backups.
package scheduler

import (
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Job is a named unit of scheduled work
type Job interface {
	Run() error
	Name() string
}

// Scheduler manages background jobs
type Scheduler struct {
	cron *cron.Cron
	log  zerolog.Logger
}

// New creates a new scheduler
func New(log zerolog.Logger) *Scheduler {
	return &Scheduler{
		cron: cron.New(),
		log:  log.With().Str("component", "scheduler").Logger(),
	}
}

// Start starts the scheduler
func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info().Msg("Scheduler started")
}

// Stop stops the scheduler and waits for running jobs to finish
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.log.Info().Msg("Scheduler stopped")
}

// AddJob registers a job with a cron schedule ("@every 15m", "0 9 * * MON-FRI")
func (s *Scheduler) AddJob(schedule string, job Job) error {
	_, err := s.cron.AddFunc(schedule, func() {
		if err := job.Run(); err != nil {
			s.log.Error().Err(err).Str("job", job.Name()).Msg("Job failed")
			return
		}
		s.log.Debug().Str("job", job.Name()).Msg("Job completed")
	})
	if err != nil {
		return err
	}

	s.log.Info().Str("schedule", schedule).Str("job", job.Name()).Msg("Job registered")
	return nil
}
