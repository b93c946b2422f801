package queue

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/rhagen/kontor/internal/modules/drafts"
)

// ScheduledJob represents a scheduled job
type ScheduledJob interface {
	Run() error
	Name() string
}

// Scheduler manages cron-driven background jobs
type Scheduler struct {
	cron *cron.Cron
	log  zerolog.Logger
}

// NewScheduler creates a new scheduler
func NewScheduler(log zerolog.Logger) *Scheduler {
	return &Scheduler{
		cron: cron.New(cron.WithSeconds()),
		log:  log.With().Str("component", "scheduler").Logger(),
	}
}

// Start starts the scheduler
func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info().Msg("Scheduler started")
}

// Stop stops the scheduler and waits for running jobs
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.log.Info().Msg("Scheduler stopped")
}

// AddJob registers a new job with a cron schedule
// Schedule examples:
//   - "0 0 3 * * *"   - 3 AM daily
//   - "@hourly"       - Every hour
//   - "@every 30s"    - Every 30 seconds
func (s *Scheduler) AddJob(schedule string, job ScheduledJob) error {
	_, err := s.cron.AddFunc(schedule, func() {
		s.log.Debug().Str("job", job.Name()).Msg("Running job")

		if err := job.Run(); err != nil {
			s.log.Error().
				Err(err).
				Str("job", job.Name()).
				Msg("Job failed")
		} else {
			s.log.Debug().Str("job", job.Name()).Msg("Job completed")
		}
	})
	if err != nil {
		return err
	}

	s.log.Info().
		Str("schedule", schedule).
		Str("job", job.Name()).
		Msg("Job registered")

	return nil
}

// RetentionJob expires uncommitted drafts that sat untouched past the
// retention window.
type RetentionJob struct {
	drafts    *drafts.Repository
	retention time.Duration
	log       zerolog.Logger
}

// NewRetentionJob creates a new draft retention job
func NewRetentionJob(d *drafts.Repository, retention time.Duration, log zerolog.Logger) *RetentionJob {
	return &RetentionJob{
		drafts:    d,
		retention: retention,
		log:       log.With().Str("job", "draft_retention").Logger(),
	}
}

// Name returns the job name
func (j *RetentionJob) Name() string {
	return "draft_retention"
}

// Run expires every stale draft in one pass
func (j *RetentionJob) Run() error {
	cutoff := time.Now().Add(-j.retention)

	expired, err := j.drafts.ExpireOlderThan(cutoff)
	if err != nil {
		return fmt.Errorf("draft retention failed: %w", err)
	}

	if expired > 0 {
		j.log.Info().Int64("expired", expired).Time("cutoff", cutoff).Msg("Expired stale drafts")
	}
	return nil
}
