// Package queue runs background jobs. The runner guarantees at most one
// concurrent execution per (job type, user) - the contract the aggregate
// rebuild depends on, since two concurrent rebuilds for one user would
// double-delete and double-count.
package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// JobType identifies a kind of background job
type JobType string

const (
	// JobTypeAggregatesRebuild - full aggregate and balance rebuild for one user
	JobTypeAggregatesRebuild JobType = "aggregates_rebuild"
)

// JobStatus is the lifecycle state of a job
type JobStatus string

const (
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// Job is a snapshot of one background job. Progress counters stay at their
// last reported values when a job fails or is cancelled.
type Job struct {
	ID         string    `json:"id"`
	Type       JobType   `json:"type"`
	UserID     int64     `json:"user_id"`
	Status     JobStatus `json:"status"`
	Processed  int       `json:"processed"`
	Total      int       `json:"total"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
}

// RebuildFunc is the rebuild operation invoked by the runner
type RebuildFunc func(ctx context.Context, userID int64, progress func(processed, total int)) error

// Runner executes background jobs with per-(type,user) serialization
type Runner struct {
	mu      sync.Mutex
	jobs    map[string]*Job
	cancels map[string]context.CancelFunc
	active  map[string]string // "type:user" -> job id

	rebuild RebuildFunc
	log     zerolog.Logger
}

// NewRunner creates a new job runner
func NewRunner(rebuild RebuildFunc, log zerolog.Logger) *Runner {
	return &Runner{
		jobs:    make(map[string]*Job),
		cancels: make(map[string]context.CancelFunc),
		active:  make(map[string]string),
		rebuild: rebuild,
		log:     log.With().Str("component", "queue").Logger(),
	}
}

// EnqueueRebuild starts an aggregate rebuild for the user. Returns an
// error when a rebuild for this user is already running.
func (r *Runner) EnqueueRebuild(userID int64) (Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	slot := activeKey(JobTypeAggregatesRebuild, userID)
	if runningID, busy := r.active[slot]; busy {
		return Job{}, fmt.Errorf("rebuild already running for user %d (job %s)", userID, runningID)
	}

	ctx, cancel := context.WithCancel(context.Background())
	job := &Job{
		ID:        uuid.New().String(),
		Type:      JobTypeAggregatesRebuild,
		UserID:    userID,
		Status:    JobStatusRunning,
		StartedAt: time.Now().UTC(),
	}
	r.jobs[job.ID] = job
	r.cancels[job.ID] = cancel
	r.active[slot] = job.ID

	go r.runRebuild(ctx, job.ID, userID)

	r.log.Info().Str("job_id", job.ID).Int64("user_id", userID).Msg("Started rebuild job")
	return *job, nil
}

func (r *Runner) runRebuild(ctx context.Context, jobID string, userID int64) {
	progress := func(processed, total int) {
		r.mu.Lock()
		if job, ok := r.jobs[jobID]; ok {
			job.Processed = processed
			job.Total = total
		}
		r.mu.Unlock()
	}

	err := r.rebuild(ctx, userID, progress)

	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[jobID]
	if !ok {
		return
	}

	job.FinishedAt = time.Now().UTC()
	switch {
	case err == nil:
		job.Status = JobStatusCompleted
	case ctx.Err() != nil:
		job.Status = JobStatusCancelled
		job.Error = ctx.Err().Error()
	default:
		// Terminal failure, no automatic retry. Committed batches stay;
		// re-invocation is idempotent.
		job.Status = JobStatusFailed
		job.Error = err.Error()
		r.log.Error().Err(err).Str("job_id", jobID).Msg("Rebuild job failed")
	}

	delete(r.active, activeKey(job.Type, job.UserID))
	delete(r.cancels, jobID)
}

// Cancel requests cancellation of a running job. The rebuild observes the
// signal between batches, never mid-batch.
func (r *Runner) Cancel(jobID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	cancel, ok := r.cancels[jobID]
	if ok {
		cancel()
	}
	return ok
}

// JobByID returns a snapshot of one job
func (r *Runner) JobByID(jobID string) (Job, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[jobID]
	if !ok {
		return Job{}, false
	}
	return *job, true
}

func activeKey(jobType JobType, userID int64) string {
	return fmt.Sprintf("%s:%d", jobType, userID)
}
