package jobs

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// JobType names a kind of job.
type JobType string

// JobTypeRenewWatch re-registers the push watch on an owner's mailbox.
const JobTypeRenewWatch JobType = "renew_watch"

// JobStatus is a job's lifecycle state: pending, running, then completed
// or failed. A retryable failure passes through retrying back to pending.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusRetrying  JobStatus = "retrying"
)

// ErrJobNotFound is returned by JobStore.GetJob for an unknown id.
var ErrJobNotFound = errors.New("job not found")

// RenewWatchJob asks the mail provider to keep pushing change
// notifications for one owner. Watches expire after about a week.
type RenewWatchJob struct {
	// JobID is the unique identifier for this job.
	JobID string `json:"job_id"`

	// OwnerID is the mailbox owner whose watch is renewed.
	OwnerID uuid.UUID `json:"owner_id"`

	// HistoryID is the provider cursor returned by a successful watch.
	HistoryID string `json:"history_id,omitempty"`

	// Expiration is when the provider stops pushing unless renewed.
	Expiration *time.Time `json:"expiration,omitempty"`

	Status      JobStatus  `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// Error contains error details if the job failed.
	Error string `json:"error,omitempty"`

	RetryCount int `json:"retry_count"`
	MaxRetries int `json:"max_retries"`
}

// Job is a generic interface for all job types.
type Job interface {
	GetID() string
	GetType() JobType
	GetStatus() JobStatus
}

// GetID implements the Job interface.
func (j *RenewWatchJob) GetID() string {
	return j.JobID
}

// GetType implements the Job interface.
func (j *RenewWatchJob) GetType() JobType {
	return JobTypeRenewWatch
}

// GetStatus implements the Job interface.
func (j *RenewWatchJob) GetStatus() JobStatus {
	return j.Status
}

// Publisher enqueues jobs.
type Publisher interface {
	// PublishRenewWatch publishes a watch renewal job.
	PublishRenewWatch(ctx context.Context, job *RenewWatchJob) error

	// Close closes the publisher and releases resources.
	Close() error
}

// Consumer runs queued jobs.
type Consumer interface {
	// Start begins consuming jobs from the queue.
	// The handler function is called for each job received.
	Start(ctx context.Context, handler JobHandler) error

	// Stop stops consuming jobs and waits for in-flight jobs to complete.
	Stop(ctx context.Context) error
}

// JobHandler processes a job. A returned error is retried unless it is
// wrapped with Permanent.
type JobHandler func(ctx context.Context, job Job) error

// JobStore defines the interface for storing and retrieving job status.
type JobStore interface {
	// SaveJob saves or updates a job's state.
	SaveJob(ctx context.Context, job *RenewWatchJob) error

	// GetJob retrieves a job by ID.
	GetJob(ctx context.Context, jobID string) (*RenewWatchJob, error)

	// ListJobs retrieves jobs with optional filtering, newest first.
	ListJobs(ctx context.Context, filter JobFilter) ([]*RenewWatchJob, error)

	// UpdateJobStatus updates the status of a job.
	UpdateJobStatus(ctx context.Context, jobID string, status JobStatus, errorMsg string) error
}

// JobFilter defines filtering criteria for listing jobs.
type JobFilter struct {
	OwnerID uuid.UUID
	Status  JobStatus
	Limit   int
	Offset  int
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}
