package store

import (
	"time"
)

// JobStatus represents the lifecycle state of a job.
type JobStatus string

const (
	JobStatusQueued   JobStatus = "queued"
	JobStatusRunning  JobStatus = "running"
	JobStatusDone     JobStatus = "done"
	JobStatusFailed   JobStatus = "failed"
	JobStatusCanceled JobStatus = "canceled"
)

// DefaultMaxAttempts is the number of executions a job gets before it is marked failed.
const DefaultMaxAttempts = 3

// Job is a durable unit of deferred work.
type Job struct {
	ID           string     `json:"id"`
	Kind         string     `json:"kind"`
	RunAt        time.Time  `json:"run_at"`
	PayloadJSON  string     `json:"payload_json"`
	Status       JobStatus  `json:"status"`
	Attempt      int        `json:"attempt"`
	MaxAttempts  int        `json:"max_attempts"`
	LastError    string     `json:"last_error,omitempty"`
	LockedAt     *time.Time `json:"locked_at,omitempty"`
	DedupeKey    string     `json:"dedupe_key,omitempty"`
	PartitionKey string     `json:"partition_key,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// JobRepo defines the interface for durable job persistence.
type JobRepo interface {
	// EnqueueJob inserts a new job. If dedupeKey is non-empty and a non-terminal
	// job with that key already exists, the existing job ID is returned.
	// Jobs sharing a partitionKey are executed one at a time in enqueue order.
	EnqueueJob(kind string, runAt time.Time, payloadJSON, dedupeKey, partitionKey string) (string, error)

	// ClaimDueJobs marks up to limit queued jobs whose run_at <= now as running
	// and returns them ordered by run_at, then creation. Jobs whose partition
	// key is in skipPartitions stay queued.
	ClaimDueJobs(now time.Time, limit int, skipPartitions ...string) ([]Job, error)

	// CompleteJob marks a job as done.
	CompleteJob(id string) error

	// FailJob records errMsg and requeues the job at nextRunAt, or marks it
	// failed once its attempts are exhausted.
	FailJob(id string, errMsg string, nextRunAt time.Time) error

	// CancelJob marks a job as canceled.
	CancelJob(id string) error

	// RequeueStaleRunningJobs resets jobs running since before staleBefore to queued.
	RequeueStaleRunningJobs(staleBefore time.Time) (int, error)

	// GetJob returns the job, or nil when absent.
	GetJob(id string) (*Job, error)
}
