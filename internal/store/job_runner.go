package store

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// JobHandler executes a job's work. It receives the job's payload JSON and
// returns an error if the execution failed.
type JobHandler func(ctx context.Context, payload string) error

// JobRunner claims due jobs and dispatches them to registered handlers.
//
// At most workers partitions run at once. A partition with a job in flight is
// skipped when claiming, so its later jobs stay queued and run one at a time
// in enqueue order, while other partitions keep claiming into free workers.
// Run returns only after in-flight jobs complete.
type JobRunner struct {
	repo           JobRepo
	handlers       map[string]JobHandler
	mu             sync.RWMutex
	pollInterval   time.Duration
	staleThreshold time.Duration
	claimLimit     int
	workers        int
	wake           chan struct{}
	backoff        func(attempt int) time.Duration

	busyMu sync.Mutex
	busy   map[string]struct{}
	slots  int
	wg     sync.WaitGroup
}

// RunnerOption configures a JobRunner.
type RunnerOption func(*JobRunner)

// WithWorkers sets the number of partitions processed concurrently.
func WithWorkers(n int) RunnerOption {
	return func(r *JobRunner) {
		if n > 0 {
			r.workers = n
		}
	}
}

// WithClaimLimit sets how many jobs are claimed per poll.
func WithClaimLimit(n int) RunnerOption {
	return func(r *JobRunner) {
		if n > 0 {
			r.claimLimit = n
		}
	}
}

// WithStaleThreshold sets how long a running job may go untouched before
// RecoverStaleJobs requeues it.
func WithStaleThreshold(d time.Duration) RunnerOption {
	return func(r *JobRunner) {
		if d > 0 {
			r.staleThreshold = d
		}
	}
}

// WithRetryBackoff replaces the delay applied before a failed job is retried.
func WithRetryBackoff(fn func(attempt int) time.Duration) RunnerOption {
	return func(r *JobRunner) {
		if fn != nil {
			r.backoff = fn
		}
	}
}

// DefaultRetryBackoff is 30s, 60s, 120s, ... by attempt.
func DefaultRetryBackoff(attempt int) time.Duration {
	return time.Duration(30*(1<<attempt)) * time.Second
}

// NewJobRunner creates a new JobRunner.
func NewJobRunner(repo JobRepo, pollInterval time.Duration, opts ...RunnerOption) *JobRunner {
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	r := &JobRunner{
		repo:           repo,
		handlers:       make(map[string]JobHandler),
		pollInterval:   pollInterval,
		staleThreshold: 5 * time.Minute,
		claimLimit:     32,
		workers:        4,
		wake:           make(chan struct{}, 1),
		backoff:        DefaultRetryBackoff,
		busy:           make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RegisterHandler registers a handler for a given job kind.
func (r *JobRunner) RegisterHandler(kind string, handler JobHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[kind] = handler
	slog.Debug("JobRunner.RegisterHandler", "kind", kind)
}

// Notify wakes the runner so newly enqueued jobs are claimed without waiting
// for the next tick. It never blocks.
func (r *JobRunner) Notify() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// RecoverStaleJobs requeues jobs that were running when the process crashed.
// Should be called once at startup.
func (r *JobRunner) RecoverStaleJobs() error {
	staleBefore := time.Now().Add(-r.staleThreshold)
	n, err := r.repo.RequeueStaleRunningJobs(staleBefore)
	if err != nil {
		return err
	}
	if n > 0 {
		slog.Info("JobRunner.RecoverStaleJobs: requeued stale jobs", "count", n)
	}
	return nil
}

// Run polls until ctx is cancelled, then returns once in-flight jobs are done.
func (r *JobRunner) Run(ctx context.Context) {
	slog.Info("JobRunner.Run: starting job runner", "pollInterval", r.pollInterval, "workers", r.workers)

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("JobRunner.Run: stopping, waiting for in-flight jobs")
			r.wg.Wait()
			return
		case <-ticker.C:
		case <-r.wake:
		}
		r.dispatch(ctx)
	}
}

// dispatch claims into free workers until no due job is claimable, returning
// the number of jobs started.
func (r *JobRunner) dispatch(ctx context.Context) int {
	started := 0
	for ctx.Err() == nil {
		free, skip := r.capacity()
		if free == 0 {
			break
		}
		limit := r.claimLimit
		if free < limit {
			limit = free
		}
		jobs, err := r.repo.ClaimDueJobs(time.Now(), limit, skip...)
		if err != nil {
			slog.Error("JobRunner.dispatch: claim failed", "error", err)
			break
		}
		if len(jobs) == 0 {
			break
		}
		for _, group := range partitionJobs(jobs) {
			r.start(ctx, group)
		}
		started += len(jobs)
	}
	return started
}

// capacity returns the number of idle workers and the partitions in flight.
func (r *JobRunner) capacity() (int, []string) {
	r.busyMu.Lock()
	defer r.busyMu.Unlock()
	skip := make([]string, 0, len(r.busy))
	for k := range r.busy {
		skip = append(skip, k)
	}
	return r.workers - r.slots, skip
}

// start runs one partition's claimed jobs in order on a worker of its own.
func (r *JobRunner) start(ctx context.Context, group []Job) {
	key := group[0].PartitionKey
	r.busyMu.Lock()
	r.slots++
	if key != "" {
		r.busy[key] = struct{}{}
	}
	r.busyMu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		// Handlers finish their current job even when shutdown has begun.
		execCtx := context.WithoutCancel(ctx)
		for _, job := range group {
			r.execute(execCtx, job)
		}
		r.busyMu.Lock()
		r.slots--
		delete(r.busy, key)
		r.busyMu.Unlock()
		r.Notify()
	}()
}

// inFlight reports the number of busy workers.
func (r *JobRunner) inFlight() int {
	r.busyMu.Lock()
	defer r.busyMu.Unlock()
	return r.slots
}

func (r *JobRunner) execute(ctx context.Context, job Job) {
	r.mu.RLock()
	handler, ok := r.handlers[job.Kind]
	r.mu.RUnlock()

	if !ok {
		slog.Warn("JobRunner.execute: no handler for job kind", "kind", job.Kind, "id", job.ID)
		if err := r.repo.FailJob(job.ID, "no handler registered for kind: "+job.Kind, time.Now().Add(time.Minute)); err != nil {
			slog.Error("JobRunner.execute: fail job error", "id", job.ID, "error", err)
		}
		return
	}

	slog.Debug("JobRunner.execute: executing job", "id", job.ID, "kind", job.Kind, "attempt", job.Attempt)
	if err := handler(ctx, job.PayloadJSON); err != nil {
		slog.Error("JobRunner.execute: job execution failed", "id", job.ID, "kind", job.Kind, "attempt", job.Attempt, "error", err)
		if err := r.repo.FailJob(job.ID, err.Error(), time.Now().Add(r.backoff(job.Attempt))); err != nil {
			slog.Error("JobRunner.execute: fail job error", "id", job.ID, "error", err)
		}
		return
	}
	if err := r.repo.CompleteJob(job.ID); err != nil {
		slog.Error("JobRunner.execute: complete job error", "id", job.ID, "error", err)
		return
	}
	slog.Debug("JobRunner.execute: job completed", "id", job.ID, "kind", job.Kind)
}

// partitionJobs groups jobs by partition key, keeping claim order inside each
// group and ordering groups by their first job. Jobs without a key form
// groups of one.
func partitionJobs(jobs []Job) [][]Job {
	index := make(map[string]int)
	var groups [][]Job
	for _, j := range jobs {
		if j.PartitionKey == "" {
			groups = append(groups, []Job{j})
			continue
		}
		if i, ok := index[j.PartitionKey]; ok {
			groups[i] = append(groups[i], j)
			continue
		}
		index[j.PartitionKey] = len(groups)
		groups = append(groups, []Job{j})
	}
	return groups
}
