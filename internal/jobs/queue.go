// Package jobs is the persistent background job queue. Jobs live as one
// JSON file each under the jobs directory, so the queue survives a
// process restart: anything found running at startup is reset to
// pending and executed again (at-least-once semantics, handlers write
// idempotently).
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vidmind/vidmind/internal/observability"
	"github.com/vidmind/vidmind/internal/store"
	"github.com/vidmind/vidmind/pkg/models"
)

// pollInterval bounds how long an idle worker sleeps when no wakeup
// arrives.
const pollInterval = time.Second

// ErrJobNotFound is returned for unknown job ids.
var ErrJobNotFound = errors.New("job not found")

// Handler executes one job. It must observe ctx cancellation at
// reasonable granularity and report progress through update (0..1).
// The returned map becomes the job's result on success.
type Handler func(ctx context.Context, job *models.Job, update func(progress float64)) (map[string]any, error)

// Queue is the file-backed job queue and its worker pool.
type Queue struct {
	dir     string
	logger  *slog.Logger
	metrics *observability.Metrics

	mu       sync.Mutex
	jobs     map[string]*models.Job
	handlers map[models.JobType]Handler
	// cancels holds the per-job cancel funcs of running jobs.
	cancels map[string]context.CancelFunc
	// cancelRequested distinguishes a cooperative cancel from an
	// ordinary handler failure when the handler returns ctx.Err.
	cancelRequested map[string]bool

	wake chan struct{}
	wg   sync.WaitGroup
}

// NewQueue loads any persisted jobs from dir and returns the queue.
// Call RestorePendingJobs then Run to begin processing.
func NewQueue(dir string, logger *slog.Logger, metrics *observability.Metrics) (*Queue, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create jobs dir: %w", err)
	}

	q := &Queue{
		dir:             dir,
		logger:          logger.With("component", "jobs"),
		metrics:         metrics,
		jobs:            make(map[string]*models.Job),
		handlers:        make(map[models.JobType]Handler),
		cancels:         make(map[string]context.CancelFunc),
		cancelRequested: make(map[string]bool),
		wake:            make(chan struct{}, 1),
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read jobs dir: %w", err)
	}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		var job models.Job
		if err := store.ReadJSON(filepath.Join(dir, name), &job); err != nil {
			q.logger.Warn("skipping unreadable job file", "file", name, "error", err)
			continue
		}
		q.jobs[job.ID] = &job
	}
	return q, nil
}

// RegisterHandler installs the executor for one job type. Registering a
// duplicate type is an error so a miswired container fails at boot.
func (q *Queue) RegisterHandler(jobType models.JobType, h Handler) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, exists := q.handlers[jobType]; exists {
		return fmt.Errorf("handler for job type %q already registered", jobType)
	}
	q.handlers[jobType] = h
	return nil
}

// CreateJob persists a new pending job and returns immediately.
func (q *Queue) CreateJob(jobType models.JobType, metadata map[string]any) (*models.Job, error) {
	job := &models.Job{
		ID:        uuid.NewString(),
		Type:      jobType,
		State:     models.JobPending,
		Metadata:  metadata,
		CreatedAt: time.Now().UTC(),
	}
	if err := q.persist(job); err != nil {
		return nil, err
	}

	q.mu.Lock()
	q.jobs[job.ID] = job
	q.mu.Unlock()

	q.nudge()
	q.logger.Info("job created", "job_id", job.ID, "type", jobType)
	return q.snapshot(job.ID), nil
}

// GetJob returns a copy of the job.
func (q *Queue) GetJob(id string) (*models.Job, error) {
	if job := q.snapshot(id); job != nil {
		return job, nil
	}
	return nil, ErrJobNotFound
}

// ListJobs returns copies of jobs matching the filter, newest first.
func (q *Queue) ListJobs(filter models.JobFilter) []*models.Job {
	q.mu.Lock()
	out := make([]*models.Job, 0, len(q.jobs))
	for _, job := range q.jobs {
		if filter.Matches(job) {
			copied := *job
			out = append(out, &copied)
		}
	}
	q.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// CancelJob cancels a job. A pending job transitions to cancelled
// directly; a running job has its context cancelled and transitions
// when the handler observes it. Terminal jobs return an error.
func (q *Queue) CancelJob(id string) error {
	q.mu.Lock()
	job, ok := q.jobs[id]
	if !ok {
		q.mu.Unlock()
		return ErrJobNotFound
	}

	switch job.State {
	case models.JobPending:
		job.State = models.JobCancelled
		now := time.Now().UTC()
		job.FinishedAt = &now
		copied := *job
		q.mu.Unlock()
		q.recordTerminal(&copied)
		return q.persist(&copied)
	case models.JobRunning:
		q.cancelRequested[id] = true
		cancel := q.cancels[id]
		q.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		return nil
	default:
		q.mu.Unlock()
		return fmt.Errorf("job %s is already %s", id, job.State)
	}
}

// RestorePendingJobs resets running jobs back to pending after a crash
// and returns how many were resurrected.
func (q *Queue) RestorePendingJobs() int {
	q.mu.Lock()
	var restored []*models.Job
	for _, job := range q.jobs {
		if job.State == models.JobRunning {
			job.State = models.JobPending
			job.StartedAt = nil
			job.Progress = 0
			copied := *job
			restored = append(restored, &copied)
		}
	}
	q.mu.Unlock()

	for _, job := range restored {
		if err := q.persist(job); err != nil {
			q.logger.Error("failed to persist restored job", "job_id", job.ID, "error", err)
		}
		q.logger.Info("restored orphaned job", "job_id", job.ID, "type", job.Type)
	}
	if len(restored) > 0 {
		q.nudge()
	}
	return len(restored)
}

// Run spawns the fixed worker pool and blocks until ctx is cancelled
// and in-flight jobs have finished.
func (q *Queue) Run(ctx context.Context, numWorkers int) {
	if numWorkers <= 0 {
		numWorkers = 1
	}
	q.logger.Info("job processor starting", "workers", numWorkers)
	for i := 0; i < numWorkers; i++ {
		q.wg.Add(1)
		go q.workerLoop(ctx, i)
	}
	q.wg.Wait()
	q.logger.Info("job processor stopped")
}

// Shutdown waits for in-flight jobs up to the given window. The caller
// is expected to have cancelled the Run context already.
func (q *Queue) Shutdown(wait time.Duration) {
	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(wait):
		q.logger.Warn("job shutdown window elapsed with jobs still in flight")
	}
}

func (q *Queue) workerLoop(ctx context.Context, worker int) {
	defer q.wg.Done()
	logger := q.logger.With("worker", worker)
	for {
		job := q.claimNext()
		if job == nil {
			select {
			case <-q.wake:
			case <-time.After(pollInterval):
			case <-ctx.Done():
				return
			}
			continue
		}
		q.execute(ctx, logger, job)
		if ctx.Err() != nil {
			return
		}
	}
}

// claimNext transitions the oldest pending job to running. Selection is
// serialized on the queue mutex so a job is never claimed twice.
func (q *Queue) claimNext() *models.Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	var oldest *models.Job
	for _, job := range q.jobs {
		if job.State != models.JobPending {
			continue
		}
		if _, ok := q.handlers[job.Type]; !ok {
			continue
		}
		if oldest == nil || job.CreatedAt.Before(oldest.CreatedAt) {
			oldest = job
		}
	}
	if oldest == nil {
		return nil
	}

	oldest.State = models.JobRunning
	now := time.Now().UTC()
	oldest.StartedAt = &now
	copied := *oldest
	return &copied
}

func (q *Queue) execute(ctx context.Context, logger *slog.Logger, job *models.Job) {
	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	q.mu.Lock()
	handler := q.handlers[job.Type]
	q.cancels[job.ID] = cancel
	q.mu.Unlock()

	if q.metrics != nil {
		q.metrics.JobsRunning.Inc()
		defer q.metrics.JobsRunning.Dec()
	}

	if err := q.persist(job); err != nil {
		logger.Error("failed to persist running state", "job_id", job.ID, "error", err)
	}
	logger.Info("job started", "job_id", job.ID, "type", job.Type)

	update := func(progress float64) {
		q.updateProgress(job.ID, progress)
	}
	result, err := q.runHandler(jobCtx, handler, job, update)

	q.mu.Lock()
	stored, ok := q.jobs[job.ID]
	cancelled := q.cancelRequested[job.ID]
	delete(q.cancels, job.ID)
	delete(q.cancelRequested, job.ID)
	if !ok {
		q.mu.Unlock()
		return
	}
	if err != nil && !cancelled && errors.Is(err, context.Canceled) && ctx.Err() != nil {
		// Process shutdown, not a user cancel: leave the job running on
		// disk so the next boot restores it to pending.
		copied := *stored
		q.mu.Unlock()
		if perr := q.persist(&copied); perr != nil {
			logger.Error("failed to persist interrupted job", "job_id", copied.ID, "error", perr)
		}
		logger.Info("job interrupted by shutdown", "job_id", copied.ID)
		return
	}

	now := time.Now().UTC()
	stored.FinishedAt = &now
	switch {
	case err != nil && (cancelled || errors.Is(err, context.Canceled)):
		stored.State = models.JobCancelled
		stored.Error = err.Error()
	case err != nil:
		stored.State = models.JobFailed
		stored.Error = err.Error()
	default:
		stored.State = models.JobSucceeded
		stored.Result = result
		stored.Progress = 1
	}
	copied := *stored
	q.mu.Unlock()

	q.recordTerminal(&copied)
	if err := q.persist(&copied); err != nil {
		logger.Error("failed to persist final job state", "job_id", copied.ID, "error", err)
	}
	logger.Info("job finished", "job_id", copied.ID, "state", copied.State, "error", copied.Error)
}

// runHandler isolates handler panics so one bad job does not take down
// a worker.
func (q *Queue) runHandler(ctx context.Context, h Handler, job *models.Job, update func(float64)) (result map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job handler panicked: %v", r)
		}
	}()
	return h(ctx, job, update)
}

func (q *Queue) updateProgress(id string, progress float64) {
	if progress < 0 {
		progress = 0
	}
	if progress > 1 {
		progress = 1
	}
	q.mu.Lock()
	job, ok := q.jobs[id]
	if ok && job.State == models.JobRunning {
		job.Progress = progress
	}
	var copied models.Job
	if ok {
		copied = *job
	}
	q.mu.Unlock()

	if ok {
		if err := q.persist(&copied); err != nil {
			q.logger.Warn("failed to persist job progress", "job_id", id, "error", err)
		}
	}
}

func (q *Queue) snapshot(id string) *models.Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.jobs[id]
	if !ok {
		return nil
	}
	copied := *job
	return &copied
}

func (q *Queue) persist(job *models.Job) error {
	return store.WriteJSONAtomic(filepath.Join(q.dir, job.ID+".json"), job, 0o644)
}

func (q *Queue) nudge() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) recordTerminal(job *models.Job) {
	if q.metrics != nil {
		q.metrics.JobsProcessed.WithLabelValues(string(job.Type), string(job.State)).Inc()
	}
}
