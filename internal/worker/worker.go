package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ChenglinPoly/arxiv2markdown/internal/convert"
	"github.com/ChenglinPoly/arxiv2markdown/internal/models"
	"github.com/ChenglinPoly/arxiv2markdown/internal/state"
)

// ConvertFunc executes the conversion task for one job. Failures must be
// reported as *models.JobError where the cause is known.
type ConvertFunc func(ctx context.Context, job models.Job) (*convert.Result, error)

// Worker pulls jobs from the dispatch channel and drives each one
// through its lifecycle: RUNNING is persisted before the conversion
// starts, the terminal status after it ends, and a completion event goes
// to the monitor. A worker never retries within a run.
type Worker struct {
	id      int
	jobs    <-chan models.Job
	updates chan<- models.StatusUpdate
	store   *state.Store
	run     ConvertFunc
	timeout time.Duration
	log     *zap.SugaredLogger
	done    chan struct{}
}

// New creates a worker
func New(id int, jobs <-chan models.Job, updates chan<- models.StatusUpdate,
	store *state.Store, run ConvertFunc, timeout time.Duration, log *zap.SugaredLogger) *Worker {
	return &Worker{
		id:      id,
		jobs:    jobs,
		updates: updates,
		store:   store,
		run:     run,
		timeout: timeout,
		log:     log,
		done:    make(chan struct{}),
	}
}

// Start begins the worker's processing loop
func (w *Worker) Start(ctx context.Context) {
	go func() {
		defer close(w.done)
		for {
			select {
			case <-ctx.Done():
				return
			case job, ok := <-w.jobs:
				if !ok {
					return
				}
				w.process(ctx, job)
			}
		}
	}()
}

// Done returns a channel closed when the worker exits
func (w *Worker) Done() <-chan struct{} {
	return w.done
}

func (w *Worker) process(ctx context.Context, job models.Job) {
	job.Status = models.StatusRunning
	job.AttemptCount++
	job.LastError = nil
	if err := w.store.Upsert(job); err != nil {
		// Cannot claim the job durably; do not run it.
		w.log.Errorw("failed to persist running state, job skipped",
			"worker", w.id, "job_id", job.ID, "error", err)
		return
	}

	// Advisory start event for the watchdog; dropped if nobody is ready.
	select {
	case w.updates <- models.StatusUpdate{WorkerID: w.id, JobID: job.ID, Status: models.StatusRunning}:
	default:
	}

	jobCtx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	start := time.Now()
	_, err := w.runRecovered(jobCtx, job)
	duration := time.Since(start)

	if err != nil && errors.Is(ctx.Err(), context.Canceled) {
		// Run cancelled by the operator: leave the job RUNNING in the
		// store so the next start reconciles it back to PENDING.
		w.log.Infow("job interrupted", "worker", w.id, "job_id", job.ID)
		return
	}

	job.DurationSeconds = duration.Seconds()
	if err != nil {
		job.Status = models.StatusFailed
		job.LastError = asJobError(jobCtx, err)
		w.log.Warnw("job failed", "worker", w.id, "job_id", job.ID,
			"kind", job.LastError.Kind, "error", job.LastError.Message,
			"duration", duration.Round(time.Millisecond))
	} else {
		job.Status = models.StatusSucceeded
		w.log.Debugw("job succeeded", "worker", w.id, "job_id", job.ID,
			"duration", duration.Round(time.Millisecond))
	}

	if err := w.store.Upsert(job); err != nil {
		w.log.Errorw("failed to persist terminal state",
			"worker", w.id, "job_id", job.ID, "error", err)
	}

	update := models.StatusUpdate{
		WorkerID: w.id,
		JobID:    job.ID,
		Status:   job.Status,
		Error:    job.LastError,
		Duration: duration,
	}
	select {
	case w.updates <- update:
	case <-ctx.Done():
	}
}

// runRecovered invokes the conversion and converts a panic into a
// recorded failure so one bad job cannot take down the pool.
func (w *Worker) runRecovered(ctx context.Context, job models.Job) (result *convert.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &models.JobError{
				Kind:    models.ErrInternal,
				Message: fmt.Sprintf("panic during conversion: %v", r),
			}
		}
	}()
	return w.run(ctx, job)
}

func asJobError(ctx context.Context, err error) *models.JobError {
	var jobErr *models.JobError
	if errors.As(err, &jobErr) {
		return jobErr
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &models.JobError{Kind: models.ErrTimeout, Message: err.Error()}
	}
	return &models.JobError{Kind: models.ErrInternal, Message: err.Error()}
}
