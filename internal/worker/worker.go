// Package worker runs background enrichment tasks from the durable queue.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kalambet/jobintel/internal/enrich"
	"github.com/kalambet/jobintel/internal/storage"
)

// TaskEnrichJob is the queue type for best-effort enrichment of one job.
const TaskEnrichJob = "enrich_job"

// TaskStore abstracts the queue operations and the job lookup the worker needs.
type TaskStore interface {
	ClaimNextTask(ctx context.Context, types []string) (*storage.Task, error)
	CompleteTask(ctx context.Context, id string) error
	FailTask(ctx context.Context, id string, errMsg string) error
	GetJob(ctx context.Context, id string) (storage.Job, error)
}

// TaskEnqueuer adds tasks to the queue.
type TaskEnqueuer interface {
	EnqueueTask(ctx context.Context, task storage.Task) error
}

// Enricher produces the enrichment for a job.
type Enricher interface {
	Get(ctx context.Context, job storage.Job, forceRefresh bool) enrich.Result
}

type enrichPayload struct {
	JobID string `json:"job_id"`
}

// EnqueueEnrichment schedules enrichment of the job with the given internal id.
func EnqueueEnrichment(ctx context.Context, q TaskEnqueuer, jobID string, maxAttempts int) error {
	payload, err := json.Marshal(enrichPayload{JobID: jobID})
	if err != nil {
		return fmt.Errorf("marshaling payload: %w", err)
	}
	return q.EnqueueTask(ctx, storage.Task{
		Type:        TaskEnrichJob,
		PayloadJSON: string(payload),
		MaxAttempts: maxAttempts,
	})
}

// Worker processes enrich_job tasks from the queue.
type Worker struct {
	store    TaskStore
	enricher Enricher
	poll     time.Duration
	logger   *slog.Logger
}

// NewWorker creates a Worker with the given dependencies.
// If pollInterval is <= 0, it defaults to 500ms.
func NewWorker(store TaskStore, enricher Enricher, pollInterval time.Duration) *Worker {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	return &Worker{
		store:    store,
		enricher: enricher,
		poll:     pollInterval,
		logger:   slog.Default(),
	}
}

// WithLogger returns a copy of the worker that logs to l.
func (w *Worker) WithLogger(l *slog.Logger) *Worker {
	c := *w
	c.logger = l
	return &c
}

// Run polls for tasks until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		done, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("worker iteration failed", "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.poll):
		}
	}
}

// RunOnce claims and processes a single task.
// Returns true if a task was processed (regardless of success/failure).
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	task, err := w.store.ClaimNextTask(ctx, []string{TaskEnrichJob})
	if err != nil {
		return false, fmt.Errorf("claiming task: %w", err)
	}
	if task == nil {
		return false, nil
	}

	if err := w.process(ctx, task); err != nil {
		w.logger.Warn("task failed", "task_id", task.ID, "attempt", task.Attempts+1, "error", err)
		if failErr := w.store.FailTask(ctx, task.ID, err.Error()); failErr != nil {
			w.logger.Error("failed to mark task as failed", "task_id", task.ID, "error", failErr)
		}
		return true, nil
	}

	if err := w.store.CompleteTask(ctx, task.ID); err != nil {
		return true, fmt.Errorf("completing task %s: %w", task.ID, err)
	}
	return true, nil
}

func (w *Worker) process(ctx context.Context, task *storage.Task) error {
	var payload enrichPayload
	if err := json.Unmarshal([]byte(task.PayloadJSON), &payload); err != nil {
		return fmt.Errorf("parsing payload: %w", err)
	}

	job, err := w.store.GetJob(ctx, payload.JobID)
	if errors.Is(err, storage.ErrNotFound) {
		// Deleted since it was queued; nothing left to enrich.
		w.logger.Info("skipping enrichment of deleted job", "job", payload.JobID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("loading job %s: %w", payload.JobID, err)
	}

	res := w.enricher.Get(ctx, job, false)
	switch res.State {
	case enrich.StateCacheHit, enrich.StatePersisted:
		w.logger.Debug("background enrichment done", "job", job.ID, "state", res.State)
		return nil
	default:
		return fmt.Errorf("enrichment %s: %s: %v", res.State, res.Outcome.Kind, res.Outcome.Err)
	}
}
