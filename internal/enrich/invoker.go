package enrich

import (
	"context"
	"log/slog"
	"time"

	"github.com/kalambet/jobintel/internal/llm"
	"github.com/kalambet/jobintel/internal/storage"
)

// DefaultTimeout bounds a single model call.
const DefaultTimeout = 60 * time.Second

// JobReader is the read side of storage the invoker needs.
type JobReader interface {
	GetJob(ctx context.Context, id string) (storage.Job, error)
	GetJobByExternalID(ctx context.Context, jobID string) (storage.Job, error)
	ListComments(ctx context.Context, jobID string) ([]storage.Comment, error)
}

// Selector identifies a job by its external id or its internal id.
// JobID wins when both are set.
type Selector struct {
	JobID string
	ID    string
}

// Empty reports whether neither identifier is set.
func (s Selector) Empty() bool {
	return s.JobID == "" && s.ID == ""
}

// Invoker runs one enrichment call against the model. It never returns an
// error; every failure is folded into the Outcome.
type Invoker struct {
	jobs    JobReader
	llm     llm.Completer
	timeout time.Duration
	logger  *slog.Logger
}

// NewInvoker creates an Invoker. A non-positive timeout uses DefaultTimeout.
func NewInvoker(jobs JobReader, completer llm.Completer, timeout time.Duration) *Invoker {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Invoker{
		jobs:    jobs,
		llm:     completer,
		timeout: timeout,
		logger:  slog.Default(),
	}
}

// WithLogger returns a copy of the invoker that logs to l.
func (i *Invoker) WithLogger(l *slog.Logger) *Invoker {
	c := *i
	c.logger = l
	return &c
}

// Invoke resolves the selected job and enriches it.
func (i *Invoker) Invoke(ctx context.Context, sel Selector) Outcome {
	if sel.Empty() {
		return Outcome{Kind: OutcomeNoSelector}
	}

	var (
		job storage.Job
		err error
	)
	if sel.JobID != "" {
		job, err = i.jobs.GetJobByExternalID(ctx, sel.JobID)
	} else {
		job, err = i.jobs.GetJob(ctx, sel.ID)
	}
	if err != nil {
		i.logger.Warn("enrichment: resolving job", "job_id", sel.JobID, "id", sel.ID, "error", err)
		return Outcome{Kind: OutcomeResolutionFailure, Err: err}
	}
	return i.InvokeJob(ctx, job)
}

// InvokeJob enriches an already resolved job with a single model call.
func (i *Invoker) InvokeJob(ctx context.Context, job storage.Job) Outcome {
	comments, err := i.jobs.ListComments(ctx, job.ID)
	if err != nil {
		i.logger.Warn("enrichment: listing comments", "job", job.ID, "error", err)
		return Outcome{Kind: OutcomeResolutionFailure, Err: err}
	}

	prompt, err := BuildPrompt(job, comments)
	if err != nil {
		i.logger.Warn("enrichment: building prompt", "job", job.ID, "error", err)
		return Outcome{Kind: OutcomeResolutionFailure, Err: err}
	}

	callCtx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()

	start := time.Now()
	raw, err := i.llm.Complete(callCtx, prompt)
	if err != nil {
		i.logger.Warn("enrichment: model call failed", "job", job.ID, "error", err, "elapsed", time.Since(start))
		return Outcome{Kind: OutcomeTransportFailure, Err: err}
	}

	fields, err := ParseResponse(raw)
	if err != nil {
		i.logger.Warn("enrichment: malformed model response", "job", job.ID, "error", err, "response", raw)
		return Outcome{Kind: OutcomeMalformed, Err: err}
	}

	i.logger.Debug("enrichment: model call succeeded", "job", job.ID, "comments", len(comments), "elapsed", time.Since(start))
	return Outcome{Kind: OutcomeSuccess, Fields: fields}
}
