package enrich

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/kalambet/jobintel/internal/lock"
	"github.com/kalambet/jobintel/internal/storage"
)

// State is the terminal state an orchestrated request ended in.
type State int

const (
	StateCacheHit State = iota
	StateComputeFailed
	StatePersisted
	// StateRefreshed is a forced refresh whose record was returned without
	// being stored.
	StateRefreshed
	StatePersistFailed
)

func (s State) String() string {
	switch s {
	case StateCacheHit:
		return "cache_hit"
	case StateComputeFailed:
		return "compute_failed"
	case StatePersisted:
		return "persisted"
	case StateRefreshed:
		return "refreshed"
	case StatePersistFailed:
		return "persist_failed"
	default:
		return "unknown"
	}
}

// Result is what Get returns: a record on success, the failure outcome otherwise.
type Result struct {
	State   State
	Record  *storage.Enrichment
	Outcome Outcome
}

// MarshalJSON renders the record when there is one and the outcome otherwise.
func (r Result) MarshalJSON() ([]byte, error) {
	if r.Record != nil {
		return json.Marshal(r.Record)
	}
	return json.Marshal(r.Outcome)
}

// EnrichmentStore is the cache the orchestrator reads and fills.
type EnrichmentStore interface {
	FirstEnrichment(ctx context.Context, jobID string) (storage.Enrichment, error)
	CreateEnrichment(ctx context.Context, e storage.Enrichment) (storage.Enrichment, bool, error)
}

// Options tunes the orchestrator.
type Options struct {
	// PersistRefresh stores the result of a forced refresh when the job has
	// no record yet. Existing records are never replaced.
	PersistRefresh bool
	// LockTimeout bounds the wait for the per-job lock.
	LockTimeout time.Duration
}

const defaultLockTimeout = 90 * time.Second

// Orchestrator serves cached enrichments and computes missing ones, at most
// once per job.
type Orchestrator struct {
	store   EnrichmentStore
	invoker *Invoker
	locker  lock.Locker
	opts    Options
	logger  *slog.Logger
}

// NewOrchestrator wires the cache, invoker and lock. A nil locker uses an
// in-process lock.
func NewOrchestrator(store EnrichmentStore, invoker *Invoker, locker lock.Locker, opts Options) *Orchestrator {
	if locker == nil {
		locker = lock.NewLocal()
	}
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = defaultLockTimeout
	}
	return &Orchestrator{
		store:   store,
		invoker: invoker,
		locker:  locker,
		opts:    opts,
		logger:  slog.Default(),
	}
}

// WithLogger returns a copy of the orchestrator that logs to l.
func (o *Orchestrator) WithLogger(l *slog.Logger) *Orchestrator {
	c := *o
	c.logger = l
	c.invoker = o.invoker.WithLogger(l)
	return &c
}

// LockKey is the lock guarding the enrichment of one job.
func LockKey(jobID string) string {
	return "enrichment:" + jobID
}

// Get returns the enrichment for job. With forceRefresh it always calls the
// model and does not touch the cache unless PersistRefresh is set.
func (o *Orchestrator) Get(ctx context.Context, job storage.Job, forceRefresh bool) Result {
	if forceRefresh {
		return o.refresh(ctx, job)
	}

	if res, ok := o.cached(ctx, job); ok {
		return res
	}

	lockCtx, cancel := context.WithTimeout(ctx, o.opts.LockTimeout)
	unlock, err := o.locker.Lock(lockCtx, LockKey(job.ID))
	cancel()
	if err != nil {
		// The unique index on llm_responses still keeps a single record.
		o.logger.Warn("enrichment: lock unavailable, continuing unlocked", "job", job.ID, "error", err)
	} else {
		defer unlock()
		if res, ok := o.cached(ctx, job); ok {
			return res
		}
	}

	outcome := o.invoker.InvokeJob(ctx, job)
	if !outcome.Succeeded() {
		return Result{State: StateComputeFailed, Outcome: outcome}
	}

	stored, created, err := o.store.CreateEnrichment(ctx, NewRecord(job.ID, outcome.Fields))
	if err != nil {
		o.logger.Error("enrichment: persisting record", "job", job.ID, "error", err)
		return Result{State: StatePersistFailed, Outcome: Outcome{Kind: OutcomeStorageFailure, Err: err}}
	}
	if !created {
		o.logger.Info("enrichment: record already stored by a concurrent request", "job", job.ID, "record", stored.ID)
	}
	o.logger.Debug("enrichment: persisted", "job", job.ID, "record", stored.ID)
	return Result{State: StatePersisted, Record: &stored, Outcome: outcome}
}

// cached looks up the stored record. ok is true when the lookup produced a
// terminal result, either a hit or a storage failure.
func (o *Orchestrator) cached(ctx context.Context, job storage.Job) (Result, bool) {
	rec, err := o.store.FirstEnrichment(ctx, job.ID)
	if err == nil {
		return Result{State: StateCacheHit, Record: &rec, Outcome: Outcome{Kind: OutcomeSuccess}}, true
	}
	if errors.Is(err, storage.ErrNotFound) {
		return Result{}, false
	}
	o.logger.Error("enrichment: cache lookup", "job", job.ID, "error", err)
	return Result{State: StateComputeFailed, Outcome: Outcome{Kind: OutcomeResolutionFailure, Err: err}}, true
}

func (o *Orchestrator) refresh(ctx context.Context, job storage.Job) Result {
	outcome := o.invoker.InvokeJob(ctx, job)
	if !outcome.Succeeded() {
		return Result{State: StateComputeFailed, Outcome: outcome}
	}

	rec := NewRecord(job.ID, outcome.Fields)
	if !o.opts.PersistRefresh {
		return Result{State: StateRefreshed, Record: &rec, Outcome: outcome}
	}

	stored, created, err := o.store.CreateEnrichment(ctx, rec)
	if err != nil {
		o.logger.Error("enrichment: persisting refreshed record", "job", job.ID, "error", err)
		return Result{State: StateRefreshed, Record: &rec, Outcome: outcome}
	}
	if created {
		return Result{State: StatePersisted, Record: &stored, Outcome: outcome}
	}
	return Result{State: StateRefreshed, Record: &rec, Outcome: outcome}
}
