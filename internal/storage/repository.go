package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
)

// Repository is the persistence surface shared by the SQLite and Postgres backends.
type Repository interface {
	CreateJob(ctx context.Context, job Job) (Job, error)
	GetJob(ctx context.Context, id string) (Job, error)
	GetJobByExternalID(ctx context.Context, jobID string) (Job, error)
	DeleteJob(ctx context.Context, id string) error

	CreateComment(ctx context.Context, c Comment) (Comment, error)
	ListComments(ctx context.Context, jobID string) ([]Comment, error)

	// FirstEnrichment returns the oldest enrichment stored for the job, or ErrNotFound.
	FirstEnrichment(ctx context.Context, jobID string) (Enrichment, error)
	// CreateEnrichment inserts e unless the job already owns a record. It
	// returns the record that is stored after the call and whether it was
	// created by this call.
	CreateEnrichment(ctx context.Context, e Enrichment) (Enrichment, bool, error)
	CountEnrichments(ctx context.Context, jobID string) (int, error)

	EnqueueTask(ctx context.Context, task Task) error
	ClaimNextTask(ctx context.Context, types []string) (*Task, error)
	CompleteTask(ctx context.Context, id string) error
	FailTask(ctx context.Context, id string, errMsg string) error
	// RequeueStaleTasks returns running tasks last touched before cutoff to
	// pending. A worker that died mid-task leaves them behind.
	RequeueStaleTasks(ctx context.Context, cutoff time.Time) (int, error)
	// PurgeFinishedTasks deletes completed and failed tasks last touched before cutoff.
	PurgeFinishedTasks(ctx context.Context, cutoff time.Time) (int, error)

	Close() error
}

// Options selects and configures a storage backend.
type Options struct {
	Driver      string // "sqlite" or "postgres"
	DataDir     string // sqlite only; ":memory:" for an in-memory database
	DatabaseURL string // postgres only
}

// Open returns the backend named by opts.Driver with migrations applied.
func Open(ctx context.Context, opts Options) (Repository, error) {
	switch opts.Driver {
	case "", "sqlite":
		return OpenSQLite(opts.DataDir)
	case "postgres":
		return OpenPostgres(ctx, opts.DatabaseURL)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", opts.Driver)
	}
}

const defaultMaxAttempts = 3

// retryBackoff is the delay before a failed task becomes claimable again.
func retryBackoff(attempts int) time.Duration {
	return time.Duration(math.Pow(2, float64(attempts))) * time.Second
}

// prepareJob fills the identifiers, timestamps and JSON defaults a new job needs.
func prepareJob(j Job) Job {
	if j.ID == "" {
		j.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if j.CreatedAt.IsZero() {
		j.CreatedAt = now
	}
	if j.UpdatedAt.IsZero() {
		j.UpdatedAt = j.CreatedAt
	}
	if j.Skills == nil {
		j.Skills = []string{}
	}
	if len(j.PricingDetails) == 0 || string(j.PricingDetails) == "null" {
		j.PricingDetails = json.RawMessage(`{}`)
	}
	return j
}

func prepareComment(c Comment) Comment {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = c.CreatedAt
	}
	if c.BilledAmount == "" {
		c.BilledAmount = "0.0"
	}
	return c
}

func prepareEnrichment(e Enrichment) Enrichment {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = e.CreatedAt
	}
	if e.OtherData == nil {
		e.OtherData = map[string]any{}
	}
	return e
}

// encodeEnrichment serialises the JSON columns. Nil lists stay NULL.
func encodeEnrichment(e Enrichment) (names, keywords []byte, other []byte, err error) {
	if e.ClientNames != nil {
		if names, err = json.Marshal(e.ClientNames); err != nil {
			return nil, nil, nil, fmt.Errorf("marshaling client_names: %w", err)
		}
	}
	if e.Keywords != nil {
		if keywords, err = json.Marshal(e.Keywords); err != nil {
			return nil, nil, nil, fmt.Errorf("marshaling keywords: %w", err)
		}
	}
	if other, err = json.Marshal(e.OtherData); err != nil {
		return nil, nil, nil, fmt.Errorf("marshaling other_data: %w", err)
	}
	return names, keywords, other, nil
}

func decodeEnrichment(e *Enrichment, names, keywords, other []byte) error {
	if names != nil {
		if err := json.Unmarshal(names, &e.ClientNames); err != nil {
			return fmt.Errorf("decoding client_names for %s: %w", e.ID, err)
		}
	}
	if keywords != nil {
		if err := json.Unmarshal(keywords, &e.Keywords); err != nil {
			return fmt.Errorf("decoding keywords for %s: %w", e.ID, err)
		}
	}
	e.OtherData = map[string]any{}
	if len(other) > 0 {
		if err := json.Unmarshal(other, &e.OtherData); err != nil {
			return fmt.Errorf("decoding other_data for %s: %w", e.ID, err)
		}
	}
	return nil
}
