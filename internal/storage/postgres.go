package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kalambet/jobintel/internal/lock"
)

// PostgresStore implements Repository on a pgx connection pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ Repository = (*PostgresStore)(nil)

// OpenPostgres connects to databaseURL, verifies the connection and applies migrations.
func OpenPostgres(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	if databaseURL == "" {
		return nil, errors.New("postgres storage requires a database URL")
	}
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping failed: %w", err)
	}

	s := &PostgresStore{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

// Pool exposes the underlying pool so other components can share it.
func (s *PostgresStore) Pool() *pgxpool.Pool {
	return s.pool
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	migrations, err := loadMigrations("migrations/postgres")
	if err != nil {
		return err
	}

	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		// Serialise concurrent migrators.
		if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", lock.GenerateLockID("jobintel", "migrations")); err != nil {
			return fmt.Errorf("acquiring migration lock: %w", err)
		}
		if _, err := tx.Exec(ctx, `CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`); err != nil {
			return fmt.Errorf("creating schema_version table: %w", err)
		}

		for _, m := range migrations {
			var exists bool
			if err := tx.QueryRow(ctx, "SELECT EXISTS (SELECT 1 FROM schema_version WHERE version = $1)", m.version).Scan(&exists); err != nil {
				return fmt.Errorf("checking migration %d: %w", m.version, err)
			}
			if exists {
				continue
			}
			if _, err := tx.Exec(ctx, m.sql); err != nil {
				return fmt.Errorf("applying migration %d: %w", m.version, err)
			}
			if _, err := tx.Exec(ctx, "INSERT INTO schema_version (version) VALUES ($1)", m.version); err != nil {
				return fmt.Errorf("recording migration %d: %w", m.version, err)
			}
		}
		return nil
	})
}

// --- Jobs ---

func (s *PostgresStore) CreateJob(ctx context.Context, job Job) (Job, error) {
	job = prepareJob(job)
	_, err := s.pool.Exec(ctx, `INSERT INTO jobs (`+jobColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		job.ID, job.JobID, job.Title, job.Description, job.Skills, job.IsPaymentVerified,
		job.ClientLocation, job.JobURL, []byte(job.PricingDetails), job.Rating,
		job.CreatedAt, job.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Job{}, ErrAlreadyExists
		}
		return Job{}, err
	}
	return job, nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id string) (Job, error) {
	return scanPgJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
}

func (s *PostgresStore) GetJobByExternalID(ctx context.Context, jobID string) (Job, error) {
	return scanPgJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE job_id = $1`, jobID))
}

func scanPgJob(row pgx.Row) (Job, error) {
	var (
		j       Job
		pricing []byte
	)
	err := row.Scan(&j.ID, &j.JobID, &j.Title, &j.Description, &j.Skills, &j.IsPaymentVerified,
		&j.ClientLocation, &j.JobURL, &pricing, &j.Rating, &j.CreatedAt, &j.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Job{}, ErrNotFound
	}
	if err != nil {
		return Job{}, err
	}
	j.PricingDetails = pricing
	j.CreatedAt = j.CreatedAt.UTC()
	j.UpdatedAt = j.UpdatedAt.UTC()
	return j, nil
}

func (s *PostgresStore) DeleteJob(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM jobs WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Comments ---

func (s *PostgresStore) CreateComment(ctx context.Context, c Comment) (Comment, error) {
	c = prepareComment(c)
	_, err := s.pool.Exec(ctx, `INSERT INTO comments (`+commentColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		c.ID, c.JobID, c.URL, c.Rating, c.BilledAmount, c.JobTitle, c.Description,
		c.ClientFeedback, c.FreelancerFeedback, c.PostedOn, c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return Comment{}, err
	}
	return c, nil
}

func (s *PostgresStore) ListComments(ctx context.Context, jobID string) ([]Comment, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+commentColumns+` FROM comments WHERE job_id = $1 ORDER BY created_at ASC, id ASC`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Comment
	for rows.Next() {
		var c Comment
		if err := rows.Scan(&c.ID, &c.JobID, &c.URL, &c.Rating, &c.BilledAmount, &c.JobTitle, &c.Description,
			&c.ClientFeedback, &c.FreelancerFeedback, &c.PostedOn, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		c.CreatedAt = c.CreatedAt.UTC()
		c.UpdatedAt = c.UpdatedAt.UTC()
		results = append(results, c)
	}
	return results, rows.Err()
}

// --- Enrichments ---

const firstEnrichmentPg = `SELECT ` + enrichmentColumns + ` FROM llm_responses WHERE job_id = $1 ORDER BY created_at ASC, id ASC LIMIT 1`

func (s *PostgresStore) FirstEnrichment(ctx context.Context, jobID string) (Enrichment, error) {
	return scanPgEnrichment(s.pool.QueryRow(ctx, firstEnrichmentPg, jobID))
}

// CreateEnrichment holds a transaction-scoped advisory lock on the job while
// it checks and inserts, so concurrent writers agree on a single record.
func (s *PostgresStore) CreateEnrichment(ctx context.Context, e Enrichment) (Enrichment, bool, error) {
	e = prepareEnrichment(e)
	names, keywords, other, err := encodeEnrichment(e)
	if err != nil {
		return Enrichment{}, false, err
	}

	var (
		stored  Enrichment
		created bool
	)
	err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", lock.GenerateLockID("llm_responses", e.JobID)); err != nil {
			return fmt.Errorf("failed to acquire advisory lock: %w", err)
		}

		tag, err := tx.Exec(ctx, `INSERT INTO llm_responses (`+enrichmentColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (job_id) DO NOTHING`,
			e.ID, e.JobID, names, keywords, e.Company, e.ClientLocation, other, e.CreatedAt, e.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("inserting enrichment: %w", err)
		}
		created = tag.RowsAffected() == 1

		stored, err = scanPgEnrichment(tx.QueryRow(ctx, firstEnrichmentPg, e.JobID))
		if err != nil {
			return fmt.Errorf("reading stored enrichment: %w", err)
		}
		return nil
	})
	if err != nil {
		return Enrichment{}, false, err
	}
	return stored, created, nil
}

func (s *PostgresStore) CountEnrichments(ctx context.Context, jobID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM llm_responses WHERE job_id = $1`, jobID).Scan(&n)
	return n, err
}

func scanPgEnrichment(row pgx.Row) (Enrichment, error) {
	var (
		e                      Enrichment
		names, keywords, other []byte
	)
	err := row.Scan(&e.ID, &e.JobID, &names, &keywords, &e.Company, &e.ClientLocation, &other, &e.CreatedAt, &e.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Enrichment{}, ErrNotFound
	}
	if err != nil {
		return Enrichment{}, err
	}
	if err := decodeEnrichment(&e, names, keywords, other); err != nil {
		return Enrichment{}, err
	}
	e.CreatedAt = e.CreatedAt.UTC()
	e.UpdatedAt = e.UpdatedAt.UTC()
	return e, nil
}

// --- Tasks ---

func (s *PostgresStore) EnqueueTask(ctx context.Context, task Task) error {
	now := time.Now().UTC()
	runAfter := now
	if !task.RunAfter.IsZero() {
		runAfter = task.RunAfter
	}
	maxAttempts := task.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = defaultMaxAttempts
	}
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO tasks (id, type, payload_json, status, attempts, max_attempts, run_after, created_at, updated_at)
		VALUES ($1, $2, $3, 'pending', 0, $4, $5, $6, $6)`,
		task.ID, task.Type, task.PayloadJSON, maxAttempts, runAfter, now,
	)
	return err
}

// ClaimNextTask uses SKIP LOCKED so several workers can share the queue.
func (s *PostgresStore) ClaimNextTask(ctx context.Context, types []string) (*Task, error) {
	if len(types) == 0 {
		return nil, nil
	}

	var (
		t         Task
		lastError *string
	)
	err := s.pool.QueryRow(ctx, `
		UPDATE tasks SET status = 'running', updated_at = now()
		WHERE id = (
			SELECT id FROM tasks
			WHERE status = 'pending' AND run_after <= now() AND type = ANY($1)
			ORDER BY run_after ASC, created_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, type, payload_json, status, attempts, max_attempts, run_after, created_at, updated_at, last_error`,
		types,
	).Scan(&t.ID, &t.Type, &t.PayloadJSON, &t.Status, &t.Attempts, &t.MaxAttempts,
		&t.RunAfter, &t.CreatedAt, &t.UpdatedAt, &lastError)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claiming next task: %w", err)
	}
	if lastError != nil {
		t.LastError = *lastError
	}
	return &t, nil
}

func (s *PostgresStore) CompleteTask(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE tasks SET status = 'completed', updated_at = now() WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) FailTask(ctx context.Context, id string, errMsg string) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var attempts, maxAttempts int
		err := tx.QueryRow(ctx, `SELECT attempts, max_attempts FROM tasks WHERE id = $1 FOR UPDATE`, id).Scan(&attempts, &maxAttempts)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		attempts++
		if attempts >= maxAttempts {
			_, err = tx.Exec(ctx, `UPDATE tasks SET status = 'failed', attempts = $1, last_error = $2, updated_at = $3 WHERE id = $4`,
				attempts, errMsg, now, id)
		} else {
			_, err = tx.Exec(ctx, `UPDATE tasks SET status = 'pending', attempts = $1, last_error = $2, run_after = $3, updated_at = $4 WHERE id = $5`,
				attempts, errMsg, now.Add(retryBackoff(attempts)), now, id)
		}
		return err
	})
}

func (s *PostgresStore) RequeueStaleTasks(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE tasks SET status = 'pending', run_after = now(), updated_at = now() WHERE status = 'running' AND updated_at < $1`,
		cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("requeueing stale tasks: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) PurgeFinishedTasks(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM tasks WHERE status IN ('completed', 'failed') AND updated_at < $1`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("purging finished tasks: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// TruncateAll empties every table. Used by integration tests.
func (s *PostgresStore) TruncateAll(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "TRUNCATE "+strings.Join([]string{"llm_responses", "comments", "tasks", "jobs"}, ", ")+" CASCADE")
	return err
}
