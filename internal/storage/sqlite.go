package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var migrationsFS embed.FS

// timeLayout is fixed-width so stored timestamps sort lexicographically.
const timeLayout = "2006-01-02T15:04:05.000000Z07:00"

// SQLiteStore wraps a SQLite database with methods for jobs, comments,
// enrichments and the task queue.
type SQLiteStore struct {
	db *sql.DB
}

var _ Repository = (*SQLiteStore)(nil)

// OpenSQLite opens (or creates) a SQLite database in dataDir and runs pending migrations.
// Pass ":memory:" as dataDir for an in-memory database (used by tests).
func OpenSQLite(dataDir string) (*SQLiteStore, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "jobintel.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys = ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("applying %q: %w", p, err)
		}
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// DB exposes the raw handle for tests and diagnostics.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

// migrate reads embedded SQL migration files and applies any that haven't been run yet.
func (s *SQLiteStore) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	migrations, err := loadMigrations("migrations/sqlite")
	if err != nil {
		return err
	}

	for _, m := range migrations {
		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", m.version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", m.version, err)
		}
		if exists > 0 {
			continue
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", m.version, err)
		}
		if _, err := tx.Exec(m.sql); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", m.version, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", m.version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", m.version, err)
		}
	}

	return nil
}

type migration struct {
	version int
	name    string
	sql     string
}

// loadMigrations returns the embedded migrations under dir sorted by version.
func loadMigrations(dir string) ([]migration, error) {
	entries, err := fs.ReadDir(migrationsFS, dir)
	if err != nil {
		return nil, fmt.Errorf("reading migrations directory: %w", err)
	}

	var out []migration
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return nil, err
		}
		content, err := migrationsFS.ReadFile(dir + "/" + entry.Name())
		if err != nil {
			return nil, fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}
		out = append(out, migration{version: version, name: entry.Name(), sql: string(content)})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].version < out[j].version })
	return out, nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// AppliedMigrations returns the list of applied migration versions in ascending order.
func (s *SQLiteStore) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(field, value string) (time.Time, error) {
	t, err := time.Parse(timeLayout, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing %s: %w", field, err)
	}
	return t, nil
}

// --- Jobs ---

const jobColumns = `id, job_id, title, description, skills, is_payment_verified, client_location, job_url, pricing_details, rating, created_at, updated_at`

func (s *SQLiteStore) CreateJob(ctx context.Context, job Job) (Job, error) {
	job = prepareJob(job)
	skills, err := json.Marshal(job.Skills)
	if err != nil {
		return Job{}, fmt.Errorf("marshaling skills: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `INSERT INTO jobs (`+jobColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.JobID, job.Title, job.Description, string(skills), job.IsPaymentVerified,
		job.ClientLocation, job.JobURL, string(job.PricingDetails), job.Rating,
		formatTime(job.CreatedAt), formatTime(job.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return Job{}, ErrAlreadyExists
		}
		return Job{}, err
	}
	return job, nil
}

func (s *SQLiteStore) GetJob(ctx context.Context, id string) (Job, error) {
	return s.scanJob(s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
}

func (s *SQLiteStore) GetJobByExternalID(ctx context.Context, jobID string) (Job, error) {
	return s.scanJob(s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE job_id = ?`, jobID))
}

func (s *SQLiteStore) scanJob(row *sql.Row) (Job, error) {
	var (
		j                    Job
		skills, pricing      string
		createdAt, updatedAt string
		rating               sql.NullFloat64
	)
	err := row.Scan(&j.ID, &j.JobID, &j.Title, &j.Description, &skills, &j.IsPaymentVerified,
		&j.ClientLocation, &j.JobURL, &pricing, &rating, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, ErrNotFound
	}
	if err != nil {
		return Job{}, err
	}
	if err := json.Unmarshal([]byte(skills), &j.Skills); err != nil {
		return Job{}, fmt.Errorf("decoding skills for job %s: %w", j.ID, err)
	}
	j.PricingDetails = json.RawMessage(pricing)
	if rating.Valid {
		j.Rating = &rating.Float64
	}
	if j.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
		return Job{}, err
	}
	if j.UpdatedAt, err = parseTime("updated_at", updatedAt); err != nil {
		return Job{}, err
	}
	return j, nil
}

// DeleteJob removes the job; comments and enrichments go with it via cascade.
func (s *SQLiteStore) DeleteJob(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Comments ---

const commentColumns = `id, job_id, url, rating, billed_amount, job_title, description, client_feedback, freelancer_feedback, posted_on, created_at, updated_at`

func (s *SQLiteStore) CreateComment(ctx context.Context, c Comment) (Comment, error) {
	c = prepareComment(c)
	_, err := s.db.ExecContext(ctx, `INSERT INTO comments (`+commentColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.JobID, c.URL, c.Rating, c.BilledAmount, c.JobTitle, c.Description,
		c.ClientFeedback, c.FreelancerFeedback, c.PostedOn,
		formatTime(c.CreatedAt), formatTime(c.UpdatedAt),
	)
	if err != nil {
		return Comment{}, err
	}
	return c, nil
}

func (s *SQLiteStore) ListComments(ctx context.Context, jobID string) ([]Comment, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+commentColumns+` FROM comments WHERE job_id = ? ORDER BY created_at ASC, id ASC`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Comment
	for rows.Next() {
		var (
			c                    Comment
			rating               sql.NullFloat64
			createdAt, updatedAt string
		)
		if err := rows.Scan(&c.ID, &c.JobID, &c.URL, &rating, &c.BilledAmount, &c.JobTitle, &c.Description,
			&c.ClientFeedback, &c.FreelancerFeedback, &c.PostedOn, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		if rating.Valid {
			c.Rating = &rating.Float64
		}
		if c.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
			return nil, err
		}
		if c.UpdatedAt, err = parseTime("updated_at", updatedAt); err != nil {
			return nil, err
		}
		results = append(results, c)
	}
	return results, rows.Err()
}

// --- Enrichments ---

const enrichmentColumns = `id, job_id, client_names, keywords, company, client_location, other_data, created_at, updated_at`

func (s *SQLiteStore) FirstEnrichment(ctx context.Context, jobID string) (Enrichment, error) {
	return firstEnrichmentSQLite(s.db.QueryRowContext(ctx,
		`SELECT `+enrichmentColumns+` FROM llm_responses WHERE job_id = ? ORDER BY created_at ASC, id ASC LIMIT 1`, jobID))
}

func (s *SQLiteStore) CreateEnrichment(ctx context.Context, e Enrichment) (Enrichment, bool, error) {
	e = prepareEnrichment(e)
	names, keywords, other, err := encodeEnrichment(e)
	if err != nil {
		return Enrichment{}, false, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Enrichment{}, false, fmt.Errorf("beginning enrichment transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `INSERT INTO llm_responses (`+enrichmentColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(job_id) DO NOTHING`,
		e.ID, e.JobID, nullText(names), nullText(keywords), e.Company, e.ClientLocation, string(other),
		formatTime(e.CreatedAt), formatTime(e.UpdatedAt),
	)
	if err != nil {
		return Enrichment{}, false, fmt.Errorf("inserting enrichment: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Enrichment{}, false, err
	}

	stored, err := firstEnrichmentSQLite(tx.QueryRowContext(ctx,
		`SELECT `+enrichmentColumns+` FROM llm_responses WHERE job_id = ? ORDER BY created_at ASC, id ASC LIMIT 1`, e.JobID))
	if err != nil {
		return Enrichment{}, false, fmt.Errorf("reading stored enrichment: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Enrichment{}, false, fmt.Errorf("committing enrichment: %w", err)
	}
	return stored, n == 1, nil
}

func (s *SQLiteStore) CountEnrichments(ctx context.Context, jobID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM llm_responses WHERE job_id = ?`, jobID).Scan(&n)
	return n, err
}

func firstEnrichmentSQLite(row *sql.Row) (Enrichment, error) {
	var (
		e                       Enrichment
		names, keywords         sql.NullString
		company, clientLocation sql.NullString
		other                   string
		createdAt, updatedAt    string
	)
	err := row.Scan(&e.ID, &e.JobID, &names, &keywords, &company, &clientLocation, &other, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Enrichment{}, ErrNotFound
	}
	if err != nil {
		return Enrichment{}, err
	}
	if err := decodeEnrichment(&e, nullBytes(names), nullBytes(keywords), []byte(other)); err != nil {
		return Enrichment{}, err
	}
	if company.Valid {
		e.Company = &company.String
	}
	if clientLocation.Valid {
		e.ClientLocation = &clientLocation.String
	}
	if e.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
		return Enrichment{}, err
	}
	if e.UpdatedAt, err = parseTime("updated_at", updatedAt); err != nil {
		return Enrichment{}, err
	}
	return e, nil
}

func nullText(b []byte) any {
	if b == nil {
		return nil
	}
	return string(b)
}

func nullBytes(ns sql.NullString) []byte {
	if !ns.Valid {
		return nil
	}
	return []byte(ns.String)
}

// --- Tasks ---

func (s *SQLiteStore) EnqueueTask(ctx context.Context, task Task) error {
	now := formatTime(time.Now())
	runAfter := now
	if !task.RunAfter.IsZero() {
		runAfter = formatTime(task.RunAfter)
	}
	maxAttempts := task.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = defaultMaxAttempts
	}
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, type, payload_json, status, attempts, max_attempts, run_after, created_at, updated_at)
		VALUES (?, ?, ?, 'pending', 0, ?, ?, ?, ?)`,
		task.ID, task.Type, task.PayloadJSON, maxAttempts, runAfter, now, now,
	)
	return err
}

func (s *SQLiteStore) ClaimNextTask(ctx context.Context, types []string) (*Task, error) {
	if len(types) == 0 {
		return nil, nil
	}

	now := formatTime(time.Now())
	placeholders := strings.Repeat(",?", len(types)-1)
	query := `SELECT id, type, payload_json, status, attempts, max_attempts, run_after, created_at, updated_at, last_error
		FROM tasks
		WHERE status = 'pending' AND run_after <= ? AND type IN (?` + placeholders + `)
		ORDER BY run_after ASC, created_at ASC
		LIMIT 1`

	args := make([]any, 0, len(types)+1)
	args = append(args, now)
	for _, t := range types {
		args = append(args, t)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning claim transaction: %w", err)
	}
	defer tx.Rollback()

	var t Task
	var runAfter, createdAt, updatedAt string
	var lastError sql.NullString
	err = tx.QueryRowContext(ctx, query, args...).Scan(
		&t.ID, &t.Type, &t.PayloadJSON, &t.Status, &t.Attempts, &t.MaxAttempts,
		&runAfter, &createdAt, &updatedAt, &lastError,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("selecting next task: %w", err)
	}

	res, err := tx.ExecContext(ctx, `UPDATE tasks SET status = 'running', updated_at = ? WHERE id = ? AND status = 'pending'`, now, t.ID)
	if err != nil {
		return nil, fmt.Errorf("updating task status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("checking updated task rows: %w", err)
	}
	if n != 1 {
		return nil, nil
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing claim: %w", err)
	}

	t.Status = "running"
	t.LastError = lastError.String
	if t.RunAfter, err = parseTime("run_after", runAfter); err != nil {
		return nil, err
	}
	if t.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
		return nil, err
	}
	if t.UpdatedAt, err = parseTime("updated_at", now); err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *SQLiteStore) CompleteTask(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE tasks SET status = 'completed', updated_at = ? WHERE id = ?`, formatTime(time.Now()), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) FailTask(ctx context.Context, id string, errMsg string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning fail transaction: %w", err)
	}
	defer tx.Rollback()

	var attempts, maxAttempts int
	err = tx.QueryRowContext(ctx, `SELECT attempts, max_attempts FROM tasks WHERE id = ?`, id).Scan(&attempts, &maxAttempts)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	now := time.Now()
	attempts++

	if attempts >= maxAttempts {
		_, err = tx.ExecContext(ctx, `UPDATE tasks SET status = 'failed', attempts = ?, last_error = ?, updated_at = ? WHERE id = ?`,
			attempts, errMsg, formatTime(now), id)
	} else {
		runAfter := now.Add(retryBackoff(attempts))
		_, err = tx.ExecContext(ctx, `UPDATE tasks SET status = 'pending', attempts = ?, last_error = ?, run_after = ?, updated_at = ? WHERE id = ?`,
			attempts, errMsg, formatTime(runAfter), formatTime(now), id)
	}
	if err != nil {
		return err
	}

	return tx.Commit()
}

func (s *SQLiteStore) RequeueStaleTasks(ctx context.Context, cutoff time.Time) (int, error) {
	now := formatTime(time.Now())
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = 'pending', run_after = ?, updated_at = ? WHERE status = 'running' AND updated_at < ?`,
		now, now, formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("requeueing stale tasks: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *SQLiteStore) PurgeFinishedTasks(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM tasks WHERE status IN ('completed', 'failed') AND updated_at < ?`, formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("purging finished tasks: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
