package pgstore

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"loom/internal/jobstore"
)

//go:embed schema.sql
var schemaSQL string

const uniqueViolation = "23505"

const jobColumns = `id, variant, status, progress, input_json, attempt_count,
    error_stage, error_kind, error_message, created_at, updated_at, finished_at`

var _ jobstore.Store = (*Store)(nil)

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, arguments ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
}

// Store persists jobs in Postgres.
type Store struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// Open connects to dsn and ensures the schema exists.
func Open(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.Connect(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	store := New(pool)
	if err := store.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

// New wraps an existing pool. The store takes ownership of pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, now: time.Now}
}

// Migrate creates missing tables and indexes.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply postgres schema: %w", err)
	}
	return nil
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// Reset removes every job. Intended for tests against a shared database.
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `TRUNCATE jobs CASCADE`)
	return err
}

func (s *Store) withTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// Create inserts job and returns its id.
func (s *Store) Create(ctx context.Context, job *jobstore.Job) (string, error) {
	if err := jobstore.PrepareNew(job, s.now()); err != nil {
		return "", err
	}
	input, err := jobstore.EncodeInput(job.Input)
	if err != nil {
		return "", err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO jobs (id, variant, status, progress, input_json, attempt_count, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, 0, $6, $6)`,
		job.ID, job.Variant, string(job.Status), job.Progress, input, job.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return "", fmt.Errorf("create job %s: %w", job.ID, jobstore.ErrAlreadyExists)
		}
		return "", fmt.Errorf("insert job: %w", err)
	}
	return job.ID, nil
}

// Get loads a job with outputs and error history.
func (s *Store) Get(ctx context.Context, id string) (*jobstore.Job, error) {
	job, err := scanJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, jobstore.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}

	rows, err := s.pool.Query(ctx, `SELECT stage, output, created_at FROM stage_outputs WHERE job_id = $1 ORDER BY seq`, id)
	if err != nil {
		return nil, fmt.Errorf("load outputs: %w", err)
	}
	for rows.Next() {
		var out jobstore.StageOutput
		if err := rows.Scan(&out.Stage, &out.Output, &out.CreatedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan output: %w", err)
		}
		job.Outputs = append(job.Outputs, out)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load outputs: %w", err)
	}

	rows, err = s.pool.Query(ctx, `SELECT stage, attempt, kind, message, created_at FROM job_errors WHERE job_id = $1 ORDER BY id`, id)
	if err != nil {
		return nil, fmt.Errorf("load error history: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var entry jobstore.AttemptError
		if err := rows.Scan(&entry.Stage, &entry.Attempt, &entry.Kind, &entry.Message, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan error history: %w", err)
		}
		job.History = append(job.History, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load error history: %w", err)
	}
	return job, nil
}

// Transition performs the compare-and-swap from expected to next.
func (s *Store) Transition(ctx context.Context, id string, expected, next jobstore.Status, progress int, output *jobstore.StageOutput) (*jobstore.Job, error) {
	if expected.IsTerminal() {
		return nil, jobstore.ErrStaleTransition
	}
	now := s.now().UTC()
	var finished *time.Time
	if next.IsTerminal() {
		finished = &now
	}
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE jobs SET status = $1, progress = GREATEST(progress, $2), attempt_count = 0,
    updated_at = $3, finished_at = $4
WHERE id = $5 AND status = $6`,
			string(next), jobstore.ClampProgress(progress), now, finished, id, string(expected),
		)
		if err != nil {
			return err
		}
		if err := requireRow(ctx, tx, tag, id); err != nil {
			return err
		}
		if output == nil {
			return nil
		}
		created := now
		if !output.CreatedAt.IsZero() {
			created = output.CreatedAt.UTC()
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO stage_outputs (job_id, stage, seq, output, created_at)
VALUES ($1, $2, (SELECT COALESCE(MAX(seq), 0) + 1 FROM stage_outputs WHERE job_id = $1), $3, $4)`,
			id, output.Stage, output.Output, created,
		)
		if err != nil {
			return fmt.Errorf("append output for stage %s: %w", output.Stage, err)
		}
		return nil
	})
	if err != nil {
		return nil, wrapWrite("transition job", err)
	}
	return s.Get(ctx, id)
}

// MarkFailed moves a non-terminal job to FAILED.
func (s *Store) MarkFailed(ctx context.Context, id string, expected jobstore.Status, jobErr jobstore.JobError) (*jobstore.Job, error) {
	if expected.IsTerminal() {
		return nil, jobstore.ErrStaleTransition
	}
	now := s.now().UTC()
	err := s.conditional(ctx, id,
		`UPDATE jobs SET status = $1, error_stage = $2, error_kind = $3, error_message = $4,
    updated_at = $5, finished_at = $5
WHERE id = $6 AND status = $7`,
		string(jobstore.StatusFailed), jobErr.Stage, jobErr.Kind, jobErr.Message, now, id, string(expected),
	)
	if err != nil {
		return nil, wrapWrite("mark job failed", err)
	}
	return s.Get(ctx, id)
}

// RecordAttempt claims attempt expectedAttempts+1 for the current stage.
func (s *Store) RecordAttempt(ctx context.Context, id string, expected jobstore.Status, expectedAttempts int) (*jobstore.Job, error) {
	err := s.conditional(ctx, id,
		`UPDATE jobs SET attempt_count = attempt_count + 1, updated_at = $1
WHERE id = $2 AND status = $3 AND attempt_count = $4`,
		s.now().UTC(), id, string(expected), expectedAttempts,
	)
	if err != nil {
		return nil, wrapWrite("record attempt", err)
	}
	return s.Get(ctx, id)
}

// ReportProgress raises progress for a job still in expected.
func (s *Store) ReportProgress(ctx context.Context, id string, expected jobstore.Status, progress int) error {
	err := s.conditional(ctx, id,
		`UPDATE jobs SET progress = GREATEST(progress, $1), updated_at = $2 WHERE id = $3 AND status = $4`,
		jobstore.ClampProgress(progress), s.now().UTC(), id, string(expected),
	)
	return wrapWrite("report progress", err)
}

// RecordError appends an entry to the job's error history.
func (s *Store) RecordError(ctx context.Context, id string, entry jobstore.AttemptError) error {
	at := entry.CreatedAt
	if at.IsZero() {
		at = s.now()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO job_errors (job_id, stage, attempt, kind, message, created_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		id, entry.Stage, entry.Attempt, entry.Kind, entry.Message, at.UTC(),
	)
	if err != nil {
		return fmt.Errorf("record error: %w", err)
	}
	return nil
}

// List returns jobs newest first without outputs.
func (s *Store) List(ctx context.Context, opts jobstore.ListOptions) ([]*jobstore.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs`
	var args []interface{}
	if len(opts.Statuses) > 0 {
		statuses := make([]string, 0, len(opts.Statuses))
		for _, status := range opts.Statuses {
			statuses = append(statuses, string(status))
		}
		args = append(args, statuses)
		query += ` WHERE status = ANY($1)`
	}
	query += ` ORDER BY created_at DESC, id`
	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}
	return s.queryJobs(ctx, s.pool, "list jobs", query, args...)
}

// Stats counts jobs by status.
func (s *Store) Stats(ctx context.Context) (jobstore.Summary, error) {
	summary := jobstore.Summary{ByStatus: make(map[jobstore.Status]int)}
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(1) FROM jobs GROUP BY status`)
	if err != nil {
		return summary, fmt.Errorf("job stats: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			status string
			count  int
		)
		if err := rows.Scan(&status, &count); err != nil {
			return summary, fmt.Errorf("scan job stats: %w", err)
		}
		summary.Add(jobstore.Status(status), count)
	}
	return summary, rows.Err()
}

// CountActive returns the number of non-terminal jobs.
func (s *Store) CountActive(ctx context.Context) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(1) FROM jobs WHERE status <> ALL($1)`, terminalStatuses()).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count active jobs: %w", err)
	}
	return count, nil
}

// ListStalled returns active jobs whose last write predates before.
func (s *Store) ListStalled(ctx context.Context, before time.Time, limit int) ([]*jobstore.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.queryJobs(ctx, s.pool, "list stalled jobs",
		`SELECT `+jobColumns+` FROM jobs WHERE status <> ALL($1) AND updated_at < $2 ORDER BY updated_at LIMIT $3`,
		terminalStatuses(), before.UTC(), limit,
	)
}

// PurgeTerminal deletes terminal jobs that finished before the cutoff.
func (s *Store) PurgeTerminal(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM jobs WHERE status = ANY($1) AND finished_at IS NOT NULL AND finished_at < $2`,
		terminalStatuses(), before.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("purge terminal jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *Store) conditional(ctx context.Context, id, query string, args ...interface{}) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, query, args...)
		if err != nil {
			return err
		}
		return requireRow(ctx, tx, tag, id)
	})
}

func (s *Store) queryJobs(ctx context.Context, q querier, op, query string, args ...interface{}) ([]*jobstore.Job, error) {
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()
	var jobs []*jobstore.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return jobs, nil
}

func requireRow(ctx context.Context, q querier, tag pgconn.CommandTag, id string) error {
	if tag.RowsAffected() > 0 {
		return nil
	}
	var exists bool
	if err := q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM jobs WHERE id = $1)`, id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return jobstore.ErrNotFound
	}
	return jobstore.ErrStaleTransition
}

func wrapWrite(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, jobstore.ErrNotFound) || errors.Is(err, jobstore.ErrStaleTransition) {
		return err
	}
	return fmt.Errorf("%s: %w", op, err)
}

func terminalStatuses() []string {
	return []string{string(jobstore.StatusCompleted), string(jobstore.StatusFailed)}
}

func scanJob(row pgx.Row) (*jobstore.Job, error) {
	var (
		job        jobstore.Job
		status     string
		input      string
		errStage   *string
		errKind    *string
		errMessage *string
		finishedAt *time.Time
	)
	if err := row.Scan(
		&job.ID, &job.Variant, &status, &job.Progress, &input, &job.AttemptCount,
		&errStage, &errKind, &errMessage, &job.CreatedAt, &job.UpdatedAt, &finishedAt,
	); err != nil {
		return nil, err
	}
	job.Status = jobstore.Status(status)
	decoded, err := jobstore.DecodeInput(input)
	if err != nil {
		return nil, err
	}
	job.Input = decoded
	if errStage != nil || errKind != nil {
		job.Error = &jobstore.JobError{Stage: deref(errStage), Kind: deref(errKind), Message: deref(errMessage)}
	}
	job.CreatedAt = job.CreatedAt.UTC()
	job.UpdatedAt = job.UpdatedAt.UTC()
	if finishedAt != nil {
		utc := finishedAt.UTC()
		job.FinishedAt = &utc
	}
	return &job, nil
}

func deref(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}
