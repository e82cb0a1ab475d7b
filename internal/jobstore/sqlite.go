package jobstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"loom/internal/database"
)

const jobColumns = `id, variant, status, progress, input_json, attempt_count,
    error_stage, error_kind, error_message, created_at, updated_at, finished_at`

// SQLiteStore persists jobs in the shared SQLite database.
type SQLiteStore struct {
	db  *database.DB
	now func() time.Time
}

// NewSQLite returns a job store backed by db. The caller owns db.
func NewSQLite(db *database.DB) *SQLiteStore {
	return &SQLiteStore{db: db, now: time.Now}
}

// Close is a no-op; the database handle is closed by its owner.
func (s *SQLiteStore) Close() error { return nil }

// Create inserts job and returns its id.
func (s *SQLiteStore) Create(ctx context.Context, job *Job) (string, error) {
	if err := PrepareNew(job, s.now()); err != nil {
		return "", err
	}
	input, err := EncodeInput(job.Input)
	if err != nil {
		return "", err
	}
	stamp := database.FormatTime(job.CreatedAt)
	err = s.db.WithTx(ctx, func(tx *sql.Tx) error {
		var exists int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM jobs WHERE id = ?`, job.ID).Scan(&exists); err != nil {
			return err
		}
		if exists > 0 {
			return ErrAlreadyExists
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO jobs (id, variant, status, progress, input_json, attempt_count, created_at, updated_at)
             VALUES (?, ?, ?, ?, ?, 0, ?, ?)`,
			job.ID, job.Variant, string(job.Status), job.Progress, input, stamp, stamp,
		)
		return err
	})
	if err != nil {
		if errors.Is(err, ErrAlreadyExists) {
			return "", fmt.Errorf("create job %s: %w", job.ID, err)
		}
		return "", fmt.Errorf("insert job: %w", err)
	}
	return job.ID, nil
}

// Get loads a job with its outputs and error history.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	if job.Outputs, err = s.loadOutputs(ctx, id); err != nil {
		return nil, err
	}
	if job.History, err = s.loadHistory(ctx, id); err != nil {
		return nil, err
	}
	return job, nil
}

// Transition performs the compare-and-swap from expected to next.
func (s *SQLiteStore) Transition(ctx context.Context, id string, expected, next Status, progress int, output *StageOutput) (*Job, error) {
	if expected.IsTerminal() {
		return nil, ErrStaleTransition
	}
	now := s.now().UTC()
	stamp := database.FormatTime(now)
	var finished any
	if next.IsTerminal() {
		finished = stamp
	}
	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE jobs
             SET status = ?, progress = MAX(progress, ?), attempt_count = 0,
                 updated_at = ?, finished_at = ?
             WHERE id = ? AND status = ?`,
			string(next), ClampProgress(progress), stamp, finished, id, string(expected),
		)
		if err != nil {
			return err
		}
		if err := requireRow(ctx, tx, res, id); err != nil {
			return err
		}
		if output == nil {
			return nil
		}
		outStamp := stamp
		if !output.CreatedAt.IsZero() {
			outStamp = database.FormatTime(output.CreatedAt)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO stage_outputs (job_id, stage, seq, output, created_at)
             VALUES (?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM stage_outputs WHERE job_id = ?), ?, ?)`,
			id, output.Stage, id, output.Output, outStamp,
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
func (s *SQLiteStore) MarkFailed(ctx context.Context, id string, expected Status, jobErr JobError) (*Job, error) {
	if expected.IsTerminal() {
		return nil, ErrStaleTransition
	}
	stamp := database.FormatTime(s.now())
	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE jobs
             SET status = ?, error_stage = ?, error_kind = ?, error_message = ?,
                 updated_at = ?, finished_at = ?
             WHERE id = ? AND status = ?`,
			string(StatusFailed), jobErr.Stage, jobErr.Kind, jobErr.Message, stamp, stamp, id, string(expected),
		)
		if err != nil {
			return err
		}
		return requireRow(ctx, tx, res, id)
	})
	if err != nil {
		return nil, wrapWrite("mark job failed", err)
	}
	return s.Get(ctx, id)
}

// RecordAttempt claims attempt expectedAttempts+1 for the current stage.
func (s *SQLiteStore) RecordAttempt(ctx context.Context, id string, expected Status, expectedAttempts int) (*Job, error) {
	stamp := database.FormatTime(s.now())
	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE jobs SET attempt_count = attempt_count + 1, updated_at = ?
             WHERE id = ? AND status = ? AND attempt_count = ?`,
			stamp, id, string(expected), expectedAttempts,
		)
		if err != nil {
			return err
		}
		return requireRow(ctx, tx, res, id)
	})
	if err != nil {
		return nil, wrapWrite("record attempt", err)
	}
	return s.Get(ctx, id)
}

// ReportProgress raises progress for a job still in expected.
func (s *SQLiteStore) ReportProgress(ctx context.Context, id string, expected Status, progress int) error {
	stamp := database.FormatTime(s.now())
	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE jobs SET progress = MAX(progress, ?), updated_at = ? WHERE id = ? AND status = ?`,
			ClampProgress(progress), stamp, id, string(expected),
		)
		if err != nil {
			return err
		}
		return requireRow(ctx, tx, res, id)
	})
	return wrapWrite("report progress", err)
}

// RecordError appends an entry to the job's error history.
func (s *SQLiteStore) RecordError(ctx context.Context, id string, entry AttemptError) error {
	at := entry.CreatedAt
	if at.IsZero() {
		at = s.now()
	}
	_, err := s.db.ExecWithRetry(ctx,
		`INSERT INTO job_errors (job_id, stage, attempt, kind, message, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		id, entry.Stage, entry.Attempt, entry.Kind, entry.Message, database.FormatTime(at),
	)
	if err != nil {
		return fmt.Errorf("record error: %w", err)
	}
	return nil
}

// List returns jobs newest first. Outputs and history are not loaded.
func (s *SQLiteStore) List(ctx context.Context, opts ListOptions) ([]*Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs`
	args := make([]any, 0, len(opts.Statuses)+1)
	if len(opts.Statuses) > 0 {
		query += ` WHERE status IN (` + database.Placeholders(len(opts.Statuses)) + `)`
		for _, status := range opts.Statuses {
			args = append(args, string(status))
		}
	}
	query += ` ORDER BY created_at DESC, id`
	if opts.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, opts.Limit)
	}
	return s.queryJobs(ctx, "list jobs", query, args...)
}

// Stats counts jobs by status.
func (s *SQLiteStore) Stats(ctx context.Context) (Summary, error) {
	summary := Summary{ByStatus: make(map[Status]int)}
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(1) FROM jobs GROUP BY status`)
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
		summary.Add(Status(status), count)
	}
	if err := rows.Err(); err != nil {
		return summary, fmt.Errorf("iterate job stats: %w", err)
	}
	return summary, nil
}

// CountActive returns the number of non-terminal jobs.
func (s *SQLiteStore) CountActive(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM jobs WHERE status NOT IN (?, ?)`, terminalArgs()...,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count active jobs: %w", err)
	}
	return count, nil
}

// ListStalled returns active jobs whose last write predates before.
func (s *SQLiteStore) ListStalled(ctx context.Context, before time.Time, limit int) ([]*Job, error) {
	if limit <= 0 {
		limit = 100
	}
	args := append(terminalArgs(), database.FormatTime(before), limit)
	return s.queryJobs(ctx, "list stalled jobs",
		`SELECT `+jobColumns+` FROM jobs
         WHERE status NOT IN (?, ?) AND updated_at < ?
         ORDER BY updated_at LIMIT ?`,
		args...,
	)
}

// PurgeTerminal deletes terminal jobs that finished before the cutoff.
func (s *SQLiteStore) PurgeTerminal(ctx context.Context, before time.Time) (int64, error) {
	args := append(terminalArgs(), database.FormatTime(before))
	res, err := s.db.ExecWithRetry(ctx,
		`DELETE FROM jobs WHERE status IN (?, ?) AND finished_at IS NOT NULL AND finished_at < ?`,
		args...,
	)
	if err != nil {
		return 0, fmt.Errorf("purge terminal jobs: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) queryJobs(ctx context.Context, op, query string, args ...any) ([]*Job, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()
	var jobs []*Job
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

func (s *SQLiteStore) loadOutputs(ctx context.Context, id string) ([]StageOutput, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT stage, output, created_at FROM stage_outputs WHERE job_id = ? ORDER BY seq`, id)
	if err != nil {
		return nil, fmt.Errorf("load outputs: %w", err)
	}
	defer rows.Close()
	var outputs []StageOutput
	for rows.Next() {
		var (
			out     StageOutput
			created string
		)
		if err := rows.Scan(&out.Stage, &out.Output, &created); err != nil {
			return nil, fmt.Errorf("scan output: %w", err)
		}
		out.CreatedAt, _ = database.ParseTime(created)
		outputs = append(outputs, out)
	}
	return outputs, rows.Err()
}

func (s *SQLiteStore) loadHistory(ctx context.Context, id string) ([]AttemptError, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT stage, attempt, kind, message, created_at FROM job_errors WHERE job_id = ? ORDER BY id`, id)
	if err != nil {
		return nil, fmt.Errorf("load error history: %w", err)
	}
	defer rows.Close()
	var history []AttemptError
	for rows.Next() {
		var (
			entry   AttemptError
			created string
		)
		if err := rows.Scan(&entry.Stage, &entry.Attempt, &entry.Kind, &entry.Message, &created); err != nil {
			return nil, fmt.Errorf("scan error history: %w", err)
		}
		entry.CreatedAt, _ = database.ParseTime(created)
		history = append(history, entry)
	}
	return history, rows.Err()
}

// requireRow distinguishes a lost compare-and-swap from a missing job.
func requireRow(ctx context.Context, tx *sql.Tx, res sql.Result, id string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected > 0 {
		return nil
	}
	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM jobs WHERE id = ?`, id).Scan(&exists); err != nil {
		return err
	}
	if exists == 0 {
		return ErrNotFound
	}
	return ErrStaleTransition
}

func wrapWrite(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrStaleTransition) {
		return err
	}
	return fmt.Errorf("%s: %w", op, err)
}

func scanJob(scanner database.Scanner) (*Job, error) {
	var (
		job        Job
		status     string
		input      string
		errStage   sql.NullString
		errKind    sql.NullString
		errMessage sql.NullString
		createdAt  string
		updatedAt  string
		finishedAt sql.NullString
	)
	if err := scanner.Scan(
		&job.ID, &job.Variant, &status, &job.Progress, &input, &job.AttemptCount,
		&errStage, &errKind, &errMessage, &createdAt, &updatedAt, &finishedAt,
	); err != nil {
		return nil, err
	}
	job.Status = Status(status)
	decoded, err := DecodeInput(input)
	if err != nil {
		return nil, err
	}
	job.Input = decoded
	if errKind.Valid || errStage.Valid {
		job.Error = &JobError{
			Stage:   strings.TrimSpace(errStage.String),
			Kind:    errKind.String,
			Message: errMessage.String,
		}
	}
	if job.CreatedAt, err = database.ParseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if job.UpdatedAt, err = database.ParseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	job.FinishedAt = database.ParseNullTime(finishedAt)
	return &job, nil
}
