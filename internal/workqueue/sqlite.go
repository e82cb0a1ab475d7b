package workqueue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"loom/internal/database"
)

// SQLiteQueue stores messages in the shared SQLite database.
type SQLiteQueue struct {
	db  *database.DB
	now func() time.Time
}

// NewSQLite returns a queue backed by db. The caller owns db.
func NewSQLite(db *database.DB) *SQLiteQueue {
	return &SQLiteQueue{db: db, now: time.Now}
}

// Close is a no-op; the database handle is closed by its owner.
func (q *SQLiteQueue) Close() error { return nil }

// Enqueue stores msg, visible after delay.
func (q *SQLiteQueue) Enqueue(ctx context.Context, msg Message, delay time.Duration) (string, error) {
	if err := validateMessage(msg); err != nil {
		return "", err
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if delay < 0 {
		delay = 0
	}
	now := q.now()
	visibleAt := now.Add(delay)
	if msg.NotBefore.After(visibleAt) {
		visibleAt = msg.NotBefore
	}
	_, err := q.db.ExecWithRetry(ctx,
		`INSERT INTO queue_messages (id, job_id, stage, attempt, visible_at, not_before, deliveries, enqueued_at)
         VALUES (?, ?, ?, ?, ?, ?, 0, ?)`,
		msg.ID, msg.JobID, msg.Stage, msg.Attempt, visibleAt.UnixNano(), visibleAt.UnixNano(), database.FormatTime(now),
	)
	if err != nil {
		return "", fmt.Errorf("enqueue message: %w", err)
	}
	return msg.ID, nil
}

// Dequeue hands out up to limit visible messages.
func (q *SQLiteQueue) Dequeue(ctx context.Context, limit int, visibility time.Duration) ([]Delivery, error) {
	if limit <= 0 {
		limit = 1
	}
	if visibility <= 0 {
		return nil, errors.New("visibility timeout must be positive")
	}
	var deliveries []Delivery
	err := q.db.WithTx(ctx, func(tx *sql.Tx) error {
		deliveries = deliveries[:0]
		now := q.now()
		rows, err := tx.QueryContext(ctx,
			`SELECT id FROM queue_messages WHERE visible_at <= ? ORDER BY visible_at, enqueued_at LIMIT ?`,
			now.UnixNano(), limit,
		)
		if err != nil {
			return err
		}
		var ids []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			ids = append(ids, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		hiddenUntil := now.Add(visibility).UnixNano()
		for _, id := range ids {
			receipt := uuid.NewString()
			if _, err := tx.ExecContext(ctx,
				`UPDATE queue_messages SET receipt = ?, deliveries = deliveries + 1, visible_at = ? WHERE id = ?`,
				receipt, hiddenUntil, id,
			); err != nil {
				return err
			}
			delivery, err := scanDelivery(tx.QueryRowContext(ctx,
				`SELECT id, job_id, stage, attempt, not_before, enqueued_at, receipt, deliveries
                 FROM queue_messages WHERE id = ?`, id))
			if err != nil {
				return err
			}
			deliveries = append(deliveries, delivery)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("dequeue messages: %w", err)
	}
	return deliveries, nil
}

// Acknowledge deletes the message held under receipt.
func (q *SQLiteQueue) Acknowledge(ctx context.Context, receipt string) error {
	if strings.TrimSpace(receipt) == "" {
		return ErrReceiptExpired
	}
	res, err := q.db.ExecWithRetry(ctx, `DELETE FROM queue_messages WHERE receipt = ?`, receipt)
	if err != nil {
		return fmt.Errorf("acknowledge message: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("acknowledge message: %w", err)
	}
	if affected == 0 {
		return ErrReceiptExpired
	}
	return nil
}

// DeadLetter removes the delivered message and records it as dead.
func (q *SQLiteQueue) DeadLetter(ctx context.Context, delivery Delivery, reason string) error {
	if strings.TrimSpace(delivery.Receipt) == "" {
		return ErrReceiptExpired
	}
	now := q.now()
	err := q.db.WithTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM queue_messages WHERE receipt = ?`, delivery.Receipt)
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return ErrReceiptExpired
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO dead_letters (id, message_id, job_id, stage, attempt, deliveries, reason, enqueued_at, created_at)
             VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			ulid.Make().String(), delivery.ID, delivery.JobID, delivery.Stage, delivery.Attempt,
			delivery.Deliveries, database.NullableString(reason), database.FormatTime(delivery.EnqueuedAt),
			database.FormatTime(now),
		)
		return err
	})
	if errors.Is(err, ErrReceiptExpired) {
		return err
	}
	if err != nil {
		return fmt.Errorf("dead-letter message: %w", err)
	}
	return nil
}

// DeadLetters lists dead letters, newest first.
func (q *SQLiteQueue) DeadLetters(ctx context.Context, limit int) ([]DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := q.db.QueryContext(ctx,
		`SELECT id, message_id, job_id, stage, attempt, deliveries, reason, enqueued_at, created_at
         FROM dead_letters ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()
	var entries []DeadLetter
	for rows.Next() {
		var (
			entry    DeadLetter
			reason   sql.NullString
			enqueued string
			created  string
		)
		if err := rows.Scan(&entry.ID, &entry.MessageID, &entry.JobID, &entry.Stage, &entry.Attempt,
			&entry.Deliveries, &reason, &enqueued, &created); err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		entry.Reason = reason.String
		entry.EnqueuedAt, _ = database.ParseTime(enqueued)
		entry.CreatedAt, _ = database.ParseTime(created)
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	return entries, nil
}

// PurgeDeadLetters removes every dead letter.
func (q *SQLiteQueue) PurgeDeadLetters(ctx context.Context) (int64, error) {
	res, err := q.db.ExecWithRetry(ctx, `DELETE FROM dead_letters`)
	if err != nil {
		return 0, fmt.Errorf("purge dead letters: %w", err)
	}
	return res.RowsAffected()
}

// Stats summarizes queue depth.
func (q *SQLiteQueue) Stats(ctx context.Context) (Stats, error) {
	var stats Stats
	now := q.now().UnixNano()
	err := q.db.QueryRowContext(ctx,
		`SELECT
            COALESCE(SUM(CASE WHEN visible_at <= ? THEN 1 ELSE 0 END), 0),
            COALESCE(SUM(CASE WHEN visible_at > ? THEN 1 ELSE 0 END), 0),
            (SELECT COUNT(1) FROM dead_letters)
         FROM queue_messages`, now, now,
	).Scan(&stats.Ready, &stats.Invisible, &stats.DeadLetters)
	if err != nil {
		return stats, fmt.Errorf("queue stats: %w", err)
	}
	return stats, nil
}

func scanDelivery(row database.Scanner) (Delivery, error) {
	var (
		d         Delivery
		notBefore int64
		enqueued  string
		receipt   sql.NullString
	)
	if err := row.Scan(&d.ID, &d.JobID, &d.Stage, &d.Attempt, &notBefore, &enqueued, &receipt, &d.Deliveries); err != nil {
		return d, err
	}
	d.Receipt = receipt.String
	d.NotBefore = time.Unix(0, notBefore).UTC()
	d.EnqueuedAt, _ = database.ParseTime(enqueued)
	return d, nil
}

func validateMessage(msg Message) error {
	if strings.TrimSpace(msg.JobID) == "" {
		return errors.New("message job id is required")
	}
	if strings.TrimSpace(msg.Stage) == "" {
		return errors.New("message stage is required")
	}
	return nil
}
