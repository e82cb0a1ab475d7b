package database_test

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"loom/internal/database"
)

func TestOpenPathCreatesSchemaOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "loom.db")

	db, err := database.OpenPath(path)
	if err != nil {
		t.Fatalf("OpenPath failed: %v", err)
	}
	var tables int
	if err := db.QueryRow(`SELECT COUNT(1) FROM sqlite_master WHERE type='table' AND name IN ('jobs','stage_outputs','queue_messages','dead_letters')`).Scan(&tables); err != nil {
		t.Fatalf("count tables: %v", err)
	}
	if tables != 4 {
		t.Fatalf("expected 4 tables, got %d", tables)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := database.OpenPath(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer reopened.Close()
	if reopened.Path() != path {
		t.Fatalf("unexpected path %q", reopened.Path())
	}
}

func TestOpenPathRejectsSchemaMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "loom.db")
	db, err := database.OpenPath(path)
	if err != nil {
		t.Fatalf("OpenPath failed: %v", err)
	}
	if _, err := db.Exec(`UPDATE schema_version SET version = 999`); err != nil {
		t.Fatalf("bump version: %v", err)
	}
	db.Close()

	if _, err := database.OpenPath(path); !errors.Is(err, database.ErrSchemaMismatch) {
		t.Fatalf("expected ErrSchemaMismatch, got %v", err)
	}
}

func TestWithTxRollsBackOnError(t *testing.T) {
	db, err := database.OpenPath(filepath.Join(t.TempDir(), "loom.db"))
	if err != nil {
		t.Fatalf("OpenPath failed: %v", err)
	}
	defer db.Close()

	ctx := context.Background()
	sentinel := errors.New("abort")
	err = db.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `INSERT INTO jobs (id, variant, status, input_json, created_at, updated_at) VALUES ('j1','v','A','{}','t','t')`); err != nil {
			return err
		}
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected sentinel error, got %v", err)
	}
	var count int
	if err := db.QueryRow(`SELECT COUNT(1) FROM jobs`).Scan(&count); err != nil {
		t.Fatalf("count jobs: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected rollback, found %d rows", count)
	}
}

func TestRetryOnBusyRetriesOnlyBusyErrors(t *testing.T) {
	ctx := context.Background()
	calls := 0
	err := database.RetryOnBusy(ctx, func() error {
		calls++
		if calls < 3 {
			return errors.New("database is locked")
		}
		return nil
	})
	if err != nil || calls != 3 {
		t.Fatalf("expected success after 3 calls, got err=%v calls=%d", err, calls)
	}

	calls = 0
	plain := errors.New("constraint failed")
	if err := database.RetryOnBusy(ctx, func() error { calls++; return plain }); !errors.Is(err, plain) || calls != 1 {
		t.Fatalf("expected single attempt for non-busy error, got err=%v calls=%d", err, calls)
	}
}

func TestPlaceholders(t *testing.T) {
	if got := database.Placeholders(3); got != "?, ?, ?" {
		t.Fatalf("unexpected placeholders %q", got)
	}
	if got := database.Placeholders(0); got != "" {
		t.Fatalf("expected empty placeholders, got %q", got)
	}
	parsed, err := database.ParseTime("2026-01-02T03:04:05.5Z")
	if err != nil {
		t.Fatalf("ParseTime: %v", err)
	}
	if got := database.FormatTime(parsed); got != "2026-01-02T03:04:05.500000000Z" {
		t.Fatalf("unexpected round trip %q", got)
	}
	early := database.FormatTime(parsed)
	late := database.FormatTime(parsed.Add(500 * time.Millisecond))
	if early >= late {
		t.Fatalf("expected lexical order %q < %q", early, late)
	}
	if zero, err := database.ParseTime(""); err != nil || !zero.IsZero() {
		t.Fatalf("expected zero time for empty input, got %v %v", zero, err)
	}
}
