package testsupport

import (
	"testing"

	"loom/internal/config"
	"loom/internal/database"
	"loom/internal/jobstore"
	"loom/internal/workqueue"
)

// MustOpenDB opens the SQLite database for cfg and registers cleanup.
func MustOpenDB(t testing.TB, cfg *config.Config) *database.DB {
	t.Helper()

	db, err := database.Open(cfg)
	if err != nil {
		t.Fatalf("database.Open: %v", err)
	}
	t.Cleanup(func() {
		_ = db.Close()
	})
	return db
}

// MustOpenStores opens the SQLite job store and work queue sharing one database.
func MustOpenStores(t testing.TB, cfg *config.Config) (*jobstore.SQLiteStore, *workqueue.SQLiteQueue) {
	t.Helper()

	db := MustOpenDB(t, cfg)
	return jobstore.NewSQLite(db), workqueue.NewSQLite(db)
}
