// Package pgstore implements jobstore.Store on Postgres through a pgx pool.
// It lets several loom hosts share one job record.
package pgstore
