// Package jobstore is the durable record of pipeline jobs.
//
// Every mutation is a compare-and-swap on the job's current status, which is
// the only synchronization point between workers. The SQLite implementation
// lives here; pgstore provides the Postgres backend.
package jobstore
