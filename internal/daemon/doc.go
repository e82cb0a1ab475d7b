// Package daemon runs the long-lived loom process.
//
// A Daemon takes an assembled app, holds a flock-based single-instance lock,
// and runs the stage worker, the cron-driven retention purge and the HTTP API
// (submission, status, stats, health, variants, dead letters and Prometheus
// metrics) under one lifecycle. Pipeline semantics live in the worker and
// orchestrator packages; this package only starts, stops and exposes them.
package daemon
