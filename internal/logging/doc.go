// Package logging builds the slog loggers used by loom.
//
// Console output renders one line per record with the job and stage pulled
// to the front; the daemon also tees every record into a JSON log file.
// WithContext copies the job, stage, worker and request ids carried on a
// context into the logger, and the *WithContext event helpers guarantee that
// warnings and errors carry event_type and error_hint.
package logging
