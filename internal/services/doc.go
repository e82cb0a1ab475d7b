// Package services defines shared utilities consumed by the stage handlers and
// external collaborator clients.
//
// Key responsibilities:
//   - Context helpers that stamp job IDs, stage names, worker names, and
//     correlation identifiers for logging.
//   - Structured error markers plus the Wrap and Kind helpers that turn
//     collaborator failures into the stable error kinds recorded on jobs and
//     matched against a stage's retryable kinds.
//
// Use these helpers when wiring new stage logic so operational behaviour (error
// handling, observability, retries) stays uniform across the pipeline.
package services
