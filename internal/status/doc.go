// Package status is the read side of the pipeline.
//
// Reader turns stored jobs into JobView payloads shared by the HTTP API and
// the CLI, with outputs in execution order and a per-stage state derived from
// the job's variant. It only reads the job store and queue statistics.
package status
