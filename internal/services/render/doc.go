// Package render drives the external animation renderer.
//
// The script produced by earlier stages is written to a per-job work
// directory, the configured command runs with a timeout and the produced
// .mp4 is located afterwards. A timeout is reported as a timeout kind, a
// non-zero exit as external_tool and a missing binary as configuration.
package render
