// Package app assembles loom's runtime: the configured job store and work
// queue backends, the stage catalog built from the pipeline handlers, and the
// orchestrator, status reader and worker that sit on top of them.
//
// The daemon and the CLI both start here so they agree on which backends a
// configuration selects.
package app
