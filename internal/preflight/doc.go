// Package preflight provides readiness checks for the filesystem paths,
// binaries and remote services loom depends on.
//
// The daemon reports these checks on /api/health and the CLI prints them from
// "loom config validate". Remote checks cost an API call and only run when
// asked for.
package preflight
