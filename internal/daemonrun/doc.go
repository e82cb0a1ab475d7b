// Package daemonrun is the process entry point shared by "loom serve",
// "loom worker" and loomd: it builds the logger, opens the app and runs the
// daemon or a bare worker until a shutdown signal arrives.
package daemonrun
