// Package notifications pushes job lifecycle events to ntfy.
//
// NewService returns a no-op implementation when no topic is configured, so
// the worker can publish unconditionally. Completed and failed events can be
// toggled independently in config.toml.
package notifications
