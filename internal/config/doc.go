// Package config loads, normalizes, and validates Loom configuration data.
//
// It supplies repository defaults, expands user paths (including tilde
// shortcuts), reads TOML files, and honours environment fallbacks such as
// LOOM_API_TOKEN and OPENROUTER_API_KEY. The Config type centralizes every knob
// the daemon, workers, and CLI need, including the pipeline variants that
// define stage order, progress ranges, and retry budgets.
//
// Always obtain settings through this package so downstream code receives
// sanitized paths, canonical log formats, and clear validation errors.
package config
