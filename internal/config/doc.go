// Package config loads, normalizes, and validates camstitch configuration data.
//
// It supplies repository defaults, expands user paths (including tilde
// shortcuts), and reads TOML files (YAML is accepted for configs carried over
// from older exports). The Config type centralizes every knob the coordinator
// and CLI need: input roots, engine thresholds, concurrency and retry policy.
//
// A run holds a Snapshot of the configuration for its whole duration. The
// per-stage hash helpers fingerprint exactly the parameters a stage consumes so
// the state store can invalidate completed work when, and only when, those
// parameters change.
package config
