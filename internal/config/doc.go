// Package config loads, normalizes, and validates relay configuration data.
//
// It supplies repository defaults, expands user paths (including tilde
// shortcuts), reads TOML files, and honours the REDIS_HOST, REDIS_PORT, and
// REDIS_PASSWORD environment fallbacks. The Config type centralizes every knob
// the broker, the worker daemon, and the CLI need so a single file can point
// both sides of a deployment at the same queue.
//
// Always obtain settings through this package so downstream code receives
// sanitized paths, canonical enum values, and clear validation errors.
package config
