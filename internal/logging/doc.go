// Package logging assembles structured slog loggers used across relay.
//
// It owns the console and JSON handlers, centralizes level and output
// plumbing, and defines the standard field keys (component, correlation_id,
// channel, state) so broker, worker, and transport log lines share one shape.
// The package also provides a no-op logger for tests and wiring code that
// cannot fail.
package logging
