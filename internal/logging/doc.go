// Package logging assembles structured slog loggers and formatting helpers used
// across cssmod components.
//
// It owns the configurable console/JSON handlers, centralizes level and output
// plumbing, and provides the daemon's error stream: a plain-text writer with a
// fixed prefix that is colored when attached to a terminal. The package also
// provides a no-op logger for tests and wiring code that cannot fail.
//
// Prefer these constructors over hand-rolled slog setup so new components emit
// data with the same shape and routing guarantees as the rest of the system.
package logging
