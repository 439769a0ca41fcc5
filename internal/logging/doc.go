// Package logging assembles structured slog loggers and formatting helpers used
// across the importer.
//
// It owns the console and JSON handlers, fans run output to a per-run JSON log
// file, and exposes context-aware helpers so phase code can tag log lines with
// run identifiers, phases, and work item keys. The package also provides a
// no-op logger for tests and wiring code that cannot fail.
package logging
