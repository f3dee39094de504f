// Package logging assembles structured slog loggers and formatting helpers used
// across camstitch.
//
// It owns the console and JSON handlers, tees every record into the JSON run
// log under paths.log_dir, and exposes context-aware helpers so stage code can
// tag log lines with run ids, stage names and work unit keys. The package also
// provides a no-op logger for tests and wiring code that cannot fail.
package logging
