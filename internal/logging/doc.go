// Package logging builds the application's slog loggers and provides the
// attribute helpers used across spool.
package logging
