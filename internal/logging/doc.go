// Package logging sets up structured slog output for bivy processes.
// Logs are JSON lines written to a size-rotated file under ~/.bivy/logs/,
// optionally mirrored to stderr. The CLI writes the file only with --debug;
// otherwise warnings and the worker's events go to stderr.
package logging
