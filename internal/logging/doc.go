// Package logging wraps log/slog with the attribute helpers, component
// loggers, and context plumbing used across the daemon. Handlers support a
// human-oriented console format and a JSON format for files and ingestion;
// retention pruning keeps the daemon log directory bounded.
package logging
