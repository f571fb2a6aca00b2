// Package services defines shared utilities consumed by step implementations
// and external integrations.
//
// Key responsibilities:
//   - Context helpers that stamp item IDs, execution IDs, step names, and
//     correlation identifiers for logging and tracing.
//   - Structured error markers plus the Wrap helper that translate failures
//     into consistent item statuses (failed vs review).
//
// Use these helpers when wiring new step logic so operational behaviour
// (error handling, observability, retries) stays uniform across the pipeline.
package services
