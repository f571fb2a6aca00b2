// Package notifications delivers pipeline events via ntfy.
//
// The default implementation publishes to the topic configured in
// config.toml and gracefully degrades to a no-op when no topic is set.
// Enumerated event types cover the major pipeline milestones so callers emit
// consistent, user-friendly messages without duplicating HTTP glue, and each
// event class (request completion, request failure, encoder fleet changes,
// review routing) can be suppressed individually.
//
// Extend this package if you need alternative transports; all workflow code
// depends only on the simple Service interface.
package notifications
