// Package ipc exposes daemon control to the CLI as JSON-RPC over a Unix
// domain socket. The service surface mirrors the daemon facade: lifecycle
// (start/stop/status), request and execution management, encoder and breaker
// inspection, template listing, and log tailing.
package ipc
