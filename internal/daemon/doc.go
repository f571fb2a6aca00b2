// Package daemon coordinates the long-running Conveyor process.
//
// It wires the store, workflow executor, worker dispatcher, delivery queue,
// and breaker registry into a single lifecycle with flock-based locking to
// prevent multiple instances. The daemon exposes the operator facade used by
// the IPC layer, serves the loopback HTTP API (status, executions, encoders,
// Prometheus metrics, and the websocket endpoint workers connect to), and
// owns notifications triggered by encoder fleet events.
//
// Keep orchestration logic here: individual workflow steps live in their
// respective packages while the daemon focuses on startup, shutdown, and
// high level coordination.
package daemon
