// Package steps holds the builtin step implementations that have no
// subsystem of their own (transcode fronts the worker dispatcher, notify
// fronts the notification service) and the wiring that registers all five
// builtin types at daemon startup.
package steps
