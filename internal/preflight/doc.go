// Package preflight provides startup readiness checks for the directories,
// templates, and delivery targets the daemon depends on.
//
// The daemon runs RunAll once at startup and logs failures as warnings; the
// CLI "conveyor status" command renders the same checks so an operator can
// diagnose a misconfigured install without starting the daemon.
package preflight
