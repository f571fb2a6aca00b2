// Package config loads, normalizes, and validates the TOML configuration
// shared by the daemon, CLI, and encoder agent. Defaults live in
// defaults.go; sample_config.toml is embedded for `conveyor config init`.
package config
