package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory and bind address configuration.
type Paths struct {
	StagingDir   string `toml:"staging_dir"`
	TemplatesDir string `toml:"templates_dir"`
	LogDir       string `toml:"log_dir"`
	APIBind      string `toml:"api_bind"`
}

// Workflow contains configuration for executor timing and capacity.
type Workflow struct {
	DefaultTemplate         string `toml:"default_template"`
	MaxConcurrentExecutions int    `toml:"max_concurrent_executions"`
	QueuePollInterval       int    `toml:"queue_poll_interval"`
	HeartbeatInterval       int    `toml:"heartbeat_interval"`
	HeartbeatTimeout        int    `toml:"heartbeat_timeout"`
	SearchInterval          int    `toml:"search_interval"`
	RetrySweepSchedule      string `toml:"retry_sweep_schedule"`
}

// Retry contains the backoff policy applied to retryable step failures.
type Retry struct {
	MaxAttempts        int     `toml:"max_attempts"`
	BackoffBaseSeconds int     `toml:"backoff_base_seconds"`
	BackoffMaxSeconds  int     `toml:"backoff_max_seconds"`
	BackoffFactor      float64 `toml:"backoff_factor"`
}

// Breaker contains circuit breaker thresholds shared by all external services.
type Breaker struct {
	FailureThreshold int `toml:"failure_threshold"`
	SuccessThreshold int `toml:"success_threshold"`
	CooldownSeconds  int `toml:"cooldown_seconds"`
}

// Dispatch contains configuration for the encoder dispatcher.
type Dispatch struct {
	HeartbeatInterval int    `toml:"heartbeat_interval"`
	HeartbeatTimeout  int    `toml:"heartbeat_timeout"`
	WriteTimeout      int    `toml:"write_timeout"`
	AuthToken         string `toml:"auth_token"`
}

// DeliveryTarget describes one place finished artifacts are shipped to.
type DeliveryTarget struct {
	Name     string   `toml:"name"`
	Type     string   `toml:"type"`
	Root     string   `toml:"root"`
	Profiles []string `toml:"profiles"`
}

// Delivery contains the delivery queue pool size and its targets.
type Delivery struct {
	Workers int              `toml:"workers"`
	Targets []DeliveryTarget `toml:"targets"`
}

// Search contains configuration for the search and download backends.
type Search struct {
	Provider       string `toml:"provider"`
	DropDir        string `toml:"drop_dir"`
	RequestTimeout int    `toml:"request_timeout"`
}

// Notifications contains configuration for ntfy push notifications.
type Notifications struct {
	NtfyTopic       string `toml:"ntfy_topic"`
	RequestTimeout  int    `toml:"request_timeout"`
	RequestComplete bool   `toml:"request_complete"`
	RequestFailed   bool   `toml:"request_failed"`
	EncoderEvents   bool   `toml:"encoder_events"`
	Review          bool   `toml:"review"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format        string `toml:"format"`
	Level         string `toml:"level"`
	RetentionDays int    `toml:"retention_days"`
}

// Config encapsulates all configuration values for Conveyor.
//
// Configuration sections by subsystem:
//   - Paths: directories and API bind address
//   - Workflow: executor capacity, polling, heartbeats, sweep schedule
//   - Retry: backoff policy for retryable step failures
//   - Breaker: circuit breaker thresholds
//   - Dispatch: encoder dispatcher socket settings
//   - Delivery: delivery pool size and targets
//   - Search: search/download backend settings
//   - Notifications: ntfy push notification settings
//   - Logging: log format, level, and retention
type Config struct {
	Paths         Paths         `toml:"paths"`
	Workflow      Workflow      `toml:"workflow"`
	Retry         Retry         `toml:"retry"`
	Breaker       Breaker       `toml:"breaker"`
	Dispatch      Dispatch      `toml:"dispatch"`
	Delivery      Delivery      `toml:"delivery"`
	Search        Search        `toml:"search"`
	Notifications Notifications `toml:"notifications"`
	Logging       Logging       `toml:"logging"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/conveyor/config.toml")
}

// Load locates, parses, and validates a configuration file. The returned
// config has all path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := DefaultConfigPath()
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("conveyor.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates required directories for daemon operation.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.StagingDir, c.Paths.LogDir, c.Paths.TemplatesDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	for _, target := range c.Delivery.Targets {
		if target.Type != "local" || strings.TrimSpace(target.Root) == "" {
			continue
		}
		// Best-effort so the daemon can start while external storage is offline.
		_ = os.MkdirAll(target.Root, 0o755)
	}
	return nil
}

// DatabasePath returns the sqlite database location under the log directory.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.Paths.LogDir, "conveyor.db")
}

// HeartbeatIntervalDuration returns the executor heartbeat cadence.
func (c *Config) HeartbeatIntervalDuration() time.Duration {
	return time.Duration(c.Workflow.HeartbeatInterval) * time.Second
}

// HeartbeatTimeoutDuration returns the stale-execution cutoff.
func (c *Config) HeartbeatTimeoutDuration() time.Duration {
	return time.Duration(c.Workflow.HeartbeatTimeout) * time.Second
}

// SearchIntervalDuration returns the fixed re-search cadence for items in
// the long-lived searching state.
func (c *Config) SearchIntervalDuration() time.Duration {
	return time.Duration(c.Workflow.SearchInterval) * time.Second
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
