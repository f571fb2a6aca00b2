package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/robfig/cron/v3"
)

var sweepScheduleParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateWorkflow(); err != nil {
		return err
	}
	if err := c.validateRetry(); err != nil {
		return err
	}
	if err := c.validateBreaker(); err != nil {
		return err
	}
	if err := c.validateDispatch(); err != nil {
		return err
	}
	if err := c.validateDelivery(); err != nil {
		return err
	}
	if err := c.validateSearch(); err != nil {
		return err
	}
	if err := c.validateLogging(); err != nil {
		return err
	}
	return nil
}

func (c *Config) validateWorkflow() error {
	if strings.TrimSpace(c.Workflow.DefaultTemplate) == "" {
		return errors.New("workflow.default_template must be set")
	}
	if err := ensurePositiveMap(map[string]int{
		"workflow.max_concurrent_executions": c.Workflow.MaxConcurrentExecutions,
		"workflow.queue_poll_interval":       c.Workflow.QueuePollInterval,
		"workflow.search_interval":           c.Workflow.SearchInterval,
	}); err != nil {
		return err
	}
	if c.Workflow.HeartbeatInterval <= 0 {
		return errors.New("workflow.heartbeat_interval must be positive")
	}
	if c.Workflow.HeartbeatTimeout <= 0 {
		return errors.New("workflow.heartbeat_timeout must be positive")
	}
	if c.Workflow.HeartbeatTimeout <= c.Workflow.HeartbeatInterval {
		return errors.New("workflow.heartbeat_timeout must be greater than workflow.heartbeat_interval")
	}
	if schedule := strings.TrimSpace(c.Workflow.RetrySweepSchedule); schedule != "" {
		if _, err := sweepScheduleParser.Parse(schedule); err != nil {
			return fmt.Errorf("workflow.retry_sweep_schedule: %w", err)
		}
	}
	return nil
}

func (c *Config) validateRetry() error {
	if err := ensurePositiveMap(map[string]int{
		"retry.max_attempts":         c.Retry.MaxAttempts,
		"retry.backoff_base_seconds": c.Retry.BackoffBaseSeconds,
		"retry.backoff_max_seconds":  c.Retry.BackoffMaxSeconds,
	}); err != nil {
		return err
	}
	if c.Retry.BackoffFactor < 1 {
		return errors.New("retry.backoff_factor must be at least 1")
	}
	if c.Retry.BackoffMaxSeconds < c.Retry.BackoffBaseSeconds {
		return errors.New("retry.backoff_max_seconds must be >= retry.backoff_base_seconds")
	}
	return nil
}

func (c *Config) validateBreaker() error {
	return ensurePositiveMap(map[string]int{
		"breaker.failure_threshold": c.Breaker.FailureThreshold,
		"breaker.success_threshold": c.Breaker.SuccessThreshold,
		"breaker.cooldown_seconds":  c.Breaker.CooldownSeconds,
	})
}

func (c *Config) validateDispatch() error {
	if err := ensurePositiveMap(map[string]int{
		"dispatch.heartbeat_interval": c.Dispatch.HeartbeatInterval,
		"dispatch.heartbeat_timeout":  c.Dispatch.HeartbeatTimeout,
		"dispatch.write_timeout":      c.Dispatch.WriteTimeout,
	}); err != nil {
		return err
	}
	if c.Dispatch.HeartbeatTimeout <= c.Dispatch.HeartbeatInterval {
		return errors.New("dispatch.heartbeat_timeout must be greater than dispatch.heartbeat_interval")
	}
	return nil
}

func (c *Config) validateDelivery() error {
	if c.Delivery.Workers <= 0 {
		return errors.New("delivery.workers must be positive")
	}
	seen := make(map[string]struct{}, len(c.Delivery.Targets))
	for i, target := range c.Delivery.Targets {
		if target.Name == "" {
			return fmt.Errorf("delivery.targets[%d].name must be set", i)
		}
		if _, dup := seen[target.Name]; dup {
			return fmt.Errorf("delivery.targets: duplicate name %q", target.Name)
		}
		seen[target.Name] = struct{}{}
		switch target.Type {
		case "local":
			if strings.TrimSpace(target.Root) == "" {
				return fmt.Errorf("delivery.targets[%d].root must be set for local targets", i)
			}
		default:
			return fmt.Errorf("delivery.targets[%d].type: unsupported value %q", i, target.Type)
		}
	}
	return nil
}

func (c *Config) validateSearch() error {
	switch c.Search.Provider {
	case "dropdir":
		if strings.TrimSpace(c.Search.DropDir) == "" {
			return errors.New("search.drop_dir must be set when search.provider is dropdir")
		}
	case "stub":
	default:
		return fmt.Errorf("search.provider: unsupported value %q", c.Search.Provider)
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format: unsupported value %q", c.Logging.Format)
	}
	return nil
}

func ensurePositiveMap(values map[string]int) error {
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		if values[key] <= 0 {
			return fmt.Errorf("%s must be positive", key)
		}
	}
	return nil
}
