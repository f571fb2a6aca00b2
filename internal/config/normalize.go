package config

import (
	"fmt"
	"os"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	if err := c.normalizeDelivery(); err != nil {
		return err
	}
	if err := c.normalizeSearch(); err != nil {
		return err
	}
	c.normalizeDispatch()
	c.normalizeNotifications()
	c.normalizeLogging()
	return nil
}

func (c *Config) normalizePaths() error {
	var err error
	if c.Paths.StagingDir, err = expandPath(c.Paths.StagingDir); err != nil {
		return fmt.Errorf("paths.staging_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.TemplatesDir) == "" {
		c.Paths.TemplatesDir = defaultTemplatesDir
	}
	if c.Paths.TemplatesDir, err = expandPath(c.Paths.TemplatesDir); err != nil {
		return fmt.Errorf("paths.templates_dir: %w", err)
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	c.Paths.APIBind = strings.TrimSpace(c.Paths.APIBind)
	if c.Paths.APIBind == "" {
		c.Paths.APIBind = defaultAPIBind
	}
	return nil
}

func (c *Config) normalizeDelivery() error {
	if c.Delivery.Workers <= 0 {
		c.Delivery.Workers = defaultDeliveryWorkers
	}
	for i := range c.Delivery.Targets {
		target := &c.Delivery.Targets[i]
		target.Name = strings.TrimSpace(target.Name)
		target.Type = strings.ToLower(strings.TrimSpace(target.Type))
		if target.Type == "" {
			target.Type = "local"
		}
		if strings.TrimSpace(target.Root) != "" {
			expanded, err := expandPath(target.Root)
			if err != nil {
				return fmt.Errorf("delivery.targets[%d].root: %w", i, err)
			}
			target.Root = expanded
		}
		if len(target.Profiles) == 0 {
			target.Profiles = []string{"default"}
		}
		profiles := make([]string, 0, len(target.Profiles))
		seen := make(map[string]struct{}, len(target.Profiles))
		for _, profile := range target.Profiles {
			normalized := strings.ToLower(strings.TrimSpace(profile))
			if normalized == "" {
				continue
			}
			if _, exists := seen[normalized]; exists {
				continue
			}
			seen[normalized] = struct{}{}
			profiles = append(profiles, normalized)
		}
		if len(profiles) == 0 {
			profiles = []string{"default"}
		}
		target.Profiles = profiles
	}
	return nil
}

func (c *Config) normalizeSearch() error {
	c.Search.Provider = strings.ToLower(strings.TrimSpace(c.Search.Provider))
	if c.Search.Provider == "" {
		c.Search.Provider = defaultSearchProvider
	}
	if strings.TrimSpace(c.Search.DropDir) != "" {
		expanded, err := expandPath(c.Search.DropDir)
		if err != nil {
			return fmt.Errorf("search.drop_dir: %w", err)
		}
		c.Search.DropDir = expanded
	}
	if c.Search.RequestTimeout <= 0 {
		c.Search.RequestTimeout = defaultSearchTimeout
	}
	return nil
}

func (c *Config) normalizeDispatch() {
	if c.Dispatch.HeartbeatInterval <= 0 {
		c.Dispatch.HeartbeatInterval = defaultDispatchHeartbeat
	}
	if c.Dispatch.HeartbeatTimeout <= 0 {
		c.Dispatch.HeartbeatTimeout = defaultDispatchHBTimeout
	}
	if c.Dispatch.WriteTimeout <= 0 {
		c.Dispatch.WriteTimeout = defaultDispatchWriteWait
	}
	if c.Dispatch.AuthToken == "" {
		if value, ok := os.LookupEnv("CONVEYOR_DISPATCH_TOKEN"); ok {
			c.Dispatch.AuthToken = strings.TrimSpace(value)
		}
	}
}

func (c *Config) normalizeNotifications() {
	c.Notifications.NtfyTopic = strings.TrimSpace(c.Notifications.NtfyTopic)
	if c.Notifications.RequestTimeout <= 0 {
		c.Notifications.RequestTimeout = defaultNotifyTimeout
	}
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = defaultLogFormat
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
	if c.Logging.RetentionDays < 0 {
		c.Logging.RetentionDays = 0
	}
}
