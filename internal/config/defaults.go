package config

const (
	defaultStagingDir         = "~/.local/share/conveyor/staging"
	defaultTemplatesDir       = "~/.config/conveyor/templates"
	defaultLogDir             = "~/.local/share/conveyor/logs"
	defaultAPIBind            = "127.0.0.1:7817"
	defaultLogFormat          = "console"
	defaultLogLevel           = "info"
	defaultLogRetentionDays   = 60
	defaultTemplate           = "standard"
	defaultMaxExecutions      = 4
	defaultQueuePollInterval  = 5
	defaultHeartbeatInterval  = 15
	defaultHeartbeatTimeout   = 120
	defaultSearchInterval     = 900
	defaultRetrySweepSchedule = "*/1 * * * *"
	defaultRetryMaxAttempts   = 5
	defaultBackoffBaseSeconds = 30
	defaultBackoffMaxSeconds  = 3600
	defaultBackoffFactor      = 2.0
	defaultFailureThreshold   = 3
	defaultSuccessThreshold   = 2
	defaultCooldownSeconds    = 300
	defaultDispatchHeartbeat  = 10
	defaultDispatchHBTimeout  = 45
	defaultDispatchWriteWait  = 10
	defaultDeliveryWorkers    = 2
	defaultSearchProvider     = "dropdir"
	defaultSearchTimeout      = 30
	defaultNotifyTimeout      = 10
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			StagingDir:   defaultStagingDir,
			TemplatesDir: defaultTemplatesDir,
			LogDir:       defaultLogDir,
			APIBind:      defaultAPIBind,
		},
		Workflow: Workflow{
			DefaultTemplate:         defaultTemplate,
			MaxConcurrentExecutions: defaultMaxExecutions,
			QueuePollInterval:       defaultQueuePollInterval,
			HeartbeatInterval:       defaultHeartbeatInterval,
			HeartbeatTimeout:        defaultHeartbeatTimeout,
			SearchInterval:          defaultSearchInterval,
			RetrySweepSchedule:      defaultRetrySweepSchedule,
		},
		Retry: Retry{
			MaxAttempts:        defaultRetryMaxAttempts,
			BackoffBaseSeconds: defaultBackoffBaseSeconds,
			BackoffMaxSeconds:  defaultBackoffMaxSeconds,
			BackoffFactor:      defaultBackoffFactor,
		},
		Breaker: Breaker{
			FailureThreshold: defaultFailureThreshold,
			SuccessThreshold: defaultSuccessThreshold,
			CooldownSeconds:  defaultCooldownSeconds,
		},
		Dispatch: Dispatch{
			HeartbeatInterval: defaultDispatchHeartbeat,
			HeartbeatTimeout:  defaultDispatchHBTimeout,
			WriteTimeout:      defaultDispatchWriteWait,
		},
		Delivery: Delivery{
			Workers: defaultDeliveryWorkers,
		},
		Search: Search{
			Provider:       defaultSearchProvider,
			RequestTimeout: defaultSearchTimeout,
		},
		Notifications: Notifications{
			RequestTimeout:  defaultNotifyTimeout,
			RequestComplete: true,
			RequestFailed:   true,
			EncoderEvents:   true,
			Review:          true,
		},
		Logging: Logging{
			Format:        defaultLogFormat,
			Level:         defaultLogLevel,
			RetentionDays: defaultLogRetentionDays,
		},
	}
}
