package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/Netflix/go-env"
)

const (
	SchedulerModePoll     = "poll"
	SchedulerModeExternal = "external"
)

type Config struct {
	DatabaseDSN string `env:"DATABASE_DSN,required=true"`
	RedisURL    string `env:"REDIS_URL,required=true"`

	// Optional broker for status events; empty disables publishing.
	RabbitMQURL string `env:"RABBITMQ_URL"`

	// Provider credentials. Empty Postmark/Twilio settings route the
	// channel to the webhook sink.
	WebhookURL       string `env:"WEBHOOK_URL"`
	PostmarkToken    string `env:"POSTMARK_SERVER_TOKEN"`
	PostmarkFrom     string `env:"POSTMARK_FROM_EMAIL"`
	TwilioAccountSID string `env:"TWILIO_ACCOUNT_SID"`
	TwilioAuthToken  string `env:"TWILIO_AUTH_TOKEN"`
	TwilioFromNumber string `env:"TWILIO_FROM_NUMBER"`

	SchedulerMode           string `env:"SCHEDULER_MODE,default=poll"`
	PollIntervalSeconds     int    `env:"POLL_INTERVAL_SECONDS,default=5"`
	BatchLimit              int    `env:"BATCH_LIMIT,default=100"`
	DispatchParallelism     int    `env:"DISPATCH_PARALLELISM,default=8"`
	MaxAttempts             int    `env:"MAX_ATTEMPTS,default=5"`
	RetryBaseDelaySeconds   int    `env:"RETRY_BASE_DELAY_SECONDS,default=1"`
	RetryMaxDelaySeconds    int    `env:"RETRY_MAX_DELAY_SECONDS,default=60"`
	ProviderTimeoutSeconds  int    `env:"PROVIDER_TIMEOUT_SECONDS,default=10"`
	RateLimitPerSec         int    `env:"RATE_LIMIT_PER_SEC,default=100"`

	APIPort  int    `env:"API_PORT,default=8080"`
	LogLevel string `env:"LOG_LEVEL,default=info"`
}

func Load() (*Config, error) {
	var cfg Config
	_, err := env.UnmarshalFromEnviron(&cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	cfg.SchedulerMode = strings.ToLower(strings.TrimSpace(cfg.SchedulerMode))
	switch cfg.SchedulerMode {
	case SchedulerModePoll, SchedulerModeExternal:
	default:
		return nil, fmt.Errorf("invalid SCHEDULER_MODE %q: must be %q or %q",
			cfg.SchedulerMode, SchedulerModePoll, SchedulerModeExternal)
	}

	return &cfg, nil
}

func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

func (c *Config) ProviderTimeout() time.Duration {
	return time.Duration(c.ProviderTimeoutSeconds) * time.Second
}

func (c *Config) RetryBaseDelay() time.Duration {
	return time.Duration(c.RetryBaseDelaySeconds) * time.Second
}

func (c *Config) RetryMaxDelay() time.Duration {
	return time.Duration(c.RetryMaxDelaySeconds) * time.Second
}
