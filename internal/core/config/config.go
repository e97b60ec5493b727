package config

import (
	"fmt"
	"time"

	redisclient "loyaltyd/internal/infra/redis"
	"loyaltyd/internal/infra/storage/postgres"
	"loyaltyd/internal/queue"
)

// AppConfig represents the top-level configuration.
type AppConfig struct {
	Server   ServerConfig       `yaml:"server"`
	Redis    redisclient.Config `yaml:"redis"`
	Database postgres.Config    `yaml:"database"`
	Queue    QueueConfig        `yaml:"queue"`
	Workers  WorkersConfig      `yaml:"workers"`
	Retry    RetryConfig        `yaml:"retry"`
	Logging  LoggingConfig      `yaml:"logging"`
}

// ServerConfig holds the health/metrics HTTP server settings.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// WorkersConfig sets per-queue worker concurrency.
type WorkersConfig struct {
	Loyalty int `yaml:"loyalty"`
}

// QueueConfig holds the job queue manager settings.
type QueueConfig struct {
	PollInterval    Duration `yaml:"poll_interval"`
	PromoteInterval Duration `yaml:"promote_interval"`
	PruneInterval   Duration `yaml:"prune_interval"`
	DefaultAttempts int      `yaml:"default_attempts"`
	RetryBaseDelay  Duration `yaml:"retry_base_delay"`
}

// Manager converts the YAML settings into a queue.Config. Zero fields
// fall back to the manager defaults.
func (q QueueConfig) Manager() queue.Config {
	return queue.Config{
		PollInterval:    q.PollInterval.Std(),
		PromoteInterval: q.PromoteInterval.Std(),
		PruneInterval:   q.PruneInterval.Std(),
		DefaultAttempts: q.DefaultAttempts,
		RetryBaseDelay:  q.RetryBaseDelay.Std(),
	}
}

// RetryConfig holds defaults for transactional retries.
type RetryConfig struct {
	MaxAttempts  int      `yaml:"max_attempts"`
	InitialDelay Duration `yaml:"initial_delay"`
}

// Tx converts the section into the transaction retry defaults.
func (r RetryConfig) Tx() postgres.RetryDefaults {
	return postgres.RetryDefaults{
		MaxAttempts:  r.MaxAttempts,
		InitialDelay: r.InitialDelay.Std(),
	}
}

// Duration wraps time.Duration so YAML values like "500ms" or "10s"
// parse, which yaml.v2 does not do for time.Duration directly.
type Duration time.Duration

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}
