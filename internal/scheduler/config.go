package scheduler

import (
	"errors"
	"time"
)

// Config configures a batch scheduler.
type Config struct {
	// Workers bounds concurrent fetches per batch. Defaults to 2.
	Workers int `yaml:"workers"`

	// Retry configures per-address retries.
	Retry RetryConfig `yaml:"retry"`
}

// RetryConfig configures capped exponential backoff.
type RetryConfig struct {
	// MaxAttempts includes the first attempt. Defaults to 3.
	MaxAttempts int `yaml:"max_attempts"`

	// InitialInterval is the first backoff delay. Defaults to 200ms.
	InitialInterval time.Duration `yaml:"initial_interval"`

	// MaxInterval caps the backoff delay. Defaults to 5s.
	MaxInterval time.Duration `yaml:"max_interval"`
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.Workers == 0 {
		c.Workers = 2
	}

	if c.Retry.MaxAttempts == 0 {
		c.Retry.MaxAttempts = 3
	}

	if c.Retry.InitialInterval == 0 {
		c.Retry.InitialInterval = 200 * time.Millisecond
	}

	if c.Retry.MaxInterval == 0 {
		c.Retry.MaxInterval = 5 * time.Second
	}
}

// Validate checks the scheduler configuration.
func (c *Config) Validate() error {
	if c.Workers <= 0 {
		return errors.New("workers must be > 0")
	}

	if c.Retry.MaxAttempts <= 0 {
		return errors.New("retry.max_attempts must be > 0")
	}

	if c.Retry.MaxInterval < c.Retry.InitialInterval {
		return errors.New("retry.max_interval must be >= retry.initial_interval")
	}

	return nil
}
