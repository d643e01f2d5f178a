package api

import (
	"errors"
	"time"
)

// Config configures the public metric API.
type Config struct {
	// Addr is the listen address. Defaults to ":3000".
	Addr string `yaml:"addr"`
	// ReadTimeout bounds reading a request. Defaults to 10s.
	ReadTimeout time.Duration `yaml:"read_timeout"`
	// WriteTimeout bounds writing a response, including any metric
	// computation it waits on. Defaults to 60s.
	WriteTimeout time.Duration `yaml:"write_timeout"`
	// RateLimit throttles each client.
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

// RateLimitConfig configures the per-client inbound token bucket.
type RateLimitConfig struct {
	// Enabled turns the limiter on. Defaults to true via DefaultConfig.
	Enabled bool `yaml:"enabled"`
	// RequestsPerSecond is the sustained rate per client.
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	// Burst is the bucket size per client.
	Burst int `yaml:"burst"`
	// MaxClients bounds the limiter table. Least recently seen clients are
	// evicted first.
	MaxClients int `yaml:"max_clients"`
}

// DefaultConfig returns the default API configuration.
func DefaultConfig() Config {
	return Config{
		Addr:         ":3000",
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 60 * time.Second,
		RateLimit: RateLimitConfig{
			Enabled:           true,
			RequestsPerSecond: 10,
			Burst:             20,
			MaxClients:        10000,
		},
	}
}

// ApplyDefaults fills zero values.
func (c *Config) ApplyDefaults() {
	def := DefaultConfig()

	if c.Addr == "" {
		c.Addr = def.Addr
	}

	if c.ReadTimeout <= 0 {
		c.ReadTimeout = def.ReadTimeout
	}

	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}

	if c.RateLimit.RequestsPerSecond <= 0 {
		c.RateLimit.RequestsPerSecond = def.RateLimit.RequestsPerSecond
	}

	if c.RateLimit.Burst <= 0 {
		c.RateLimit.Burst = def.RateLimit.Burst
	}

	if c.RateLimit.MaxClients <= 0 {
		c.RateLimit.MaxClients = def.RateLimit.MaxClients
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return errors.New("api: addr is required")
	}

	if c.RateLimit.Enabled && c.RateLimit.Burst < 1 {
		return errors.New("api: rate_limit.burst must be at least 1")
	}

	return nil
}
