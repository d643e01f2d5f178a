package service

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/ethpandaops/supplyoor/internal/api"
	"github.com/ethpandaops/supplyoor/internal/explorer"
	"github.com/ethpandaops/supplyoor/internal/export"
	"github.com/ethpandaops/supplyoor/internal/metric"
	"github.com/ethpandaops/supplyoor/internal/ratelimit"
	"github.com/ethpandaops/supplyoor/internal/rpc"
	"github.com/ethpandaops/supplyoor/internal/scheduler"
	"github.com/ethpandaops/supplyoor/internal/snapshot"
)

const (
	// defaultTokenContract is the token whose supply the default metric reports.
	defaultTokenContract = "0x21eceaf3bf88ef0797e3927d855ca5bb569a47fc"
	// burnWallet holds tokens removed from circulation.
	burnWallet = "0x0000000000000000000000000000000000000000"
	// maxSupply is the token's fixed total supply in whole units.
	maxSupply = "100000000"
)

// Config is the top-level configuration for the supplyoor service.
type Config struct {
	// LogLevel sets the logging verbosity (debug, info, warn, error).
	LogLevel string `yaml:"log_level"`

	// Health configures the Prometheus health metrics server.
	Health export.HealthConfig `yaml:"health"`

	// API configures the public metric endpoints.
	API api.Config `yaml:"api"`

	// Explorer configures the block-explorer balance upstream.
	Explorer explorer.Config `yaml:"explorer"`

	// RPC configures the JSON-RPC contract read upstream.
	RPC rpc.Config `yaml:"rpc"`

	// RateLimits configures the outbound budget of each upstream.
	RateLimits RateLimitsConfig `yaml:"rate_limits"`

	// Scheduler configures batch workers and retries, shared by both
	// upstreams.
	Scheduler scheduler.Config `yaml:"scheduler"`

	// Metrics are the derived metrics to serve.
	Metrics []metric.Config `yaml:"metrics"`

	// Snapshot configures export of computed values.
	Snapshot snapshot.Config `yaml:"snapshot"`
}

// RateLimitsConfig holds one request budget per upstream.
type RateLimitsConfig struct {
	Explorer ratelimit.Config `yaml:"explorer"`
	RPC      ratelimit.Config `yaml:"rpc"`
}

// UpstreamConfigError reports an unusable configuration value. It is fatal
// at startup.
type UpstreamConfigError struct {
	Field  string
	Reason string
}

func (e *UpstreamConfigError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func configError(field string, err error) error {
	return &UpstreamConfigError{Field: field, Reason: err.Error()}
}

// DefaultConfig returns a Config serving the circulating supply of the
// default token from BaseScan.
func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		Health: export.HealthConfig{
			Addr: ":9090",
		},
		API: api.DefaultConfig(),
		Explorer: explorer.Config{
			Endpoint: "https://api.basescan.org/api",
			Contract: defaultTokenContract,
			Decimals: 18,
		},
		Metrics: []metric.Config{
			{
				Name:        "circulating-supply",
				ResponseKey: "circulatingSupply",
				Reducer:     metric.KindDifferenceFromConstant,
				Constant:    maxSupply,
				Address:     burnWallet,
			},
		},
	}
}

// ReadConfig parses a YAML configuration file over DefaultConfig without
// validating it. ${VAR} references are expanded from the environment before
// parsing.
func ReadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}

	cfg := DefaultConfig()

	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	return cfg, nil
}

// LoadConfig reads and validates a YAML configuration file.
func LoadConfig(path string) (*Config, error) {
	cfg, err := ReadConfig(path)
	if err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Validate checks the configuration for required fields and consistency.
// Upstreams are only validated when a metric uses them.
func (c *Config) Validate() error {
	if len(c.Metrics) == 0 {
		return &UpstreamConfigError{Field: "metrics", Reason: "at least one metric is required"}
	}

	if err := c.API.Validate(); err != nil {
		return configError("api", err)
	}

	sched := c.Scheduler
	sched.ApplyDefaults()

	if err := sched.Validate(); err != nil {
		return configError("scheduler", err)
	}

	if err := c.Snapshot.Validate(); err != nil {
		return configError("snapshot", err)
	}

	if err := c.RPC.Validate(); err != nil {
		return configError("rpc", err)
	}

	reads := make(map[string]struct{}, len(c.RPC.Reads))
	for _, read := range c.RPC.Reads {
		reads[read.ID] = struct{}{}
	}

	var usesExplorer, usesRPC bool

	for i, mc := range c.Metrics {
		field := fmt.Sprintf("metrics[%d]", i)

		def, err := metric.NewDefinition(mc)
		if err != nil {
			return configError(field, err)
		}

		switch def.Upstream {
		case metric.UpstreamExplorer:
			usesExplorer = true
		case metric.UpstreamRPC:
			usesRPC = true

			for _, key := range def.Reducer.Keys() {
				if _, ok := reads[key]; !ok {
					return &UpstreamConfigError{
						Field:  field,
						Reason: fmt.Sprintf("unknown rpc read %q", key),
					}
				}
			}
		}
	}

	if usesExplorer {
		if err := c.Explorer.Validate(); err != nil {
			return configError("explorer", err)
		}

		if err := validateBudget(c.RateLimits.Explorer); err != nil {
			return configError("rate_limits.explorer", err)
		}
	}

	if usesRPC {
		if c.RPC.Endpoint == "" {
			return &UpstreamConfigError{Field: "rpc.endpoint", Reason: "required by rpc metrics"}
		}

		if err := validateBudget(c.RateLimits.RPC); err != nil {
			return configError("rate_limits.rpc", err)
		}
	}

	return nil
}

func validateBudget(cfg ratelimit.Config) error {
	cfg.ApplyDefaults()

	return cfg.Validate()
}
