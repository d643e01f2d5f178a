package explorer

import (
	"errors"
	"time"
)

// Config configures the block-explorer token balance client.
type Config struct {
	// Endpoint is the explorer API base URL,
	// e.g. "https://api.basescan.org/api".
	Endpoint string `yaml:"endpoint"`

	// APIKey is the explorer API key. Usually set via ${ENV} expansion.
	APIKey string `yaml:"api_key"`

	// Contract is the token contract address.
	Contract string `yaml:"contract"`

	// Decimals is the token's decimal places. Defaults to 18.
	Decimals int32 `yaml:"decimals"`

	// Timeout bounds a single HTTP request. Defaults to 10s.
	Timeout time.Duration `yaml:"timeout"`
}

// Validate checks the explorer configuration.
func (c *Config) Validate() error {
	if c.Endpoint == "" {
		return errors.New("endpoint is required")
	}

	if c.APIKey == "" {
		return errors.New("api_key is required")
	}

	if c.Contract == "" {
		return errors.New("contract is required")
	}

	if c.Decimals < 0 || c.Decimals > 77 {
		return errors.New("decimals must be between 0 and 77")
	}

	return nil
}
