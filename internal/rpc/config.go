package rpc

import (
	"errors"
	"fmt"
	"time"
)

// Config configures the JSON-RPC contract reader.
type Config struct {
	// Endpoint is the JSON-RPC HTTP endpoint of an execution node.
	Endpoint string `yaml:"endpoint"`

	// Timeout bounds a single eth_call. Defaults to 10s.
	Timeout time.Duration `yaml:"timeout"`

	// Reads are the contract reads metrics may reference by ID.
	Reads []ReadConfig `yaml:"reads"`
}

// ReadConfig describes a single view-function call.
type ReadConfig struct {
	// ID is the key metrics use to reference this read.
	ID string `yaml:"id"`

	// Contract is the address the call is sent to.
	Contract string `yaml:"contract"`

	// Function is the Solidity signature, e.g. "balanceOf(address)".
	Function string `yaml:"function"`

	// Args are the call arguments as strings, one per parameter.
	Args []string `yaml:"args"`

	// Decimals is applied to the returned uint256. Defaults to 18.
	Decimals *int32 `yaml:"decimals"`
}

// Validate checks the reader configuration.
func (c *Config) Validate() error {
	if len(c.Reads) == 0 {
		return nil
	}

	if c.Endpoint == "" {
		return errors.New("endpoint is required when reads are configured")
	}

	seen := make(map[string]struct{}, len(c.Reads))

	for i, read := range c.Reads {
		if read.ID == "" {
			return fmt.Errorf("reads[%d]: id is required", i)
		}

		if _, ok := seen[read.ID]; ok {
			return fmt.Errorf("reads[%d]: duplicate id %q", i, read.ID)
		}

		seen[read.ID] = struct{}{}

		if _, err := NewCall(read); err != nil {
			return fmt.Errorf("reads[%d] (%s): %w", i, read.ID, err)
		}
	}

	return nil
}
