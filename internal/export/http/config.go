package http

import (
	"errors"
	"fmt"
	"time"
)

const (
	defaultBatchSize     = 64
	defaultBatchTimeout  = 5 * time.Second
	defaultExportTimeout = 30 * time.Second
	defaultMaxQueueSize  = 4096
)

// Config configures the HTTP snapshot sink. Snapshots are batched and POSTed
// as NDJSON to Address.
type Config struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`

	// Headers are sent with every request, e.g. Authorization: ${SINK_TOKEN}.
	Headers map[string]string `yaml:"headers"`

	// Compression is one of none, gzip, zstd, zlib or snappy. Defaults to gzip.
	Compression string `yaml:"compression"`

	// BatchSize caps the snapshots per request. Defaults to 64.
	BatchSize int `yaml:"batch_size"`

	// BatchTimeout is how long a partial batch waits before it is sent.
	// Defaults to 5s.
	BatchTimeout time.Duration `yaml:"batch_timeout"`

	// ExportTimeout bounds one POST. Defaults to 30s.
	ExportTimeout time.Duration `yaml:"export_timeout"`

	// MaxQueueSize bounds buffered snapshots; writes beyond it are dropped.
	// Defaults to 4096.
	MaxQueueSize int `yaml:"max_queue_size"`
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.Compression == "" {
		c.Compression = CompressionGzip
	}

	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}

	if c.BatchTimeout <= 0 {
		c.BatchTimeout = defaultBatchTimeout
	}

	if c.ExportTimeout <= 0 {
		c.ExportTimeout = defaultExportTimeout
	}

	if c.MaxQueueSize <= 0 {
		c.MaxQueueSize = defaultMaxQueueSize
	}
}

// Validate checks an enabled sink. Call it after ApplyDefaults.
func (c *Config) Validate() error {
	if !c.Enabled {
		return nil
	}

	if c.Address == "" {
		return errors.New("snapshot http address is required")
	}

	if _, ok := contentEncodings[c.Compression]; !ok {
		return fmt.Errorf("unknown compression %q", c.Compression)
	}

	if c.BatchSize > c.MaxQueueSize {
		return fmt.Errorf("batch_size %d exceeds max_queue_size %d", c.BatchSize, c.MaxQueueSize)
	}

	return nil
}
