package export

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/sirupsen/logrus"
)

// ClickHouseConfig configures the ClickHouse snapshot writer.
type ClickHouseConfig struct {
	// Enabled turns on the ClickHouse sink.
	Enabled bool `yaml:"enabled"`

	// Endpoint is the ClickHouse native protocol address.
	Endpoint string `yaml:"endpoint"`

	// Database is the target database name.
	Database string `yaml:"database"`

	// Table is the snapshot table name. Defaults to "metric_snapshots".
	Table string `yaml:"table"`

	// BatchSize is the number of snapshots per batch insert.
	// Defaults to 256.
	BatchSize int `yaml:"batch_size"`

	// FlushInterval is the maximum time between flushes.
	// Defaults to 10s.
	FlushInterval time.Duration `yaml:"flush_interval"`

	// MaxQueueSize bounds buffered snapshots. Defaults to 4096.
	MaxQueueSize int `yaml:"max_queue_size"`

	// Username for ClickHouse authentication.
	Username string `yaml:"username"`

	// Password for ClickHouse authentication.
	Password string `yaml:"password"`

	// Deployment labels every row, e.g. "base-mainnet".
	Deployment string `yaml:"deployment"`
}

// ApplyDefaults fills unset fields.
func (c *ClickHouseConfig) ApplyDefaults() {
	if c.Database == "" {
		c.Database = "default"
	}

	if c.Table == "" {
		c.Table = "metric_snapshots"
	}

	if c.BatchSize <= 0 {
		c.BatchSize = 256
	}

	if c.FlushInterval <= 0 {
		c.FlushInterval = 10 * time.Second
	}

	if c.MaxQueueSize <= 0 {
		c.MaxQueueSize = 4096
	}
}

// Validate checks the ClickHouse configuration.
func (c *ClickHouseConfig) Validate() error {
	if !c.Enabled {
		return nil
	}

	if c.Endpoint == "" {
		return errors.New("clickhouse endpoint is required when enabled")
	}

	if c.BatchSize > c.MaxQueueSize {
		return errors.New("batch_size cannot be greater than max_queue_size")
	}

	return nil
}

// MigrationDSN returns the clickhouse:// URL golang-migrate connects with.
func (c *ClickHouseConfig) MigrationDSN() string {
	u := url.URL{
		Scheme: "clickhouse",
		Host:   c.Endpoint,
	}

	q := url.Values{}
	q.Set("database", c.Database)

	if c.Username != "" {
		q.Set("username", c.Username)
	}

	if c.Password != "" {
		q.Set("password", c.Password)
	}

	u.RawQuery = q.Encode()

	return u.String()
}

// ClickHouseWriter owns the ClickHouse connection.
type ClickHouseWriter struct {
	log  logrus.FieldLogger
	cfg  ClickHouseConfig
	conn clickhouse.Conn
}

// NewClickHouseWriter creates a new ClickHouse writer.
func NewClickHouseWriter(
	log logrus.FieldLogger,
	cfg ClickHouseConfig,
) *ClickHouseWriter {
	cfg.ApplyDefaults()

	return &ClickHouseWriter{
		log: log.WithField("component", "clickhouse"),
		cfg: cfg,
	}
}

// Start opens and pings the ClickHouse connection.
func (w *ClickHouseWriter) Start(ctx context.Context) error {
	opts := &clickhouse.Options{
		Addr: []string{w.cfg.Endpoint},
		Auth: clickhouse.Auth{
			Database: w.cfg.Database,
			Username: w.cfg.Username,
			Password: w.cfg.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
		MaxOpenConns: 2,
		MaxIdleConns: 1,
	}

	conn, err := clickhouse.Open(opts)
	if err != nil {
		return fmt.Errorf("opening ClickHouse connection: %w", err)
	}

	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()

		return fmt.Errorf("pinging ClickHouse: %w", err)
	}

	w.conn = conn

	w.log.WithFields(logrus.Fields{
		"endpoint": w.cfg.Endpoint,
		"table":    w.Table(),
	}).Info("ClickHouse writer connected")

	return nil
}

// Conn returns the underlying ClickHouse connection.
func (w *ClickHouseWriter) Conn() clickhouse.Conn {
	return w.conn
}

// Config returns the writer configuration.
func (w *ClickHouseWriter) Config() ClickHouseConfig {
	return w.cfg
}

// Table returns the fully qualified snapshot table.
func (w *ClickHouseWriter) Table() string {
	return fmt.Sprintf("%s.%s", w.cfg.Database, w.cfg.Table)
}

// Stop closes the ClickHouse connection.
func (w *ClickHouseWriter) Stop() error {
	if w.conn != nil {
		return w.conn.Close()
	}

	return nil
}
