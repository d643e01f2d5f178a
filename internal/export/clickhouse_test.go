package export

import (
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClickHouseConfig_Defaults(t *testing.T) {
	cfg := ClickHouseConfig{}
	cfg.ApplyDefaults()

	assert.Equal(t, "default", cfg.Database)
	assert.Equal(t, "metric_snapshots", cfg.Table)
	assert.Equal(t, 256, cfg.BatchSize)
	assert.Equal(t, 10*time.Second, cfg.FlushInterval)
	assert.Equal(t, 4096, cfg.MaxQueueSize)
}

func TestClickHouseConfig_Validate(t *testing.T) {
	disabled := ClickHouseConfig{}
	assert.NoError(t, disabled.Validate())

	missing := ClickHouseConfig{Enabled: true}
	missing.ApplyDefaults()
	assert.ErrorContains(t, missing.Validate(), "endpoint")

	ok := ClickHouseConfig{Enabled: true, Endpoint: "localhost:9000"}
	ok.ApplyDefaults()
	assert.NoError(t, ok.Validate())
}

func TestClickHouseConfig_MigrationDSN(t *testing.T) {
	cfg := ClickHouseConfig{
		Endpoint: "clickhouse:9000",
		Database: "supply",
		Username: "writer",
		Password: "p@ss word",
	}

	dsn, err := url.Parse(cfg.MigrationDSN())
	require.NoError(t, err)

	assert.Equal(t, "clickhouse", dsn.Scheme)
	assert.Equal(t, "clickhouse:9000", dsn.Host)
	assert.Equal(t, "supply", dsn.Query().Get("database"))
	assert.Equal(t, "writer", dsn.Query().Get("username"))
	assert.Equal(t, "p@ss word", dsn.Query().Get("password"))
}

func TestClickHouseWriter_TableAndStopWithoutStart(t *testing.T) {
	w := NewClickHouseWriter(testLog(), ClickHouseConfig{Database: "supply"})

	assert.Equal(t, "supply.metric_snapshots", w.Table())
	assert.Nil(t, w.Conn())
	assert.NoError(t, w.Stop())
}
