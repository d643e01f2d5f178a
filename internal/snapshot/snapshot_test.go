package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/supplyoor/internal/export"
	httpexport "github.com/ethpandaops/supplyoor/internal/export/http"
)

func testLog() logrus.FieldLogger {
	log := logrus.New()
	log.SetLevel(logrus.DebugLevel)

	return log
}

func testSnapshot() *Snapshot {
	return &Snapshot{
		Metric:     "circulating-supply",
		Value:      "99999999.5",
		ValueFloat: 99999999.5,
		Precision:  18,
		TTL:        5 * time.Minute,
		Samples:    1,
		Duration:   120 * time.Millisecond,
		ComputedAt: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

type fakeSink struct {
	name     string
	writeErr error

	mu      sync.Mutex
	written []*Snapshot
	started bool
	stopped bool
}

func (f *fakeSink) Name() string { return f.name }

func (f *fakeSink) Start(context.Context) error {
	f.started = true

	return nil
}

func (f *fakeSink) Write(_ context.Context, snapshots []*Snapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.writeErr != nil {
		return f.writeErr
	}

	f.written = append(f.written, snapshots...)

	return nil
}

func (f *fakeSink) Stop(context.Context) error {
	f.stopped = true

	return nil
}

func TestPublisher_FansOutToEverySink(t *testing.T) {
	a := &fakeSink{name: "a"}
	b := &fakeSink{name: "b", writeErr: errors.New("queue full")}
	c := &fakeSink{name: "c"}

	p := NewPublisher(testLog(), export.NewHealthMetrics(testLog(), export.HealthConfig{}), a, b, c)
	require.NoError(t, p.Start(context.Background()))
	assert.Equal(t, 3, p.Len())

	snap := testSnapshot()
	p.Publish(context.Background(), snap)

	assert.Equal(t, []*Snapshot{snap}, a.written)
	assert.Empty(t, b.written)
	assert.Equal(t, []*Snapshot{snap}, c.written)

	require.NoError(t, p.Stop(context.Background()))
	assert.True(t, a.started)
	assert.True(t, c.stopped)
}

func TestConfig_ValidateAppliesSinkDefaults(t *testing.T) {
	cfg := Config{}
	cfg.HTTP.Enabled = true
	cfg.HTTP.Address = "http://localhost:8080/snapshots"

	require.NoError(t, cfg.Validate())
	assert.Zero(t, cfg.HTTP.BatchSize)
}

func TestNewFromConfig_Disabled(t *testing.T) {
	cfg := Config{}
	require.NoError(t, cfg.Validate())
	assert.False(t, cfg.Enabled())

	p, err := NewFromConfig(testLog(), cfg, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, p.Len())

	// Publishing with no sinks is a no-op.
	p.Publish(context.Background(), testSnapshot())
	require.NoError(t, p.Stop(context.Background()))
}

func TestHTTPSink_ExportsNDJSON(t *testing.T) {
	bodies := make(chan []byte, 1)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		bodies <- body

		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	p, err := NewFromConfig(testLog(), Config{
		Deployment: "base-mainnet",
		HTTP: httpexport.Config{
			Enabled:      true,
			Address:      server.URL,
			Compression:  httpexport.CompressionNone,
			BatchTimeout: 50 * time.Millisecond,
		},
	}, nil)
	require.NoError(t, err)
	require.Equal(t, 1, p.Len())

	ctx := context.Background()
	require.NoError(t, p.Start(ctx))

	p.Publish(ctx, testSnapshot())

	select {
	case body := <-bodies:
		var got SnapshotJSON
		require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(string(body))), &got))

		assert.Equal(t, "circulating-supply", got.Metric)
		assert.Equal(t, "99999999.5", got.Value)
		assert.Equal(t, "base-mainnet", got.Deployment)
		assert.Equal(t, "2025-03-01 12:00:00.000", got.ComputedDateTime)
		assert.Equal(t, uint32(300), got.TTLSeconds)
		assert.Equal(t, int64(120), got.DurationMs)
	case <-time.After(5 * time.Second):
		t.Fatal("snapshot was not exported")
	}

	require.NoError(t, p.Stop(ctx))
}

type fakeBatchWriter struct {
	mu       sync.Mutex
	inserted []*Snapshot
	started  bool
	stopped  bool
}

func (f *fakeBatchWriter) Start(context.Context) error {
	f.started = true

	return nil
}

func (f *fakeBatchWriter) Insert(_ context.Context, snapshots []*Snapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.inserted = append(f.inserted, snapshots...)

	return nil
}

func (f *fakeBatchWriter) Stop() error {
	f.stopped = true

	return nil
}

func (f *fakeBatchWriter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.inserted)
}

func TestClickHouseSink_BatchesIntoWriter(t *testing.T) {
	writer := &fakeBatchWriter{}

	sink, err := newClickHouseSink(testLog(), export.ClickHouseConfig{
		FlushInterval: 20 * time.Millisecond,
	}, writer, nil)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, sink.Start(ctx))
	assert.True(t, writer.started)
	assert.Equal(t, "clickhouse", sink.Name())

	require.NoError(t, sink.Write(ctx, []*Snapshot{testSnapshot(), testSnapshot()}))

	require.Eventually(t, func() bool {
		return writer.count() == 2
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, sink.Stop(ctx))
	assert.True(t, writer.stopped)
}
