package http

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testSnapshot struct {
	Metric string `json:"metric"`
	Value  string `json:"value"`
}

func testLog() logrus.FieldLogger {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	return log
}

type received struct {
	body            []byte
	contentType     string
	contentEncoding string
	auth            string
	userAgent       string
}

func newSink(t *testing.T, status int) (*httptest.Server, <-chan received) {
	t.Helper()

	ch := make(chan received, 4)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)

		ch <- received{
			body:            body,
			contentType:     r.Header.Get("Content-Type"),
			contentEncoding: r.Header.Get("Content-Encoding"),
			auth:            r.Header.Get("Authorization"),
			userAgent:       r.Header.Get("User-Agent"),
		}

		w.WriteHeader(status)
	}))
	t.Cleanup(server.Close)

	return server, ch
}

func TestExporter_ExportItems(t *testing.T) {
	server, ch := newSink(t, http.StatusOK)

	exporter, err := NewExporter[testSnapshot](testLog(), Config{
		Enabled:     true,
		Address:     server.URL,
		Compression: CompressionGzip,
		Headers: map[string]string{
			"Authorization": "Basic abc",
		},
	}, nil)
	require.NoError(t, err)
	defer exporter.Shutdown(context.Background())

	err = exporter.ExportItems(context.Background(), []*testSnapshot{
		{Metric: "circulating-supply", Value: "99999999.5"},
		nil,
		{Metric: "pool-holdings", Value: "3"},
	})
	require.NoError(t, err)

	got := <-ch
	assert.Equal(t, "application/x-ndjson", got.contentType)
	assert.Equal(t, "gzip", got.contentEncoding)
	assert.Equal(t, "Basic abc", got.auth)
	assert.True(t, strings.HasPrefix(got.userAgent, "supplyoor/"))

	decompressed, err := Decompress(CompressionGzip, got.body)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(string(decompressed)), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], `"metric":"circulating-supply"`)
	assert.Contains(t, lines[1], `"value":"3"`)
}

func TestExporter_NoCompression(t *testing.T) {
	server, ch := newSink(t, http.StatusOK)

	exporter, err := NewExporter[testSnapshot](testLog(), Config{
		Enabled:     true,
		Address:     server.URL,
		Compression: CompressionNone,
	}, nil)
	require.NoError(t, err)
	defer exporter.Shutdown(context.Background())

	err = exporter.ExportItems(context.Background(), []*testSnapshot{{Metric: "m", Value: "1"}})
	require.NoError(t, err)

	got := <-ch
	assert.Empty(t, got.contentEncoding)
	assert.Contains(t, string(got.body), `"metric":"m"`)
}

func TestExporter_ServerError(t *testing.T) {
	server, _ := newSink(t, http.StatusInternalServerError)

	exporter, err := NewExporter[testSnapshot](testLog(), Config{
		Enabled:     true,
		Address:     server.URL,
		Compression: CompressionNone,
	}, nil)
	require.NoError(t, err)
	defer exporter.Shutdown(context.Background())

	err = exporter.ExportItems(context.Background(), []*testSnapshot{{Metric: "m", Value: "1"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected status code: 500")
}

func TestExporter_EmptyBatch(t *testing.T) {
	var calls atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	exporter, err := NewExporter[testSnapshot](testLog(), Config{
		Enabled: true,
		Address: server.URL,
	}, nil)
	require.NoError(t, err)
	defer exporter.Shutdown(context.Background())

	require.NoError(t, exporter.ExportItems(context.Background(), []*testSnapshot{}))
	require.NoError(t, exporter.ExportItems(context.Background(), []*testSnapshot{nil}))

	assert.Equal(t, int32(0), calls.Load())
}

func TestNewProcessor_ExportsOnBatchTimeout(t *testing.T) {
	server, ch := newSink(t, http.StatusOK)

	proc, err := NewProcessor[testSnapshot](testLog(), Config{
		Enabled:      true,
		Address:      server.URL,
		Compression:  CompressionSnappy,
		BatchTimeout: 20 * time.Millisecond,
	}, "test", nil)
	require.NoError(t, err)

	ctx := context.Background()
	proc.Start(ctx)

	defer func() {
		assert.NoError(t, proc.Shutdown(ctx))
	}()

	require.NoError(t, proc.Write(ctx, []*testSnapshot{{Metric: "m", Value: "7"}}))

	select {
	case got := <-ch:
		decompressed, err := Decompress(CompressionSnappy, got.body)
		require.NoError(t, err)
		assert.Contains(t, string(decompressed), `"value":"7"`)
	case <-time.After(5 * time.Second):
		t.Fatal("snapshot was not exported after the batch timeout")
	}
}

func TestNewExporter_InvalidConfig(t *testing.T) {
	_, err := NewExporter[testSnapshot](testLog(), Config{Enabled: true}, nil)
	assert.Error(t, err)
}
