package explorer

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/supplyoor/internal/balance"
)

const (
	testContract = "0x21eceaf3bf88ef0797e3927d855ca5bb569a47fc"
	testAddress  = "0x0000000000000000000000000000000000000000"
	testAPIKey   = "s3cr3t-key"
)

func testLog() logrus.FieldLogger {
	log := logrus.New()
	log.SetLevel(logrus.DebugLevel)

	return log
}

func newTestServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	return server
}

func newTestClient(endpoint string) *Client {
	return NewClient(testLog(), Config{
		Endpoint: endpoint,
		APIKey:   testAPIKey,
		Contract: testContract,
		Decimals: 18,
		Timeout:  2 * time.Second,
	}, nil)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func TestFetch_TokenBalance(t *testing.T) {
	server := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "account", q.Get("module"))
		assert.Equal(t, "tokenbalance", q.Get("action"))
		assert.Equal(t, testContract, q.Get("contractaddress"))
		assert.Equal(t, testAddress, q.Get("address"))
		assert.Equal(t, "latest", q.Get("tag"))
		assert.Equal(t, testAPIKey, q.Get("apikey"))
		assert.Contains(t, r.Header.Get("User-Agent"), "supplyoor/")

		writeJSON(w, map[string]string{
			"status":  "1",
			"message": "OK",
			"result":  "500000000000000000000",
		})
	})

	sample, err := newTestClient(server.URL).Fetch(context.Background(), testAddress)
	require.NoError(t, err)

	assert.Equal(t, testAddress, sample.Address)
	assert.Equal(t, "500000000000000000000", sample.Raw.String())
	assert.Equal(t, "500", sample.Amount().String())
	assert.False(t, sample.FetchedAt.IsZero())
}

func TestFetch_OneRequestPerCall(t *testing.T) {
	var calls atomic.Int32

	server := newTestServer(t, func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		writeJSON(w, map[string]string{"status": "1", "message": "OK", "result": "1"})
	})

	client := newTestClient(server.URL)

	for range 3 {
		_, err := client.Fetch(context.Background(), testAddress)
		require.NoError(t, err)
	}

	assert.Equal(t, int32(3), calls.Load())
}

func TestFetch_StatusNotOK(t *testing.T) {
	server := newTestServer(t, func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]string{
			"status":  "0",
			"message": "NOTOK",
			"result":  "Max rate limit reached",
		})
	})

	_, err := newTestClient(server.URL).Fetch(context.Background(), testAddress)
	require.Error(t, err)

	var fe *balance.FetchError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, testAddress, fe.Address)
	assert.Contains(t, err.Error(), "Max rate limit reached")
}

func TestFetch_NonNumericResult(t *testing.T) {
	server := newTestServer(t, func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]string{"status": "1", "message": "OK", "result": "0xzz"})
	})

	_, err := newTestClient(server.URL).Fetch(context.Background(), testAddress)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "non-numeric balance")
}

func TestFetch_Non200(t *testing.T) {
	server := newTestServer(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte("upstream down"))
	})

	_, err := newTestClient(server.URL).Fetch(context.Background(), testAddress)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected status 502")
}

func TestFetch_ErrorsNeverLeakAPIKey(t *testing.T) {
	server := newTestServer(t, func(_ http.ResponseWriter, _ *http.Request) {})
	server.Close()

	_, err := newTestClient(server.URL).Fetch(context.Background(), testAddress)
	require.Error(t, err)

	assert.NotContains(t, err.Error(), testAPIKey)
	assert.NotContains(t, err.Error(), "apikey")
	assert.Contains(t, err.Error(), "executing request")
}

func TestFetch_Timeout(t *testing.T) {
	release := make(chan struct{})

	server := newTestServer(t, func(_ http.ResponseWriter, _ *http.Request) {
		<-release
	})
	defer close(release)

	client := NewClient(testLog(), Config{
		Endpoint: server.URL,
		APIKey:   testAPIKey,
		Contract: testContract,
		Timeout:  50 * time.Millisecond,
	}, nil)

	_, err := client.Fetch(context.Background(), testAddress)
	require.Error(t, err)
	assert.NotContains(t, err.Error(), testAPIKey)
}

func TestFetch_ContextCanceled(t *testing.T) {
	server := newTestServer(t, func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]string{"status": "1", "message": "OK", "result": "1"})
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newTestClient(server.URL).Fetch(ctx, testAddress)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestConfig_Validate(t *testing.T) {
	cfg := Config{Endpoint: "https://api.basescan.org/api", APIKey: "k", Contract: testContract}
	require.NoError(t, cfg.Validate())

	missingKey := cfg
	missingKey.APIKey = ""
	assert.ErrorContains(t, missingKey.Validate(), "api_key")

	badDecimals := cfg
	badDecimals.Decimals = -1
	assert.Error(t, badDecimals.Validate())
}
