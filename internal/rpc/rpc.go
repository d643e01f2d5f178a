// Package rpc reads uint256 values from contracts via JSON-RPC eth_call.
package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/supplyoor/internal/balance"
	"github.com/ethpandaops/supplyoor/internal/export"
	"github.com/ethpandaops/supplyoor/internal/version"
)

const upstreamName = "rpc"

// ErrUnknownRead is returned when fetching an ID that was never registered.
var ErrUnknownRead = errors.New("unknown contract read")

type request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type callParams struct {
	To   string `json:"to"`
	Data string `json:"data"`
}

type response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      uint64          `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error is a JSON-RPC error object returned by the node.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Reader issues one eth_call per Fetch. The fetch key is a read ID.
type Reader struct {
	log      logrus.FieldLogger
	endpoint string
	http     *http.Client
	health   *export.HealthMetrics
	nextID   atomic.Uint64
	now      func() time.Time

	mu    sync.RWMutex
	calls map[string]*Call
}

var _ balance.Fetcher = (*Reader)(nil)

// NewReader creates a reader and registers every configured read.
func NewReader(
	log logrus.FieldLogger,
	cfg Config,
	health *export.HealthMetrics,
) (*Reader, error) {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	r := &Reader{
		log:      log.WithField("component", "rpc"),
		endpoint: cfg.Endpoint,
		health:   health,
		http: &http.Client{
			Timeout: timeout,
		},
		now:   time.Now,
		calls: make(map[string]*Call, len(cfg.Reads)),
	}

	for _, read := range cfg.Reads {
		if err := r.Register(read); err != nil {
			return nil, fmt.Errorf("registering read %q: %w", read.ID, err)
		}
	}

	return r, nil
}

// Name identifies the upstream in logs and metrics.
func (r *Reader) Name() string {
	return upstreamName
}

// Register encodes a read and makes it fetchable by its ID.
func (r *Reader) Register(read ReadConfig) error {
	call, err := NewCall(read)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.calls[call.ID]; ok {
		return fmt.Errorf("duplicate read id %q", call.ID)
	}

	r.calls[call.ID] = call

	return nil
}

// Fetch executes the read registered under id.
func (r *Reader) Fetch(ctx context.Context, id string) (*balance.Sample, error) {
	r.mu.RLock()
	call, ok := r.calls[id]
	r.mu.RUnlock()

	if !ok {
		return nil, balance.NewFetchError(id, fmt.Errorf("%w: %s", ErrUnknownRead, id))
	}

	started := time.Now()
	value, err := r.ethCall(ctx, call)
	r.observe(started, err)

	if err != nil {
		return nil, balance.NewFetchError(id, err)
	}

	r.log.WithFields(logrus.Fields{
		"read":     id,
		"contract": call.To,
		"raw":      value.String(),
	}).Debug("Read contract value")

	return &balance.Sample{
		Address:   id,
		Raw:       value,
		Decimals:  call.Decimals,
		FetchedAt: r.now(),
	}, nil
}

func (r *Reader) ethCall(ctx context.Context, call *Call) (*big.Int, error) {
	var resp response

	req := request{
		JSONRPC: "2.0",
		ID:      r.nextID.Add(1),
		Method:  "eth_call",
		Params: []any{
			callParams{To: call.To, Data: call.Data},
			"latest",
		},
	}

	if err := r.postJSON(ctx, req, &resp); err != nil {
		return nil, err
	}

	if resp.Error != nil {
		return nil, resp.Error
	}

	var result string
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("decoding eth_call result: %w", err)
	}

	return decodeUint256(result)
}

func (r *Reader) postJSON(ctx context.Context, body, target any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}

	req, err := http.NewRequestWithContext(
		ctx, http.MethodPost, r.endpoint, bytes.NewReader(payload),
	)
	if err != nil {
		return fmt.Errorf("creating request: %w", redact(err))
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())

	resp, err := r.http.Do(req)
	if err != nil {
		return fmt.Errorf("executing request: %w", redact(err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))

		return fmt.Errorf(
			"unexpected status %d: %s",
			resp.StatusCode,
			string(body),
		)
	}

	if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}

	return nil
}

func (r *Reader) observe(started time.Time, err error) {
	if r.health == nil {
		return
	}

	status := "ok"
	if err != nil {
		status = "error"
	}

	r.health.UpstreamRequestsTotal.WithLabelValues(upstreamName, status).Inc()
	r.health.UpstreamRequestDuration.WithLabelValues(upstreamName).
		Observe(time.Since(started).Seconds())
}

// redact drops the request URL, which may carry credentials, from
// transport errors.
func redact(err error) error {
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return urlErr.Err
	}

	return err
}
