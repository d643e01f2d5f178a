// Package explorer reads ERC-20 token balances from an Etherscan compatible
// block-explorer API.
package explorer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/supplyoor/internal/balance"
	"github.com/ethpandaops/supplyoor/internal/export"
	"github.com/ethpandaops/supplyoor/internal/version"
)

const upstreamName = "explorer"

// maxErrorBody caps how much of a failed response ends up in an error.
const maxErrorBody = 512

// Client issues one tokenbalance query per Fetch call.
type Client struct {
	log      logrus.FieldLogger
	cfg      Config
	http     *http.Client
	health   *export.HealthMetrics
	decimals int32
	now      func() time.Time
}

var _ balance.Fetcher = (*Client)(nil)

// NewClient creates a new explorer API client. health may be nil.
func NewClient(
	log logrus.FieldLogger,
	cfg Config,
	health *export.HealthMetrics,
) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	decimals := cfg.Decimals
	if decimals == 0 {
		decimals = 18
	}

	return &Client{
		log:    log.WithField("component", "explorer"),
		cfg:    cfg,
		health: health,
		http: &http.Client{
			Timeout: timeout,
		},
		decimals: decimals,
		now:      time.Now,
	}
}

// Name identifies the upstream in logs and metrics.
func (c *Client) Name() string {
	return upstreamName
}

// Fetch returns the token balance held by address. Failures are always
// reported as *balance.FetchError.
func (c *Client) Fetch(
	ctx context.Context,
	address string,
) (*balance.Sample, error) {
	var resp struct {
		Status  string `json:"status"`
		Message string `json:"message"`
		Result  string `json:"result"`
	}

	query := url.Values{}
	query.Set("module", "account")
	query.Set("action", "tokenbalance")
	query.Set("contractaddress", c.cfg.Contract)
	query.Set("address", address)
	query.Set("tag", "latest")
	query.Set("apikey", c.cfg.APIKey)

	started := time.Now()
	err := c.getJSON(ctx, query, &resp)
	c.observe(started, err)

	if err != nil {
		return nil, balance.NewFetchError(address, err)
	}

	if resp.Status != "1" {
		return nil, balance.NewFetchError(address, fmt.Errorf(
			"explorer returned status %q: %s: %s",
			resp.Status,
			resp.Message,
			resp.Result,
		))
	}

	sample, err := balance.NewSample(address, resp.Result, c.decimals, c.now())
	if err != nil {
		return nil, balance.NewFetchError(address, err)
	}

	c.log.WithFields(logrus.Fields{
		"address": address,
		"raw":     sample.Raw.String(),
	}).Debug("Fetched token balance")

	return sample, nil
}

func (c *Client) observe(started time.Time, err error) {
	if c.health == nil {
		return
	}

	status := "ok"
	if err != nil {
		status = "error"
	}

	c.health.UpstreamRequestsTotal.WithLabelValues(upstreamName, status).Inc()
	c.health.UpstreamRequestDuration.WithLabelValues(upstreamName).
		Observe(time.Since(started).Seconds())
}

// getJSON performs the GET and decodes the body into target. Returned
// errors never contain the request URL, which carries the API key.
func (c *Client) getJSON(
	ctx context.Context,
	query url.Values,
	target any,
) error {
	endpoint := c.cfg.Endpoint + "?" + query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", redact(err))
	}

	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("executing request: %w", redact(err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

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

// redact strips the *url.Error wrapper, whose message embeds the full URL.
func redact(err error) error {
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return urlErr.Err
	}

	return err
}
