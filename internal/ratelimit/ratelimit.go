// Package ratelimit enforces an outbound request budget per upstream: at most
// N requests in any interval of one window length, shared by every caller in
// the process.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/supplyoor/internal/clock"
	"github.com/ethpandaops/supplyoor/internal/export"
)

// ErrTimeout is returned when no slot became available within MaxWait.
var ErrTimeout = errors.New("rate limit timeout")

// Config configures a request budget.
type Config struct {
	// Requests is the number of requests allowed per window. Defaults to 5.
	Requests int `yaml:"requests"`

	// Window is the budget window length. Defaults to 1s.
	Window time.Duration `yaml:"window"`

	// MaxWait bounds how long a caller waits for a slot. Defaults to 30s.
	MaxWait time.Duration `yaml:"max_wait"`
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.Requests == 0 {
		c.Requests = 5
	}

	if c.Window == 0 {
		c.Window = time.Second
	}

	if c.MaxWait == 0 {
		c.MaxWait = 30 * time.Second
	}
}

// Validate checks the budget configuration.
func (c *Config) Validate() error {
	if c.Requests <= 0 {
		return errors.New("requests must be > 0")
	}

	if c.Window <= 0 {
		return errors.New("window must be > 0")
	}

	if c.MaxWait < 0 {
		return errors.New("max_wait must be >= 0")
	}

	return nil
}

// Budget is the process-wide request budget of one upstream. It keeps the
// times of the last N grants, so no interval of one window length ever holds
// more than N grants.
type Budget struct {
	log      logrus.FieldLogger
	name     string
	requests int
	window   time.Duration
	maxWait  time.Duration
	clock    clock.Clock
	health   *export.HealthMetrics

	mu sync.Mutex
	// grants is a ring of grant times. grants[next] is the oldest once full.
	grants []time.Time
	next   int
}

// New creates a budget for the named upstream on top of clk. The clock's
// window length is the budget window. health may be nil.
func New(
	log logrus.FieldLogger,
	name string,
	cfg Config,
	clk clock.Clock,
	health *export.HealthMetrics,
) *Budget {
	cfg.ApplyDefaults()

	b := &Budget{
		log:      log.WithFields(logrus.Fields{"component": "ratelimit", "upstream": name}),
		name:     name,
		requests: cfg.Requests,
		window:   clk.Length(),
		maxWait:  cfg.MaxWait,
		clock:    clk,
		health:   health,
		grants:   make([]time.Time, cfg.Requests),
	}

	// Grants age out of the gauge as windows pass.
	clk.OnWindowChanged(func(uint64) {
		b.mu.Lock()
		defer b.mu.Unlock()

		b.observeUsed(b.clock.Now())
	})

	return b
}

// Name returns the upstream this budget belongs to.
func (b *Budget) Name() string {
	return b.name
}

// Acquire takes one slot, waiting until the oldest recent grant leaves the
// sliding window when all N are in use. It returns the grant time.
func (b *Budget) Acquire(ctx context.Context) (time.Time, error) {
	deadline := b.clock.Now().Add(b.maxWait)

	for {
		now, freeAt, ok := b.tryAcquire()
		if ok {
			return now, nil
		}

		wait := freeAt.Sub(now)

		if freeAt.After(deadline) {
			if b.health != nil {
				b.health.RateBudgetTimeouts.WithLabelValues(b.name).Inc()
			}

			return time.Time{}, fmt.Errorf(
				"%w: %s budget of %d per %s exhausted for %s",
				ErrTimeout, b.name, b.requests, b.window, b.maxWait,
			)
		}

		if b.health != nil {
			b.health.RateBudgetWaits.WithLabelValues(b.name).Inc()
		}

		b.log.WithField("wait", wait).Trace("Waiting for a free rate slot")

		timer := time.NewTimer(wait)

		select {
		case <-ctx.Done():
			timer.Stop()

			return time.Time{}, ctx.Err()
		case <-timer.C:
		}
	}
}

// tryAcquire is the atomic check-and-record. On refusal it returns when the
// oldest grant leaves the window.
func (b *Budget) tryAcquire() (now, freeAt time.Time, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now = b.clock.Now()
	oldest := b.grants[b.next]

	if !oldest.IsZero() {
		freeAt = oldest.Add(b.window)
		if now.Before(freeAt) {
			return now, freeAt, false
		}
	}

	b.grants[b.next] = now
	b.next = (b.next + 1) % len(b.grants)

	b.observeUsed(now)

	return now, time.Time{}, true
}

// observeUsed publishes the grants inside the window ending at now. Callers
// hold mu.
func (b *Budget) observeUsed(now time.Time) {
	if b.health == nil {
		return
	}

	used := 0

	for _, at := range b.grants {
		if !at.IsZero() && now.Sub(at) < b.window {
			used++
		}
	}

	b.health.RateBudgetUsed.WithLabelValues(b.name).Set(float64(used))
}
