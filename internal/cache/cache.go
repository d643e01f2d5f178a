// Package cache is a TTL cache in which concurrent misses on a key share one
// computation.
//
// Each key moves through an explicit state machine:
//
//	Empty    -> InFlight   first caller on a missing or expired key
//	InFlight -> Fresh      computation succeeded
//	InFlight -> Empty      computation failed or panicked
//	Fresh    -> InFlight   read at or after expiry
//
// Every transition happens under the cache mutex. Expiry is checked lazily on
// read.
package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// State is the lifecycle state of a key.
type State int

const (
	StateEmpty State = iota
	StateInFlight
	StateFresh
)

func (s State) String() string {
	switch s {
	case StateEmpty:
		return "empty"
	case StateInFlight:
		return "in_flight"
	case StateFresh:
		return "fresh"
	default:
		return "unknown"
	}
}

// Lookup classifies how a GetOrCompute call was served.
type Lookup string

const (
	LookupHit       Lookup = "hit"
	LookupMiss      Lookup = "miss"
	LookupCoalesced Lookup = "coalesced"
)

// ComputeFunc produces the value for a key. Its context is detached from the
// cancellation of the caller that triggered it.
type ComputeFunc[V any] func(ctx context.Context) (V, error)

// Info describes a key without triggering a computation.
type Info struct {
	State      State
	ComputedAt time.Time
	ExpiresAt  time.Time
}

// flight is one in-progress computation. done is closed once value and err
// are set.
type flight[V any] struct {
	done  chan struct{}
	value V
	err   error
}

type entry[V any] struct {
	state      State
	value      V
	computedAt time.Time
	expiresAt  time.Time
	flight     *flight[V]
}

// Cache is safe for concurrent use.
type Cache[V any] struct {
	log      logrus.FieldLogger
	now      func() time.Time
	onLookup func(key string, lookup Lookup)

	mu      sync.Mutex
	entries map[string]*entry[V]
}

// Option configures a Cache.
type Option func(*options)

type options struct {
	now      func() time.Time
	onLookup func(key string, lookup Lookup)
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

// WithLookupHook is called once per GetOrCompute with how it was served.
func WithLookupHook(fn func(key string, lookup Lookup)) Option {
	return func(o *options) {
		o.onLookup = fn
	}
}

// New creates an empty cache.
func New[V any](log logrus.FieldLogger, opts ...Option) *Cache[V] {
	o := options{now: time.Now}

	for _, opt := range opts {
		opt(&o)
	}

	return &Cache[V]{
		log:      log.WithField("component", "cache"),
		now:      o.now,
		onLookup: o.onLookup,
		entries:  make(map[string]*entry[V], 8),
	}
}

// GetOrCompute returns the fresh value for key, or joins or starts the
// computation of a new one. A caller whose ctx ends stops waiting, but the
// computation carries on and still populates the entry.
func (c *Cache[V]) GetOrCompute(
	ctx context.Context,
	key string,
	ttl time.Duration,
	compute ComputeFunc[V],
) (V, error) {
	c.mu.Lock()

	e, ok := c.entries[key]
	if !ok {
		e = &entry[V]{state: StateEmpty}
		c.entries[key] = e
	}

	if e.state == StateFresh && c.now().Before(e.expiresAt) {
		value := e.value
		c.mu.Unlock()
		c.observe(key, LookupHit)

		return value, nil
	}

	if e.state == StateInFlight {
		f := e.flight
		c.mu.Unlock()
		c.observe(key, LookupCoalesced)

		return wait(ctx, f)
	}

	// Empty, or Fresh but expired.
	f := &flight[V]{done: make(chan struct{})}
	e.state = StateInFlight
	e.flight = f
	c.mu.Unlock()
	c.observe(key, LookupMiss)

	go c.run(context.WithoutCancel(ctx), key, ttl, compute, f)

	return wait(ctx, f)
}

func (c *Cache[V]) run(
	ctx context.Context,
	key string,
	ttl time.Duration,
	compute ComputeFunc[V],
	f *flight[V],
) {
	value, err := safeCompute(ctx, compute)

	c.mu.Lock()
	defer c.mu.Unlock()

	e := c.entries[key]

	if err != nil {
		var zero V

		e.state = StateEmpty
		e.value = zero
		e.computedAt = time.Time{}
		e.expiresAt = time.Time{}

		c.log.WithError(err).WithField("key", key).Debug("Computation failed")
	} else {
		now := c.now()
		e.state = StateFresh
		e.value = value
		e.computedAt = now
		e.expiresAt = now.Add(ttl)
	}

	e.flight = nil
	f.value = value
	f.err = err
	close(f.done)
}

func safeCompute[V any](ctx context.Context, compute ComputeFunc[V]) (value V, err error) {
	defer func() {
		if r := recover(); r != nil {
			var zero V

			value = zero
			err = fmt.Errorf("computation panicked: %v", r)
		}
	}()

	return compute(ctx)
}

func wait[V any](ctx context.Context, f *flight[V]) (V, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		var zero V

		return zero, ctx.Err()
	}
}

// Inspect reports the state of key. An expired Fresh entry reports Empty.
func (c *Cache[V]) Inspect(key string) Info {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return Info{State: StateEmpty}
	}

	state := e.state
	if state == StateFresh && !c.now().Before(e.expiresAt) {
		state = StateEmpty
	}

	return Info{
		State:      state,
		ComputedAt: e.computedAt,
		ExpiresAt:  e.expiresAt,
	}
}

func (c *Cache[V]) observe(key string, lookup Lookup) {
	if c.onLookup != nil {
		c.onLookup(key, lookup)
	}
}
