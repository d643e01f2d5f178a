// Package metric serves named derived metrics: each read goes through the TTL
// cache, and a miss runs the metric's batch through the aggregator.
package metric

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/supplyoor/internal/aggregate"
	"github.com/ethpandaops/supplyoor/internal/balance"
	"github.com/ethpandaops/supplyoor/internal/cache"
	"github.com/ethpandaops/supplyoor/internal/export"
	"github.com/ethpandaops/supplyoor/internal/snapshot"
)

// ErrUnknownMetric is returned for names that were never registered.
var ErrUnknownMetric = errors.New("unknown metric")

// Batcher runs one batch of fetches. *scheduler.Scheduler satisfies it.
type Batcher interface {
	RunBatch(ctx context.Context, keys []string) []balance.Result
}

// Publisher receives every freshly computed value. *snapshot.Publisher
// satisfies it.
type Publisher interface {
	Publish(ctx context.Context, snap *snapshot.Snapshot)
}

// Value is a computed metric.
type Value struct {
	Name       string
	Amount     decimal.Decimal
	Precision  int32
	ComputedAt time.Time
}

// String renders the amount with trailing zeros trimmed.
func (v *Value) String() string {
	return v.Amount.String()
}

// Metric is one registered metric.
type Metric struct {
	def     Definition
	batcher Batcher
	reg     *Registry
}

// Definition returns the metric's validated configuration.
func (m *Metric) Definition() Definition {
	return m.def
}

// Get returns the cached value, computing it if missing or expired.
func (m *Metric) Get(ctx context.Context) (*Value, error) {
	return m.reg.cache.GetOrCompute(ctx, m.def.Name, m.def.TTL, m.compute)
}

// CacheInfo reports the cache state of the metric.
func (m *Metric) CacheInfo() cache.Info {
	return m.reg.cache.Inspect(m.def.Name)
}

func (m *Metric) compute(ctx context.Context) (*Value, error) {
	reg := m.reg
	started := reg.now()

	log := reg.log.WithFields(logrus.Fields{
		"metric":  m.def.Name,
		"reducer": m.def.Reducer.Kind(),
	})

	results := m.batcher.RunBatch(ctx, m.def.Reducer.Keys())

	amount, err := reg.agg.Reduce(m.def.Name, m.def.Reducer, results, m.def.Precision)

	duration := reg.now().Sub(started)

	if reg.health != nil {
		status := "ok"
		if err != nil {
			status = "error"
		}

		reg.health.MetricComputations.WithLabelValues(m.def.Name, status).Inc()
		reg.health.MetricComputeDuration.WithLabelValues(m.def.Name).Observe(duration.Seconds())
	}

	if err != nil {
		log.WithError(err).Warn("Metric computation failed")

		return nil, fmt.Errorf("computing %s: %w", m.def.Name, err)
	}

	value := &Value{
		Name:       m.def.Name,
		Amount:     amount,
		Precision:  m.def.Precision,
		ComputedAt: reg.now(),
	}

	failed := 0

	for _, r := range results {
		if !r.OK() {
			failed++
		}
	}

	asFloat := amount.InexactFloat64()

	if reg.health != nil {
		reg.health.MetricValue.WithLabelValues(m.def.Name).Set(asFloat)
		reg.health.MetricLastComputedTime.WithLabelValues(m.def.Name).
			Set(float64(value.ComputedAt.Unix()))
	}

	log.WithFields(logrus.Fields{
		"value":    value.String(),
		"samples":  len(results),
		"failed":   failed,
		"duration": duration,
	}).Info("Computed metric")

	if reg.publisher != nil {
		reg.publisher.Publish(ctx, &snapshot.Snapshot{
			Metric:     m.def.Name,
			Value:      value.String(),
			ValueFloat: asFloat,
			Precision:  m.def.Precision,
			TTL:        m.def.TTL,
			Samples:    len(results),
			Failed:     failed,
			Duration:   duration,
			ComputedAt: value.ComputedAt,
		})
	}

	return value, nil
}

// Registry resolves metrics by name. All metrics share one cache.
type Registry struct {
	log       logrus.FieldLogger
	agg       *aggregate.Aggregator
	cache     *cache.Cache[*Value]
	publisher Publisher
	health    *export.HealthMetrics
	now       func() time.Time

	mu      sync.RWMutex
	metrics map[string]*Metric
}

// Option configures a Registry.
type Option func(*Registry)

// WithPublisher sends a snapshot of every computed value to p.
func WithPublisher(p Publisher) Option {
	return func(r *Registry) {
		r.publisher = p
	}
}

// WithHealth records computation metrics.
func WithHealth(h *export.HealthMetrics) Option {
	return func(r *Registry) {
		r.health = h
	}
}

// WithClock replaces time.Now for both the registry and its cache.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		r.now = now
	}
}

// NewRegistry creates an empty registry.
func NewRegistry(log logrus.FieldLogger, opts ...Option) *Registry {
	r := &Registry{
		log:     log.WithField("component", "metric"),
		agg:     aggregate.New(log),
		now:     time.Now,
		metrics: make(map[string]*Metric, 4),
	}

	for _, opt := range opts {
		opt(r)
	}

	cacheOpts := []cache.Option{cache.WithClock(r.now)}

	if r.health != nil {
		health := r.health
		cacheOpts = append(cacheOpts, cache.WithLookupHook(func(key string, lookup cache.Lookup) {
			health.CacheRequests.WithLabelValues(key, string(lookup)).Inc()
		}))
	}

	r.cache = cache.New[*Value](log, cacheOpts...)

	return r
}

// Register adds a metric backed by batcher.
func (r *Registry) Register(def Definition, batcher Batcher) (*Metric, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.metrics[def.Name]; ok {
		return nil, fmt.Errorf("duplicate metric %q", def.Name)
	}

	for _, existing := range r.metrics {
		if existing.def.Path == def.Path {
			return nil, fmt.Errorf(
				"metric %q path %s already used by %q",
				def.Name, def.Path, existing.def.Name,
			)
		}
	}

	m := &Metric{def: def, batcher: batcher, reg: r}
	r.metrics[def.Name] = m

	r.log.WithFields(logrus.Fields{
		"metric":   def.Name,
		"path":     def.Path,
		"reducer":  def.Reducer.Kind(),
		"upstream": def.Upstream,
		"ttl":      def.TTL,
	}).Info("Registered metric")

	return m, nil
}

// Get resolves name and returns its value.
func (r *Registry) Get(ctx context.Context, name string) (*Value, error) {
	m, err := r.Metric(name)
	if err != nil {
		return nil, err
	}

	return m.Get(ctx)
}

// Metric returns the registered metric called name.
func (r *Registry) Metric(name string) (*Metric, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.metrics[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMetric, name)
	}

	return m, nil
}

// Metrics returns every registered metric sorted by name.
func (r *Registry) Metrics() []*Metric {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Metric, 0, len(r.metrics))
	for _, m := range r.metrics {
		out = append(out, m)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].def.Name < out[j].def.Name
	})

	return out
}
