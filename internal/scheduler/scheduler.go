// Package scheduler fans a batch of balance lookups out over a bounded worker
// pool, gated by the upstream's request budget and retried with backoff.
package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/ethpandaops/supplyoor/internal/balance"
	"github.com/ethpandaops/supplyoor/internal/export"
	"github.com/ethpandaops/supplyoor/internal/ratelimit"
)

// Limiter hands out request slots. *ratelimit.Budget satisfies it.
type Limiter interface {
	Acquire(ctx context.Context) (time.Time, error)
}

// Scheduler runs batches against a single upstream.
type Scheduler struct {
	log     logrus.FieldLogger
	name    string
	cfg     Config
	fetcher balance.Fetcher
	limiter Limiter
	health  *export.HealthMetrics
}

// New creates a scheduler for the named upstream. health may be nil.
func New(
	log logrus.FieldLogger,
	name string,
	cfg Config,
	fetcher balance.Fetcher,
	limiter Limiter,
	health *export.HealthMetrics,
) *Scheduler {
	cfg.ApplyDefaults()

	return &Scheduler{
		log:     log.WithFields(logrus.Fields{"component": "scheduler", "upstream": name}),
		name:    name,
		cfg:     cfg,
		fetcher: fetcher,
		limiter: limiter,
		health:  health,
	}
}

// Name returns the upstream this scheduler fetches from.
func (s *Scheduler) Name() string {
	return s.name
}

// RunBatch fetches every key and returns one result per key, in input order.
// A failing key never affects its siblings.
func (s *Scheduler) RunBatch(ctx context.Context, keys []string) []balance.Result {
	results := make([]balance.Result, len(keys))

	var g errgroup.Group

	g.SetLimit(s.cfg.Workers)

	for i, key := range keys {
		g.Go(func() error {
			results[i] = s.fetch(ctx, key)

			return nil
		})
	}

	// Tasks never return errors.
	_ = g.Wait()

	return results
}

func (s *Scheduler) fetch(ctx context.Context, key string) balance.Result {
	var (
		sample  *balance.Sample
		attempt int
	)

	operation := func() error {
		attempt++

		if _, err := s.limiter.Acquire(ctx); err != nil {
			// Neither a budget timeout nor a canceled context is retried.
			return backoff.Permanent(err)
		}

		got, err := s.fetcher.Fetch(ctx, key)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}

			return err
		}

		sample = got

		return nil
	}

	notify := func(err error, delay time.Duration) {
		if s.health != nil {
			s.health.FetchRetries.WithLabelValues(s.name).Inc()
		}

		s.log.WithError(err).WithFields(logrus.Fields{
			"key":     key,
			"attempt": attempt,
			"delay":   delay,
		}).Debug("Fetch failed, retrying")
	}

	err := backoff.RetryNotify(operation, s.newBackOff(ctx), notify)
	if err != nil {
		if s.health != nil {
			s.health.FetchFailures.WithLabelValues(s.name).Inc()
		}

		fields := logrus.Fields{"key": key, "attempts": attempt}
		if errors.Is(err, ratelimit.ErrTimeout) {
			s.log.WithError(err).WithFields(fields).Warn("Gave up waiting for rate budget")
		} else {
			s.log.WithError(err).WithFields(fields).Warn("Fetch failed")
		}

		return balance.Result{Address: key, Err: balance.NewFetchError(key, err)}
	}

	return balance.Result{Address: key, Sample: sample}
}

func (s *Scheduler) newBackOff(ctx context.Context) backoff.BackOffContext {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.Retry.InitialInterval
	b.MaxInterval = s.cfg.Retry.MaxInterval
	b.MaxElapsedTime = 0

	retries := uint64(s.cfg.Retry.MaxAttempts - 1)

	return backoff.WithContext(backoff.WithMaxRetries(b, retries), ctx)
}
