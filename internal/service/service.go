// Package service wires the upstream clients, request budgets, schedulers,
// metric registry, snapshot export and API server into one process.
package service

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/supplyoor/internal/api"
	"github.com/ethpandaops/supplyoor/internal/balance"
	"github.com/ethpandaops/supplyoor/internal/clock"
	"github.com/ethpandaops/supplyoor/internal/explorer"
	"github.com/ethpandaops/supplyoor/internal/export"
	"github.com/ethpandaops/supplyoor/internal/metric"
	"github.com/ethpandaops/supplyoor/internal/ratelimit"
	"github.com/ethpandaops/supplyoor/internal/rpc"
	"github.com/ethpandaops/supplyoor/internal/scheduler"
	"github.com/ethpandaops/supplyoor/internal/snapshot"
)

const shutdownTimeout = 10 * time.Second

// Service is the top-level orchestrator for supplyoor.
type Service interface {
	// Start starts every component and begins serving.
	Start(ctx context.Context) error
	// Stop shuts down all components gracefully.
	Stop() error
	// Registry returns the metric registry.
	Registry() *metric.Registry
	// Addr returns the API listener address.
	Addr() string
}

// upstream is one rate-limited data source.
type upstream struct {
	clock     clock.Clock
	scheduler *scheduler.Scheduler
}

type service struct {
	log       logrus.FieldLogger
	cfg       *Config
	health    *export.HealthMetrics
	publisher *snapshot.Publisher
	registry  *metric.Registry
	server    *api.Server
	upstreams map[string]*upstream
}

// New creates a Service. Upstreams are only built when a metric uses them.
func New(log logrus.FieldLogger, cfg *Config) (Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	health := export.NewHealthMetrics(log, cfg.Health)

	publisher, err := snapshot.NewFromConfig(log, cfg.Snapshot, health)
	if err != nil {
		return nil, fmt.Errorf("creating snapshot publisher: %w", err)
	}

	s := &service{
		log:       log.WithField("component", "service"),
		cfg:       cfg,
		health:    health,
		publisher: publisher,
		upstreams: make(map[string]*upstream, 2),
		registry: metric.NewRegistry(log,
			metric.WithPublisher(publisher),
			metric.WithHealth(health),
		),
	}

	for _, mc := range cfg.Metrics {
		def, err := metric.NewDefinition(mc)
		if err != nil {
			return nil, fmt.Errorf("building metric %s: %w", mc.Name, err)
		}

		up, err := s.upstream(def.Upstream)
		if err != nil {
			return nil, err
		}

		if _, err := s.registry.Register(*def, up.scheduler); err != nil {
			return nil, fmt.Errorf("registering metric: %w", err)
		}
	}

	s.server, err = api.NewServer(log, cfg.API, s.registry, health)
	if err != nil {
		return nil, fmt.Errorf("creating api server: %w", err)
	}

	return s, nil
}

// upstream returns the named upstream, building it on first use.
func (s *service) upstream(name string) (*upstream, error) {
	if up, ok := s.upstreams[name]; ok {
		return up, nil
	}

	var (
		fetcher    balance.Fetcher
		budgetConf ratelimit.Config
	)

	switch name {
	case metric.UpstreamExplorer:
		fetcher = explorer.NewClient(s.log, s.cfg.Explorer, s.health)
		budgetConf = s.cfg.RateLimits.Explorer
	case metric.UpstreamRPC:
		reader, err := rpc.NewReader(s.log, s.cfg.RPC, s.health)
		if err != nil {
			return nil, fmt.Errorf("creating rpc reader: %w", err)
		}

		fetcher = reader
		budgetConf = s.cfg.RateLimits.RPC
	default:
		return nil, &UpstreamConfigError{Field: "upstream", Reason: fmt.Sprintf("unknown upstream %q", name)}
	}

	budgetConf.ApplyDefaults()

	clk, err := clock.New(s.log, budgetConf.Window)
	if err != nil {
		return nil, fmt.Errorf("creating %s clock: %w", name, err)
	}

	budget := ratelimit.New(s.log, name, budgetConf, clk, s.health)

	up := &upstream{
		clock:     clk,
		scheduler: scheduler.New(s.log, name, s.cfg.Scheduler, fetcher, budget, s.health),
	}

	s.upstreams[name] = up

	s.log.WithFields(logrus.Fields{
		"upstream": name,
		"requests": budgetConf.Requests,
		"window":   budgetConf.Window,
		"max_wait": budgetConf.MaxWait,
	}).Info("Configured upstream")

	return up, nil
}

func (s *service) Registry() *metric.Registry {
	return s.registry
}

func (s *service) Start(ctx context.Context) error {
	// 1. Health metrics server.
	if err := s.health.Start(ctx); err != nil {
		return fmt.Errorf("starting health metrics: %w", err)
	}

	// 2. Budget window clocks.
	for name, up := range s.upstreams {
		if err := up.clock.Start(ctx); err != nil {
			return fmt.Errorf("starting %s clock: %w", name, err)
		}
	}

	// 3. Snapshot sinks.
	if err := s.publisher.Start(ctx); err != nil {
		return fmt.Errorf("starting snapshot sinks: %w", err)
	}

	// 4. Public API.
	if err := s.server.Start(ctx); err != nil {
		return fmt.Errorf("starting api server: %w", err)
	}

	s.log.WithFields(logrus.Fields{
		"metrics":   len(s.registry.Metrics()),
		"upstreams": len(s.upstreams),
		"sinks":     s.publisher.Len(),
	}).Info("Service fully started")

	return nil
}

func (s *service) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// Stop in reverse order.
	if err := s.server.Stop(ctx); err != nil {
		s.log.WithError(err).Error("Error stopping api server")
	}

	if err := s.publisher.Stop(ctx); err != nil {
		s.log.WithError(err).Error("Error stopping snapshot sinks")
	}

	for name, up := range s.upstreams {
		if err := up.clock.Stop(); err != nil {
			s.log.WithError(err).WithField("upstream", name).Error("Error stopping clock")
		}
	}

	return s.health.Stop()
}

func (s *service) Addr() string {
	return s.server.Addr()
}
