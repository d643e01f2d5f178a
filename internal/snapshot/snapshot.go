// Package snapshot fans freshly computed metric values out to export sinks.
// Export is best-effort: a slow or failing sink never delays a metric read.
package snapshot

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/supplyoor/internal/export"
	httpexport "github.com/ethpandaops/supplyoor/internal/export/http"
)

// dateTimeFormat matches ClickHouse DateTime64(3) text input.
const dateTimeFormat = "2006-01-02 15:04:05.000"

// Snapshot is one successful metric computation.
type Snapshot struct {
	Metric     string
	Value      string
	ValueFloat float64
	Precision  int32
	TTL        time.Duration
	Samples    int
	Failed     int
	Duration   time.Duration
	ComputedAt time.Time
}

// Sink receives snapshots.
type Sink interface {
	// Name returns the sink identifier for logging.
	Name() string
	// Start initializes the sink.
	Start(ctx context.Context) error
	// Write enqueues snapshots for export.
	Write(ctx context.Context, snapshots []*Snapshot) error
	// Stop shuts down the sink, exporting what it still can before ctx ends.
	Stop(ctx context.Context) error
}

// Config configures snapshot export. Both sinks are disabled by default.
type Config struct {
	// Deployment labels every exported snapshot.
	Deployment string `yaml:"deployment"`

	HTTP       httpexport.Config       `yaml:"http"`
	ClickHouse export.ClickHouseConfig `yaml:"clickhouse"`
}

// Validate checks every sink configuration.
func (c *Config) Validate() error {
	h := c.HTTP
	h.ApplyDefaults()

	if err := h.Validate(); err != nil {
		return err
	}

	ch := c.ClickHouse
	ch.ApplyDefaults()

	return ch.Validate()
}

// Enabled reports whether any sink is configured.
func (c *Config) Enabled() bool {
	return c.HTTP.Enabled || c.ClickHouse.Enabled
}

// Publisher hands every snapshot to all sinks.
type Publisher struct {
	log    logrus.FieldLogger
	sinks  []Sink
	health *export.HealthMetrics
}

// NewPublisher creates a publisher over sinks. health may be nil.
func NewPublisher(log logrus.FieldLogger, health *export.HealthMetrics, sinks ...Sink) *Publisher {
	return &Publisher{
		log:    log.WithField("component", "snapshot"),
		sinks:  sinks,
		health: health,
	}
}

// NewFromConfig builds the sinks enabled in cfg.
func NewFromConfig(
	log logrus.FieldLogger,
	cfg Config,
	health *export.HealthMetrics,
) (*Publisher, error) {
	sinks := make([]Sink, 0, 2)

	if cfg.HTTP.Enabled {
		sink, err := NewHTTPSink(log, cfg.HTTP, cfg.Deployment, health)
		if err != nil {
			return nil, err
		}

		sinks = append(sinks, sink)
	}

	if cfg.ClickHouse.Enabled {
		cfg.ClickHouse.Deployment = cfg.Deployment

		sink, err := NewClickHouseSink(log, cfg.ClickHouse, health)
		if err != nil {
			return nil, err
		}

		sinks = append(sinks, sink)
	}

	return NewPublisher(log, health, sinks...), nil
}

// Start starts every sink.
func (p *Publisher) Start(ctx context.Context) error {
	for _, s := range p.sinks {
		if err := s.Start(ctx); err != nil {
			return err
		}

		p.log.WithField("sink", s.Name()).Info("Snapshot sink started")
	}

	return nil
}

// Publish hands snap to every sink. Sink errors are logged, not returned.
func (p *Publisher) Publish(ctx context.Context, snap *Snapshot) {
	for _, s := range p.sinks {
		if err := s.Write(ctx, []*Snapshot{snap}); err != nil {
			if p.health != nil {
				p.health.ExportErrors.WithLabelValues(s.Name()).Inc()
			}

			p.log.WithError(err).WithFields(logrus.Fields{
				"sink":   s.Name(),
				"metric": snap.Metric,
			}).Warn("Failed to enqueue snapshot")
		}
	}
}

// Stop shuts down every sink.
func (p *Publisher) Stop(ctx context.Context) error {
	var errs []error

	for _, s := range p.sinks {
		if err := s.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// Len returns the number of configured sinks.
func (p *Publisher) Len() int {
	return len(p.sinks)
}
