package snapshot

import (
	"context"
	"fmt"
	"time"

	processor "github.com/ethpandaops/go-batch-processor"
	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/supplyoor/internal/export"
)

const clickhouseSinkName = "clickhouse"

// BatchWriter inserts snapshot rows.
type BatchWriter interface {
	Start(ctx context.Context) error
	Insert(ctx context.Context, snapshots []*Snapshot) error
	Stop() error
}

// ClickHouseSink batches snapshots into the metric_snapshots table.
type ClickHouseSink struct {
	log    logrus.FieldLogger
	writer BatchWriter
	proc   *processor.BatchItemProcessor[Snapshot]
}

var _ Sink = (*ClickHouseSink)(nil)

// NewClickHouseSink creates a ClickHouse sink. health may be nil.
func NewClickHouseSink(
	log logrus.FieldLogger,
	cfg export.ClickHouseConfig,
	health *export.HealthMetrics,
) (*ClickHouseSink, error) {
	cfg.ApplyDefaults()

	writer := &clickhouseWriter{
		writer:     export.NewClickHouseWriter(log, cfg),
		deployment: cfg.Deployment,
		health:     health,
	}

	return newClickHouseSink(log, cfg, writer, health)
}

func newClickHouseSink(
	log logrus.FieldLogger,
	cfg export.ClickHouseConfig,
	writer BatchWriter,
	health *export.HealthMetrics,
) (*ClickHouseSink, error) {
	cfg.ApplyDefaults()

	exporter := &clickhouseExporter{writer: writer, health: health}

	proc, err := processor.NewBatchItemProcessor[Snapshot](
		exporter,
		"snapshots_clickhouse",
		log,
		processor.WithMaxQueueSize(cfg.MaxQueueSize),
		processor.WithBatchTimeout(cfg.FlushInterval),
		processor.WithExportTimeout(30*time.Second),
		processor.WithMaxExportBatchSize(cfg.BatchSize),
		processor.WithWorkers(1),
	)
	if err != nil {
		return nil, fmt.Errorf("creating ClickHouse snapshot processor: %w", err)
	}

	return &ClickHouseSink{
		log:    log.WithField("sink", clickhouseSinkName),
		writer: writer,
		proc:   proc,
	}, nil
}

func (s *ClickHouseSink) Name() string {
	return clickhouseSinkName
}

func (s *ClickHouseSink) Start(ctx context.Context) error {
	if err := s.writer.Start(ctx); err != nil {
		return fmt.Errorf("starting ClickHouse writer: %w", err)
	}

	s.proc.Start(ctx)

	return nil
}

func (s *ClickHouseSink) Write(ctx context.Context, snapshots []*Snapshot) error {
	return s.proc.Write(ctx, snapshots)
}

func (s *ClickHouseSink) Stop(ctx context.Context) error {
	if err := s.proc.Shutdown(ctx); err != nil {
		s.log.WithError(err).Error("ClickHouse snapshot processor shutdown failed")
	}

	return s.writer.Stop()
}

// clickhouseExporter adapts a BatchWriter to processor.ItemExporter.
type clickhouseExporter struct {
	writer BatchWriter
	health *export.HealthMetrics
}

var _ processor.ItemExporter[Snapshot] = (*clickhouseExporter)(nil)

func (e *clickhouseExporter) ExportItems(ctx context.Context, items []*Snapshot) error {
	if len(items) == 0 {
		return nil
	}

	if err := e.writer.Insert(ctx, items); err != nil {
		if e.health != nil {
			e.health.ExportErrors.WithLabelValues(clickhouseSinkName).Inc()
		}

		return err
	}

	if e.health != nil {
		e.health.SnapshotsExported.WithLabelValues(clickhouseSinkName).Add(float64(len(items)))
	}

	return nil
}

func (e *clickhouseExporter) Shutdown(_ context.Context) error {
	return nil
}

// clickhouseWriter inserts rows over a native ClickHouse connection.
type clickhouseWriter struct {
	writer     *export.ClickHouseWriter
	deployment string
	health     *export.HealthMetrics
}

func (w *clickhouseWriter) Start(ctx context.Context) error {
	return w.writer.Start(ctx)
}

func (w *clickhouseWriter) Stop() error {
	return w.writer.Stop()
}

func (w *clickhouseWriter) Insert(ctx context.Context, snapshots []*Snapshot) error {
	started := time.Now()

	query := fmt.Sprintf(`INSERT INTO %s (
		updated_date_time, computed_date_time, deployment, metric,
		value, value_float, precision, ttl_seconds,
		samples, failed_samples, duration_ms
	)`, w.writer.Table())

	batch, err := w.writer.Conn().PrepareBatch(ctx, query)
	if err != nil {
		return fmt.Errorf("preparing batch: %w", err)
	}

	now := time.Now().UTC()

	for _, snap := range snapshots {
		if err := batch.Append(
			now,
			snap.ComputedAt.UTC(),
			w.deployment,
			snap.Metric,
			snap.Value,
			snap.ValueFloat,
			uint8(snap.Precision),
			uint32(snap.TTL.Seconds()),
			uint16(snap.Samples),
			uint16(snap.Failed),
			uint32(snap.Duration.Milliseconds()),
		); err != nil {
			_ = batch.Abort()

			return fmt.Errorf("appending snapshot %s: %w", snap.Metric, err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("sending batch: %w", err)
	}

	if w.health != nil {
		w.health.ClickHouseBatch.Observe(time.Since(started).Seconds())
	}

	return nil
}
