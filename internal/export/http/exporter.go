// Package http streams metric snapshots as NDJSON to Vector or any other HTTP
// sink.
package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	processor "github.com/ethpandaops/go-batch-processor"
	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/supplyoor/internal/export"
	"github.com/ethpandaops/supplyoor/internal/version"
)

const sinkName = "http"

// Exporter implements processor.ItemExporter for HTTP NDJSON export.
type Exporter[T any] struct {
	cfg        Config
	client     *http.Client
	compressor *Compressor
	health     *export.HealthMetrics
	log        logrus.FieldLogger
}

// compile-time check that Exporter implements ItemExporter.
var _ processor.ItemExporter[any] = (*Exporter[any])(nil)

// NewExporter creates a new HTTP exporter. health may be nil.
func NewExporter[T any](
	log logrus.FieldLogger,
	cfg Config,
	health *export.HealthMetrics,
) (*Exporter[T], error) {
	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	compressor, err := NewCompressor(cfg.Compression)
	if err != nil {
		return nil, fmt.Errorf("creating compressor: %w", err)
	}

	// Exports run on a single worker.
	transport := &http.Transport{
		MaxIdleConns:        2,
		MaxIdleConnsPerHost: 2,
		IdleConnTimeout:     90 * time.Second,
	}

	return &Exporter[T]{
		cfg: cfg,
		client: &http.Client{
			Transport: transport,
			Timeout:   cfg.ExportTimeout,
		},
		compressor: compressor,
		health:     health,
		log:        log.WithField("component", "http_exporter"),
	}, nil
}

// ExportItems POSTs a batch of items to the configured address as NDJSON.
func (e *Exporter[T]) ExportItems(ctx context.Context, items []*T) error {
	if len(items) == 0 {
		return nil
	}

	err := e.export(ctx, items)
	if err != nil && e.health != nil {
		e.health.ExportErrors.WithLabelValues(sinkName).Inc()
	}

	return err
}

func (e *Exporter[T]) export(ctx context.Context, items []*T) error {
	var buf bytes.Buffer

	encoder := json.NewEncoder(&buf)

	written := 0

	for _, item := range items {
		if item == nil {
			continue
		}

		if err := encoder.Encode(item); err != nil {
			return fmt.Errorf("encoding item: %w", err)
		}

		written++
	}

	if written == 0 {
		return nil
	}

	data := buf.Bytes()

	body, err := e.compressor.Compress(data)
	if err != nil {
		return fmt.Errorf("compressing data: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.cfg.Address, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Content-Type", "application/x-ndjson")
	req.Header.Set("User-Agent", version.UserAgent())

	if encoding := e.compressor.ContentEncoding(); encoding != "" {
		req.Header.Set("Content-Encoding", encoding)
	}

	for k, v := range e.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}

	defer resp.Body.Close()

	// Drain response body to enable connection reuse.
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	if e.health != nil {
		e.health.SnapshotsExported.WithLabelValues(sinkName).Add(float64(written))
	}

	e.log.WithFields(logrus.Fields{
		"items":      written,
		"bytes":      len(data),
		"compressed": len(body),
	}).Debug("Exported batch via HTTP")

	return nil
}

// Shutdown releases the compressor.
func (e *Exporter[T]) Shutdown(_ context.Context) error {
	if e.compressor != nil {
		return e.compressor.Close()
	}

	return nil
}

// NewProcessor creates a BatchItemProcessor that exports through a new
// Exporter.
func NewProcessor[T any](
	log logrus.FieldLogger,
	cfg Config,
	name string,
	health *export.HealthMetrics,
) (*processor.BatchItemProcessor[T], error) {
	exporter, err := NewExporter[T](log, cfg, health)
	if err != nil {
		return nil, fmt.Errorf("creating exporter: %w", err)
	}

	proc, err := processor.NewBatchItemProcessor[T](
		exporter,
		name,
		log,
		processor.WithMaxQueueSize(exporter.cfg.MaxQueueSize),
		processor.WithBatchTimeout(exporter.cfg.BatchTimeout),
		processor.WithExportTimeout(exporter.cfg.ExportTimeout),
		processor.WithMaxExportBatchSize(exporter.cfg.BatchSize),
		processor.WithWorkers(1),
	)
	if err != nil {
		return nil, fmt.Errorf("creating processor: %w", err)
	}

	return proc, nil
}
