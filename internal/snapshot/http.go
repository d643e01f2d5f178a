package snapshot

import (
	"context"
	"fmt"
	"time"

	processor "github.com/ethpandaops/go-batch-processor"
	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/supplyoor/internal/export"
	httpexport "github.com/ethpandaops/supplyoor/internal/export/http"
)

// SnapshotJSON is the NDJSON schema, matching the metric_snapshots table.
type SnapshotJSON struct {
	UpdatedDateTime  string  `json:"updated_date_time"`
	ComputedDateTime string  `json:"computed_date_time"`
	Deployment       string  `json:"deployment,omitempty"`
	Metric           string  `json:"metric"`
	Value            string  `json:"value"`
	ValueFloat       float64 `json:"value_float"`
	Precision        int32   `json:"precision"`
	TTLSeconds       uint32  `json:"ttl_seconds"`
	Samples          int     `json:"samples"`
	FailedSamples    int     `json:"failed_samples"`
	DurationMs       int64   `json:"duration_ms"`
}

// HTTPSink exports snapshots as NDJSON via a batch processor.
type HTTPSink struct {
	log        logrus.FieldLogger
	deployment string
	proc       *processor.BatchItemProcessor[SnapshotJSON]
}

var _ Sink = (*HTTPSink)(nil)

// NewHTTPSink creates an HTTP sink. health may be nil.
func NewHTTPSink(
	log logrus.FieldLogger,
	cfg httpexport.Config,
	deployment string,
	health *export.HealthMetrics,
) (*HTTPSink, error) {
	proc, err := httpexport.NewProcessor[SnapshotJSON](log, cfg, "snapshots_http", health)
	if err != nil {
		return nil, fmt.Errorf("creating HTTP snapshot processor: %w", err)
	}

	return &HTTPSink{
		log:        log.WithField("sink", "http"),
		deployment: deployment,
		proc:       proc,
	}, nil
}

func (s *HTTPSink) Name() string {
	return "http"
}

func (s *HTTPSink) Start(ctx context.Context) error {
	s.proc.Start(ctx)

	return nil
}

func (s *HTTPSink) Write(ctx context.Context, snapshots []*Snapshot) error {
	items := make([]*SnapshotJSON, 0, len(snapshots))

	for _, snap := range snapshots {
		items = append(items, toJSON(snap, s.deployment))
	}

	return s.proc.Write(ctx, items)
}

func (s *HTTPSink) Stop(ctx context.Context) error {
	if err := s.proc.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down HTTP snapshot processor: %w", err)
	}

	return nil
}

func toJSON(snap *Snapshot, deployment string) *SnapshotJSON {
	return &SnapshotJSON{
		UpdatedDateTime:  time.Now().UTC().Format(dateTimeFormat),
		ComputedDateTime: snap.ComputedAt.UTC().Format(dateTimeFormat),
		Deployment:       deployment,
		Metric:           snap.Metric,
		Value:            snap.Value,
		ValueFloat:       snap.ValueFloat,
		Precision:        snap.Precision,
		TTLSeconds:       uint32(snap.TTL.Seconds()),
		Samples:          snap.Samples,
		FailedSamples:    snap.Failed,
		DurationMs:       snap.Duration.Milliseconds(),
	}
}
