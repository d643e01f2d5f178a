package export

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// HealthConfig configures the Prometheus health metrics server.
type HealthConfig struct {
	// Addr is the listen address for the health metrics server.
	// Defaults to ":9090".
	Addr string `yaml:"addr"`
}

// HealthMetrics exposes Prometheus metrics for the service.
type HealthMetrics struct {
	log      logrus.FieldLogger
	addr     string
	server   *http.Server
	listener net.Listener
	registry *prometheus.Registry

	// Upstreams
	UpstreamRequestsTotal   *prometheus.CounterVec   // upstream, status
	UpstreamRequestDuration *prometheus.HistogramVec // upstream
	FetchRetries            *prometheus.CounterVec   // upstream
	FetchFailures           *prometheus.CounterVec   // upstream

	// Rate budget
	RateBudgetWaits    *prometheus.CounterVec // upstream
	RateBudgetTimeouts *prometheus.CounterVec // upstream
	RateBudgetUsed     *prometheus.GaugeVec   // upstream

	// Cache and metric computation
	CacheRequests          *prometheus.CounterVec   // metric, result
	MetricComputations     *prometheus.CounterVec   // metric, status
	MetricComputeDuration  *prometheus.HistogramVec // metric
	MetricValue            *prometheus.GaugeVec     // metric
	MetricLastComputedTime *prometheus.GaugeVec     // metric

	// Boundary HTTP
	HTTPRequestsTotal *prometheus.CounterVec // route, code
	HTTPRejected      prometheus.Counter

	// Snapshot export
	SnapshotsExported *prometheus.CounterVec // sink
	ExportErrors      *prometheus.CounterVec // sink
	ClickHouseBatch   prometheus.Histogram

	running atomic.Bool
}

// NewHealthMetrics creates a new health metrics server.
func NewHealthMetrics(
	log logrus.FieldLogger,
	cfg HealthConfig,
) *HealthMetrics {
	reg := prometheus.NewRegistry()

	h := &HealthMetrics{
		log:      log.WithField("component", "health"),
		addr:     cfg.Addr,
		registry: reg,

		UpstreamRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "supplyoor",
				Name:      "upstream_requests_total",
				Help:      "Total upstream requests by upstream and status.",
			},
			[]string{"upstream", "status"},
		),
		UpstreamRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "supplyoor",
				Name:      "upstream_request_duration_seconds",
				Help:      "Upstream request duration by upstream.",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5}, // 10ms-5s
			},
			[]string{"upstream"},
		),
		FetchRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "supplyoor",
				Name:      "fetch_retries_total",
				Help:      "Total retried fetch attempts by upstream.",
			},
			[]string{"upstream"},
		),
		FetchFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "supplyoor",
				Name:      "fetch_failures_total",
				Help:      "Total fetch tasks that exhausted their attempts by upstream.",
			},
			[]string{"upstream"},
		),
		RateBudgetWaits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "supplyoor",
				Name:      "rate_budget_waits_total",
				Help:      "Total times a task waited for the next rate window.",
			},
			[]string{"upstream"},
		),
		RateBudgetTimeouts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "supplyoor",
				Name:      "rate_budget_timeouts_total",
				Help:      "Total tasks that gave up waiting for a rate budget slot.",
			},
			[]string{"upstream"},
		),
		RateBudgetUsed: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "supplyoor",
				Name:      "rate_budget_used",
				Help:      "Grants within the last rate window.",
			},
			[]string{"upstream"},
		),
		CacheRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "supplyoor",
				Name:      "cache_requests_total",
				Help:      "Total cache lookups by metric and result (hit, miss, coalesced).",
			},
			[]string{"metric", "result"},
		),
		MetricComputations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "supplyoor",
				Name:      "metric_computations_total",
				Help:      "Total metric computations by metric and status.",
			},
			[]string{"metric", "status"},
		),
		MetricComputeDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "supplyoor",
				Name:      "metric_compute_duration_seconds",
				Help:      "Time to compute a metric from upstream data.",
				Buckets:   []float64{0.05, 0.1, 0.5, 1, 5, 10, 30},
			},
			[]string{"metric"},
		),
		MetricValue: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "supplyoor",
				Name:      "metric_value",
				Help:      "Last computed metric value (float approximation).",
			},
			[]string{"metric"},
		),
		MetricLastComputedTime: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "supplyoor",
				Name:      "metric_last_computed_timestamp_seconds",
				Help:      "Unix time of the last successful computation.",
			},
			[]string{"metric"},
		),
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "supplyoor",
				Name:      "http_requests_total",
				Help:      "Total API requests by route and status code.",
			},
			[]string{"route", "code"},
		),
		HTTPRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "supplyoor",
			Name:      "http_rejected_total",
			Help:      "Total API requests rejected by the inbound limiter.",
		}),
		SnapshotsExported: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "supplyoor",
				Name:      "snapshots_exported_total",
				Help:      "Total metric snapshots handed to an export sink.",
			},
			[]string{"sink"},
		),
		ExportErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "supplyoor",
				Name:      "export_errors_total",
				Help:      "Total snapshot export errors by sink.",
			},
			[]string{"sink"},
		),
		ClickHouseBatch: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "supplyoor",
			Name:      "clickhouse_batch_duration_seconds",
			Help:      "Time to write a snapshot batch to ClickHouse.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5}, // 1ms-500ms
		}),
	}

	reg.MustRegister(
		h.UpstreamRequestsTotal,
		h.UpstreamRequestDuration,
		h.FetchRetries,
		h.FetchFailures,
		h.RateBudgetWaits,
		h.RateBudgetTimeouts,
		h.RateBudgetUsed,
	)

	reg.MustRegister(
		h.CacheRequests,
		h.MetricComputations,
		h.MetricComputeDuration,
		h.MetricValue,
		h.MetricLastComputedTime,
	)

	reg.MustRegister(
		h.HTTPRequestsTotal,
		h.HTTPRejected,
		h.SnapshotsExported,
		h.ExportErrors,
		h.ClickHouseBatch,
	)

	return h
}

// Start begins serving the /metrics endpoint.
func (h *HealthMetrics) Start(_ context.Context) error {
	if h.addr == "" {
		h.addr = ":9090"
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(
		h.registry,
		promhttp.HandlerOpts{},
	))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "ok")
	})

	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	ln, err := net.Listen("tcp", h.addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", h.addr, err)
	}

	h.listener = ln

	h.server = &http.Server{
		Handler: mux,
	}

	h.running.Store(true)

	go func() {
		h.log.WithField("addr", ln.Addr().String()).
			Info("Health metrics server started")

		if err := h.server.Serve(ln); err != nil &&
			err != http.ErrServerClosed {
			h.log.WithError(err).
				Error("Health metrics server error")
		}

		h.running.Store(false)
	}()

	return nil
}

// Registry returns the underlying Prometheus registry.
func (h *HealthMetrics) Registry() *prometheus.Registry {
	return h.registry
}

// Addr returns the actual listener address. Useful when started
// with ":0" to get the OS-assigned port.
func (h *HealthMetrics) Addr() string {
	if h.listener != nil {
		return h.listener.Addr().String()
	}

	return h.addr
}

// Stop gracefully shuts down the health metrics server.
func (h *HealthMetrics) Stop() error {
	if h.server == nil {
		return nil
	}

	return h.server.Close()
}
