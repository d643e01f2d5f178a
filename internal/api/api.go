// Package api serves registered metrics over HTTP.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/supplyoor/internal/export"
	"github.com/ethpandaops/supplyoor/internal/metric"
)

const listPath = "/api/metrics"

// Source lists the metrics to serve. *metric.Registry satisfies it.
type Source interface {
	Metrics() []*metric.Metric
}

// errorBody is the JSON body of every non-2xx response.
type errorBody struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// metricInfo is one entry of the metric listing.
type metricInfo struct {
	Name        string `json:"name"`
	Path        string `json:"path"`
	ResponseKey string `json:"responseKey"`
	Reducer     string `json:"reducer"`
	Upstream    string `json:"upstream"`
	TTLSeconds  int64  `json:"ttlSeconds"`
	CacheState  string `json:"cacheState"`
	ComputedAt  string `json:"computedAt,omitempty"`
	ExpiresAt   string `json:"expiresAt,omitempty"`
}

// Server is the public metric API.
type Server struct {
	log     logrus.FieldLogger
	cfg     Config
	source  Source
	limiter *clientLimiter
	health  *export.HealthMetrics

	server   *http.Server
	listener net.Listener
}

// NewServer creates the API server. health may be nil.
func NewServer(
	log logrus.FieldLogger,
	cfg Config,
	source Source,
	health *export.HealthMetrics,
) (*Server, error) {
	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	for _, m := range source.Metrics() {
		if m.Definition().Path == listPath {
			return nil, fmt.Errorf("metric %s: path %s is reserved", m.Definition().Name, listPath)
		}
	}

	s := &Server{
		log:    log.WithField("component", "api"),
		cfg:    cfg,
		source: source,
		health: health,
	}

	if cfg.RateLimit.Enabled {
		limiter, err := newClientLimiter(cfg.RateLimit)
		if err != nil {
			return nil, err
		}

		s.limiter = limiter
	}

	return s, nil
}

// Handler returns the routed handler with CORS, rate limiting and request
// metrics applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	for _, m := range s.source.Metrics() {
		mux.HandleFunc("GET "+m.Definition().Path, s.serveMetric(m))
	}

	mux.HandleFunc("GET "+listPath, s.serveList)
	mux.HandleFunc("/", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusNotFound, errorBody{Error: http.StatusText(http.StatusNotFound)})
	})

	return s.instrument(mux)
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start(_ context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Addr, err)
	}

	s.listener = ln
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadTimeout:       s.cfg.ReadTimeout,
		ReadHeaderTimeout: s.cfg.ReadTimeout,
		WriteTimeout:      s.cfg.WriteTimeout,
	}

	go func() {
		s.log.WithField("addr", ln.Addr().String()).Info("API server listening")

		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.log.WithError(err).Error("API server error")
		}
	}()

	return nil
}

// Addr returns the bound listener address.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}

	return s.cfg.Addr
}

// Stop drains in-flight requests until ctx is done.
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}

	return s.server.Shutdown(ctx)
}

func (s *Server) serveMetric(m *metric.Metric) http.HandlerFunc {
	def := m.Definition()

	return func(w http.ResponseWriter, r *http.Request) {
		value, err := m.Get(r.Context())
		if err != nil {
			s.log.WithError(err).WithField("metric", def.Name).Warn("Serving metric failed")

			writeJSON(w, http.StatusInternalServerError, errorBody{
				Error:   http.StatusText(http.StatusInternalServerError),
				Details: err.Error(),
			})

			return
		}

		writeJSON(w, http.StatusOK, map[string]json.Number{
			def.ResponseKey: json.Number(value.String()),
		})
	}
}

func (s *Server) serveList(w http.ResponseWriter, _ *http.Request) {
	metrics := s.source.Metrics()
	out := make([]metricInfo, 0, len(metrics))

	for _, m := range metrics {
		def := m.Definition()
		info := m.CacheInfo()

		entry := metricInfo{
			Name:        def.Name,
			Path:        def.Path,
			ResponseKey: def.ResponseKey,
			Reducer:     def.Reducer.Kind(),
			Upstream:    def.Upstream,
			TTLSeconds:  int64(def.TTL / time.Second),
			CacheState:  info.State.String(),
		}

		if !info.ComputedAt.IsZero() {
			entry.ComputedAt = info.ComputedAt.UTC().Format(time.RFC3339)
			entry.ExpiresAt = info.ExpiresAt.UTC().Format(time.RFC3339)
		}

		out = append(out, entry)
	}

	writeJSON(w, http.StatusOK, out)
}

func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")

		if s.limiter != nil && !s.limiter.Allow(clientKey(r)) {
			if s.health != nil {
				s.health.HTTPRejected.Inc()
			}

			writeJSON(w, http.StatusTooManyRequests, errorBody{
				Error: http.StatusText(http.StatusTooManyRequests),
			})

			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		if s.health != nil {
			route := r.Pattern
			if route == "" || route == "/" {
				route = "unmatched"
			}

			s.health.HTTPRequestsTotal.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
		}
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(body)
}
