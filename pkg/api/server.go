package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/letuhao/chaos-backend-service-sub003/pkg/aggregator"
	"github.com/letuhao/chaos-backend-service-sub003/pkg/cache"
	"github.com/letuhao/chaos-backend-service-sub003/pkg/caps"
	"github.com/letuhao/chaos-backend-service-sub003/pkg/contracts"
	"github.com/letuhao/chaos-backend-service-sub003/pkg/readiness"
)

const (
	maxBodyBytes = 1 << 20
	// MaxBatchActors bounds POST /v1/resolve/batch.
	MaxBatchActors = 1000
)

// Server exposes an aggregator over HTTP.
type Server struct {
	agg     *aggregator.Aggregator
	limiter *RateLimiter
	logger  *slog.Logger
}

type ServerOption func(*Server)

func WithServerLogger(l *slog.Logger) ServerOption {
	return func(s *Server) { s.logger = l }
}

// WithRateLimiter limits requests per client. Health probes are not limited.
func WithRateLimiter(rl *RateLimiter) ServerOption {
	return func(s *Server) { s.limiter = rl }
}

func NewServer(agg *aggregator.Aggregator, opts ...ServerOption) *Server {
	s := &Server{agg: agg}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("component", "api")
	return s
}

// BatchRequest is the body of POST /v1/resolve/batch.
type BatchRequest struct {
	Actors []*contracts.Actor `json:"actors"`
}

type BatchResponse struct {
	Snapshots []*contracts.Snapshot `json:"snapshots"`
}

// MetricsResponse is the body of GET /v1/metrics.
type MetricsResponse struct {
	Aggregator aggregator.Metrics     `json:"aggregator"`
	Caps       caps.Statistics        `json:"caps"`
	Cache      cache.Stats            `json:"cache"`
	Layers     map[string]cache.Stats `json:"cache_layers,omitempty"`
}

type readyResponse struct {
	Ready  bool               `json:"ready"`
	Checks []readiness.Result `json:"checks"`
}

// Handler returns the routed, instrumented handler.
func (s *Server) Handler() http.Handler {
	api := http.NewServeMux()
	api.HandleFunc("POST /v1/resolve", s.handleResolve)
	api.HandleFunc("POST /v1/resolve/batch", s.handleBatch)
	api.HandleFunc("POST /v1/actors/invalidate", s.handleInvalidate)
	api.HandleFunc("DELETE /v1/cache", s.handleClear)
	api.HandleFunc("GET /v1/metrics", s.handleMetrics)

	var limited http.Handler = api
	if s.limiter != nil {
		limited = s.limiter.Middleware(api)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /readyz", s.handleReady)
	mux.Handle("/v1/", limited)

	var h http.Handler = mux
	h = Recover(s.logger)(h)
	h = RequestID(h)
	return otelhttp.NewHandler(h, "actorcore.http",
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// decode reads a JSON body into v, writing the problem response on failure.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			WriteError(w, r, http.StatusRequestEntityTooLarge, fmt.Sprintf("body exceeds %d bytes", maxErr.Limit))
			return false
		}
		WriteError(w, r, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	results := readiness.Run(r.Context(), readiness.Deps{
		Registry: s.agg.Registry(),
		Rules:    s.agg.MergeRules(),
		Caps:     s.agg.CapsProvider(),
		Cache:    s.agg.Cache(),
	})
	resp := readyResponse{Ready: true, Checks: results}
	for _, res := range results {
		if !res.OK {
			resp.Ready = false
			s.logger.WarnContext(r.Context(), "readiness check failed", "check", res.Name, "error", res.Err)
		}
	}
	status := http.StatusOK
	if !resp.Ready {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	var actor contracts.Actor
	if !decode(w, r, &actor) {
		return
	}
	snap, err := s.agg.Resolve(r.Context(), &actor)
	if err != nil {
		WriteKindError(w, r, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	var req BatchRequest
	if !decode(w, r, &req) {
		return
	}
	if len(req.Actors) > MaxBatchActors {
		WriteError(w, r, http.StatusRequestEntityTooLarge, fmt.Sprintf("batch exceeds %d actors", MaxBatchActors))
		return
	}
	snaps, err := s.agg.ResolveBatch(r.Context(), req.Actors)
	if err != nil {
		WriteKindError(w, r, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, BatchResponse{Snapshots: snaps})
}

func (s *Server) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	var actor contracts.Actor
	if !decode(w, r, &actor) {
		return
	}
	if err := s.agg.Invalidate(r.Context(), &actor); err != nil {
		WriteKindError(w, r, s.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	if err := s.agg.ClearCache(r.Context()); err != nil {
		WriteKindError(w, r, s.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	resp := MetricsResponse{
		Aggregator: s.agg.Metrics(),
		Caps:       s.agg.CapsProvider().Statistics(),
		Cache:      s.agg.Cache().Stats(),
	}
	if layered, ok := s.agg.Cache().(*cache.Layered); ok {
		resp.Layers = layered.LayerStats()
	}
	writeJSON(w, http.StatusOK, resp)
}
