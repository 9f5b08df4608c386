package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vietddude/keyrouter/internal/core/domain"
	"github.com/vietddude/keyrouter/internal/infra/storage"
	"github.com/vietddude/keyrouter/internal/keypool"
	"github.com/vietddude/keyrouter/internal/routing"
)

const maxBodyBytes = 1 << 20

// Pool is the key pool view the server needs.
type Pool interface {
	Stats() []keypool.KeyStats
	Len() int
	HealthyCount() int
	ResetRateLimits()
}

// GenerateFunc runs one prompt through the retry orchestrator.
type GenerateFunc func(ctx context.Context, prompt string) (string, error)

// Server provides the HTTP API plus health and metrics endpoints.
type Server struct {
	pool      Pool
	generate  GenerateFunc
	snapshots storage.SnapshotRepository
	server    *http.Server
	log       *slog.Logger

	adminToken string
}

// Option configures a Server.
type Option func(*Server)

// WithAdminToken requires "Authorization: Bearer <token>" on /v1/admin routes.
func WithAdminToken(token string) Option {
	return func(s *Server) { s.adminToken = token }
}

// NewServer creates a new HTTP server. snapshots may be nil.
func NewServer(port int, pool Pool, generate GenerateFunc, snapshots storage.SnapshotRepository, opts ...Option) *Server {
	mux := http.NewServeMux()
	s := &Server{
		pool:      pool,
		generate:  generate,
		snapshots: snapshots,
		server: &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
		log: slog.Default().With("component", "http"),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.adminToken == "" {
		s.log.Warn("Admin routes are unauthenticated; set server.admin_token to protect them")
	}

	mux.HandleFunc("POST /v1/generate", s.handleGenerate)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /v1/keys", s.handleKeys)
	mux.HandleFunc("GET /v1/keys/cluster", s.handleCluster)
	mux.HandleFunc("POST /v1/admin/rate-limits/reset", s.requireAdmin(s.handleResetRateLimits))
	mux.Handle("GET /metrics", promhttp.Handler())

	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.log.Info("HTTP server listening", "addr", s.server.Addr)
	return s.server.ListenAndServe()
}

// Stop stops the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

type generateRequest struct {
	Prompt string `json:"prompt"`
}

type generateResponse struct {
	Text string `json:"text"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var req generateRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}
	if req.Prompt == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "prompt is required"})
		return
	}

	text, err := s.generate(r.Context(), req.Prompt)
	if err != nil {
		status, msg := errorStatus(err)
		if status == http.StatusInternalServerError {
			s.log.Error("Generate failed", "error", err)
		}
		writeJSON(w, status, errorResponse{Error: msg})
		return
	}

	writeJSON(w, http.StatusOK, generateResponse{Text: text})
}

// errorStatus maps orchestrator errors to a status and a user-safe message.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, routing.ErrUnavailable):
		return http.StatusServiceUnavailable, routing.ErrUnavailable.Error()
	case errors.Is(err, routing.ErrExhausted):
		return http.StatusBadGateway, routing.ErrExhausted.Error()
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusGatewayTimeout, "request canceled before completion"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

type healthResponse struct {
	Status  domain.PoolStatus `json:"status"`
	Keys    int               `json:"keys"`
	Healthy int               `json:"healthy"`
	Store   string            `json:"store,omitempty"`
}

const healthPingTimeout = 2 * time.Second

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	total, healthy := s.pool.Len(), s.pool.HealthyCount()
	resp := healthResponse{
		Status:  domain.StatusOf(total, healthy),
		Keys:    total,
		Healthy: healthy,
	}

	if s.snapshots != nil {
		ctx, cancel := context.WithTimeout(r.Context(), healthPingTimeout)
		err := s.snapshots.Health(ctx)
		cancel()
		if err != nil {
			s.log.Warn("Snapshot store unreachable", "error", err)
			resp.Store = "unreachable"
			// A dead store costs cluster visibility, not routing.
			if resp.Status == domain.StatusHealthy {
				resp.Status = domain.StatusDegraded
			}
		} else {
			resp.Store = "ok"
		}
	}

	status := http.StatusOK
	if resp.Status == domain.StatusCritical {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

type keysResponse struct {
	Status  domain.PoolStatus  `json:"status"`
	Total   int                `json:"total"`
	Healthy int                `json:"healthy"`
	Keys    []keypool.KeyStats `json:"keys"`
}

func (s *Server) handleKeys(w http.ResponseWriter, r *http.Request) {
	stats := s.pool.Stats()
	healthy := 0
	for _, k := range stats {
		if k.Healthy {
			healthy++
		}
	}
	writeJSON(w, http.StatusOK, keysResponse{
		Status:  domain.StatusOf(len(stats), healthy),
		Total:   len(stats),
		Healthy: healthy,
		Keys:    stats,
	})
}

func (s *Server) handleCluster(w http.ResponseWriter, r *http.Request) {
	if s.snapshots == nil {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "no snapshot store configured"})
		return
	}
	snaps, err := s.snapshots.List(r.Context())
	if err != nil {
		s.log.Error("Failed to list snapshots", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "failed to list snapshots"})
		return
	}
	if snaps == nil {
		snaps = []*domain.Snapshot{}
	}
	writeJSON(w, http.StatusOK, snaps)
}

// requireAdmin rejects requests without the admin bearer token. It is a
// pass-through when no token is configured.
func (s *Server) requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	if s.adminToken == "" {
		return next
	}
	want := []byte(s.adminToken)
	return func(w http.ResponseWriter, r *http.Request) {
		got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(got), want) != 1 {
			s.log.Warn("Rejected admin request", "path", r.URL.Path, "remote", r.RemoteAddr)
			w.Header().Set("WWW-Authenticate", "Bearer")
			writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "admin token required"})
			return
		}
		next(w, r)
	}
}

func (s *Server) handleResetRateLimits(w http.ResponseWriter, r *http.Request) {
	s.pool.ResetRateLimits()
	s.log.Info("Rate limits reset by operator", "remote", r.RemoteAddr)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
