// ABOUTME: HTTP server exposing the connection lifecycle and bot profile API.
// ABOUTME: Routes are owner-scoped behind JWT auth; health and metrics are open.

package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/weavelink/weave-gateway/internal/auth"
	"github.com/weavelink/weave-gateway/internal/connection"
	"github.com/weavelink/weave-gateway/internal/store"
)

// ConnectionService is the slice of the connection service the API uses.
type ConnectionService interface {
	InitializeSession(ctx context.Context, name, botProfileID, ownerID string, isRetry bool) error
	GetQRCode(ctx context.Context, name, ownerID string) (string, connection.Status, error)
	GetStatus(ctx context.Context, name, ownerID string) (connection.StatusInfo, error)
	SendMessage(ctx context.Context, name, ownerID, to, text string) error
	CloseSession(ctx context.Context, name string, force, fromAuthFailure bool) (connection.Status, error)
}

// Server hosts the gateway's HTTP API.
type Server struct {
	connections ConnectionService
	store       store.Store
	logger      *slog.Logger
	httpServer  *http.Server
}

// Config carries the server's dependencies and listen address.
type Config struct {
	Addr        string
	Connections ConnectionService
	Store       store.Store
	Verifier    auth.TokenVerifier
	Gatherer    prometheus.Gatherer
	Logger      *slog.Logger
}

// New builds the server and its route table.
func New(cfg Config) *Server {
	s := &Server{
		connections: cfg.Connections,
		store:       cfg.Store,
		logger:      cfg.Logger.With("component", "httpapi"),
	}

	mux := http.NewServeMux()

	// Health and metrics - no auth required
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /health/ready", s.handleReady)
	if cfg.Gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	}

	// Tenant-scoped API
	authed := auth.Middleware(cfg.Verifier)
	api := http.NewServeMux()
	api.HandleFunc("POST /api/connections", s.handleCreateConnection)
	api.HandleFunc("GET /api/connections/{name}/qr", s.handleGetQR)
	api.HandleFunc("GET /api/connections/{name}/status", s.handleGetStatus)
	api.HandleFunc("POST /api/connections/{name}/messages", s.handleSendMessage)
	api.HandleFunc("DELETE /api/connections/{name}", s.handleCloseConnection)
	api.HandleFunc("POST /api/profiles", s.handleCreateProfile)
	api.HandleFunc("GET /api/profiles", s.handleListProfiles)
	api.HandleFunc("PUT /api/profiles/{id}/enabled", s.handleSetProfileEnabled)
	mux.Handle("/api/", authed(api))

	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler exposes the route table for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start blocks serving HTTP until Shutdown or a listener error.
func (s *Server) Start() error {
	s.logger.Info("http api listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// handleHealth returns 200 OK if the server is alive.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK once the durable store answers.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("store unavailable"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}
