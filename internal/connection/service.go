// ABOUTME: Public orchestration facade for the connection lifecycle.
// ABOUTME: Entry point for the HTTP API, startup recovery, and graceful shutdown.

package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/weavelink/weave-gateway/internal/metrics"
	"github.com/weavelink/weave-gateway/internal/store"
)

// StatusInfo is a point-in-time view of a connection, answered from memory
// when a live session exists and from the durable store otherwise.
type StatusInfo struct {
	Name              string `json:"name"`
	Status            Status `json:"status"`
	PhoneNumber       string `json:"phone_number,omitempty"`
	ReconnectAttempts int    `json:"reconnect_attempts,omitempty"`
	Reconnecting      bool   `json:"reconnecting,omitempty"`
	Source            string `json:"source"`
}

// Service orchestrates session lifecycles. It implements LifecycleObserver
// so the dispatcher can request teardown without a dependency cycle.
type Service struct {
	registry *Registry
	store    store.Store
	mgr      *Manager
	metrics  *metrics.Metrics
	logger   *slog.Logger

	shuttingDown atomic.Bool
}

// NewService wires the orchestrator around an already-built manager.
func NewService(mgr *Manager, st store.Store, reg *Registry, m *metrics.Metrics, logger *slog.Logger) *Service {
	return &Service{
		registry: reg,
		store:    st,
		mgr:      mgr,
		metrics:  m,
		logger:   logger.With("component", "connection-service"),
	}
}

// InitializeSession creates and initializes the session for name under
// ownerID, pairing it with the given bot profile.
func (s *Service) InitializeSession(ctx context.Context, name, botProfileID, ownerID string, isRetry bool) error {
	if s.shuttingDown.Load() {
		return fmt.Errorf("%w: refusing to initialize %q", ErrShuttingDown, name)
	}
	_, err := s.mgr.CreateAndInitialize(ctx, name, botProfileID, ownerID, isRetry, s)
	return err
}

// GetQRCode returns the pending pairing payload for name, if any, together
// with the current status. Absent connections yield StatusNotFound and no
// error.
func (s *Service) GetQRCode(ctx context.Context, name, ownerID string) (string, Status, error) {
	if name == "" || ownerID == "" {
		return "", StatusNotFound, fmt.Errorf("%w: connection name and owner are required", ErrValidation)
	}

	if sess := s.registry.Get(name); sess != nil && sess.OwnerID == ownerID {
		sess.mu.Lock()
		qr, status := sess.qrPayload, sess.status
		sess.mu.Unlock()
		return qr, status, nil
	}

	rec, err := s.store.GetByConnectionName(ctx, name, ownerID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", StatusNotFound, nil
		}
		return "", StatusNotFound, fmt.Errorf("%w: loading connection: %v", ErrPersistence, err)
	}
	// A durable qr_pending_scan without a live session has no payload to
	// show; the caller must re-initialize to obtain a fresh code.
	return "", StatusFromPersisted(rec.LastKnownStatus), nil
}

// GetStatus reports the connection's current state, preferring the live
// session and falling back to the durable record.
func (s *Service) GetStatus(ctx context.Context, name, ownerID string) (StatusInfo, error) {
	if name == "" || ownerID == "" {
		return StatusInfo{}, fmt.Errorf("%w: connection name and owner are required", ErrValidation)
	}

	if sess := s.registry.Get(name); sess != nil && sess.OwnerID == ownerID {
		sess.mu.Lock()
		info := StatusInfo{
			Name:              name,
			Status:            sess.status,
			PhoneNumber:       sess.phoneNumber,
			ReconnectAttempts: sess.reconnectAttempts,
			Reconnecting:      sess.isReconnecting,
			Source:            "memory",
		}
		sess.mu.Unlock()
		return info, nil
	}

	rec, err := s.store.GetByConnectionName(ctx, name, ownerID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return StatusInfo{Name: name, Status: StatusNotFound, Source: "store"}, nil
		}
		return StatusInfo{}, fmt.Errorf("%w: loading connection: %v", ErrPersistence, err)
	}
	return StatusInfo{
		Name:        name,
		Status:      StatusFromPersisted(rec.LastKnownStatus),
		PhoneNumber: rec.PhoneNumber,
		Source:      "store",
	}, nil
}

// SendMessage delivers an outbound message through the connection's client.
// The session must be usable and owned by ownerID.
func (s *Service) SendMessage(ctx context.Context, name, ownerID, to, text string) error {
	if name == "" || ownerID == "" || to == "" || text == "" {
		return fmt.Errorf("%w: connection, owner, recipient, and text are required", ErrValidation)
	}

	sess := s.registry.Get(name)
	if sess == nil || sess.OwnerID != ownerID {
		return fmt.Errorf("%w: connection %q", ErrNotFound, name)
	}

	sess.mu.Lock()
	status := sess.status
	client := sess.client
	limiter := sess.limiter
	sess.mu.Unlock()

	if !status.Usable() || client == nil {
		return fmt.Errorf("%w: connection %q is %s", ErrNotConnected, name, status)
	}

	if limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			return fmt.Errorf("%w: rate limit wait: %v", ErrExternalClient, err)
		}
	}
	if err := client.SendMessage(ctx, to, text); err != nil {
		return fmt.Errorf("%w: sending message: %v", ErrExternalClient, err)
	}
	return nil
}

// CloseSession tears the session down, persists the terminal status, and
// removes it from the registry. Owner context comes from the in-memory
// session; when none exists the durable update is skipped rather than
// guessed at.
func (s *Service) CloseSession(ctx context.Context, name string, force, fromAuthFailure bool) (Status, error) {
	var owner string
	if sess := s.registry.Get(name); sess != nil {
		owner = sess.OwnerID
	}

	final, err := s.mgr.DestroyClient(ctx, name, force, fromAuthFailure)
	if err != nil {
		return final, err
	}

	if owner != "" {
		if perr := s.store.UpdateConnectionStatus(ctx, name, owner, final.Persisted(), false); perr != nil {
			s.logger.Error("persisting terminal status", "connection", name, "error", perr)
		}
	} else if final != StatusNotFound {
		s.logger.Warn("closing session without owner context, skipping persistence", "connection", name)
	}

	s.registry.Remove(name)
	s.metrics.ActiveConnections.Set(float64(s.registry.Len()))

	if final != StatusNotFound {
		s.logger.Info("session closed", "connection", name, "final_status", final)
	}
	return final, nil
}

// SessionClosed implements LifecycleObserver for the dispatcher.
func (s *Service) SessionClosed(name string, force, fromAuthFailure bool) (Status, error) {
	return s.CloseSession(context.Background(), name, force, fromAuthFailure)
}

// LoadAndReconnectPersistedSessions sweeps the durable store at startup and
// re-initializes every connection flagged for reconnection. Failures are
// contained per connection; non-retryable ones are marked failed so the next
// boot does not retry them forever.
func (s *Service) LoadAndReconnectPersistedSessions(ctx context.Context) {
	records, err := s.store.GetConnectionsToReconnect(ctx)
	if err != nil {
		s.logger.Error("loading reconnectable connections", "error", err)
		return
	}
	if len(records) == 0 {
		s.logger.Info("no persisted connections to recover")
		return
	}
	s.logger.Info("recovering persisted connections", "count", len(records))

	for _, rec := range records {
		if sess := s.registry.Get(rec.ConnectionName); sess != nil && sess.OwnerID == rec.OwnerID && !sess.Status().Terminal() {
			s.logger.Debug("skipping already-active connection", "connection", rec.ConnectionName)
			continue
		}

		if err := s.store.UpdateLastAttemptedReconnect(ctx, rec.ConnectionName, rec.OwnerID); err != nil {
			s.logger.Warn("stamping startup reconnect", "connection", rec.ConnectionName, "error", err)
		}

		if err := s.InitializeSession(ctx, rec.ConnectionName, rec.BotProfileID, rec.OwnerID, true); err != nil {
			s.logger.Error("startup reconnect failed",
				"connection", rec.ConnectionName, "owner", rec.OwnerID, "error", err)
			if isNonRetryable(err) {
				if perr := s.store.UpdateConnectionStatus(ctx, rec.ConnectionName, rec.OwnerID, StatusInitFailed.Persisted(), false); perr != nil {
					s.logger.Error("marking connection failed", "connection", rec.ConnectionName, "error", perr)
				}
			}
		}
	}
}

// GracefulShutdown stops accepting new sessions and closes every live one
// without flipping their durable reconnect intent, so the next boot recovers
// them.
func (s *Service) GracefulShutdown(ctx context.Context) {
	s.shuttingDown.Store(true)
	active := s.registry.Active()
	s.logger.Info("shutting down connection service", "active_sessions", len(active))

	for _, sess := range active {
		sess.mu.Lock()
		sess.isReconnecting = false
		sess.generation = s.mgr.genCounter.Add(1)
		sess.mu.Unlock()

		s.mgr.CleanupClientResources(ctx, sess.Name, false)
		s.registry.Remove(sess.Name)
	}
	s.metrics.ActiveConnections.Set(0)
	s.mgr.Close()
}

// isNonRetryable reports whether a startup reconnect error will keep failing
// on every boot (bad credentials, missing profile, pairing required).
func isNonRetryable(err error) bool {
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrAuthorization) || errors.Is(err, ErrValidation) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "auth") || strings.Contains(msg, "pairing") || strings.Contains(msg, "logged out")
}
