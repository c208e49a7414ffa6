// ABOUTME: Adapter between session lifecycle and the external automation engine.
// ABOUTME: Builds clients, runs initialization, and tears client resources down.

package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"github.com/weavelink/weave-gateway/internal/conversation"
	"github.com/weavelink/weave-gateway/internal/engine"
	"github.com/weavelink/weave-gateway/internal/metrics"
	"github.com/weavelink/weave-gateway/internal/store"
)

const destroyTimeout = 30 * time.Second

// connNamePattern constrains connection names to safe identifiers. The name
// doubles as the engine's credential database file name, so anything that
// could traverse the state directory is rejected.
var connNamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// Config carries the lifecycle tunables resolved from the gateway config.
type Config struct {
	MaxReconnectAttempts int
	BaseDelay            time.Duration
	MaxDelay             time.Duration
	ReadyTimeout         time.Duration
	InitTimeout          time.Duration
	EngineStateDir       string
	EngineDeviceName     string
	SendRate             float64
	SendBurst            int
}

// DefaultConfig returns the production defaults used when a field is unset.
func DefaultConfig() Config {
	return Config{
		MaxReconnectAttempts: 5,
		BaseDelay:            5 * time.Second,
		MaxDelay:             60 * time.Second,
		ReadyTimeout:         30 * time.Second,
		InitTimeout:          2 * time.Minute,
		EngineStateDir:       "./state",
		EngineDeviceName:     "weave-gateway",
		SendRate:             1,
		SendBurst:            3,
	}
}

// Manager owns client construction and teardown for sessions in the
// registry. The event dispatcher is attached to every client it builds.
type Manager struct {
	registry   *Registry
	store      store.Store
	engines    engine.Factory
	processor  conversation.Processor
	cfg        Config
	metrics    *metrics.Metrics
	logger     *slog.Logger
	dispatcher *dispatcher

	// genCounter issues process-wide unique generations so events and
	// timers from a replaced client can never target its successor.
	genCounter atomic.Uint64
}

// NewManager wires the manager and its dispatcher.
func NewManager(reg *Registry, st store.Store, engines engine.Factory, proc conversation.Processor, cfg Config, m *metrics.Metrics, logger *slog.Logger) *Manager {
	if cfg.MaxReconnectAttempts <= 0 {
		cfg = DefaultConfig()
	}
	mgr := &Manager{
		registry:  reg,
		store:     st,
		engines:   engines,
		processor: proc,
		cfg:       cfg,
		metrics:   m,
		logger:    logger.With("component", "connection-manager"),
	}
	mgr.dispatcher = newDispatcher(mgr, logger)
	return mgr
}

// Close releases dispatcher resources. Sessions must be drained first.
func (m *Manager) Close() {
	m.dispatcher.close()
}

// CreateAndInitialize builds (or rebuilds) the session for name, constructs
// an engine client, and runs initialization. isRetry marks calls from the
// reconnection scheduler and the startup sweep: those bypass the duplicate
// check, reuse the session's attempt bookkeeping, and leave failure handling
// to the scheduler instead of tearing the session down.
func (m *Manager) CreateAndInitialize(ctx context.Context, name, botProfileID, ownerID string, isRetry bool, obs LifecycleObserver) (*Session, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: connection name is required", ErrValidation)
	}
	if !connNamePattern.MatchString(name) {
		return nil, fmt.Errorf("%w: connection name must contain only letters, digits, hyphen, or underscore", ErrValidation)
	}
	if botProfileID == "" {
		return nil, fmt.Errorf("%w: bot profile id is required", ErrValidation)
	}
	if ownerID == "" {
		return nil, fmt.Errorf("%w: owner id is required", ErrValidation)
	}

	if existing := m.registry.Get(name); existing != nil {
		existing.mu.Lock()
		st := existing.status
		live := existing.client != nil && !st.Terminal()
		midReconnect := existing.isReconnecting
		owner := existing.OwnerID
		existing.mu.Unlock()

		if owner != ownerID && (live || midReconnect) {
			return nil, fmt.Errorf("%w: connection %q belongs to another owner", ErrConflict, name)
		}
		if !isRetry {
			if live {
				return nil, fmt.Errorf("%w: connection %q already has an active session", ErrConflict, name)
			}
			if midReconnect {
				return nil, fmt.Errorf("%w: connection %q has a reconnect in progress", ErrConflict, name)
			}
			if !st.Terminal() && st != StatusInitFailed {
				// Clientless but not settled: another initialize holds the
				// session and has not attached its client yet.
				return nil, fmt.Errorf("%w: connection %q has an initialization in progress", ErrConflict, name)
			}
			// Settled failure; a fresh session replaces it.
			m.registry.Remove(name)
		}
	}

	profile, err := m.store.GetBotProfile(ctx, botProfileID, ownerID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: bot profile %q", ErrNotFound, botProfileID)
		}
		return nil, fmt.Errorf("%w: resolving bot profile: %v", ErrPersistence, err)
	}
	if !profile.Enabled {
		return nil, fmt.Errorf("%w: bot profile %q is disabled", ErrAuthorization, botProfileID)
	}

	if err := m.waitForStoreReady(ctx); err != nil {
		return nil, fmt.Errorf("%w: store not ready: %v", ErrPersistence, err)
	}

	sess, created := m.registry.GetOrCreate(name, func() *Session {
		lim := rate.NewLimiter(rate.Limit(m.cfg.SendRate), m.cfg.SendBurst)
		return newSession(name, ownerID, botProfileID, lim)
	})
	if created {
		m.metrics.ActiveConnections.Set(float64(m.registry.Len()))
	} else if !isRetry {
		// The duplicate check and registration are separated by store I/O; a
		// concurrent initialize for the same name registered first.
		return nil, fmt.Errorf("%w: connection %q already has an active session", ErrConflict, name)
	}

	client, err := m.engines.NewClient(engine.ClientConfig{
		SessionID:  name,
		StateDir:   m.cfg.EngineStateDir,
		DeviceName: m.cfg.EngineDeviceName,
	})
	if err != nil {
		sess.mu.Lock()
		sess.transitionLocked(StatusInitFailed)
		sess.mu.Unlock()
		if created {
			m.registry.Remove(name)
			m.metrics.ActiveConnections.Set(float64(m.registry.Len()))
		}
		return nil, fmt.Errorf("%w: constructing client: %v", ErrExternalClient, err)
	}

	// Record intent before the slow initialize so a crash mid-init leaves a
	// recoverable row behind.
	auto := false
	if err := m.store.SaveConnectionDetails(ctx, store.SaveConnectionParams{
		ConnectionName: name,
		OwnerID:        ownerID,
		BotProfileID:   profile.ID,
		Status:         StatusInitializing.Persisted(),
		AutoReconnect:  auto,
	}); err != nil {
		dctx, cancel := context.WithTimeout(ctx, destroyTimeout)
		if derr := client.Destroy(dctx); derr != nil {
			m.logger.Warn("destroying unattached client", "connection", name, "error", derr)
		}
		cancel()
		if created {
			m.registry.Remove(name)
			m.metrics.ActiveConnections.Set(float64(m.registry.Len()))
		}
		return nil, fmt.Errorf("%w: recording session: %v", ErrPersistence, err)
	}

	sess.mu.Lock()
	if sess.client != nil {
		sess.mu.Unlock()
		dctx, cancel := context.WithTimeout(ctx, destroyTimeout)
		if derr := client.Destroy(dctx); derr != nil {
			m.logger.Warn("destroying unattached client", "connection", name, "error", derr)
		}
		cancel()
		return nil, fmt.Errorf("%w: connection %q already has an active session", ErrConflict, name)
	}
	sess.transitionLocked(StatusInitializing)
	sess.client = client
	sess.qrPayload = ""
	sess.observer = obs
	sess.sessCtx = &conversation.SessionContext{
		BotProfileID: profile.ID,
		OwnerID:      ownerID,
		SystemPrompt: profile.SystemPrompt,
		Model:        profile.Model,
	}
	gen := m.genCounter.Add(1)
	sess.generation = gen
	sess.mu.Unlock()

	client.AddEventHandler(m.dispatcher.handlerFor(name, gen))

	initCtx, cancel := context.WithTimeout(ctx, m.cfg.InitTimeout)
	defer cancel()

	start := time.Now()
	initErr := client.Initialize(initCtx)
	m.metrics.InitializeSeconds.Observe(time.Since(start).Seconds())
	if initErr != nil {
		return nil, m.handleInitFailure(ctx, sess, initErr, isRetry)
	}

	sess.mu.Lock()
	if sess.status == StatusQRReady {
		// Pairing pending; the dispatcher already persisted it and the
		// session stays parked until the user scans or the socket drops.
		sess.mu.Unlock()
		m.logger.Info("client initialized, awaiting pairing", "connection", name)
		return sess, nil
	}
	if id := client.Identity(); id.User != "" {
		sess.phoneNumber = id.User
	}
	sess.transitionLocked(StatusConnected)
	sess.isReconnecting = false
	sess.reconnectAttempts = 0
	sess.setAutoReconnect(true)
	phone := sess.phoneNumber
	sess.mu.Unlock()

	now := time.Now().UTC()
	if err := m.store.SaveConnectionDetails(ctx, store.SaveConnectionParams{
		ConnectionName:  name,
		OwnerID:         ownerID,
		BotProfileID:    profile.ID,
		Status:          StatusConnected.Persisted(),
		AutoReconnect:   true,
		PhoneNumber:     phone,
		LastConnectedAt: &now,
	}); err != nil {
		m.logger.Error("persisting connected status", "connection", name, "error", err)
	}
	m.logger.Info("connection established", "connection", name, "owner", ownerID)
	return sess, nil
}

// handleInitFailure marks the session failed and, outside the reconnection
// cycle, tears the client down and persists the failure. Hung initializations
// skip the destroy call so a wedged client cannot also wedge teardown.
func (m *Manager) handleInitFailure(ctx context.Context, sess *Session, initErr error, isRetry bool) error {
	hung := errors.Is(initErr, engine.ErrInitTimeout) || errors.Is(initErr, context.DeadlineExceeded)

	sess.mu.Lock()
	sess.transitionLocked(StatusInitFailed)
	owner := sess.OwnerID
	sess.mu.Unlock()

	m.logger.Error("client initialization failed",
		"connection", sess.Name, "retry", isRetry, "hung", hung, "error", initErr)

	if !isRetry {
		m.CleanupClientResources(ctx, sess.Name, hung)
		if err := m.store.UpdateConnectionStatus(ctx, sess.Name, owner, StatusInitFailed.Persisted(), false); err != nil {
			m.logger.Error("persisting init failure", "connection", sess.Name, "error", err)
		}
	}
	return fmt.Errorf("%w: initializing client: %v", ErrExternalClient, initErr)
}

// CleanupClientResources detaches and destroys the session's client and
// drops any conversation state held for the connection. When the engine is
// known to be hung the destroy call is skipped.
func (m *Manager) CleanupClientResources(ctx context.Context, name string, engineHung bool) {
	sess := m.registry.Get(name)
	if sess == nil {
		return
	}
	sess.mu.Lock()
	client := sess.client
	sess.client = nil
	sess.mu.Unlock()

	if client != nil {
		if engineHung {
			m.logger.Warn("skipping destroy of unresponsive client", "connection", name)
		} else {
			dctx, cancel := context.WithTimeout(ctx, destroyTimeout)
			if err := client.Destroy(dctx); err != nil {
				m.logger.Error("destroying client", "connection", name, "error", err)
			}
			cancel()
		}
	}

	if f, ok := m.processor.(interface{ ForgetConnection(string) }); ok {
		f.ForgetConnection(name)
	}
}

// DestroyClient moves the session to its terminal status, invalidates any
// pending retry timers, and tears the client down. The returned status is
// what the caller should persist; StatusNotFound means no session existed.
func (m *Manager) DestroyClient(ctx context.Context, name string, force, fromAuthFailure bool) (Status, error) {
	sess := m.registry.Get(name)
	if sess == nil {
		return StatusNotFound, nil
	}

	final := StatusClosedManual
	switch {
	case fromAuthFailure:
		final = StatusAuthFailed
	case force:
		final = StatusClosedForced
	}

	sess.mu.Lock()
	if sess.status.Terminal() {
		final = sess.status
	} else {
		sess.transitionLocked(final)
	}
	sess.isReconnecting = false
	sess.setAutoReconnect(false)
	sess.generation = m.genCounter.Add(1)
	sess.mu.Unlock()

	m.CleanupClientResources(ctx, name, false)
	return final, nil
}

// waitForStoreReady pings the store with exponential backoff until it
// answers or the ready timeout elapses.
func (m *Manager) waitForStoreReady(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 250 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	b.MaxElapsedTime = m.cfg.ReadyTimeout
	return backoff.Retry(func() error {
		return m.store.Ping(ctx)
	}, backoff.WithContext(b, ctx))
}
