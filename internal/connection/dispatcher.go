// ABOUTME: Translates engine events into session state transitions and persistence.
// ABOUTME: Owns the reconnection schedule, message dedupe, and reply forwarding.

package connection

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/weavelink/weave-gateway/internal/dedupe"
	"github.com/weavelink/weave-gateway/internal/engine"
	"github.com/weavelink/weave-gateway/internal/store"
)

const (
	dedupeTTL      = 10 * time.Minute
	dedupeCapacity = 4096
)

// dispatcher reacts to engine events for every session the manager builds.
// Handlers run on the engine's goroutines; each acquires the session mutex
// for the state change and does persistence outside it.
type dispatcher struct {
	mgr    *Manager
	seen   *dedupe.Cache
	logger *slog.Logger
}

func newDispatcher(mgr *Manager, logger *slog.Logger) *dispatcher {
	return &dispatcher{
		mgr:    mgr,
		seen:   dedupe.New(dedupeTTL, dedupeCapacity),
		logger: logger.With("component", "dispatcher"),
	}
}

func (d *dispatcher) close() {
	d.seen.Close()
}

// handlerFor returns the event handler registered on the client built for
// name at generation gen. Events from a superseded client are dropped.
func (d *dispatcher) handlerFor(name string, gen uint64) engine.EventHandler {
	return func(evt any) {
		defer func() {
			if r := recover(); r != nil {
				d.logger.Error("event handler panic", "connection", name, "panic", r)
			}
		}()

		sess := d.mgr.registry.Get(name)
		if sess == nil {
			return
		}
		sess.mu.Lock()
		stale := sess.generation != gen
		sess.mu.Unlock()
		if stale {
			d.logger.Debug("dropping event from superseded client", "connection", name)
			return
		}

		d.mgr.metrics.EngineEvents.WithLabelValues(fmt.Sprintf("%T", evt)).Inc()

		switch e := evt.(type) {
		case engine.PairingCodeEvent:
			d.onPairingCode(sess, e.Code)
		case engine.AuthenticatedEvent:
			d.onAuthenticated(sess)
		case engine.ReadyEvent:
			d.onReady(sess)
		case engine.AuthFailureEvent:
			d.onAuthFailure(sess, e.Reason)
		case engine.DisconnectedEvent:
			d.onDisconnected(sess, e.Reason)
		case engine.MessageEvent:
			go d.onMessage(sess, e.Message)
		case engine.StateChangeEvent:
			d.logger.Debug("engine state change", "connection", name, "state", e.State)
		case engine.ErrorEvent:
			d.logger.Error("engine error", "connection", name, "error", e.Err)
		}
	}
}

// onPairingCode parks the session in qr_ready and persists the pending scan.
// Pairing is never auto-retried, so autoReconnect goes false until the scan
// completes.
func (d *dispatcher) onPairingCode(sess *Session, code string) {
	sess.mu.Lock()
	if !sess.transitionLocked(StatusQRReady) {
		sess.mu.Unlock()
		return
	}
	sess.qrPayload = code
	sess.isReconnecting = false
	sess.reconnectAttempts = 0
	sess.setAutoReconnect(false)
	sess.mu.Unlock()

	d.logger.Info("pairing code received", "connection", sess.Name)
	d.persistStatus(sess, StatusQRReady, false)
}

func (d *dispatcher) onAuthenticated(sess *Session) {
	sess.mu.Lock()
	if !sess.transitionLocked(StatusAuthenticated) {
		sess.mu.Unlock()
		return
	}
	sess.qrPayload = ""
	sess.setAutoReconnect(true)
	sess.mu.Unlock()

	d.logger.Info("connection authenticated", "connection", sess.Name)
	d.persistStatus(sess, StatusAuthenticated, true)
}

// onReady promotes the session to connected, captures the identity marker,
// and resets reconnect bookkeeping.
func (d *dispatcher) onReady(sess *Session) {
	sess.mu.Lock()
	if !sess.transitionLocked(StatusConnected) {
		sess.mu.Unlock()
		return
	}
	sess.qrPayload = ""
	sess.isReconnecting = false
	sess.reconnectAttempts = 0
	sess.setAutoReconnect(true)
	if sess.client != nil {
		if id := sess.client.Identity(); id.User != "" {
			sess.phoneNumber = id.User
		}
	}
	phone := sess.phoneNumber
	profileID := sess.BotProfileID
	sess.mu.Unlock()

	d.logger.Info("connection ready", "connection", sess.Name, "phone", phone)

	now := time.Now().UTC()
	ctx := context.Background()
	err := d.mgr.store.SaveConnectionDetails(ctx, storeSaveParams(sess.Name, sess.OwnerID, profileID, StatusConnected, true, phone, &now))
	if err != nil {
		d.logger.Error("persisting ready status", "connection", sess.Name, "error", err)
	}
}

// onAuthFailure is terminal: credentials were rejected, so retrying without
// a fresh pairing cannot help. The observer runs the full teardown.
func (d *dispatcher) onAuthFailure(sess *Session, reason string) {
	sess.mu.Lock()
	if sess.status.Terminal() {
		sess.mu.Unlock()
		return
	}
	sess.transitionLocked(StatusAuthFailed)
	sess.isReconnecting = false
	obs := sess.observer
	sess.mu.Unlock()

	d.logger.Error("authentication failure", "connection", sess.Name, "reason", reason)
	d.persistStatus(sess, StatusAuthFailed, false)

	if obs != nil {
		if _, err := obs.SessionClosed(sess.Name, true, true); err != nil {
			d.logger.Error("closing session after auth failure", "connection", sess.Name, "error", err)
		}
	}
}

// onDisconnected decides between full closure and the reconnection cycle.
func (d *dispatcher) onDisconnected(sess *Session, reason string) {
	ctx := context.Background()

	sess.mu.Lock()
	if sess.status.Terminal() || sess.isReconnecting || sess.status == StatusInitializing {
		sess.mu.Unlock()
		return
	}

	var auto bool
	if sess.autoReconnect != nil {
		auto = *sess.autoReconnect
		sess.mu.Unlock()
	} else {
		// Unknown in memory; fall back to the durable flag.
		sess.mu.Unlock()
		rec, err := d.mgr.store.GetByConnectionName(ctx, sess.Name, sess.OwnerID)
		auto = err == nil && rec.AutoReconnect

		sess.mu.Lock()
		if sess.status.Terminal() || sess.isReconnecting {
			sess.mu.Unlock()
			return
		}
		sess.mu.Unlock()
	}

	d.logger.Warn("connection lost", "connection", sess.Name, "reason", reason, "auto_reconnect", auto)

	if !auto {
		sess.mu.Lock()
		sess.transitionLocked(StatusDisconnected)
		obs := sess.observer
		sess.mu.Unlock()

		d.persistStatus(sess, StatusDisconnected, false)
		if obs != nil {
			if _, err := obs.SessionClosed(sess.Name, true, false); err != nil {
				d.logger.Error("closing session after disconnect", "connection", sess.Name, "error", err)
			}
		}
		return
	}

	d.beginReconnect(ctx, sess)
}

// beginReconnect runs one step of the reconnection cycle: bump the attempt
// counter, go permanent if the budget is spent, otherwise destroy the stale
// client and schedule the next attempt with exponential backoff.
func (d *dispatcher) beginReconnect(ctx context.Context, sess *Session) {
	sess.mu.Lock()
	if !sess.transitionLocked(StatusReconnecting) {
		sess.mu.Unlock()
		return
	}
	sess.isReconnecting = true
	sess.reconnectAttempts++
	attempts := sess.reconnectAttempts
	gen := sess.generation
	obs := sess.observer
	profileID := sess.BotProfileID
	client := sess.client
	sess.client = nil
	sess.mu.Unlock()

	if attempts >= d.mgr.cfg.MaxReconnectAttempts {
		d.logger.Error("reconnect budget exhausted", "connection", sess.Name, "attempts", attempts)
		sess.mu.Lock()
		sess.transitionLocked(StatusDisconnectedPermanent)
		sess.isReconnecting = false
		sess.mu.Unlock()

		d.persistStatus(sess, StatusDisconnectedPermanent, false)
		if client != nil {
			d.destroyStale(ctx, sess.Name, client)
		}
		if obs != nil {
			if _, err := obs.SessionClosed(sess.Name, true, false); err != nil {
				d.logger.Error("closing permanently disconnected session", "connection", sess.Name, "error", err)
			}
		}
		return
	}

	d.persistStatus(sess, StatusReconnecting, true)
	d.mgr.metrics.ReconnectAttempts.Inc()

	if client != nil {
		d.destroyStale(ctx, sess.Name, client)
	}

	delay := ReconnectDelay(d.mgr.cfg.BaseDelay, d.mgr.cfg.MaxDelay, attempts)
	d.logger.Info("scheduling reconnect",
		"connection", sess.Name, "attempt", attempts, "delay", delay)

	name, owner := sess.Name, sess.OwnerID
	time.AfterFunc(delay, func() {
		d.runScheduledRetry(name, owner, profileID, gen, obs)
	})
}

// runScheduledRetry fires when a backoff timer elapses. It re-validates the
// session before acting: a removed session, cleared flag, changed owner, or
// moved generation all abort the attempt.
func (d *dispatcher) runScheduledRetry(name, ownerID, profileID string, gen uint64, obs LifecycleObserver) {
	ctx := context.Background()

	sess := d.mgr.registry.Get(name)
	if sess == nil {
		return
	}
	sess.mu.Lock()
	if !sess.isReconnecting || sess.OwnerID != ownerID || sess.generation != gen {
		sess.mu.Unlock()
		d.logger.Debug("abandoning stale reconnect timer", "connection", name)
		return
	}
	sess.isReconnecting = false
	attempt := sess.reconnectAttempts
	sess.mu.Unlock()

	if err := d.mgr.store.UpdateLastAttemptedReconnect(ctx, name, ownerID); err != nil {
		d.logger.Warn("stamping reconnect attempt", "connection", name, "error", err)
	}

	d.logger.Info("attempting reconnect", "connection", name, "attempt", attempt)
	if _, err := d.mgr.CreateAndInitialize(ctx, name, profileID, ownerID, true, obs); err != nil {
		d.logger.Warn("reconnect attempt failed", "connection", name, "attempt", attempt, "error", err)
		// Feed the failure back through the disconnect path so the next
		// attempt is scheduled or the cycle goes permanent.
		if current := d.mgr.registry.Get(name); current != nil {
			d.onDisconnected(current, "reconnect attempt failed")
		}
	}
}

func (d *dispatcher) destroyStale(ctx context.Context, name string, client engine.Client) {
	dctx, cancel := context.WithTimeout(ctx, destroyTimeout)
	defer cancel()
	if err := client.Destroy(dctx); err != nil {
		d.logger.Warn("destroying stale client", "connection", name, "error", err)
	}
}

// onMessage filters, dedupes, and forwards an inbound message, then sends
// the generated reply back through the client under the send rate limit.
// Runs on its own goroutine so slow generation never blocks the engine.
func (d *dispatcher) onMessage(sess *Session, msg *engine.Message) {
	if msg == nil || msg.FromMe || !msg.HasContent() {
		d.mgr.metrics.MessagesDropped.Inc()
		return
	}

	sess.mu.Lock()
	status := sess.status
	client := sess.client
	sessCtx := sess.sessCtx
	limiter := sess.limiter
	sess.mu.Unlock()

	if !status.Usable() {
		d.logger.Warn("dropping message for unusable session",
			"connection", sess.Name, "status", status)
		d.mgr.metrics.MessagesDropped.Inc()
		return
	}

	if d.seen.CheckAndMark(sess.Name + ":" + msg.ID) {
		d.logger.Debug("dropping duplicate message", "connection", sess.Name, "message_id", msg.ID)
		d.mgr.metrics.MessagesDropped.Inc()
		return
	}

	ctx := context.Background()
	reply, err := d.mgr.processor.ProcessIncomingMessage(ctx, msg, sess.Name, sessCtx)
	if err != nil {
		d.logger.Error("processing message", "connection", sess.Name, "chat", msg.ChatID, "error", err)
		return
	}
	d.mgr.metrics.MessagesProcessed.Inc()

	if reply == "" || client == nil {
		return
	}
	if limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			return
		}
	}
	if err := client.SendMessage(ctx, msg.ChatID, reply); err != nil {
		d.logger.Error("sending reply", "connection", sess.Name, "chat", msg.ChatID, "error", err)
	}
}

func storeSaveParams(name, ownerID, profileID string, status Status, auto bool, phone string, connectedAt *time.Time) store.SaveConnectionParams {
	return store.SaveConnectionParams{
		ConnectionName:  name,
		OwnerID:         ownerID,
		BotProfileID:    profileID,
		Status:          status.Persisted(),
		AutoReconnect:   auto,
		PhoneNumber:     phone,
		LastConnectedAt: connectedAt,
	}
}

// persistStatus writes the session's durable status best-effort.
func (d *dispatcher) persistStatus(sess *Session, status Status, autoReconnect bool) {
	ctx := context.Background()
	if err := d.mgr.store.UpdateConnectionStatus(ctx, sess.Name, sess.OwnerID, status.Persisted(), autoReconnect); err != nil {
		d.logger.Error("persisting status", "connection", sess.Name, "status", status, "error", err)
	}
}
