// ABOUTME: Tests for engine event handling, reconnection scheduling, and message flow.
// ABOUTME: Drives the dispatcher through scripted fake clients.

package connection

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weavelink/weave-gateway/internal/engine"
)

func connect(t *testing.T, f *fixture, name, profile, owner string) *fakeClient {
	t.Helper()
	require.NoError(t, f.svc.InitializeSession(context.Background(), name, profile, owner, false))
	return f.factory.last()
}

func TestPairingCodeParksSession(t *testing.T) {
	f := newFixture(t, testConfig())
	f.seedProfile(t, "prof-1", "owner-1", true)

	// The engine hands out a pairing code during initialization and the
	// call still succeeds: the session parks in qr_ready.
	f.factory.onInit = func(c *fakeClient, ctx context.Context) error {
		c.emit(engine.PairingCodeEvent{Code: "2@abcdef0123456789"})
		return nil
	}

	require.NoError(t, f.svc.InitializeSession(context.Background(), "conn-a", "prof-1", "owner-1", false))

	sess := f.registry.Get("conn-a")
	require.NotNil(t, sess)
	assert.Equal(t, StatusQRReady, sess.Status())
	assert.Equal(t, "2@abcdef0123456789", sess.QRPayload())

	rec := f.record(t, "conn-a", "owner-1")
	assert.Equal(t, "qr_pending_scan", rec.LastKnownStatus)
	assert.False(t, rec.AutoReconnect, "pairing is never auto-retried")
}

func TestPairingThenReadyPromotesToConnected(t *testing.T) {
	f := newFixture(t, testConfig())
	f.seedProfile(t, "prof-1", "owner-1", true)
	f.factory.onInit = func(c *fakeClient, ctx context.Context) error {
		c.emit(engine.PairingCodeEvent{Code: "2@abcdef"})
		return nil
	}

	require.NoError(t, f.svc.InitializeSession(context.Background(), "conn-a", "prof-1", "owner-1", false))
	client := f.factory.last()

	client.emit(engine.AuthenticatedEvent{})
	client.emit(engine.ReadyEvent{})

	sess := f.registry.Get("conn-a")
	assert.Equal(t, StatusConnected, sess.Status())
	assert.Empty(t, sess.QRPayload(), "payload cleared after pairing completes")
	assert.Equal(t, "15551230000", sess.PhoneNumber())

	rec := f.record(t, "conn-a", "owner-1")
	assert.Equal(t, "connected", rec.LastKnownStatus)
	assert.True(t, rec.AutoReconnect)
	require.NotNil(t, rec.LastConnectedAt)
}

func TestAuthFailureIsTerminal(t *testing.T) {
	f := newFixture(t, testConfig())
	f.seedProfile(t, "prof-1", "owner-1", true)
	client := connect(t, f, "conn-a", "prof-1", "owner-1")

	client.emit(engine.AuthFailureEvent{Reason: "logged out"})

	assert.Nil(t, f.registry.Get("conn-a"), "session removed after auth failure")
	assert.Equal(t, 1, client.destroyed())

	rec := f.record(t, "conn-a", "owner-1")
	assert.Equal(t, "auth_failed", rec.LastKnownStatus)
	assert.False(t, rec.AutoReconnect)
}

func TestDisconnectWithoutAutoReconnectCloses(t *testing.T) {
	f := newFixture(t, testConfig())
	f.seedProfile(t, "prof-1", "owner-1", true)
	client := connect(t, f, "conn-a", "prof-1", "owner-1")

	sess := f.registry.Get("conn-a")
	sess.mu.Lock()
	sess.setAutoReconnect(false)
	sess.mu.Unlock()

	client.emit(engine.DisconnectedEvent{Reason: "stream closed"})

	assert.Nil(t, f.registry.Get("conn-a"))
	rec := f.record(t, "conn-a", "owner-1")
	assert.Equal(t, "disconnected", rec.LastKnownStatus)
	assert.False(t, rec.AutoReconnect)
	assert.Equal(t, 0, f.factory.count()-1, "no reconnect client built")
}

func TestDisconnectFallsBackToDurableFlag(t *testing.T) {
	f := newFixture(t, testConfig())
	f.seedProfile(t, "prof-1", "owner-1", true)
	client := connect(t, f, "conn-a", "prof-1", "owner-1")

	// Unknown in memory; durable record says do not reconnect.
	require.NoError(t, f.store.UpdateConnectionStatus(context.Background(), "conn-a", "owner-1", "connected", false))
	sess := f.registry.Get("conn-a")
	sess.mu.Lock()
	sess.autoReconnect = nil
	sess.mu.Unlock()

	client.emit(engine.DisconnectedEvent{Reason: "stream closed"})

	assert.Nil(t, f.registry.Get("conn-a"))
	assert.Equal(t, "disconnected", f.record(t, "conn-a", "owner-1").LastKnownStatus)
}

func TestDisconnectDuringInitializeIsIgnored(t *testing.T) {
	f := newFixture(t, testConfig())
	f.seedProfile(t, "prof-1", "owner-1", true)
	f.factory.onInit = func(c *fakeClient, ctx context.Context) error {
		// Transient transport flap mid-handshake.
		c.emit(engine.DisconnectedEvent{Reason: "flap"})
		return nil
	}

	require.NoError(t, f.svc.InitializeSession(context.Background(), "conn-a", "prof-1", "owner-1", false))
	assert.Equal(t, StatusConnected, f.registry.Get("conn-a").Status())
	assert.Equal(t, 1, f.factory.count())
}

func TestReconnectSucceeds(t *testing.T) {
	f := newFixture(t, testConfig())
	f.seedProfile(t, "prof-1", "owner-1", true)
	client := connect(t, f, "conn-a", "prof-1", "owner-1")

	client.emit(engine.DisconnectedEvent{Reason: "stream error"})

	sess := f.registry.Get("conn-a")
	require.Eventually(t, func() bool {
		return sess.Status() == StatusConnected && f.factory.count() == 2
	}, time.Second, 2*time.Millisecond, "second client connects")

	sess.mu.Lock()
	attempts := sess.reconnectAttempts
	reconnecting := sess.isReconnecting
	sess.mu.Unlock()
	assert.Zero(t, attempts, "counter reset on success")
	assert.False(t, reconnecting)

	assert.Equal(t, 1, client.destroyed(), "stale client torn down")
	assert.Equal(t, 1, f.store.ReconnectStampCalls)
	assert.Equal(t, "connected", f.record(t, "conn-a", "owner-1").LastKnownStatus)
}

func TestReconnectBudgetExhaustionGoesPermanent(t *testing.T) {
	f := newFixture(t, testConfig())
	f.seedProfile(t, "prof-1", "owner-1", true)

	// Every client after the first fails to initialize.
	f.factory.failFrom = 2
	f.factory.initErr = errors.New("server unreachable")

	client := connect(t, f, "conn-a", "prof-1", "owner-1")
	client.emit(engine.DisconnectedEvent{Reason: "stream error"})

	require.Eventually(t, func() bool {
		rec, err := f.store.GetByConnectionName(context.Background(), "conn-a", "owner-1")
		return err == nil && rec.LastKnownStatus == "disconnected_permanent"
	}, 2*time.Second, 5*time.Millisecond)

	assert.Nil(t, f.registry.Get("conn-a"), "session removed after giving up")
	assert.False(t, f.record(t, "conn-a", "owner-1").AutoReconnect)

	// One original client plus one per retry; the budget caps the attempts.
	assert.Equal(t, 5, f.factory.count())
	assert.Equal(t, 4, f.store.ReconnectStampCalls)
}

func TestCloseCancelsPendingReconnect(t *testing.T) {
	cfg := testConfig()
	cfg.BaseDelay = 80 * time.Millisecond
	f := newFixture(t, cfg)
	f.seedProfile(t, "prof-1", "owner-1", true)

	client := connect(t, f, "conn-a", "prof-1", "owner-1")
	client.emit(engine.DisconnectedEvent{Reason: "stream error"})

	sess := f.registry.Get("conn-a")
	require.Equal(t, StatusReconnecting, sess.Status())

	// Close while the backoff timer is pending; the timer must abort.
	_, err := f.svc.CloseSession(context.Background(), "conn-a", true, false)
	require.NoError(t, err)

	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 1, f.factory.count(), "no retry fires after close")
	assert.Equal(t, "closed_forced", f.record(t, "conn-a", "owner-1").LastKnownStatus)
}

func TestEventsFromSupersededClientAreDropped(t *testing.T) {
	f := newFixture(t, testConfig())
	f.seedProfile(t, "prof-1", "owner-1", true)
	first := connect(t, f, "conn-a", "prof-1", "owner-1")

	// Simulate a reconnect replacing the client.
	first.emit(engine.DisconnectedEvent{Reason: "stream error"})
	sess := f.registry.Get("conn-a")
	require.Eventually(t, func() bool {
		return sess.Status() == StatusConnected && f.factory.count() == 2
	}, time.Second, 2*time.Millisecond)

	// A late disconnect from the old client must not restart the cycle.
	first.emit(engine.DisconnectedEvent{Reason: "late"})
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, StatusConnected, sess.Status())
	assert.Equal(t, 2, f.factory.count())
}

func TestInboundMessageFlow(t *testing.T) {
	f := newFixture(t, testConfig())
	f.seedProfile(t, "prof-1", "owner-1", true)
	client := connect(t, f, "conn-a", "prof-1", "owner-1")

	client.emit(engine.MessageEvent{Message: &engine.Message{
		ID:     "msg-1",
		ChatID: "15557770000@c.us",
		Sender: "15557770000",
		Text:   "hi there",
	}})

	require.Eventually(t, func() bool {
		return len(client.sentMessages()) == 1
	}, time.Second, 2*time.Millisecond)

	processed := f.processor.processed()
	require.Len(t, processed, 1)
	assert.Equal(t, "conn-a", processed[0].Connection)
	assert.Equal(t, "hi there", processed[0].Text)

	sent := client.sentMessages()
	assert.Equal(t, "15557770000@c.us", sent[0].To)
	assert.Equal(t, "hello from the bot", sent[0].Text)
}

func TestDuplicateMessageDropped(t *testing.T) {
	f := newFixture(t, testConfig())
	f.seedProfile(t, "prof-1", "owner-1", true)
	client := connect(t, f, "conn-a", "prof-1", "owner-1")

	msg := &engine.Message{ID: "msg-1", ChatID: "chat", Text: "hi"}
	client.emit(engine.MessageEvent{Message: msg})
	client.emit(engine.MessageEvent{Message: msg})

	require.Eventually(t, func() bool {
		return len(f.processor.processed()) >= 1
	}, time.Second, 2*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, f.processor.processed(), 1, "redelivery is dropped")
}

func TestOwnMessagesIgnored(t *testing.T) {
	f := newFixture(t, testConfig())
	f.seedProfile(t, "prof-1", "owner-1", true)
	client := connect(t, f, "conn-a", "prof-1", "owner-1")

	client.emit(engine.MessageEvent{Message: &engine.Message{ID: "msg-1", ChatID: "chat", Text: "echo", FromMe: true}})
	client.emit(engine.MessageEvent{Message: &engine.Message{ID: "msg-2", ChatID: "chat", Text: ""}})

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, f.processor.processed())
	assert.Empty(t, client.sentMessages())
}

func TestProcessorErrorSendsNoReply(t *testing.T) {
	f := newFixture(t, testConfig())
	f.seedProfile(t, "prof-1", "owner-1", true)
	f.processor.err = errors.New("model unavailable")
	client := connect(t, f, "conn-a", "prof-1", "owner-1")

	client.emit(engine.MessageEvent{Message: &engine.Message{ID: "msg-1", ChatID: "chat", Text: "hi"}})

	require.Eventually(t, func() bool {
		return len(f.processor.processed()) == 1
	}, time.Second, 2*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, client.sentMessages())
}
