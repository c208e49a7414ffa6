// ABOUTME: Tests for the status state machine and reconnect backoff schedule.
// ABOUTME: Pure-function coverage, no engine or store involved.

package connection

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var allStatuses = []Status{
	StatusNew, StatusInitializing, StatusQRReady, StatusAuthenticated,
	StatusConnected, StatusReconnecting, StatusInitFailed, StatusAuthFailed,
	StatusDisconnected, StatusDisconnectedPermanent, StatusClosedManual,
	StatusClosedForced,
}

func TestTerminalStatuses(t *testing.T) {
	terminal := map[Status]bool{
		StatusAuthFailed:            true,
		StatusDisconnected:          true,
		StatusDisconnectedPermanent: true,
		StatusClosedManual:          true,
		StatusClosedForced:          true,
	}
	for _, s := range allStatuses {
		assert.Equal(t, terminal[s], s.Terminal(), "status %s", s)
	}
}

func TestNoTransitionLeavesTerminalState(t *testing.T) {
	for _, from := range allStatuses {
		if !from.Terminal() {
			continue
		}
		for _, to := range allStatuses {
			assert.False(t, CanTransition(from, to), "%s -> %s must be rejected", from, to)
		}
	}
}

func TestLifecycleTransitions(t *testing.T) {
	allowed := []struct{ from, to Status }{
		{StatusNew, StatusInitializing},
		{StatusInitializing, StatusQRReady},
		{StatusInitializing, StatusConnected},
		{StatusInitializing, StatusInitFailed},
		{StatusQRReady, StatusAuthenticated},
		{StatusQRReady, StatusConnected},
		{StatusAuthenticated, StatusConnected},
		{StatusConnected, StatusReconnecting},
		{StatusConnected, StatusDisconnected},
		{StatusReconnecting, StatusInitializing},
		{StatusReconnecting, StatusDisconnectedPermanent},
		{StatusInitFailed, StatusReconnecting},
		{StatusInitFailed, StatusInitializing},
	}
	for _, tc := range allowed {
		assert.True(t, CanTransition(tc.from, tc.to), "%s -> %s must be allowed", tc.from, tc.to)
	}

	rejected := []struct{ from, to Status }{
		{StatusNew, StatusConnected},
		{StatusNew, StatusQRReady},
		{StatusConnected, StatusQRReady},
		{StatusQRReady, StatusReconnecting},
		{StatusReconnecting, StatusConnected},
		{StatusConnected, StatusConnected},
	}
	for _, tc := range rejected {
		assert.False(t, CanTransition(tc.from, tc.to), "%s -> %s must be rejected", tc.from, tc.to)
	}
}

func TestForcedClosureAllowedFromAnyLiveState(t *testing.T) {
	for _, from := range allStatuses {
		if from.Terminal() {
			continue
		}
		assert.True(t, CanTransition(from, StatusClosedManual), "from %s", from)
		assert.True(t, CanTransition(from, StatusClosedForced), "from %s", from)
		assert.True(t, CanTransition(from, StatusAuthFailed), "from %s", from)
	}
}

func TestPersistedMapping(t *testing.T) {
	assert.Equal(t, "qr_pending_scan", StatusQRReady.Persisted())
	assert.Equal(t, StatusQRReady, StatusFromPersisted("qr_pending_scan"))

	for _, s := range allStatuses {
		if s == StatusQRReady {
			continue
		}
		assert.Equal(t, string(s), s.Persisted())
		assert.Equal(t, s, StatusFromPersisted(string(s)))
	}
}

func TestReconnectDelay(t *testing.T) {
	base := 5 * time.Second
	max := 60 * time.Second

	assert.Equal(t, 5*time.Second, ReconnectDelay(base, max, 1))
	assert.Equal(t, 10*time.Second, ReconnectDelay(base, max, 2))
	assert.Equal(t, 20*time.Second, ReconnectDelay(base, max, 3))
	assert.Equal(t, 40*time.Second, ReconnectDelay(base, max, 4))
	assert.Equal(t, 60*time.Second, ReconnectDelay(base, max, 5), "capped at max")
	assert.Equal(t, 60*time.Second, ReconnectDelay(base, max, 12), "stays capped")
	assert.Equal(t, 5*time.Second, ReconnectDelay(base, max, 0), "attempt floor is 1")
}
