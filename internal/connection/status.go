// ABOUTME: Explicit connection status enum and the pure transition function.
// ABOUTME: Unit-testable independently of the external automation client.

package connection

// Status is a connection session's lifecycle state.
type Status string

const (
	StatusNew                   Status = "new"
	StatusInitializing          Status = "initializing"
	StatusQRReady               Status = "qr_ready"
	StatusAuthenticated         Status = "authenticated"
	StatusConnected             Status = "connected"
	StatusReconnecting          Status = "reconnecting"
	StatusInitFailed            Status = "init_failed"
	StatusAuthFailed            Status = "auth_failed"
	StatusDisconnected          Status = "disconnected"
	StatusDisconnectedPermanent Status = "disconnected_permanent"
	StatusClosedManual          Status = "closed_manual"
	StatusClosedForced          Status = "closed_forced"

	// StatusNotFound is the sentinel returned by queries when neither an
	// in-memory session nor a durable record exists. It is never stored.
	StatusNotFound Status = "not_found"
)

// persistedQRPending is the durable form of StatusQRReady.
const persistedQRPending = "qr_pending_scan"

// Terminal reports whether no further automatic transition can originate
// from s. A terminal session only comes back through a fresh initialize
// call, which replaces the session outright.
func (s Status) Terminal() bool {
	switch s {
	case StatusAuthFailed, StatusDisconnected, StatusDisconnectedPermanent,
		StatusClosedManual, StatusClosedForced:
		return true
	}
	return false
}

// Usable reports whether the session can carry messages.
func (s Status) Usable() bool {
	return s == StatusConnected || s == StatusAuthenticated
}

// Persisted returns the durable representation of s.
func (s Status) Persisted() string {
	if s == StatusQRReady {
		return persistedQRPending
	}
	return string(s)
}

// StatusFromPersisted maps a durable status string back to a Status.
func StatusFromPersisted(raw string) Status {
	if raw == persistedQRPending {
		return StatusQRReady
	}
	return Status(raw)
}

// transitions lists the allowed forward edges of the state machine.
// Transitions into auth_failed, closed_manual, and closed_forced are
// allowed from every non-terminal state and are handled in CanTransition.
var transitions = map[Status][]Status{
	StatusNew:           {StatusInitializing},
	StatusInitializing:  {StatusQRReady, StatusAuthenticated, StatusConnected, StatusInitFailed},
	StatusQRReady:       {StatusAuthenticated, StatusConnected, StatusDisconnected},
	StatusAuthenticated: {StatusConnected, StatusDisconnected, StatusReconnecting},
	StatusConnected:     {StatusDisconnected, StatusReconnecting},
	StatusReconnecting:  {StatusInitializing, StatusDisconnectedPermanent},
	StatusInitFailed:    {StatusInitializing, StatusReconnecting, StatusDisconnected},
}

// CanTransition reports whether from -> to is a legal state change.
// Nothing leaves a terminal state.
func CanTransition(from, to Status) bool {
	if from.Terminal() || from == to {
		return false
	}
	switch to {
	case StatusAuthFailed, StatusClosedManual, StatusClosedForced:
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
