// ABOUTME: In-memory session object for one messaging connection.
// ABOUTME: All mutable fields are guarded by mu; mutation happens in manager and dispatcher.

package connection

import (
	"sync"

	"golang.org/x/time/rate"

	"github.com/weavelink/weave-gateway/internal/conversation"
	"github.com/weavelink/weave-gateway/internal/engine"
)

// LifecycleObserver receives teardown requests from the dispatcher when a
// session reaches a state that requires full closure (auth failure, exhausted
// reconnects, non-resumable disconnect). The service implements it; the
// dispatcher never calls the service directly.
type LifecycleObserver interface {
	SessionClosed(name string, force, fromAuthFailure bool) (Status, error)
}

// Session is the live in-memory representation of one connection. Identity
// fields are immutable after construction; everything else is guarded by mu.
type Session struct {
	Name         string
	OwnerID      string
	BotProfileID string

	mu                sync.Mutex
	status            Status
	qrPayload         string
	phoneNumber       string
	client            engine.Client
	isReconnecting    bool
	reconnectAttempts int

	// autoReconnect mirrors the durable flag. nil means unknown, in which
	// case the dispatcher falls back to the persisted record.
	autoReconnect *bool

	// generation is bumped every time a client is attached or torn down.
	// Scheduled retry timers and engine event handlers capture it and
	// abort when it has moved on.
	generation uint64

	observer LifecycleObserver
	sessCtx  *conversation.SessionContext
	limiter  *rate.Limiter
}

func newSession(name, ownerID, botProfileID string, limiter *rate.Limiter) *Session {
	return &Session{
		Name:         name,
		OwnerID:      ownerID,
		BotProfileID: botProfileID,
		status:       StatusNew,
		limiter:      limiter,
	}
}

// transitionLocked applies from->to if legal and reports whether it did.
// Callers must hold mu.
func (s *Session) transitionLocked(to Status) bool {
	if !CanTransition(s.status, to) {
		return false
	}
	s.status = to
	return true
}

// Status returns the current lifecycle status.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// QRPayload returns the pending pairing payload, or "" when none is waiting.
func (s *Session) QRPayload() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.qrPayload
}

// PhoneNumber returns the identity marker captured at authentication, if any.
func (s *Session) PhoneNumber() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phoneNumber
}

func (s *Session) setAutoReconnect(v bool) {
	s.autoReconnect = &v
}
