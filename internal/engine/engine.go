// ABOUTME: Contract for the external automation-engine client that speaks the messaging transport.
// ABOUTME: Defines the Client/Factory interfaces and the event types delivered to handlers.

package engine

import (
	"context"
	"errors"
	"time"
)

// ErrInitTimeout indicates Initialize did not complete within its deadline.
// Callers treat this differently from ordinary failures: destroying a client
// that is hung on initialization can itself hang, so cleanup is skipped.
var ErrInitTimeout = errors.New("engine initialize timed out")

// Identity describes the messaging account behind an authenticated client.
// User is the phone-number-equivalent identifier, available post-auth.
type Identity struct {
	User   string
	Device string
}

// Message is an inbound message delivered by the engine.
type Message struct {
	ID        string
	ChatID    string
	Sender    string
	Text      string
	FromMe    bool
	IsGroup   bool
	Timestamp time.Time
}

// HasContent reports whether the message carries user-visible text.
func (m *Message) HasContent() bool {
	return m != nil && m.Text != ""
}

// Events emitted by the engine client. Handlers receive them as `any` and
// switch on the concrete type.
type (
	// PairingCodeEvent carries a one-time code the end user scans to
	// authenticate a new connection.
	PairingCodeEvent struct {
		Code string
	}

	// ReadyEvent fires when the client is fully connected and usable.
	ReadyEvent struct{}

	// AuthenticatedEvent fires when stored credentials were accepted.
	AuthenticatedEvent struct{}

	// AuthFailureEvent fires when authentication is rejected.
	AuthFailureEvent struct {
		Reason string
	}

	// DisconnectedEvent fires when the transport connection drops.
	DisconnectedEvent struct {
		Reason string
	}

	// MessageEvent carries an inbound message.
	MessageEvent struct {
		Message *Message
	}

	// StateChangeEvent reports a low-level transport state transition.
	StateChangeEvent struct {
		State string
	}

	// ErrorEvent reports a non-fatal engine error.
	ErrorEvent struct {
		Err error
	}
)

// EventHandler receives engine events. Handlers must not panic; the engine
// treats them as fire-and-forget.
type EventHandler func(evt any)

// Client is one long-lived session with the external messaging service.
//
// AddEventHandler must be usable before Initialize so no event is missed
// during the (slow, failure-prone) initialization handshake.
type Client interface {
	AddEventHandler(h EventHandler)
	Initialize(ctx context.Context) error
	Destroy(ctx context.Context) error
	SendMessage(ctx context.Context, to, text string) error
	Identity() Identity
}

// ClientConfig carries per-connection construction parameters.
type ClientConfig struct {
	// SessionID scopes the client's durable authentication state. Using the
	// connection name here lets a reconnect or re-pairing reuse prior
	// credentials instead of forcing a fresh QR scan.
	SessionID  string
	StateDir   string
	DeviceName string
}

// Factory constructs engine clients. The gateway owns exactly one factory
// and one client per live connection.
type Factory interface {
	NewClient(cfg ClientConfig) (Client, error)
}
