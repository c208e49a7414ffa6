// ABOUTME: Error taxonomy for the connection lifecycle subsystem.
// ABOUTME: Sentinel errors checked with errors.Is and mapped to HTTP statuses by the API layer.

package connection

import "errors"

var (
	// ErrValidation indicates a missing or malformed identifier.
	ErrValidation = errors.New("validation failed")

	// ErrConflict indicates a duplicate active session or a reconnect
	// already in progress for the connection name.
	ErrConflict = errors.New("conflict")

	// ErrNotFound indicates an unknown bot profile or connection.
	ErrNotFound = errors.New("not found")

	// ErrAuthorization indicates an owner mismatch or a disabled profile.
	ErrAuthorization = errors.New("not authorized")

	// ErrExternalClient indicates an engine initialization failure or
	// timeout. It only surfaces synchronously on the initial call; inside
	// the reconnection cycle it is contained by the dispatcher.
	ErrExternalClient = errors.New("external client failure")

	// ErrPersistence indicates the durable store was unreachable where it
	// is a hard precondition (readiness wait, pre-init persist).
	ErrPersistence = errors.New("persistence failure")

	// ErrShuttingDown rejects new sessions while the gateway is draining.
	ErrShuttingDown = errors.New("gateway is shutting down")

	// ErrNotConnected indicates a send was attempted on a session that is
	// not in a usable status. The wrapped message embeds the status.
	ErrNotConnected = errors.New("connection not ready")
)
