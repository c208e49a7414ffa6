// Package engine defines the contract with the external automation client
// that actually speaks the instant-messaging transport protocol.
//
// The gateway consumes this contract; it does not specify the engine's
// internals. A client is constructed per connection with a session id that
// scopes its durable authentication state, initialized once (slow, may
// time out), observed through asynchronous events, and destroyed on close.
//
// # Event contract
//
//   - PairingCodeEvent: one-time pairing code issued, user must scan it
//   - ReadyEvent / AuthenticatedEvent: client usable / credentials accepted
//   - AuthFailureEvent: credentials rejected (terminal for the session)
//   - DisconnectedEvent: transport dropped (may trigger reconnection)
//   - MessageEvent: inbound message
//   - StateChangeEvent / ErrorEvent: low-level diagnostics
//
// Handlers must be registered before Initialize so no event is missed.
//
// The meow subpackage provides the production implementation backed by
// whatsmeow.
package engine
