// Package meow implements the engine contract on top of whatsmeow.
//
// Each connection owns a dedicated sqlite credential store keyed by its
// session id, so destroying a client never discards authentication state and
// a later client for the same connection reconnects without re-pairing.
package meow
