// Package auth provides JWT-based tenant authentication for the HTTP API.
//
// Tokens are HS256-signed with a shared secret; the "sub" claim carries the
// owner ID that scopes every connection and bot profile operation.
package auth
