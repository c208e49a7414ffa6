// Package httpapi exposes the gateway's REST surface: connection lifecycle
// operations, bot profile management, health probes, and Prometheus metrics.
//
// Every /api/ route runs behind JWT auth; the owner ID from the token scopes
// all reads and writes, so one tenant can never observe another's
// connections.
package httpapi
