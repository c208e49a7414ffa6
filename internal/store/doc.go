// Package store provides durable persistence for weave-gateway.
//
// # Overview
//
// The store holds two owner-scoped entity types:
//
//   - ConnectionRecord: the persisted mirror of a messaging connection's
//     last-known status and configuration, upserted by the composite key
//     (owner_id, connection_name). Records are never deleted by the
//     lifecycle subsystem; a closed connection keeps its record so it can
//     be re-enabled later.
//   - BotProfile: the tenant-owned conversational configuration a
//     connection is bound to (system prompt, model, enabled flag).
//
// # Owner Scoping
//
// Every read requires an owner id. GetByConnectionName returns
// ErrOwnerRequired rather than silently defaulting, because an unscoped
// read could leak another tenant's connection.
//
// Status updates called from inside the event-driven flow
// (UpdateConnectionStatus, UpdateLastAttemptedReconnect) are best-effort:
// a missing owner id is logged and swallowed so the dispatcher never
// crashes on a persistence precondition.
//
// # Recovery Sweep
//
// GetConnectionsToReconnect returns every record flagged auto_reconnect
// across all owners. On store failure it returns an empty list; startup
// recovery must never block process start.
//
// # Implementations
//
//   - SQLiteStore: modernc.org/sqlite with WAL mode and schema-on-open.
//   - MockStore: in-memory implementation for tests, with call counters.
package store
