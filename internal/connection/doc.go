// Package connection manages the lifecycle of messaging connections: an
// in-memory registry of live sessions, an explicit status state machine, an
// adapter that builds and tears down automation-engine clients, an event
// dispatcher that owns the reconnection schedule, and a service facade the
// HTTP API talks to.
//
// Concurrency model: every session carries its own mutex and all mutation
// happens under it. Scheduled reconnect timers and engine event handlers
// capture the session's generation at registration; any teardown or
// re-initialization bumps the generation, so stale timers and events from a
// replaced client abort instead of racing the successor.
//
// The dispatcher signals full teardown through the LifecycleObserver
// interface rather than calling the service directly, which keeps the
// dependency graph acyclic: service -> manager -> dispatcher, with the
// observer closing the loop at runtime only.
package connection
