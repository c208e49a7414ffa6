// Package dedupe provides a TTL cache for tracking seen message ids.
//
// The messaging transport may redeliver messages after a reconnect. The
// connection dispatcher marks each inbound message id here and drops
// duplicates before they reach the conversation engine.
package dedupe
