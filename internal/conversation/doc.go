// Package conversation is the AI conversation collaborator.
//
// The connection lifecycle subsystem consumes it through exactly one call:
//
//	ProcessIncomingMessage(ctx, msg, connectionName, sessionContext)
//
// SessionContext is built once from the connection's bot profile at
// initialization time and handed back opaquely on every message.
//
// OpenAIProcessor is the production implementation, speaking any
// OpenAI-compatible chat completion API with a bounded per-chat history.
package conversation
