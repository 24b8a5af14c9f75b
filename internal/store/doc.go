// Package store provides persistent storage for coven-appserver using SQLite.
//
// # Architecture
//
// Every query is defined once on an unexported query set that runs against
// either the connection pool or a single pinned connection:
//
//   - SQLiteStore: pool-backed, long-lived, owns the schema and migrations
//   - Session: request-scoped, one checked-out connection, closed exactly once
//
// Callers that outlive a request (background start continuations, callback
// dispatch) use SQLiteStore; HTTP handlers use a Session.
//
// # Data Models
//
//   - Conversation: application conversation record, optionally linked to a parent
//   - StartTask: progress of a conversation start (WORKING through READY/ERROR)
//   - events: kind-tagged JSON envelopes of internal/event types
//   - EventCallback / CallbackResult: processor subscriptions and their outcomes
//   - SlackTeam: bot token per Slack workspace
//   - SandboxSpec: agent server launch parameters
//
// # Timestamps
//
// Timestamps are stored as fixed-width UTC strings so that ORDER BY on the
// text column is chronological. Paginated queries return an opaque cursor
// (URL-safe base64 of "timestamp|id") as the next page id.
//
// # Error Handling
//
// Lookups return ErrNotFound for missing rows and inserts return ErrDuplicate
// on key conflicts. Other errors are wrapped with context:
//
//	conv, err := store.GetConversation(ctx, id)
//	if errors.Is(err, store.ErrNotFound) {
//	    // Handle not found
//	}
package store
