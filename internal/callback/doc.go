// Package callback delivers conversation events to registered processors.
//
// A callback subscribes a processor (by type name plus JSON configuration)
// to the events of one conversation, or of every conversation when its
// ConversationID is nil, optionally narrowed to one event kind. Dispatch
// builds each matching processor from the Registry, runs them concurrently
// and persists every result they return.
//
// Processors that only care about the end of an agent run check
// IsExecutionFinished and fetch the reply with LatestAssistantText.
package callback
