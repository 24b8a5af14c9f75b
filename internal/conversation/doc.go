// Package conversation provides conversation lookups and the start flow.
//
// # Service
//
// A Service is built per request from a request-scoped store session and the
// pool-backed store:
//
//	svc := conversation.New(conversation.Deps{
//		Store:      session,
//		Background: sqliteStore,
//		Specs:      specs,
//	})
//
// Key operations:
//
//   - GetConversation(ctx, id): nil when missing
//   - BatchGetConversations(ctx, ids): positional, nil where missing
//   - Start(ctx, req): channel of StartTask snapshots
//   - GetStartTask(ctx, id): nil when missing
//
// # Starting a Conversation
//
// Start returns immediately. The first value on the channel is the persisted
// WORKING task; later values follow it through WAITING_FOR_SANDBOX (only when
// no sandbox was given or inherited), STARTING_CONVERSATION and finally READY
// or ERROR. Cancelling the context passed to Start stops delivery without
// stopping the start itself:
//
//	ctx, cancel := context.WithCancel(ctx)
//	task, err := conversation.FirstTask(ctx, svc.Start(ctx, req))
//	cancel()
//
// A request with ParentConversationID inherits the parent's sandbox and any
// configuration the request leaves empty. RequestFromConversation builds
// such a request from an existing conversation.
//
// # Identifiers
//
// Conversation ids are accepted in dashed or 32-hex form by ParseID and
// rendered as 32 hex digits by HexID.
package conversation
