// Package appserver orchestrates the coven-appserver components.
//
// # Overview
//
// The Server owns the SQLite store, the callback service, the event
// broadcaster, the HTTP server and an optional gRPC server carrying the
// standard grpc.health.v1 service. With tailscale enabled both listeners
// live on a tsnet node (:80 and :50051) instead of server.http_addr and
// server.grpc_addr.
//
// # HTTP API
//
//   - GET /api/v1/app-conversations?ids=... - Positional batch lookup
//   - POST /api/v1/app-conversations - Start a conversation, returns the first start task
//   - GET /api/v1/app-conversations/{id} - Get one conversation
//   - POST /api/v1/app-conversations/{id}/clear - Start a successor in the same runtime
//   - GET /api/v1/app-conversations/start-tasks/{id} - Get a start task
//   - POST /api/v1/conversations/{id}/events - Ingest an event and run matching callbacks
//   - GET /api/v1/conversations/{id}/events/search - Page through stored events
//   - GET /api/v1/conversations/{id}/events/stream - Live events as SSE
//   - POST /api/v1/event-callbacks - Register a callback
//   - GET /api/v1/event-callbacks/{id} - Get a callback
//   - GET /api/v1/event-callbacks/{id}/results - List a callback's results
//   - GET /api/v1/sandbox-specs/search - Page through sandbox specs
//   - GET /api/v1/sandbox-specs?id=... - Positional batch lookup of specs
//   - GET /health - Liveness check
//   - GET /health/ready - Readiness check (database ping)
//
// Routes under /api/ require a bearer token when auth.jwt_secret is set.
//
// # Request Scopes
//
// Conversation handlers open a Scope per request holding a store session
// and an outbound HTTP client. Handlers defer Scope.Close, which releases
// both exactly once. Starts that outlive the request persist their
// remaining updates through the pooled store.
//
// # Lifecycle
//
//	srv, err := appserver.New(cfg, logger)
//	err = srv.Run(ctx) // blocks until ctx is canceled, then shuts down
package appserver
