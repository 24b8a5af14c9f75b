// Package auth provides bearer-token authentication for coven-appserver.
//
// # JWT Tokens
//
// API clients authenticate with HS256 JWTs signed with the configured
// auth.jwt_secret (at least 32 bytes). The "sub" claim is the user ID; it is
// recorded as created_by_user_id on conversations started by that user.
//
//	verifier, err := auth.NewJWTVerifier([]byte(secret))
//	token, err := verifier.Generate("user-123", 24*time.Hour)
//
// # HTTP Middleware
//
// HTTPAuthMiddleware guards the /api/ routes when a secret is configured.
// Handlers read the identity with UserFromContext or UserID:
//
//	mux.Handle("/api/", auth.HTTPAuthMiddleware(verifier, logger)(api))
package auth
