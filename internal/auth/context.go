// ABOUTME: Request identity carried through handlers via context
// ABOUTME: Provides WithUser/UserFromContext for the authenticated user ID

package auth

import (
	"context"
)

// User is the authenticated identity extracted from a request.
type User struct {
	ID string
}

type userContextKey struct{}

// WithUser returns a new context with the user attached.
func WithUser(ctx context.Context, user *User) context.Context {
	return context.WithValue(ctx, userContextKey{}, user)
}

// UserFromContext returns the user from the context, or nil for anonymous requests.
func UserFromContext(ctx context.Context) *User {
	user, _ := ctx.Value(userContextKey{}).(*User)
	return user
}

// UserID returns the authenticated user's ID, or "" when the request is anonymous.
func UserID(ctx context.Context) string {
	if user := UserFromContext(ctx); user != nil {
		return user.ID
	}
	return ""
}
