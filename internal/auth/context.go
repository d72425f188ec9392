// ABOUTME: Authentication context for tracking identity through request handlers
// ABOUTME: Provides WithAuth/FromContext for propagating auth info via context

package auth

import (
	"context"
	"slices"
)

// Roles recognised by the delivery service.
const (
	// RoleAdmin may call every API endpoint, including maintenance.
	RoleAdmin = "admin"
	// RoleProducer may push events and bind threads.
	RoleProducer = "producer"
)

// AuthContext holds the authenticated identity extracted from a request.
type AuthContext struct {
	UserID string   // token subject; connections are registered under this user
	Roles  []string // empty for end-user tokens
}

// IsAdmin returns true if the identity has the admin role.
func (a *AuthContext) IsAdmin() bool {
	return slices.Contains(a.Roles, RoleAdmin)
}

// HasRole returns true if the identity has role, or is an admin.
func (a *AuthContext) HasRole(role string) bool {
	return a.IsAdmin() || slices.Contains(a.Roles, role)
}

// authContextKey is the key type for storing AuthContext in context.Context.
type authContextKey struct{}

// WithAuth returns a new context with the AuthContext attached.
func WithAuth(ctx context.Context, auth *AuthContext) context.Context {
	return context.WithValue(ctx, authContextKey{}, auth)
}

// FromContext retrieves the AuthContext from the context, returning nil if not present.
func FromContext(ctx context.Context) *AuthContext {
	auth, _ := ctx.Value(authContextKey{}).(*AuthContext)
	return auth
}

// MustFromContext retrieves the AuthContext from the context, panicking if not present.
func MustFromContext(ctx context.Context) *AuthContext {
	auth := FromContext(ctx)
	if auth == nil {
		panic("auth: AuthContext not found in context")
	}
	return auth
}
