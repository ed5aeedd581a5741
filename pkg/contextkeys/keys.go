// Package contextkeys provides centralized context key definitions.
//
// All context keys shared between packages are defined here so middleware
// and handlers agree on them without importing each other.
//
//	ctx = contextkeys.WithAuth(ctx, authCtx)
//	authCtx, _ := ctx.Value(contextkeys.AuthKey).(*auth.AuthContext)
package contextkeys

import "context"

// Key is the type for context keys to prevent collisions
type Key string

const (
	// AuthKey contains *auth.AuthContext
	// Set by: middleware.Authenticator
	// Required by: every /api/v1 route except register, login and the billing webhook
	AuthKey Key = "auth_context"

	// UserIDKey contains the authenticated user's int64 ID
	// Set by: middleware.Authenticator
	// Used by: request logging
	UserIDKey Key = "user_id"

	// ClientIPKey contains the caller address used for rate limiting
	// Set by: middleware.ClientIP
	ClientIPKey Key = "client_ip"
)

// WithAuth adds authentication context to the context
func WithAuth(ctx context.Context, authCtx interface{}) context.Context {
	return context.WithValue(ctx, AuthKey, authCtx)
}

// WithUserID adds the user ID to the context
func WithUserID(ctx context.Context, userID int64) context.Context {
	return context.WithValue(ctx, UserIDKey, userID)
}

// GetUserID retrieves the user ID from context
func GetUserID(ctx context.Context) (int64, bool) {
	id, ok := ctx.Value(UserIDKey).(int64)
	return id, ok
}

// WithClientIP adds the client address to the context
func WithClientIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, ClientIPKey, ip)
}

// GetClientIP retrieves the client address from context
func GetClientIP(ctx context.Context) string {
	if ip, ok := ctx.Value(ClientIPKey).(string); ok {
		return ip
	}
	return ""
}
