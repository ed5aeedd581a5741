package middleware

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/platinummonkey/dtc/pkg/auth"
	"github.com/platinummonkey/dtc/pkg/contextkeys"
	"github.com/platinummonkey/dtc/pkg/httputil"
	"github.com/platinummonkey/dtc/pkg/observability"
	"github.com/platinummonkey/dtc/pkg/users"
)

// TokenParser validates session tokens
type TokenParser interface {
	Parse(token string) (*auth.Claims, error)
}

// UserLookup loads the account behind a token
type UserLookup interface {
	GetByID(ctx context.Context, id int64) (*users.User, error)
}

// AuthOptions size the user cache. A zero TTL or size disables caching.
type AuthOptions struct {
	CacheTTL  time.Duration
	CacheSize int
}

// Authenticator resolves the bearer token of a request to an account and
// stores the caller's auth context on the request
type Authenticator struct {
	tokens TokenParser
	users  UserLookup
	cache  *expirable.LRU[int64, *users.User]
}

// NewAuthenticator creates the authentication middleware
func NewAuthenticator(tokens TokenParser, lookup UserLookup, opts AuthOptions) *Authenticator {
	a := &Authenticator{tokens: tokens, users: lookup}
	if opts.CacheTTL > 0 && opts.CacheSize > 0 {
		a.cache = expirable.NewLRU[int64, *users.User](opts.CacheSize, nil, opts.CacheTTL)
	}
	return a
}

// Invalidate drops a cached account so role or status changes apply on the
// next request
func (a *Authenticator) Invalidate(userID int64) {
	if a.cache != nil {
		a.cache.Remove(userID)
	}
}

func (a *Authenticator) lookup(ctx context.Context, id int64) (*users.User, error) {
	if a.cache != nil {
		if u, ok := a.cache.Get(id); ok {
			return u, nil
		}
	}
	u, err := a.users.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.cache != nil {
		a.cache.Add(id, u)
	}
	return u, nil
}

// Handler rejects requests without a valid token for an enabled account
func (a *Authenticator) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := httputil.BearerToken(r)
		if !ok {
			httputil.WriteUnauthorized(w, "missing or malformed authorization header")
			return
		}

		claims, err := a.tokens.Parse(token)
		if err != nil {
			httputil.WriteUnauthorized(w, "invalid or expired token")
			return
		}

		u, err := a.lookup(r.Context(), claims.UserID)
		switch {
		case errors.Is(err, users.ErrNotFound):
			httputil.WriteUnauthorized(w, "account no longer exists")
			return
		case err != nil:
			httputil.WriteInternalError(w, r, err)
			return
		case u.Disabled:
			httputil.WriteForbidden(w, users.ErrDisabled.Error())
			return
		}

		// Role comes from the account, not the token, so demotions apply at once
		ctx := contextkeys.WithAuth(r.Context(), u.AuthContext())
		ctx = contextkeys.WithUserID(ctx, u.ID)
		ctx = observability.WithLogger(ctx, observability.GetLogger(ctx).WithField("user_id", u.ID))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetAuthContext returns the caller set by Authenticator, or nil
func GetAuthContext(r *http.Request) *auth.AuthContext {
	authCtx, _ := r.Context().Value(contextkeys.AuthKey).(*auth.AuthContext)
	return authCtx
}

// RequireRole rejects callers without the given role. Admins pass every check.
func RequireRole(role auth.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authCtx := GetAuthContext(r)
			if authCtx == nil {
				httputil.WriteUnauthorized(w, "authentication required")
				return
			}
			if authCtx.Role != role && !authCtx.IsAdmin() {
				httputil.WriteForbidden(w, "insufficient permissions")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ClientIP stores the caller address in the request context
func ClientIP(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := contextkeys.WithClientIP(r.Context(), auth.ClientIP(r))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
