// Package middleware provides the API's authentication, authorization and
// rate limiting middleware.
//
// Authenticator resolves the bearer token to an account, rejects disabled
// accounts and stores an *auth.AuthContext on the request. Accounts are
// cached for a short TTL; call Invalidate after changing one.
//
//	authn := middleware.NewAuthenticator(tokens, userStore, middleware.AuthOptions{
//		CacheTTL:  30 * time.Second,
//		CacheSize: 10000,
//	})
//	api.Use(authn.Handler)
//	admin.Use(middleware.RequireRole(auth.RoleAdmin))
//
// RateLimit guards the login and registration routes per client address.
// RateLimiter keeps buckets in memory for a single instance;
// DistributedRateLimiter shares one window per key through Redis. Limiter
// errors fail open.
package middleware
