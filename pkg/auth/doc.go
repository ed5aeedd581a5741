// Package auth provides password hashing, JWT session tokens and security
// event logging.
//
//	hasher := auth.NewPasswordHasher(0)
//	hash, err := hasher.Hash(password)
//
//	tokens := auth.NewTokenIssuer(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.TokenTTL)
//	token, expires, err := tokens.Issue(user.ID, auth.RoleUser)
//	claims, err := tokens.Parse(token)
//
// Tokens are HS256 only; any other algorithm is rejected.
package auth
