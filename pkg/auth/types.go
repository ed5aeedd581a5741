package auth

import (
	"github.com/golang-jwt/jwt/v5"
)

// Role is a user's account-wide role
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// Valid reports whether r is a known role
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAdmin
}

// Claims are the JWT claims carried by a session token
type Claims struct {
	UserID int64 `json:"uid"`
	Role   Role  `json:"role"`
	jwt.RegisteredClaims
}

// AuthContext describes the authenticated caller of a request
type AuthContext struct {
	UserID int64
	Email  string
	Role   Role
}

// IsAdmin reports whether the caller has the admin role
func (ac *AuthContext) IsAdmin() bool {
	return ac != nil && ac.Role == RoleAdmin
}

// CanAccess reports whether the caller may act on a resource owned by ownerID
func (ac *AuthContext) CanAccess(ownerID int64) bool {
	return ac != nil && (ac.UserID == ownerID || ac.Role == RoleAdmin)
}
