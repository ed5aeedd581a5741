package users

import (
	"errors"
	"time"

	"github.com/platinummonkey/dtc/pkg/auth"
)

var (
	ErrNotFound           = errors.New("user not found")
	ErrEmailTaken         = errors.New("email already registered")
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrDisabled           = errors.New("account disabled")
	ErrSelfModification   = errors.New("admins cannot change their own role or status")
	ErrEmptyBillingID     = errors.New("billing customer and subscription ids must not be empty")
)

// User is an account holder
type User struct {
	ID             int64      `json:"id"`
	Email          string     `json:"email"`
	PasswordHash   string     `json:"-"`
	DisplayName    string     `json:"display_name"`
	Role           auth.Role  `json:"role"`
	Disabled       bool       `json:"disabled"`
	CustomerID     *string    `json:"-"`
	SubscriptionID *string    `json:"-"`
	PaidUntil      *time.Time `json:"paid_until,omitempty"`
	UsedStorage    float64    `json:"used_storage_gb"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// HasSubscription reports whether the user has an active billing subscription
func (u *User) HasSubscription() bool {
	return u.SubscriptionID != nil && *u.SubscriptionID != ""
}

// PaidAt reports whether the paid period covers t
func (u *User) PaidAt(t time.Time) bool {
	return u.PaidUntil != nil && u.PaidUntil.After(t)
}

// AuthContext converts the user into the request auth context
func (u *User) AuthContext() *auth.AuthContext {
	return &auth.AuthContext{UserID: u.ID, Email: u.Email, Role: u.Role}
}

// ListFilter pages and filters the admin user listing
type ListFilter struct {
	Query  string
	Limit  int
	Offset int
}

// UsageCandidate is the projection of a user read by the usage reporter
type UsageCandidate struct {
	ID             int64
	Email          string
	CustomerID     string
	SubscriptionID string
	UsedStorage    float64
	PaidUntil      time.Time
}

// UsageThreshold is the exclusive lower bound on used storage for a user to be
// reported. Values between it and zero are reported as 0.
const UsageThreshold = -0.1

// DueForUsageReport is the in-process form of the selection predicate
// applied by Store.FindUsageCandidates. An empty id stands for NULL: the
// store refuses to write empty billing ids, so the two forms agree.
func (c UsageCandidate) DueForUsageReport(cutoff time.Time) bool {
	return !c.PaidUntil.After(cutoff) &&
		c.SubscriptionID != "" &&
		c.CustomerID != "" &&
		c.UsedStorage > UsageThreshold
}
