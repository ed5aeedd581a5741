package api

import (
	"context"
	"io"
	"net/http"

	"github.com/platinummonkey/dtc/pkg/auth"
	"github.com/platinummonkey/dtc/pkg/billing"
	"github.com/platinummonkey/dtc/pkg/capsules"
	"github.com/platinummonkey/dtc/pkg/users"
)

// AccountService is the account surface used by the handlers
type AccountService interface {
	Register(ctx context.Context, in users.RegisterInput) (*users.Session, error)
	Login(ctx context.Context, email, password string) (*users.Session, error)
	Get(ctx context.Context, id int64) (*users.User, error)
	UpdateProfile(ctx context.Context, id int64, upd users.ProfileUpdate) (*users.User, error)
	DeleteAccount(ctx context.Context, id int64) error
	List(ctx context.Context, filter users.ListFilter) ([]*users.User, int, error)
	AdminUpdate(ctx context.Context, actorID, targetID int64, upd users.AdminUpdate) (*users.User, error)
	AdminDelete(ctx context.Context, actorID, targetID int64) error
}

// CapsuleService is the capsule surface used by the handlers
type CapsuleService interface {
	Create(ctx context.Context, ownerID int64, in capsules.CreateInput) (*capsules.Capsule, error)
	Get(ctx context.Context, ownerID, id int64) (*capsules.Capsule, error)
	List(ctx context.Context, ownerID int64) ([]*capsules.Capsule, error)
	Update(ctx context.Context, ownerID, id int64, in capsules.UpdateInput) (*capsules.Capsule, error)
	Delete(ctx context.Context, ownerID, id int64) error
	AddMedia(ctx context.Context, ownerID, capsuleID int64, up capsules.Upload) (*capsules.Media, error)
	RemoveMedia(ctx context.Context, ownerID, capsuleID, mediaID int64) error
	OpenMedia(ctx context.Context, ownerID, capsuleID, mediaID int64) (*capsules.Media, io.ReadCloser, error)
	OpenDeliveredMedia(ctx context.Context, capsuleID, mediaID int64) (*capsules.Media, io.ReadCloser, error)
}

// BillingService is the billing surface used by the handlers
type BillingService interface {
	StartCheckout(ctx context.Context, userID int64) (*billing.CheckoutSession, error)
	CancelSubscription(ctx context.Context, userID int64) error
	ListPayments(ctx context.Context, userID int64) ([]*billing.Payment, error)
	ListAllPayments(ctx context.Context, limit, offset int) ([]*billing.Payment, int, error)
	HandleWebhook(ctx context.Context, payload []byte, signature string) error
}

// MediaLinkParser verifies the tokens in emailed media links
type MediaLinkParser interface {
	ParseMediaLink(token string) (*auth.MediaClaims, error)
}

// Authenticator guards the authenticated routes
type Authenticator interface {
	Handler(next http.Handler) http.Handler
	Invalidate(userID int64)
}
