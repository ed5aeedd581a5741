package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"

	"github.com/platinummonkey/dtc/pkg/auth"
	"github.com/platinummonkey/dtc/pkg/billing"
	"github.com/platinummonkey/dtc/pkg/capsules"
	"github.com/platinummonkey/dtc/pkg/contextkeys"
	"github.com/platinummonkey/dtc/pkg/httputil"
	"github.com/platinummonkey/dtc/pkg/users"
)

var errNotImplemented = errors.New("not implemented")

type mockAccounts struct {
	RegisterFunc      func(ctx context.Context, in users.RegisterInput) (*users.Session, error)
	LoginFunc         func(ctx context.Context, email, password string) (*users.Session, error)
	GetFunc           func(ctx context.Context, id int64) (*users.User, error)
	UpdateProfileFunc func(ctx context.Context, id int64, upd users.ProfileUpdate) (*users.User, error)
	DeleteAccountFunc func(ctx context.Context, id int64) error
	ListFunc          func(ctx context.Context, filter users.ListFilter) ([]*users.User, int, error)
	AdminUpdateFunc   func(ctx context.Context, actorID, targetID int64, upd users.AdminUpdate) (*users.User, error)
	AdminDeleteFunc   func(ctx context.Context, actorID, targetID int64) error
}

func (m *mockAccounts) Register(ctx context.Context, in users.RegisterInput) (*users.Session, error) {
	if m.RegisterFunc != nil {
		return m.RegisterFunc(ctx, in)
	}
	return nil, errNotImplemented
}

func (m *mockAccounts) Login(ctx context.Context, email, password string) (*users.Session, error) {
	if m.LoginFunc != nil {
		return m.LoginFunc(ctx, email, password)
	}
	return nil, errNotImplemented
}

func (m *mockAccounts) Get(ctx context.Context, id int64) (*users.User, error) {
	if m.GetFunc != nil {
		return m.GetFunc(ctx, id)
	}
	return nil, errNotImplemented
}

func (m *mockAccounts) UpdateProfile(ctx context.Context, id int64, upd users.ProfileUpdate) (*users.User, error) {
	if m.UpdateProfileFunc != nil {
		return m.UpdateProfileFunc(ctx, id, upd)
	}
	return nil, errNotImplemented
}

func (m *mockAccounts) DeleteAccount(ctx context.Context, id int64) error {
	if m.DeleteAccountFunc != nil {
		return m.DeleteAccountFunc(ctx, id)
	}
	return errNotImplemented
}

func (m *mockAccounts) List(ctx context.Context, filter users.ListFilter) ([]*users.User, int, error) {
	if m.ListFunc != nil {
		return m.ListFunc(ctx, filter)
	}
	return nil, 0, errNotImplemented
}

func (m *mockAccounts) AdminUpdate(ctx context.Context, actorID, targetID int64, upd users.AdminUpdate) (*users.User, error) {
	if m.AdminUpdateFunc != nil {
		return m.AdminUpdateFunc(ctx, actorID, targetID, upd)
	}
	return nil, errNotImplemented
}

func (m *mockAccounts) AdminDelete(ctx context.Context, actorID, targetID int64) error {
	if m.AdminDeleteFunc != nil {
		return m.AdminDeleteFunc(ctx, actorID, targetID)
	}
	return errNotImplemented
}

type mockCapsules struct {
	CreateFunc             func(ctx context.Context, ownerID int64, in capsules.CreateInput) (*capsules.Capsule, error)
	GetFunc                func(ctx context.Context, ownerID, id int64) (*capsules.Capsule, error)
	ListFunc               func(ctx context.Context, ownerID int64) ([]*capsules.Capsule, error)
	UpdateFunc             func(ctx context.Context, ownerID, id int64, in capsules.UpdateInput) (*capsules.Capsule, error)
	DeleteFunc             func(ctx context.Context, ownerID, id int64) error
	AddMediaFunc           func(ctx context.Context, ownerID, capsuleID int64, up capsules.Upload) (*capsules.Media, error)
	RemoveMediaFunc        func(ctx context.Context, ownerID, capsuleID, mediaID int64) error
	OpenMediaFunc          func(ctx context.Context, ownerID, capsuleID, mediaID int64) (*capsules.Media, io.ReadCloser, error)
	OpenDeliveredMediaFunc func(ctx context.Context, capsuleID, mediaID int64) (*capsules.Media, io.ReadCloser, error)
}

func (m *mockCapsules) Create(ctx context.Context, ownerID int64, in capsules.CreateInput) (*capsules.Capsule, error) {
	if m.CreateFunc != nil {
		return m.CreateFunc(ctx, ownerID, in)
	}
	return nil, errNotImplemented
}

func (m *mockCapsules) Get(ctx context.Context, ownerID, id int64) (*capsules.Capsule, error) {
	if m.GetFunc != nil {
		return m.GetFunc(ctx, ownerID, id)
	}
	return nil, errNotImplemented
}

func (m *mockCapsules) List(ctx context.Context, ownerID int64) ([]*capsules.Capsule, error) {
	if m.ListFunc != nil {
		return m.ListFunc(ctx, ownerID)
	}
	return nil, errNotImplemented
}

func (m *mockCapsules) Update(ctx context.Context, ownerID, id int64, in capsules.UpdateInput) (*capsules.Capsule, error) {
	if m.UpdateFunc != nil {
		return m.UpdateFunc(ctx, ownerID, id, in)
	}
	return nil, errNotImplemented
}

func (m *mockCapsules) Delete(ctx context.Context, ownerID, id int64) error {
	if m.DeleteFunc != nil {
		return m.DeleteFunc(ctx, ownerID, id)
	}
	return errNotImplemented
}

func (m *mockCapsules) AddMedia(ctx context.Context, ownerID, capsuleID int64, up capsules.Upload) (*capsules.Media, error) {
	if m.AddMediaFunc != nil {
		return m.AddMediaFunc(ctx, ownerID, capsuleID, up)
	}
	return nil, errNotImplemented
}

func (m *mockCapsules) RemoveMedia(ctx context.Context, ownerID, capsuleID, mediaID int64) error {
	if m.RemoveMediaFunc != nil {
		return m.RemoveMediaFunc(ctx, ownerID, capsuleID, mediaID)
	}
	return errNotImplemented
}

func (m *mockCapsules) OpenMedia(ctx context.Context, ownerID, capsuleID, mediaID int64) (*capsules.Media, io.ReadCloser, error) {
	if m.OpenMediaFunc != nil {
		return m.OpenMediaFunc(ctx, ownerID, capsuleID, mediaID)
	}
	return nil, nil, errNotImplemented
}

func (m *mockCapsules) OpenDeliveredMedia(ctx context.Context, capsuleID, mediaID int64) (*capsules.Media, io.ReadCloser, error) {
	if m.OpenDeliveredMediaFunc != nil {
		return m.OpenDeliveredMediaFunc(ctx, capsuleID, mediaID)
	}
	return nil, nil, errNotImplemented
}

type mockBilling struct {
	StartCheckoutFunc      func(ctx context.Context, userID int64) (*billing.CheckoutSession, error)
	CancelSubscriptionFunc func(ctx context.Context, userID int64) error
	ListPaymentsFunc       func(ctx context.Context, userID int64) ([]*billing.Payment, error)
	ListAllPaymentsFunc    func(ctx context.Context, limit, offset int) ([]*billing.Payment, int, error)
	HandleWebhookFunc      func(ctx context.Context, payload []byte, signature string) error
}

func (m *mockBilling) StartCheckout(ctx context.Context, userID int64) (*billing.CheckoutSession, error) {
	if m.StartCheckoutFunc != nil {
		return m.StartCheckoutFunc(ctx, userID)
	}
	return nil, errNotImplemented
}

func (m *mockBilling) CancelSubscription(ctx context.Context, userID int64) error {
	if m.CancelSubscriptionFunc != nil {
		return m.CancelSubscriptionFunc(ctx, userID)
	}
	return errNotImplemented
}

func (m *mockBilling) ListPayments(ctx context.Context, userID int64) ([]*billing.Payment, error) {
	if m.ListPaymentsFunc != nil {
		return m.ListPaymentsFunc(ctx, userID)
	}
	return nil, errNotImplemented
}

func (m *mockBilling) ListAllPayments(ctx context.Context, limit, offset int) ([]*billing.Payment, int, error) {
	if m.ListAllPaymentsFunc != nil {
		return m.ListAllPaymentsFunc(ctx, limit, offset)
	}
	return nil, 0, errNotImplemented
}

func (m *mockBilling) HandleWebhook(ctx context.Context, payload []byte, signature string) error {
	if m.HandleWebhookFunc != nil {
		return m.HandleWebhookFunc(ctx, payload, signature)
	}
	return errNotImplemented
}

type mockLinks struct {
	ParseMediaLinkFunc func(token string) (*auth.MediaClaims, error)
}

func (m *mockLinks) ParseMediaLink(token string) (*auth.MediaClaims, error) {
	if m.ParseMediaLinkFunc != nil {
		return m.ParseMediaLinkFunc(token)
	}
	return nil, errNotImplemented
}

// fakeAuth accepts "Bearer <name>" for the callers it knows
type fakeAuth struct {
	callers map[string]*auth.AuthContext

	mu          sync.Mutex
	invalidated []int64
}

func newFakeAuth() *fakeAuth {
	return &fakeAuth{callers: map[string]*auth.AuthContext{
		"user":  {UserID: 1, Email: "ann@example.com", Role: auth.RoleUser},
		"other": {UserID: 2, Email: "bob@example.com", Role: auth.RoleUser},
		"admin": {UserID: 9, Email: "root@example.com", Role: auth.RoleAdmin},
	}}
}

func (f *fakeAuth) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, _ := httputil.BearerToken(r)
		caller, ok := f.callers[token]
		if !ok {
			httputil.WriteUnauthorized(w, "invalid or expired token")
			return
		}
		ctx := contextkeys.WithAuth(r.Context(), caller)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (f *fakeAuth) Invalidate(userID int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invalidated = append(f.invalidated, userID)
}

func (f *fakeAuth) Invalidated() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64(nil), f.invalidated...)
}
