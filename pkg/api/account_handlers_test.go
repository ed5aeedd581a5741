package api

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/dtc/pkg/billing"
	"github.com/platinummonkey/dtc/pkg/users"
)

func strPtr(s string) *string { return &s }

func TestAccountHandlers_Get(t *testing.T) {
	deps := newTestDeps()
	deps.accounts.GetFunc = func(ctx context.Context, id int64) (*users.User, error) {
		return &users.User{ID: id, Email: "ann@example.com", SubscriptionID: strPtr("sub_1"), PasswordHash: "secret-hash"}, nil
	}

	w := do(t, deps.server(), http.MethodGet, "/api/v1/me", "user", nil)

	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.EqualValues(t, 1, body["id"])
	assert.Equal(t, true, body["subscribed"])
	assert.NotContains(t, w.Body.String(), "secret-hash")
	assert.NotContains(t, w.Body.String(), "sub_1")
}

func TestAccountHandlers_Update(t *testing.T) {
	t.Run("display name", func(t *testing.T) {
		deps := newTestDeps()
		var got users.ProfileUpdate
		deps.accounts.UpdateProfileFunc = func(ctx context.Context, id int64, upd users.ProfileUpdate) (*users.User, error) {
			got = upd
			return &users.User{ID: id, DisplayName: *upd.DisplayName}, nil
		}

		w := do(t, deps.server(), http.MethodPatch, "/api/v1/me", "user", map[string]string{"display_name": "Annie"})

		require.Equal(t, http.StatusOK, w.Code)
		require.NotNil(t, got.DisplayName)
		assert.Equal(t, "Annie", *got.DisplayName)
		assert.Nil(t, got.NewPassword)
		assert.Equal(t, []int64{1}, deps.auth.Invalidated())
	})

	t.Run("wrong current password", func(t *testing.T) {
		deps := newTestDeps()
		deps.accounts.UpdateProfileFunc = func(ctx context.Context, id int64, upd users.ProfileUpdate) (*users.User, error) {
			return nil, users.ErrInvalidCredentials
		}

		w := do(t, deps.server(), http.MethodPatch, "/api/v1/me", "user", map[string]string{
			"current_password": "nope", "new_password": "new-password-1",
		})

		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Contains(t, deps.logs.String(), "user.password_change")
		assert.Empty(t, deps.auth.Invalidated())
	})
}

func TestAccountHandlers_Delete(t *testing.T) {
	t.Run("cancels subscription before deleting", func(t *testing.T) {
		deps := newTestDeps()
		var calls []string
		deps.billing = &mockBilling{CancelSubscriptionFunc: func(ctx context.Context, userID int64) error {
			calls = append(calls, "cancel")
			return nil
		}}
		deps.accounts.DeleteAccountFunc = func(ctx context.Context, id int64) error {
			calls = append(calls, "delete")
			return nil
		}

		w := do(t, deps.server(), http.MethodDelete, "/api/v1/me", "user", nil)

		assert.Equal(t, http.StatusNoContent, w.Code)
		assert.Equal(t, []string{"cancel", "delete"}, calls)
		assert.Equal(t, []int64{1}, deps.auth.Invalidated())
	})

	t.Run("no subscription", func(t *testing.T) {
		deps := newTestDeps()
		deps.billing = &mockBilling{CancelSubscriptionFunc: func(ctx context.Context, userID int64) error {
			return billing.ErrNoSubscription
		}}
		deleted := false
		deps.accounts.DeleteAccountFunc = func(ctx context.Context, id int64) error {
			deleted = true
			return nil
		}

		w := do(t, deps.server(), http.MethodDelete, "/api/v1/me", "user", nil)

		assert.Equal(t, http.StatusNoContent, w.Code)
		assert.True(t, deleted)
	})

	t.Run("cancel failure keeps the account", func(t *testing.T) {
		deps := newTestDeps()
		deps.billing = &mockBilling{CancelSubscriptionFunc: func(ctx context.Context, userID int64) error {
			return errors.New("stripe unavailable")
		}}
		deps.accounts.DeleteAccountFunc = func(ctx context.Context, id int64) error {
			t.Fatal("account must not be deleted")
			return nil
		}

		w := do(t, deps.server(), http.MethodDelete, "/api/v1/me", "user", nil)

		assert.Equal(t, http.StatusBadGateway, w.Code)
	})

	t.Run("billing disabled", func(t *testing.T) {
		deps := newTestDeps()
		deps.billing = nil
		deps.accounts.DeleteAccountFunc = func(ctx context.Context, id int64) error { return nil }

		w := do(t, deps.server(), http.MethodDelete, "/api/v1/me", "user", nil)

		assert.Equal(t, http.StatusNoContent, w.Code)
	})
}
