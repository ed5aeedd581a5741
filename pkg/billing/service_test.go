package billing

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v79/webhook"

	"github.com/platinummonkey/dtc/pkg/observability"
	"github.com/platinummonkey/dtc/pkg/users"
)

const testWebhookSecret = "whsec_test_secret"

func strPtr(s string) *string { return &s }

func newTestService(store *mockUserStore, payments Store, gateway Gateway) (*Service, *observability.Metrics) {
	metrics := observability.NewNopMetrics()
	logger := observability.NewLogger(observability.ErrorLevel, io.Discard)
	svc := NewService(store, payments, gateway, testWebhookSecret, 30*24*time.Hour, metrics, logger).
		WithClock(clockwork.NewFakeClockAt(testNow))
	return svc, metrics
}

func signedEvent(t *testing.T, eventType string, object map[string]interface{}) ([]byte, string) {
	t.Helper()
	payload, err := json.Marshal(map[string]interface{}{
		"id":          "evt_" + eventType,
		"object":      "event",
		"type":        eventType,
		"api_version": "2024-06-20",
		"data":        map[string]interface{}{"object": object},
	})
	require.NoError(t, err)
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    testWebhookSecret,
		Timestamp: time.Now(),
	})
	return signed.Payload, signed.Header
}

func TestService_StartCheckout(t *testing.T) {
	t.Run("creates customer first", func(t *testing.T) {
		var savedCustomer string
		store := &mockUserStore{
			GetByIDFunc: func(ctx context.Context, id int64) (*users.User, error) {
				return &users.User{ID: id, Email: "ann@example.com"}, nil
			},
			SetCustomerIDFunc: func(ctx context.Context, id int64, customerID string) error {
				savedCustomer = customerID
				return nil
			},
		}
		gateway := &mockGateway{
			CreateCustomerFunc: func(ctx context.Context, email string, userID int64) (string, error) {
				assert.Equal(t, "ann@example.com", email)
				return "cus_new", nil
			},
			CreateCheckoutSessionFunc: func(ctx context.Context, customerID string, userID int64) (*CheckoutSession, error) {
				assert.Equal(t, "cus_new", customerID)
				assert.Equal(t, int64(42), userID)
				return &CheckoutSession{ID: "cs_1", URL: "https://checkout.example.com/cs_1"}, nil
			},
		}
		svc, _ := newTestService(store, &memPayments{}, gateway)

		cs, err := svc.StartCheckout(context.Background(), 42)
		require.NoError(t, err)
		assert.Equal(t, "https://checkout.example.com/cs_1", cs.URL)
		assert.Equal(t, "cus_new", savedCustomer)
	})

	t.Run("reuses existing customer", func(t *testing.T) {
		store := &mockUserStore{
			GetByIDFunc: func(ctx context.Context, id int64) (*users.User, error) {
				return &users.User{ID: id, CustomerID: strPtr("cus_old")}, nil
			},
		}
		gateway := &mockGateway{
			CreateCheckoutSessionFunc: func(ctx context.Context, customerID string, userID int64) (*CheckoutSession, error) {
				return &CheckoutSession{ID: "cs_2", URL: "u"}, nil
			},
		}
		svc, _ := newTestService(store, &memPayments{}, gateway)

		_, err := svc.StartCheckout(context.Background(), 1)
		assert.NoError(t, err)
	})

	t.Run("already subscribed", func(t *testing.T) {
		store := &mockUserStore{
			GetByIDFunc: func(ctx context.Context, id int64) (*users.User, error) {
				return &users.User{ID: id, CustomerID: strPtr("cus_1"), SubscriptionID: strPtr("sub_1")}, nil
			},
		}
		svc, _ := newTestService(store, &memPayments{}, &mockGateway{})

		_, err := svc.StartCheckout(context.Background(), 1)
		assert.ErrorIs(t, err, ErrAlreadySubscribed)
	})
}

func TestService_CancelSubscription(t *testing.T) {
	var cancelled, cleared string
	store := &mockUserStore{
		GetByIDFunc: func(ctx context.Context, id int64) (*users.User, error) {
			if id == 2 {
				return &users.User{ID: id}, nil
			}
			return &users.User{ID: id, SubscriptionID: strPtr("sub_1")}, nil
		},
		ClearSubscriptionFunc: func(ctx context.Context, subscriptionID string) (int64, error) {
			cleared = subscriptionID
			return 1, nil
		},
	}
	gateway := &mockGateway{
		CancelSubscriptionFunc: func(ctx context.Context, subscriptionID string) error {
			cancelled = subscriptionID
			return nil
		},
	}
	svc, _ := newTestService(store, &memPayments{}, gateway)

	require.NoError(t, svc.CancelSubscription(context.Background(), 1))
	assert.Equal(t, "sub_1", cancelled)
	assert.Equal(t, "sub_1", cleared)

	assert.ErrorIs(t, svc.CancelSubscription(context.Background(), 2), ErrNoSubscription)
}

func TestService_HandleWebhook_InvalidSignature(t *testing.T) {
	svc, metrics := newTestService(&mockUserStore{}, &memPayments{}, &mockGateway{})

	payload, _ := signedEvent(t, "invoice.paid", map[string]interface{}{"id": "in_1"})
	err := svc.HandleWebhook(context.Background(), payload, "t=1,v1=bad")
	assert.ErrorIs(t, err, ErrInvalidSignature)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.WebhookEventsTotal.WithLabelValues("unknown", "rejected")))
}

func TestService_HandleWebhook_CheckoutCompleted(t *testing.T) {
	var activated []string
	var extendedFrom time.Time
	store := &mockUserStore{
		ActivateSubscriptionFunc: func(ctx context.Context, id int64, customerID, subscriptionID string) (bool, error) {
			assert.Equal(t, int64(42), id)
			activated = []string{customerID, subscriptionID}
			return true, nil
		},
		ExtendPaidUntilFunc: func(ctx context.Context, id int64, now time.Time, period time.Duration) (time.Time, error) {
			extendedFrom = now
			assert.Equal(t, 30*24*time.Hour, period)
			return now.Add(period), nil
		},
	}
	svc, metrics := newTestService(store, &memPayments{}, &mockGateway{})

	payload, sig := signedEvent(t, "checkout.session.completed", map[string]interface{}{
		"id":                  "cs_1",
		"object":              "checkout.session",
		"client_reference_id": "42",
		"customer":            "cus_1",
		"subscription":        "sub_1",
	})
	require.NoError(t, svc.HandleWebhook(context.Background(), payload, sig))
	assert.Equal(t, []string{"cus_1", "sub_1"}, activated)
	assert.Equal(t, testNow, extendedFrom)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.WebhookEventsTotal.WithLabelValues("checkout.session.completed", "processed")))

	payload, sig = signedEvent(t, "checkout.session.completed", map[string]interface{}{
		"id":     "cs_2",
		"object": "checkout.session",
	})
	err := svc.HandleWebhook(context.Background(), payload, sig)
	assert.ErrorIs(t, err, ErrInvalidWebhookData)
}

func TestService_HandleWebhook_InvoicePaid(t *testing.T) {
	store := &mockUserStore{
		GetByCustomerIDFunc: func(ctx context.Context, customerID string) (*users.User, error) {
			if customerID == "cus_gone" {
				return nil, users.ErrNotFound
			}
			return &users.User{ID: 7, CustomerID: strPtr(customerID)}, nil
		},
	}
	payments := &memPayments{}
	svc, _ := newTestService(store, payments, &mockGateway{})

	invoice := func(id, reason, customer string) map[string]interface{} {
		return map[string]interface{}{
			"id":             id,
			"object":         "invoice",
			"customer":       customer,
			"amount_paid":    1999,
			"currency":       "usd",
			"period_end":     1780000000,
			"billing_reason": reason,
		}
	}

	payload, sig := signedEvent(t, "invoice.paid", invoice("in_1", "subscription_cycle", "cus_1"))
	require.NoError(t, svc.HandleWebhook(context.Background(), payload, sig))
	require.Len(t, payments.payments, 1)
	p := payments.payments[0]
	assert.Equal(t, int64(7), p.UserID)
	assert.True(t, decimal.RequireFromString("19.99").Equal(p.Amount))
	assert.Equal(t, "USD", p.Currency)
	require.NotNil(t, p.PeriodEnd)
	assert.Equal(t, int64(1780000000), p.PeriodEnd.Unix())
	require.Len(t, payments.extensions, 1)
	assert.Equal(t, PeriodExtension{Now: testNow, Period: 30 * 24 * time.Hour}, payments.extensions[0])

	// redelivery of the same invoice changes nothing
	require.NoError(t, svc.HandleWebhook(context.Background(), payload, sig))
	assert.Len(t, payments.payments, 1)
	assert.Len(t, payments.extensions, 1)

	// first invoice of a subscription: checkout already started the period
	payload, sig = signedEvent(t, "invoice.paid", invoice("in_2", "subscription_create", "cus_1"))
	require.NoError(t, svc.HandleWebhook(context.Background(), payload, sig))
	assert.Len(t, payments.payments, 2)
	assert.Len(t, payments.extensions, 1)

	payload, sig = signedEvent(t, "invoice.paid", invoice("in_3", "subscription_cycle", "cus_gone"))
	require.NoError(t, svc.HandleWebhook(context.Background(), payload, sig))
	assert.Len(t, payments.payments, 2)
}

func TestService_HandleWebhook_CheckoutCompletedRedelivered(t *testing.T) {
	var subscriptionID string
	extensions := 0
	store := &mockUserStore{
		ActivateSubscriptionFunc: func(ctx context.Context, id int64, customerID, subID string) (bool, error) {
			if subscriptionID == subID {
				return false, nil
			}
			subscriptionID = subID
			return true, nil
		},
		ExtendPaidUntilFunc: func(ctx context.Context, id int64, now time.Time, period time.Duration) (time.Time, error) {
			extensions++
			return now.Add(period), nil
		},
	}
	svc, metrics := newTestService(store, &memPayments{}, &mockGateway{})

	payload, sig := signedEvent(t, "checkout.session.completed", map[string]interface{}{
		"id":                  "cs_1",
		"object":              "checkout.session",
		"client_reference_id": "42",
		"customer":            "cus_1",
		"subscription":        "sub_1",
	})
	require.NoError(t, svc.HandleWebhook(context.Background(), payload, sig))
	require.NoError(t, svc.HandleWebhook(context.Background(), payload, sig))
	assert.Equal(t, 1, extensions)
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.WebhookEventsTotal.WithLabelValues("checkout.session.completed", "processed")))

	// a new subscription after the old one ended starts a new period
	payload, sig = signedEvent(t, "checkout.session.completed", map[string]interface{}{
		"id":                  "cs_2",
		"object":              "checkout.session",
		"client_reference_id": "42",
		"customer":            "cus_1",
		"subscription":        "sub_2",
	})
	require.NoError(t, svc.HandleWebhook(context.Background(), payload, sig))
	assert.Equal(t, 2, extensions)
}

func TestService_HandleWebhook_InvoicePaidRetriesFailedExtension(t *testing.T) {
	store := &mockUserStore{
		GetByCustomerIDFunc: func(ctx context.Context, customerID string) (*users.User, error) {
			return &users.User{ID: 7, CustomerID: strPtr(customerID)}, nil
		},
	}
	payments := &memPayments{extendErrs: []error{errors.New("db down")}}
	svc, _ := newTestService(store, payments, &mockGateway{})

	payload, sig := signedEvent(t, "invoice.paid", map[string]interface{}{
		"id":             "in_1",
		"object":         "invoice",
		"customer":       "cus_1",
		"amount_paid":    1999,
		"currency":       "usd",
		"billing_reason": "subscription_cycle",
	})
	assert.EqualError(t, svc.HandleWebhook(context.Background(), payload, sig), "db down")
	assert.Empty(t, payments.payments)
	assert.Empty(t, payments.extensions)

	require.NoError(t, svc.HandleWebhook(context.Background(), payload, sig))
	assert.Len(t, payments.payments, 1)
	assert.Len(t, payments.extensions, 1)

	require.NoError(t, svc.HandleWebhook(context.Background(), payload, sig))
	assert.Len(t, payments.payments, 1)
	assert.Len(t, payments.extensions, 1)
}

func TestService_HandleWebhook_SubscriptionDeleted(t *testing.T) {
	calls := 0
	store := &mockUserStore{
		ClearSubscriptionFunc: func(ctx context.Context, subscriptionID string) (int64, error) {
			calls++
			if calls > 1 {
				return 0, users.ErrNotFound
			}
			assert.Equal(t, "sub_1", subscriptionID)
			return 3, nil
		},
	}
	svc, _ := newTestService(store, &memPayments{}, &mockGateway{})

	payload, sig := signedEvent(t, "customer.subscription.deleted", map[string]interface{}{
		"id":     "sub_1",
		"object": "subscription",
	})
	require.NoError(t, svc.HandleWebhook(context.Background(), payload, sig))
	require.NoError(t, svc.HandleWebhook(context.Background(), payload, sig))
	assert.Equal(t, 2, calls)
}

func TestService_HandleWebhook_Failures(t *testing.T) {
	store := &mockUserStore{
		GetByCustomerIDFunc: func(ctx context.Context, customerID string) (*users.User, error) {
			return nil, errors.New("db down")
		},
	}
	svc, metrics := newTestService(store, &memPayments{}, &mockGateway{})

	payload, sig := signedEvent(t, "invoice.paid", map[string]interface{}{
		"id": "in_9", "object": "invoice", "customer": "cus_1", "amount_paid": 100, "currency": "eur",
	})
	assert.EqualError(t, svc.HandleWebhook(context.Background(), payload, sig), "db down")
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.WebhookEventsTotal.WithLabelValues("invoice.paid", "error")))

	// payment failures are only logged, even when the lookup fails
	payload, sig = signedEvent(t, "invoice.payment_failed", map[string]interface{}{
		"id": "in_10", "object": "invoice", "customer": "cus_1", "attempt_count": 2,
	})
	assert.NoError(t, svc.HandleWebhook(context.Background(), payload, sig))

	payload, sig = signedEvent(t, "customer.created", map[string]interface{}{"id": "cus_1", "object": "customer"})
	assert.NoError(t, svc.HandleWebhook(context.Background(), payload, sig))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.WebhookEventsTotal.WithLabelValues("customer.created", "ignored")))
}

func TestService_ListAllPayments_ClampsPaging(t *testing.T) {
	payments := &memPayments{}
	for i := 0; i < 3; i++ {
		_, _, err := payments.RecordPayment(context.Background(), &Payment{UserID: 1, StripeInvoiceID: string(rune('a' + i))}, nil)
		require.NoError(t, err)
	}
	svc, _ := newTestService(&mockUserStore{}, payments, &mockGateway{})

	list, total, err := svc.ListAllPayments(context.Background(), 0, -5)
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	assert.Len(t, list, 3)

	list, _, err = svc.ListAllPayments(context.Background(), 2, 2)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	mine, err := svc.ListPayments(context.Background(), 1)
	require.NoError(t, err)
	assert.Len(t, mine, 3)
}
