package billing

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/platinummonkey/dtc/pkg/users"
)

var errNotImplemented = errors.New("not implemented")

type mockUserStore struct {
	GetByIDFunc              func(ctx context.Context, id int64) (*users.User, error)
	GetByCustomerIDFunc      func(ctx context.Context, customerID string) (*users.User, error)
	SetCustomerIDFunc        func(ctx context.Context, id int64, customerID string) error
	ActivateSubscriptionFunc func(ctx context.Context, id int64, customerID, subscriptionID string) (bool, error)
	ExtendPaidUntilFunc      func(ctx context.Context, id int64, now time.Time, period time.Duration) (time.Time, error)
	ClearSubscriptionFunc    func(ctx context.Context, subscriptionID string) (int64, error)
}

func (m *mockUserStore) GetByID(ctx context.Context, id int64) (*users.User, error) {
	if m.GetByIDFunc != nil {
		return m.GetByIDFunc(ctx, id)
	}
	return nil, errNotImplemented
}

func (m *mockUserStore) GetByCustomerID(ctx context.Context, customerID string) (*users.User, error) {
	if m.GetByCustomerIDFunc != nil {
		return m.GetByCustomerIDFunc(ctx, customerID)
	}
	return nil, errNotImplemented
}

func (m *mockUserStore) SetCustomerID(ctx context.Context, id int64, customerID string) error {
	if m.SetCustomerIDFunc != nil {
		return m.SetCustomerIDFunc(ctx, id, customerID)
	}
	return errNotImplemented
}

func (m *mockUserStore) ActivateSubscription(ctx context.Context, id int64, customerID, subscriptionID string) (bool, error) {
	if m.ActivateSubscriptionFunc != nil {
		return m.ActivateSubscriptionFunc(ctx, id, customerID, subscriptionID)
	}
	return false, errNotImplemented
}

func (m *mockUserStore) ExtendPaidUntil(ctx context.Context, id int64, now time.Time, period time.Duration) (time.Time, error) {
	if m.ExtendPaidUntilFunc != nil {
		return m.ExtendPaidUntilFunc(ctx, id, now, period)
	}
	return time.Time{}, errNotImplemented
}

func (m *mockUserStore) ClearSubscription(ctx context.Context, subscriptionID string) (int64, error) {
	if m.ClearSubscriptionFunc != nil {
		return m.ClearSubscriptionFunc(ctx, subscriptionID)
	}
	return 0, errNotImplemented
}

// memPayments is an in-memory Store keyed by invoice id. Extensions are
// counted; queued extendErrs fail them in order and roll the payment back.
type memPayments struct {
	mu         sync.Mutex
	payments   []*Payment
	extensions []PeriodExtension
	extendErrs []error
}

func (m *memPayments) RecordPayment(ctx context.Context, p *Payment, ext *PeriodExtension) (bool, *time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.payments {
		if existing.StripeInvoiceID == p.StripeInvoiceID {
			return false, nil, nil
		}
	}

	var paidUntil *time.Time
	if ext != nil {
		if len(m.extendErrs) > 0 {
			err := m.extendErrs[0]
			m.extendErrs = m.extendErrs[1:]
			return false, nil, err
		}
		m.extensions = append(m.extensions, *ext)
		until := ext.Now.Add(ext.Period)
		paidUntil = &until
	}

	p.ID = int64(len(m.payments) + 1)
	p.CreatedAt = time.Now()
	cp := *p
	m.payments = append(m.payments, &cp)
	return true, paidUntil, nil
}

func (m *memPayments) ListByUser(ctx context.Context, userID int64) ([]*Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []*Payment{}
	for _, p := range m.payments {
		if p.UserID == userID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *memPayments) ListAll(ctx context.Context, limit, offset int) ([]*Payment, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if offset > len(m.payments) {
		return []*Payment{}, len(m.payments), nil
	}
	end := offset + limit
	if end > len(m.payments) {
		end = len(m.payments)
	}
	return m.payments[offset:end], len(m.payments), nil
}

type mockGateway struct {
	CreateCustomerFunc        func(ctx context.Context, email string, userID int64) (string, error)
	CreateCheckoutSessionFunc func(ctx context.Context, customerID string, userID int64) (*CheckoutSession, error)
	CancelSubscriptionFunc    func(ctx context.Context, subscriptionID string) error
	SendMeterEventFunc        func(ctx context.Context, event MeterEvent) error
}

func (m *mockGateway) CreateCustomer(ctx context.Context, email string, userID int64) (string, error) {
	if m.CreateCustomerFunc != nil {
		return m.CreateCustomerFunc(ctx, email, userID)
	}
	return "", errNotImplemented
}

func (m *mockGateway) CreateCheckoutSession(ctx context.Context, customerID string, userID int64) (*CheckoutSession, error) {
	if m.CreateCheckoutSessionFunc != nil {
		return m.CreateCheckoutSessionFunc(ctx, customerID, userID)
	}
	return nil, errNotImplemented
}

func (m *mockGateway) CancelSubscription(ctx context.Context, subscriptionID string) error {
	if m.CancelSubscriptionFunc != nil {
		return m.CancelSubscriptionFunc(ctx, subscriptionID)
	}
	return errNotImplemented
}

func (m *mockGateway) SendMeterEvent(ctx context.Context, event MeterEvent) error {
	if m.SendMeterEventFunc != nil {
		return m.SendMeterEventFunc(ctx, event)
	}
	return errNotImplemented
}
