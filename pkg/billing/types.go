package billing

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrNoCustomer         = errors.New("no billing customer")
	ErrNoSubscription     = errors.New("no active subscription")
	ErrAlreadySubscribed  = errors.New("subscription already active")
	ErrInvalidSignature   = errors.New("invalid webhook signature")
	ErrInvalidWebhookData = errors.New("invalid webhook payload")
)

// PaymentStatus mirrors the provider invoice status at the time it was recorded
type PaymentStatus string

const (
	PaymentStatusPaid PaymentStatus = "paid"
)

// Payment is one paid invoice
type Payment struct {
	ID              int64           `json:"id"`
	UserID          int64           `json:"user_id"`
	UserEmail       string          `json:"user_email,omitempty"`
	StripeInvoiceID string          `json:"stripe_invoice_id"`
	Amount          decimal.Decimal `json:"amount"`
	Currency        string          `json:"currency"`
	Status          PaymentStatus   `json:"status"`
	PeriodEnd       *time.Time      `json:"period_end,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}

// MeterEvent is one metered usage report
type MeterEvent struct {
	EventName  string
	CustomerID string
	// Value is a decimal string, as the provider expects
	Value     string
	Timestamp int64
	// Identifier lets the provider drop duplicates of the same report
	Identifier string
}

// CheckoutSession is a hosted payment page the client is redirected to
type CheckoutSession struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// Gateway is the billing provider API used by dtc
type Gateway interface {
	CreateCustomer(ctx context.Context, email string, userID int64) (string, error)
	CreateCheckoutSession(ctx context.Context, customerID string, userID int64) (*CheckoutSession, error)
	CancelSubscription(ctx context.Context, subscriptionID string) error
	SendMeterEvent(ctx context.Context, event MeterEvent) error
}

// permanentError marks a provider error that retrying cannot fix
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so retry loops give up immediately
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}
