package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/webhook"

	"github.com/platinummonkey/dtc/pkg/observability"
	"github.com/platinummonkey/dtc/pkg/users"
)

// UserStore is the part of users.Store billing writes to
type UserStore interface {
	GetByID(ctx context.Context, id int64) (*users.User, error)
	GetByCustomerID(ctx context.Context, customerID string) (*users.User, error)
	SetCustomerID(ctx context.Context, id int64, customerID string) error
	ActivateSubscription(ctx context.Context, id int64, customerID, subscriptionID string) (bool, error)
	ExtendPaidUntil(ctx context.Context, id int64, now time.Time, period time.Duration) (time.Time, error)
	ClearSubscription(ctx context.Context, subscriptionID string) (int64, error)
}

// Webhook status labels
const (
	webhookProcessed = "processed"
	webhookIgnored   = "ignored"
	webhookFailed    = "error"
	webhookRejected  = "rejected"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

// Service implements checkout, subscription and payment operations
type Service struct {
	users         UserStore
	payments      Store
	gateway       Gateway
	webhookSecret string
	paidPeriod    time.Duration
	clock         clockwork.Clock
	metrics       *observability.Metrics
	logger        *observability.Logger
}

// NewService creates the billing service
func NewService(userStore UserStore, payments Store, gateway Gateway, webhookSecret string, paidPeriod time.Duration, metrics *observability.Metrics, logger *observability.Logger) *Service {
	if metrics == nil {
		metrics = observability.NewNopMetrics()
	}
	return &Service{
		users:         userStore,
		payments:      payments,
		gateway:       gateway,
		webhookSecret: webhookSecret,
		paidPeriod:    paidPeriod,
		clock:         clockwork.NewRealClock(),
		metrics:       metrics,
		logger:        logger.WithField("component", "billing"),
	}
}

// WithClock replaces the clock used to extend paid periods
func (s *Service) WithClock(clock clockwork.Clock) *Service {
	s.clock = clock
	return s
}

// StartCheckout makes sure the user has a billing customer and opens a
// subscription checkout for them
func (s *Service) StartCheckout(ctx context.Context, userID int64) (*CheckoutSession, error) {
	u, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if u.HasSubscription() {
		return nil, ErrAlreadySubscribed
	}

	var customerID string
	if u.CustomerID != nil && *u.CustomerID != "" {
		customerID = *u.CustomerID
	} else {
		if customerID, err = s.gateway.CreateCustomer(ctx, u.Email, u.ID); err != nil {
			return nil, err
		}
		if err := s.users.SetCustomerID(ctx, u.ID, customerID); err != nil {
			return nil, err
		}
		s.logger.WithField("user_id", u.ID).WithField("customer_id", customerID).Info("Billing customer created")
	}

	return s.gateway.CreateCheckoutSession(ctx, customerID, u.ID)
}

// CancelSubscription cancels the user's subscription with the provider and
// detaches it locally. The paid period already granted is kept.
func (s *Service) CancelSubscription(ctx context.Context, userID int64) error {
	u, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return err
	}
	if !u.HasSubscription() {
		return ErrNoSubscription
	}

	if err := s.gateway.CancelSubscription(ctx, *u.SubscriptionID); err != nil {
		return err
	}
	if _, err := s.users.ClearSubscription(ctx, *u.SubscriptionID); err != nil && !errors.Is(err, users.ErrNotFound) {
		return err
	}
	s.logger.WithField("user_id", u.ID).WithField("subscription_id", *u.SubscriptionID).Info("Subscription cancelled")
	return nil
}

// ListPayments returns the user's payments, newest first
func (s *Service) ListPayments(ctx context.Context, userID int64) ([]*Payment, error) {
	return s.payments.ListByUser(ctx, userID)
}

// ListAllPayments pages through every payment
func (s *Service) ListAllPayments(ctx context.Context, limit, offset int) ([]*Payment, int, error) {
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	if offset < 0 {
		offset = 0
	}
	return s.payments.ListAll(ctx, limit, offset)
}

// HandleWebhook verifies and applies a provider event. Unknown event types
// are accepted and ignored.
func (s *Service) HandleWebhook(ctx context.Context, payload []byte, signature string) error {
	event, err := webhook.ConstructEventWithOptions(payload, signature, s.webhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		s.metrics.WebhookEventsTotal.WithLabelValues("unknown", webhookRejected).Inc()
		s.logger.WithError(err).Warn("Rejected webhook with invalid signature")
		return fmt.Errorf("%w: %w", ErrInvalidSignature, err)
	}

	log := s.logger.WithField("event_id", event.ID).WithField("event_type", string(event.Type))

	var handle func(context.Context, *stripe.Event) error
	switch event.Type {
	case stripe.EventTypeCheckoutSessionCompleted:
		handle = s.checkoutCompleted
	case stripe.EventTypeInvoicePaid:
		handle = s.invoicePaid
	case stripe.EventTypeInvoicePaymentFailed:
		handle = s.invoicePaymentFailed
	case stripe.EventTypeCustomerSubscriptionDeleted:
		handle = s.subscriptionDeleted
	default:
		s.metrics.WebhookEventsTotal.WithLabelValues(string(event.Type), webhookIgnored).Inc()
		log.Debug("Ignoring webhook event")
		return nil
	}

	if err := handle(ctx, &event); err != nil {
		s.metrics.WebhookEventsTotal.WithLabelValues(string(event.Type), webhookFailed).Inc()
		log.WithError(err).Error("Failed to handle webhook event")
		return err
	}
	s.metrics.WebhookEventsTotal.WithLabelValues(string(event.Type), webhookProcessed).Inc()
	return nil
}

func decodeObject(event *stripe.Event, v interface{}) error {
	if event.Data == nil {
		return ErrInvalidWebhookData
	}
	if err := json.Unmarshal(event.Data.Raw, v); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidWebhookData, err)
	}
	return nil
}

// checkoutCompleted links the customer and subscription and starts the paid
// period. A redelivered session finds the subscription already linked and
// leaves paid_until alone.
func (s *Service) checkoutCompleted(ctx context.Context, event *stripe.Event) error {
	var cs stripe.CheckoutSession
	if err := decodeObject(event, &cs); err != nil {
		return err
	}
	userID, err := strconv.ParseInt(cs.ClientReferenceID, 10, 64)
	if err != nil || cs.Customer == nil || cs.Subscription == nil {
		return fmt.Errorf("%w: checkout session %s lacks user, customer or subscription", ErrInvalidWebhookData, cs.ID)
	}

	activated, err := s.users.ActivateSubscription(ctx, userID, cs.Customer.ID, cs.Subscription.ID)
	if err != nil {
		return err
	}
	if !activated {
		s.logger.WithField("user_id", userID).WithField("subscription_id", cs.Subscription.ID).Debug("Subscription already active")
		return nil
	}
	paidUntil, err := s.users.ExtendPaidUntil(ctx, userID, s.clock.Now(), s.paidPeriod)
	if err != nil {
		return err
	}
	s.logger.WithFields(map[string]interface{}{
		"user_id":         userID,
		"subscription_id": cs.Subscription.ID,
		"paid_until":      paidUntil,
	}).Info("Subscription activated")
	return nil
}

// invoicePaid records the payment and extends the paid period once per invoice.
// The first invoice of a subscription only records the payment because
// checkout already started the period.
func (s *Service) invoicePaid(ctx context.Context, event *stripe.Event) error {
	var inv stripe.Invoice
	if err := decodeObject(event, &inv); err != nil {
		return err
	}
	if inv.Customer == nil {
		return fmt.Errorf("%w: invoice %s has no customer", ErrInvalidWebhookData, inv.ID)
	}

	u, err := s.users.GetByCustomerID(ctx, inv.Customer.ID)
	if errors.Is(err, users.ErrNotFound) {
		// account deleted since; nothing to credit
		s.logger.WithField("invoice_id", inv.ID).Warn("Paid invoice for unknown customer")
		return nil
	}
	if err != nil {
		return err
	}

	p := &Payment{
		UserID:          u.ID,
		StripeInvoiceID: inv.ID,
		Amount:          decimal.New(inv.AmountPaid, -2),
		Currency:        strings.ToUpper(string(inv.Currency)),
		Status:          PaymentStatusPaid,
		PeriodEnd:       periodEnd(inv.PeriodEnd),
	}
	var ext *PeriodExtension
	if inv.BillingReason != stripe.InvoiceBillingReasonSubscriptionCreate {
		ext = &PeriodExtension{Now: s.clock.Now(), Period: s.paidPeriod}
	}
	// payment and extension commit together
	inserted, paidUntil, err := s.payments.RecordPayment(ctx, p, ext)
	if err != nil {
		return err
	}
	if !inserted {
		s.logger.WithField("invoice_id", inv.ID).Debug("Invoice already recorded")
		return nil
	}

	log := s.logger.WithField("user_id", u.ID).WithField("invoice_id", inv.ID).WithField("amount", p.Amount.String())
	if paidUntil == nil {
		log.Info("Payment recorded")
		return nil
	}
	log.WithField("paid_until", *paidUntil).Info("Payment recorded, paid period extended")
	return nil
}

func (s *Service) invoicePaymentFailed(ctx context.Context, event *stripe.Event) error {
	var inv stripe.Invoice
	if err := decodeObject(event, &inv); err != nil {
		return err
	}
	log := s.logger.WithField("invoice_id", inv.ID).WithField("attempt_count", inv.AttemptCount)
	if inv.Customer != nil {
		if u, err := s.users.GetByCustomerID(ctx, inv.Customer.ID); err == nil {
			log = log.WithField("user_id", u.ID)
		}
	}
	log.Warn("Invoice payment failed")
	return nil
}

func (s *Service) subscriptionDeleted(ctx context.Context, event *stripe.Event) error {
	var sub stripe.Subscription
	if err := decodeObject(event, &sub); err != nil {
		return err
	}
	userID, err := s.users.ClearSubscription(ctx, sub.ID)
	if errors.Is(err, users.ErrNotFound) {
		// already cleared by CancelSubscription
		return nil
	}
	if err != nil {
		return err
	}
	s.logger.WithField("user_id", userID).WithField("subscription_id", sub.ID).Info("Subscription ended")
	return nil
}
