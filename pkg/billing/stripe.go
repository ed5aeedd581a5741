package billing

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/billing/meterevent"
	"github.com/stripe/stripe-go/v79/checkout/session"
	"github.com/stripe/stripe-go/v79/customer"
	"github.com/stripe/stripe-go/v79/subscription"

	"github.com/platinummonkey/dtc/pkg/config"
)

// StripeGateway implements Gateway with the Stripe API. It holds its own
// backend and key; nothing is read from package-level Stripe state.
type StripeGateway struct {
	customers     customer.Client
	sessions      session.Client
	subscriptions subscription.Client
	meterEvents   meterevent.Client
	cfg           config.StripeConfig
}

// NewStripeGateway creates the gateway. cfg.APIURL overrides the API base
// URL, which tests point at an httptest server.
func NewStripeGateway(cfg config.StripeConfig, httpClient *http.Client) *StripeGateway {
	backendCfg := &stripe.BackendConfig{
		// retries are owned by the callers
		MaxNetworkRetries: stripe.Int64(0),
		LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelError},
	}
	if httpClient != nil {
		backendCfg.HTTPClient = httpClient
	}
	if cfg.APIURL != "" {
		backendCfg.URL = stripe.String(cfg.APIURL)
	}
	backend := stripe.GetBackendWithConfig(stripe.APIBackend, backendCfg)

	return &StripeGateway{
		customers:     customer.Client{B: backend, Key: cfg.SecretKey},
		sessions:      session.Client{B: backend, Key: cfg.SecretKey},
		subscriptions: subscription.Client{B: backend, Key: cfg.SecretKey},
		meterEvents:   meterevent.Client{B: backend, Key: cfg.SecretKey},
		cfg:           cfg,
	}
}

// CreateCustomer creates a Stripe customer tagged with the dtc user id
func (g *StripeGateway) CreateCustomer(ctx context.Context, email string, userID int64) (string, error) {
	params := &stripe.CustomerParams{Email: stripe.String(email)}
	params.Context = ctx
	params.AddMetadata("user_id", strconv.FormatInt(userID, 10))

	c, err := g.customers.New(params)
	if err != nil {
		return "", fmt.Errorf("failed to create stripe customer: %w", classify(err))
	}
	return c.ID, nil
}

// CreateCheckoutSession opens a subscription checkout for the metered storage price
func (g *StripeGateway) CreateCheckoutSession(ctx context.Context, customerID string, userID int64) (*CheckoutSession, error) {
	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		Customer:          stripe.String(customerID),
		ClientReferenceID: stripe.String(strconv.FormatInt(userID, 10)),
		SuccessURL:        stripe.String(g.cfg.SuccessURL),
		CancelURL:         stripe.String(g.cfg.CancelURL),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{Price: stripe.String(g.cfg.PriceID)},
		},
	}
	params.Context = ctx

	s, err := g.sessions.New(params)
	if err != nil {
		return nil, fmt.Errorf("failed to create checkout session: %w", classify(err))
	}
	return &CheckoutSession{ID: s.ID, URL: s.URL}, nil
}

// CancelSubscription cancels a subscription immediately
func (g *StripeGateway) CancelSubscription(ctx context.Context, subscriptionID string) error {
	params := &stripe.SubscriptionCancelParams{}
	params.Context = ctx

	if _, err := g.subscriptions.Cancel(subscriptionID, params); err != nil {
		return fmt.Errorf("failed to cancel subscription: %w", classify(err))
	}
	return nil
}

// SendMeterEvent reports one usage value for a customer
func (g *StripeGateway) SendMeterEvent(ctx context.Context, event MeterEvent) error {
	params := &stripe.BillingMeterEventParams{
		EventName: stripe.String(event.EventName),
		Payload: map[string]string{
			"stripe_customer_id": event.CustomerID,
			"value":              event.Value,
		},
		Timestamp: stripe.Int64(event.Timestamp),
	}
	if event.Identifier != "" {
		params.Identifier = stripe.String(event.Identifier)
	}
	params.Context = ctx

	if _, err := g.meterEvents.New(params); err != nil {
		return fmt.Errorf("failed to send meter event: %w", classify(err))
	}
	return nil
}

// classify marks client errors other than rate limiting as permanent
func classify(err error) error {
	var stripeErr *stripe.Error
	if !errors.As(err, &stripeErr) {
		return err
	}
	switch {
	case stripeErr.HTTPStatusCode == http.StatusTooManyRequests,
		stripeErr.HTTPStatusCode == http.StatusConflict,
		stripeErr.HTTPStatusCode >= 500:
		return err
	case stripeErr.HTTPStatusCode >= 400:
		return Permanent(err)
	}
	return err
}
