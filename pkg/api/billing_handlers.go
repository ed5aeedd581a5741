package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/dtc/pkg/billing"
	"github.com/platinummonkey/dtc/pkg/httputil"
	"github.com/platinummonkey/dtc/pkg/middleware"
	"github.com/platinummonkey/dtc/pkg/observability"
	"github.com/platinummonkey/dtc/pkg/users"
)

// maxWebhookBytes bounds provider event payloads
const maxWebhookBytes = 64 << 10

// BillingHandlers handles checkout, cancellation, payment history and
// provider webhooks. With a nil service every route answers 503.
type BillingHandlers struct {
	billing BillingService
}

// NewBillingHandlers creates the billing handlers
func NewBillingHandlers(billingService BillingService) *BillingHandlers {
	return &BillingHandlers{billing: billingService}
}

// RegisterRoutes registers the authenticated billing routes
func (h *BillingHandlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/billing/checkout", h.checkout).Methods(http.MethodPost)
	router.HandleFunc("/billing/cancel", h.cancel).Methods(http.MethodPost)
	router.HandleFunc("/billing/payments", h.payments).Methods(http.MethodGet)
}

// RegisterPublicRoutes registers the webhook, which is authenticated by its
// signature instead of a session
func (h *BillingHandlers) RegisterPublicRoutes(router *mux.Router) {
	router.HandleFunc("/billing/webhook", h.webhook).Methods(http.MethodPost)
}

func (h *BillingHandlers) enabled(w http.ResponseWriter) bool {
	if h.billing == nil {
		httputil.WriteServiceUnavailable(w, "billing is not configured")
		return false
	}
	return true
}

// checkout handles POST /billing/checkout
func (h *BillingHandlers) checkout(w http.ResponseWriter, r *http.Request) {
	if !h.enabled(w) {
		return
	}
	caller := middleware.GetAuthContext(r)
	session, err := h.billing.StartCheckout(r.Context(), caller.UserID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	_ = httputil.WriteSuccess(w, session)
}

// cancel handles POST /billing/cancel
func (h *BillingHandlers) cancel(w http.ResponseWriter, r *http.Request) {
	if !h.enabled(w) {
		return
	}
	caller := middleware.GetAuthContext(r)
	if err := h.billing.CancelSubscription(r.Context(), caller.UserID); err != nil {
		writeServiceError(w, r, err)
		return
	}
	httputil.WriteNoContent(w)
}

// payments handles GET /billing/payments
func (h *BillingHandlers) payments(w http.ResponseWriter, r *http.Request) {
	if !h.enabled(w) {
		return
	}
	caller := middleware.GetAuthContext(r)
	list, err := h.billing.ListPayments(r.Context(), caller.UserID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if list == nil {
		list = []*billing.Payment{}
	}
	_ = httputil.WriteSuccess(w, map[string]interface{}{"payments": list})
}

// webhook handles POST /billing/webhook. Processing errors answer 500 so the
// provider redelivers the event.
func (h *BillingHandlers) webhook(w http.ResponseWriter, r *http.Request) {
	if !h.enabled(w) {
		return
	}
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBytes))
	if err != nil {
		httputil.WriteErrorMessage(w, http.StatusRequestEntityTooLarge, httputil.ErrBodyTooLarge.Error())
		return
	}

	if err := h.billing.HandleWebhook(r.Context(), payload, r.Header.Get("Stripe-Signature")); err != nil {
		writeServiceError(w, r, err)
		return
	}
	_ = httputil.WriteSuccess(w, map[string]bool{"received": true})
}

// cancelSubscription cancels userID's subscription ahead of an account
// deletion. Having no subscription is not an error.
func cancelSubscription(r *http.Request, svc BillingService, userID int64) error {
	if svc == nil {
		return nil
	}
	err := svc.CancelSubscription(r.Context(), userID)
	if err == nil || errors.Is(err, billing.ErrNoSubscription) || errors.Is(err, users.ErrNotFound) {
		return nil
	}
	observability.FromContext(r.Context()).WithError(err).WithField("user_id", userID).
		Error("Failed to cancel subscription before account deletion")
	return err
}
