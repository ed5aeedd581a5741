package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/dtc/pkg/auth"
	"github.com/platinummonkey/dtc/pkg/httputil"
	"github.com/platinummonkey/dtc/pkg/middleware"
	"github.com/platinummonkey/dtc/pkg/users"
	"github.com/platinummonkey/dtc/pkg/validation"
)

// AccountHandlers serves the caller's own account
type AccountHandlers struct {
	accounts AccountService
	billing  BillingService
	authn    Authenticator
	audit    *auth.AuditLogger
}

// NewAccountHandlers creates the account handlers. billing may be nil.
func NewAccountHandlers(accounts AccountService, billing BillingService, authn Authenticator, audit *auth.AuditLogger) *AccountHandlers {
	return &AccountHandlers{accounts: accounts, billing: billing, authn: authn, audit: audit}
}

// RegisterRoutes registers the /me routes on an authenticated router
func (h *AccountHandlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/me", h.get).Methods(http.MethodGet)
	router.HandleFunc("/me", h.update).Methods(http.MethodPatch)
	router.HandleFunc("/me", h.delete).Methods(http.MethodDelete)
}

type accountResponse struct {
	*users.User
	Subscribed bool `json:"subscribed"`
}

func newAccountResponse(u *users.User) accountResponse {
	return accountResponse{User: u, Subscribed: u.HasSubscription()}
}

// get handles GET /me
func (h *AccountHandlers) get(w http.ResponseWriter, r *http.Request) {
	caller := middleware.GetAuthContext(r)
	u, err := h.accounts.Get(r.Context(), caller.UserID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	_ = httputil.WriteSuccess(w, newAccountResponse(u))
}

type updateProfileRequest struct {
	DisplayName     *string `json:"display_name" validate:"omitempty,max=100"`
	CurrentPassword string  `json:"current_password"`
	NewPassword     *string `json:"new_password" validate:"omitempty"`
}

// update handles PATCH /me
func (h *AccountHandlers) update(w http.ResponseWriter, r *http.Request) {
	caller := middleware.GetAuthContext(r)

	var req updateProfileRequest
	if !httputil.DecodeJSONOrError(w, r, &req) {
		return
	}
	if err := validation.Struct(req); err != nil {
		httputil.WriteValidationError(w, err)
		return
	}

	u, err := h.accounts.UpdateProfile(r.Context(), caller.UserID, users.ProfileUpdate{
		DisplayName:     req.DisplayName,
		CurrentPassword: req.CurrentPassword,
		NewPassword:     req.NewPassword,
	})
	if req.NewPassword != nil {
		event := auth.AuditEvent{Action: auth.ActionPasswordChange, Status: auth.StatusSuccess, ActorID: caller.UserID, Err: err}
		if err != nil {
			event.Status = auth.StatusFailure
		}
		h.audit.LogFromRequest(r, event)
	}
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	h.authn.Invalidate(caller.UserID)
	_ = httputil.WriteSuccess(w, newAccountResponse(u))
}

// delete handles DELETE /me. An active subscription is cancelled first so the
// user is never billed after the account is gone.
func (h *AccountHandlers) delete(w http.ResponseWriter, r *http.Request) {
	caller := middleware.GetAuthContext(r)

	if err := cancelSubscription(r, h.billing, caller.UserID); err != nil {
		httputil.WriteErrorMessage(w, http.StatusBadGateway, "failed to cancel subscription, account not deleted")
		return
	}
	if err := h.accounts.DeleteAccount(r.Context(), caller.UserID); err != nil {
		writeServiceError(w, r, err)
		return
	}

	h.authn.Invalidate(caller.UserID)
	h.audit.LogFromRequest(r, auth.AuditEvent{Action: auth.ActionAccountDelete, Status: auth.StatusSuccess, ActorID: caller.UserID, TargetID: caller.UserID})
	httputil.WriteNoContent(w)
}
