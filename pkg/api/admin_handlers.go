package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/dtc/pkg/auth"
	"github.com/platinummonkey/dtc/pkg/billing"
	"github.com/platinummonkey/dtc/pkg/httputil"
	"github.com/platinummonkey/dtc/pkg/middleware"
	"github.com/platinummonkey/dtc/pkg/users"
)

// AdminHandlers serves the admin console. Routes must be registered on a
// router guarded by RequireRole(auth.RoleAdmin).
type AdminHandlers struct {
	accounts AccountService
	billing  BillingService
	authn    Authenticator
	audit    *auth.AuditLogger
}

// NewAdminHandlers creates the admin handlers. billing may be nil.
func NewAdminHandlers(accounts AccountService, billing BillingService, authn Authenticator, audit *auth.AuditLogger) *AdminHandlers {
	return &AdminHandlers{accounts: accounts, billing: billing, authn: authn, audit: audit}
}

// RegisterRoutes registers the admin routes
func (h *AdminHandlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/users", h.listUsers).Methods(http.MethodGet)
	router.HandleFunc("/users/{id}", h.updateUser).Methods(http.MethodPatch)
	router.HandleFunc("/users/{id}", h.deleteUser).Methods(http.MethodDelete)
	router.HandleFunc("/payments", h.listPayments).Methods(http.MethodGet)
}

type userPage struct {
	Users  []*users.User `json:"users"`
	Total  int           `json:"total"`
	Limit  int           `json:"limit"`
	Offset int           `json:"offset"`
}

// listUsers handles GET /admin/users?q=&limit=&offset=
func (h *AdminHandlers) listUsers(w http.ResponseWriter, r *http.Request) {
	filter := users.ListFilter{
		Query:  r.URL.Query().Get("q"),
		Limit:  httputil.QueryInt(r, "limit", 50),
		Offset: httputil.QueryInt(r, "offset", 0),
	}
	list, total, err := h.accounts.List(r.Context(), filter)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if list == nil {
		list = []*users.User{}
	}
	_ = httputil.WriteSuccess(w, userPage{Users: list, Total: total, Limit: filter.Limit, Offset: filter.Offset})
}

type adminUpdateRequest struct {
	Role     *auth.Role `json:"role"`
	Disabled *bool      `json:"disabled"`
}

// updateUser handles PATCH /admin/users/{id}
func (h *AdminHandlers) updateUser(w http.ResponseWriter, r *http.Request) {
	caller := middleware.GetAuthContext(r)
	targetID, ok := httputil.PathInt64OrError(w, r, "id")
	if !ok {
		return
	}

	var req adminUpdateRequest
	if !httputil.DecodeJSONOrError(w, r, &req) {
		return
	}
	if req.Role != nil && !req.Role.Valid() {
		httputil.WriteBadRequest(w, "role must be user or admin")
		return
	}
	if req.Role == nil && req.Disabled == nil {
		httputil.WriteBadRequest(w, "nothing to update")
		return
	}

	u, err := h.accounts.AdminUpdate(r.Context(), caller.UserID, targetID, users.AdminUpdate{Role: req.Role, Disabled: req.Disabled})

	event := auth.AuditEvent{Status: auth.StatusSuccess, ActorID: caller.UserID, TargetID: targetID, Err: err}
	if err != nil {
		event.Status = auth.StatusFailure
	}
	if req.Role != nil {
		event.Action = auth.ActionAdminRoleChange
		h.audit.LogFromRequest(r, event)
	}
	if req.Disabled != nil {
		event.Action = auth.ActionAdminDisable
		h.audit.LogFromRequest(r, event)
	}

	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	h.authn.Invalidate(targetID)
	_ = httputil.WriteSuccess(w, newAccountResponse(u))
}

// deleteUser handles DELETE /admin/users/{id}
func (h *AdminHandlers) deleteUser(w http.ResponseWriter, r *http.Request) {
	caller := middleware.GetAuthContext(r)
	targetID, ok := httputil.PathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	if targetID == caller.UserID {
		writeServiceError(w, r, users.ErrSelfModification)
		return
	}

	if err := cancelSubscription(r, h.billing, targetID); err != nil {
		httputil.WriteErrorMessage(w, http.StatusBadGateway, "failed to cancel subscription, account not deleted")
		return
	}
	err := h.accounts.AdminDelete(r.Context(), caller.UserID, targetID)
	event := auth.AuditEvent{Action: auth.ActionAdminDelete, Status: auth.StatusSuccess, ActorID: caller.UserID, TargetID: targetID, Err: err}
	if err != nil {
		event.Status = auth.StatusFailure
	}
	h.audit.LogFromRequest(r, event)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	h.authn.Invalidate(targetID)
	httputil.WriteNoContent(w)
}

type paymentPage struct {
	Payments []*billing.Payment `json:"payments"`
	Total    int                `json:"total"`
	Limit    int                `json:"limit"`
	Offset   int                `json:"offset"`
}

// listPayments handles GET /admin/payments?limit=&offset=
func (h *AdminHandlers) listPayments(w http.ResponseWriter, r *http.Request) {
	if h.billing == nil {
		httputil.WriteServiceUnavailable(w, "billing is not configured")
		return
	}
	limit := httputil.QueryInt(r, "limit", 50)
	offset := httputil.QueryInt(r, "offset", 0)

	list, total, err := h.billing.ListAllPayments(r.Context(), limit, offset)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if list == nil {
		list = []*billing.Payment{}
	}
	_ = httputil.WriteSuccess(w, paymentPage{Payments: list, Total: total, Limit: limit, Offset: offset})
}
