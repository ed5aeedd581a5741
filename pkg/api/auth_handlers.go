package api

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/dtc/pkg/auth"
	"github.com/platinummonkey/dtc/pkg/httputil"
	"github.com/platinummonkey/dtc/pkg/users"
	"github.com/platinummonkey/dtc/pkg/validation"
)

// AuthHandlers handles registration and login
type AuthHandlers struct {
	accounts  AccountService
	audit     *auth.AuditLogger
	rateLimit func(http.Handler) http.Handler
}

// NewAuthHandlers creates the auth handlers. rateLimit wraps both routes and
// may be nil.
func NewAuthHandlers(accounts AccountService, audit *auth.AuditLogger, rateLimit func(http.Handler) http.Handler) *AuthHandlers {
	if rateLimit == nil {
		rateLimit = func(next http.Handler) http.Handler { return next }
	}
	return &AuthHandlers{accounts: accounts, audit: audit, rateLimit: rateLimit}
}

// RegisterRoutes registers the public auth routes
func (h *AuthHandlers) RegisterRoutes(router *mux.Router) {
	router.Handle("/auth/register", h.rateLimit(http.HandlerFunc(h.register))).Methods(http.MethodPost)
	router.Handle("/auth/login", h.rateLimit(http.HandlerFunc(h.login))).Methods(http.MethodPost)
}

type registerRequest struct {
	Email       string `json:"email" validate:"required,email,max=320"`
	Password    string `json:"password" validate:"required"`
	DisplayName string `json:"display_name" validate:"max=100"`
}

// register handles POST /auth/register
func (h *AuthHandlers) register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !httputil.DecodeJSONOrError(w, r, &req) {
		return
	}
	req.Email = users.NormalizeEmail(req.Email)
	if err := validation.Struct(req); err != nil {
		httputil.WriteValidationError(w, err)
		return
	}

	sess, err := h.accounts.Register(r.Context(), users.RegisterInput{
		Email:       req.Email,
		Password:    req.Password,
		DisplayName: req.DisplayName,
	})
	if err != nil {
		h.audit.LogFromRequest(r, auth.AuditEvent{Action: auth.ActionRegister, Status: auth.StatusFailure, Email: req.Email, Err: err})
		writeServiceError(w, r, err)
		return
	}

	h.audit.LogFromRequest(r, auth.AuditEvent{Action: auth.ActionRegister, Status: auth.StatusSuccess, ActorID: sess.User.ID})
	_ = httputil.WriteCreated(w, sess)
}

type loginRequest struct {
	Email    string `json:"email" validate:"required"`
	Password string `json:"password" validate:"required"`
}

// login handles POST /auth/login
func (h *AuthHandlers) login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !httputil.DecodeJSONOrError(w, r, &req) {
		return
	}
	if err := validation.Struct(req); err != nil {
		httputil.WriteValidationError(w, err)
		return
	}

	sess, err := h.accounts.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		status := auth.StatusFailure
		if errors.Is(err, users.ErrDisabled) {
			status = auth.StatusDenied
		}
		h.audit.LogFromRequest(r, auth.AuditEvent{Action: auth.ActionLogin, Status: status, Email: users.NormalizeEmail(req.Email), Err: err})
		writeServiceError(w, r, err)
		return
	}

	h.audit.LogFromRequest(r, auth.AuditEvent{Action: auth.ActionLogin, Status: auth.StatusSuccess, ActorID: sess.User.ID})
	_ = httputil.WriteSuccess(w, sess)
}
