package api

import (
	"errors"
	"net/http"

	"github.com/platinummonkey/dtc/pkg/auth"
	"github.com/platinummonkey/dtc/pkg/billing"
	"github.com/platinummonkey/dtc/pkg/capsules"
	"github.com/platinummonkey/dtc/pkg/httputil"
	"github.com/platinummonkey/dtc/pkg/users"
)

// writeServiceError maps domain errors to HTTP responses. Anything unknown
// is logged and reported as a 500.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, users.ErrNotFound),
		errors.Is(err, capsules.ErrNotFound),
		errors.Is(err, capsules.ErrMediaNotFound):
		httputil.WriteNotFound(w, err.Error())

	case errors.Is(err, users.ErrInvalidCredentials):
		httputil.WriteUnauthorized(w, err.Error())
	case errors.Is(err, users.ErrDisabled):
		httputil.WriteForbidden(w, err.Error())

	case errors.Is(err, users.ErrEmailTaken),
		errors.Is(err, capsules.ErrAlreadyDelivered),
		errors.Is(err, billing.ErrAlreadySubscribed),
		errors.Is(err, billing.ErrNoSubscription):
		httputil.WriteConflict(w, err.Error())

	case errors.Is(err, capsules.ErrInvalid):
		httputil.WriteValidationError(w, err)
	case errors.Is(err, users.ErrSelfModification),
		errors.Is(err, auth.ErrPasswordTooShort),
		errors.Is(err, auth.ErrPasswordTooLong),
		errors.Is(err, billing.ErrInvalidSignature),
		errors.Is(err, billing.ErrInvalidWebhookData):
		httputil.WriteBadRequest(w, err.Error())

	case errors.Is(err, capsules.ErrStorageQuotaExceeded):
		httputil.WriteErrorMessage(w, http.StatusPaymentRequired, err.Error())
	case errors.Is(err, capsules.ErrUploadTooLarge), errors.Is(err, httputil.ErrBodyTooLarge):
		httputil.WriteErrorMessage(w, http.StatusRequestEntityTooLarge, err.Error())

	default:
		httputil.WriteInternalError(w, r, err)
	}
}
