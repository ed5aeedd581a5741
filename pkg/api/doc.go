// Package api is the HTTP JSON API of the time capsule service.
//
// Routes live under /api/v1 and are grouped into handler types, each with a
// RegisterRoutes method: AuthHandlers (register, login), AccountHandlers
// (/me), CapsuleHandlers (capsules, media and emailed media links),
// BillingHandlers (checkout, cancel, payments, provider webhook) and
// AdminHandlers (/admin). Everything except register, login, the webhook and
// media links requires a bearer token; /admin additionally requires the
// admin role.
//
// Every request passes through, outermost first: OpenTelemetry tracing,
// request id, access logging, panic recovery, client address, CORS and the
// body size limit. Route metrics are recorded per matched route template.
//
// Domain errors are mapped to status codes in one place, writeServiceError,
// using errors.Is against the sentinel errors of the users, capsules and
// billing packages.
//
// Deleting an account, by its owner or by an admin, cancels the user's
// subscription with the billing provider first. If that fails the account is
// kept and the request answers 502.
package api
