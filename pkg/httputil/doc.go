// Package httputil holds the JSON request and response helpers and the
// generic HTTP middleware shared by the API server.
//
// Error bodies always have the shape {"error": "..."}; validation failures
// add a "details" map keyed by field. Internal errors are logged with the
// request logger and reported to the client as a generic message.
//
//	var in capsules.CreateInput
//	if !httputil.DecodeJSONOrError(w, r, &in) {
//		return
//	}
//
// Middleware order used by the server:
//
//	httputil.Chain(
//		httputil.RequestIDMiddleware(logger),
//		httputil.LoggingMiddleware,
//		httputil.RecoveryMiddleware,
//		httputil.CORSMiddleware(origins),
//		httputil.MaxBytesMiddleware(maxBytes),
//	)
package httputil
