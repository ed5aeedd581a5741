// Package app assembles the dtc services from configuration. Both the API
// server and the worker start from Bootstrap:
//
//	a, err := app.Bootstrap(ctx, cfg, logger, app.Options{Migrate: true})
//	defer a.Close(ctx)
//
// Billing is optional; with no Stripe key a.Billing is nil and the usage
// reporter is not scheduled.
package app
