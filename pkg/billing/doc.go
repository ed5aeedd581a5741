// Package billing connects dtc to Stripe: checkout, subscription webhooks,
// payment history and metered storage usage.
//
// # Paid periods
//
// A user starts with a free storage tier. Completing checkout links a Stripe
// customer and subscription to the user and opens a paid period; every later
// paid invoice extends paid_until by the configured period. While the paid
// period is active uploads may go beyond the free tier.
//
// # Usage reporting
//
// UsageReporter runs once a day. It selects users whose paid period ends
// within the lookahead (three days by default) and who have a subscription
// and a customer, then reports each user's stored GB as a meter event so the
// upcoming invoice bills it:
//
//	reporter := billing.NewUsageReporter(userStore, gateway,
//		billing.DefaultUsageOptions("storage_usage"), metrics, logger)
//	result, err := reporter.Run(ctx)
//
// Each report is tried once and retried up to five times, waiting 1.5s, 3s,
// 6s, 12s and 24s. Users are reported concurrently and independently; a user
// whose retries run out is logged with its user and subscription id and is
// picked up again by the next run.
//
// # Webhooks
//
// HandleWebhook verifies the Stripe-Signature header and applies
// checkout.session.completed, invoice.paid, invoice.payment_failed and
// customer.subscription.deleted. Payments are keyed by invoice id, so
// redelivered events are harmless.
package billing
