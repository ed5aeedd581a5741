// Package capsules implements time capsules: messages with attached media that
// stay sealed until their delivery time and are then emailed to a recipient.
//
// Service covers the owner-scoped operations used by the HTTP API. Media
// uploads are accounted against the owner's used_storage, and owners without
// an active paid period are held to the free tier. DeliveryJob runs on a
// schedule, emails due capsules through a Notifier and retries failures up
// to a configured number of attempts.
package capsules
