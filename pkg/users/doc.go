// Package users manages accounts: registration, login, profile changes,
// account deletion and the admin user console. The PostgreSQL store also
// carries the billing columns used by pkg/billing (customer, subscription,
// paid period and used storage).
package users
