// Package mailer renders and sends capsule delivery emails over SMTP.
package mailer
