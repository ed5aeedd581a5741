// Package validation checks request and domain structs against their
// `validate` struct tags (go-playground/validator) and reports failures by
// JSON field name.
package validation
