package billing

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/platinummonkey/dtc/pkg/database"
	"github.com/platinummonkey/dtc/pkg/users"
)

// Store persists payments
type Store interface {
	// RecordPayment inserts p unless its invoice was already recorded. A
	// non-nil ext extends the payer's paid period in the same transaction.
	// It reports whether a row was written and the new paid_until when the
	// period was extended.
	RecordPayment(ctx context.Context, p *Payment, ext *PeriodExtension) (bool, *time.Time, error)
	ListByUser(ctx context.Context, userID int64) ([]*Payment, error)
	ListAll(ctx context.Context, limit, offset int) ([]*Payment, int, error)
}

// PostgresStore implements Store on PostgreSQL
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a payment store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// PeriodExtension moves a payer's paid_until forward by Period from Now, or
// from the current paid_until when that is later
type PeriodExtension struct {
	Now    time.Time
	Period time.Duration
}

// RecordPayment inserts a payment; duplicate invoices are ignored
func (s *PostgresStore) RecordPayment(ctx context.Context, p *Payment, ext *PeriodExtension) (bool, *time.Time, error) {
	query := `
		INSERT INTO payments (user_id, stripe_invoice_id, amount, currency, status, period_end)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (stripe_invoice_id) DO NOTHING
		RETURNING id, created_at
	`
	var (
		inserted  bool
		paidUntil *time.Time
	)
	err := database.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, query, p.UserID, p.StripeInvoiceID, p.Amount, p.Currency, string(p.Status), p.PeriodEnd).
			Scan(&p.ID, &p.CreatedAt)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to record payment: %w", err)
		}
		inserted = true

		if ext == nil {
			return nil
		}
		until, err := users.ExtendPaidUntilWith(ctx, tx, p.UserID, ext.Now, ext.Period)
		if err != nil {
			return err
		}
		paidUntil = &until
		return nil
	})
	if err != nil {
		return false, nil, err
	}
	return inserted, paidUntil, nil
}

const paymentColumns = `p.id, p.user_id, u.email, p.stripe_invoice_id, p.amount, p.currency, p.status, p.period_end, p.created_at`

func scanPayments(rows *sql.Rows) ([]*Payment, error) {
	payments := []*Payment{}
	for rows.Next() {
		var (
			p         Payment
			amount    decimal.Decimal
			status    string
			periodEnd sql.NullTime
		)
		if err := rows.Scan(&p.ID, &p.UserID, &p.UserEmail, &p.StripeInvoiceID, &amount, &p.Currency,
			&status, &periodEnd, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan payment: %w", err)
		}
		p.Amount = amount
		p.Status = PaymentStatus(status)
		if periodEnd.Valid {
			p.PeriodEnd = &periodEnd.Time
		}
		payments = append(payments, &p)
	}
	return payments, rows.Err()
}

// ListByUser returns a user's payments, newest first
func (s *PostgresStore) ListByUser(ctx context.Context, userID int64) ([]*Payment, error) {
	query := `
		SELECT ` + paymentColumns + `
		FROM payments p
		JOIN users u ON u.id = p.user_id
		WHERE p.user_id = $1
		ORDER BY p.created_at DESC, p.id DESC
	`
	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list payments: %w", err)
	}
	defer rows.Close()
	return scanPayments(rows)
}

// ListAll pages through every payment for the admin console
func (s *PostgresStore) ListAll(ctx context.Context, limit, offset int) ([]*Payment, int, error) {
	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM payments`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count payments: %w", err)
	}

	query := `
		SELECT ` + paymentColumns + `
		FROM payments p
		JOIN users u ON u.id = p.user_id
		ORDER BY p.created_at DESC, p.id DESC
		LIMIT $1 OFFSET $2
	`
	rows, err := s.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list payments: %w", err)
	}
	defer rows.Close()

	payments, err := scanPayments(rows)
	if err != nil {
		return nil, 0, err
	}
	return payments, total, nil
}

func periodEnd(unix int64) *time.Time {
	if unix == 0 {
		return nil
	}
	t := time.Unix(unix, 0).UTC()
	return &t
}
