package users

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/platinummonkey/dtc/pkg/auth"
	"github.com/platinummonkey/dtc/pkg/database"
)

// Store persists users
type Store interface {
	Create(ctx context.Context, u *User) error
	GetByID(ctx context.Context, id int64) (*User, error)
	GetByEmail(ctx context.Context, email string) (*User, error)
	GetByCustomerID(ctx context.Context, customerID string) (*User, error)
	List(ctx context.Context, filter ListFilter) ([]*User, int, error)
	UpdateProfile(ctx context.Context, id int64, displayName string) error
	UpdatePassword(ctx context.Context, id int64, passwordHash string) error
	SetRole(ctx context.Context, id int64, role auth.Role) error
	SetDisabled(ctx context.Context, id int64, disabled bool) error
	Delete(ctx context.Context, id int64) error

	SetCustomerID(ctx context.Context, id int64, customerID string) error
	ActivateSubscription(ctx context.Context, id int64, customerID, subscriptionID string) (bool, error)
	ExtendPaidUntil(ctx context.Context, id int64, now time.Time, period time.Duration) (time.Time, error)
	ClearSubscription(ctx context.Context, subscriptionID string) (int64, error)
	FindUsageCandidates(ctx context.Context, cutoff time.Time) ([]UsageCandidate, error)
}

// PostgresStore implements Store on PostgreSQL
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a user store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const userColumns = `id, email, password_hash, display_name, role, disabled,
	customer_id, subscription_id, paid_until, used_storage, created_at, updated_at`

func scanUser(row interface{ Scan(...interface{}) error }) (*User, error) {
	var (
		u              User
		role           string
		customerID     sql.NullString
		subscriptionID sql.NullString
		paidUntil      sql.NullTime
	)
	if err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.DisplayName, &role, &u.Disabled,
		&customerID, &subscriptionID, &paidUntil, &u.UsedStorage, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return nil, err
	}
	u.Role = auth.Role(role)
	if customerID.Valid {
		u.CustomerID = &customerID.String
	}
	if subscriptionID.Valid {
		u.SubscriptionID = &subscriptionID.String
	}
	if paidUntil.Valid {
		u.PaidUntil = &paidUntil.Time
	}
	return &u, nil
}

// Create inserts u and fills its ID and timestamps
func (s *PostgresStore) Create(ctx context.Context, u *User) error {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO users (email, password_hash, display_name, role)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at, updated_at
	`, u.Email, u.PasswordHash, u.DisplayName, string(u.Role)).Scan(&u.ID, &u.CreatedAt, &u.UpdatedAt)
	if database.IsUniqueViolation(err, "users_email_key") {
		return ErrEmailTaken
	}
	if err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

func (s *PostgresStore) getOne(ctx context.Context, where string, arg interface{}) (*User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx, "SELECT "+userColumns+" FROM users WHERE "+where, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return u, nil
}

// GetByID returns the user or ErrNotFound
func (s *PostgresStore) GetByID(ctx context.Context, id int64) (*User, error) {
	return s.getOne(ctx, "id = $1", id)
}

// GetByEmail looks up a user by normalized email
func (s *PostgresStore) GetByEmail(ctx context.Context, email string) (*User, error) {
	return s.getOne(ctx, "email = $1", email)
}

// GetByCustomerID looks up the user linked to a billing customer
func (s *PostgresStore) GetByCustomerID(ctx context.Context, customerID string) (*User, error) {
	return s.getOne(ctx, "customer_id = $1", customerID)
}

// List returns one page of users and the total match count
func (s *PostgresStore) List(ctx context.Context, filter ListFilter) ([]*User, int, error) {
	where := "TRUE"
	args := []interface{}{}
	if q := strings.TrimSpace(filter.Query); q != "" {
		args = append(args, "%"+strings.ToLower(q)+"%")
		where = "(email LIKE $1 OR LOWER(display_name) LIKE $1)"
	}

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM users WHERE "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count users: %w", err)
	}

	args = append(args, filter.Limit, filter.Offset)
	query := fmt.Sprintf("SELECT %s FROM users WHERE %s ORDER BY id LIMIT $%d OFFSET $%d",
		userColumns, where, len(args)-1, len(args))
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list users: %w", err)
	}
	defer rows.Close()

	var out []*User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan user: %w", err)
		}
		out = append(out, u)
	}
	return out, total, rows.Err()
}

func (s *PostgresStore) exec(ctx context.Context, op, query string, args ...interface{}) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to %s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to %s: %w", op, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) UpdateProfile(ctx context.Context, id int64, displayName string) error {
	return s.exec(ctx, "update profile",
		"UPDATE users SET display_name = $2, updated_at = NOW() WHERE id = $1", id, displayName)
}

func (s *PostgresStore) UpdatePassword(ctx context.Context, id int64, passwordHash string) error {
	return s.exec(ctx, "update password",
		"UPDATE users SET password_hash = $2, updated_at = NOW() WHERE id = $1", id, passwordHash)
}

func (s *PostgresStore) SetRole(ctx context.Context, id int64, role auth.Role) error {
	return s.exec(ctx, "set role",
		"UPDATE users SET role = $2, updated_at = NOW() WHERE id = $1", id, string(role))
}

func (s *PostgresStore) SetDisabled(ctx context.Context, id int64, disabled bool) error {
	return s.exec(ctx, "set disabled",
		"UPDATE users SET disabled = $2, updated_at = NOW() WHERE id = $1", id, disabled)
}

// Delete removes the user; capsules, media rows and payments cascade
func (s *PostgresStore) Delete(ctx context.Context, id int64) error {
	return s.exec(ctx, "delete user", "DELETE FROM users WHERE id = $1", id)
}

func (s *PostgresStore) SetCustomerID(ctx context.Context, id int64, customerID string) error {
	if customerID == "" {
		return ErrEmptyBillingID
	}
	return s.exec(ctx, "set customer",
		"UPDATE users SET customer_id = $2, updated_at = NOW() WHERE id = $1", id, customerID)
}

// ActivateSubscription links the billing customer and subscription. It
// reports false when the user already carries subscriptionID.
func (s *PostgresStore) ActivateSubscription(ctx context.Context, id int64, customerID, subscriptionID string) (bool, error) {
	if customerID == "" || subscriptionID == "" {
		return false, ErrEmptyBillingID
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE users SET customer_id = $2, subscription_id = $3, updated_at = NOW()
		WHERE id = $1 AND subscription_id IS DISTINCT FROM $3
	`, id, customerID, subscriptionID)
	if err != nil {
		return false, fmt.Errorf("failed to activate subscription: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to activate subscription: %w", err)
	}
	if n > 0 {
		return true, nil
	}

	var exists bool
	if err := s.db.QueryRowContext(ctx, "SELECT EXISTS(SELECT 1 FROM users WHERE id = $1)", id).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to activate subscription: %w", err)
	}
	if !exists {
		return false, ErrNotFound
	}
	return false, nil
}

// RowQuerier is satisfied by *sql.DB and *sql.Tx
type RowQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// ExtendPaidUntil moves paid_until forward by period from whichever is later,
// now or the current paid_until, and returns the new value.
func (s *PostgresStore) ExtendPaidUntil(ctx context.Context, id int64, now time.Time, period time.Duration) (time.Time, error) {
	return ExtendPaidUntilWith(ctx, s.db, id, now, period)
}

// ExtendPaidUntilWith runs the paid period extension on q, letting callers
// make it part of their own transaction
func ExtendPaidUntilWith(ctx context.Context, q RowQuerier, id int64, now time.Time, period time.Duration) (time.Time, error) {
	var paidUntil time.Time
	err := q.QueryRowContext(ctx, `
		UPDATE users
		SET paid_until = GREATEST(COALESCE(paid_until, $2), $2) + make_interval(secs => $3),
			updated_at = NOW()
		WHERE id = $1
		RETURNING paid_until
	`, id, now, period.Seconds()).Scan(&paidUntil)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, ErrNotFound
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to extend paid period: %w", err)
	}
	return paidUntil, nil
}

// ClearSubscription detaches a cancelled subscription and returns the user it belonged to
func (s *PostgresStore) ClearSubscription(ctx context.Context, subscriptionID string) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `
		UPDATE users SET subscription_id = NULL, updated_at = NOW()
		WHERE subscription_id = $1
		RETURNING id
	`, subscriptionID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to clear subscription: %w", err)
	}
	return id, nil
}

// FindUsageCandidates selects users whose paid period ends at or before
// cutoff and who have a subscription, a customer and usage above the threshold.
func (s *PostgresStore) FindUsageCandidates(ctx context.Context, cutoff time.Time) ([]UsageCandidate, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, subscription_id, used_storage, email, customer_id, paid_until
		FROM users
		WHERE paid_until <= $1
			AND subscription_id IS NOT NULL
			AND customer_id IS NOT NULL
			AND used_storage > $2
		ORDER BY id
	`, cutoff, UsageThreshold)
	if err != nil {
		return nil, fmt.Errorf("failed to query usage candidates: %w", err)
	}
	defer rows.Close()

	var out []UsageCandidate
	for rows.Next() {
		var c UsageCandidate
		if err := rows.Scan(&c.ID, &c.SubscriptionID, &c.UsedStorage, &c.Email, &c.CustomerID, &c.PaidUntil); err != nil {
			return nil, fmt.Errorf("failed to scan usage candidate: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read usage candidates: %w", err)
	}
	return out, nil
}
