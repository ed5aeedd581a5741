package capsules

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/platinummonkey/dtc/pkg/database"
)

// Store persists capsules and their media
type Store interface {
	Create(ctx context.Context, c *Capsule) error
	Get(ctx context.Context, id, ownerID int64) (*Capsule, error)
	GetDelivered(ctx context.Context, id int64) (*Capsule, error)
	ListByOwner(ctx context.Context, ownerID int64) ([]*Capsule, error)
	Update(ctx context.Context, c *Capsule) error
	// Delete removes a capsule, releases its storage and returns the object keys of its media
	Delete(ctx context.Context, id, ownerID int64) ([]string, error)

	ListMedia(ctx context.Context, capsuleIDs ...int64) ([]Media, error)
	GetMedia(ctx context.Context, capsuleID, mediaID int64) (*Media, error)
	AddMedia(ctx context.Context, m *Media) error
	// DeleteMedia removes a media row owned by ownerID and releases its storage
	DeleteMedia(ctx context.Context, ownerID, capsuleID, mediaID int64) (*Media, error)
	ObjectKeysForOwner(ctx context.Context, ownerID int64) ([]string, error)

	// ReserveStorage adds deltaGB to the owner's usage. Owners without an
	// active paid period may not go above freeLimitGB.
	ReserveStorage(ctx context.Context, ownerID int64, deltaGB, freeLimitGB float64) error
	ReleaseStorage(ctx context.Context, ownerID int64, deltaGB float64) error

	ListDue(ctx context.Context, now time.Time, maxAttempts, limit int) ([]*DueCapsule, error)
	MarkDelivered(ctx context.Context, id int64, at time.Time) error
	// RecordDeliveryFailure increments the attempt counter and returns the resulting status
	RecordDeliveryFailure(ctx context.Context, id int64, reason string, maxAttempts int) (Status, error)
}

// PostgresStore implements Store on PostgreSQL
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a capsule store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const capsuleColumns = `id, owner_id, title, message, recipient_email, deliver_at, status,
	delivered_at, delivery_attempts, last_error, created_at, updated_at`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanCapsule(row scanner, extra ...interface{}) (*Capsule, error) {
	c := &Capsule{}
	var deliveredAt sql.NullTime
	var lastError sql.NullString
	dest := []interface{}{
		&c.ID, &c.OwnerID, &c.Title, &c.Message, &c.RecipientEmail, &c.DeliverAt, &c.Status,
		&deliveredAt, &c.DeliveryAttempts, &lastError, &c.CreatedAt, &c.UpdatedAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}
	if deliveredAt.Valid {
		c.DeliveredAt = &deliveredAt.Time
	}
	c.LastError = lastError.String
	c.Media = []Media{}
	return c, nil
}

// Create inserts a new scheduled capsule
func (s *PostgresStore) Create(ctx context.Context, c *Capsule) error {
	query := `
		INSERT INTO capsules (owner_id, title, message, recipient_email, deliver_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, status, created_at, updated_at
	`
	err := s.db.QueryRowContext(ctx, query, c.OwnerID, c.Title, c.Message, c.RecipientEmail, c.DeliverAt).
		Scan(&c.ID, &c.Status, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create capsule: %w", err)
	}
	c.Media = []Media{}
	return nil
}

// Get returns a capsule owned by ownerID
func (s *PostgresStore) Get(ctx context.Context, id, ownerID int64) (*Capsule, error) {
	query := `SELECT ` + capsuleColumns + ` FROM capsules WHERE id = $1 AND owner_id = $2`
	c, err := scanCapsule(s.db.QueryRowContext(ctx, query, id, ownerID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get capsule: %w", err)
	}
	return c, nil
}

// GetDelivered returns a capsule regardless of owner, only once delivered
func (s *PostgresStore) GetDelivered(ctx context.Context, id int64) (*Capsule, error) {
	query := `SELECT ` + capsuleColumns + ` FROM capsules WHERE id = $1 AND status = 'delivered'`
	c, err := scanCapsule(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get capsule: %w", err)
	}
	return c, nil
}

// ListByOwner returns the owner's capsules, newest first
func (s *PostgresStore) ListByOwner(ctx context.Context, ownerID int64) ([]*Capsule, error) {
	query := `SELECT ` + capsuleColumns + ` FROM capsules WHERE owner_id = $1 ORDER BY created_at DESC, id DESC`
	rows, err := s.db.QueryContext(ctx, query, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list capsules: %w", err)
	}
	defer rows.Close()

	list := []*Capsule{}
	for rows.Next() {
		c, err := scanCapsule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan capsule: %w", err)
		}
		list = append(list, c)
	}
	return list, rows.Err()
}

// Update writes the editable fields of a scheduled capsule
func (s *PostgresStore) Update(ctx context.Context, c *Capsule) error {
	query := `
		UPDATE capsules
		SET title = $3, message = $4, recipient_email = $5, deliver_at = $6, updated_at = NOW()
		WHERE id = $1 AND owner_id = $2 AND status = 'scheduled'
		RETURNING updated_at
	`
	err := s.db.QueryRowContext(ctx, query, c.ID, c.OwnerID, c.Title, c.Message, c.RecipientEmail, c.DeliverAt).
		Scan(&c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrAlreadyDelivered
	}
	if err != nil {
		return fmt.Errorf("failed to update capsule: %w", err)
	}
	return nil
}

// Delete removes the capsule and its media rows in one transaction
func (s *PostgresStore) Delete(ctx context.Context, id, ownerID int64) ([]string, error) {
	var keys []string
	err := database.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT m.object_key, m.size_bytes
			FROM capsule_media m
			JOIN capsules c ON c.id = m.capsule_id
			WHERE c.id = $1 AND c.owner_id = $2
			FOR UPDATE`, id, ownerID)
		if err != nil {
			return fmt.Errorf("failed to list media: %w", err)
		}
		var total int64
		for rows.Next() {
			var key string
			var size int64
			if err := rows.Scan(&key, &size); err != nil {
				rows.Close()
				return fmt.Errorf("failed to scan media: %w", err)
			}
			keys = append(keys, key)
			total += size
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		res, err := tx.ExecContext(ctx, `DELETE FROM capsules WHERE id = $1 AND owner_id = $2`, id, ownerID)
		if err != nil {
			return fmt.Errorf("failed to delete capsule: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}

		if total > 0 {
			if err := releaseStorage(ctx, tx, ownerID, BytesToGB(total)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return keys, nil
}

// ListMedia returns the media of the given capsules ordered by capsule then upload time
func (s *PostgresStore) ListMedia(ctx context.Context, capsuleIDs ...int64) ([]Media, error) {
	if len(capsuleIDs) == 0 {
		return nil, nil
	}
	query := `
		SELECT id, capsule_id, object_key, file_name, content_type, size_bytes, created_at
		FROM capsule_media
		WHERE capsule_id = ANY($1)
		ORDER BY capsule_id, created_at, id
	`
	rows, err := s.db.QueryContext(ctx, query, pq.Array(capsuleIDs))
	if err != nil {
		return nil, fmt.Errorf("failed to list media: %w", err)
	}
	defer rows.Close()

	var media []Media
	for rows.Next() {
		var m Media
		if err := rows.Scan(&m.ID, &m.CapsuleID, &m.ObjectKey, &m.FileName, &m.ContentType, &m.SizeBytes, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan media: %w", err)
		}
		media = append(media, m)
	}
	return media, rows.Err()
}

// GetMedia returns one media item of a capsule
func (s *PostgresStore) GetMedia(ctx context.Context, capsuleID, mediaID int64) (*Media, error) {
	query := `
		SELECT id, capsule_id, object_key, file_name, content_type, size_bytes, created_at
		FROM capsule_media
		WHERE id = $1 AND capsule_id = $2
	`
	var m Media
	err := s.db.QueryRowContext(ctx, query, mediaID, capsuleID).
		Scan(&m.ID, &m.CapsuleID, &m.ObjectKey, &m.FileName, &m.ContentType, &m.SizeBytes, &m.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrMediaNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get media: %w", err)
	}
	return &m, nil
}

// AddMedia records an uploaded object
func (s *PostgresStore) AddMedia(ctx context.Context, m *Media) error {
	query := `
		INSERT INTO capsule_media (capsule_id, object_key, file_name, content_type, size_bytes)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at
	`
	err := s.db.QueryRowContext(ctx, query, m.CapsuleID, m.ObjectKey, m.FileName, m.ContentType, m.SizeBytes).
		Scan(&m.ID, &m.CreatedAt)
	if database.IsForeignKeyViolation(err) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to add media: %w", err)
	}
	return nil
}

// DeleteMedia removes a media row and releases its storage in one transaction
func (s *PostgresStore) DeleteMedia(ctx context.Context, ownerID, capsuleID, mediaID int64) (*Media, error) {
	m := &Media{ID: mediaID, CapsuleID: capsuleID}
	err := database.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		query := `
			DELETE FROM capsule_media m
			USING capsules c
			WHERE m.id = $1 AND m.capsule_id = $2 AND c.id = m.capsule_id AND c.owner_id = $3
			RETURNING m.object_key, m.file_name, m.content_type, m.size_bytes, m.created_at
		`
		err := tx.QueryRowContext(ctx, query, mediaID, capsuleID, ownerID).
			Scan(&m.ObjectKey, &m.FileName, &m.ContentType, &m.SizeBytes, &m.CreatedAt)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrMediaNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to delete media: %w", err)
		}
		return releaseStorage(ctx, tx, ownerID, BytesToGB(m.SizeBytes))
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

// ObjectKeysForOwner lists every media object key belonging to the owner
func (s *PostgresStore) ObjectKeysForOwner(ctx context.Context, ownerID int64) ([]string, error) {
	query := `
		SELECT m.object_key
		FROM capsule_media m
		JOIN capsules c ON c.id = m.capsule_id
		WHERE c.owner_id = $1
		ORDER BY m.id
	`
	rows, err := s.db.QueryContext(ctx, query, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list object keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("failed to scan object key: %w", err)
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// ReserveStorage atomically checks the free tier and adds deltaGB
func (s *PostgresStore) ReserveStorage(ctx context.Context, ownerID int64, deltaGB, freeLimitGB float64) error {
	query := `
		UPDATE users
		SET used_storage = used_storage + $2, updated_at = NOW()
		WHERE id = $1
			AND (used_storage + $2 <= $3 OR (paid_until IS NOT NULL AND paid_until > NOW()))
		RETURNING used_storage
	`
	var used float64
	err := s.db.QueryRowContext(ctx, query, ownerID, deltaGB, freeLimitGB).Scan(&used)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrStorageQuotaExceeded
	}
	if err != nil {
		return fmt.Errorf("failed to reserve storage: %w", err)
	}
	return nil
}

// ReleaseStorage subtracts deltaGB from the owner's usage, never below zero
func (s *PostgresStore) ReleaseStorage(ctx context.Context, ownerID int64, deltaGB float64) error {
	return releaseStorage(ctx, s.db, ownerID, deltaGB)
}

func releaseStorage(ctx context.Context, q database.Queryer, ownerID int64, deltaGB float64) error {
	_, err := q.ExecContext(ctx,
		`UPDATE users SET used_storage = GREATEST(used_storage - $2, 0), updated_at = NOW() WHERE id = $1`,
		ownerID, deltaGB)
	if err != nil {
		return fmt.Errorf("failed to release storage: %w", err)
	}
	return nil
}

// ListDue returns scheduled capsules whose delivery time has passed
func (s *PostgresStore) ListDue(ctx context.Context, now time.Time, maxAttempts, limit int) ([]*DueCapsule, error) {
	query := `
		SELECT c.id, c.owner_id, c.title, c.message, c.recipient_email, c.deliver_at, c.status,
			c.delivered_at, c.delivery_attempts, c.last_error, c.created_at, c.updated_at, u.display_name
		FROM capsules c
		JOIN users u ON u.id = c.owner_id
		WHERE c.status = 'scheduled' AND c.deliver_at <= $1 AND c.delivery_attempts < $2
		ORDER BY c.deliver_at, c.id
		LIMIT $3
	`
	rows, err := s.db.QueryContext(ctx, query, now, maxAttempts, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list due capsules: %w", err)
	}
	defer rows.Close()

	var due []*DueCapsule
	for rows.Next() {
		var sender string
		c, err := scanCapsule(rows, &sender)
		if err != nil {
			return nil, fmt.Errorf("failed to scan capsule: %w", err)
		}
		due = append(due, &DueCapsule{Capsule: *c, SenderName: sender})
	}
	return due, rows.Err()
}

// MarkDelivered records a successful delivery
func (s *PostgresStore) MarkDelivered(ctx context.Context, id int64, at time.Time) error {
	query := `
		UPDATE capsules
		SET status = 'delivered', delivered_at = $2, delivery_attempts = delivery_attempts + 1,
			last_error = NULL, updated_at = NOW()
		WHERE id = $1 AND status = 'scheduled'
	`
	res, err := s.db.ExecContext(ctx, query, id, at)
	if err != nil {
		return fmt.Errorf("failed to mark capsule delivered: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrAlreadyDelivered
	}
	return nil
}

// RecordDeliveryFailure stores the error and fails the capsule once attempts run out
func (s *PostgresStore) RecordDeliveryFailure(ctx context.Context, id int64, reason string, maxAttempts int) (Status, error) {
	query := `
		UPDATE capsules
		SET delivery_attempts = delivery_attempts + 1,
			last_error = $2,
			status = CASE WHEN delivery_attempts + 1 >= $3 THEN 'failed' ELSE 'scheduled' END,
			updated_at = NOW()
		WHERE id = $1 AND status = 'scheduled'
		RETURNING status
	`
	var status Status
	err := s.db.QueryRowContext(ctx, query, id, reason, maxAttempts).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to record delivery failure: %w", err)
	}
	return status, nil
}
