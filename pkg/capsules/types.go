package capsules

import (
	"errors"
	"io"
	"time"
)

var (
	ErrNotFound             = errors.New("capsule not found")
	ErrMediaNotFound        = errors.New("media not found")
	ErrInvalid              = errors.New("invalid capsule")
	ErrStorageQuotaExceeded = errors.New("storage quota exceeded")
	ErrAlreadyDelivered     = errors.New("capsule already delivered")
	ErrUploadTooLarge       = errors.New("upload too large")
)

// Status is the delivery state of a capsule
type Status string

const (
	StatusScheduled Status = "scheduled"
	StatusDelivered Status = "delivered"
	StatusFailed    Status = "failed"
)

// BytesPerGB converts media sizes into the GB unit used for storage accounting
const BytesPerGB = 1 << 30

// BytesToGB converts a byte count into GB
func BytesToGB(n int64) float64 {
	return float64(n) / BytesPerGB
}

// Capsule is a message sealed until DeliverAt
type Capsule struct {
	ID               int64      `json:"id"`
	OwnerID          int64      `json:"owner_id"`
	Title            string     `json:"title"`
	Message          string     `json:"message"`
	RecipientEmail   string     `json:"recipient_email"`
	DeliverAt        time.Time  `json:"deliver_at"`
	Status           Status     `json:"status"`
	DeliveredAt      *time.Time `json:"delivered_at,omitempty"`
	DeliveryAttempts int        `json:"delivery_attempts"`
	LastError        string     `json:"last_error,omitempty"`
	Media            []Media    `json:"media"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// Editable reports whether the capsule can still be changed
func (c *Capsule) Editable() bool {
	return c.Status == StatusScheduled
}

// Media is a file attached to a capsule
type Media struct {
	ID          int64     `json:"id"`
	CapsuleID   int64     `json:"capsule_id"`
	ObjectKey   string    `json:"-"`
	FileName    string    `json:"file_name"`
	ContentType string    `json:"content_type"`
	SizeBytes   int64     `json:"size_bytes"`
	CreatedAt   time.Time `json:"created_at"`
}

// CreateInput holds the fields of a new capsule
type CreateInput struct {
	Title          string    `json:"title" validate:"required,min=1,max=200"`
	Message        string    `json:"message" validate:"max=100000"`
	RecipientEmail string    `json:"recipient_email" validate:"required,email,max=320"`
	DeliverAt      time.Time `json:"deliver_at" validate:"required"`
}

// UpdateInput changes a scheduled capsule. Nil fields are untouched.
type UpdateInput struct {
	Title          *string    `json:"title" validate:"omitempty,min=1,max=200"`
	Message        *string    `json:"message" validate:"omitempty,max=100000"`
	RecipientEmail *string    `json:"recipient_email" validate:"omitempty,email,max=320"`
	DeliverAt      *time.Time `json:"deliver_at"`
}

// Upload is a media file being attached to a capsule
type Upload struct {
	FileName    string
	ContentType string
	Size        int64
	Body        io.Reader
}

// DueCapsule is a capsule ready for delivery with its sender's display name
type DueCapsule struct {
	Capsule
	SenderName string
}
