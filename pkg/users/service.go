package users

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/platinummonkey/dtc/pkg/async"
	"github.com/platinummonkey/dtc/pkg/auth"
	"github.com/platinummonkey/dtc/pkg/observability"
)

// MediaPurger removes a user's media objects from the object store
type MediaPurger interface {
	ObjectKeysForOwner(ctx context.Context, ownerID int64) ([]string, error)
	DeleteObjects(ctx context.Context, keys []string) error
}

// Session is the result of a successful register or login
type Session struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	User      *User     `json:"user"`
}

// RegisterInput is the data needed to open an account
type RegisterInput struct {
	Email       string
	Password    string
	DisplayName string
}

// ProfileUpdate changes the caller's own profile. Nil fields are untouched.
type ProfileUpdate struct {
	DisplayName     *string
	CurrentPassword string
	NewPassword     *string
}

// AdminUpdate changes another user's role or status. Nil fields are untouched.
type AdminUpdate struct {
	Role     *auth.Role
	Disabled *bool
}

const (
	defaultPageSize = 50
	maxPageSize     = 200
	purgeTimeout    = 5 * time.Minute
)

// Service implements account operations
type Service struct {
	store  Store
	hasher *auth.PasswordHasher
	tokens *auth.TokenIssuer
	media  MediaPurger
	logger *observability.Logger
}

// NewService creates the user service
func NewService(store Store, hasher *auth.PasswordHasher, tokens *auth.TokenIssuer, logger *observability.Logger) *Service {
	return &Service{store: store, hasher: hasher, tokens: tokens, logger: logger}
}

// SetMediaPurger wires media cleanup for account deletion
func (s *Service) SetMediaPurger(p MediaPurger) {
	s.media = p
}

// NormalizeEmail lower-cases and trims an address
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Register creates an account with the user role and opens a session
func (s *Service) Register(ctx context.Context, in RegisterInput) (*Session, error) {
	hash, err := s.hasher.Hash(in.Password)
	if err != nil {
		return nil, err
	}
	u := &User{
		Email:        NormalizeEmail(in.Email),
		PasswordHash: hash,
		DisplayName:  strings.TrimSpace(in.DisplayName),
		Role:         auth.RoleUser,
	}
	if err := s.store.Create(ctx, u); err != nil {
		return nil, err
	}
	s.logger.WithField("user_id", u.ID).Info("User registered")
	return s.session(u)
}

// Login verifies credentials and opens a session
func (s *Service) Login(ctx context.Context, email, password string) (*Session, error) {
	u, err := s.store.GetByEmail(ctx, NormalizeEmail(email))
	if errors.Is(err, ErrNotFound) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}
	if err := s.hasher.Verify(u.PasswordHash, password); err != nil {
		if errors.Is(err, auth.ErrPasswordMismatch) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	if u.Disabled {
		return nil, ErrDisabled
	}
	return s.session(u)
}

func (s *Service) session(u *User) (*Session, error) {
	token, expires, err := s.tokens.Issue(u.ID, u.Role)
	if err != nil {
		return nil, err
	}
	return &Session{Token: token, ExpiresAt: expires, User: u}, nil
}

// Get returns a user by ID
func (s *Service) Get(ctx context.Context, id int64) (*User, error) {
	return s.store.GetByID(ctx, id)
}

// UpdateProfile applies a self-service profile change. Changing the password
// requires the current one.
func (s *Service) UpdateProfile(ctx context.Context, id int64, upd ProfileUpdate) (*User, error) {
	u, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if upd.NewPassword != nil {
		if err := s.hasher.Verify(u.PasswordHash, upd.CurrentPassword); err != nil {
			if errors.Is(err, auth.ErrPasswordMismatch) {
				return nil, ErrInvalidCredentials
			}
			return nil, err
		}
		hash, err := s.hasher.Hash(*upd.NewPassword)
		if err != nil {
			return nil, err
		}
		if err := s.store.UpdatePassword(ctx, id, hash); err != nil {
			return nil, err
		}
	}

	if upd.DisplayName != nil {
		if err := s.store.UpdateProfile(ctx, id, strings.TrimSpace(*upd.DisplayName)); err != nil {
			return nil, err
		}
	}

	return s.store.GetByID(ctx, id)
}

// DeleteAccount removes the user and everything they own. Media objects are
// purged in the background after the rows are gone.
func (s *Service) DeleteAccount(ctx context.Context, id int64) error {
	var keys []string
	if s.media != nil {
		var err error
		if keys, err = s.media.ObjectKeysForOwner(ctx, id); err != nil {
			return fmt.Errorf("failed to list media for deletion: %w", err)
		}
	}

	if err := s.store.Delete(ctx, id); err != nil {
		return err
	}
	s.logger.WithField("user_id", id).WithField("media_objects", len(keys)).Info("User deleted")

	if len(keys) > 0 {
		async.SafeGo(context.WithoutCancel(ctx), s.logger, purgeTimeout, "purge user media",
			func(ctx context.Context) error {
				return s.media.DeleteObjects(ctx, keys)
			})
	}
	return nil
}

// List pages through users for the admin console
func (s *Service) List(ctx context.Context, filter ListFilter) ([]*User, int, error) {
	if filter.Limit <= 0 {
		filter.Limit = defaultPageSize
	}
	if filter.Limit > maxPageSize {
		filter.Limit = maxPageSize
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}
	return s.store.List(ctx, filter)
}

// AdminUpdate changes another user's role or disabled flag
func (s *Service) AdminUpdate(ctx context.Context, actorID, targetID int64, upd AdminUpdate) (*User, error) {
	if actorID == targetID {
		return nil, ErrSelfModification
	}
	if upd.Role != nil {
		if !upd.Role.Valid() {
			return nil, fmt.Errorf("unknown role %q", *upd.Role)
		}
		if err := s.store.SetRole(ctx, targetID, *upd.Role); err != nil {
			return nil, err
		}
	}
	if upd.Disabled != nil {
		if err := s.store.SetDisabled(ctx, targetID, *upd.Disabled); err != nil {
			return nil, err
		}
	}
	return s.store.GetByID(ctx, targetID)
}

// AdminDelete removes another user's account
func (s *Service) AdminDelete(ctx context.Context, actorID, targetID int64) error {
	if actorID == targetID {
		return ErrSelfModification
	}
	return s.DeleteAccount(ctx, targetID)
}
