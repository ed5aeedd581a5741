package capsules

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/platinummonkey/dtc/pkg/observability"
	"github.com/platinummonkey/dtc/pkg/storage"
	"github.com/platinummonkey/dtc/pkg/validation"
)

// Options tune quota and upload limits
type Options struct {
	FreeStorageGB  float64
	MaxUploadBytes int64
}

// Service implements owner-scoped capsule and media operations
type Service struct {
	store   Store
	objects storage.ObjectStore
	opts    Options
	clock   clockwork.Clock
	logger  *observability.Logger
}

// NewService creates the capsule service
func NewService(store Store, objects storage.ObjectStore, opts Options, logger *observability.Logger) *Service {
	return &Service{
		store:   store,
		objects: objects,
		opts:    opts,
		clock:   clockwork.NewRealClock(),
		logger:  logger,
	}
}

// WithClock replaces the clock used for delivery time checks
func (s *Service) WithClock(clock clockwork.Clock) *Service {
	s.clock = clock
	return s
}

func invalid(err error) error {
	return fmt.Errorf("%w: %w", ErrInvalid, err)
}

func (s *Service) checkDeliverAt(t time.Time) error {
	if !t.After(s.clock.Now()) {
		return fmt.Errorf("%w: deliver_at must be in the future", ErrInvalid)
	}
	return nil
}

// Create schedules a new capsule
func (s *Service) Create(ctx context.Context, ownerID int64, in CreateInput) (*Capsule, error) {
	in.Title = strings.TrimSpace(in.Title)
	in.RecipientEmail = strings.ToLower(strings.TrimSpace(in.RecipientEmail))
	if err := validation.Struct(in); err != nil {
		return nil, invalid(err)
	}
	if err := s.checkDeliverAt(in.DeliverAt); err != nil {
		return nil, err
	}

	c := &Capsule{
		OwnerID:        ownerID,
		Title:          in.Title,
		Message:        in.Message,
		RecipientEmail: in.RecipientEmail,
		DeliverAt:      in.DeliverAt.UTC(),
	}
	if err := s.store.Create(ctx, c); err != nil {
		return nil, err
	}
	s.logger.WithFields(map[string]interface{}{
		"capsule_id": c.ID,
		"owner_id":   ownerID,
		"deliver_at": c.DeliverAt,
	}).Info("Capsule created")
	return c, nil
}

// Get returns a capsule with its media
func (s *Service) Get(ctx context.Context, ownerID, id int64) (*Capsule, error) {
	c, err := s.store.Get(ctx, id, ownerID)
	if err != nil {
		return nil, err
	}
	media, err := s.store.ListMedia(ctx, c.ID)
	if err != nil {
		return nil, err
	}
	if media != nil {
		c.Media = media
	}
	return c, nil
}

// List returns the owner's capsules, newest first, with their media
func (s *Service) List(ctx context.Context, ownerID int64) ([]*Capsule, error) {
	list, err := s.store.ListByOwner(ctx, ownerID)
	if err != nil || len(list) == 0 {
		return list, err
	}

	ids := make([]int64, len(list))
	byID := make(map[int64]*Capsule, len(list))
	for i, c := range list {
		ids[i] = c.ID
		byID[c.ID] = c
	}
	media, err := s.store.ListMedia(ctx, ids...)
	if err != nil {
		return nil, err
	}
	for _, m := range media {
		if c, ok := byID[m.CapsuleID]; ok {
			c.Media = append(c.Media, m)
		}
	}
	return list, nil
}

// Update changes a capsule that has not been delivered yet
func (s *Service) Update(ctx context.Context, ownerID, id int64, in UpdateInput) (*Capsule, error) {
	if in.Title != nil {
		title := strings.TrimSpace(*in.Title)
		in.Title = &title
	}
	if in.RecipientEmail != nil {
		email := strings.ToLower(strings.TrimSpace(*in.RecipientEmail))
		in.RecipientEmail = &email
	}
	if err := validation.Struct(in); err != nil {
		return nil, invalid(err)
	}

	c, err := s.Get(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}
	if !c.Editable() {
		return nil, ErrAlreadyDelivered
	}

	if in.Title != nil {
		c.Title = *in.Title
	}
	if in.Message != nil {
		c.Message = *in.Message
	}
	if in.RecipientEmail != nil {
		c.RecipientEmail = *in.RecipientEmail
	}
	if in.DeliverAt != nil {
		if err := s.checkDeliverAt(*in.DeliverAt); err != nil {
			return nil, err
		}
		c.DeliverAt = in.DeliverAt.UTC()
	}

	if err := s.store.Update(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

// Delete removes a capsule and its media objects
func (s *Service) Delete(ctx context.Context, ownerID, id int64) error {
	keys, err := s.store.Delete(ctx, id, ownerID)
	if err != nil {
		return err
	}
	if err := storage.DeleteMany(ctx, s.objects, keys); err != nil {
		// Rows are gone; leftover objects are only logged
		s.logger.WithError(err).WithField("capsule_id", id).Warn("Failed to delete capsule media objects")
	}
	s.logger.WithField("capsule_id", id).WithField("media_objects", len(keys)).Info("Capsule deleted")
	return nil
}

// AddMedia uploads a file to the object store and attaches it to the capsule.
// Storage is reserved before the upload and released again on failure.
func (s *Service) AddMedia(ctx context.Context, ownerID, capsuleID int64, up Upload) (*Media, error) {
	if up.Size <= 0 {
		return nil, fmt.Errorf("%w: empty upload", ErrInvalid)
	}
	if s.opts.MaxUploadBytes > 0 && up.Size > s.opts.MaxUploadBytes {
		return nil, ErrUploadTooLarge
	}

	c, err := s.store.Get(ctx, capsuleID, ownerID)
	if err != nil {
		return nil, err
	}
	if !c.Editable() {
		return nil, ErrAlreadyDelivered
	}

	sizeGB := BytesToGB(up.Size)
	if err := s.store.ReserveStorage(ctx, ownerID, sizeGB, s.opts.FreeStorageGB); err != nil {
		return nil, err
	}

	contentType := up.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	m := &Media{
		CapsuleID:   capsuleID,
		ObjectKey:   storage.MediaKey(capsuleID, up.FileName),
		FileName:    storage.SanitizeFilename(up.FileName),
		ContentType: contentType,
		SizeBytes:   up.Size,
	}

	if err := s.objects.Put(ctx, m.ObjectKey, up.Body, up.Size, contentType); err != nil {
		s.release(ownerID, sizeGB)
		return nil, fmt.Errorf("failed to store media: %w", err)
	}

	if err := s.store.AddMedia(ctx, m); err != nil {
		s.release(ownerID, sizeGB)
		if delErr := s.objects.Delete(context.WithoutCancel(ctx), m.ObjectKey); delErr != nil {
			s.logger.WithError(delErr).WithField("object_key", m.ObjectKey).Warn("Failed to remove orphaned media object")
		}
		return nil, err
	}

	s.logger.WithFields(map[string]interface{}{
		"capsule_id": capsuleID,
		"media_id":   m.ID,
		"size_bytes": m.SizeBytes,
	}).Info("Media added")
	return m, nil
}

func (s *Service) release(ownerID int64, sizeGB float64) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.store.ReleaseStorage(ctx, ownerID, sizeGB); err != nil {
		s.logger.WithError(err).WithField("user_id", ownerID).Error("Failed to release reserved storage")
	}
}

// RemoveMedia detaches a file from a scheduled capsule and deletes the object
func (s *Service) RemoveMedia(ctx context.Context, ownerID, capsuleID, mediaID int64) error {
	c, err := s.store.Get(ctx, capsuleID, ownerID)
	if err != nil {
		return err
	}
	if !c.Editable() {
		return ErrAlreadyDelivered
	}

	m, err := s.store.DeleteMedia(ctx, ownerID, capsuleID, mediaID)
	if err != nil {
		return err
	}
	if err := s.objects.Delete(ctx, m.ObjectKey); err != nil {
		s.logger.WithError(err).WithField("object_key", m.ObjectKey).Warn("Failed to delete media object")
	}
	return nil
}

// OpenMedia returns a media item and a reader for its content. The caller
// closes the reader.
func (s *Service) OpenMedia(ctx context.Context, ownerID, capsuleID, mediaID int64) (*Media, io.ReadCloser, error) {
	if _, err := s.store.Get(ctx, capsuleID, ownerID); err != nil {
		return nil, nil, err
	}
	return s.open(ctx, capsuleID, mediaID)
}

// OpenDeliveredMedia serves media of a delivered capsule to a recipient
// holding a media link
func (s *Service) OpenDeliveredMedia(ctx context.Context, capsuleID, mediaID int64) (*Media, io.ReadCloser, error) {
	if _, err := s.store.GetDelivered(ctx, capsuleID); err != nil {
		return nil, nil, err
	}
	return s.open(ctx, capsuleID, mediaID)
}

func (s *Service) open(ctx context.Context, capsuleID, mediaID int64) (*Media, io.ReadCloser, error) {
	m, err := s.store.GetMedia(ctx, capsuleID, mediaID)
	if err != nil {
		return nil, nil, err
	}
	rc, err := s.objects.Get(ctx, m.ObjectKey)
	if errors.Is(err, storage.ErrObjectNotFound) {
		s.logger.WithField("object_key", m.ObjectKey).Error("Media row has no object")
		return nil, nil, ErrMediaNotFound
	}
	if err != nil {
		return nil, nil, err
	}
	return m, rc, nil
}

// ObjectKeysForOwner lists the owner's media objects for account deletion
func (s *Service) ObjectKeysForOwner(ctx context.Context, ownerID int64) ([]string, error) {
	return s.store.ObjectKeysForOwner(ctx, ownerID)
}

// DeleteObjects removes media objects left behind by a deleted account
func (s *Service) DeleteObjects(ctx context.Context, keys []string) error {
	return storage.DeleteMany(ctx, s.objects, keys)
}
