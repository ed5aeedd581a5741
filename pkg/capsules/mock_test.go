package capsules

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/platinummonkey/dtc/pkg/storage"
)

var errNotImplemented = errors.New("not implemented")

// mockStore is a func-field Store for tests
type mockStore struct {
	CreateFunc                func(ctx context.Context, c *Capsule) error
	GetFunc                   func(ctx context.Context, id, ownerID int64) (*Capsule, error)
	GetDeliveredFunc          func(ctx context.Context, id int64) (*Capsule, error)
	ListByOwnerFunc           func(ctx context.Context, ownerID int64) ([]*Capsule, error)
	UpdateFunc                func(ctx context.Context, c *Capsule) error
	DeleteFunc                func(ctx context.Context, id, ownerID int64) ([]string, error)
	ListMediaFunc             func(ctx context.Context, capsuleIDs ...int64) ([]Media, error)
	GetMediaFunc              func(ctx context.Context, capsuleID, mediaID int64) (*Media, error)
	AddMediaFunc              func(ctx context.Context, m *Media) error
	DeleteMediaFunc           func(ctx context.Context, ownerID, capsuleID, mediaID int64) (*Media, error)
	ObjectKeysForOwnerFunc    func(ctx context.Context, ownerID int64) ([]string, error)
	ReserveStorageFunc        func(ctx context.Context, ownerID int64, deltaGB, freeLimitGB float64) error
	ReleaseStorageFunc        func(ctx context.Context, ownerID int64, deltaGB float64) error
	ListDueFunc               func(ctx context.Context, now time.Time, maxAttempts, limit int) ([]*DueCapsule, error)
	MarkDeliveredFunc         func(ctx context.Context, id int64, at time.Time) error
	RecordDeliveryFailureFunc func(ctx context.Context, id int64, reason string, maxAttempts int) (Status, error)
}

func (m *mockStore) Create(ctx context.Context, c *Capsule) error {
	if m.CreateFunc != nil {
		return m.CreateFunc(ctx, c)
	}
	return errNotImplemented
}

func (m *mockStore) Get(ctx context.Context, id, ownerID int64) (*Capsule, error) {
	if m.GetFunc != nil {
		return m.GetFunc(ctx, id, ownerID)
	}
	return nil, errNotImplemented
}

func (m *mockStore) GetDelivered(ctx context.Context, id int64) (*Capsule, error) {
	if m.GetDeliveredFunc != nil {
		return m.GetDeliveredFunc(ctx, id)
	}
	return nil, errNotImplemented
}

func (m *mockStore) ListByOwner(ctx context.Context, ownerID int64) ([]*Capsule, error) {
	if m.ListByOwnerFunc != nil {
		return m.ListByOwnerFunc(ctx, ownerID)
	}
	return nil, errNotImplemented
}

func (m *mockStore) Update(ctx context.Context, c *Capsule) error {
	if m.UpdateFunc != nil {
		return m.UpdateFunc(ctx, c)
	}
	return errNotImplemented
}

func (m *mockStore) Delete(ctx context.Context, id, ownerID int64) ([]string, error) {
	if m.DeleteFunc != nil {
		return m.DeleteFunc(ctx, id, ownerID)
	}
	return nil, errNotImplemented
}

func (m *mockStore) ListMedia(ctx context.Context, capsuleIDs ...int64) ([]Media, error) {
	if m.ListMediaFunc != nil {
		return m.ListMediaFunc(ctx, capsuleIDs...)
	}
	return nil, nil
}

func (m *mockStore) GetMedia(ctx context.Context, capsuleID, mediaID int64) (*Media, error) {
	if m.GetMediaFunc != nil {
		return m.GetMediaFunc(ctx, capsuleID, mediaID)
	}
	return nil, errNotImplemented
}

func (m *mockStore) AddMedia(ctx context.Context, media *Media) error {
	if m.AddMediaFunc != nil {
		return m.AddMediaFunc(ctx, media)
	}
	return errNotImplemented
}

func (m *mockStore) DeleteMedia(ctx context.Context, ownerID, capsuleID, mediaID int64) (*Media, error) {
	if m.DeleteMediaFunc != nil {
		return m.DeleteMediaFunc(ctx, ownerID, capsuleID, mediaID)
	}
	return nil, errNotImplemented
}

func (m *mockStore) ObjectKeysForOwner(ctx context.Context, ownerID int64) ([]string, error) {
	if m.ObjectKeysForOwnerFunc != nil {
		return m.ObjectKeysForOwnerFunc(ctx, ownerID)
	}
	return nil, errNotImplemented
}

func (m *mockStore) ReserveStorage(ctx context.Context, ownerID int64, deltaGB, freeLimitGB float64) error {
	if m.ReserveStorageFunc != nil {
		return m.ReserveStorageFunc(ctx, ownerID, deltaGB, freeLimitGB)
	}
	return errNotImplemented
}

func (m *mockStore) ReleaseStorage(ctx context.Context, ownerID int64, deltaGB float64) error {
	if m.ReleaseStorageFunc != nil {
		return m.ReleaseStorageFunc(ctx, ownerID, deltaGB)
	}
	return errNotImplemented
}

func (m *mockStore) ListDue(ctx context.Context, now time.Time, maxAttempts, limit int) ([]*DueCapsule, error) {
	if m.ListDueFunc != nil {
		return m.ListDueFunc(ctx, now, maxAttempts, limit)
	}
	return nil, errNotImplemented
}

func (m *mockStore) MarkDelivered(ctx context.Context, id int64, at time.Time) error {
	if m.MarkDeliveredFunc != nil {
		return m.MarkDeliveredFunc(ctx, id, at)
	}
	return errNotImplemented
}

func (m *mockStore) RecordDeliveryFailure(ctx context.Context, id int64, reason string, maxAttempts int) (Status, error) {
	if m.RecordDeliveryFailureFunc != nil {
		return m.RecordDeliveryFailureFunc(ctx, id, reason, maxAttempts)
	}
	return "", errNotImplemented
}

// memObjects is an in-memory storage.ObjectStore
type memObjects struct {
	mu      sync.Mutex
	objects map[string][]byte
	putErr  error
}

func newMemObjects() *memObjects {
	return &memObjects{objects: map[string][]byte{}}
}

func (m *memObjects) Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) error {
	if m.putErr != nil {
		return m.putErr
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = data
	return nil
}

func (m *memObjects) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[key]
	if !ok {
		return nil, storage.ErrObjectNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *memObjects) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

func (m *memObjects) HealthCheck(ctx context.Context) error { return nil }

func (m *memObjects) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.objects)
}
