package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/google/uuid"

	"github.com/platinummonkey/dtc/pkg/config"
	"github.com/platinummonkey/dtc/pkg/observability"
)

// ErrObjectNotFound is returned when a key has no object
var ErrObjectNotFound = errors.New("object not found")

// ErrInvalidKey is returned for keys that are empty or escape the store root
var ErrInvalidKey = errors.New("invalid object key")

// ObjectStore stores capsule media by key
type ObjectStore interface {
	// Put stores size bytes read from body. size may be -1 when unknown.
	Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) error
	// Get opens an object for reading. The caller closes the returned reader.
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	// Delete removes an object. Deleting a missing object is not an error.
	Delete(ctx context.Context, key string) error
	// HealthCheck verifies the backend is reachable
	HealthCheck(ctx context.Context) error
}

// New builds the object store selected by cfg and wraps it with metrics
func New(ctx context.Context, cfg config.StorageConfig, metrics *observability.Metrics) (ObjectStore, error) {
	var (
		store ObjectStore
		err   error
	)
	switch cfg.Type {
	case "s3":
		store, err = NewS3Store(ctx, cfg)
	case "filesystem", "":
		store, err = NewFileSystemStore(cfg.FilesystemRoot)
	default:
		return nil, fmt.Errorf("unknown storage type %q", cfg.Type)
	}
	if err != nil {
		return nil, err
	}
	return Instrument(store, metrics), nil
}

// DeleteMany removes every key, continuing past failures. The returned error
// joins all per-key failures.
func DeleteMany(ctx context.Context, store ObjectStore, keys []string) error {
	var errs []error
	for _, key := range keys {
		if err := store.Delete(ctx, key); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
		}
	}
	return errors.Join(errs...)
}

// MediaKey builds the object key for an upload: capsules/<capsule>/<uuid>-<name>
func MediaKey(capsuleID int64, filename string) string {
	return fmt.Sprintf("capsules/%d/%s-%s", capsuleID, uuid.NewString(), SanitizeFilename(filename))
}

// SanitizeFilename reduces a client supplied file name to a safe base name
func SanitizeFilename(name string) string {
	name = path.Base(strings.ReplaceAll(name, "\\", "/"))
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			b.WriteRune(r)
		case r == ' ':
			b.WriteRune('_')
		}
	}
	out := strings.TrimLeft(b.String(), ".")
	if out == "" {
		return "file"
	}
	if len(out) > 100 {
		out = out[len(out)-100:]
	}
	return out
}

func validateKey(key string) error {
	if key == "" || strings.HasPrefix(key, "/") {
		return ErrInvalidKey
	}
	for _, part := range strings.Split(key, "/") {
		if part == ".." || part == "." || part == "" {
			return ErrInvalidKey
		}
	}
	return nil
}
