package storage

import (
	"context"
	"errors"
	"io"

	"github.com/platinummonkey/dtc/pkg/observability"
)

// Instrument wraps store so every call is counted in the object store metrics
func Instrument(store ObjectStore, metrics *observability.Metrics) ObjectStore {
	if metrics == nil {
		return store
	}
	return &instrumentedStore{next: store, metrics: metrics}
}

type instrumentedStore struct {
	next    ObjectStore
	metrics *observability.Metrics
}

func (s *instrumentedStore) record(op string, err error) {
	status := "success"
	switch {
	case errors.Is(err, ErrObjectNotFound):
		status = "not_found"
	case err != nil:
		status = "error"
	}
	s.metrics.ObjectStoreOperationsTotal.WithLabelValues(op, status).Inc()
}

func (s *instrumentedStore) Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) error {
	cr := &countingReader{r: body}
	var wrapped io.Reader = cr
	if seeker, ok := body.(io.Seeker); ok {
		wrapped = &countingReadSeeker{countingReader: cr, seeker: seeker}
	}
	err := s.next.Put(ctx, key, wrapped, size, contentType)
	s.record("put", err)
	if err == nil {
		s.metrics.ObjectStoreBytesTotal.WithLabelValues("upload").Add(float64(cr.n))
	}
	return err
}

func (s *instrumentedStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	rc, err := s.next.Get(ctx, key)
	s.record("get", err)
	if err != nil {
		return nil, err
	}
	return &countingReadCloser{ReadCloser: rc, onClose: func(n int64) {
		s.metrics.ObjectStoreBytesTotal.WithLabelValues("download").Add(float64(n))
	}}, nil
}

func (s *instrumentedStore) Delete(ctx context.Context, key string) error {
	err := s.next.Delete(ctx, key)
	s.record("delete", err)
	return err
}

func (s *instrumentedStore) HealthCheck(ctx context.Context) error {
	return s.next.HealthCheck(ctx)
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

// countingReadSeeker keeps seekable uploads seekable through the wrapper
type countingReadSeeker struct {
	*countingReader
	seeker io.Seeker
}

func (c *countingReadSeeker) Seek(offset int64, whence int) (int64, error) {
	pos, err := c.seeker.Seek(offset, whence)
	if err == nil && offset == 0 && whence == io.SeekStart {
		c.n = 0
	}
	return pos, err
}

type countingReadCloser struct {
	io.ReadCloser
	n       int64
	onClose func(int64)
	closed  bool
}

func (c *countingReadCloser) Read(p []byte) (int, error) {
	n, err := c.ReadCloser.Read(p)
	c.n += int64(n)
	return n, err
}

func (c *countingReadCloser) Close() error {
	if !c.closed {
		c.closed = true
		c.onClose(c.n)
	}
	return c.ReadCloser.Close()
}
