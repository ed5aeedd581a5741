package capsules

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/dtc/pkg/mailer"
	"github.com/platinummonkey/dtc/pkg/observability"
)

type fakeNotifier struct {
	mu   sync.Mutex
	sent []mailer.CapsuleEmail
	fail map[string]error
}

func (f *fakeNotifier) SendCapsule(ctx context.Context, email mailer.CapsuleEmail) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail[email.To]; err != nil {
		return err
	}
	f.sent = append(f.sent, email)
	return nil
}

type fakeLinks struct{}

func (fakeLinks) IssueMediaLink(capsuleID, mediaID int64, ttl time.Duration) (string, error) {
	return fmt.Sprintf("tok-%d-%d", capsuleID, mediaID), nil
}

func due(id int64, to string, attempts int) *DueCapsule {
	return &DueCapsule{
		Capsule: Capsule{
			ID: id, OwnerID: 100 + id, Title: fmt.Sprintf("capsule %d", id), Message: "hello",
			RecipientEmail: to, DeliverAt: testNow.Add(-time.Minute), Status: StatusScheduled,
			DeliveryAttempts: attempts, CreatedAt: testNow.AddDate(-1, 0, 0),
		},
		SenderName: "Alice",
	}
}

func newTestJob(store Store, notifier Notifier, metrics *observability.Metrics) *DeliveryJob {
	return NewDeliveryJob(store, notifier, fakeLinks{}, DeliveryOptions{
		BatchSize:   50,
		MaxAttempts: 3,
		Concurrency: 4,
		BaseURL:     "https://dtc.example.com/",
		LinkTTL:     time.Hour,
	}, metrics, observability.NewLogger(observability.ErrorLevel, io.Discard)).
		WithClock(clockwork.NewFakeClockAt(testNow))
}

func TestDeliveryJob_Run(t *testing.T) {
	var (
		mu        sync.Mutex
		delivered []int64
		failures  = map[int64]string{}
	)
	store := &mockStore{
		ListDueFunc: func(ctx context.Context, now time.Time, maxAttempts, limit int) ([]*DueCapsule, error) {
			assert.Equal(t, testNow, now)
			assert.Equal(t, 3, maxAttempts)
			assert.Equal(t, 50, limit)
			return []*DueCapsule{
				due(1, "ok@example.com", 0),
				due(2, "bounce@example.com", 0),
				due(3, "gone@example.com", 2),
			}, nil
		},
		ListMediaFunc: func(ctx context.Context, ids ...int64) ([]Media, error) {
			assert.ElementsMatch(t, []int64{1, 2, 3}, ids)
			return []Media{{ID: 7, CapsuleID: 1, FileName: "a.jpg", SizeBytes: 10}}, nil
		},
		MarkDeliveredFunc: func(ctx context.Context, id int64, at time.Time) error {
			mu.Lock()
			defer mu.Unlock()
			delivered = append(delivered, id)
			return nil
		},
		RecordDeliveryFailureFunc: func(ctx context.Context, id int64, reason string, maxAttempts int) (Status, error) {
			mu.Lock()
			defer mu.Unlock()
			failures[id] = reason
			if id == 3 {
				return StatusFailed, nil
			}
			return StatusScheduled, nil
		},
	}
	notifier := &fakeNotifier{fail: map[string]error{
		"bounce@example.com": errors.New("mailbox full"),
		"gone@example.com":   errors.New("no such user"),
	}}
	metrics := observability.NewMetrics(prometheus.NewRegistry())

	result, err := newTestJob(store, notifier, metrics).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, DeliveryResult{Due: 3, Delivered: 1, Retrying: 1, Failed: 1}, result)
	assert.Equal(t, []int64{1}, delivered)
	assert.Equal(t, map[int64]string{2: "mailbox full", 3: "no such user"}, failures)

	require.Len(t, notifier.sent, 1)
	email := notifier.sent[0]
	assert.Equal(t, "ok@example.com", email.To)
	assert.Equal(t, "Alice", email.SenderName)
	require.Len(t, email.Media, 1)
	assert.Equal(t, "https://dtc.example.com/api/v1/shared/capsules/1/media/7?token=tok-1-7", email.Media[0].URL)

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.CapsuleDeliveriesTotal.WithLabelValues(DeliveryOutcomeDelivered)))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.CapsuleDeliveriesTotal.WithLabelValues(DeliveryOutcomeRetry)))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.CapsuleDeliveriesTotal.WithLabelValues(DeliveryOutcomeFailed)))
}

func TestDeliveryJob_NothingDue(t *testing.T) {
	store := &mockStore{ListDueFunc: func(ctx context.Context, now time.Time, maxAttempts, limit int) ([]*DueCapsule, error) {
		return nil, nil
	}}
	result, err := newTestJob(store, &fakeNotifier{}, nil).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, DeliveryResult{}, result)
}

func TestDeliveryJob_SelectionFailure(t *testing.T) {
	store := &mockStore{ListDueFunc: func(ctx context.Context, now time.Time, maxAttempts, limit int) ([]*DueCapsule, error) {
		return nil, errors.New("connection reset")
	}}
	notifier := &fakeNotifier{}
	_, err := newTestJob(store, notifier, nil).Run(context.Background())
	assert.ErrorContains(t, err, "connection reset")
	assert.Empty(t, notifier.sent)
}

func TestDeliveryJob_IsolatesPanics(t *testing.T) {
	var marked []int64
	var mu sync.Mutex
	store := &mockStore{
		ListDueFunc: func(ctx context.Context, now time.Time, maxAttempts, limit int) ([]*DueCapsule, error) {
			return []*DueCapsule{due(1, "panic@example.com", 0), due(2, "ok@example.com", 0)}, nil
		},
		MarkDeliveredFunc: func(ctx context.Context, id int64, at time.Time) error {
			mu.Lock()
			defer mu.Unlock()
			marked = append(marked, id)
			return nil
		},
	}
	notifier := panicNotifier{next: &fakeNotifier{}}

	result, err := newTestJob(store, notifier, nil).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Delivered)
	assert.Equal(t, 1, result.Retrying)
	assert.Equal(t, []int64{2}, marked)
}

type panicNotifier struct{ next Notifier }

func (p panicNotifier) SendCapsule(ctx context.Context, email mailer.CapsuleEmail) error {
	if strings.HasPrefix(email.To, "panic") {
		panic("smtp client bug")
	}
	return p.next.SendCapsule(ctx, email)
}
