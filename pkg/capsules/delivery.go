package capsules

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/platinummonkey/dtc/pkg/async"
	"github.com/platinummonkey/dtc/pkg/mailer"
	"github.com/platinummonkey/dtc/pkg/observability"
)

// Delivery outcome labels
const (
	DeliveryOutcomeDelivered = "delivered"
	DeliveryOutcomeRetry     = "retry"
	DeliveryOutcomeFailed    = "failed"
)

// Notifier sends a delivery email
type Notifier interface {
	SendCapsule(ctx context.Context, email mailer.CapsuleEmail) error
}

// LinkSigner issues tokens for media links in delivery emails
type LinkSigner interface {
	IssueMediaLink(capsuleID, mediaID int64, ttl time.Duration) (string, error)
}

// DeliveryOptions configures a delivery run
type DeliveryOptions struct {
	BatchSize   int
	MaxAttempts int
	Concurrency int
	BaseURL     string
	LinkTTL     time.Duration
}

// DeliveryResult summarizes one run
type DeliveryResult struct {
	Due       int
	Delivered int
	Retrying  int
	Failed    int
}

// DeliveryJob emails capsules whose delivery time has come
type DeliveryJob struct {
	store    Store
	notifier Notifier
	links    LinkSigner
	opts     DeliveryOptions
	clock    clockwork.Clock
	metrics  *observability.Metrics
	logger   *observability.Logger
}

// NewDeliveryJob creates the delivery job
func NewDeliveryJob(store Store, notifier Notifier, links LinkSigner, opts DeliveryOptions, metrics *observability.Metrics, logger *observability.Logger) *DeliveryJob {
	if metrics == nil {
		metrics = observability.NewNopMetrics()
	}
	return &DeliveryJob{
		store:    store,
		notifier: notifier,
		links:    links,
		opts:     opts,
		clock:    clockwork.NewRealClock(),
		metrics:  metrics,
		logger:   logger.WithField("job", "capsule_delivery"),
	}
}

// WithClock replaces the job clock
func (j *DeliveryJob) WithClock(clock clockwork.Clock) *DeliveryJob {
	j.clock = clock
	return j
}

// Run delivers one batch of due capsules. A failed capsule never blocks the
// rest of the batch; it is retried on a later run until MaxAttempts.
func (j *DeliveryJob) Run(ctx context.Context) (DeliveryResult, error) {
	var result DeliveryResult

	due, err := j.store.ListDue(ctx, j.clock.Now(), j.opts.MaxAttempts, j.opts.BatchSize)
	if err != nil {
		j.logger.WithError(err).Error("Failed to select due capsules")
		return result, err
	}
	result.Due = len(due)
	if len(due) == 0 {
		j.logger.Debug("No capsules due")
		return result, nil
	}

	ids := make([]int64, len(due))
	for i, c := range due {
		ids[i] = c.ID
	}
	media, err := j.store.ListMedia(ctx, ids...)
	if err != nil {
		j.logger.WithError(err).Error("Failed to load capsule media")
		return result, err
	}
	mediaByCapsule := make(map[int64][]Media, len(due))
	for _, m := range media {
		mediaByCapsule[m.CapsuleID] = append(mediaByCapsule[m.CapsuleID], m)
	}

	outcomes := async.Settle(ctx, due, j.opts.Concurrency, func(ctx context.Context, c *DueCapsule) (string, error) {
		return j.deliver(ctx, c, mediaByCapsule[c.ID])
	})

	for _, o := range outcomes {
		if o.Value == "" && o.Err != nil {
			// deliver panicked before recording anything
			o.Value = j.recordFailure(ctx, o.Item, o.Err)
		}
		switch o.Value {
		case DeliveryOutcomeDelivered:
			result.Delivered++
		case DeliveryOutcomeFailed:
			result.Failed++
		default:
			result.Retrying++
		}
		j.metrics.CapsuleDeliveriesTotal.WithLabelValues(o.Value).Inc()
	}

	j.logger.WithFields(map[string]interface{}{
		"due":       result.Due,
		"delivered": result.Delivered,
		"retrying":  result.Retrying,
		"failed":    result.Failed,
	}).Info("Capsule delivery run finished")
	return result, nil
}

func (j *DeliveryJob) deliver(ctx context.Context, c *DueCapsule, media []Media) (string, error) {
	log := j.logger.WithField("capsule_id", c.ID).WithField("owner_id", c.OwnerID)

	email, err := j.compose(c, media)
	if err == nil {
		err = j.notifier.SendCapsule(ctx, email)
	}
	if err != nil {
		return j.recordFailure(ctx, c, err), err
	}

	if err := j.store.MarkDelivered(ctx, c.ID, j.clock.Now()); err != nil {
		log.WithError(err).Error("Capsule sent but not marked delivered")
		return DeliveryOutcomeDelivered, err
	}
	log.Info("Capsule delivered")
	return DeliveryOutcomeDelivered, nil
}

func (j *DeliveryJob) recordFailure(ctx context.Context, c *DueCapsule, cause error) string {
	log := j.logger.WithField("capsule_id", c.ID).WithField("owner_id", c.OwnerID).
		WithField("attempts", c.DeliveryAttempts+1).WithError(cause)

	status, err := j.store.RecordDeliveryFailure(ctx, c.ID, cause.Error(), j.opts.MaxAttempts)
	if err != nil {
		j.logger.WithError(err).WithField("capsule_id", c.ID).Error("Failed to record delivery failure")
		return DeliveryOutcomeRetry
	}
	if status == StatusFailed {
		log.Error("Capsule delivery failed permanently")
		return DeliveryOutcomeFailed
	}
	log.Warn("Capsule delivery failed, will retry")
	return DeliveryOutcomeRetry
}

func (j *DeliveryJob) compose(c *DueCapsule, media []Media) (mailer.CapsuleEmail, error) {
	email := mailer.CapsuleEmail{
		To:         c.RecipientEmail,
		SenderName: c.SenderName,
		Title:      c.Title,
		Message:    c.Message,
		WrittenAt:  c.CreatedAt,
	}
	base := strings.TrimRight(j.opts.BaseURL, "/")
	for _, m := range media {
		token, err := j.links.IssueMediaLink(c.ID, m.ID, j.opts.LinkTTL)
		if err != nil {
			return email, err
		}
		email.Media = append(email.Media, mailer.MediaLink{
			Name:      m.FileName,
			URL:       fmt.Sprintf("%s/api/v1/shared/capsules/%d/media/%d?token=%s", base, c.ID, m.ID, token),
			SizeBytes: m.SizeBytes,
		})
	}
	return email, nil
}
