package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"

	"github.com/platinummonkey/dtc/pkg/async"
	"github.com/platinummonkey/dtc/pkg/observability"
	"github.com/platinummonkey/dtc/pkg/users"
)

// usageDecimals is the precision of reported storage values
const usageDecimals = 6

// UsageCandidateFinder selects users whose usage should be reported
type UsageCandidateFinder interface {
	FindUsageCandidates(ctx context.Context, cutoff time.Time) ([]users.UsageCandidate, error)
}

// MeterSender submits meter events; Gateway implementations satisfy it
type MeterSender interface {
	SendMeterEvent(ctx context.Context, event MeterEvent) error
}

// UsageOptions configures the usage reporter
type UsageOptions struct {
	EventName string
	// Lookahead selects users whose paid period ends within it
	Lookahead   time.Duration
	Retry       RetryConfig
	Concurrency int
}

// DefaultUsageOptions returns a three day lookahead and the default retry policy
func DefaultUsageOptions(eventName string) UsageOptions {
	return UsageOptions{
		EventName:   eventName,
		Lookahead:   72 * time.Hour,
		Retry:       DefaultRetryConfig(),
		Concurrency: 16,
	}
}

// UsageRunResult summarizes one reporter run
type UsageRunResult struct {
	Candidates int
	Skipped    int
	Reported   int
	Exhausted  int
}

// UsageReporter reports the stored GB of users nearing the end of their paid
// period as meter events, so the next invoice bills their storage.
type UsageReporter struct {
	finder  UsageCandidateFinder
	sender  MeterSender
	opts    UsageOptions
	policy  *RetryPolicy
	clock   clockwork.Clock
	metrics *observability.Metrics
	logger  *observability.Logger
}

// NewUsageReporter creates the reporter
func NewUsageReporter(finder UsageCandidateFinder, sender MeterSender, opts UsageOptions, metrics *observability.Metrics, logger *observability.Logger) *UsageReporter {
	if metrics == nil {
		metrics = observability.NewNopMetrics()
	}
	return &UsageReporter{
		finder:  finder,
		sender:  sender,
		opts:    opts,
		policy:  NewRetryPolicy(opts.Retry),
		clock:   clockwork.NewRealClock(),
		metrics: metrics,
		logger:  logger.WithField("job", "usage_reporter"),
	}
}

// WithClock replaces the clock used for timestamps and backoff waits
func (r *UsageReporter) WithClock(clock clockwork.Clock) *UsageReporter {
	r.clock = clock
	return r
}

// UsageValue clamps used storage at zero and rounds it to six decimals
func UsageValue(usedGB float64) decimal.Decimal {
	if usedGB < 0 {
		usedGB = 0
	}
	return decimal.NewFromFloat(usedGB).Round(usageDecimals)
}

// Run reports usage for every due user. Per-user failures are logged and
// counted but never fail the run; only a failed selection returns an error.
func (r *UsageReporter) Run(ctx context.Context) (UsageRunResult, error) {
	var result UsageRunResult
	start := r.clock.Now()
	defer func() {
		r.metrics.UsageRunDuration.Observe(r.clock.Since(start).Seconds())
	}()

	cutoff := start.Add(r.opts.Lookahead)
	candidates, err := r.finder.FindUsageCandidates(ctx, cutoff)
	if err != nil {
		r.metrics.UsageRunsTotal.WithLabelValues(observability.OutcomeFailed).Inc()
		r.logger.WithError(err).Error("Failed to select users for usage reporting, aborting run")
		return result, err
	}
	result.Candidates = len(candidates)

	due := make([]users.UsageCandidate, 0, len(candidates))
	for _, c := range candidates {
		if !c.DueForUsageReport(cutoff) {
			result.Skipped++
			r.metrics.UsageReportsTotal.WithLabelValues(observability.OutcomeSkipped).Inc()
			continue
		}
		due = append(due, c)
	}

	outcomes := async.Settle(ctx, due, r.opts.Concurrency, r.report)
	for _, o := range outcomes {
		if o.Err != nil {
			result.Exhausted++
			continue
		}
		result.Reported++
	}

	r.metrics.UsageRunsTotal.WithLabelValues(observability.OutcomeSuccess).Inc()
	r.logger.WithFields(map[string]interface{}{
		"candidates": result.Candidates,
		"skipped":    result.Skipped,
		"reported":   result.Reported,
		"exhausted":  result.Exhausted,
		"cutoff":     cutoff,
	}).Info("Usage report run finished")
	return result, nil
}

// report sends one user's usage with retries. It logs its own outcome; the
// returned error only feeds the run summary.
func (r *UsageReporter) report(ctx context.Context, c users.UsageCandidate) (attempts int, err error) {
	log := r.logger.WithField("user_id", c.ID).WithField("subscription_id", c.SubscriptionID)
	defer func() {
		if rec := recover(); rec != nil {
			err = observability.PanicError(rec)
			r.metrics.UsageReportsTotal.WithLabelValues(observability.OutcomeFailed).Inc()
			log.WithError(err).Error("Usage report failed")
		}
	}()

	now := r.clock.Now().Unix()
	value := UsageValue(c.UsedStorage)
	event := MeterEvent{
		EventName:  r.opts.EventName,
		CustomerID: c.CustomerID,
		Value:      value.String(),
		Timestamp:  now,
		Identifier: fmt.Sprintf("dtc-usage-%d-%d", c.ID, now),
	}

	attempts, err = r.send(ctx, event, log)
	r.metrics.UsageReportAttempts.Observe(float64(attempts))
	if err != nil {
		r.metrics.UsageReportsTotal.WithLabelValues(observability.OutcomeExhausted).Inc()
		log.WithError(err).WithField("attempts", attempts).Error("Usage report failed, giving up until the next run")
		return attempts, err
	}

	r.metrics.UsageReportsTotal.WithLabelValues(observability.OutcomeSuccess).Inc()
	log.WithFields(map[string]interface{}{
		"value":    event.Value,
		"attempts": attempts,
	}).Info("Usage reported")
	return attempts, nil
}

// send is the retry loop: an initial attempt, then a clock-driven wait
// before each retry until the policy gives up
func (r *UsageReporter) send(ctx context.Context, event MeterEvent, log *observability.Logger) (int, error) {
	for attempt := 1; ; attempt++ {
		err := r.sender.SendMeterEvent(ctx, event)
		if err == nil {
			return attempt, nil
		}
		if !r.policy.ShouldRetry(attempt, err) {
			return attempt, err
		}

		delay := r.policy.NextRetryDelay(attempt - 1)
		log.WithError(err).WithField("attempt", attempt).WithField("retry_in", delay.String()).Warn("Usage report attempt failed")
		select {
		case <-ctx.Done():
			return attempt, fmt.Errorf("%w (last error: %w)", ctx.Err(), err)
		case <-r.clock.After(delay):
		}
	}
}
