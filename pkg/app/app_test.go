package app

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/dtc/pkg/billing"
	"github.com/platinummonkey/dtc/pkg/config"
	"github.com/platinummonkey/dtc/pkg/jobs"
	"github.com/platinummonkey/dtc/pkg/observability"
)

func testApp() *App {
	return &App{
		Config:  config.Default(),
		Logger:  observability.NewLogger(observability.DebugLevel, &bytes.Buffer{}),
		Metrics: observability.NewNopMetrics(),
	}
}

func TestScheduler_WithoutBilling(t *testing.T) {
	a := testApp()

	assert.Nil(t, a.UsageReporter())

	s, err := a.Scheduler()
	require.NoError(t, err)
	assert.Equal(t, []string{JobCapsuleDelivery}, s.Jobs())
}

func TestScheduler_WithBilling(t *testing.T) {
	a := testApp()
	a.Config.Stripe.SecretKey = "sk_test"
	a.Gateway = billing.NewStripeGateway(a.Config.Stripe, nil)

	assert.NotNil(t, a.UsageReporter())

	s, err := a.Scheduler()
	require.NoError(t, err)
	assert.Equal(t, []string{JobCapsuleDelivery, JobUsageReport}, s.Jobs())
}

func TestScheduler_JobsDisabled(t *testing.T) {
	a := testApp()
	a.Config.Delivery.Enabled = false
	a.Config.Usage.Enabled = false

	s, err := a.Scheduler()
	require.NoError(t, err)
	assert.Empty(t, s.Jobs())
}

func TestLocker(t *testing.T) {
	a := testApp()
	assert.IsType(t, jobs.LocalLocker{}, a.Locker())

	mr := miniredis.RunT(t)
	a.Redis = redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = a.Redis.Close() })
	assert.IsType(t, &jobs.RedisLocker{}, a.Locker())
}

func TestClose_RunsInReverseOrder(t *testing.T) {
	a := testApp()
	var order []string
	a.onClose("first", func(ctx context.Context) error { order = append(order, "first"); return nil })
	a.onClose("second", func(ctx context.Context) error { order = append(order, "second"); return errors.New("boom") })

	err := a.Close(context.Background())

	assert.ErrorContains(t, err, "second: boom")
	assert.Equal(t, []string{"second", "first"}, order)
	assert.NoError(t, a.Close(context.Background()))
}
