package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/platinummonkey/dtc/pkg/auth"
	"github.com/platinummonkey/dtc/pkg/billing"
	"github.com/platinummonkey/dtc/pkg/capsules"
	"github.com/platinummonkey/dtc/pkg/config"
	"github.com/platinummonkey/dtc/pkg/database"
	"github.com/platinummonkey/dtc/pkg/jobs"
	"github.com/platinummonkey/dtc/pkg/mailer"
	"github.com/platinummonkey/dtc/pkg/observability"
	"github.com/platinummonkey/dtc/pkg/storage"
	"github.com/platinummonkey/dtc/pkg/users"
)

// Job names
const (
	JobUsageReport     = "usage-report"
	JobCapsuleDelivery = "capsule-delivery"
)

// Options control what Bootstrap does beyond connecting
type Options struct {
	// Migrate applies pending schema migrations after connecting
	Migrate bool
	// StripeHTTPClient overrides the Stripe transport
	StripeHTTPClient *http.Client
}

// App holds the connected dependencies and the services built on them
type App struct {
	Config   *config.Config
	Logger   *observability.Logger
	Registry *prometheus.Registry
	Metrics  *observability.Metrics

	DB      *sql.DB
	Redis   *redis.Client
	Objects storage.ObjectStore

	Tokens       *auth.TokenIssuer
	UserStore    *users.PostgresStore
	Users        *users.Service
	CapsuleStore *capsules.PostgresStore
	Capsules     *capsules.Service
	Mailer       *mailer.Mailer

	// Gateway and Billing are nil when billing is disabled
	Gateway *billing.StripeGateway
	Billing *billing.Service

	closers []namedCloser
}

type namedCloser struct {
	name string
	fn   func(context.Context) error
}

// Bootstrap connects to every backing service and builds the domain services
func Bootstrap(ctx context.Context, cfg *config.Config, logger *observability.Logger, opts Options) (*App, error) {
	a := &App{Config: cfg, Logger: logger}

	if cfg.Observability.MetricsEnabled {
		a.Registry = prometheus.NewRegistry()
		a.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		a.Metrics = observability.NewMetrics(a.Registry)
	} else {
		a.Metrics = observability.NewNopMetrics()
	}

	db, err := database.Open(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}
	a.DB = db
	a.onClose("database", func(context.Context) error { return db.Close() })
	logger.Info("Connected to database")

	if opts.Migrate {
		if err := database.RunMigrations(ctx, db, logger); err != nil {
			a.Close(ctx)
			return nil, err
		}
	}

	rdb, err := database.NewRedisClient(ctx, cfg.Redis)
	if err != nil {
		a.Close(ctx)
		return nil, err
	}
	if rdb != nil {
		a.Redis = rdb
		a.onClose("redis", func(context.Context) error { return rdb.Close() })
		logger.Info("Connected to redis")
	} else {
		logger.Warn("Redis not configured, using in-process rate limits and job locks")
	}

	objects, err := storage.New(ctx, cfg.Storage, a.Metrics)
	if err != nil {
		a.Close(ctx)
		return nil, fmt.Errorf("failed to initialize object store: %w", err)
	}
	a.Objects = objects
	logger.WithField("type", cfg.Storage.Type).Info("Object store ready")

	a.Tokens = auth.NewTokenIssuer(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.TokenTTL)
	a.UserStore = users.NewPostgresStore(db)
	a.Users = users.NewService(a.UserStore, auth.NewPasswordHasher(0), a.Tokens, logger.WithField("component", "users"))

	a.CapsuleStore = capsules.NewPostgresStore(db)
	a.Capsules = capsules.NewService(a.CapsuleStore, objects, capsules.Options{
		FreeStorageGB:  cfg.Billing.FreeStorageGB,
		MaxUploadBytes: cfg.Storage.MaxUploadMB << 20,
	}, logger.WithField("component", "capsules"))
	a.Users.SetMediaPurger(a.Capsules)

	a.Mailer = mailer.New(cfg.Mail)

	if cfg.Stripe.Enabled() {
		a.Gateway = billing.NewStripeGateway(cfg.Stripe, opts.StripeHTTPClient)
		a.Billing = billing.NewService(a.UserStore, billing.NewPostgresStore(db), a.Gateway,
			cfg.Stripe.WebhookSecret, cfg.Billing.PaidPeriod, a.Metrics, logger.WithField("component", "billing"))
		logger.Info("Billing enabled")
	} else {
		logger.Warn("Stripe secret key not set, billing disabled")
	}

	return a, nil
}

func (a *App) onClose(name string, fn func(context.Context) error) {
	a.closers = append(a.closers, namedCloser{name: name, fn: fn})
}

// Close releases connections in reverse order of creation
func (a *App) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.fn(ctx); err != nil {
			a.Logger.WithError(err).WithField("component", c.name).Error("Failed to close")
			errs = append(errs, fmt.Errorf("%s: %w", c.name, err))
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// HealthChecker probes the database, redis and the object store
func (a *App) HealthChecker(version string) *observability.HealthChecker {
	return observability.NewHealthChecker(a.DB, a.Redis, a.Objects, version)
}

// UsageReporter builds the metered usage reporter, or nil without billing
func (a *App) UsageReporter() *billing.UsageReporter {
	if a.Gateway == nil {
		return nil
	}
	u := a.Config.Usage
	return billing.NewUsageReporter(a.UserStore, a.Gateway, billing.UsageOptions{
		EventName: a.Config.Stripe.MeterEventName,
		Lookahead: u.Lookahead,
		Retry: billing.RetryConfig{
			MaxRetries:        u.MaxRetries,
			InitialDelay:      u.InitialDelay,
			BackoffMultiplier: u.Multiplier,
		},
		Concurrency: u.Concurrency,
	}, a.Metrics, a.Logger)
}

// DeliveryJob builds the capsule delivery job
func (a *App) DeliveryJob() *capsules.DeliveryJob {
	d := a.Config.Delivery
	return capsules.NewDeliveryJob(a.CapsuleStore, a.Mailer, a.Tokens, capsules.DeliveryOptions{
		BatchSize:   d.BatchSize,
		MaxAttempts: d.MaxAttempts,
		Concurrency: d.Concurrency,
		BaseURL:     a.Config.Mail.BaseURL,
		LinkTTL:     a.Config.Mail.MediaLinkTTL,
	}, a.Metrics, a.Logger)
}

// Locker returns a redis lock when redis is configured so that only one
// worker runs each job at a time
func (a *App) Locker() jobs.Locker {
	if a.Redis != nil {
		return jobs.NewRedisLocker(a.Redis, "")
	}
	return jobs.LocalLocker{}
}

// Scheduler registers the enabled background jobs
func (a *App) Scheduler() (*jobs.Scheduler, error) {
	s := jobs.NewScheduler(a.Locker(), a.Logger)

	if a.Config.Usage.Enabled {
		if reporter := a.UsageReporter(); reporter != nil {
			err := s.Register(jobs.Job{
				Name:     JobUsageReport,
				Schedule: a.Config.Usage.Schedule,
				LockTTL:  6 * time.Hour,
				Run: func(ctx context.Context) error {
					_, err := reporter.Run(ctx)
					return err
				},
			})
			if err != nil {
				return nil, err
			}
		} else {
			a.Logger.Info("Usage reporting skipped, billing disabled")
		}
	}

	if a.Config.Delivery.Enabled {
		delivery := a.DeliveryJob()
		err := s.Register(jobs.Job{
			Name:     JobCapsuleDelivery,
			Schedule: a.Config.Delivery.Schedule,
			LockTTL:  30 * time.Minute,
			Run: func(ctx context.Context) error {
				_, err := delivery.Run(ctx)
				return err
			},
		})
		if err != nil {
			return nil, err
		}
	}

	return s, nil
}
