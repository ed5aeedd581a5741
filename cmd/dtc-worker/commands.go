package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/spf13/cobra"

	"github.com/platinummonkey/dtc/pkg/app"
	"github.com/platinummonkey/dtc/pkg/config"
	"github.com/platinummonkey/dtc/pkg/database"
	"github.com/platinummonkey/dtc/pkg/observability"
)

// setup loads configuration and connects everything a command needs
func setup(ctx context.Context, migrate bool) (*app.App, func(), error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, nil, err
	}
	logger, closeLog := cfg.Observability.NewLogger()
	logger = logger.WithField("service", "dtc-worker").WithField("version", version)

	otelProviders, err := observability.InitOTel(ctx, cfg.Observability.OTel(), logger)
	if err != nil {
		return nil, nil, err
	}

	a, err := app.Bootstrap(ctx, cfg, logger, app.Options{Migrate: migrate})
	if err != nil {
		_ = observability.ShutdownOTel(context.Background(), otelProviders)
		return nil, nil, err
	}

	cleanup := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_ = a.Close(ctx)
		if err := observability.ShutdownOTel(ctx, otelProviders); err != nil {
			logger.WithError(err).Warn("Failed to flush telemetry")
		}
		if closeLog != nil {
			_ = closeLog()
		}
	}
	return a, cleanup, nil
}

func newRunCommand() *cobra.Command {
	var (
		metricsAddr string
		migrate     bool
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the job scheduler until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := observability.NotifyContext(cmd.Context())
			defer stop()

			a, cleanup, err := setup(ctx, migrate)
			if err != nil {
				return err
			}
			defer cleanup()

			scheduler, err := a.Scheduler()
			if err != nil {
				return err
			}

			var server *http.Server
			if metricsAddr != "" {
				server = newOpsServer(a, metricsAddr)
				go func() {
					if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						a.Logger.WithError(err).Error("Ops server failed")
					}
				}()
			}

			shutdown := observability.NewShutdownManager(a.Logger, server, a.Config.Server.ShutdownTimeout)
			shutdown.Register("scheduler", scheduler.Stop)

			scheduler.Start()
			a.Logger.WithField("jobs", scheduler.Jobs()).Info("Worker started")
			return shutdown.WaitForShutdown(ctx)
		},
	}
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", ":9090", "address for /metrics and health endpoints, empty to disable")
	cmd.Flags().BoolVar(&migrate, "migrate", false, "apply schema migrations before starting")
	return cmd
}

// newOpsServer serves metrics and health checks for the worker
func newOpsServer(a *app.App, addr string) *http.Server {
	router := mux.NewRouter()
	health := a.HealthChecker(version)
	router.HandleFunc("/health/live", health.Liveness).Methods(http.MethodGet)
	router.HandleFunc("/health/ready", health.Readiness).Methods(http.MethodGet)
	if a.Registry != nil {
		router.Handle("/metrics", observability.MetricsHandler(a.Registry)).Methods(http.MethodGet)
	}
	return &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func newReportUsageCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "report-usage",
		Short: "Report storage usage to Stripe once and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := observability.NotifyContext(cmd.Context())
			defer stop()

			a, cleanup, err := setup(ctx, false)
			if err != nil {
				return err
			}
			defer cleanup()

			reporter := a.UsageReporter()
			if reporter == nil {
				return fmt.Errorf("billing is not configured")
			}
			release, err := a.Locker().Acquire(ctx, app.JobUsageReport, 6*time.Hour)
			if err != nil {
				return err
			}
			defer release()

			result, err := reporter.Run(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "candidates=%d reported=%d skipped=%d exhausted=%d\n",
				result.Candidates, result.Reported, result.Skipped, result.Exhausted)
			return nil
		},
	}
}

func newDeliverCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "deliver",
		Short: "Deliver due capsules once and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := observability.NotifyContext(cmd.Context())
			defer stop()

			a, cleanup, err := setup(ctx, false)
			if err != nil {
				return err
			}
			defer cleanup()

			release, err := a.Locker().Acquire(ctx, app.JobCapsuleDelivery, 30*time.Minute)
			if err != nil {
				return err
			}
			defer release()

			result, err := a.DeliveryJob().Run(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "due=%d delivered=%d retrying=%d failed=%d\n",
				result.Due, result.Delivered, result.Retrying, result.Failed)
			return nil
		},
	}
}

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig()
			if err != nil {
				return err
			}
			logger, closeLog := cfg.Observability.NewLogger()
			if closeLog != nil {
				defer closeLog()
			}

			db, err := database.Open(cmd.Context(), cfg.Database)
			if err != nil {
				return err
			}
			defer db.Close()
			return database.RunMigrations(cmd.Context(), db, logger)
		},
	}
}
