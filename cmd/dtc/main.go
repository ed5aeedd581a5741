package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"

	"github.com/platinummonkey/dtc/pkg/api"
	"github.com/platinummonkey/dtc/pkg/app"
	"github.com/platinummonkey/dtc/pkg/config"
	"github.com/platinummonkey/dtc/pkg/middleware"
	"github.com/platinummonkey/dtc/pkg/observability"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}

	logger, closeLog := cfg.Observability.NewLogger()
	if closeLog != nil {
		defer closeLog()
	}
	logger = logger.WithField("service", "dtc-api").WithField("version", version)

	ctx, stop := observability.NotifyContext(context.Background())
	defer stop()

	otelProviders, err := observability.InitOTel(ctx, cfg.Observability.OTel(), logger)
	if err != nil {
		return err
	}

	a, err := app.Bootstrap(ctx, cfg, logger, app.Options{Migrate: true})
	if err != nil {
		_ = observability.ShutdownOTel(context.Background(), otelProviders)
		return err
	}

	authn := middleware.NewAuthenticator(a.Tokens, a.UserStore, middleware.AuthOptions{
		CacheTTL:  cfg.Auth.UserCacheTTL,
		CacheSize: cfg.Auth.UserCacheSize,
	})

	limitCfg := middleware.RateLimitConfig{
		RequestsPerWindow: cfg.Auth.LoginRateLimit,
		WindowDuration:    cfg.Auth.LoginRateWindow,
	}
	var limiter middleware.Limiter
	if a.Redis != nil {
		limiter = middleware.NewDistributedRateLimiter(a.Redis, limitCfg, "")
	} else {
		local := middleware.NewRateLimiter(limitCfg)
		local.StartCleanup(ctx)
		limiter = local
	}

	deps := api.Deps{
		Accounts:     a.Users,
		Capsules:     a.Capsules,
		MediaLinks:   a.Tokens,
		Auth:         authn,
		LoginLimiter: limiter,
		Health:       a.HealthChecker(version),
		Registry:     a.Registry,
		Metrics:      a.Metrics,
		Logger:       logger,
	}
	// A nil *billing.Service must stay an untyped nil interface
	if a.Billing != nil {
		deps.Billing = a.Billing
	}
	server := api.NewServer(deps, api.Options{
		CORSOrigins:    cfg.Server.CORSOrigins,
		MaxUploadBytes: cfg.Server.MaxUploadBytes,
	})

	httpServer := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      server,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	shutdown := observability.NewShutdownManager(logger, httpServer, cfg.Server.ShutdownTimeout)
	shutdown.Register("otel", func(ctx context.Context) error {
		return observability.ShutdownOTel(ctx, otelProviders)
	})
	shutdown.Register("app", a.Close)

	serveErr := make(chan error, 1)
	go func() {
		logger.WithField("addr", httpServer.Addr).Info("Starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			logger.WithError(err).Error("HTTP server failed")
			stop()
			_ = shutdown.Shutdown(context.Background())
			return err
		}
	case <-ctx.Done():
	}
	return shutdown.WaitForShutdown(ctx)
}
