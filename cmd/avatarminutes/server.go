package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/goodtune/avatarminutes/internal/api"
	"github.com/goodtune/avatarminutes/internal/config"
	"github.com/goodtune/avatarminutes/internal/lifecycle"
	"github.com/goodtune/avatarminutes/internal/metrics"
	"github.com/goodtune/avatarminutes/internal/supervisor"
	"github.com/goodtune/avatarminutes/internal/systemd"
	"github.com/goodtune/avatarminutes/internal/tracing"
	"github.com/spf13/cobra"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the avatarminutes API server",
	Long:  `Start the HTTP API, the metrics endpoint and the expired-session sweeper.`,
	RunE:  runServer,
}

func init() {
	rootCmd.AddCommand(serverCmd)
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	logger.Info().
		Str("version", version).
		Str("config", configPath).
		Msg("Starting avatarminutes")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Setup(ctx, cfg.Tracing, version)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Error().Err(err).Msg("Failed to flush traces")
		}
	}()

	sdListeners, err := systemd.GetListeners()
	if err != nil {
		return fmt.Errorf("failed to get systemd listeners: %w", err)
	}
	if sdListeners.Activated {
		logger.Info().Msg("Running with systemd socket activation")
	}

	svc, err := buildServices(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := svc.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close storage")
		}
	}()

	logger.Info().Str("type", cfg.Storage.Type).Msg("Storage initialized")

	if cfg.Vendor.APIKey == "" {
		logger.Warn().Msg("vendor.api_key is not set; session start and vendor calls will fail")
	}
	if cfg.Auth.JWTSecret == "" {
		logger.Warn().Msg("auth.jwt_secret is not set; all user requests will be rejected")
	}

	apiAddr := fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.HTTPPort)
	apiServer := api.NewServer(api.Config{
		ListenAddr:        apiAddr,
		ReadTimeout:       config.ParseDuration(cfg.Server.ReadTimeout, 15*time.Second),
		WriteTimeout:      config.ParseDuration(cfg.Server.WriteTimeout, 30*time.Second),
		ShutdownTimeout:   config.ParseDuration(cfg.Server.ShutdownTimeout, 10*time.Second),
		RateLimit:         cfg.API.RateLimit,
		RateLimitWindow:   config.ParseDuration(cfg.API.RateLimitWindow, time.Minute),
		AllowedOrigins:    cfg.API.AllowedOrigins,
		LegacyPassthrough: cfg.API.LegacyPassthrough,
		WebhookSecret:     cfg.API.WebhookSecret,
		CronSecret:        cfg.API.CronSecret,
	}, api.Deps{
		Sessions: svc.sessions,
		Payments: svc.reconciler,
		Vendor:   svc.vendor,
		Verifier: svc.verifier,
	}, logger)
	if sdListeners.API != nil {
		apiServer.SetListener(sdListeners.API)
	}

	tree := supervisor.New("avatarminutes", supervisor.Config{
		ShutdownTimeout: config.ParseDuration(cfg.Server.ShutdownTimeout, 10*time.Second),
	}, logger)
	tree.AddAPIService(apiServer)

	metricsAddr := fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.MetricsPort)
	if cfg.Server.MetricsPort > 0 || sdListeners.Metrics != nil {
		metricsServer := metrics.NewServer(metricsAddr, logger)
		if sdListeners.Metrics != nil {
			metricsServer.SetListener(sdListeners.Metrics)
		}
		tree.AddAPIService(metricsServer)
	}

	if cfg.Billing.SweepEnabled {
		interval := config.ParseDuration(cfg.Billing.SweepInterval, lifecycle.DefaultSweepInterval)
		tree.AddBackgroundService(lifecycle.NewSweeper(svc.sessions, interval, logger))
		logger.Info().Dur("interval", interval).Msg("Session sweeper enabled")
	}

	tree.AddBackgroundService(systemd.NewWatchdog(logger))

	done := tree.ServeBackground(ctx)

	logger.Info().Msg("avatarminutes startup complete")
	logger.Info().Msgf("API: http://%s%s", apiAddr, api.BasePath)
	logger.Info().Msgf("Metrics: http://%s/metrics", metricsAddr)

	if sent, err := systemd.NotifyReady(); err != nil {
		logger.Warn().Err(err).Msg("Failed to send systemd ready notification")
	} else if sent {
		logger.Debug().Msg("Sent systemd ready notification")
	}

	// SIGHUP drops cached settings so price changes apply immediately.
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	var serveErr error
loop:
	for {
		select {
		case <-hup:
			svc.reconciler.PurgeSettings()
			logger.Info().Msg("SIGHUP received, settings cache purged")
		case <-ctx.Done():
			logger.Info().Msg("Shutdown signal received, gracefully stopping...")
			if _, err := systemd.NotifyStopping(); err != nil {
				logger.Warn().Err(err).Msg("Failed to send systemd stopping notification")
			}
			serveErr = <-done
			break loop
		case serveErr = <-done:
			break loop
		}
	}

	if unstopped, _ := tree.UnstoppedServiceReport(); len(unstopped) > 0 {
		for _, u := range unstopped {
			logger.Warn().Str("service", u.Name).Msg("Service failed to stop within timeout")
		}
	}

	if serveErr != nil && !errors.Is(serveErr, context.Canceled) {
		return fmt.Errorf("supervisor exited: %w", serveErr)
	}

	logger.Info().Msg("avatarminutes stopped")
	return nil
}
