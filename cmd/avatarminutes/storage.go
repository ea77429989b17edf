package main

import (
	"context"
	"fmt"

	"github.com/goodtune/avatarminutes/internal/auth"
	"github.com/goodtune/avatarminutes/internal/clock"
	"github.com/goodtune/avatarminutes/internal/config"
	"github.com/goodtune/avatarminutes/internal/ledger"
	"github.com/goodtune/avatarminutes/internal/lifecycle"
	"github.com/goodtune/avatarminutes/internal/payments"
	"github.com/goodtune/avatarminutes/internal/storage"
	"github.com/goodtune/avatarminutes/internal/storage/bolt"
	"github.com/goodtune/avatarminutes/internal/storage/postgres"
	"github.com/goodtune/avatarminutes/internal/storage/redis"
	"github.com/goodtune/avatarminutes/internal/vendor"
	"github.com/rs/zerolog"
)

func openStorage(ctx context.Context, cfg config.StorageConfig) (storage.Store, error) {
	switch cfg.Type {
	case "", "redis":
		return redis.Open(cfg.Redis)
	case "postgres":
		return postgres.Open(ctx, cfg.Postgres)
	case "bolt":
		return bolt.Open(cfg.Bolt.Path)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s (expected redis, postgres or bolt)", cfg.Type)
	}
}

// services are the domain components shared by the server and the CLI.
type services struct {
	cfg        *config.Config
	store      storage.Store
	ledger     *ledger.Ledger
	vendor     *vendor.Client
	sessions   *lifecycle.Controller
	reconciler *payments.Reconciler
	verifier   *auth.Verifier
}

func buildServices(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*services, error) {
	store, err := openStorage(ctx, cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	l := ledger.New(store.Profiles(), logger)

	vendorClient := vendor.New(vendor.Config{
		BaseURL:     cfg.Vendor.BaseURL,
		ChatBaseURL: cfg.Vendor.ChatBaseURL,
		APIKey:      cfg.Vendor.APIKey,
		Language:    cfg.Vendor.Language,
		Timeout:     config.ParseDuration(cfg.Vendor.Timeout, vendor.DefaultTimeout),
	}, logger)

	controller := lifecycle.New(store, l, vendorClient, clock.RealClock{}, lifecycle.Config{
		GracePeriod: config.ParseDuration(cfg.Billing.GracePeriod, lifecycle.DefaultGracePeriod),
		StopTimeout: config.ParseDuration(cfg.Vendor.StopTimeout, lifecycle.DefaultStopTimeout),
	}, logger)

	reconciler := payments.New(store, l, payments.Config{
		DefaultPricePerMinute: cfg.Billing.DefaultPricePerMinute,
		SettingsTTL:           config.ParseDuration(cfg.Billing.SettingsCacheTTL, payments.DefaultSettingsTTL),
	}, logger)

	verifier := auth.NewVerifier(
		cfg.Auth.JWTSecret,
		cfg.Auth.Audience,
		config.ParseDuration(cfg.Auth.TokenTTL, auth.DefaultTokenExpiration),
	)

	return &services{
		cfg:        cfg,
		store:      store,
		ledger:     l,
		vendor:     vendorClient,
		sessions:   controller,
		reconciler: reconciler,
		verifier:   verifier,
	}, nil
}

func (s *services) Close() error {
	return s.store.Close()
}
