// Package postgres implements storage.Store on PostgreSQL. Balance changes
// and status transitions are single conditional UPDATE statements, so
// concurrent callers are serialized by row locks.
package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/goodtune/avatarminutes/internal/config"
	"github.com/goodtune/avatarminutes/internal/storage"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store implements the storage.Store interface using PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// Open connects to PostgreSQL and ensures the schema exists.
func Open(ctx context.Context, cfg config.PostgresConfig) (*Store, error) {
	poolCfg, err := pgxpool.ParseConfig(strings.TrimSpace(cfg.URL))
	if err != nil {
		return nil, fmt.Errorf("parse postgres url: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &Store{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS profiles (
			id TEXT PRIMARY KEY,
			email TEXT NOT NULL DEFAULT '',
			credits_in_minutes INTEGER NOT NULL DEFAULT 0 CHECK (credits_in_minutes >= 0),
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL REFERENCES profiles(id) ON DELETE CASCADE,
			avatar_id TEXT NOT NULL,
			voice_id TEXT NOT NULL DEFAULT '',
			context_id TEXT NOT NULL,
			vendor_session_id TEXT NOT NULL DEFAULT '',
			session_token TEXT NOT NULL DEFAULT '',
			duration_minutes INTEGER NOT NULL CHECK (duration_minutes >= 1),
			start_time TIMESTAMPTZ NOT NULL,
			end_time TIMESTAMPTZ NOT NULL,
			status TEXT NOT NULL CHECK (status IN ('active', 'terminated', 'cleaned')),
			minutes_used INTEGER NOT NULL DEFAULT 0,
			ended_at TIMESTAMPTZ NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions (user_id, created_at DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_active_end ON sessions (end_time) WHERE status = 'active';`,
		`CREATE TABLE IF NOT EXISTS payments (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL REFERENCES profiles(id) ON DELETE CASCADE,
			package_minutes INTEGER NOT NULL CHECK (package_minutes > 0),
			amount_eur DOUBLE PRECISION NOT NULL,
			payment_reference TEXT NOT NULL UNIQUE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_payments_user ON payments (user_id, created_at DESC);`,
		`CREATE TABLE IF NOT EXISTS settings (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

// Close closes the connection pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// Profiles returns the profile store.
func (s *Store) Profiles() storage.ProfileStore { return &profileStore{pool: s.pool} }

// Sessions returns the session store.
func (s *Store) Sessions() storage.SessionStore { return &sessionStore{pool: s.pool} }

// Payments returns the payment store.
func (s *Store) Payments() storage.PaymentStore { return &paymentStore{pool: s.pool} }

// Settings returns the settings store.
func (s *Store) Settings() storage.SettingsStore { return &settingsStore{pool: s.pool} }
