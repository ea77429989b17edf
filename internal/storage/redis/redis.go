package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/goodtune/avatarminutes/internal/config"
	"github.com/goodtune/avatarminutes/internal/storage"
	"github.com/redis/go-redis/v9"
)

const defaultKeyPrefix = "avatarminutes"

// Store implements the storage.Store interface using Redis
type Store struct {
	client        *redis.Client
	profileStore  *profileStore
	sessionStore  *sessionStore
	paymentStore  *paymentStore
	settingsStore *settingsStore
}

// Open creates a new Redis-backed storage instance
func Open(cfg config.RedisConfig) (*Store, error) {
	dialTimeout, err := time.ParseDuration(cfg.DialTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid dial_timeout: %w", err)
	}

	readTimeout, err := time.ParseDuration(cfg.ReadTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid read_timeout: %w", err)
	}

	writeTimeout, err := time.ParseDuration(cfg.WriteTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid write_timeout: %w", err)
	}

	addr := cfg.Host
	if cfg.Port > 0 {
		addr = fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	}

	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  dialTimeout,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	k := keys{prefix: prefix}

	return &Store{
		client:        client,
		profileStore:  &profileStore{client: client, keys: k},
		sessionStore:  &sessionStore{client: client, keys: k},
		paymentStore:  &paymentStore{client: client, keys: k},
		settingsStore: &settingsStore{client: client, keys: k},
	}, nil
}

// Close closes the Redis connection
func (s *Store) Close() error {
	return s.client.Close()
}

// Profiles returns the ProfileStore implementation
func (s *Store) Profiles() storage.ProfileStore {
	return s.profileStore
}

// Sessions returns the SessionStore implementation
func (s *Store) Sessions() storage.SessionStore {
	return s.sessionStore
}

// Payments returns the PaymentStore implementation
func (s *Store) Payments() storage.PaymentStore {
	return s.paymentStore
}

// Settings returns the SettingsStore implementation
func (s *Store) Settings() storage.SettingsStore {
	return s.settingsStore
}

// keys builds the namespaced key layout.
type keys struct {
	prefix string
}

func (k keys) profile(id string) string {
	return fmt.Sprintf("%s:profile:%s", k.prefix, id)
}

func (k keys) session(id string) string {
	return fmt.Sprintf("%s:session:%s", k.prefix, id)
}

func (k keys) userSessions(userID string) string {
	return fmt.Sprintf("%s:sessions:user:%s", k.prefix, userID)
}

// activeSessions is a sorted set of active session IDs scored by end time (unix us).
func (k keys) activeSessions() string {
	return fmt.Sprintf("%s:sessions:active", k.prefix)
}

func (k keys) payment(reference string) string {
	return fmt.Sprintf("%s:payment:%s", k.prefix, reference)
}

func (k keys) userPayments(userID string) string {
	return fmt.Sprintf("%s:payments:user:%s", k.prefix, userID)
}

func (k keys) settings() string {
	return fmt.Sprintf("%s:settings", k.prefix)
}
