package redis

import (
	"context"
	"errors"

	"github.com/goodtune/avatarminutes/internal/storage"
	"github.com/redis/go-redis/v9"
)

type settingsStore struct {
	client *redis.Client
	keys   keys
}

// Get returns a setting value
func (s *settingsStore) Get(ctx context.Context, key string) (string, error) {
	value, err := s.client.HGet(ctx, s.keys.settings(), key).Result()
	if errors.Is(err, redis.Nil) {
		return "", storage.ErrNotFound
	}
	return value, err
}

// Set stores a setting value
func (s *settingsStore) Set(ctx context.Context, key, value string) error {
	return s.client.HSet(ctx, s.keys.settings(), key, value).Err()
}
