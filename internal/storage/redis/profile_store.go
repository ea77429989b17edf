package redis

import (
	"context"

	"github.com/goodtune/avatarminutes/internal/storage"
	"github.com/redis/go-redis/v9"
)

type profileStore struct {
	client *redis.Client
	keys   keys
}

// Get retrieves a profile by ID
func (s *profileStore) Get(ctx context.Context, id string) (*storage.Profile, error) {
	data, err := s.client.HGetAll(ctx, s.keys.profile(id)).Result()
	if err != nil {
		return nil, err
	}
	return parseProfile(data)
}

// Create stores a new profile
func (s *profileStore) Create(ctx context.Context, profile storage.Profile) error {
	script := redis.NewScript(createProfileScript)

	args := []interface{}{
		profile.ID,
		profile.Email,
		profile.CreditsInMinutes,
		formatTime(profile.CreatedAt),
		formatTime(profile.UpdatedAt),
	}

	created, err := script.Run(ctx, s.client, []string{s.keys.profile(profile.ID)}, args...).Int()
	if err != nil {
		return err
	}
	if created == 0 {
		return storage.ErrAlreadyExists
	}
	return nil
}

// Reserve atomically checks and decrements the balance
func (s *profileStore) Reserve(ctx context.Context, id string, minutes int) (int, error) {
	return runBalanceScript(ctx, s.client, reserveCreditsScript, s.keys.profile(id), minutes)
}

// Release returns previously reserved minutes
func (s *profileStore) Release(ctx context.Context, id string, minutes int) (int, error) {
	return runBalanceScript(ctx, s.client, addCreditsScript, s.keys.profile(id), minutes)
}

// Settle decrements the balance, clamped at zero
func (s *profileStore) Settle(ctx context.Context, id string, minutes int) (int, error) {
	return runBalanceScript(ctx, s.client, settleCreditsScript, s.keys.profile(id), minutes)
}

// TopUp adds purchased minutes
func (s *profileStore) TopUp(ctx context.Context, id string, minutes int) (int, error) {
	return runBalanceScript(ctx, s.client, addCreditsScript, s.keys.profile(id), minutes)
}
