package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/goodtune/avatarminutes/internal/storage"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type profileStore struct {
	pool *pgxpool.Pool
}

func (s *profileStore) Get(ctx context.Context, id string) (*storage.Profile, error) {
	var p storage.Profile
	err := s.pool.QueryRow(ctx,
		`SELECT id, email, credits_in_minutes, created_at, updated_at FROM profiles WHERE id = $1`,
		id,
	).Scan(&p.ID, &p.Email, &p.CreditsInMinutes, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get profile: %w", err)
	}
	return &p, nil
}

func (s *profileStore) Create(ctx context.Context, profile storage.Profile) error {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO profiles (id, email, credits_in_minutes, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO NOTHING`,
		profile.ID, profile.Email, profile.CreditsInMinutes, profile.CreatedAt, profile.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create profile: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrAlreadyExists
	}
	return nil
}

func (s *profileStore) Reserve(ctx context.Context, id string, minutes int) (int, error) {
	remaining, err := s.update(ctx,
		`UPDATE profiles SET credits_in_minutes = credits_in_minutes - $2, updated_at = now()
		WHERE id = $1 AND credits_in_minutes >= $2
		RETURNING credits_in_minutes`,
		id, minutes,
	)
	if !errors.Is(err, storage.ErrNotFound) {
		return remaining, err
	}

	// No row matched: either the profile is missing or the balance is short.
	profile, getErr := s.Get(ctx, id)
	if getErr != nil {
		return 0, getErr
	}
	return profile.CreditsInMinutes, storage.ErrInsufficientCredits
}

func (s *profileStore) Release(ctx context.Context, id string, minutes int) (int, error) {
	if minutes > storage.MaxCredits {
		return 0, storage.ErrBalanceOverflow
	}
	remaining, err := s.update(ctx,
		`UPDATE profiles SET credits_in_minutes = credits_in_minutes + $2, updated_at = now()
		WHERE id = $1 AND credits_in_minutes <= 2147483647 - $2
		RETURNING credits_in_minutes`,
		id, minutes,
	)
	if !errors.Is(err, storage.ErrNotFound) {
		return remaining, err
	}

	profile, getErr := s.Get(ctx, id)
	if getErr != nil {
		return 0, getErr
	}
	return profile.CreditsInMinutes, storage.ErrBalanceOverflow
}

func (s *profileStore) Settle(ctx context.Context, id string, minutes int) (int, error) {
	return s.update(ctx,
		`UPDATE profiles SET credits_in_minutes = GREATEST(credits_in_minutes - $2, 0), updated_at = now()
		WHERE id = $1
		RETURNING credits_in_minutes`,
		id, minutes,
	)
}

func (s *profileStore) TopUp(ctx context.Context, id string, minutes int) (int, error) {
	return s.Release(ctx, id, minutes)
}

func (s *profileStore) update(ctx context.Context, query string, id string, minutes int) (int, error) {
	var balance int
	err := s.pool.QueryRow(ctx, query, id, minutes).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, storage.ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("update balance: %w", err)
	}
	return balance, nil
}
