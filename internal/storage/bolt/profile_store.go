package bolt

import (
	"context"
	"time"

	"github.com/goodtune/avatarminutes/internal/storage"
	"go.etcd.io/bbolt"
)

type profileStore struct {
	db *bbolt.DB
}

func (s *profileStore) Get(ctx context.Context, id string) (*storage.Profile, error) {
	return getBucketValue[storage.Profile](ctx, s.db, bucketProfiles, id)
}

func (s *profileStore) Create(ctx context.Context, profile storage.Profile) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if tx.Bucket([]byte(bucketProfiles)).Get([]byte(profile.ID)) != nil {
			return storage.ErrAlreadyExists
		}
		return writeValue(tx, bucketProfiles, profile.ID, profile)
	})
}

func (s *profileStore) Reserve(ctx context.Context, id string, minutes int) (int, error) {
	return s.adjust(ctx, id, func(balance int) (int, error) {
		if balance < minutes {
			return balance, storage.ErrInsufficientCredits
		}
		return balance - minutes, nil
	})
}

func (s *profileStore) Release(ctx context.Context, id string, minutes int) (int, error) {
	return s.adjust(ctx, id, func(balance int) (int, error) {
		return credit(balance, minutes)
	})
}

func (s *profileStore) Settle(ctx context.Context, id string, minutes int) (int, error) {
	return s.adjust(ctx, id, func(balance int) (int, error) {
		return max(0, balance-minutes), nil
	})
}

func (s *profileStore) TopUp(ctx context.Context, id string, minutes int) (int, error) {
	return s.adjust(ctx, id, func(balance int) (int, error) {
		return credit(balance, minutes)
	})
}

// credit adds minutes unless the result would pass storage.MaxCredits.
func credit(balance, minutes int) (int, error) {
	if minutes > storage.MaxCredits-balance {
		return balance, storage.ErrBalanceOverflow
	}
	return balance + minutes, nil
}

// adjust applies fn to the stored balance inside one write transaction.
// When fn fails the transaction rolls back and its balance is returned.
func (s *profileStore) adjust(ctx context.Context, id string, fn func(balance int) (int, error)) (int, error) {
	var result int
	err := s.db.Update(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		profile, err := readValue[storage.Profile](tx, bucketProfiles, id)
		if err != nil {
			return err
		}
		next, err := fn(profile.CreditsInMinutes)
		result = next
		if err != nil {
			return err
		}
		profile.CreditsInMinutes = next
		profile.UpdatedAt = time.Now().UTC()
		return writeValue(tx, bucketProfiles, id, profile)
	})
	return result, err
}
