package redis

import (
	"context"
	"strconv"

	"github.com/goodtune/avatarminutes/internal/storage"
	"github.com/redis/go-redis/v9"
)

type paymentStore struct {
	client *redis.Client
	keys   keys
}

// GetByReference retrieves a payment by its external reference
func (s *paymentStore) GetByReference(ctx context.Context, reference string) (*storage.Payment, error) {
	data, err := s.client.HGetAll(ctx, s.keys.payment(reference)).Result()
	if err != nil {
		return nil, err
	}
	return parsePayment(data)
}

// Insert records a payment, failing on a reused reference
func (s *paymentStore) Insert(ctx context.Context, payment storage.Payment) error {
	script := redis.NewScript(insertPaymentScript)

	keys := []string{
		s.keys.payment(payment.PaymentReference),
		s.keys.userPayments(payment.UserID),
	}
	args := []interface{}{
		payment.ID,
		payment.UserID,
		payment.PackageMinutes,
		strconv.FormatFloat(payment.AmountEUR, 'f', -1, 64),
		payment.PaymentReference,
		formatTime(payment.CreatedAt),
	}

	inserted, err := script.Run(ctx, s.client, keys, args...).Int()
	if err != nil {
		return err
	}
	if inserted == 0 {
		return storage.ErrDuplicatePayment
	}
	return nil
}

// ListByUser returns all payments applied to a user
func (s *paymentStore) ListByUser(ctx context.Context, userID string) ([]storage.Payment, error) {
	refs, err := s.client.SMembers(ctx, s.keys.userPayments(userID)).Result()
	if err != nil {
		return nil, err
	}

	hashKeys := make([]string, len(refs))
	for i, ref := range refs {
		hashKeys[i] = s.keys.payment(ref)
	}

	hashes, err := fetchHashes(ctx, s.client, hashKeys)
	if err != nil {
		return nil, err
	}

	payments := make([]storage.Payment, 0, len(hashes))
	for _, data := range hashes {
		payment, err := parsePayment(data)
		if err != nil {
			continue
		}
		payments = append(payments, *payment)
	}
	return payments, nil
}
