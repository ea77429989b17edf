package bolt

import (
	"context"

	"github.com/goodtune/avatarminutes/internal/storage"
	"go.etcd.io/bbolt"
)

// paymentStore keys payments by reference, which makes the
// uniqueness check and the insert one transaction.
type paymentStore struct {
	db *bbolt.DB
}

func (s *paymentStore) GetByReference(ctx context.Context, reference string) (*storage.Payment, error) {
	return getBucketValue[storage.Payment](ctx, s.db, bucketPayments, reference)
}

func (s *paymentStore) Insert(ctx context.Context, payment storage.Payment) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if tx.Bucket([]byte(bucketPayments)).Get([]byte(payment.PaymentReference)) != nil {
			return storage.ErrDuplicatePayment
		}
		if err := writeValue(tx, bucketPayments, payment.PaymentReference, payment); err != nil {
			return err
		}
		byUser, err := ensureIndexBucket(tx, indexUserPayments, payment.UserID)
		if err != nil {
			return err
		}
		return byUser.Put([]byte(payment.PaymentReference), nil)
	})
}

func (s *paymentStore) ListByUser(ctx context.Context, userID string) ([]storage.Payment, error) {
	payments := make([]storage.Payment, 0)
	err := s.db.View(func(tx *bbolt.Tx) error {
		byUser := indexBucket(tx, indexUserPayments, userID)
		if byUser == nil {
			return nil
		}
		return byUser.ForEach(func(k, _ []byte) error {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			payment, err := readValue[storage.Payment](tx, bucketPayments, string(k))
			if err != nil {
				return err
			}
			payments = append(payments, *payment)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return payments, nil
}
