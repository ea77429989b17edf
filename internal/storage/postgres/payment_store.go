package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/goodtune/avatarminutes/internal/storage"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type paymentStore struct {
	pool *pgxpool.Pool
}

func (s *paymentStore) GetByReference(ctx context.Context, reference string) (*storage.Payment, error) {
	var p storage.Payment
	err := s.pool.QueryRow(ctx,
		`SELECT id, user_id, package_minutes, amount_eur, payment_reference, created_at
		FROM payments WHERE payment_reference = $1`,
		reference,
	).Scan(&p.ID, &p.UserID, &p.PackageMinutes, &p.AmountEUR, &p.PaymentReference, &p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get payment: %w", err)
	}
	return &p, nil
}

func (s *paymentStore) Insert(ctx context.Context, payment storage.Payment) error {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO payments (id, user_id, package_minutes, amount_eur, payment_reference, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (payment_reference) DO NOTHING`,
		payment.ID, payment.UserID, payment.PackageMinutes, payment.AmountEUR,
		payment.PaymentReference, payment.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert payment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrDuplicatePayment
	}
	return nil
}

func (s *paymentStore) ListByUser(ctx context.Context, userID string) ([]storage.Payment, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, package_minutes, amount_eur, payment_reference, created_at
		FROM payments WHERE user_id = $1 ORDER BY created_at DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list payments: %w", err)
	}
	defer rows.Close()

	payments := make([]storage.Payment, 0)
	for rows.Next() {
		var p storage.Payment
		if err := rows.Scan(&p.ID, &p.UserID, &p.PackageMinutes, &p.AmountEUR, &p.PaymentReference, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan payment: %w", err)
		}
		payments = append(payments, p)
	}
	return payments, rows.Err()
}
