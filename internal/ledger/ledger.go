// Package ledger owns every mutation of a user's credit balance.
package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/goodtune/avatarminutes/internal/metrics"
	"github.com/goodtune/avatarminutes/internal/storage"
	"github.com/goodtune/avatarminutes/internal/tracing"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var (
	// ErrInvalidAmount is returned for minute amounts outside 1..storage.MaxCredits.
	ErrInvalidAmount = errors.New("ledger: minutes out of range")

	// ErrBalanceLimit is returned when a credit would push the balance past storage.MaxCredits.
	ErrBalanceLimit = errors.New("ledger: balance limit exceeded")

	// ErrProfileNotFound is returned when the user has no profile.
	ErrProfileNotFound = errors.New("ledger: profile not found")

	// ErrInsufficientCredits matches any *InsufficientCreditsError.
	ErrInsufficientCredits = errors.New("ledger: insufficient credits")
)

// InsufficientCreditsError reports a rejected reservation.
type InsufficientCreditsError struct {
	Available int
	Required  int
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits: available %d, required %d", e.Available, e.Required)
}

// Is makes errors.Is(err, ErrInsufficientCredits) match.
func (e *InsufficientCreditsError) Is(target error) bool {
	return target == ErrInsufficientCredits
}

// Ledger applies balance changes through the store's atomic primitives.
type Ledger struct {
	profiles storage.ProfileStore
	logger   zerolog.Logger
}

// New creates a ledger over profiles.
func New(profiles storage.ProfileStore, logger zerolog.Logger) *Ledger {
	return &Ledger{
		profiles: profiles,
		logger:   logger.With().Str("component", "ledger").Logger(),
	}
}

// Balance returns the user's current balance.
func (l *Ledger) Balance(ctx context.Context, userID string) (int, error) {
	profile, err := l.profiles.Get(ctx, userID)
	if err != nil {
		return 0, mapErr(err)
	}
	return profile.CreditsInMinutes, nil
}

// Reserve debits minutes up front. It fails with *InsufficientCreditsError
// without changing the balance when the user cannot afford them.
func (l *Ledger) Reserve(ctx context.Context, userID string, minutes int) (int, error) {
	return l.apply(ctx, "reserve", userID, minutes, l.profiles.Reserve)
}

// Release returns reserved minutes after a start could not complete.
func (l *Ledger) Release(ctx context.Context, userID string, minutes int) (int, error) {
	return l.apply(ctx, "release", userID, minutes, l.profiles.Release)
}

// Settle debits minutes, clamping the balance at zero.
func (l *Ledger) Settle(ctx context.Context, userID string, minutes int) (int, error) {
	return l.apply(ctx, "settle", userID, minutes, l.profiles.Settle)
}

// TopUp credits purchased minutes.
func (l *Ledger) TopUp(ctx context.Context, userID string, minutes int) (int, error) {
	return l.apply(ctx, "top_up", userID, minutes, l.profiles.TopUp)
}

type balanceOp func(ctx context.Context, id string, minutes int) (int, error)

func (l *Ledger) apply(ctx context.Context, op, userID string, minutes int, fn balanceOp) (int, error) {
	ctx, span := tracing.StartSpan(ctx, "ledger."+op, trace.WithAttributes(
		attribute.String("user.id", userID),
		attribute.Int("ledger.minutes", minutes),
	))
	defer span.End()

	if minutes <= 0 || minutes > storage.MaxCredits {
		metrics.LedgerOperations.WithLabelValues(op, "invalid").Inc()
		return 0, ErrInvalidAmount
	}

	balance, err := fn(ctx, userID, minutes)
	if err != nil {
		if errors.Is(err, storage.ErrInsufficientCredits) {
			metrics.LedgerOperations.WithLabelValues(op, "insufficient").Inc()
			span.SetAttributes(attribute.Int("ledger.available", balance))
			l.logger.Info().
				Str("user_id", userID).
				Int("available", balance).
				Int("required", minutes).
				Msg("Reservation rejected")
			return balance, &InsufficientCreditsError{Available: balance, Required: minutes}
		}
		if errors.Is(err, storage.ErrBalanceOverflow) {
			metrics.LedgerOperations.WithLabelValues(op, "limit").Inc()
			l.logger.Warn().
				Str("operation", op).
				Str("user_id", userID).
				Int("balance", balance).
				Int("minutes", minutes).
				Msg("Balance limit reached")
			return balance, ErrBalanceLimit
		}
		metrics.LedgerOperations.WithLabelValues(op, "error").Inc()
		tracing.RecordError(span, err)
		return 0, mapErr(err)
	}

	metrics.LedgerOperations.WithLabelValues(op, "ok").Inc()
	metrics.CreditMinutes.WithLabelValues(op).Add(float64(minutes))
	span.SetAttributes(attribute.Int("ledger.balance", balance))

	l.logger.Debug().
		Str("operation", op).
		Str("user_id", userID).
		Int("minutes", minutes).
		Int("balance", balance).
		Msg("Ledger updated")

	return balance, nil
}

func mapErr(err error) error {
	if errors.Is(err, storage.ErrNotFound) {
		return ErrProfileNotFound
	}
	return fmt.Errorf("ledger: %w", err)
}
