package storage

import (
	"context"
	"errors"
	"math"
	"time"
)

// MaxCredits bounds every stored balance and every single ledger amount.
// It matches the PostgreSQL INTEGER column so all backends agree.
const MaxCredits = math.MaxInt32

var (
	// ErrNotFound is returned when a record is missing from storage.
	ErrNotFound = errors.New("storage: record not found")

	// ErrAlreadyExists is returned when creating a record whose key is taken.
	ErrAlreadyExists = errors.New("storage: record already exists")

	// ErrInsufficientCredits is returned by Reserve when the balance is too low.
	ErrInsufficientCredits = errors.New("storage: insufficient credits")

	// ErrBalanceOverflow is returned when a credit would push a balance past MaxCredits.
	ErrBalanceOverflow = errors.New("storage: balance limit exceeded")

	// ErrSessionNotActive is returned by Finalize when the session already left active.
	ErrSessionNotActive = errors.New("storage: session not active")

	// ErrDuplicatePayment is returned by Insert when the payment reference was already applied.
	ErrDuplicatePayment = errors.New("storage: duplicate payment reference")
)

// Store represents the root storage interface.
type Store interface {
	Close() error
	Profiles() ProfileStore
	Sessions() SessionStore
	Payments() PaymentStore
	Settings() SettingsStore
}

// ProfileStore manages credit balances.
//
// Reserve, Release, Settle and TopUp are each a single atomic
// read-modify-write on the profile and return the resulting balance.
// Callers must pass minutes > 0.
type ProfileStore interface {
	Get(ctx context.Context, id string) (*Profile, error)
	Create(ctx context.Context, profile Profile) error

	// Reserve decrements the balance by minutes. When the balance is lower
	// than minutes it returns the unchanged balance and ErrInsufficientCredits.
	Reserve(ctx context.Context, id string, minutes int) (int, error)

	// Release increments the balance to undo a prior Reserve.
	Release(ctx context.Context, id string, minutes int) (int, error)

	// Settle decrements the balance by minutes, clamped at zero.
	Settle(ctx context.Context, id string, minutes int) (int, error)

	// TopUp increments the balance by purchased minutes.
	TopUp(ctx context.Context, id string, minutes int) (int, error)
}

// SessionStore manages session records.
type SessionStore interface {
	Create(ctx context.Context, session Session) error
	Get(ctx context.Context, id string) (*Session, error)
	ListByUser(ctx context.Context, userID string) ([]Session, error)
	ListActiveByUser(ctx context.Context, userID string) ([]Session, error)

	// ListExpired returns active sessions whose end time is before cutoff.
	ListExpired(ctx context.Context, cutoff time.Time) ([]Session, error)

	// Finalize moves an active session to a terminal status. The write only
	// applies while the stored status is still active; otherwise the current
	// record is returned with ErrSessionNotActive.
	Finalize(ctx context.Context, id string, status SessionStatus, minutesUsed int, endedAt time.Time) (*Session, error)
}

// PaymentStore manages applied payments, unique by reference.
type PaymentStore interface {
	GetByReference(ctx context.Context, reference string) (*Payment, error)
	Insert(ctx context.Context, payment Payment) error
	ListByUser(ctx context.Context, userID string) ([]Payment, error)
}

// SettingsStore manages string key/value configuration rows.
type SettingsStore interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
}
