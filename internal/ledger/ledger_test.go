package ledger

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"sync"
	"testing"

	"github.com/goodtune/avatarminutes/internal/storage"
	"github.com/goodtune/avatarminutes/internal/storage/bolt"
	"github.com/goodtune/avatarminutes/internal/storage/storetest"
	"github.com/rs/zerolog"
)

func newTestLedger(t *testing.T) (*Ledger, storage.Store) {
	t.Helper()

	store, err := bolt.Open(filepath.Join(t.TempDir(), "ledger.bolt"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	return New(store.Profiles(), zerolog.Nop()), store
}

func TestReserve(t *testing.T) {
	l, store := newTestLedger(t)
	ctx := context.Background()
	profile := storetest.NewProfile(t, store, 10)

	balance, err := l.Reserve(ctx, profile.ID, 5)
	if err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}
	if balance != 5 {
		t.Errorf("Expected balance 5, got %d", balance)
	}

	_, err = l.Reserve(ctx, profile.ID, 6)
	var insufficient *InsufficientCreditsError
	if !errors.As(err, &insufficient) {
		t.Fatalf("Expected InsufficientCreditsError, got %v", err)
	}
	if insufficient.Available != 5 || insufficient.Required != 6 {
		t.Errorf("Expected available 5 required 6, got %+v", insufficient)
	}
	if !errors.Is(err, ErrInsufficientCredits) {
		t.Error("Expected errors.Is to match ErrInsufficientCredits")
	}
}

func TestInvalidAmounts(t *testing.T) {
	l, store := newTestLedger(t)
	ctx := context.Background()
	profile := storetest.NewProfile(t, store, 10)

	ops := map[string]func(context.Context, string, int) (int, error){
		"reserve": l.Reserve,
		"release": l.Release,
		"settle":  l.Settle,
		"top_up":  l.TopUp,
	}

	for name, op := range ops {
		for _, minutes := range []int{0, -3, storage.MaxCredits + 1, math.MaxInt} {
			if _, err := op(ctx, profile.ID, minutes); !errors.Is(err, ErrInvalidAmount) {
				t.Errorf("%s(%d): expected ErrInvalidAmount, got %v", name, minutes, err)
			}
		}
	}

	if got, _ := l.Balance(ctx, profile.ID); got != 10 {
		t.Errorf("Expected balance untouched at 10, got %d", got)
	}
}

func TestTopUpBalanceLimit(t *testing.T) {
	l, store := newTestLedger(t)
	ctx := context.Background()
	profile := storetest.NewProfile(t, store, 10)

	balance, err := l.TopUp(ctx, profile.ID, storage.MaxCredits)
	if !errors.Is(err, ErrBalanceLimit) {
		t.Fatalf("Expected ErrBalanceLimit, got %v", err)
	}
	if balance != 10 {
		t.Errorf("Expected reported balance 10, got %d", balance)
	}
	if got, _ := l.Balance(ctx, profile.ID); got != 10 {
		t.Errorf("Expected balance untouched at 10, got %d", got)
	}
}

func TestProfileNotFound(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	if _, err := l.Reserve(ctx, "missing", 1); !errors.Is(err, ErrProfileNotFound) {
		t.Errorf("Expected ErrProfileNotFound from Reserve, got %v", err)
	}
	if _, err := l.TopUp(ctx, "missing", 1); !errors.Is(err, ErrProfileNotFound) {
		t.Errorf("Expected ErrProfileNotFound from TopUp, got %v", err)
	}
	if _, err := l.Balance(ctx, "missing"); !errors.Is(err, ErrProfileNotFound) {
		t.Errorf("Expected ErrProfileNotFound from Balance, got %v", err)
	}
}

func TestBalanceNeverNegative(t *testing.T) {
	l, store := newTestLedger(t)
	ctx := context.Background()
	profile := storetest.NewProfile(t, store, 4)

	steps := []struct {
		op      string
		minutes int
	}{
		{"reserve", 3},
		{"settle", 10},
		{"reserve", 1},
		{"top_up", 2},
		{"settle", 1},
		{"reserve", 5},
		{"release", 3},
		{"settle", 100},
	}

	for _, step := range steps {
		var err error
		switch step.op {
		case "reserve":
			_, err = l.Reserve(ctx, profile.ID, step.minutes)
		case "release":
			_, err = l.Release(ctx, profile.ID, step.minutes)
		case "settle":
			_, err = l.Settle(ctx, profile.ID, step.minutes)
		case "top_up":
			_, err = l.TopUp(ctx, profile.ID, step.minutes)
		}
		if err != nil && !errors.Is(err, ErrInsufficientCredits) {
			t.Fatalf("%s(%d) failed: %v", step.op, step.minutes, err)
		}

		balance, err := l.Balance(ctx, profile.ID)
		if err != nil {
			t.Fatalf("Balance failed: %v", err)
		}
		if balance < 0 {
			t.Fatalf("Balance went negative after %s(%d): %d", step.op, step.minutes, balance)
		}
	}
}

func TestConcurrentReserveSingleWinner(t *testing.T) {
	l, store := newTestLedger(t)
	ctx := context.Background()
	profile := storetest.NewProfile(t, store, 5)

	var (
		wg   sync.WaitGroup
		errs = make([]error, 2)
	)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = l.Reserve(ctx, profile.ID, 5)
		}(i)
	}
	wg.Wait()

	successes, rejected := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			successes++
		case errors.Is(err, ErrInsufficientCredits):
			rejected++
		default:
			t.Fatalf("Unexpected error: %v", err)
		}
	}
	if successes != 1 || rejected != 1 {
		t.Errorf("Expected 1 success and 1 rejection, got %d and %d", successes, rejected)
	}
}
