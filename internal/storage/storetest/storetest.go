// Package storetest holds behavior checks shared by every storage backend.
package storetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/goodtune/avatarminutes/internal/storage"
	"github.com/google/uuid"
)

// OpenFunc returns a ready store for one subtest. Implementations register
// their own cleanup with t.Cleanup.
type OpenFunc func(t *testing.T) storage.Store

// Run exercises the full storage contract against a backend.
func Run(t *testing.T, open OpenFunc) {
	t.Run("ProfileCreateGet", func(t *testing.T) { testProfileCreateGet(t, open(t)) })
	t.Run("ReserveDecrements", func(t *testing.T) { testReserve(t, open(t)) })
	t.Run("ReserveConcurrent", func(t *testing.T) { testReserveConcurrent(t, open(t)) })
	t.Run("ReleaseSettleTopUp", func(t *testing.T) { testAdjustments(t, open(t)) })
	t.Run("BalanceLimit", func(t *testing.T) { testBalanceLimit(t, open(t)) })
	t.Run("SessionCreateGet", func(t *testing.T) { testSessionCreateGet(t, open(t)) })
	t.Run("SessionListExpired", func(t *testing.T) { testListExpired(t, open(t)) })
	t.Run("SessionListExpiredPrecision", func(t *testing.T) { testListExpiredPrecision(t, open(t)) })
	t.Run("SessionFinalize", func(t *testing.T) { testFinalize(t, open(t)) })
	t.Run("SessionFinalizeRace", func(t *testing.T) { testFinalizeRace(t, open(t)) })
	t.Run("PaymentInsert", func(t *testing.T) { testPayments(t, open(t)) })
	t.Run("Settings", func(t *testing.T) { testSettings(t, open(t)) })
}

// NewProfile creates a profile with a random id and the given balance.
func NewProfile(t *testing.T, store storage.Store, credits int) storage.Profile {
	t.Helper()

	now := time.Now().UTC().Truncate(time.Second)
	id := uuid.NewString()
	profile := storage.Profile{
		ID:               id,
		Email:            id + "@example.test",
		CreditsInMinutes: credits,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := store.Profiles().Create(context.Background(), profile); err != nil {
		t.Fatalf("create profile: %v", err)
	}
	return profile
}

// NewSession builds an active session for userID starting at start.
func NewSession(userID string, start time.Time, minutes int) storage.Session {
	start = start.UTC().Truncate(time.Second)
	return storage.Session{
		ID:              uuid.NewString(),
		UserID:          userID,
		AvatarID:        "avatar-1",
		VoiceID:         "voice-1",
		ContextID:       "context-1",
		VendorSessionID: "vendor-" + uuid.NewString(),
		SessionToken:    "token-" + uuid.NewString(),
		DurationMinutes: minutes,
		StartTime:       start,
		EndTime:         start.Add(time.Duration(minutes) * time.Minute),
		Status:          storage.SessionActive,
		CreatedAt:       start,
	}
}

func balance(t *testing.T, store storage.Store, id string) int {
	t.Helper()

	profile, err := store.Profiles().Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get profile: %v", err)
	}
	return profile.CreditsInMinutes
}

func testProfileCreateGet(t *testing.T, store storage.Store) {
	ctx := context.Background()
	profile := NewProfile(t, store, 12)

	got, err := store.Profiles().Get(ctx, profile.ID)
	if err != nil {
		t.Fatalf("get profile: %v", err)
	}
	if got.Email != profile.Email {
		t.Errorf("expected email %s, got %s", profile.Email, got.Email)
	}
	if got.CreditsInMinutes != 12 {
		t.Errorf("expected 12 credits, got %d", got.CreditsInMinutes)
	}

	if err := store.Profiles().Create(ctx, profile); !errors.Is(err, storage.ErrAlreadyExists) {
		t.Errorf("expected ErrAlreadyExists on duplicate create, got %v", err)
	}

	if _, err := store.Profiles().Get(ctx, uuid.NewString()); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func testReserve(t *testing.T, store storage.Store) {
	ctx := context.Background()
	profile := NewProfile(t, store, 10)

	remaining, err := store.Profiles().Reserve(ctx, profile.ID, 5)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if remaining != 5 {
		t.Errorf("expected 5 remaining, got %d", remaining)
	}

	available, err := store.Profiles().Reserve(ctx, profile.ID, 6)
	if !errors.Is(err, storage.ErrInsufficientCredits) {
		t.Fatalf("expected ErrInsufficientCredits, got %v", err)
	}
	if available != 5 {
		t.Errorf("expected available 5 on rejection, got %d", available)
	}
	if got := balance(t, store, profile.ID); got != 5 {
		t.Errorf("expected balance unchanged at 5, got %d", got)
	}

	// Exact balance is allowed.
	remaining, err = store.Profiles().Reserve(ctx, profile.ID, 5)
	if err != nil {
		t.Fatalf("reserve exact balance: %v", err)
	}
	if remaining != 0 {
		t.Errorf("expected 0 remaining, got %d", remaining)
	}

	if _, err := store.Profiles().Reserve(ctx, uuid.NewString(), 1); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound for missing profile, got %v", err)
	}
}

func testReserveConcurrent(t *testing.T, store storage.Store) {
	ctx := context.Background()
	profile := NewProfile(t, store, 5)

	const attempts = 8
	var (
		wg           sync.WaitGroup
		mu           sync.Mutex
		successes    int
		insufficient int
	)

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.Profiles().Reserve(ctx, profile.ID, 5)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, storage.ErrInsufficientCredits):
				insufficient++
			default:
				t.Errorf("unexpected reserve error: %v", err)
			}
		}()
	}
	wg.Wait()

	if successes != 1 {
		t.Errorf("expected exactly 1 successful reserve, got %d", successes)
	}
	if insufficient != attempts-1 {
		t.Errorf("expected %d rejections, got %d", attempts-1, insufficient)
	}
	if got := balance(t, store, profile.ID); got != 0 {
		t.Errorf("expected balance 0, got %d", got)
	}
}

func testAdjustments(t *testing.T, store storage.Store) {
	ctx := context.Background()
	profile := NewProfile(t, store, 3)

	got, err := store.Profiles().Release(ctx, profile.ID, 4)
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if got != 7 {
		t.Errorf("expected 7 after release, got %d", got)
	}

	got, err = store.Profiles().TopUp(ctx, profile.ID, 15)
	if err != nil {
		t.Fatalf("top up: %v", err)
	}
	if got != 22 {
		t.Errorf("expected 22 after top up, got %d", got)
	}

	got, err = store.Profiles().Settle(ctx, profile.ID, 2)
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if got != 20 {
		t.Errorf("expected 20 after settle, got %d", got)
	}

	got, err = store.Profiles().Settle(ctx, profile.ID, 50)
	if err != nil {
		t.Fatalf("settle overrun: %v", err)
	}
	if got != 0 {
		t.Errorf("expected settle to clamp at 0, got %d", got)
	}
	if b := balance(t, store, profile.ID); b != 0 {
		t.Errorf("expected stored balance 0, got %d", b)
	}

	missing := uuid.NewString()
	if _, err := store.Profiles().TopUp(ctx, missing, 1); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound on top up, got %v", err)
	}
	if _, err := store.Profiles().Settle(ctx, missing, 1); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound on settle, got %v", err)
	}
	if _, err := store.Profiles().Release(ctx, missing, 1); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound on release, got %v", err)
	}
}

func testBalanceLimit(t *testing.T, store storage.Store) {
	ctx := context.Background()
	profile := NewProfile(t, store, 10)

	got, err := store.Profiles().TopUp(ctx, profile.ID, storage.MaxCredits-9)
	if !errors.Is(err, storage.ErrBalanceOverflow) {
		t.Fatalf("expected ErrBalanceOverflow on top up, got %v", err)
	}
	if got != 10 {
		t.Errorf("expected reported balance 10, got %d", got)
	}
	if _, err := store.Profiles().Release(ctx, profile.ID, storage.MaxCredits); !errors.Is(err, storage.ErrBalanceOverflow) {
		t.Errorf("expected ErrBalanceOverflow on release, got %v", err)
	}
	if b := balance(t, store, profile.ID); b != 10 {
		t.Errorf("expected stored balance 10, got %d", b)
	}

	got, err = store.Profiles().TopUp(ctx, profile.ID, storage.MaxCredits-10)
	if err != nil {
		t.Fatalf("top up to the limit: %v", err)
	}
	if got != storage.MaxCredits {
		t.Errorf("expected balance %d, got %d", storage.MaxCredits, got)
	}
	if _, err := store.Profiles().TopUp(ctx, profile.ID, 1); !errors.Is(err, storage.ErrBalanceOverflow) {
		t.Errorf("expected ErrBalanceOverflow past the limit, got %v", err)
	}
	if b := balance(t, store, profile.ID); b != storage.MaxCredits {
		t.Errorf("expected stored balance %d, got %d", storage.MaxCredits, b)
	}
}

func testSessionCreateGet(t *testing.T, store storage.Store) {
	ctx := context.Background()
	profile := NewProfile(t, store, 0)
	now := time.Now()

	first := NewSession(profile.ID, now, 5)
	second := NewSession(profile.ID, now, 10)
	for _, s := range []storage.Session{first, second} {
		if err := store.Sessions().Create(ctx, s); err != nil {
			t.Fatalf("create session: %v", err)
		}
	}

	if err := store.Sessions().Create(ctx, first); !errors.Is(err, storage.ErrAlreadyExists) {
		t.Errorf("expected ErrAlreadyExists on duplicate session, got %v", err)
	}

	got, err := store.Sessions().Get(ctx, first.ID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if got.UserID != profile.ID || got.DurationMinutes != 5 {
		t.Errorf("unexpected session %+v", got)
	}
	if got.Status != storage.SessionActive {
		t.Errorf("expected active status, got %s", got.Status)
	}
	if got.SessionToken != first.SessionToken {
		t.Errorf("expected token %s, got %s", first.SessionToken, got.SessionToken)
	}
	if !got.EndTime.Equal(first.EndTime) {
		t.Errorf("expected end time %s, got %s", first.EndTime, got.EndTime)
	}
	if got.EndedAt != nil {
		t.Errorf("expected no ended_at on active session, got %v", got.EndedAt)
	}

	if _, err := store.Sessions().Get(ctx, uuid.NewString()); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	all, err := store.Sessions().ListByUser(ctx, profile.ID)
	if err != nil {
		t.Fatalf("list by user: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(all))
	}

	if _, err := store.Sessions().Finalize(ctx, second.ID, storage.SessionTerminated, 3, now); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	active, err := store.Sessions().ListActiveByUser(ctx, profile.ID)
	if err != nil {
		t.Fatalf("list active by user: %v", err)
	}
	if len(active) != 1 || active[0].ID != first.ID {
		t.Errorf("expected only %s active, got %+v", first.ID, active)
	}
}

func testListExpired(t *testing.T, store storage.Store) {
	ctx := context.Background()
	profile := NewProfile(t, store, 0)
	now := time.Now().UTC().Truncate(time.Second)

	// Ended 10 minutes ago.
	old := NewSession(profile.ID, now.Add(-15*time.Minute), 5)
	// Ended 2 minutes ago.
	recent := NewSession(profile.ID, now.Add(-7*time.Minute), 5)
	// Still running.
	running := NewSession(profile.ID, now.Add(-time.Minute), 5)
	// Long expired but already terminated.
	done := NewSession(profile.ID, now.Add(-time.Hour), 5)

	for _, s := range []storage.Session{old, recent, running, done} {
		if err := store.Sessions().Create(ctx, s); err != nil {
			t.Fatalf("create session: %v", err)
		}
	}
	if _, err := store.Sessions().Finalize(ctx, done.ID, storage.SessionTerminated, 5, now); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	expired, err := store.Sessions().ListExpired(ctx, now.Add(-5*time.Minute))
	if err != nil {
		t.Fatalf("list expired: %v", err)
	}

	ids := idsForUser(expired, profile.ID)
	if len(ids) != 1 || !ids[old.ID] {
		t.Errorf("expected only %s expired, got %v", old.ID, ids)
	}

	expired, err = store.Sessions().ListExpired(ctx, now)
	if err != nil {
		t.Fatalf("list expired: %v", err)
	}
	ids = idsForUser(expired, profile.ID)
	if len(ids) != 2 || !ids[old.ID] || !ids[recent.ID] {
		t.Errorf("expected old and recent expired, got %v", ids)
	}
}

func testListExpiredPrecision(t *testing.T, store storage.Store) {
	ctx := context.Background()
	profile := NewProfile(t, store, 0)
	cutoff := time.Now().UTC().Truncate(time.Second)

	just := NewSession(profile.ID, cutoff.Add(-10*time.Minute), 5)
	just.EndTime = cutoff.Add(-300 * time.Microsecond)
	at := NewSession(profile.ID, cutoff.Add(-10*time.Minute), 5)
	at.EndTime = cutoff

	for _, s := range []storage.Session{just, at} {
		if err := store.Sessions().Create(ctx, s); err != nil {
			t.Fatalf("create session: %v", err)
		}
	}

	expired, err := store.Sessions().ListExpired(ctx, cutoff)
	if err != nil {
		t.Fatalf("list expired: %v", err)
	}
	ids := idsForUser(expired, profile.ID)
	if len(ids) != 1 || !ids[just.ID] {
		t.Errorf("expected only %s expired, got %v", just.ID, ids)
	}
}

func idsForUser(sessions []storage.Session, userID string) map[string]bool {
	ids := make(map[string]bool)
	for _, s := range sessions {
		if s.UserID == userID {
			ids[s.ID] = true
		}
	}
	return ids
}

func testFinalize(t *testing.T, store storage.Store) {
	ctx := context.Background()
	profile := NewProfile(t, store, 0)
	now := time.Now().UTC().Truncate(time.Second)

	session := NewSession(profile.ID, now.Add(-70*time.Second), 5)
	if err := store.Sessions().Create(ctx, session); err != nil {
		t.Fatalf("create session: %v", err)
	}

	updated, err := store.Sessions().Finalize(ctx, session.ID, storage.SessionTerminated, 2, now)
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if updated.Status != storage.SessionTerminated {
		t.Errorf("expected terminated, got %s", updated.Status)
	}
	if updated.MinutesUsed != 2 {
		t.Errorf("expected 2 minutes used, got %d", updated.MinutesUsed)
	}
	if updated.EndedAt == nil || !updated.EndedAt.Equal(now) {
		t.Errorf("expected ended_at %s, got %v", now, updated.EndedAt)
	}

	current, err := store.Sessions().Finalize(ctx, session.ID, storage.SessionCleaned, 5, now.Add(time.Hour))
	if !errors.Is(err, storage.ErrSessionNotActive) {
		t.Fatalf("expected ErrSessionNotActive, got %v", err)
	}
	if current == nil || current.Status != storage.SessionTerminated || current.MinutesUsed != 2 {
		t.Errorf("expected unchanged terminated record, got %+v", current)
	}

	if _, err := store.Sessions().Finalize(ctx, uuid.NewString(), storage.SessionCleaned, 1, now); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func testFinalizeRace(t *testing.T, store storage.Store) {
	ctx := context.Background()
	profile := NewProfile(t, store, 0)
	now := time.Now().UTC().Truncate(time.Second)

	session := NewSession(profile.ID, now.Add(-20*time.Minute), 5)
	if err := store.Sessions().Create(ctx, session); err != nil {
		t.Fatalf("create session: %v", err)
	}

	statuses := []storage.SessionStatus{storage.SessionTerminated, storage.SessionCleaned}
	results := make([]error, len(statuses))

	var wg sync.WaitGroup
	for i, status := range statuses {
		wg.Add(1)
		go func(i int, status storage.SessionStatus) {
			defer wg.Done()
			_, results[i] = store.Sessions().Finalize(ctx, session.ID, status, 5, now)
		}(i, status)
	}
	wg.Wait()

	wins := 0
	var winner storage.SessionStatus
	for i, err := range results {
		switch {
		case err == nil:
			wins++
			winner = statuses[i]
		case errors.Is(err, storage.ErrSessionNotActive):
		default:
			t.Errorf("unexpected finalize error: %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("expected exactly one finalize to win, got %d", wins)
	}

	got, err := store.Sessions().Get(ctx, session.ID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if got.Status != winner {
		t.Errorf("expected stored status %s, got %s", winner, got.Status)
	}
}

func testPayments(t *testing.T, store storage.Store) {
	ctx := context.Background()
	profile := NewProfile(t, store, 0)
	reference := "ref-" + uuid.NewString()

	payment := storage.Payment{
		ID:               uuid.NewString(),
		UserID:           profile.ID,
		PackageMinutes:   15,
		AmountEUR:        22.5,
		PaymentReference: reference,
		CreatedAt:        time.Now().UTC().Truncate(time.Second),
	}

	if _, err := store.Payments().GetByReference(ctx, reference); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound before insert, got %v", err)
	}

	if err := store.Payments().Insert(ctx, payment); err != nil {
		t.Fatalf("insert payment: %v", err)
	}

	got, err := store.Payments().GetByReference(ctx, reference)
	if err != nil {
		t.Fatalf("get payment: %v", err)
	}
	if got.PackageMinutes != 15 || got.AmountEUR != 22.5 || got.UserID != profile.ID {
		t.Errorf("unexpected payment %+v", got)
	}

	dup := payment
	dup.ID = uuid.NewString()
	if err := store.Payments().Insert(ctx, dup); !errors.Is(err, storage.ErrDuplicatePayment) {
		t.Errorf("expected ErrDuplicatePayment, got %v", err)
	}

	list, err := store.Payments().ListByUser(ctx, profile.ID)
	if err != nil {
		t.Fatalf("list payments: %v", err)
	}
	if len(list) != 1 {
		t.Errorf("expected 1 payment, got %d", len(list))
	}
}

func testSettings(t *testing.T, store storage.Store) {
	ctx := context.Background()
	key := "test_" + uuid.NewString()

	if _, err := store.Settings().Get(ctx, key); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if err := store.Settings().Set(ctx, key, "1.75"); err != nil {
		t.Fatalf("set setting: %v", err)
	}
	if err := store.Settings().Set(ctx, key, "2.00"); err != nil {
		t.Fatalf("overwrite setting: %v", err)
	}

	value, err := store.Settings().Get(ctx, key)
	if err != nil {
		t.Fatalf("get setting: %v", err)
	}
	if value != "2.00" {
		t.Errorf("expected 2.00, got %s", value)
	}
}
