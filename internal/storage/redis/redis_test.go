package redis

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/goodtune/avatarminutes/internal/config"
	"github.com/goodtune/avatarminutes/internal/storage"
	"github.com/goodtune/avatarminutes/internal/storage/storetest"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func setupTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)

	// miniredis.Addr() already carries the port
	cfg := config.RedisConfig{
		Host:         mr.Addr(),
		Port:         0,
		DB:           0,
		PoolSize:     10,
		MinIdleConns: 1,
		DialTimeout:  "5s",
		ReadTimeout:  "3s",
		WriteTimeout: "3s",
		KeyPrefix:    "test",
	}

	store, err := Open(cfg)
	if err != nil {
		t.Fatalf("Failed to open Redis store: %v", err)
	}

	return store, mr
}

func TestStoreContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) storage.Store {
		store, _ := setupTestStore(t)
		t.Cleanup(func() { _ = store.Close() })
		return store
	})
}

func TestOpen_InvalidTimeout(t *testing.T) {
	_, err := Open(config.RedisConfig{
		Host:         "localhost:0",
		DialTimeout:  "soon",
		ReadTimeout:  "3s",
		WriteTimeout: "3s",
	})
	if err == nil {
		t.Fatal("Expected error for invalid dial_timeout")
	}
}

func TestSessionStore_ActiveIndex(t *testing.T) {
	store, mr := setupTestStore(t)
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	profile := storetest.NewProfile(t, store, 0)
	session := storetest.NewSession(profile.ID, time.Now().Add(-10*time.Minute), 5)

	if err := store.Sessions().Create(ctx, session); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	score, err := mr.ZScore("test:sessions:active", session.ID)
	if err != nil {
		t.Fatalf("Expected session in active index: %v", err)
	}
	if int64(score) != session.EndTime.UnixMicro() {
		t.Errorf("Expected score %d, got %v", session.EndTime.UnixMicro(), score)
	}

	if _, err := store.Sessions().Finalize(ctx, session.ID, storage.SessionCleaned, 5, time.Now()); err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}

	if _, err := mr.ZScore("test:sessions:active", session.ID); err == nil {
		t.Error("Expected session removed from active index")
	}

	expired, err := store.Sessions().ListExpired(ctx, time.Now())
	if err != nil {
		t.Fatalf("ListExpired failed: %v", err)
	}
	if len(expired) != 0 {
		t.Errorf("Expected no expired sessions after finalize, got %d", len(expired))
	}
}

func TestSessionStore_UnreadableRecordIsLogged(t *testing.T) {
	store, mr := setupTestStore(t)
	defer func() { _ = store.Close() }()

	var buf bytes.Buffer
	previous := log.Logger
	log.Logger = zerolog.New(&buf)
	t.Cleanup(func() { log.Logger = previous })

	ctx := context.Background()
	profile := storetest.NewProfile(t, store, 0)
	session := storetest.NewSession(profile.ID, time.Now().Add(-10*time.Minute), 5)
	if err := store.Sessions().Create(ctx, session); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	mr.HSet("test:session:broken", "id", "broken", "status", "active", "end_time", "not-a-time")
	if _, err := mr.ZAdd("test:sessions:active", 1, "broken"); err != nil {
		t.Fatalf("Failed to seed active index: %v", err)
	}

	expired, err := store.Sessions().ListExpired(ctx, time.Now())
	if err != nil {
		t.Fatalf("ListExpired failed: %v", err)
	}
	if len(expired) != 1 || expired[0].ID != session.ID {
		t.Errorf("Expected only %s, got %+v", session.ID, expired)
	}

	out := buf.String()
	if !strings.Contains(out, "Skipping unreadable session record") || !strings.Contains(out, `"session_id":"broken"`) {
		t.Errorf("Expected a warning naming the broken session, got %q", out)
	}
}

func TestSettingsStore_PriceSetting(t *testing.T) {
	store, mr := setupTestStore(t)
	defer func() { _ = store.Close() }()

	mr.HSet("test:settings", storage.SettingPricePerMinute, "1.25")

	value, err := store.Settings().Get(context.Background(), storage.SettingPricePerMinute)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if value != "1.25" {
		t.Errorf("Expected 1.25, got %s", value)
	}
}
