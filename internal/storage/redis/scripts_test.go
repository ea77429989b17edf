package redis

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/goodtune/avatarminutes/internal/storage"
	"github.com/redis/go-redis/v9"
)

// setupTestRedis creates a miniredis instance for testing Lua scripts
func setupTestRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})

	return client, mr
}

func TestReserveCreditsScript(t *testing.T) {
	client, mr := setupTestRedis(t)
	defer client.Close()
	defer mr.Close()

	ctx := context.Background()
	profileKey := "test:profile:user-1"

	if err := client.HSet(ctx, profileKey, "id", "user-1", "credits_in_minutes", 10).Err(); err != nil {
		t.Fatalf("Failed to seed profile: %v", err)
	}

	tests := []struct {
		name        string
		minutes     int
		wantStatus  int64
		wantBalance int64
	}{
		{name: "reserve within balance", minutes: 4, wantStatus: 1, wantBalance: 6},
		{name: "reserve more than balance", minutes: 7, wantStatus: 0, wantBalance: 6},
		{name: "reserve exact balance", minutes: 6, wantStatus: 1, wantBalance: 0},
		{name: "reserve from empty balance", minutes: 1, wantStatus: 0, wantBalance: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := client.Eval(ctx, reserveCreditsScript, []string{profileKey}, tt.minutes, "2026-01-01T00:00:00Z").Int64Slice()
			if err != nil {
				t.Fatalf("Script execution failed: %v", err)
			}

			if result[0] != tt.wantStatus {
				t.Errorf("Expected status %d, got %d", tt.wantStatus, result[0])
			}
			if result[1] != tt.wantBalance {
				t.Errorf("Expected balance %d, got %d", tt.wantBalance, result[1])
			}

			stored, err := client.HGet(ctx, profileKey, "credits_in_minutes").Int64()
			if err != nil {
				t.Fatalf("Failed to read balance: %v", err)
			}
			if stored != tt.wantBalance {
				t.Errorf("Expected stored balance %d, got %d", tt.wantBalance, stored)
			}
		})
	}
}

func TestBalanceScripts_MissingProfile(t *testing.T) {
	client, mr := setupTestRedis(t)
	defer client.Close()
	defer mr.Close()

	ctx := context.Background()

	for name, src := range map[string]string{
		"reserve": reserveCreditsScript,
		"add":     addCreditsScript,
		"settle":  settleCreditsScript,
	} {
		t.Run(name, func(t *testing.T) {
			result, err := client.Eval(ctx, src, []string{"test:profile:missing"}, 5, "2026-01-01T00:00:00Z", storage.MaxCredits).Int64Slice()
			if err != nil {
				t.Fatalf("Script execution failed: %v", err)
			}
			if result[0] != -1 {
				t.Errorf("Expected status -1 for missing profile, got %d", result[0])
			}
			if mr.Exists("test:profile:missing") {
				t.Error("Expected script not to create the profile")
			}
		})
	}
}

func TestSettleCreditsScript_ClampsAtZero(t *testing.T) {
	client, mr := setupTestRedis(t)
	defer client.Close()
	defer mr.Close()

	ctx := context.Background()
	profileKey := "test:profile:user-1"
	mr.HSet(profileKey, "id", "user-1", "credits_in_minutes", "3")

	result, err := client.Eval(ctx, settleCreditsScript, []string{profileKey}, 15, "2026-01-01T00:00:00Z").Int64Slice()
	if err != nil {
		t.Fatalf("Script execution failed: %v", err)
	}
	if result[1] != 0 {
		t.Errorf("Expected balance clamped to 0, got %d", result[1])
	}
	if got := mr.HGet(profileKey, "credits_in_minutes"); got != "0" {
		t.Errorf("Expected stored balance 0, got %s", got)
	}
}

func TestAddCreditsScript_RejectsOverflow(t *testing.T) {
	client, mr := setupTestRedis(t)
	defer client.Close()
	defer mr.Close()

	ctx := context.Background()
	profileKey := "test:profile:user-1"
	mr.HSet(profileKey, "id", "user-1", "credits_in_minutes", "10")

	tests := []struct {
		name        string
		minutes     int
		wantStatus  int64
		wantBalance int64
	}{
		{name: "past the limit", minutes: storage.MaxCredits - 9, wantStatus: -2, wantBalance: 10},
		{name: "far past the limit", minutes: storage.MaxCredits, wantStatus: -2, wantBalance: 10},
		{name: "up to the limit", minutes: storage.MaxCredits - 10, wantStatus: 1, wantBalance: storage.MaxCredits},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := client.Eval(ctx, addCreditsScript, []string{profileKey}, tt.minutes, "2026-01-01T00:00:00Z", storage.MaxCredits).Int64Slice()
			if err != nil {
				t.Fatalf("Script execution failed: %v", err)
			}
			if result[0] != tt.wantStatus {
				t.Errorf("Expected status %d, got %d", tt.wantStatus, result[0])
			}
			if result[1] != tt.wantBalance {
				t.Errorf("Expected balance %d, got %d", tt.wantBalance, result[1])
			}
		})
	}
}

func TestFinalizeSessionScript(t *testing.T) {
	client, mr := setupTestRedis(t)
	defer client.Close()
	defer mr.Close()

	ctx := context.Background()
	sessionKey := "test:session:s-1"
	activeSet := "test:sessions:active"

	mr.HSet(sessionKey, "id", "s-1", "status", "active")
	if _, err := mr.ZAdd(activeSet, 1000, "s-1"); err != nil {
		t.Fatalf("Failed to seed active set: %v", err)
	}

	first, err := client.Eval(ctx, finalizeSessionScript, []string{sessionKey, activeSet}, "s-1", "terminated", 2, "2026-01-01T00:01:10Z").Int()
	if err != nil {
		t.Fatalf("Script execution failed: %v", err)
	}
	if first != 1 {
		t.Errorf("Expected first finalize to apply, got %d", first)
	}

	second, err := client.Eval(ctx, finalizeSessionScript, []string{sessionKey, activeSet}, "s-1", "cleaned", 5, "2026-01-01T00:10:00Z").Int()
	if err != nil {
		t.Fatalf("Script execution failed: %v", err)
	}
	if second != 0 {
		t.Errorf("Expected second finalize to be rejected, got %d", second)
	}

	if got := mr.HGet(sessionKey, "status"); got != "terminated" {
		t.Errorf("Expected status terminated, got %s", got)
	}
	if got := mr.HGet(sessionKey, "minutes_used"); got != "2" {
		t.Errorf("Expected minutes_used 2, got %s", got)
	}

	members, err := mr.ZMembers(activeSet)
	if err == nil && len(members) != 0 {
		t.Errorf("Expected session removed from active set, got %v", members)
	}

	missing, err := client.Eval(ctx, finalizeSessionScript, []string{"test:session:none", activeSet}, "none", "cleaned", 1, "2026-01-01T00:00:00Z").Int()
	if err != nil {
		t.Fatalf("Script execution failed: %v", err)
	}
	if missing != -1 {
		t.Errorf("Expected -1 for missing session, got %d", missing)
	}
}

func TestInsertPaymentScript_Idempotent(t *testing.T) {
	client, mr := setupTestRedis(t)
	defer client.Close()
	defer mr.Close()

	ctx := context.Background()
	paymentKey := "test:payment:R1"
	userSet := "test:payments:user:user-1"

	for i, want := range []int{1, 0} {
		got, err := client.Eval(ctx, insertPaymentScript, []string{paymentKey, userSet},
			"payment-id", "user-1", 15, "22.5", "R1", "2026-01-01T00:00:00Z").Int()
		if err != nil {
			t.Fatalf("Script execution failed: %v", err)
		}
		if got != want {
			t.Errorf("Attempt %d: expected %d, got %d", i+1, want, got)
		}
	}

	isMember, err := client.SIsMember(ctx, userSet, "R1").Result()
	if err != nil {
		t.Fatalf("Failed to check set membership: %v", err)
	}
	if !isMember {
		t.Error("Expected reference in user payment set")
	}
}
