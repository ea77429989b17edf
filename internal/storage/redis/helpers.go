package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/goodtune/avatarminutes/internal/storage"
	"github.com/redis/go-redis/v9"
)

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(data map[string]string, field string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, data[field])
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse %s: %w", field, err)
	}
	return t, nil
}

func parseInt(data map[string]string, field string) (int, error) {
	raw, ok := data[field]
	if !ok || raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("failed to parse %s: %w", field, err)
	}
	return n, nil
}

// runBalanceScript executes a {status, balance} script against one profile key.
func runBalanceScript(ctx context.Context, client *redis.Client, src, key string, minutes int) (int, error) {
	script := redis.NewScript(src)

	result, err := script.Run(ctx, client, []string{key}, minutes, formatTime(time.Now()), storage.MaxCredits).Int64Slice()
	if err != nil {
		return 0, err
	}
	if len(result) != 2 {
		return 0, fmt.Errorf("unexpected script result length %d", len(result))
	}

	balance := int(result[1])
	switch result[0] {
	case -2:
		return balance, storage.ErrBalanceOverflow
	case -1:
		return 0, storage.ErrNotFound
	case 0:
		return balance, storage.ErrInsufficientCredits
	default:
		return balance, nil
	}
}

// parseProfile converts a Redis hash to Profile
func parseProfile(data map[string]string) (*storage.Profile, error) {
	if len(data) == 0 {
		return nil, storage.ErrNotFound
	}

	credits, err := parseInt(data, "credits_in_minutes")
	if err != nil {
		return nil, err
	}

	createdAt, err := parseTime(data, "created_at")
	if err != nil {
		return nil, err
	}

	updatedAt, err := parseTime(data, "updated_at")
	if err != nil {
		return nil, err
	}

	return &storage.Profile{
		ID:               data["id"],
		Email:            data["email"],
		CreditsInMinutes: credits,
		CreatedAt:        createdAt,
		UpdatedAt:        updatedAt,
	}, nil
}

// parseSession converts a Redis hash to Session
func parseSession(data map[string]string) (*storage.Session, error) {
	if len(data) == 0 {
		return nil, storage.ErrNotFound
	}

	duration, err := parseInt(data, "duration_minutes")
	if err != nil {
		return nil, err
	}

	minutesUsed, err := parseInt(data, "minutes_used")
	if err != nil {
		return nil, err
	}

	startTime, err := parseTime(data, "start_time")
	if err != nil {
		return nil, err
	}

	endTime, err := parseTime(data, "end_time")
	if err != nil {
		return nil, err
	}

	createdAt, err := parseTime(data, "created_at")
	if err != nil {
		return nil, err
	}

	session := &storage.Session{
		ID:              data["id"],
		UserID:          data["user_id"],
		AvatarID:        data["avatar_id"],
		VoiceID:         data["voice_id"],
		ContextID:       data["context_id"],
		VendorSessionID: data["vendor_session_id"],
		SessionToken:    data["session_token"],
		DurationMinutes: duration,
		StartTime:       startTime,
		EndTime:         endTime,
		Status:          storage.SessionStatus(data["status"]),
		MinutesUsed:     minutesUsed,
		CreatedAt:       createdAt,
	}

	if raw := data["ended_at"]; raw != "" {
		endedAt, err := parseTime(data, "ended_at")
		if err != nil {
			return nil, err
		}
		session.EndedAt = &endedAt
	}

	return session, nil
}

// parsePayment converts a Redis hash to Payment
func parsePayment(data map[string]string) (*storage.Payment, error) {
	if len(data) == 0 {
		return nil, storage.ErrNotFound
	}

	packageMinutes, err := parseInt(data, "package_minutes")
	if err != nil {
		return nil, err
	}

	amount, err := strconv.ParseFloat(data["amount_eur"], 64)
	if err != nil {
		return nil, fmt.Errorf("failed to parse amount_eur: %w", err)
	}

	createdAt, err := parseTime(data, "created_at")
	if err != nil {
		return nil, err
	}

	return &storage.Payment{
		ID:               data["id"],
		UserID:           data["user_id"],
		PackageMinutes:   packageMinutes,
		AmountEUR:        amount,
		PaymentReference: data["payment_reference"],
		CreatedAt:        createdAt,
	}, nil
}

// fetchHashes loads many hashes with one pipeline round trip, skipping
// keys that disappeared in between.
func fetchHashes(ctx context.Context, client *redis.Client, keys []string) ([]map[string]string, error) {
	if len(keys) == 0 {
		return nil, nil
	}

	pipe := client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(keys))
	for i, key := range keys {
		cmds[i] = pipe.HGetAll(ctx, key)
	}

	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, err
	}

	out := make([]map[string]string, 0, len(keys))
	for _, cmd := range cmds {
		data, err := cmd.Result()
		if err != nil || len(data) == 0 {
			continue
		}
		out = append(out, data)
	}
	return out, nil
}
