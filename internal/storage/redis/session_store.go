package redis

import (
	"context"
	"strconv"
	"time"

	"github.com/goodtune/avatarminutes/internal/storage"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

type sessionStore struct {
	client *redis.Client
	keys   keys
}

// Create stores a new session and indexes it by user and end time
func (s *sessionStore) Create(ctx context.Context, session storage.Session) error {
	script := redis.NewScript(createSessionScript)

	keys := []string{
		s.keys.session(session.ID),
		s.keys.userSessions(session.UserID),
		s.keys.activeSessions(),
	}
	args := []interface{}{
		session.ID,
		session.UserID,
		session.AvatarID,
		session.VoiceID,
		session.ContextID,
		session.VendorSessionID,
		session.SessionToken,
		session.DurationMinutes,
		formatTime(session.StartTime),
		formatTime(session.EndTime),
		string(session.Status),
		formatTime(session.CreatedAt),
		endScore(session.EndTime),
	}

	created, err := script.Run(ctx, s.client, keys, args...).Int()
	if err != nil {
		return err
	}
	if created == 0 {
		return storage.ErrAlreadyExists
	}
	return nil
}

// Get retrieves a session by ID
func (s *sessionStore) Get(ctx context.Context, id string) (*storage.Session, error) {
	data, err := s.client.HGetAll(ctx, s.keys.session(id)).Result()
	if err != nil {
		return nil, err
	}
	return parseSession(data)
}

// ListByUser returns all sessions owned by a user
func (s *sessionStore) ListByUser(ctx context.Context, userID string) ([]storage.Session, error) {
	ids, err := s.client.SMembers(ctx, s.keys.userSessions(userID)).Result()
	if err != nil {
		return nil, err
	}
	return s.load(ctx, ids, func(*storage.Session) bool { return true })
}

// ListActiveByUser returns the user's sessions still in active status
func (s *sessionStore) ListActiveByUser(ctx context.Context, userID string) ([]storage.Session, error) {
	ids, err := s.client.SMembers(ctx, s.keys.userSessions(userID)).Result()
	if err != nil {
		return nil, err
	}
	return s.load(ctx, ids, (*storage.Session).IsActive)
}

// ListExpired returns active sessions that ended before cutoff
func (s *sessionStore) ListExpired(ctx context.Context, cutoff time.Time) ([]storage.Session, error) {
	// Scores are whole microseconds, so the range is inclusive and the
	// exact end time comparison below drops anything at or past cutoff.
	ids, err := s.client.ZRangeByScore(ctx, s.keys.activeSessions(), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(endScore(cutoff), 10),
	}).Result()
	if err != nil {
		return nil, err
	}
	return s.load(ctx, ids, func(session *storage.Session) bool {
		return session.IsActive() && session.EndTime.Before(cutoff)
	})
}

// Finalize applies a terminal status if the session is still active
func (s *sessionStore) Finalize(ctx context.Context, id string, status storage.SessionStatus, minutesUsed int, endedAt time.Time) (*storage.Session, error) {
	script := redis.NewScript(finalizeSessionScript)

	keys := []string{s.keys.session(id), s.keys.activeSessions()}
	args := []interface{}{id, string(status), minutesUsed, formatTime(endedAt)}

	result, err := script.Run(ctx, s.client, keys, args...).Int()
	if err != nil {
		return nil, err
	}

	switch result {
	case -1:
		return nil, storage.ErrNotFound
	case 0:
		current, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		return current, storage.ErrSessionNotActive
	default:
		return s.Get(ctx, id)
	}
}

func (s *sessionStore) load(ctx context.Context, ids []string, keep func(*storage.Session) bool) ([]storage.Session, error) {
	hashKeys := make([]string, len(ids))
	for i, id := range ids {
		hashKeys[i] = s.keys.session(id)
	}

	hashes, err := fetchHashes(ctx, s.client, hashKeys)
	if err != nil {
		return nil, err
	}

	sessions := make([]storage.Session, 0, len(hashes))
	for _, data := range hashes {
		session, err := parseSession(data)
		if err != nil {
			log.Warn().Err(err).
				Str("component", "storage").
				Str("session_id", data["id"]).
				Msg("Skipping unreadable session record")
			continue
		}
		if keep(session) {
			sessions = append(sessions, *session)
		}
	}
	return sessions, nil
}

// endScore is the active-index score for an end time.
func endScore(t time.Time) int64 {
	return t.UnixMicro()
}
