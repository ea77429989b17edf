package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goodtune/avatarminutes/internal/storage"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const sessionColumns = `id, user_id, avatar_id, voice_id, context_id, vendor_session_id, session_token,
	duration_minutes, start_time, end_time, status, minutes_used, ended_at, created_at`

type sessionStore struct {
	pool *pgxpool.Pool
}

func scanSession(row pgx.Row) (*storage.Session, error) {
	var (
		s      storage.Session
		status string
	)
	err := row.Scan(
		&s.ID, &s.UserID, &s.AvatarID, &s.VoiceID, &s.ContextID, &s.VendorSessionID, &s.SessionToken,
		&s.DurationMinutes, &s.StartTime, &s.EndTime, &status, &s.MinutesUsed, &s.EndedAt, &s.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	s.Status = storage.SessionStatus(status)
	return &s, nil
}

func (s *sessionStore) Create(ctx context.Context, session storage.Session) error {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO sessions (`+sessionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (id) DO NOTHING`,
		session.ID, session.UserID, session.AvatarID, session.VoiceID, session.ContextID,
		session.VendorSessionID, session.SessionToken, session.DurationMinutes,
		session.StartTime, session.EndTime, string(session.Status), session.MinutesUsed,
		session.EndedAt, session.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrAlreadyExists
	}
	return nil
}

func (s *sessionStore) Get(ctx context.Context, id string) (*storage.Session, error) {
	session, err := scanSession(s.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return session, nil
}

func (s *sessionStore) ListByUser(ctx context.Context, userID string) ([]storage.Session, error) {
	return s.query(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE user_id = $1 ORDER BY created_at DESC`, userID)
}

func (s *sessionStore) ListActiveByUser(ctx context.Context, userID string) ([]storage.Session, error) {
	return s.query(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE user_id = $1 AND status = 'active' ORDER BY created_at DESC`, userID)
}

func (s *sessionStore) ListExpired(ctx context.Context, cutoff time.Time) ([]storage.Session, error) {
	return s.query(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE status = 'active' AND end_time < $1 ORDER BY end_time`, cutoff)
}

func (s *sessionStore) Finalize(ctx context.Context, id string, status storage.SessionStatus, minutesUsed int, endedAt time.Time) (*storage.Session, error) {
	session, err := scanSession(s.pool.QueryRow(ctx,
		`UPDATE sessions SET status = $2, minutes_used = $3, ended_at = $4
		WHERE id = $1 AND status = 'active'
		RETURNING `+sessionColumns,
		id, string(status), minutesUsed, endedAt,
	))
	if err == nil {
		return session, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("finalize session: %w", err)
	}

	current, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return current, storage.ErrSessionNotActive
}

func (s *sessionStore) query(ctx context.Context, sql string, args ...any) ([]storage.Session, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	sessions := make([]storage.Session, 0)
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, *session)
	}
	return sessions, rows.Err()
}
