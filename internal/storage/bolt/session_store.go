package bolt

import (
	"bytes"
	"context"
	"errors"
	"time"

	"github.com/goodtune/avatarminutes/internal/storage"
	"go.etcd.io/bbolt"
)

type sessionStore struct {
	db *bbolt.DB
}

func (s *sessionStore) Create(ctx context.Context, session storage.Session) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if tx.Bucket([]byte(bucketSessions)).Get([]byte(session.ID)) != nil {
			return storage.ErrAlreadyExists
		}
		if err := writeValue(tx, bucketSessions, session.ID, session); err != nil {
			return err
		}

		byUser, err := ensureIndexBucket(tx, indexUserSessions, session.UserID)
		if err != nil {
			return err
		}
		if err := byUser.Put([]byte(session.ID), nil); err != nil {
			return err
		}

		if session.IsActive() {
			active, err := ensureIndexBucket(tx, indexActiveByEnd)
			if err != nil {
				return err
			}
			return active.Put(endKey(session.EndTime, session.ID), []byte(session.ID))
		}
		return nil
	})
}

func (s *sessionStore) Get(ctx context.Context, id string) (*storage.Session, error) {
	return getBucketValue[storage.Session](ctx, s.db, bucketSessions, id)
}

func (s *sessionStore) ListByUser(ctx context.Context, userID string) ([]storage.Session, error) {
	return s.listByUser(ctx, userID, func(*storage.Session) bool { return true })
}

func (s *sessionStore) ListActiveByUser(ctx context.Context, userID string) ([]storage.Session, error) {
	return s.listByUser(ctx, userID, (*storage.Session).IsActive)
}

func (s *sessionStore) listByUser(ctx context.Context, userID string, keep func(*storage.Session) bool) ([]storage.Session, error) {
	sessions := make([]storage.Session, 0)
	err := s.db.View(func(tx *bbolt.Tx) error {
		byUser := indexBucket(tx, indexUserSessions, userID)
		if byUser == nil {
			return nil
		}
		return byUser.ForEach(func(k, _ []byte) error {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			session, err := readValue[storage.Session](tx, bucketSessions, string(k))
			if err != nil {
				return err
			}
			if keep(session) {
				sessions = append(sessions, *session)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return sessions, nil
}

func (s *sessionStore) ListExpired(ctx context.Context, cutoff time.Time) ([]storage.Session, error) {
	limit := endPrefix(cutoff)
	sessions := make([]storage.Session, 0)
	err := s.db.View(func(tx *bbolt.Tx) error {
		active := indexBucket(tx, indexActiveByEnd)
		if active == nil {
			return nil
		}
		c := active.Cursor()
		for k, v := c.First(); k != nil && bytes.Compare(k[:len(limit)], limit) < 0; k, v = c.Next() {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			session, err := readValue[storage.Session](tx, bucketSessions, string(v))
			if err != nil {
				return err
			}
			if session.IsActive() {
				sessions = append(sessions, *session)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return sessions, nil
}

func (s *sessionStore) Finalize(ctx context.Context, id string, status storage.SessionStatus, minutesUsed int, endedAt time.Time) (*storage.Session, error) {
	var result *storage.Session
	err := s.db.Update(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		session, err := readValue[storage.Session](tx, bucketSessions, id)
		if err != nil {
			return err
		}
		result = session
		if !session.IsActive() {
			return storage.ErrSessionNotActive
		}

		ended := endedAt.UTC()
		session.Status = status
		session.MinutesUsed = minutesUsed
		session.EndedAt = &ended
		if err := writeValue(tx, bucketSessions, id, session); err != nil {
			return err
		}

		if active := indexBucket(tx, indexActiveByEnd); active != nil {
			return active.Delete(endKey(session.EndTime, id))
		}
		return nil
	})
	if errors.Is(err, storage.ErrSessionNotActive) {
		return result, err
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}
