package bolt

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/goodtune/avatarminutes/internal/storage"
	"go.etcd.io/bbolt"
)

const (
	bucketProfiles = "profiles"
	bucketSessions = "sessions"
	bucketPayments = "payments"
	bucketSettings = "settings"
	bucketIndexes  = "indexes"

	// Index sub-buckets under bucketIndexes.
	indexUserSessions = "user_sessions" // user_sessions/{userID}/{sessionID}
	indexUserPayments = "user_payments" // user_payments/{userID}/{reference}
	indexActiveByEnd  = "active_by_end" // active_by_end/{endUnixNano}/{sessionID}
)

// Store implements the storage.Store interface using bbolt.
// bbolt serializes read-write transactions, so each balance or status
// change below is a plain read-check-write inside db.Update.
type Store struct {
	db *bbolt.DB
}

// Open opens a BoltDB-backed store.
func Open(path string) (*Store, error) {
	if err := ensureDir(path); err != nil {
		return nil, err
	}

	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	store := &Store{db: db}
	if err := store.ensureBuckets(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." {
		return nil
	}
	return storage.EnsureDir(dir)
}

func (s *Store) ensureBuckets() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		buckets := [][]byte{
			[]byte(bucketProfiles),
			[]byte(bucketSessions),
			[]byte(bucketPayments),
			[]byte(bucketSettings),
			[]byte(bucketIndexes),
		}

		for _, name := range buckets {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}

		indexes := tx.Bucket([]byte(bucketIndexes))
		for _, name := range []string{indexUserSessions, indexUserPayments, indexActiveByEnd} {
			if _, err := indexes.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("create %s index: %w", name, err)
			}
		}

		return nil
	})
}

// Close closes the underlying store database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Profiles returns the profile store.
func (s *Store) Profiles() storage.ProfileStore { return &profileStore{db: s.db} }

// Sessions returns the session store.
func (s *Store) Sessions() storage.SessionStore { return &sessionStore{db: s.db} }

// Payments returns the payment store.
func (s *Store) Payments() storage.PaymentStore { return &paymentStore{db: s.db} }

// Settings returns the settings store.
func (s *Store) Settings() storage.SettingsStore { return &settingsStore{db: s.db} }

func marshal(value any) ([]byte, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("marshal value: %w", err)
	}
	return data, nil
}

func unmarshal(data []byte, out any) error {
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("unmarshal value: %w", err)
	}
	return nil
}

func getBucketValue[T any](ctx context.Context, db *bbolt.DB, bucket string, key string) (*T, error) {
	var item *T
	err := db.View(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		result, err := readValue[T](tx, bucket, key)
		if err != nil {
			return err
		}
		item = result
		return nil
	})
	if err != nil {
		return nil, err
	}
	return item, nil
}

func readValue[T any](tx *bbolt.Tx, bucket string, key string) (*T, error) {
	b := tx.Bucket([]byte(bucket))
	if b == nil {
		return nil, storage.ErrNotFound
	}
	value := b.Get([]byte(key))
	if value == nil {
		return nil, storage.ErrNotFound
	}
	var result T
	if err := unmarshal(value, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func writeValue(tx *bbolt.Tx, bucket string, key string, value any) error {
	data, err := marshal(value)
	if err != nil {
		return err
	}
	b := tx.Bucket([]byte(bucket))
	if b == nil {
		return fmt.Errorf("bucket missing: %s", bucket)
	}
	return b.Put([]byte(key), data)
}

func ensureIndexBucket(tx *bbolt.Tx, path ...string) (*bbolt.Bucket, error) {
	if len(path) == 0 {
		return nil, fmt.Errorf("empty index bucket path")
	}
	current := tx.Bucket([]byte(bucketIndexes))
	if current == nil {
		return nil, fmt.Errorf("indexes bucket missing")
	}
	for _, part := range path {
		bucket, err := current.CreateBucketIfNotExists([]byte(part))
		if err != nil {
			return nil, err
		}
		current = bucket
	}
	return current, nil
}

// indexBucket returns an existing index bucket or nil.
func indexBucket(tx *bbolt.Tx, path ...string) *bbolt.Bucket {
	current := tx.Bucket([]byte(bucketIndexes))
	for _, part := range path {
		if current == nil {
			return nil
		}
		current = current.Bucket([]byte(part))
	}
	return current
}

// endKey orders sessions by scheduled end so expiry scans stop early.
func endKey(end time.Time, id string) []byte {
	return []byte(fmt.Sprintf("%020d/%s", end.UnixNano(), id))
}

func endPrefix(t time.Time) []byte {
	return []byte(fmt.Sprintf("%020d", t.UnixNano()))
}
