// Package boltdb persists sessions and memory in a single local bbolt file.
// Each user has a bucket holding a "sessions" sub-bucket (one JSON record per
// session) and a "meta" sub-bucket for the long-term memory.
package boltdb

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/PabloGalante/farum-chat/internal/adapters/storage/record"
	"github.com/PabloGalante/farum-chat/internal/domain"
)

var (
	sessionsBucket = []byte("sessions")
	metaBucket     = []byte("meta")
	memoryKey      = []byte("memory")
)

type Store struct {
	db    *bolt.DB
	quota int
}

// Open opens or creates the database at path. quota bounds the encoded size
// of one user's sessions; <= 0 means unlimited.
func Open(path string, quota int) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("bolt: create dir: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("bolt: open %s: %w", path, err)
	}
	return &Store{db: db, quota: quota}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func userKey(id domain.UserID) []byte {
	return []byte("user:" + string(id))
}

// userBucket returns the bucket of a user, creating it in writable transactions.
func userBucket(tx *bolt.Tx, id domain.UserID) (*bolt.Bucket, error) {
	if !tx.Writable() {
		return tx.Bucket(userKey(id)), nil
	}
	u, err := tx.CreateBucketIfNotExists(userKey(id))
	if err != nil {
		return nil, err
	}
	if _, err := u.CreateBucketIfNotExists(sessionsBucket); err != nil {
		return nil, err
	}
	if _, err := u.CreateBucketIfNotExists(metaBucket); err != nil {
		return nil, err
	}
	return u, nil
}

// bucketSize sums the value sizes of b, skipping key skip.
func bucketSize(b *bolt.Bucket, skip []byte) int {
	total := 0
	_ = b.ForEach(func(k, v []byte) error {
		if skip == nil || string(k) != string(skip) {
			total += len(v)
		}
		return nil
	})
	return total
}

func (s *Store) checkQuota(total int) error {
	if s.quota > 0 && total > s.quota {
		return fmt.Errorf("bolt: %d bytes over quota %d: %w", total, s.quota, domain.ErrStorageCapacityExceeded)
	}
	return nil
}

func (s *Store) FetchSessions(ctx context.Context, userID domain.UserID) ([]*domain.ChatSession, error) {
	var out []*domain.ChatSession
	err := s.db.View(func(tx *bolt.Tx) error {
		u, _ := userBucket(tx, userID)
		if u == nil {
			return nil
		}
		b := u.Bucket(sessionsBucket)
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			var r record.Session
			if err := json.Unmarshal(v, &r); err != nil {
				// Skip malformed entries instead of failing the whole load
				return nil
			}
			out = append(out, r.ToDomain())
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("bolt: fetch sessions: %w", err)
	}
	slices.SortStableFunc(out, func(a, b *domain.ChatSession) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return out, nil
}

// SaveSessions replaces the stored collection in one transaction; a rejected
// save leaves the previous collection untouched.
func (s *Store) SaveSessions(ctx context.Context, userID domain.UserID, sessions []*domain.ChatSession) error {
	encoded := make(map[string][]byte, len(sessions))
	total := 0
	for _, cs := range sessions {
		v, err := json.Marshal(record.FromSession(cs))
		if err != nil {
			return fmt.Errorf("bolt: encode session %s: %w", cs.ID, err)
		}
		encoded[string(cs.ID)] = v
		total += len(v)
	}
	if err := s.checkQuota(total); err != nil {
		return err
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		u, err := userBucket(tx, userID)
		if err != nil {
			return err
		}
		// Recreate the bucket to reflect the given snapshot exactly.
		if err := u.DeleteBucket(sessionsBucket); err != nil {
			return err
		}
		b, err := u.CreateBucket(sessionsBucket)
		if err != nil {
			return err
		}
		for k, v := range encoded {
			if err := b.Put([]byte(k), v); err != nil {
				return err
			}
		}
		return nil
	})
}

// update rewrites one session record inside a quota-checked transaction.
func (s *Store) update(userID domain.UserID, id domain.SessionID, fn func(r *record.Session, exists bool) (bool, error)) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		u, err := userBucket(tx, userID)
		if err != nil {
			return err
		}
		b := u.Bucket(sessionsBucket)

		var r record.Session
		v := b.Get([]byte(id))
		exists := v != nil
		if exists {
			if err := json.Unmarshal(v, &r); err != nil {
				return fmt.Errorf("bolt: decode session %s: %w", id, err)
			}
		}

		write, err := fn(&r, exists)
		if err != nil || !write {
			return err
		}

		next, err := json.Marshal(r)
		if err != nil {
			return err
		}
		if err := s.checkQuota(bucketSize(b, []byte(id)) + len(next)); err != nil {
			return err
		}
		return b.Put([]byte(id), next)
	})
}

func (s *Store) CreateSession(ctx context.Context, userID domain.UserID, session *domain.ChatSession) error {
	return s.update(userID, session.ID, func(r *record.Session, exists bool) (bool, error) {
		if exists {
			return false, fmt.Errorf("bolt: session %s already exists", session.ID)
		}
		*r = record.FromSession(session)
		return true, nil
	})
}

func (s *Store) RenameSession(ctx context.Context, userID domain.UserID, id domain.SessionID, title string) error {
	return s.update(userID, id, func(r *record.Session, exists bool) (bool, error) {
		if !exists {
			return false, domain.ErrSessionNotFound
		}
		r.Title = title
		return true, nil
	})
}

func (s *Store) DeleteSession(ctx context.Context, userID domain.UserID, id domain.SessionID) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		u, err := userBucket(tx, userID)
		if err != nil {
			return err
		}
		return u.Bucket(sessionsBucket).Delete([]byte(id))
	})
}

func (s *Store) SaveMessage(ctx context.Context, userID domain.UserID, id domain.SessionID, msg *domain.Message) error {
	return s.update(userID, id, func(r *record.Session, exists bool) (bool, error) {
		if !exists {
			return false, domain.ErrSessionNotFound
		}
		r.Upsert(record.FromMessage(msg))
		return true, nil
	})
}

func (s *Store) FetchMemory(ctx context.Context, userID domain.UserID) (string, error) {
	var memory string
	err := s.db.View(func(tx *bolt.Tx) error {
		u, _ := userBucket(tx, userID)
		if u == nil {
			return nil
		}
		if b := u.Bucket(metaBucket); b != nil {
			memory = string(b.Get(memoryKey))
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("bolt: fetch memory: %w", err)
	}
	return memory, nil
}

func (s *Store) SaveMemory(ctx context.Context, userID domain.UserID, text string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		u, err := userBucket(tx, userID)
		if err != nil {
			return err
		}
		return u.Bucket(metaBucket).Put(memoryKey, []byte(text))
	})
}
