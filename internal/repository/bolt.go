package repository

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/coveo-labs/barca-sports-assistant/internal/conversation"
	"github.com/coveo-labs/barca-sports-assistant/internal/domain"
)

var (
	bucketConversations = []byte("conversations")
	bucketBySession     = []byte("conversations_by_session")
	bucketByUpdated     = []byte("conversations_by_updated")
)

// BoltStore implements Store on a single BoltDB file. Records live in the
// conversations bucket keyed by local id; the two index buckets map session
// id and "updated_at|local_id" back to the local id.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (or creates) the BoltDB file at path.
func NewBoltStore(path string) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt file %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketConversations, bucketBySession, bucketByUpdated} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

// LoadAll walks the update-time index from the newest key backwards.
func (s *BoltStore) LoadAll(ctx context.Context) ([]domain.ConversationRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	records := []domain.ConversationRecord{}
	err := s.db.View(func(tx *bolt.Tx) error {
		items := tx.Bucket(bucketConversations)
		c := tx.Bucket(bucketByUpdated).Cursor()
		for k, id := c.Last(); k != nil; k, id = c.Prev() {
			v := items.Get(id)
			if v == nil {
				continue
			}
			rec, err := decodeRecord(v)
			if err != nil {
				// Skip malformed
				continue
			}
			records = append(records, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	conversation.SortByUpdatedDesc(records)
	return records, nil
}

func (s *BoltStore) SaveOne(ctx context.Context, rec domain.ConversationRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return putRecord(tx, rec)
	})
}

// SaveAll rewrites all three buckets so they reflect recs exactly.
func (s *BoltStore) SaveAll(ctx context.Context, recs []domain.ConversationRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := recreateBuckets(tx); err != nil {
			return err
		}
		for _, rec := range recs {
			if err := putRecord(tx, rec); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStore) DeleteOne(ctx context.Context, localID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return deleteRecord(tx, localID)
	})
}

func (s *BoltStore) ClearAll(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(recreateBuckets)
}

func (s *BoltStore) FindBySessionID(ctx context.Context, sessionID string) (*domain.ConversationRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var found *domain.ConversationRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		localID := tx.Bucket(bucketBySession).Get([]byte(sessionID))
		if localID == nil {
			return nil
		}
		v := tx.Bucket(bucketConversations).Get(localID)
		if v == nil {
			return nil
		}
		rec, err := decodeRecord(v)
		if err != nil {
			return err
		}
		found = &rec
		return nil
	})
	return found, err
}

func recreateBuckets(tx *bolt.Tx) error {
	for _, name := range [][]byte{bucketConversations, bucketBySession, bucketByUpdated} {
		if b := tx.Bucket(name); b != nil {
			if err := tx.DeleteBucket(name); err != nil {
				return err
			}
		}
		if _, err := tx.CreateBucket(name); err != nil {
			return err
		}
	}
	return nil
}

func putRecord(tx *bolt.Tx, rec domain.ConversationRecord) error {
	enc, err := encodeRecord(rec)
	if err != nil {
		return err
	}
	if err := deleteRecord(tx, rec.LocalID); err != nil {
		return err
	}
	id := []byte(rec.LocalID)
	if err := tx.Bucket(bucketConversations).Put(id, enc); err != nil {
		return err
	}
	if rec.SessionID != "" {
		if err := tx.Bucket(bucketBySession).Put([]byte(rec.SessionID), id); err != nil {
			return err
		}
	}
	return tx.Bucket(bucketByUpdated).Put(updatedKey(rec), id)
}

// deleteRecord removes a record and its index entries.
func deleteRecord(tx *bolt.Tx, localID string) error {
	items := tx.Bucket(bucketConversations)
	v := items.Get([]byte(localID))
	if v == nil {
		return nil
	}
	if old, err := decodeRecord(v); err == nil {
		if old.SessionID != "" {
			bySession := tx.Bucket(bucketBySession)
			if string(bySession.Get([]byte(old.SessionID))) == localID {
				if err := bySession.Delete([]byte(old.SessionID)); err != nil {
					return err
				}
			}
		}
		if err := tx.Bucket(bucketByUpdated).Delete(updatedKey(old)); err != nil {
			return err
		}
	}
	return items.Delete([]byte(localID))
}

func updatedKey(rec domain.ConversationRecord) []byte {
	return []byte(rec.UpdatedAt + "|" + rec.LocalID)
}
