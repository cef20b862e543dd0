package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/coveo-labs/barca-sports-assistant/internal/conversation"
	"github.com/coveo-labs/barca-sports-assistant/internal/domain"
)

// RedisStore implements Store on Redis. Records are kept in one hash keyed
// by local id, with a session id hash and an update-time sorted set as
// secondary indexes.
type RedisStore struct {
	rdb    *redis.Client
	prefix string
}

// NewRedisStore connects to addr, which may be a host:port or a redis:// URL.
func NewRedisStore(addr, prefix string) (*RedisStore, error) {
	if addr == "" {
		return nil, errors.New("REDIS_ADDR is not set")
	}
	var rdb *redis.Client
	if strings.HasPrefix(addr, "redis://") || strings.HasPrefix(addr, "rediss://") {
		opt, err := redis.ParseURL(addr)
		if err != nil {
			return nil, err
		}
		rdb = redis.NewClient(opt)
	} else {
		rdb = redis.NewClient(&redis.Options{Addr: addr})
	}
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to reach redis at %s: %w", addr, err)
	}
	return NewRedisStoreWithClient(rdb, prefix), nil
}

// NewRedisStoreWithClient wraps an existing client.
func NewRedisStoreWithClient(rdb *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "assistant:conversations"
	}
	return &RedisStore{rdb: rdb, prefix: prefix}
}

func (s *RedisStore) itemsKey() string   { return s.prefix + ":items" }
func (s *RedisStore) sessionKey() string { return s.prefix + ":by_session" }
func (s *RedisStore) updatedKey() string { return s.prefix + ":by_updated" }

func (s *RedisStore) Close() error {
	return s.rdb.Close()
}

// LoadAll reads the update-time index and the records in one MULTI/EXEC
// block, so a concurrent SaveAll is seen either whole or not at all.
func (s *RedisStore) LoadAll(ctx context.Context) ([]domain.ConversationRecord, error) {
	var (
		idsCmd   *redis.StringSliceCmd
		itemsCmd *redis.MapStringStringCmd
	)
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		idsCmd = pipe.ZRevRange(ctx, s.updatedKey(), 0, -1)
		itemsCmd = pipe.HGetAll(ctx, s.itemsKey())
		return nil
	})
	if err != nil {
		return nil, err
	}
	ids, items := idsCmd.Val(), itemsCmd.Val()

	records := make([]domain.ConversationRecord, 0, len(items))
	seen := make(map[string]bool, len(items))
	add := func(localID string) {
		str, ok := items[localID]
		if !ok || seen[localID] {
			return
		}
		seen[localID] = true
		rec, err := decodeRecord([]byte(str))
		if err != nil {
			return
		}
		records = append(records, rec)
	}
	for _, id := range ids {
		add(id)
	}
	// Records missing from the index are still returned.
	for id := range items {
		add(id)
	}
	conversation.SortByUpdatedDesc(records)
	return records, nil
}

func (s *RedisStore) SaveOne(ctx context.Context, rec domain.ConversationRecord) error {
	enc, err := encodeRecord(rec)
	if err != nil {
		return err
	}
	old, err := s.rdb.HGet(ctx, s.itemsKey(), rec.LocalID).Result()
	if err != nil && err != redis.Nil {
		return err
	}
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if old != "" {
			if prev, err := decodeRecord([]byte(old)); err == nil && prev.SessionID != "" && prev.SessionID != rec.SessionID {
				pipe.HDel(ctx, s.sessionKey(), prev.SessionID)
			}
		}
		s.queuePut(ctx, pipe, rec, enc)
		return nil
	})
	return err
}

// SaveAll replaces every key under the prefix in one MULTI/EXEC block.
func (s *RedisStore) SaveAll(ctx context.Context, recs []domain.ConversationRecord) error {
	encoded := make([][]byte, len(recs))
	for i, rec := range recs {
		enc, err := encodeRecord(rec)
		if err != nil {
			return err
		}
		encoded[i] = enc
	}
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.itemsKey(), s.sessionKey(), s.updatedKey())
		for i, rec := range recs {
			s.queuePut(ctx, pipe, rec, encoded[i])
		}
		return nil
	})
	return err
}

func (s *RedisStore) queuePut(ctx context.Context, pipe redis.Pipeliner, rec domain.ConversationRecord, enc []byte) {
	pipe.HSet(ctx, s.itemsKey(), rec.LocalID, enc)
	if rec.SessionID != "" {
		pipe.HSet(ctx, s.sessionKey(), rec.SessionID, rec.LocalID)
	}
	pipe.ZAdd(ctx, s.updatedKey(), redis.Z{Score: updatedScore(rec.UpdatedAt), Member: rec.LocalID})
}

func (s *RedisStore) DeleteOne(ctx context.Context, localID string) error {
	old, err := s.rdb.HGet(ctx, s.itemsKey(), localID).Result()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return err
	}
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if prev, err := decodeRecord([]byte(old)); err == nil && prev.SessionID != "" {
			pipe.HDel(ctx, s.sessionKey(), prev.SessionID)
		}
		pipe.HDel(ctx, s.itemsKey(), localID)
		pipe.ZRem(ctx, s.updatedKey(), localID)
		return nil
	})
	return err
}

func (s *RedisStore) ClearAll(ctx context.Context) error {
	return s.rdb.Del(ctx, s.itemsKey(), s.sessionKey(), s.updatedKey()).Err()
}

func (s *RedisStore) FindBySessionID(ctx context.Context, sessionID string) (*domain.ConversationRecord, error) {
	localID, err := s.rdb.HGet(ctx, s.sessionKey(), sessionID).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	v, err := s.rdb.HGet(ctx, s.itemsKey(), localID).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	rec, err := decodeRecord([]byte(v))
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// updatedScore maps a record timestamp onto a sorted-set score.
func updatedScore(ts string) float64 {
	t, err := domain.ParseTimestamp(ts)
	if err != nil {
		return 0
	}
	return float64(t.UnixMilli())
}
