// Package repository defines the durable conversation store and its drivers.
package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/coveo-labs/barca-sports-assistant/internal/config"
	"github.com/coveo-labs/barca-sports-assistant/internal/domain"
)

// ErrUnknownDriver is returned by Open for an unsupported STORE_DRIVER.
var ErrUnknownDriver = errors.New("unknown store driver")

// DriverNone selects no durable store.
const DriverNone = "none"

// Store is a keyed collection of conversation records.
type Store interface {
	// LoadAll returns every record, most recently updated first.
	LoadAll(ctx context.Context) ([]domain.ConversationRecord, error)
	// SaveOne inserts or replaces the record with the same LocalID.
	SaveOne(ctx context.Context, rec domain.ConversationRecord) error
	// SaveAll makes the store contain exactly recs, in one atomic unit.
	SaveAll(ctx context.Context, recs []domain.ConversationRecord) error
	DeleteOne(ctx context.Context, localID string) error
	ClearAll(ctx context.Context) error
	// FindBySessionID returns nil when no record carries the session id.
	FindBySessionID(ctx context.Context, sessionID string) (*domain.ConversationRecord, error)
	Close() error
}

// Open creates the store selected by cfg.StoreDriver. It returns a nil
// Store for DriverNone.
func Open(cfg *config.Config) (Store, error) {
	var (
		store Store
		err   error
	)
	switch cfg.StoreDriver {
	case "sqlite", "":
		store, err = openAs(NewSQLiteStore(cfg.DatabaseURL))
	case "bolt":
		store, err = openAs(NewBoltStore(cfg.BoltPath))
	case "redis":
		store, err = openAs(NewRedisStore(cfg.RedisAddr, cfg.RedisPrefix))
	case DriverNone:
		return nil, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownDriver, cfg.StoreDriver)
	}
	if err != nil {
		return nil, err
	}
	return store, nil
}

// openAs keeps a failed constructor from producing a non-nil interface
// around a nil pointer.
func openAs[S Store](s S, err error) (Store, error) {
	if err != nil {
		return nil, err
	}
	return s, nil
}

func encodeRecord(rec domain.ConversationRecord) ([]byte, error) {
	if rec.LocalID == "" {
		return nil, errors.New("record has empty local_id")
	}
	if rec.Messages == nil {
		rec.Messages = []domain.ConversationMessage{}
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("failed to encode record %s: %w", rec.LocalID, err)
	}
	return b, nil
}

func decodeRecord(b []byte) (domain.ConversationRecord, error) {
	var rec domain.ConversationRecord
	if err := json.Unmarshal(b, &rec); err != nil {
		return rec, fmt.Errorf("failed to decode record: %w", err)
	}
	return rec, nil
}
