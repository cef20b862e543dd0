// Package persistence is the failure-contained facade over the durable
// conversation store. No call ever returns an error: failures are logged and
// the caller sees an empty or void result.
package persistence

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/coveo-labs/barca-sports-assistant/internal/domain"
	"github.com/coveo-labs/barca-sports-assistant/internal/repository"
)

const defaultTimeout = 5 * time.Second

// Opener creates the underlying store. A nil Store with a nil error means
// no durable storage is available.
type Opener func() (repository.Store, error)

// Adapter lazily opens a repository.Store on first use and contains every
// storage failure.
type Adapter struct {
	open    Opener
	timeout time.Duration
	log     *logrus.Entry

	once    sync.Once
	mu      sync.RWMutex
	store   repository.Store
	closed  bool
	enabled bool
}

// New creates an adapter that opens its store with open on first use.
func New(open Opener, timeout time.Duration, log *logrus.Entry) *Adapter {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Adapter{
		open:    open,
		timeout: timeout,
		log:     log.WithField("component", "persistence"),
		enabled: open != nil,
	}
}

// Disabled returns an adapter on which every operation is a no-op.
func Disabled(log *logrus.Entry) *Adapter {
	return New(nil, 0, log)
}

// Enabled reports whether the adapter has a store to talk to.
func (a *Adapter) Enabled() bool {
	return a.enabled
}

// handle returns the opened store, opening it exactly once.
func (a *Adapter) handle() repository.Store {
	if !a.enabled {
		return nil
	}
	a.once.Do(func() {
		store, err := a.open()
		if err != nil {
			a.log.WithError(err).Error("failed to open conversation store")
			return
		}
		a.mu.Lock()
		a.store = store
		a.mu.Unlock()
	})
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return nil
	}
	return a.store
}

func (a *Adapter) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, a.timeout)
}

// LoadAll returns every durable record, or an empty slice on any failure.
func (a *Adapter) LoadAll(ctx context.Context) []domain.ConversationRecord {
	store := a.handle()
	if store == nil {
		return []domain.ConversationRecord{}
	}
	ctx, cancel := a.withTimeout(ctx)
	defer cancel()

	records, err := store.LoadAll(ctx)
	if err != nil {
		a.log.WithError(err).Warn("failed to load conversations")
		return []domain.ConversationRecord{}
	}
	return records
}

// SaveOne upserts a single record.
func (a *Adapter) SaveOne(ctx context.Context, rec domain.ConversationRecord) {
	store := a.handle()
	if store == nil {
		return
	}
	ctx, cancel := a.withTimeout(ctx)
	defer cancel()

	if err := store.SaveOne(ctx, rec); err != nil {
		a.log.WithError(err).WithField("local_id", rec.LocalID).Warn("failed to save conversation")
	}
}

// SaveAll replaces the durable collection with recs atomically.
func (a *Adapter) SaveAll(ctx context.Context, recs []domain.ConversationRecord) {
	store := a.handle()
	if store == nil {
		return
	}
	ctx, cancel := a.withTimeout(ctx)
	defer cancel()

	if err := store.SaveAll(ctx, recs); err != nil {
		a.log.WithError(err).WithField("count", len(recs)).Warn("failed to save conversations")
	}
}

// DeleteOne removes one record. Missing keys are not an error.
func (a *Adapter) DeleteOne(ctx context.Context, localID string) {
	store := a.handle()
	if store == nil {
		return
	}
	ctx, cancel := a.withTimeout(ctx)
	defer cancel()

	if err := store.DeleteOne(ctx, localID); err != nil {
		a.log.WithError(err).WithField("local_id", localID).Warn("failed to delete conversation")
	}
}

// ClearAll removes every record.
func (a *Adapter) ClearAll(ctx context.Context) {
	store := a.handle()
	if store == nil {
		return
	}
	ctx, cancel := a.withTimeout(ctx)
	defer cancel()

	if err := store.ClearAll(ctx); err != nil {
		a.log.WithError(err).Warn("failed to clear conversations")
	}
}

// FindBySessionID returns the record carrying sessionID, or nil.
func (a *Adapter) FindBySessionID(ctx context.Context, sessionID string) *domain.ConversationRecord {
	if sessionID == "" {
		return nil
	}
	store := a.handle()
	if store == nil {
		return nil
	}
	ctx, cancel := a.withTimeout(ctx)
	defer cancel()

	rec, err := store.FindBySessionID(ctx, sessionID)
	if err != nil {
		a.log.WithError(err).WithField("session_id", sessionID).Warn("failed to look up conversation")
		return nil
	}
	return rec
}

// Close releases the store. Later calls behave as if no store exists.
func (a *Adapter) Close() {
	// Spend the once so a store is never opened after Close.
	a.once.Do(func() {})

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	a.closed = true
	if a.store == nil {
		return
	}
	if err := a.store.Close(); err != nil {
		a.log.WithError(err).Warn("failed to close conversation store")
	}
}
