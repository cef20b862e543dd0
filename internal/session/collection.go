// Package session holds the in-memory conversation collection and the
// per-conversation streaming controller.
package session

import (
	"sync"

	"github.com/coveo-labs/barca-sports-assistant/internal/domain"
)

// Change describes one collection update. LocalIDs lists the conversations
// that changed; it is nil when the whole collection was replaced.
type Change struct {
	LocalIDs []string
}

// Touches reports whether the change may affect localID.
func (c Change) Touches(localID string) bool {
	if c.LocalIDs == nil {
		return true
	}
	for _, id := range c.LocalIDs {
		if id == localID {
			return true
		}
	}
	return false
}

// Collection is the shared set of conversation records. Every write goes
// through Update or UpdateRecord, which replace the stored slice; slices
// handed out by Snapshot are never modified afterwards.
type Collection struct {
	mu        sync.RWMutex
	records   []domain.ConversationRecord
	listeners map[int]func(Change)
	nextID    int
}

// NewCollection creates an empty collection.
func NewCollection() *Collection {
	return &Collection{
		records:   []domain.ConversationRecord{},
		listeners: make(map[int]func(Change)),
	}
}

// Snapshot returns the current records. Callers must not modify them.
func (c *Collection) Snapshot() []domain.ConversationRecord {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.records
}

// Get returns a copy of the record with the given id.
func (c *Collection) Get(localID string) (domain.ConversationRecord, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, rec := range c.records {
		if rec.LocalID == localID {
			return rec.Clone(), true
		}
	}
	return domain.ConversationRecord{}, false
}

// Len returns the number of records.
func (c *Collection) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.records)
}

// Update replaces the whole collection with fn's result. fn receives a
// private copy it may modify freely. fn runs under the collection lock and
// must not call back into the collection.
func (c *Collection) Update(fn func(records []domain.ConversationRecord) []domain.ConversationRecord) {
	c.mu.Lock()
	current := make([]domain.ConversationRecord, len(c.records))
	for i, rec := range c.records {
		current[i] = rec.Clone()
	}
	next := fn(current)
	if next == nil {
		next = []domain.ConversationRecord{}
	}
	c.records = next
	c.mu.Unlock()

	c.emit(Change{})
}

// UpdateRecord replaces the record with the given id by fn's result. It
// reports false, without calling fn, when no such record exists.
func (c *Collection) UpdateRecord(localID string, fn func(rec domain.ConversationRecord) domain.ConversationRecord) bool {
	c.mu.Lock()
	idx := -1
	for i, rec := range c.records {
		if rec.LocalID == localID {
			idx = i
			break
		}
	}
	if idx < 0 {
		c.mu.Unlock()
		return false
	}
	updated := fn(c.records[idx].Clone())
	updated.LocalID = localID

	next := make([]domain.ConversationRecord, len(c.records))
	copy(next, c.records)
	next[idx] = updated
	c.records = next
	c.mu.Unlock()

	c.emit(Change{LocalIDs: []string{localID}})
	return true
}

// OnChange registers fn to run after every update. It returns a function
// that removes the listener.
func (c *Collection) OnChange(fn func(Change)) func() {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
	}
}

// emit runs listeners outside the lock so they may read or update the
// collection.
func (c *Collection) emit(change Change) {
	c.mu.RLock()
	listeners := make([]func(Change), 0, len(c.listeners))
	for _, fn := range c.listeners {
		listeners = append(listeners, fn)
	}
	c.mu.RUnlock()

	for _, fn := range listeners {
		fn(change)
	}
}
