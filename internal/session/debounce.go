package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/coveo-labs/barca-sports-assistant/internal/persistence"
)

// PersistDelay is how long the collection must stay unchanged before it is
// written to the durable store.
const PersistDelay = 500 * time.Millisecond

// Debouncer runs fn once, delay after the last Trigger.
type Debouncer struct {
	delay time.Duration
	fn    func()

	mu      sync.Mutex
	timer   *time.Timer
	seq     uint64
	stopped bool
}

// NewDebouncer creates a debouncer for fn.
func NewDebouncer(delay time.Duration, fn func()) *Debouncer {
	return &Debouncer{delay: delay, fn: fn}
}

// Trigger (re)starts the countdown.
func (d *Debouncer) Trigger() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	if d.timer != nil {
		d.timer.Stop()
	}
	d.seq++
	seq := d.seq
	d.timer = time.AfterFunc(d.delay, func() { d.fire(seq) })
}

func (d *Debouncer) fire(seq uint64) {
	d.mu.Lock()
	// A newer Trigger, Cancel or Flush supersedes this firing.
	if d.seq != seq || d.timer == nil {
		d.mu.Unlock()
		return
	}
	d.timer = nil
	d.mu.Unlock()
	d.fn()
}

// Cancel drops the pending run. It reports whether one was pending.
func (d *Debouncer) Cancel() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.clear()
}

func (d *Debouncer) clear() bool {
	if d.timer == nil {
		return false
	}
	d.timer.Stop()
	d.timer = nil
	d.seq++
	return true
}

// Flush runs a pending fn immediately. It does nothing when idle.
func (d *Debouncer) Flush() {
	d.mu.Lock()
	pending := d.clear()
	d.mu.Unlock()
	if pending {
		d.fn()
	}
}

// Pending reports whether a run is scheduled.
func (d *Debouncer) Pending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.timer != nil
}

// Stop cancels any pending run and ignores later triggers.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.clear()
	d.stopped = true
}

// Persister writes collection snapshots to the durable store once the
// collection has been quiet for PersistDelay. It stays inert until Enable,
// so an empty collection cannot overwrite records that were never loaded.
type Persister struct {
	coll    *Collection
	store   *persistence.Adapter
	log     *logrus.Entry
	deb     *Debouncer
	enabled atomic.Bool
	stop    func()
}

// NewPersister wires a persister to coll.
func NewPersister(coll *Collection, store *persistence.Adapter, log *logrus.Entry) *Persister {
	return newPersister(coll, store, log, PersistDelay)
}

func newPersister(coll *Collection, store *persistence.Adapter, log *logrus.Entry, delay time.Duration) *Persister {
	p := &Persister{
		coll:  coll,
		store: store,
		log:   log.WithField("component", "persister"),
	}
	p.deb = NewDebouncer(delay, p.save)
	p.stop = coll.OnChange(func(Change) {
		if p.enabled.Load() {
			p.deb.Trigger()
		}
	})
	return p
}

// Enable starts persisting changes.
func (p *Persister) Enable() {
	p.enabled.Store(true)
}

// Rearm drops the pending write and starts a fresh countdown.
func (p *Persister) Rearm() {
	if !p.enabled.Load() {
		return
	}
	p.deb.Cancel()
	p.deb.Trigger()
}

// Flush writes a pending snapshot now.
func (p *Persister) Flush() {
	p.deb.Flush()
}

// Close stops the timer and writes the current snapshot once.
func (p *Persister) Close() {
	p.stop()
	p.deb.Stop()
	if p.enabled.Load() {
		p.save()
	}
}

func (p *Persister) save() {
	records := p.coll.Snapshot()
	p.log.WithField("count", len(records)).Debug("persisting conversations")
	p.store.SaveAll(context.Background(), records)
}
