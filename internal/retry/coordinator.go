// Package retry resends a "continue" message after a failed stream.
package retry

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/coveo-labs/barca-sports-assistant/internal/domain"
	"github.com/coveo-labs/barca-sports-assistant/internal/policy"
	"github.com/coveo-labs/barca-sports-assistant/internal/session"
)

const (
	// MaxAttempts is the retry budget per manual send.
	MaxAttempts = 2
	// Delay separates a failure from its automatic retry.
	Delay = 500 * time.Millisecond
)

// Sender is the part of a session controller the coordinator drives.
type Sender interface {
	Snapshot() domain.StreamSnapshot
	Subscribe(fn func(domain.StreamSnapshot)) func()
	Send(ctx context.Context, text string, opts session.SendOptions) error
	RemoveLastError() bool
	ClearError()
}

// Policy can veto a retry the built-in gates allow.
type Policy interface {
	AllowRetry(ctx context.Context, input policy.Input) (bool, error)
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithPolicy adds a policy consulted after the built-in gates.
func WithPolicy(p Policy) Option {
	return func(c *Coordinator) { c.policy = p }
}

// WithDelay overrides Delay.
func WithDelay(d time.Duration) Option {
	return func(c *Coordinator) { c.delay = d }
}

// WithLogger sets the logger.
func WithLogger(log *logrus.Entry) Option {
	return func(c *Coordinator) { c.log = log }
}

// Coordinator watches one controller and retries failed streams.
//
// The attempt counter is incremented when a retry is scheduled, before the
// delayed send runs. A cancelled retry therefore still counts against the
// budget until ResetRetryCount.
type Coordinator struct {
	sender Sender
	policy Policy
	delay  time.Duration
	log    *logrus.Entry

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	attempts int
	inFlight bool
	timer    *time.Timer
	gen      uint64
	stopped  bool
	unsub    func()
	wg       sync.WaitGroup
}

// NewCoordinator subscribes to sender and starts observing it.
func NewCoordinator(sender Sender, opts ...Option) *Coordinator {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		sender: sender,
		delay:  Delay,
		log:    logrus.NewEntry(logrus.StandardLogger()),
		ctx:    ctx,
		cancel: cancel,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.WithField("component", "retry")
	c.unsub = sender.Subscribe(c.observe)
	return c
}

// Attempts returns the number of retries scheduled since the last reset.
func (c *Coordinator) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// ResetRetryCount restores the full retry budget. Call it before every
// manual send.
func (c *Coordinator) ResetRetryCount() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attempts = 0
}

// Cancel drops a scheduled retry that has not started yet.
func (c *Coordinator) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dropTimer()
}

// dropTimer also invalidates a retry that is still being scheduled.
func (c *Coordinator) dropTimer() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.gen++
	c.inFlight = false
}

// Stop cancels any pending retry, aborts a running one and stops observing.
// It waits for a running retry to return.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	c.dropTimer()
	c.mu.Unlock()

	c.unsub()
	c.cancel()
	c.wg.Wait()
}

func (c *Coordinator) observe(snap domain.StreamSnapshot) {
	c.mu.Lock()
	if c.stopped || !c.eligible(snap) {
		c.mu.Unlock()
		return
	}
	input := policy.Input{
		Attempts:    c.attempts,
		MaxAttempts: MaxAttempts,
		SessionID:   snap.SessionID,
		StreamError: snap.StreamError,
		ErrorCode:   snap.ErrorCode,
		IsStreaming: snap.IsStreaming,
		InFlight:    c.inFlight,
	}
	// Claim the slot before releasing the lock so concurrent observations
	// cannot schedule a second retry.
	c.inFlight = true
	c.mu.Unlock()

	if !c.allowedByPolicy(input) {
		c.mu.Lock()
		c.inFlight = false
		c.mu.Unlock()
		return
	}

	c.mu.Lock()
	if c.stopped {
		c.inFlight = false
		c.mu.Unlock()
		return
	}
	c.attempts++
	attempt := c.attempts
	c.mu.Unlock()

	log := c.log.WithFields(logrus.Fields{
		"local_id":   snap.LocalID,
		"session_id": snap.SessionID,
		"attempt":    attempt,
		"error_code": snap.ErrorCode,
	})
	log.Info("scheduling automatic retry")

	c.sender.RemoveLastError()
	c.sender.ClearError()

	c.mu.Lock()
	if c.stopped || !c.inFlight {
		c.inFlight = false
		c.mu.Unlock()
		return
	}
	c.gen++
	gen := c.gen
	c.timer = time.AfterFunc(c.delay, func() { c.fire(gen, log) })
	c.mu.Unlock()
}

// eligible applies the built-in gates. Callers hold c.mu.
func (c *Coordinator) eligible(snap domain.StreamSnapshot) bool {
	return snap.StreamError != "" &&
		!snap.IsStreaming &&
		!c.inFlight &&
		snap.SessionID != "" &&
		c.attempts < MaxAttempts
}

func (c *Coordinator) allowedByPolicy(input policy.Input) bool {
	if c.policy == nil {
		return true
	}
	allowed, err := c.policy.AllowRetry(c.ctx, input)
	if err != nil {
		// Fall back to the built-in decision, which already allowed it.
		c.log.WithError(err).Warn("retry policy evaluation failed")
		return true
	}
	return allowed
}

func (c *Coordinator) fire(gen uint64, log *logrus.Entry) {
	c.mu.Lock()
	if c.stopped || c.gen != gen {
		c.mu.Unlock()
		return
	}
	c.timer = nil
	c.wg.Add(1)
	c.mu.Unlock()
	defer c.wg.Done()

	err := c.sender.Send(c.ctx, domain.AutoRetryContent, session.SendOptions{IsAutoRetry: true})
	if err != nil {
		log.WithError(err).Warn("automatic retry was not sent")
	}

	c.mu.Lock()
	if c.gen == gen {
		c.inFlight = false
	}
	stopped := c.stopped
	c.mu.Unlock()

	// Failures reported while the guard was held were ignored, so look again.
	if !stopped {
		c.observe(c.sender.Snapshot())
	}
}
