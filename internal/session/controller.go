package session

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/coveo-labs/barca-sports-assistant/internal/adapter/assistant"
	"github.com/coveo-labs/barca-sports-assistant/internal/conversation"
	"github.com/coveo-labs/barca-sports-assistant/internal/domain"
)

var (
	// ErrBusy is returned by Send while a stream is in flight.
	ErrBusy = errors.New("a response is already streaming for this conversation")
	// ErrNotFound is returned when the conversation does not exist.
	ErrNotFound = errors.New("conversation not found")
	// ErrEmptyMessage is returned for blank message content.
	ErrEmptyMessage = errors.New("message content is empty")
)

// SendOptions modifies a Send.
type SendOptions struct {
	// IsAutoRetry marks the user message as a synthetic continuation.
	IsAutoRetry bool
}

// Controller drives the streaming exchange of one conversation. At most one
// stream is in flight at a time.
type Controller struct {
	localID string
	coll    *Collection
	client  assistant.Streamer
	log     *logrus.Entry

	mu          sync.Mutex
	state       domain.StreamState
	streamError string
	errorCode   string
	cancel      context.CancelFunc
	subs        map[int]func(domain.StreamSnapshot)
	nextSub     int
}

// NewController creates an idle controller for the conversation localID.
func NewController(localID string, coll *Collection, client assistant.Streamer, log *logrus.Entry) *Controller {
	return &Controller{
		localID: localID,
		coll:    coll,
		client:  client,
		log:     log.WithFields(logrus.Fields{"component": "controller", "local_id": localID}),
		state:   domain.StreamStateIdle,
		subs:    make(map[int]func(domain.StreamSnapshot)),
	}
}

// LocalID returns the conversation id.
func (c *Controller) LocalID() string {
	return c.localID
}

// Snapshot returns the observable state of the controller.
func (c *Controller) Snapshot() domain.StreamSnapshot {
	c.mu.Lock()
	snap := domain.StreamSnapshot{
		LocalID:     c.localID,
		State:       c.state,
		IsStreaming: c.state == domain.StreamStateStreaming,
		StreamError: c.streamError,
		ErrorCode:   c.errorCode,
	}
	c.mu.Unlock()

	if rec, ok := c.coll.Get(c.localID); ok {
		snap.SessionID = rec.SessionID
	}
	return snap
}

// Subscribe registers fn to receive a snapshot after every state change.
// fn runs without controller locks held.
func (c *Controller) Subscribe(fn func(domain.StreamSnapshot)) func() {
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
	}
}

func (c *Controller) notify() {
	snap := c.Snapshot()
	c.mu.Lock()
	subs := make([]func(domain.StreamSnapshot), 0, len(c.subs))
	for _, fn := range c.subs {
		subs = append(subs, fn)
	}
	c.mu.Unlock()

	for _, fn := range subs {
		fn(snap)
	}
}

// Send appends a user message and streams the assistant's reply into the
// conversation. It blocks until the stream settles. Stream failures are
// reported through the controller state, not the returned error.
func (c *Controller) Send(ctx context.Context, text string, opts SendOptions) error {
	done, err := c.Start(ctx, text, opts)
	if err != nil {
		return err
	}
	<-done
	return nil
}

// Start is Send without the wait: it appends the user message, opens the
// stream in the background and returns a channel closed once the stream
// settles.
func (c *Controller) Start(ctx context.Context, text string, opts SendOptions) (<-chan struct{}, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyMessage
	}

	c.mu.Lock()
	if c.state == domain.StreamStateStreaming {
		c.mu.Unlock()
		return nil, ErrBusy
	}
	streamCtx, cancel := context.WithCancel(ctx)
	c.state = domain.StreamStateStreaming
	c.streamError = ""
	c.errorCode = ""
	c.cancel = cancel
	c.mu.Unlock()

	userMsg := domain.ConversationMessage{
		ID:          domain.NewMessageID(),
		Role:        domain.RoleUser,
		Kind:        domain.MessageKindText,
		Content:     text,
		IsAutoRetry: opts.IsAutoRetry,
		CreatedAt:   domain.Now(),
	}
	var req domain.StreamRequest
	found := c.coll.UpdateRecord(c.localID, func(rec domain.ConversationRecord) domain.ConversationRecord {
		req = domain.StreamRequest{
			SessionID:   rec.SessionID,
			LocalID:     rec.LocalID,
			Message:     domain.InputMessage{Role: domain.RoleUser, Content: text},
			History:     conversation.HistoryFor(rec),
			IsAutoRetry: opts.IsAutoRetry,
		}
		if !opts.IsAutoRetry && (rec.Title == "" || rec.Title == domain.DefaultTitle) {
			rec.Title = conversation.DeriveTitle(text)
		}
		rec.Messages = append(rec.Messages, userMsg)
		rec.UpdatedAt = domain.Now()
		return rec
	})
	if !found {
		cancel()
		c.mu.Lock()
		c.state = domain.StreamStateIdle
		c.cancel = nil
		c.mu.Unlock()
		return nil, ErrNotFound
	}
	c.notify()

	log := c.log.WithFields(logrus.Fields{"session_id": req.SessionID, "auto_retry": opts.IsAutoRetry})
	log.Debug("stream started")

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer cancel()
		run := &streamRun{ctrl: c}
		err := c.client.Stream(streamCtx, &req, run.handle)
		c.settle(streamCtx, err, run, log)
	}()
	return done, nil
}

// Cancel aborts the in-flight stream. It reports whether one was running.
func (c *Controller) Cancel() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel == nil {
		return false
	}
	c.cancel()
	return true
}

// RemoveLastError deletes the most recent error message of the conversation.
func (c *Controller) RemoveLastError() bool {
	removed := false
	c.coll.UpdateRecord(c.localID, func(rec domain.ConversationRecord) domain.ConversationRecord {
		rec.Messages, removed = conversation.RemoveLastError(rec.Messages)
		if removed {
			rec.UpdatedAt = domain.Now()
		}
		return rec
	})
	return removed
}

// ClearError resets the stream error and leaves the Error state.
func (c *Controller) ClearError() {
	c.mu.Lock()
	changed := c.streamError != "" || c.state == domain.StreamStateError
	c.streamError = ""
	c.errorCode = ""
	if c.state == domain.StreamStateError {
		c.state = domain.StreamStateIdle
	}
	c.mu.Unlock()
	if changed {
		c.notify()
	}
}

func (c *Controller) settle(ctx context.Context, err error, run *streamRun, log *logrus.Entry) {
	cancelled := err != nil && ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded))

	switch {
	case err == nil:
		run.finish()
		log.Debug("stream completed")
	case cancelled:
		run.dropEphemeral()
		log.Info("stream cancelled")
	default:
		message := assistant.UserMessage(err)
		code := assistant.Code(err)
		if code == "" {
			code = domain.ErrorCodeInternalError
		}
		c.coll.UpdateRecord(c.localID, func(rec domain.ConversationRecord) domain.ConversationRecord {
			rec.Messages = append(rec.Messages, domain.ConversationMessage{
				ID:        domain.NewMessageID(),
				Role:      domain.RoleAssistant,
				Kind:      domain.MessageKindError,
				Content:   message,
				CreatedAt: domain.Now(),
			})
			rec.UpdatedAt = domain.Now()
			return rec
		})
		c.mu.Lock()
		c.state = domain.StreamStateError
		c.streamError = message
		c.errorCode = code
		c.cancel = nil
		c.mu.Unlock()
		log.WithError(err).WithField("code", code).Warn("stream failed")
		c.notify()
		return
	}

	c.mu.Lock()
	c.state = domain.StreamStateIdle
	c.cancel = nil
	c.mu.Unlock()
	c.notify()
}

// streamRun holds the per-stream bookkeeping. It is only touched from the
// stream goroutine.
type streamRun struct {
	ctrl         *Controller
	assistantID  string
	ephemeralIDs []string
	pending      []domain.ThinkingUpdate
}

func (r *streamRun) update(fn func(rec domain.ConversationRecord) domain.ConversationRecord) {
	r.ctrl.coll.UpdateRecord(r.ctrl.localID, func(rec domain.ConversationRecord) domain.ConversationRecord {
		rec = fn(rec)
		rec.UpdatedAt = domain.Now()
		return rec
	})
}

func malformed(err error) error {
	return &assistant.StreamError{Code: assistant.CodeMalformed, Message: err.Error()}
}

func (r *streamRun) handle(event assistant.SSEEvent) error {
	switch event.Event {
	case domain.EventSession:
		evt, err := assistant.ParseSessionEvent(event.Data)
		if err != nil {
			return malformed(err)
		}
		if evt.SessionID == "" {
			return nil
		}
		r.update(func(rec domain.ConversationRecord) domain.ConversationRecord {
			rec.SessionID = evt.SessionID
			return rec
		})
		r.ctrl.notify()

	case domain.EventStatus:
		evt, err := assistant.ParseStatusEvent(event.Data)
		if err != nil {
			return malformed(err)
		}
		r.thinking(domain.MessageKindStatus, "", evt.Message)

	case domain.EventTool:
		evt, err := assistant.ParseToolEvent(event.Data)
		if err != nil {
			return malformed(err)
		}
		content := evt.Message
		if content == "" {
			content = strings.TrimSpace(evt.Name + " " + evt.Status)
		}
		r.thinking(domain.MessageKindTool, evt.Name, content)

	case domain.EventDelta:
		evt, err := assistant.ParseDeltaEvent(event.Data)
		if err != nil {
			return malformed(err)
		}
		r.update(func(rec domain.ConversationRecord) domain.ConversationRecord {
			msg := r.assistantMessage(&rec, domain.MessageKindText)
			msg.Content += evt.Text
			return rec
		})

	case domain.EventProducts:
		evt, err := assistant.ParseProductsEvent(event.Data)
		if err != nil {
			return malformed(err)
		}
		r.update(func(rec domain.ConversationRecord) domain.ConversationRecord {
			msg := r.assistantMessage(&rec, domain.MessageKindProducts)
			msg.Kind = domain.MessageKindProducts
			if msg.Metadata == nil {
				msg.Metadata = &domain.MessageMetadata{}
			}
			msg.Metadata.Products = append(msg.Metadata.Products, evt.Products...)
			return rec
		})

	case domain.EventDone:
		evt, err := assistant.ParseDoneEvent(event.Data)
		if err != nil {
			return malformed(err)
		}
		if evt.FinalMessage == "" {
			return nil
		}
		r.update(func(rec domain.ConversationRecord) domain.ConversationRecord {
			msg := r.assistantMessage(&rec, domain.MessageKindText)
			if msg.Content == "" {
				msg.Content = evt.FinalMessage
			}
			return rec
		})
	}
	return nil
}

// thinking appends an ephemeral status or tool message and remembers it as a
// pending thinking update.
func (r *streamRun) thinking(kind domain.MessageKind, toolName, content string) {
	now := domain.Now()
	msg := domain.ConversationMessage{
		ID:        domain.NewMessageID(),
		Role:      domain.RoleAssistant,
		Kind:      kind,
		Content:   content,
		Ephemeral: true,
		CreatedAt: now,
	}
	r.ephemeralIDs = append(r.ephemeralIDs, msg.ID)
	r.pending = append(r.pending, domain.ThinkingUpdate{
		ID:        domain.NewUpdateID(),
		Kind:      kind,
		ToolName:  toolName,
		Content:   content,
		CreatedAt: now,
	})
	r.update(func(rec domain.ConversationRecord) domain.ConversationRecord {
		rec.Messages = append(rec.Messages, msg)
		return rec
	})
}

// assistantMessage returns the message receiving this stream's output,
// appending a new one on first use.
func (r *streamRun) assistantMessage(rec *domain.ConversationRecord, kind domain.MessageKind) *domain.ConversationMessage {
	if r.assistantID != "" {
		for i := range rec.Messages {
			if rec.Messages[i].ID == r.assistantID {
				return &rec.Messages[i]
			}
		}
	}
	msg := domain.ConversationMessage{
		ID:        domain.NewMessageID(),
		Role:      domain.RoleAssistant,
		Kind:      kind,
		CreatedAt: domain.Now(),
	}
	r.assistantID = msg.ID
	rec.Messages = append(rec.Messages, msg)
	return &rec.Messages[len(rec.Messages)-1]
}

// finish attaches the collected thinking updates to the terminal assistant
// message and removes the ephemeral messages they came from. Without a
// terminal message the ephemeral messages stay.
func (r *streamRun) finish() {
	if r.assistantID == "" {
		return
	}
	r.update(func(rec domain.ConversationRecord) domain.ConversationRecord {
		rec.Messages = withoutIDs(rec.Messages, r.ephemeralIDs)
		if len(r.pending) == 0 {
			return rec
		}
		for i := range rec.Messages {
			if rec.Messages[i].ID != r.assistantID {
				continue
			}
			if rec.Messages[i].Metadata == nil {
				rec.Messages[i].Metadata = &domain.MessageMetadata{}
			}
			rec.Messages[i].Metadata.ThinkingUpdates = append(rec.Messages[i].Metadata.ThinkingUpdates, r.pending...)
		}
		return rec
	})
}

func (r *streamRun) dropEphemeral() {
	if len(r.ephemeralIDs) == 0 {
		return
	}
	r.update(func(rec domain.ConversationRecord) domain.ConversationRecord {
		rec.Messages = withoutIDs(rec.Messages, r.ephemeralIDs)
		return rec
	})
}

func withoutIDs(msgs []domain.ConversationMessage, ids []string) []domain.ConversationMessage {
	if len(ids) == 0 {
		return msgs
	}
	drop := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		drop[id] = struct{}{}
	}
	out := make([]domain.ConversationMessage, 0, len(msgs))
	for _, m := range msgs {
		if _, ok := drop[m.ID]; ok {
			continue
		}
		out = append(out, m)
	}
	return out
}
