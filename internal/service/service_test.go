package service

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coveo-labs/barca-sports-assistant/internal/adapter/assistant"
	"github.com/coveo-labs/barca-sports-assistant/internal/domain"
	"github.com/coveo-labs/barca-sports-assistant/internal/logger"
	"github.com/coveo-labs/barca-sports-assistant/internal/persistence"
	"github.com/coveo-labs/barca-sports-assistant/internal/repository"
)

// fakeStreamer answers every request with a session event and a short reply.
// With block set it waits for cancellation instead. The first failures calls
// fail with an aborted stream.
type fakeStreamer struct {
	mu       sync.Mutex
	block    bool
	failures int
	requests []domain.StreamRequest
}

func (f *fakeStreamer) Stream(ctx context.Context, req *domain.StreamRequest, handler assistant.EventHandler) error {
	f.mu.Lock()
	f.requests = append(f.requests, *req)
	call := len(f.requests)
	block, failures := f.block, f.failures
	f.mu.Unlock()

	if err := handler(jsonEvent(domain.EventSession, domain.SessionEventData{SessionID: "sess-" + req.LocalID})); err != nil {
		return err
	}
	if block {
		<-ctx.Done()
		return ctx.Err()
	}
	if call <= failures {
		return &assistant.StreamError{Code: assistant.CodeAborted, Message: "connection reset"}
	}
	if err := handler(jsonEvent(domain.EventDelta, domain.DeltaEventData{Text: "Here are some cleats."})); err != nil {
		return err
	}
	return handler(jsonEvent(domain.EventDone, domain.DoneEventData{}))
}

func (f *fakeStreamer) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func jsonEvent(name string, data any) assistant.SSEEvent {
	b, _ := json.Marshal(data)
	return assistant.SSEEvent{Event: name, Data: string(b)}
}

// recordingBroadcaster captures frames for every conversation.
type recordingBroadcaster struct {
	mu     sync.Mutex
	frames map[string][]domain.UpdateFrame
}

func (r *recordingBroadcaster) BroadcastJSON(localID string, v interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frames == nil {
		r.frames = make(map[string][]domain.UpdateFrame)
	}
	r.frames[localID] = append(r.frames[localID], v.(domain.UpdateFrame))
	return nil
}

func (r *recordingBroadcaster) HasSubscribers(string) bool { return true }

func (r *recordingBroadcaster) last(localID string) (domain.UpdateFrame, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	frames := r.frames[localID]
	if len(frames) == 0 {
		return domain.UpdateFrame{}, false
	}
	return frames[len(frames)-1], true
}

func sqliteAdapter(t *testing.T, path string) *persistence.Adapter {
	t.Helper()
	return persistence.New(func() (repository.Store, error) {
		return repository.NewSQLiteStore(path)
	}, time.Second, logger.Discard())
}

func newService(t *testing.T, streamer assistant.Streamer, opts ...Option) (*Service, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "conversations.db")
	opts = append([]Option{WithLogger(logger.Discard()), WithRetryDelay(10 * time.Millisecond)}, opts...)
	svc := New(sqliteAdapter(t, path), streamer, opts...)
	svc.Start(context.Background())
	t.Cleanup(svc.Close)
	return svc, path
}

// countingStore counts writes that reach the underlying store.
type countingStore struct {
	repository.Store
	saveOne atomic.Int32
	saveAll atomic.Int32
}

func (c *countingStore) SaveOne(ctx context.Context, rec domain.ConversationRecord) error {
	c.saveOne.Add(1)
	return c.Store.SaveOne(ctx, rec)
}

func (c *countingStore) SaveAll(ctx context.Context, recs []domain.ConversationRecord) error {
	c.saveAll.Add(1)
	return c.Store.SaveAll(ctx, recs)
}

func waitIdle(t *testing.T, svc *Service, localID string) domain.ConversationView {
	t.Helper()
	var view domain.ConversationView
	require.Eventually(t, func() bool {
		var err error
		view, err = svc.GetConversation(localID)
		return err == nil && !view.Stream.IsStreaming
	}, 2*time.Second, 5*time.Millisecond)
	return view
}

func TestServiceSendMessageStreamsReply(t *testing.T) {
	streamer := &fakeStreamer{}
	svc, _ := newService(t, streamer)

	rec := svc.CreateConversation("")
	assert.Equal(t, domain.DefaultTitle, rec.Title)

	snap, err := svc.SendMessage(rec.LocalID, "  show me running shoes  ")
	require.NoError(t, err)
	assert.Equal(t, rec.LocalID, snap.LocalID)

	view := waitIdle(t, svc, rec.LocalID)
	assert.Equal(t, domain.StreamStateIdle, view.Stream.State)
	assert.Equal(t, "sess-"+rec.LocalID, view.Stream.SessionID)
	assert.Equal(t, "show me running shoes", view.Conversation.Title)
	require.Len(t, view.VisibleMessages, 2)
	assert.Equal(t, domain.RoleUser, view.VisibleMessages[0].Role)
	assert.Equal(t, "Here are some cleats.", view.VisibleMessages[1].Content)
}

func TestServiceSendValidation(t *testing.T) {
	svc, _ := newService(t, &fakeStreamer{block: true})

	_, err := svc.SendMessage("missing", "hello")
	assert.ErrorIs(t, err, ErrNotFound)

	rec := svc.CreateConversation("Boots")
	_, err = svc.SendMessage(rec.LocalID, "   ")
	assert.ErrorIs(t, err, ErrEmptyMessage)

	_, err = svc.SendMessage(rec.LocalID, "first")
	require.NoError(t, err)
	_, err = svc.SendMessage(rec.LocalID, "second")
	assert.ErrorIs(t, err, ErrBusy)

	running, err := svc.CancelStream(rec.LocalID)
	require.NoError(t, err)
	assert.True(t, running)

	view := waitIdle(t, svc, rec.LocalID)
	assert.Equal(t, domain.StreamStateIdle, view.Stream.State)
	assert.Empty(t, view.Stream.StreamError)
	assert.Equal(t, "Boots", view.Conversation.Title, "explicit titles are kept")
}

func TestServiceAutoRetryAfterFailure(t *testing.T) {
	streamer := &fakeStreamer{failures: 1}
	svc, _ := newService(t, streamer)

	rec := svc.CreateConversation("")
	_, err := svc.SendMessage(rec.LocalID, "find cleats")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		view, err := svc.GetConversation(rec.LocalID)
		return err == nil && streamer.calls() == 2 && view.Stream.State == domain.StreamStateIdle
	}, 2*time.Second, 5*time.Millisecond)

	view, err := svc.GetConversation(rec.LocalID)
	require.NoError(t, err)
	for _, m := range view.VisibleMessages {
		assert.False(t, m.IsAutoRetry, "retry continuations are hidden")
		assert.NotEqual(t, domain.MessageKindError, m.Kind)
	}
}

func TestServiceListDeleteAndClear(t *testing.T) {
	svc, _ := newService(t, &fakeStreamer{})
	ctx := context.Background()

	first := svc.CreateConversation("first")
	time.Sleep(2 * time.Millisecond)
	second := svc.CreateConversation("second")

	list := svc.ListConversations()
	require.Len(t, list, 2)
	assert.Equal(t, second.LocalID, list[0].LocalID)

	require.NoError(t, svc.DeleteConversation(ctx, first.LocalID))
	assert.ErrorIs(t, svc.DeleteConversation(ctx, first.LocalID), ErrNotFound)
	_, err := svc.GetConversation(first.LocalID)
	assert.ErrorIs(t, err, ErrNotFound)

	svc.ClearConversations(ctx)
	assert.Empty(t, svc.ListConversations())
}

func TestServiceActivate(t *testing.T) {
	svc, _ := newService(t, &fakeStreamer{})
	rec := svc.CreateConversation("")

	assert.ErrorIs(t, svc.Activate("missing"), ErrNotFound)
	require.NoError(t, svc.Activate(rec.LocalID))
	assert.Equal(t, rec.LocalID, svc.ActiveID())

	require.NoError(t, svc.DeleteConversation(context.Background(), rec.LocalID))
	assert.Empty(t, svc.ActiveID())
}

func TestServiceReconcileMergesNewerRecords(t *testing.T) {
	svc, _ := newService(t, &fakeStreamer{})
	local := svc.CreateConversation("local")

	remote := local
	remote.Title = "renamed on server"
	remote.UpdatedAt = "2999-01-01T00:00:00.000Z"
	other := domain.ConversationRecord{
		LocalID:   "conv_remote",
		SessionID: "sess-remote",
		Title:     "remote only",
		CreatedAt: "2020-01-01T00:00:00.000Z",
		UpdatedAt: "2020-01-01T00:00:00.000Z",
	}

	list := svc.Reconcile([]domain.ConversationRecord{remote, other, {Title: "no id"}})
	require.Len(t, list, 2)
	assert.Equal(t, "renamed on server", list[0].Title)
	assert.Equal(t, "conv_remote", list[1].LocalID)

	found, err := svc.FindBySessionID(context.Background(), "sess-remote")
	require.NoError(t, err)
	assert.Equal(t, "conv_remote", found.LocalID)

	_, err = svc.FindBySessionID(context.Background(), "sess-unknown")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestServicePersistsAcrossRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conversations.db")

	svc := New(sqliteAdapter(t, path), &fakeStreamer{}, WithLogger(logger.Discard()))
	svc.Start(context.Background())
	rec := svc.CreateConversation("")
	_, err := svc.SendMessage(rec.LocalID, "trail shoes")
	require.NoError(t, err)
	waitIdle(t, svc, rec.LocalID)
	svc.Close()
	svc.Close()

	reopened := New(sqliteAdapter(t, path), &fakeStreamer{}, WithLogger(logger.Discard()))
	reopened.Start(context.Background())
	defer reopened.Close()

	view, err := reopened.GetConversation(rec.LocalID)
	require.NoError(t, err)
	assert.Equal(t, "trail shoes", view.Conversation.Title)
	assert.Len(t, view.Conversation.Messages, 2)
	assert.Equal(t, domain.StreamStateIdle, view.Stream.State)

	found, err := reopened.FindBySessionID(context.Background(), "sess-"+rec.LocalID)
	require.NoError(t, err)
	assert.Equal(t, rec.LocalID, found.LocalID)
}

func TestServiceBroadcastsUpdates(t *testing.T) {
	frames := &recordingBroadcaster{}
	svc, _ := newService(t, &fakeStreamer{}, WithBroadcaster(frames))

	rec := svc.CreateConversation("")
	_, err := svc.SendMessage(rec.LocalID, "jerseys")
	require.NoError(t, err)
	waitIdle(t, svc, rec.LocalID)

	require.Eventually(t, func() bool {
		frame, ok := frames.last(rec.LocalID)
		return ok && !frame.Stream.IsStreaming && len(frame.VisibleMessages) == 2
	}, time.Second, 5*time.Millisecond)

	frame, _ := frames.last(rec.LocalID)
	assert.Equal(t, domain.FrameConversationUpdated, frame.Type)
	assert.NotZero(t, frame.Ts)
}

func TestServiceCloseCancelsStreams(t *testing.T) {
	streamer := &fakeStreamer{block: true}
	path := filepath.Join(t.TempDir(), "conversations.db")
	svc := New(sqliteAdapter(t, path), streamer, WithLogger(logger.Discard()))
	svc.Start(context.Background())

	rec := svc.CreateConversation("")
	_, err := svc.SendMessage(rec.LocalID, "hello")
	require.NoError(t, err)

	closed := make(chan struct{})
	go func() {
		svc.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return")
	}

	_, err = svc.SendMessage(rec.LocalID, "again")
	assert.Error(t, err)
}

func TestServiceWorksWithoutStorage(t *testing.T) {
	broken := persistence.New(func() (repository.Store, error) {
		return nil, errors.New("storage unavailable")
	}, time.Second, logger.Discard())
	svc := New(broken, &fakeStreamer{}, WithLogger(logger.Discard()))
	svc.Start(context.Background())
	defer svc.Close()

	rec := svc.CreateConversation("")
	_, err := svc.SendMessage(rec.LocalID, "paddleboards")
	require.NoError(t, err)

	view := waitIdle(t, svc, rec.LocalID)
	assert.Equal(t, domain.StreamStateIdle, view.Stream.State)
	assert.Len(t, view.VisibleMessages, 2)
	require.NoError(t, svc.DeleteConversation(context.Background(), rec.LocalID))
}

func TestServiceCreateConversationWaitsForDebouncedFlush(t *testing.T) {
	inner, err := repository.NewSQLiteStore(filepath.Join(t.TempDir(), "conversations.db"))
	require.NoError(t, err)
	store := &countingStore{Store: inner}
	adapter := persistence.New(func() (repository.Store, error) { return store, nil }, time.Second, logger.Discard())

	svc := New(adapter, &fakeStreamer{}, WithLogger(logger.Discard()))
	svc.Start(context.Background())
	t.Cleanup(svc.Close)

	rec := svc.CreateConversation("Shin guards")
	assert.Zero(t, store.saveOne.Load())
	assert.Zero(t, store.saveAll.Load())

	require.Eventually(t, func() bool {
		if store.saveAll.Load() == 0 {
			return false
		}
		durable, err := inner.LoadAll(context.Background())
		if err != nil {
			return false
		}
		for _, r := range durable {
			if r.LocalID == rec.LocalID {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
	assert.Zero(t, store.saveOne.Load())
}
