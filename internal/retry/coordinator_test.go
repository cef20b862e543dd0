package retry

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coveo-labs/barca-sports-assistant/internal/adapter/assistant"
	"github.com/coveo-labs/barca-sports-assistant/internal/domain"
	"github.com/coveo-labs/barca-sports-assistant/internal/logger"
	"github.com/coveo-labs/barca-sports-assistant/internal/policy"
	"github.com/coveo-labs/barca-sports-assistant/internal/session"
)

// flakyStreamer fails the first failures calls and succeeds afterwards.
type flakyStreamer struct {
	mu        sync.Mutex
	failures  int
	sessionID string
	requests  []domain.StreamRequest
}

func (f *flakyStreamer) Stream(ctx context.Context, req *domain.StreamRequest, handler assistant.EventHandler) error {
	f.mu.Lock()
	f.requests = append(f.requests, *req)
	call := len(f.requests)
	f.mu.Unlock()

	if f.sessionID != "" {
		b, _ := json.Marshal(domain.SessionEventData{SessionID: f.sessionID})
		if err := handler(assistant.SSEEvent{Event: domain.EventSession, Data: string(b)}); err != nil {
			return err
		}
	}
	if call <= f.failures {
		return &assistant.StreamError{Code: assistant.CodeAborted, Message: "connection reset"}
	}
	b, _ := json.Marshal(domain.DeltaEventData{Text: "recovered"})
	if err := handler(assistant.SSEEvent{Event: domain.EventDelta, Data: string(b)}); err != nil {
		return err
	}
	return handler(assistant.SSEEvent{Event: domain.EventDone, Data: "{}"})
}

func (f *flakyStreamer) calls() []domain.StreamRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.StreamRequest(nil), f.requests...)
}

type fixture struct {
	coll     *session.Collection
	ctrl     *session.Controller
	streamer *flakyStreamer
	coord    *Coordinator
}

func newFixture(t *testing.T, streamer *flakyStreamer, opts ...Option) *fixture {
	t.Helper()
	coll := session.NewCollection()
	coll.Update(func([]domain.ConversationRecord) []domain.ConversationRecord {
		return []domain.ConversationRecord{{LocalID: "c1", Title: domain.DefaultTitle, CreatedAt: domain.Now(), UpdatedAt: domain.Now()}}
	})
	ctrl := session.NewController("c1", coll, streamer, logger.Discard())
	opts = append([]Option{WithDelay(10 * time.Millisecond), WithLogger(logger.Discard())}, opts...)
	coord := NewCoordinator(ctrl, opts...)
	t.Cleanup(coord.Stop)
	return &fixture{coll: coll, ctrl: ctrl, streamer: streamer, coord: coord}
}

func (f *fixture) errorMessages() int {
	rec, _ := f.coll.Get("c1")
	n := 0
	for _, m := range rec.Messages {
		if m.Kind == domain.MessageKindError {
			n++
		}
	}
	return n
}

func settled(f *fixture, calls int) func() bool {
	return func() bool {
		return len(f.streamer.calls()) == calls && !f.ctrl.Snapshot().IsStreaming
	}
}

func TestCoordinatorRetriesAtMostTwice(t *testing.T) {
	f := newFixture(t, &flakyStreamer{failures: 10, sessionID: "sess-1"})

	require.NoError(t, f.ctrl.Send(context.Background(), "find cleats", session.SendOptions{}))
	require.Eventually(t, settled(f, 3), 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	calls := f.streamer.calls()
	require.Len(t, calls, 3, "one manual send plus two retries")
	assert.False(t, calls[0].IsAutoRetry)
	for _, req := range calls[1:] {
		assert.True(t, req.IsAutoRetry)
		assert.Equal(t, domain.AutoRetryContent, req.Message.Content)
	}
	assert.Equal(t, MaxAttempts, f.coord.Attempts())

	snap := f.ctrl.Snapshot()
	assert.Equal(t, domain.StreamStateError, snap.State)
	assert.NotEmpty(t, snap.StreamError)
	assert.Equal(t, 1, f.errorMessages(), "earlier error messages are removed by retries")
}

func TestCoordinatorRecoversOnRetry(t *testing.T) {
	f := newFixture(t, &flakyStreamer{failures: 1, sessionID: "sess-1"})

	require.NoError(t, f.ctrl.Send(context.Background(), "find cleats", session.SendOptions{}))
	require.Eventually(t, settled(f, 2), 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return f.ctrl.Snapshot().State == domain.StreamStateIdle }, time.Second, 5*time.Millisecond)

	assert.Equal(t, 1, f.coord.Attempts())
	assert.Equal(t, 0, f.errorMessages())

	rec, _ := f.coll.Get("c1")
	assert.Equal(t, "recovered", rec.LastMessage().Content)
	for _, m := range rec.Messages {
		if m.IsAutoRetry {
			assert.Equal(t, domain.AutoRetryContent, m.Content)
		}
	}
}

func TestCoordinatorRequiresSessionID(t *testing.T) {
	f := newFixture(t, &flakyStreamer{failures: 10})

	require.NoError(t, f.ctrl.Send(context.Background(), "hello", session.SendOptions{}))
	time.Sleep(60 * time.Millisecond)

	assert.Len(t, f.streamer.calls(), 1)
	assert.Equal(t, 0, f.coord.Attempts())
	assert.Equal(t, domain.StreamStateError, f.ctrl.Snapshot().State)
}

func TestCoordinatorResetRestoresBudget(t *testing.T) {
	f := newFixture(t, &flakyStreamer{failures: 10, sessionID: "sess-1"})

	require.NoError(t, f.ctrl.Send(context.Background(), "first", session.SendOptions{}))
	require.Eventually(t, settled(f, 3), 2*time.Second, 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)

	f.coord.ResetRetryCount()
	assert.Equal(t, 0, f.coord.Attempts())

	require.NoError(t, f.ctrl.Send(context.Background(), "second", session.SendOptions{}))
	require.Eventually(t, settled(f, 6), 2*time.Second, 5*time.Millisecond)
}

func TestCoordinatorCancelDropsPendingRetry(t *testing.T) {
	f := newFixture(t, &flakyStreamer{failures: 10, sessionID: "sess-1"}, WithDelay(200*time.Millisecond))

	require.NoError(t, f.ctrl.Send(context.Background(), "hello", session.SendOptions{}))
	require.Equal(t, 1, f.coord.Attempts())
	f.coord.Cancel()

	time.Sleep(300 * time.Millisecond)
	assert.Len(t, f.streamer.calls(), 1)
}

type vetoPolicy struct {
	allow bool
	err   error
	seen  []policy.Input
	mu    sync.Mutex
}

func (v *vetoPolicy) AllowRetry(_ context.Context, in policy.Input) (bool, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.seen = append(v.seen, in)
	return v.allow, v.err
}

func TestCoordinatorPolicyCanVeto(t *testing.T) {
	veto := &vetoPolicy{allow: false}
	f := newFixture(t, &flakyStreamer{failures: 10, sessionID: "sess-1"}, WithPolicy(veto))

	require.NoError(t, f.ctrl.Send(context.Background(), "hello", session.SendOptions{}))
	time.Sleep(60 * time.Millisecond)

	assert.Len(t, f.streamer.calls(), 1)
	assert.Equal(t, 0, f.coord.Attempts())
	veto.mu.Lock()
	require.NotEmpty(t, veto.seen)
	assert.Equal(t, assistant.CodeAborted, veto.seen[0].ErrorCode)
	assert.Equal(t, MaxAttempts, veto.seen[0].MaxAttempts)
	veto.mu.Unlock()
}

func TestCoordinatorPolicyErrorFallsBack(t *testing.T) {
	broken := &vetoPolicy{err: errors.New("eval failed")}
	f := newFixture(t, &flakyStreamer{failures: 1, sessionID: "sess-1"}, WithPolicy(broken))

	require.NoError(t, f.ctrl.Send(context.Background(), "hello", session.SendOptions{}))
	require.Eventually(t, settled(f, 2), 2*time.Second, 5*time.Millisecond)
}

func TestCoordinatorWithRegoPolicy(t *testing.T) {
	engine, err := policy.NewEngine(context.Background(), policy.DefaultPolicy)
	require.NoError(t, err)
	f := newFixture(t, &flakyStreamer{failures: 10, sessionID: "sess-1"}, WithPolicy(engine))

	require.NoError(t, f.ctrl.Send(context.Background(), "hello", session.SendOptions{}))
	require.Eventually(t, settled(f, 3), 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, f.streamer.calls(), 3)
}

func TestCoordinatorStopIsIdempotent(t *testing.T) {
	f := newFixture(t, &flakyStreamer{failures: 10, sessionID: "sess-1"}, WithDelay(100*time.Millisecond))

	require.NoError(t, f.ctrl.Send(context.Background(), "hello", session.SendOptions{}))
	f.coord.Stop()
	f.coord.Stop()
	time.Sleep(150 * time.Millisecond)
	assert.Len(t, f.streamer.calls(), 1)
}
