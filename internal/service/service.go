// Package service composes the conversation collection, the streaming
// controllers, the retry coordinators and durable persistence.
package service

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/coveo-labs/barca-sports-assistant/internal/adapter/assistant"
	"github.com/coveo-labs/barca-sports-assistant/internal/conversation"
	"github.com/coveo-labs/barca-sports-assistant/internal/domain"
	"github.com/coveo-labs/barca-sports-assistant/internal/persistence"
	"github.com/coveo-labs/barca-sports-assistant/internal/retry"
	"github.com/coveo-labs/barca-sports-assistant/internal/session"
)

// Sentinel errors returned by the service.
var (
	ErrNotFound     = session.ErrNotFound
	ErrBusy         = session.ErrBusy
	ErrEmptyMessage = session.ErrEmptyMessage
)

// Broadcaster pushes frames to live subscribers of a conversation.
type Broadcaster interface {
	BroadcastJSON(localID string, v interface{}) error
	HasSubscribers(localID string) bool
}

// Option configures a Service.
type Option func(*Service)

// WithRetryPolicy installs a policy consulted before each automatic retry.
func WithRetryPolicy(p retry.Policy) Option {
	return func(s *Service) { s.policy = p }
}

// WithBroadcaster sends conversation_updated frames to b.
func WithBroadcaster(b Broadcaster) Option {
	return func(s *Service) { s.broadcaster = b }
}

// WithLogger sets the service logger.
func WithLogger(log *logrus.Entry) Option {
	return func(s *Service) { s.log = log }
}

// WithRetryDelay overrides the automatic retry delay.
func WithRetryDelay(d time.Duration) Option {
	return func(s *Service) { s.retryDelay = d }
}

// runtime is the live machinery of one conversation.
type runtime struct {
	ctrl  *session.Controller
	coord *retry.Coordinator
	unsub func()
}

// Service manages the set of conversations.
type Service struct {
	coll        *session.Collection
	store       *persistence.Adapter
	persister   *session.Persister
	client      assistant.Streamer
	policy      retry.Policy
	broadcaster Broadcaster
	retryDelay  time.Duration
	log         *logrus.Entry

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	runtimes map[string]*runtime
	active   string
	closed   bool
	unsub    func()
}

// New creates a service backed by store and client.
func New(store *persistence.Adapter, client assistant.Streamer, opts ...Option) *Service {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		coll:       session.NewCollection(),
		store:      store,
		client:     client,
		retryDelay: retry.Delay,
		log:        logrus.NewEntry(logrus.StandardLogger()),
		ctx:        ctx,
		cancel:     cancel,
		runtimes:   make(map[string]*runtime),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.WithField("component", "service")
	s.persister = session.NewPersister(s.coll, store, s.log)
	s.unsub = s.coll.OnChange(s.onCollectionChange)
	return s
}

// Start loads the durable records, merges them with whatever is already in
// memory and then enables debounced persistence.
func (s *Service) Start(ctx context.Context) {
	durable := s.store.LoadAll(ctx)
	s.coll.Update(func(records []domain.ConversationRecord) []domain.ConversationRecord {
		return conversation.Merge(records, durable)
	})
	s.persister.Enable()
	s.persister.Rearm()
	s.log.WithField("count", len(durable)).Info("conversations loaded")
}

// Reconcile merges conversation summaries obtained from the server into the
// in-memory collection and returns the result, most recent first.
func (s *Service) Reconcile(summaries []domain.ConversationRecord) []domain.ConversationRecord {
	s.coll.Update(func(records []domain.ConversationRecord) []domain.ConversationRecord {
		return conversation.Merge(records, summaries)
	})
	return s.ListConversations()
}

// CreateConversation adds an empty conversation. It becomes durable with
// the next debounced flush.
func (s *Service) CreateConversation(title string) domain.ConversationRecord {
	title = strings.TrimSpace(title)
	if title == "" {
		title = domain.DefaultTitle
	}
	now := domain.Now()
	rec := domain.ConversationRecord{
		LocalID:   domain.NewLocalID(),
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
		Messages:  []domain.ConversationMessage{},
	}
	s.coll.Update(func(records []domain.ConversationRecord) []domain.ConversationRecord {
		return append([]domain.ConversationRecord{rec}, records...)
	})
	return rec
}

// ListConversations returns every conversation, most recent first.
func (s *Service) ListConversations() []domain.ConversationRecord {
	snapshot := s.coll.Snapshot()
	out := make([]domain.ConversationRecord, len(snapshot))
	copy(out, snapshot)
	conversation.SortByUpdatedDesc(out)
	return out
}

// GetConversation returns the record, its visible transcript and its
// stream state.
func (s *Service) GetConversation(localID string) (domain.ConversationView, error) {
	rec, ok := s.coll.Get(localID)
	if !ok {
		return domain.ConversationView{}, ErrNotFound
	}
	view := domain.ConversationView{
		Conversation:    rec,
		VisibleMessages: conversation.VisibleMessages(rec.Messages),
		Stream: domain.StreamSnapshot{
			LocalID:   localID,
			SessionID: rec.SessionID,
			State:     domain.StreamStateIdle,
		},
	}
	if rt := s.lookup(localID); rt != nil {
		view.Stream = rt.ctrl.Snapshot()
	}
	if view.Conversation.Messages == nil {
		view.Conversation.Messages = []domain.ConversationMessage{}
	}
	return view, nil
}

// FindBySessionID returns the conversation carrying a backend session id,
// looking in memory first and then in the durable store.
func (s *Service) FindBySessionID(ctx context.Context, sessionID string) (domain.ConversationRecord, error) {
	if sessionID != "" {
		for _, rec := range s.coll.Snapshot() {
			if rec.SessionID == sessionID {
				return rec.Clone(), nil
			}
		}
	}
	if rec := s.store.FindBySessionID(ctx, sessionID); rec != nil {
		return *rec, nil
	}
	return domain.ConversationRecord{}, ErrNotFound
}

// DeleteConversation removes a conversation from memory and the store.
func (s *Service) DeleteConversation(ctx context.Context, localID string) error {
	if _, ok := s.coll.Get(localID); !ok {
		return ErrNotFound
	}
	s.mu.Lock()
	rt := s.runtimes[localID]
	delete(s.runtimes, localID)
	if s.active == localID {
		s.active = ""
	}
	s.mu.Unlock()
	if rt != nil {
		rt.teardown()
	}

	s.coll.Update(func(records []domain.ConversationRecord) []domain.ConversationRecord {
		out := records[:0]
		for _, rec := range records {
			if rec.LocalID != localID {
				out = append(out, rec)
			}
		}
		return out
	})
	s.store.DeleteOne(ctx, localID)
	return nil
}

// ClearConversations removes every conversation from memory and the store.
func (s *Service) ClearConversations(ctx context.Context) {
	s.mu.Lock()
	runtimes := s.runtimes
	s.runtimes = make(map[string]*runtime)
	s.active = ""
	s.mu.Unlock()
	for _, rt := range runtimes {
		rt.teardown()
	}

	s.coll.Update(func([]domain.ConversationRecord) []domain.ConversationRecord { return nil })
	s.store.ClearAll(ctx)
}

// Activate switches the active conversation. Leaving a conversation drops
// its pending automatic retry; retry budgets start over and the debounce
// timer is re-armed.
func (s *Service) Activate(localID string) error {
	if _, ok := s.coll.Get(localID); !ok {
		return ErrNotFound
	}
	s.mu.Lock()
	previous := s.runtimes[s.active]
	if s.active == localID {
		previous = nil
	}
	s.active = localID
	current := s.runtimes[localID]
	s.mu.Unlock()

	if previous != nil {
		previous.coord.Cancel()
		previous.coord.ResetRetryCount()
	}
	if current != nil {
		current.coord.ResetRetryCount()
	}
	s.persister.Rearm()
	return nil
}

// ActiveID returns the active conversation id, or the empty string.
func (s *Service) ActiveID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// SendMessage starts a manual send on the conversation. The reply streams in
// the background; observe it through GetConversation or the hub.
func (s *Service) SendMessage(localID, text string) (domain.StreamSnapshot, error) {
	if strings.TrimSpace(text) == "" {
		return domain.StreamSnapshot{}, ErrEmptyMessage
	}
	if _, ok := s.coll.Get(localID); !ok {
		return domain.StreamSnapshot{}, ErrNotFound
	}
	rt, err := s.runtime(localID)
	if err != nil {
		return domain.StreamSnapshot{}, err
	}

	if rt.ctrl.Snapshot().IsStreaming {
		return domain.StreamSnapshot{}, ErrBusy
	}
	// A manual send supersedes a scheduled retry and restores the budget.
	rt.coord.Cancel()
	rt.coord.ResetRetryCount()

	done, err := rt.ctrl.Start(s.ctx, text, session.SendOptions{})
	if err != nil {
		return domain.StreamSnapshot{}, err
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		<-done
	}()
	return rt.ctrl.Snapshot(), nil
}

// CancelStream cancels the in-flight stream and any scheduled retry. It
// reports whether a stream was running.
func (s *Service) CancelStream(localID string) (bool, error) {
	if _, ok := s.coll.Get(localID); !ok {
		return false, ErrNotFound
	}
	rt := s.lookup(localID)
	if rt == nil {
		return false, nil
	}
	rt.coord.Cancel()
	return rt.ctrl.Cancel(), nil
}

// Close stops every retry and stream, writes the collection once and
// releases the store.
func (s *Service) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	runtimes := s.runtimes
	s.runtimes = make(map[string]*runtime)
	s.mu.Unlock()

	for _, rt := range runtimes {
		rt.teardown()
	}
	s.cancel()
	s.wg.Wait()

	s.persister.Close()
	s.unsub()
	s.store.Close()
	s.log.Info("conversation service closed")
}

func (s *Service) lookup(localID string) *runtime {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runtimes[localID]
}

// runtime returns the controller and coordinator of a conversation,
// creating them on first use.
func (s *Service) runtime(localID string) (*runtime, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, context.Canceled
	}
	if rt, ok := s.runtimes[localID]; ok {
		return rt, nil
	}

	ctrl := session.NewController(localID, s.coll, s.client, s.log)
	opts := []retry.Option{retry.WithDelay(s.retryDelay), retry.WithLogger(s.log)}
	if s.policy != nil {
		opts = append(opts, retry.WithPolicy(s.policy))
	}
	rt := &runtime{
		ctrl:  ctrl,
		coord: retry.NewCoordinator(ctrl, opts...),
	}
	rt.unsub = ctrl.Subscribe(func(domain.StreamSnapshot) { s.publish(localID) })
	s.runtimes[localID] = rt
	return rt, nil
}

func (rt *runtime) teardown() {
	rt.coord.Stop()
	rt.ctrl.Cancel()
	rt.unsub()
}

func (s *Service) onCollectionChange(change session.Change) {
	if s.broadcaster == nil {
		return
	}
	if change.LocalIDs != nil {
		for _, id := range change.LocalIDs {
			s.publish(id)
		}
		return
	}
	for _, rec := range s.coll.Snapshot() {
		s.publish(rec.LocalID)
	}
}

// publish pushes the current view of a conversation to its subscribers.
func (s *Service) publish(localID string) {
	if s.broadcaster == nil || !s.broadcaster.HasSubscribers(localID) {
		return
	}
	view, err := s.GetConversation(localID)
	if err != nil {
		return
	}
	frame := domain.UpdateFrame{
		Type:             domain.FrameConversationUpdated,
		Ts:               time.Now().UnixMilli(),
		ConversationView: view,
	}
	if err := s.broadcaster.BroadcastJSON(localID, frame); err != nil {
		s.log.WithError(err).WithField("local_id", localID).Warn("failed to broadcast update")
	}
}
