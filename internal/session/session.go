// Package session is the per-connection context the realtime components
// hang off. It is created when an authenticated client connects and
// releases every subscription, presence membership and timer on Close.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/khamis1992/radiant-matches-app-sub000/internal/alert"
	"github.com/khamis1992/radiant-matches-app-sub000/internal/chat"
	"github.com/khamis1992/radiant-matches-app-sub000/internal/clock"
	"github.com/khamis1992/radiant-matches-app-sub000/internal/events"
	"github.com/khamis1992/radiant-matches-app-sub000/internal/models"
	"github.com/khamis1992/radiant-matches-app-sub000/internal/notify"
	"github.com/khamis1992/radiant-matches-app-sub000/internal/services"
)

var (
	ErrClosed             = errors.New("session closed")
	ErrConversationClosed = errors.New("conversation is not open")
)

// Store is the persistence the session's components read and write.
type Store interface {
	ListConversations(ctx context.Context, actorID uuid.UUID) ([]models.Conversation, error)
	FindConversation(ctx context.Context, customerID uuid.UUID, artistID uuid.UUID) (*models.Conversation, error)
	CreateConversation(ctx context.Context, customerID uuid.UUID, artistID uuid.UUID) (*models.Conversation, error)
	GetConversation(ctx context.Context, actorID uuid.UUID, conversationID uuid.UUID) (*models.Conversation, error)
	ListMessages(ctx context.Context, actorID uuid.UUID, conversationID uuid.UUID) ([]models.Message, error)
	SendMessage(ctx context.Context, actorID uuid.UUID, message models.Message) (*services.ChatDelivery, error)
	MarkConversationRead(ctx context.Context, actorID uuid.UUID, conversationID uuid.UUID) (int64, error)
	MarkMessageRead(ctx context.Context, actorID uuid.UUID, messageID uuid.UUID) (*models.Message, error)
	ConversationIDs(ctx context.Context, actorID uuid.UUID) ([]uuid.UUID, error)
	CountUnread(ctx context.Context, actorID uuid.UUID, conversationIDs []uuid.UUID) (int, error)
	GetProfile(ctx context.Context, id uuid.UUID) (*models.Profile, error)
	GetProfiles(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]models.Profile, error)
}

type Options struct {
	TypingTimeout      time.Duration
	UnreadPollInterval time.Duration
	FeedCapacity       int
	Clock              clock.Clock
}

// view is one open conversation: its message stream and typing tracker.
type view struct {
	stream   *chat.Stream
	typing   *chat.TypingTracker
	releases []func()

	mu     sync.Mutex
	sent   map[uuid.UUID]models.Message
	closed bool
}

type Session struct {
	actorID uuid.UUID
	store   Store
	sender  *chat.Sender
	channel events.Channel
	sink    Sink
	opts    Options
	alerts  *alert.Guard

	directory  *chat.Directory
	receipts   *chat.ReadReceipts
	unread     *chat.UnreadCounter
	feed       *notify.Feed
	dispatcher *notify.Dispatcher

	mu       sync.Mutex
	views    map[uuid.UUID]*view
	releases []func()
	started  bool
	closed   bool
}

func New(
	actorID uuid.UUID,
	store Store,
	sender *chat.Sender,
	channel events.Channel,
	sink Sink,
	opts Options,
) *Session {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}

	s := &Session{
		actorID: actorID,
		store:   store,
		sender:  sender,
		channel: channel,
		sink:    sink,
		opts:    opts,
		alerts:  alert.BestEffort(sinkAlerter{sink: sink}),
		views:   make(map[uuid.UUID]*view),
	}
	s.directory = chat.NewDirectory(store, channel)
	s.receipts = chat.NewReadReceipts(actorID, store)
	s.unread = chat.NewUnreadCounter(actorID, store, channel, opts.Clock, opts.UnreadPollInterval)
	s.feed = notify.NewFeed(opts.FeedCapacity)
	s.dispatcher = notify.NewDispatcher(actorID, channel, store, s.unread, s.feed, s.alerts, opts.Clock, s.IsOpen)
	return s
}

func (s *Session) ActorID() uuid.UUID {
	return s.actorID
}

func (s *Session) Feed() *notify.Feed {
	return s.feed
}

func (s *Session) Directory() *chat.Directory {
	return s.directory
}

// Start resolves the actor's role from their profile, falling back to
// claimedRole, and starts the session-wide components.
func (s *Session) Start(ctx context.Context, claimedRole string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.mu.Unlock()

	role := claimedRole
	if profile, err := s.store.GetProfile(ctx, s.actorID); err == nil {
		role = profile.Role
	} else if !errors.Is(err, services.ErrNotFound) {
		log.Printf("session %s: load profile: %v", s.actorID, err)
	}
	if !models.ValidRole(role) {
		role = models.RoleCustomer
	}

	s.track(s.feed.Observe(func(items []models.Notification) {
		s.emit(Frame{Type: FrameNotifications, Data: notificationsData(items)})
	}))
	s.track(s.unread.Observe(func(count int) {
		s.emit(Frame{Type: FrameUnread, Data: unreadData{Count: count}})
	}))

	s.track(s.receipts.Attach(chat.RefresherFunc(func(ctx context.Context) error {
		_, err := s.unread.Refresh(ctx)
		return err
	})))

	if err := s.unread.Start(ctx); err != nil {
		return fmt.Errorf("start unread counter: %w", err)
	}
	s.track(s.unread.Stop)

	if err := s.dispatcher.Start(ctx, role); err != nil {
		return fmt.Errorf("start notifications: %w", err)
	}
	s.track(s.dispatcher.Stop)

	release, err := s.directory.Watch(ctx, s.actorID, func(conversation models.Conversation) {
		s.emit(Frame{Type: FrameConversationsChanged, ConversationID: conversationRef(conversation.ID)})
	})
	if err != nil {
		return err
	}
	s.track(release)

	profileSub, err := s.channel.Subscribe(ctx,
		events.FilteredScope(models.CollectionProfiles, "id", s.actorID.String()),
		events.Handlers{OnUpdate: s.onProfileChange},
	)
	if err != nil {
		return fmt.Errorf("watch profile: %w", err)
	}
	s.track(func() { _ = profileSub.Unsubscribe() })

	s.emit(Frame{Type: FrameUnread, Data: unreadData{Count: s.unread.Count()}})
	return nil
}

func (s *Session) onProfileChange(change models.Change) {
	var profile models.Profile
	if err := change.Decode(&profile); err != nil {
		log.Printf("session %s: decode profile change: %v", s.actorID, err)
		return
	}
	if !models.ValidRole(profile.Role) || profile.Role == s.dispatcher.Role() {
		return
	}
	if err := s.dispatcher.SetRole(context.Background(), profile.Role); err != nil {
		log.Printf("session %s: switch role to %s: %v", s.actorID, profile.Role, err)
	}
}

// track records a release func to run on Close. If the session is
// already closed it runs immediately.
func (s *Session) track(release func()) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		release()
		return
	}
	s.releases = append(s.releases, release)
	s.mu.Unlock()
}

func (s *Session) emit(frame Frame) {
	if err := s.sink.Emit(frame); err != nil {
		log.Printf("session %s: emit %s: %v", s.actorID, frame.Type, err)
	}
}

func (s *Session) IsOpen(conversationID uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.views[conversationID]
	return ok
}

// OpenConversation opens a view: the message stream goes live, typing
// presence is joined and the conversation is marked read. Opening an
// open conversation only re-sends its snapshot.
func (s *Session) OpenConversation(ctx context.Context, conversationID uuid.UUID) ([]models.Message, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	if existing, ok := s.views[conversationID]; ok {
		s.mu.Unlock()
		return s.emitSnapshot(conversationID, existing), nil
	}
	s.mu.Unlock()

	v := s.newView(conversationID)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		v.close()
		return nil, ErrClosed
	}
	if existing, ok := s.views[conversationID]; ok {
		s.mu.Unlock()
		v.close()
		return s.emitSnapshot(conversationID, existing), nil
	}
	s.views[conversationID] = v
	s.mu.Unlock()

	if err := s.startView(ctx, conversationID, v); err != nil {
		s.mu.Lock()
		if s.views[conversationID] == v {
			delete(s.views, conversationID)
		}
		s.mu.Unlock()
		v.close()
		return nil, err
	}

	return s.emitSnapshot(conversationID, v), nil
}

// newView builds a view with its observers attached. The view is fully
// wired before it becomes visible in s.views, so a concurrent close
// always releases everything.
func (s *Session) newView(conversationID uuid.UUID) *view {
	v := &view{
		stream: chat.NewStream(conversationID, s.actorID, s.store, s.sender, s.channel, s.alerts),
		typing: chat.NewTypingTracker(conversationID, s.actorID, s.channel, s.opts.Clock, s.opts.TypingTimeout),
		sent:   make(map[uuid.UUID]models.Message),
	}
	v.releases = []func(){
		v.stream.Observe(func(messages []models.Message) { s.emitUpserts(conversationID, v, messages) }),
		v.typing.Observe(func(typing bool) {
			s.emit(Frame{Type: FrameTyping, ConversationID: conversationRef(conversationID), Data: typingData{IsOtherTyping: typing}})
		}),
		s.receipts.Attach(v.stream),
	}
	return v
}

func (s *Session) startView(ctx context.Context, conversationID uuid.UUID, v *view) error {
	if err := v.stream.Open(ctx); err != nil {
		return err
	}
	if err := v.typing.Start(ctx); err != nil {
		return err
	}
	if v.isClosed() {
		// Closed while starting; Open may have gone live after Close ran.
		v.stream.Close()
		v.typing.Stop()
		return ErrConversationClosed
	}
	if _, err := s.receipts.MarkConversationRead(ctx, conversationID); err != nil {
		log.Printf("session %s: mark %s read on open: %v", s.actorID, conversationID, err)
	}
	return nil
}

// emitSnapshot sends the whole cache and resets the upsert baseline. It
// runs in the stream's delivery order so later upserts are never older.
func (s *Session) emitSnapshot(conversationID uuid.UUID, v *view) []models.Message {
	var snapshot []models.Message
	v.stream.WithSnapshot(func(messages []models.Message) {
		snapshot = messages
		v.mu.Lock()
		for _, message := range messages {
			v.sent[message.ID] = message
		}
		v.mu.Unlock()
		s.emit(Frame{Type: FrameConversationSnapshot, ConversationID: conversationRef(conversationID), Data: messages})
	})
	return snapshot
}

// emitUpserts sends only the messages that differ from what the client
// was last sent.
func (s *Session) emitUpserts(conversationID uuid.UUID, v *view, messages []models.Message) {
	var changed []models.Message
	v.mu.Lock()
	for _, message := range messages {
		if previous, ok := v.sent[message.ID]; ok && previous.IsRead == message.IsRead && previous.Content == message.Content {
			continue
		}
		v.sent[message.ID] = message
		changed = append(changed, message)
	}
	v.mu.Unlock()

	for _, message := range changed {
		s.emit(Frame{Type: FrameMessageUpsert, ConversationID: conversationRef(conversationID), Data: message})
	}
}

func (v *view) isClosed() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.closed
}

func (v *view) close() {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return
	}
	v.closed = true
	v.mu.Unlock()

	v.typing.Stop()
	v.stream.Close()
	for _, release := range v.releases {
		release()
	}
}

func (s *Session) CloseConversation(conversationID uuid.UUID) {
	s.mu.Lock()
	v, ok := s.views[conversationID]
	delete(s.views, conversationID)
	s.mu.Unlock()
	if ok {
		v.close()
	}
}

// SendMessage sends through the open view when there is one, so the
// sender's cache merges the confirmed row; otherwise it writes directly.
func (s *Session) SendMessage(
	ctx context.Context,
	conversationID uuid.UUID,
	content string,
	image *chat.Attachment,
) (models.Message, error) {
	s.mu.Lock()
	v, ok := s.views[conversationID]
	s.mu.Unlock()
	if ok {
		return v.stream.Send(ctx, content, image)
	}
	return s.sender.Send(ctx, s.actorID, conversationID, content, image)
}

func (s *Session) SetTyping(ctx context.Context, conversationID uuid.UUID, typing bool) error {
	s.mu.Lock()
	v, ok := s.views[conversationID]
	s.mu.Unlock()
	if !ok {
		return ErrConversationClosed
	}
	return v.typing.SetTyping(ctx, typing)
}

func (s *Session) MarkConversationRead(ctx context.Context, conversationID uuid.UUID) (int64, error) {
	return s.receipts.MarkConversationRead(ctx, conversationID)
}

func (s *Session) MarkMessageRead(ctx context.Context, messageID uuid.UUID) (models.Message, error) {
	return s.receipts.MarkMessageRead(ctx, messageID)
}

func (s *Session) UnreadCount() int {
	return s.unread.Count()
}

// EmitNotifications sends the current feed snapshot.
func (s *Session) EmitNotifications() {
	s.emit(Frame{Type: FrameNotifications, Data: notificationsData(s.feed.Snapshot())})
}

// Close tears down every open view and session-wide component. It is
// safe to call more than once.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	views := s.views
	s.views = make(map[uuid.UUID]*view)
	releases := s.releases
	s.releases = nil
	s.mu.Unlock()

	for _, v := range views {
		v.close()
	}
	for i := len(releases) - 1; i >= 0; i-- {
		releases[i]()
	}
}

type notificationsPayload struct {
	Items  []models.Notification `json:"items"`
	Unread int                   `json:"unread"`
}

func notificationsData(items []models.Notification) notificationsPayload {
	return notificationsPayload{Items: items, Unread: notify.UnreadIn(items)}
}
