package chat

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/google/uuid"
	"github.com/khamis1992/radiant-matches-app-sub000/internal/alert"
	"github.com/khamis1992/radiant-matches-app-sub000/internal/events"
	"github.com/khamis1992/radiant-matches-app-sub000/internal/models"
)

type StreamState int

const (
	StateIdle StreamState = iota
	StateLoading
	StateLive
)

func (s StreamState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLoading:
		return "loading"
	case StateLive:
		return "live"
	default:
		return fmt.Sprintf("StreamState(%d)", int(s))
	}
}

type messageReader interface {
	ListMessages(ctx context.Context, actorID uuid.UUID, conversationID uuid.UUID) ([]models.Message, error)
}

// Stream is one actor's ordered message cache for one conversation. The
// cache only ever holds rows the store has confirmed.
type Stream struct {
	conversationID uuid.UUID
	actorID        uuid.UUID
	reader         messageReader
	sender         *Sender
	channel        events.Channel
	alerts         *alert.Guard

	mu            sync.Mutex
	state         StreamState
	generation    uint64
	cache         *messageCache
	initialLoaded bool
	sub           events.Subscription
	version       uint64

	// notifyMu orders snapshot delivery; delivered is the newest version
	// observers have seen.
	notifyMu  sync.Mutex
	delivered uint64
	observers observers[[]models.Message]
}

func NewStream(
	conversationID uuid.UUID,
	actorID uuid.UUID,
	reader messageReader,
	sender *Sender,
	channel events.Channel,
	alerts *alert.Guard,
) *Stream {
	return &Stream{
		conversationID: conversationID,
		actorID:        actorID,
		reader:         reader,
		sender:         sender,
		channel:        channel,
		alerts:         alerts,
		cache:          newMessageCache(),
	}
}

func (s *Stream) ConversationID() uuid.UUID {
	return s.conversationID
}

func (s *Stream) State() StreamState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Messages returns the cache ordered by creation time.
func (s *Stream) Messages() []models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cache.list()
}

// Observe registers fn for every cache change and returns its release.
// Calls are serialized and never see an older snapshot after a newer
// one; fn must not send or merge into the same stream.
func (s *Stream) Observe(fn func([]models.Message)) func() {
	return s.observers.add(fn)
}

// WithSnapshot runs fn with the current cache inside the delivery order,
// so no snapshot older than the one fn saw reaches observers afterwards.
func (s *Stream) WithSnapshot(fn func([]models.Message)) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	version := s.version
	snapshot := s.cache.list()
	s.mu.Unlock()

	if version > s.delivered {
		s.delivered = version
	}
	fn(snapshot)
}

// publish hands a snapshot to observers unless a newer one has already
// been delivered.
func (s *Stream) publish(version uint64, snapshot []models.Message) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	if version <= s.delivered {
		return
	}
	s.delivered = version
	s.observers.notify(snapshot)
}

// snapshotLocked versions the current cache. Callers hold s.mu.
func (s *Stream) snapshotLocked() (uint64, []models.Message) {
	s.version++
	return s.version, s.cache.list()
}

// Open moves Idle -> Loading -> Live: it subscribes to the
// conversation's changes, then fetches the full history. Calling Open on
// a stream that is already loading or live does nothing.
func (s *Stream) Open(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		return nil
	}
	s.state = StateLoading
	s.generation++
	generation := s.generation
	s.mu.Unlock()

	scope := events.FilteredScope(models.CollectionMessages, "conversation_id", s.conversationID.String())
	sub, err := s.channel.Subscribe(ctx, scope, events.Handlers{
		OnInsert: func(change models.Change) { s.receive(generation, deliverInsert, change) },
		OnUpdate: func(change models.Change) { s.receive(generation, deliverUpdate, change) },
	})
	if err != nil {
		s.abortLoad(generation)
		return fmt.Errorf("subscribe to conversation %s: %w", s.conversationID, err)
	}

	history, err := s.reader.ListMessages(ctx, s.actorID, s.conversationID)
	if err != nil {
		_ = sub.Unsubscribe()
		s.abortLoad(generation)
		return fmt.Errorf("load conversation %s: %w", s.conversationID, err)
	}

	s.mu.Lock()
	if s.generation != generation {
		// Closed while loading.
		s.mu.Unlock()
		_ = sub.Unsubscribe()
		return nil
	}
	s.sub = sub
	for _, message := range history {
		s.cache.apply(delivery{kind: deliverUpdate, origin: originRemote, message: message})
	}
	s.state = StateLive
	s.initialLoaded = true
	version, snapshot := s.snapshotLocked()
	s.mu.Unlock()

	s.publish(version, snapshot)
	return nil
}

func (s *Stream) abortLoad(generation uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.generation == generation {
		s.state = StateIdle
	}
}

// Close releases the subscription and returns the stream to Idle. The
// cache is kept; a later Open refetches history into it.
func (s *Stream) Close() {
	s.mu.Lock()
	sub := s.sub
	s.sub = nil
	s.state = StateIdle
	s.initialLoaded = false
	s.generation++
	s.mu.Unlock()

	if sub != nil {
		if err := sub.Unsubscribe(); err != nil {
			log.Printf("chat stream %s: unsubscribe: %v", s.conversationID, err)
		}
	}
}

// Send persists a message and merges the confirmed row. The echo from
// the event channel may already be cached; either way one entry results.
func (s *Stream) Send(ctx context.Context, content string, image *Attachment) (models.Message, error) {
	message, err := s.sender.Send(ctx, s.actorID, s.conversationID, content, image)
	if err != nil {
		return models.Message{}, err
	}
	s.merge(delivery{kind: deliverInsert, origin: originLocal, message: message})
	return message, nil
}

func (s *Stream) OnInsert(message models.Message) {
	s.merge(delivery{kind: deliverInsert, origin: originRemote, message: message})
}

func (s *Stream) OnUpdate(message models.Message) {
	s.merge(delivery{kind: deliverUpdate, origin: originRemote, message: message})
}

// Refresh refetches the history and merges it, for callers that changed
// rows this stream derives from.
func (s *Stream) Refresh(ctx context.Context) error {
	history, err := s.reader.ListMessages(ctx, s.actorID, s.conversationID)
	if err != nil {
		return fmt.Errorf("refresh conversation %s: %w", s.conversationID, err)
	}

	s.mu.Lock()
	changed := false
	for _, message := range history {
		if _, c := s.cache.apply(delivery{kind: deliverUpdate, origin: originRemote, message: message}); c {
			changed = true
		}
	}
	var (
		version  uint64
		snapshot []models.Message
	)
	if changed {
		version, snapshot = s.snapshotLocked()
	}
	s.mu.Unlock()

	if changed {
		s.publish(version, snapshot)
	}
	return nil
}

func (s *Stream) receive(generation uint64, kind deliveryKind, change models.Change) {
	var message models.Message
	if err := change.Decode(&message); err != nil {
		log.Printf("chat stream %s: decode change %s: %v", s.conversationID, change.ID, err)
		return
	}
	if message.ConversationID != s.conversationID {
		return
	}

	s.mu.Lock()
	stale := s.generation != generation
	s.mu.Unlock()
	if stale {
		return
	}

	s.merge(delivery{kind: kind, origin: originRemote, message: message})
}

func (s *Stream) merge(d delivery) {
	if d.message.ConversationID != s.conversationID {
		return
	}

	s.mu.Lock()
	added, changed := s.cache.apply(d)
	chime := added &&
		d.kind == deliverInsert &&
		d.origin == originRemote &&
		d.message.SenderID != s.actorID &&
		s.initialLoaded
	var (
		version  uint64
		snapshot []models.Message
	)
	if changed {
		version, snapshot = s.snapshotLocked()
	}
	s.mu.Unlock()

	if changed {
		s.publish(version, snapshot)
	}
	if chime {
		s.alerts.Chime()
	}
}
