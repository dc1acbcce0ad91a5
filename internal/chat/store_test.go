package chat

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/khamis1992/radiant-matches-app-sub000/internal/events"
	"github.com/khamis1992/radiant-matches-app-sub000/internal/models"
	"github.com/khamis1992/radiant-matches-app-sub000/internal/services"
)

// memoryStore is an in-memory stand-in for the chat service. Every write
// is echoed to bus the way the change bridge would, unless holdEchoes is
// set, in which case echoes queue until releaseEchoes.
type memoryStore struct {
	t   *testing.T
	bus *events.MemoryBus

	mu            sync.Mutex
	now           time.Time
	conversations map[uuid.UUID]models.Conversation
	messages      map[uuid.UUID]models.Message
	profiles      map[uuid.UUID]models.Profile
	holdEchoes    bool
	held          []models.Change

	listCalls   int
	listErr     error
	sendErr     error
	findErr     error
	createErrs  []error
	createCalls int
	countCalls  int
}

func newMemoryStore(t *testing.T, bus *events.MemoryBus) *memoryStore {
	return &memoryStore{
		t:             t,
		bus:           bus,
		now:           time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC),
		conversations: make(map[uuid.UUID]models.Conversation),
		messages:      make(map[uuid.UUID]models.Message),
		profiles:      make(map[uuid.UUID]models.Profile),
	}
}

func (s *memoryStore) addConversation(customerID, artistID uuid.UUID) models.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addConversationLocked(customerID, artistID)
}

func (s *memoryStore) addConversationLocked(customerID, artistID uuid.UUID) models.Conversation {
	conversation := models.Conversation{
		ID:         uuid.New(),
		CustomerID: customerID,
		ArtistID:   artistID,
		CreatedAt:  s.tickLocked(),
	}
	s.conversations[conversation.ID] = conversation
	return conversation
}

func (s *memoryStore) tickLocked() time.Time {
	s.now = s.now.Add(time.Second)
	return s.now
}

func (s *memoryStore) change(collection string, changeType models.ChangeType, record any) models.Change {
	s.t.Helper()
	encoded, err := json.Marshal(record)
	if err != nil {
		s.t.Fatalf("Marshal: %v", err)
	}
	return models.Change{
		ID:         uuid.NewString(),
		Collection: collection,
		Type:       changeType,
		Record:     encoded,
		CommitTime: s.now,
	}
}

func (s *memoryStore) echo(changes ...models.Change) {
	s.mu.Lock()
	if s.holdEchoes {
		s.held = append(s.held, changes...)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	s.publish(changes)
}

func (s *memoryStore) releaseEchoes() {
	s.mu.Lock()
	held := s.held
	s.held = nil
	s.holdEchoes = false
	s.mu.Unlock()
	s.publish(held)
}

func (s *memoryStore) publish(changes []models.Change) {
	if s.bus == nil {
		return
	}
	for _, change := range changes {
		if err := s.bus.Publish(context.Background(), change); err != nil {
			s.t.Errorf("Publish: %v", err)
		}
	}
}

func (s *memoryStore) participantLocked(actorID, conversationID uuid.UUID) bool {
	conversation, ok := s.conversations[conversationID]
	return ok && conversation.HasParticipant(actorID)
}

func (s *memoryStore) ListMessages(_ context.Context, actorID uuid.UUID, conversationID uuid.UUID) ([]models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listCalls++
	if s.listErr != nil {
		return nil, s.listErr
	}
	if !s.participantLocked(actorID, conversationID) {
		return nil, services.ErrNotFound
	}
	var out []models.Message
	for _, message := range s.messages {
		if message.ConversationID == conversationID {
			out = append(out, message)
		}
	}
	sort.Slice(out, func(i, j int) bool { return orderedBefore(out[i], out[j]) })
	return out, nil
}

func (s *memoryStore) SendMessage(_ context.Context, actorID uuid.UUID, message models.Message) (*services.ChatDelivery, error) {
	s.mu.Lock()
	if s.sendErr != nil {
		s.mu.Unlock()
		return nil, s.sendErr
	}
	conversation, ok := s.conversations[message.ConversationID]
	if !ok || !conversation.HasParticipant(actorID) {
		s.mu.Unlock()
		return nil, services.ErrNotFound
	}
	message.SenderID = actorID
	message.IsRead = false
	message.CreatedAt = s.tickLocked()
	s.messages[message.ID] = message
	preview := message.Content
	conversation.LastMessageText = &preview
	at := message.CreatedAt
	conversation.LastMessageAt = &at
	s.conversations[conversation.ID] = conversation
	s.mu.Unlock()

	s.echo(
		s.change(models.CollectionMessages, models.ChangeInsert, message),
		s.change(models.CollectionConversations, models.ChangeUpdate, conversation),
	)
	return &services.ChatDelivery{
		Conversation: &conversation,
		Message:      &message,
		RecipientID:  conversation.CounterpartOf(actorID),
	}, nil
}

func (s *memoryStore) MarkConversationRead(_ context.Context, actorID uuid.UUID, conversationID uuid.UUID) (int64, error) {
	s.mu.Lock()
	if !s.participantLocked(actorID, conversationID) {
		s.mu.Unlock()
		return 0, services.ErrNotFound
	}
	var changes []models.Change
	for id, message := range s.messages {
		if message.ConversationID != conversationID || message.SenderID == actorID || message.IsRead {
			continue
		}
		message.IsRead = true
		s.messages[id] = message
		changes = append(changes, s.change(models.CollectionMessages, models.ChangeUpdate, message))
	}
	s.mu.Unlock()

	s.echo(changes...)
	return int64(len(changes)), nil
}

func (s *memoryStore) MarkMessageRead(_ context.Context, actorID uuid.UUID, messageID uuid.UUID) (*models.Message, error) {
	s.mu.Lock()
	message, ok := s.messages[messageID]
	if !ok || !s.participantLocked(actorID, message.ConversationID) {
		s.mu.Unlock()
		return nil, services.ErrNotFound
	}
	var changes []models.Change
	if message.SenderID != actorID && !message.IsRead {
		message.IsRead = true
		s.messages[messageID] = message
		changes = append(changes, s.change(models.CollectionMessages, models.ChangeUpdate, message))
	}
	s.mu.Unlock()

	s.echo(changes...)
	return &message, nil
}

func (s *memoryStore) ConversationIDs(_ context.Context, actorID uuid.UUID) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []uuid.UUID
	for id, conversation := range s.conversations {
		if conversation.HasParticipant(actorID) {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (s *memoryStore) CountUnread(_ context.Context, actorID uuid.UUID, conversationIDs []uuid.UUID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.countCalls++
	in := make(map[uuid.UUID]bool, len(conversationIDs))
	for _, id := range conversationIDs {
		in[id] = true
	}
	count := 0
	for _, message := range s.messages {
		if in[message.ConversationID] && message.SenderID != actorID && !message.IsRead {
			count++
		}
	}
	return count, nil
}

func (s *memoryStore) ListConversations(_ context.Context, actorID uuid.UUID) ([]models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Conversation
	for _, conversation := range s.conversations {
		if conversation.HasParticipant(actorID) {
			out = append(out, conversation)
		}
	}
	return out, nil
}

func (s *memoryStore) FindConversation(_ context.Context, customerID uuid.UUID, artistID uuid.UUID) (*models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.findErr != nil {
		return nil, s.findErr
	}
	for _, conversation := range s.conversations {
		if conversation.CustomerID == customerID && conversation.ArtistID == artistID {
			return &conversation, nil
		}
	}
	return nil, services.ErrNotFound
}

func (s *memoryStore) CreateConversation(_ context.Context, customerID uuid.UUID, artistID uuid.UUID) (*models.Conversation, error) {
	s.mu.Lock()
	s.createCalls++
	if len(s.createErrs) > 0 {
		err := s.createErrs[0]
		s.createErrs = s.createErrs[1:]
		if err != nil {
			s.mu.Unlock()
			return nil, err
		}
	}
	for _, conversation := range s.conversations {
		if conversation.CustomerID == customerID && conversation.ArtistID == artistID {
			s.mu.Unlock()
			return &conversation, nil
		}
	}
	conversation := s.addConversationLocked(customerID, artistID)
	s.mu.Unlock()

	s.echo(s.change(models.CollectionConversations, models.ChangeInsert, conversation))
	return &conversation, nil
}

func (s *memoryStore) GetProfiles(_ context.Context, ids []uuid.UUID) (map[uuid.UUID]models.Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[uuid.UUID]models.Profile, len(ids))
	for _, id := range ids {
		if profile, ok := s.profiles[id]; ok {
			out[id] = profile
		}
	}
	return out, nil
}
