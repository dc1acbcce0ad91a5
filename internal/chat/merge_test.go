package chat

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/khamis1992/radiant-matches-app-sub000/internal/models"
)

func testMessage(conversationID uuid.UUID, at time.Time, content string) models.Message {
	return models.Message{
		ID:             uuid.New(),
		ConversationID: conversationID,
		SenderID:       uuid.New(),
		Content:        content,
		CreatedAt:      at,
	}
}

func TestMessageCacheIsIdempotent(t *testing.T) {
	base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	conversationID := uuid.New()
	message := testMessage(conversationID, base, "hello")

	cache := newMessageCache()
	added, changed := cache.apply(delivery{kind: deliverInsert, origin: originRemote, message: message})
	if !added || !changed {
		t.Fatalf("first insert: added=%v changed=%v", added, changed)
	}
	for i := 0; i < 3; i++ {
		added, changed = cache.apply(delivery{kind: deliverInsert, origin: originRemote, message: message})
		if added || changed {
			t.Fatalf("repeat insert %d: added=%v changed=%v", i, added, changed)
		}
		added, changed = cache.apply(delivery{kind: deliverUpdate, origin: originRemote, message: message})
		if added || changed {
			t.Fatalf("repeat update %d: added=%v changed=%v", i, added, changed)
		}
	}
	if cache.len() != 1 {
		t.Fatalf("expected 1 entry, got %d", cache.len())
	}
}

func TestMessageCacheConvergesUnderAnyDeliveryOrder(t *testing.T) {
	base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	conversationID := uuid.New()
	first := testMessage(conversationID, base, "first")
	second := testMessage(conversationID, base.Add(time.Second), "second")
	read := first
	read.IsRead = true

	deliveries := []delivery{
		{kind: deliverInsert, origin: originLocal, message: first},
		{kind: deliverInsert, origin: originRemote, message: first},
		{kind: deliverUpdate, origin: originRemote, message: read},
		{kind: deliverInsert, origin: originRemote, message: second},
	}

	var permute func(prefix []delivery, rest []delivery)
	permute = func(prefix []delivery, rest []delivery) {
		if len(rest) == 0 {
			cache := newMessageCache()
			for _, d := range prefix {
				cache.apply(d)
			}
			got := cache.list()
			if len(got) != 2 {
				t.Fatalf("expected 2 messages, got %d", len(got))
			}
			if got[0].ID != first.ID || got[1].ID != second.ID {
				t.Fatalf("unexpected order: %s, %s", got[0].Content, got[1].Content)
			}
			if !got[0].IsRead {
				t.Fatalf("read state lost for order %v", prefix)
			}
			return
		}
		for i := range rest {
			next := append(append([]delivery{}, prefix...), rest[i])
			remaining := append(append([]delivery{}, rest[:i]...), rest[i+1:]...)
			permute(next, remaining)
		}
	}
	permute(nil, deliveries)
}

func TestMessageCacheReadStateIsMonotonic(t *testing.T) {
	message := testMessage(uuid.New(), time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC), "hi")
	read := message
	read.IsRead = true

	cache := newMessageCache()
	cache.apply(delivery{kind: deliverUpdate, origin: originRemote, message: read})
	cache.apply(delivery{kind: deliverUpdate, origin: originRemote, message: message})
	cache.apply(delivery{kind: deliverInsert, origin: originLocal, message: message})

	got, ok := cache.get(message.ID)
	if !ok || !got.IsRead {
		t.Fatalf("expected message to stay read, got %+v", got)
	}
}

func TestMessageCacheOrdersByCreationThenID(t *testing.T) {
	at := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	conversationID := uuid.New()
	late := testMessage(conversationID, at.Add(time.Minute), "late")
	a := testMessage(conversationID, at, "a")
	b := testMessage(conversationID, at, "b")
	if b.ID.String() < a.ID.String() {
		a, b = b, a
	}

	cache := newMessageCache()
	for _, message := range []models.Message{late, b, a} {
		cache.apply(delivery{kind: deliverInsert, origin: originRemote, message: message})
	}

	got := cache.list()
	if got[0].ID != a.ID || got[1].ID != b.ID || got[2].ID != late.ID {
		t.Fatalf("unexpected order: %v", []string{got[0].Content, got[1].Content, got[2].Content})
	}
}
