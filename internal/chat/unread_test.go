package chat

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/khamis1992/radiant-matches-app-sub000/internal/clock"
	"github.com/khamis1992/radiant-matches-app-sub000/internal/events"
)

func waitForCount(t *testing.T, counter *UnreadCounter, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if counter.Count() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected unread count %d, got %d", want, counter.Count())
}

func TestUnreadCounterCountsMessagesFromOthers(t *testing.T) {
	bus := events.NewMemoryBus()
	store := newMemoryStore(t, bus)
	ctx := context.Background()

	artistID := uuid.New()
	first := store.addConversation(uuid.New(), artistID)
	second := store.addConversation(uuid.New(), artistID)
	unrelated := store.addConversation(uuid.New(), uuid.New())

	sender := NewSender(store, nil)
	mustSend := func(actorID, conversationID uuid.UUID, content string) {
		t.Helper()
		if _, err := sender.Send(ctx, actorID, conversationID, content, nil); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}
	mustSend(first.CustomerID, first.ID, "one")
	mustSend(first.CustomerID, first.ID, "two")
	mustSend(second.CustomerID, second.ID, "three")
	mustSend(artistID, second.ID, "own message")
	mustSend(unrelated.CustomerID, unrelated.ID, "not mine")

	counter := NewUnreadCounter(artistID, store, bus, clock.Fake(time.Now()), time.Minute)
	if err := counter.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer counter.Stop()

	if got := counter.Count(); got != 3 {
		t.Fatalf("expected 3 unread, got %d", got)
	}

	mustSend(second.CustomerID, second.ID, "four")
	waitForCount(t, counter, 4)

	receipts := NewReadReceipts(artistID, store)
	release := receipts.Attach(RefresherFunc(func(ctx context.Context) error {
		_, err := counter.Refresh(ctx)
		return err
	}))
	defer release()
	if _, err := receipts.MarkConversationRead(ctx, first.ID); err != nil {
		t.Fatalf("MarkConversationRead: %v", err)
	}
	if got := counter.Count(); got != 2 {
		t.Fatalf("expected 2 unread after reading the first conversation, got %d", got)
	}
}

func TestUnreadCounterIgnoresConversationsOutsideMembership(t *testing.T) {
	bus := events.NewMemoryBus()
	store := newMemoryStore(t, bus)
	ctx := context.Background()

	actorID := uuid.New()
	store.addConversation(actorID, uuid.New())
	unrelated := store.addConversation(uuid.New(), uuid.New())

	counter := NewUnreadCounter(actorID, store, bus, clock.Fake(time.Now()), time.Minute)
	if err := counter.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer counter.Stop()
	store.mu.Lock()
	before := store.countCalls
	store.mu.Unlock()

	if _, err := NewSender(store, nil).Send(ctx, unrelated.CustomerID, unrelated.ID, "elsewhere", nil); err != nil {
		t.Fatalf("Send: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	store.mu.Lock()
	after := store.countCalls
	store.mu.Unlock()
	if after != before {
		t.Fatalf("expected no recount for an unrelated conversation, got %d extra", after-before)
	}
}

func TestUnreadCounterPollsForNewConversations(t *testing.T) {
	store := newMemoryStore(t, nil)
	bus := events.NewMemoryBus()
	ctx := context.Background()
	clk := clock.Fake(time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC))

	actorID := uuid.New()
	counter := NewUnreadCounter(actorID, store, bus, clk, DefaultUnreadPollInterval)
	if err := counter.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer counter.Stop()

	conversation := store.addConversation(uuid.New(), actorID)
	if _, err := NewSender(store, nil).Send(ctx, conversation.CustomerID, conversation.ID, "hi", nil); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if counter.Count() != 0 {
		t.Fatalf("no event reached the counter, expected a stale 0")
	}

	clk.Advance(DefaultUnreadPollInterval)
	waitForCount(t, counter, 1)
}

func TestUnreadCounterStopReleasesSubscriptions(t *testing.T) {
	bus := events.NewMemoryBus()
	store := newMemoryStore(t, bus)
	counter := NewUnreadCounter(uuid.New(), store, bus, clock.Fake(time.Now()), time.Minute)

	if err := counter.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if bus.SubscriberCount() != 3 {
		t.Fatalf("expected 3 subscriptions, got %d", bus.SubscriberCount())
	}
	counter.Stop()
	counter.Stop()
	if bus.SubscriberCount() != 0 {
		t.Fatalf("expected subscriptions released, got %d", bus.SubscriberCount())
	}
}
