package chat

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/khamis1992/radiant-matches-app-sub000/internal/clock"
	"github.com/khamis1992/radiant-matches-app-sub000/internal/events"
	"github.com/khamis1992/radiant-matches-app-sub000/internal/models"
)

const DefaultUnreadPollInterval = 30 * time.Second

type unreadStore interface {
	ConversationIDs(ctx context.Context, actorID uuid.UUID) ([]uuid.UUID, error)
	CountUnread(ctx context.Context, actorID uuid.UUID, conversationIDs []uuid.UUID) (int, error)
}

// UnreadCounter keeps the number of messages addressed to the actor that
// are still unread, across every conversation the actor is in.
//
// Recounts are triggered by message changes in the actor's known
// conversations, by any change to the actor's conversations, and by a
// polling ticker that covers conversations created since the last
// membership lookup.
type UnreadCounter struct {
	actorID  uuid.UUID
	store    unreadStore
	channel  events.Channel
	clock    clock.Clock
	interval time.Duration

	// refreshMu serializes recounts so a slower, older count never
	// overwrites a newer one.
	refreshMu sync.Mutex

	mu      sync.Mutex
	count   int
	members map[uuid.UUID]struct{}
	subs    []events.Subscription
	kick    chan struct{}
	cancel  context.CancelFunc
	done    chan struct{}

	observers observers[int]
}

func NewUnreadCounter(
	actorID uuid.UUID,
	store unreadStore,
	channel events.Channel,
	clk clock.Clock,
	interval time.Duration,
) *UnreadCounter {
	if clk == nil {
		clk = clock.Real()
	}
	if interval <= 0 {
		interval = DefaultUnreadPollInterval
	}
	return &UnreadCounter{
		actorID:  actorID,
		store:    store,
		channel:  channel,
		clock:    clk,
		interval: interval,
	}
}

func (u *UnreadCounter) Count() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.count
}

// Contains reports whether conversationID was among the actor's
// conversations at the last recount.
func (u *UnreadCounter) Contains(conversationID uuid.UUID) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	_, ok := u.members[conversationID]
	return ok
}

// Observe registers fn for every change of the count.
func (u *UnreadCounter) Observe(fn func(int)) func() {
	return u.observers.add(fn)
}

// Start subscribes, counts once and begins polling. It is a no-op on a
// started counter.
func (u *UnreadCounter) Start(ctx context.Context) error {
	u.mu.Lock()
	if u.cancel != nil {
		u.mu.Unlock()
		return nil
	}
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	u.cancel = cancel
	u.kick = make(chan struct{}, 1)
	u.done = make(chan struct{})
	u.mu.Unlock()

	actor := u.actorID.String()
	scopes := []events.Scope{
		events.CollectionScope(models.CollectionMessages),
		events.FilteredScope(models.CollectionConversations, "customer_id", actor),
		events.FilteredScope(models.CollectionConversations, "artist_id", actor),
	}
	subs := make([]events.Subscription, 0, len(scopes))
	for _, scope := range scopes {
		handlers := events.Handlers{OnInsert: u.onChange, OnUpdate: u.onChange}
		sub, err := u.channel.Subscribe(ctx, scope, handlers)
		if err != nil {
			for _, s := range subs {
				_ = s.Unsubscribe()
			}
			u.mu.Lock()
			u.cancel = nil
			u.mu.Unlock()
			cancel()
			return fmt.Errorf("subscribe unread %s: %w", scope, err)
		}
		subs = append(subs, sub)
	}

	u.mu.Lock()
	u.subs = subs
	kick, done := u.kick, u.done
	u.mu.Unlock()

	if _, err := u.Refresh(ctx); err != nil {
		log.Printf("unread %s: initial count: %v", u.actorID, err)
	}

	go u.loop(loopCtx, u.clock.NewTicker(u.interval), kick, done)
	return nil
}

func (u *UnreadCounter) loop(ctx context.Context, ticker *clock.Ticker, kick <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-kick:
		}
		if _, err := u.Refresh(ctx); err != nil && ctx.Err() == nil {
			log.Printf("unread %s: recount: %v", u.actorID, err)
		}
	}
}

// onChange filters message events against the last resolved membership:
// a conversation known not to be the actor's is ignored, an unknown
// membership set forces a recount. Conversation changes always recount.
func (u *UnreadCounter) onChange(change models.Change) {
	if change.Collection == models.CollectionMessages {
		var message models.Message
		if err := change.Decode(&message); err != nil {
			log.Printf("unread %s: decode change %s: %v", u.actorID, change.ID, err)
			return
		}
		u.mu.Lock()
		members := u.members
		u.mu.Unlock()
		if members != nil {
			if _, ok := members[message.ConversationID]; !ok {
				return
			}
		}
	}
	u.requestRecount()
}

// requestRecount coalesces bursts into a single pending recount.
func (u *UnreadCounter) requestRecount() {
	u.mu.Lock()
	kick := u.kick
	u.mu.Unlock()
	if kick == nil {
		return
	}
	select {
	case kick <- struct{}{}:
	default:
	}
}

// Refresh resolves the actor's conversations and counts unread messages
// sent by others within them.
func (u *UnreadCounter) Refresh(ctx context.Context) (int, error) {
	u.refreshMu.Lock()
	defer u.refreshMu.Unlock()

	ids, err := u.store.ConversationIDs(ctx, u.actorID)
	if err != nil {
		return u.Count(), fmt.Errorf("resolve conversations: %w", err)
	}
	count := 0
	if len(ids) > 0 {
		count, err = u.store.CountUnread(ctx, u.actorID, ids)
		if err != nil {
			return u.Count(), fmt.Errorf("count unread: %w", err)
		}
	}

	members := make(map[uuid.UUID]struct{}, len(ids))
	for _, id := range ids {
		members[id] = struct{}{}
	}

	u.mu.Lock()
	changed := count != u.count
	u.count = count
	u.members = members
	u.mu.Unlock()

	if changed {
		u.observers.notify(count)
	}
	return count, nil
}

// Stop releases the subscriptions and waits for the polling loop.
func (u *UnreadCounter) Stop() {
	u.mu.Lock()
	cancel, done, subs := u.cancel, u.done, u.subs
	u.cancel = nil
	u.subs = nil
	u.kick = nil
	u.mu.Unlock()

	if cancel == nil {
		return
	}
	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			log.Printf("unread %s: unsubscribe: %v", u.actorID, err)
		}
	}
	cancel()
	<-done
}
