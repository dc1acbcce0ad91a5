package chat

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"

	"github.com/google/uuid"
	"github.com/khamis1992/radiant-matches-app-sub000/internal/events"
	"github.com/khamis1992/radiant-matches-app-sub000/internal/models"
	"github.com/khamis1992/radiant-matches-app-sub000/internal/services"
)

type conversationStore interface {
	ListConversations(ctx context.Context, actorID uuid.UUID) ([]models.Conversation, error)
	FindConversation(ctx context.Context, customerID uuid.UUID, artistID uuid.UUID) (*models.Conversation, error)
	CreateConversation(ctx context.Context, customerID uuid.UUID, artistID uuid.UUID) (*models.Conversation, error)
	GetProfiles(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]models.Profile, error)
}

// Directory lists an actor's conversations and finds or creates the one
// conversation a customer and an artist share.
type Directory struct {
	store   conversationStore
	channel events.Channel
}

func NewDirectory(store conversationStore, channel events.Channel) *Directory {
	return &Directory{store: store, channel: channel}
}

// List returns the actor's conversations, most recent activity first.
// Conversations without messages sort last, newest first among
// themselves. A counterpart with no profile is left blank.
func (d *Directory) List(ctx context.Context, actorID uuid.UUID) ([]models.ConversationView, error) {
	conversations, err := d.store.ListConversations(ctx, actorID)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	if len(conversations) == 0 {
		return []models.ConversationView{}, nil
	}

	counterparts := make([]uuid.UUID, 0, len(conversations))
	seen := make(map[uuid.UUID]struct{}, len(conversations))
	for _, conversation := range conversations {
		id := conversation.CounterpartOf(actorID)
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		counterparts = append(counterparts, id)
	}

	profiles, err := d.store.GetProfiles(ctx, counterparts)
	if err != nil {
		return nil, fmt.Errorf("resolve counterparts: %w", err)
	}

	views := make([]models.ConversationView, 0, len(conversations))
	for _, conversation := range conversations {
		counterpartID := conversation.CounterpartOf(actorID)
		view := models.ConversationView{
			Conversation: conversation,
			Counterpart:  models.Counterpart{ID: counterpartID},
		}
		if profile, ok := profiles[counterpartID]; ok {
			view.Counterpart.FullName = profile.FullName
			view.Counterpart.AvatarURL = profile.AvatarURL
		}
		views = append(views, view)
	}

	sort.SliceStable(views, func(i, j int) bool {
		return recentFirst(views[i].Conversation, views[j].Conversation)
	})
	return views, nil
}

func recentFirst(a, b models.Conversation) bool {
	switch {
	case a.LastMessageAt != nil && b.LastMessageAt == nil:
		return true
	case a.LastMessageAt == nil && b.LastMessageAt != nil:
		return false
	case a.LastMessageAt != nil && !a.LastMessageAt.Equal(*b.LastMessageAt):
		return a.LastMessageAt.After(*b.LastMessageAt)
	default:
		return a.CreatedAt.After(b.CreatedAt)
	}
}

// GetOrCreate returns the id of the customer/artist conversation,
// creating it when absent. Creation is retried once; concurrent callers
// converge on the same row.
func (d *Directory) GetOrCreate(ctx context.Context, customerID uuid.UUID, artistID uuid.UUID) (uuid.UUID, error) {
	if customerID == uuid.Nil || artistID == uuid.Nil || customerID == artistID {
		return uuid.Nil, ErrInvalidInput
	}

	existing, err := d.store.FindConversation(ctx, customerID, artistID)
	switch {
	case err == nil:
		return existing.ID, nil
	case !errors.Is(err, services.ErrNotFound):
		return uuid.Nil, fmt.Errorf("find conversation: %w", err)
	}

	var created *models.Conversation
	for attempt := 0; attempt < 2; attempt++ {
		created, err = d.store.CreateConversation(ctx, customerID, artistID)
		if err == nil {
			return created.ID, nil
		}
		if errors.Is(err, services.ErrInvalidInput) || errors.Is(err, services.ErrArtistNotFound) || ctx.Err() != nil {
			break
		}
	}
	return uuid.Nil, fmt.Errorf("create conversation: %w", err)
}

// Watch calls fn for every conversation change on either side of the
// actor. The returned func releases both subscriptions.
func (d *Directory) Watch(ctx context.Context, actorID uuid.UUID, fn func(models.Conversation)) (func(), error) {
	handler := func(change models.Change) {
		var conversation models.Conversation
		if err := change.Decode(&conversation); err != nil {
			log.Printf("directory %s: decode change %s: %v", actorID, change.ID, err)
			return
		}
		fn(conversation)
	}

	actor := actorID.String()
	var subs []events.Subscription
	release := func() {
		for _, sub := range subs {
			if err := sub.Unsubscribe(); err != nil {
				log.Printf("directory %s: unsubscribe: %v", actorID, err)
			}
		}
	}
	for _, column := range []string{"customer_id", "artist_id"} {
		scope := events.FilteredScope(models.CollectionConversations, column, actor)
		sub, err := d.channel.Subscribe(ctx, scope, events.Handlers{OnInsert: handler, OnUpdate: handler})
		if err != nil {
			release()
			return nil, fmt.Errorf("watch conversations: %w", err)
		}
		subs = append(subs, sub)
	}
	return release, nil
}
