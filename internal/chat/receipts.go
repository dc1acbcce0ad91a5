package chat

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/google/uuid"
	"github.com/khamis1992/radiant-matches-app-sub000/internal/models"
)

type readMarker interface {
	MarkConversationRead(ctx context.Context, actorID uuid.UUID, conversationID uuid.UUID) (int64, error)
	MarkMessageRead(ctx context.Context, actorID uuid.UUID, messageID uuid.UUID) (*models.Message, error)
}

// Refresher is anything derived from read state that must recompute
// after a receipt is written.
type Refresher interface {
	Refresh(ctx context.Context) error
}

// RefresherFunc adapts a function to Refresher.
type RefresherFunc func(ctx context.Context) error

func (f RefresherFunc) Refresh(ctx context.Context) error { return f(ctx) }

// ReadReceipts flips is_read for messages the actor received. Writes are
// idempotent; a successful write invalidates every attached Refresher.
type ReadReceipts struct {
	actorID uuid.UUID
	store   readMarker

	mu         sync.Mutex
	next       int
	refreshers map[int]Refresher
}

func NewReadReceipts(actorID uuid.UUID, store readMarker) *ReadReceipts {
	return &ReadReceipts{
		actorID:    actorID,
		store:      store,
		refreshers: make(map[int]Refresher),
	}
}

// Attach registers r and returns its release.
func (r *ReadReceipts) Attach(refresher Refresher) func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.next
	r.next++
	r.refreshers[id] = refresher
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.refreshers, id)
	}
}

// MarkConversationRead marks every message in the conversation not
// authored by the actor as read and returns how many rows changed.
func (r *ReadReceipts) MarkConversationRead(ctx context.Context, conversationID uuid.UUID) (int64, error) {
	updated, err := r.store.MarkConversationRead(ctx, r.actorID, conversationID)
	if err != nil {
		return 0, fmt.Errorf("mark conversation %s read: %w", conversationID, err)
	}
	r.invalidate(ctx)
	return updated, nil
}

func (r *ReadReceipts) MarkMessageRead(ctx context.Context, messageID uuid.UUID) (models.Message, error) {
	message, err := r.store.MarkMessageRead(ctx, r.actorID, messageID)
	if err != nil {
		return models.Message{}, fmt.Errorf("mark message %s read: %w", messageID, err)
	}
	r.invalidate(ctx)
	return *message, nil
}

func (r *ReadReceipts) invalidate(ctx context.Context) {
	r.mu.Lock()
	refreshers := make([]Refresher, 0, len(r.refreshers))
	for _, refresher := range r.refreshers {
		refreshers = append(refreshers, refresher)
	}
	r.mu.Unlock()

	for _, refresher := range refreshers {
		if err := refresher.Refresh(ctx); err != nil {
			log.Printf("read receipts: refresh after write: %v", err)
		}
	}
}
