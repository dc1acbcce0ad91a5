package chat

import (
	"sort"

	"github.com/google/uuid"
	"github.com/khamis1992/radiant-matches-app-sub000/internal/models"
)

// origin tells where a copy of a message came from: the sender's own
// confirmed write or the event channel (including fetched history).
type origin int

const (
	originLocal origin = iota
	originRemote
)

type deliveryKind int

const (
	deliverInsert deliveryKind = iota
	deliverUpdate
)

type delivery struct {
	kind    deliveryKind
	origin  origin
	message models.Message
}

// messageCache is the keyed, ordered reduction of every delivery seen
// for one conversation. Ids are unique by construction, so the send
// response and its echo collapse regardless of arrival order.
type messageCache struct {
	byID  map[uuid.UUID]models.Message
	order []uuid.UUID
}

func newMessageCache() *messageCache {
	return &messageCache{byID: make(map[uuid.UUID]models.Message)}
}

// apply reduces d into the cache. added reports a new id; changed
// reports any visible difference.
//
// An insert for a known id is a no-op apart from the read flag. An
// update replaces the entry, or creates it when the insert has not been
// seen yet. Read state only moves false -> true.
func (c *messageCache) apply(d delivery) (added bool, changed bool) {
	incoming := d.message
	existing, ok := c.byID[incoming.ID]
	if !ok {
		c.byID[incoming.ID] = incoming
		c.insertOrdered(incoming)
		return true, true
	}

	var merged models.Message
	switch d.kind {
	case deliverUpdate:
		merged = incoming
		merged.IsRead = existing.IsRead || incoming.IsRead
	default:
		merged = existing
		merged.IsRead = existing.IsRead || incoming.IsRead
	}

	if sameMessage(existing, merged) {
		return false, false
	}
	c.byID[merged.ID] = merged
	if !merged.CreatedAt.Equal(existing.CreatedAt) {
		c.removeOrdered(existing.ID)
		c.insertOrdered(merged)
	}
	return false, true
}

func (c *messageCache) get(id uuid.UUID) (models.Message, bool) {
	message, ok := c.byID[id]
	return message, ok
}

func (c *messageCache) len() int {
	return len(c.order)
}

func (c *messageCache) list() []models.Message {
	out := make([]models.Message, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.byID[id])
	}
	return out
}

func (c *messageCache) insertOrdered(message models.Message) {
	index := sort.Search(len(c.order), func(i int) bool {
		return !orderedBefore(c.byID[c.order[i]], message)
	})
	c.order = append(c.order, uuid.Nil)
	copy(c.order[index+1:], c.order[index:])
	c.order[index] = message.ID
}

func (c *messageCache) removeOrdered(id uuid.UUID) {
	for i, candidate := range c.order {
		if candidate == id {
			c.order = append(c.order[:i], c.order[i+1:]...)
			return
		}
	}
}

func orderedBefore(a, b models.Message) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID.String() < b.ID.String()
}

func sameMessage(a, b models.Message) bool {
	if a.ID != b.ID ||
		a.ConversationID != b.ConversationID ||
		a.SenderID != b.SenderID ||
		a.Content != b.Content ||
		a.IsRead != b.IsRead ||
		!a.CreatedAt.Equal(b.CreatedAt) {
		return false
	}
	switch {
	case a.ImageURL == nil && b.ImageURL == nil:
		return true
	case a.ImageURL == nil || b.ImageURL == nil:
		return false
	default:
		return *a.ImageURL == *b.ImageURL
	}
}
