// Package notify turns domain events into session notifications: a
// bounded in-memory feed plus toast, chime and OS alerts.
package notify

import (
	"sync"

	"github.com/google/uuid"
	"github.com/khamis1992/radiant-matches-app-sub000/internal/models"
)

const DefaultFeedCapacity = 50

// Feed holds the most recent notifications, newest first. Every mutation
// publishes a new slice; snapshots handed out are never modified.
type Feed struct {
	capacity int

	mu    sync.Mutex
	items []models.Notification

	obsMu     sync.Mutex
	nextObs   int
	observers map[int]func([]models.Notification)
}

func NewFeed(capacity int) *Feed {
	if capacity <= 0 {
		capacity = DefaultFeedCapacity
	}
	return &Feed{
		capacity:  capacity,
		items:     []models.Notification{},
		observers: make(map[int]func([]models.Notification)),
	}
}

// Add prepends n, evicting the oldest entry past capacity. A notification
// whose id is already present is dropped and Add reports false.
func (f *Feed) Add(n models.Notification) bool {
	f.mu.Lock()
	for _, existing := range f.items {
		if existing.ID == n.ID {
			f.mu.Unlock()
			return false
		}
	}
	size := len(f.items) + 1
	if size > f.capacity {
		size = f.capacity
	}
	next := make([]models.Notification, 0, size)
	next = append(next, n)
	next = append(next, f.items[:size-1]...)
	f.items = next
	f.mu.Unlock()

	f.notify(next)
	return true
}

func (f *Feed) MarkAsRead(id uuid.UUID) bool {
	return f.update(func(items []models.Notification) ([]models.Notification, bool) {
		for i, n := range items {
			if n.ID != id {
				continue
			}
			if n.IsRead {
				return items, false
			}
			next := append([]models.Notification(nil), items...)
			next[i].IsRead = true
			return next, true
		}
		return items, false
	})
}

func (f *Feed) MarkAllAsRead() {
	f.update(func(items []models.Notification) ([]models.Notification, bool) {
		changed := false
		next := make([]models.Notification, len(items))
		for i, n := range items {
			if !n.IsRead {
				n.IsRead = true
				changed = true
			}
			next[i] = n
		}
		return next, changed
	})
}

func (f *Feed) Clear() {
	f.update(func(items []models.Notification) ([]models.Notification, bool) {
		return []models.Notification{}, len(items) > 0
	})
}

func (f *Feed) Snapshot() []models.Notification {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.items
}

func (f *Feed) UnreadCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return UnreadIn(f.items)
}

// Observe registers fn for every published snapshot and returns its
// release.
func (f *Feed) Observe(fn func([]models.Notification)) func() {
	f.obsMu.Lock()
	defer f.obsMu.Unlock()
	id := f.nextObs
	f.nextObs++
	f.observers[id] = fn
	return func() {
		f.obsMu.Lock()
		defer f.obsMu.Unlock()
		delete(f.observers, id)
	}
}

func (f *Feed) update(fn func([]models.Notification) ([]models.Notification, bool)) bool {
	f.mu.Lock()
	next, changed := fn(f.items)
	if changed {
		f.items = next
	}
	f.mu.Unlock()

	if changed {
		f.notify(next)
	}
	return changed
}

func (f *Feed) notify(items []models.Notification) {
	f.obsMu.Lock()
	fns := make([]func([]models.Notification), 0, len(f.observers))
	for _, fn := range f.observers {
		fns = append(fns, fn)
	}
	f.obsMu.Unlock()

	for _, fn := range fns {
		fn(items)
	}
}

// UnreadIn counts unread entries in a snapshot.
func UnreadIn(items []models.Notification) int {
	count := 0
	for _, n := range items {
		if !n.IsRead {
			count++
		}
	}
	return count
}
