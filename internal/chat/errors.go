// Package chat keeps one actor's view of conversations consistent with
// the shared store: the conversation directory, per-conversation message
// streams, typing presence, read receipts and the unread tally.
package chat

import (
	"errors"
	"sync"
)

var (
	ErrInvalidInput      = errors.New("chat: invalid input")
	ErrForbidden         = errors.New("chat: actor is not a participant")
	ErrImagesUnsupported = errors.New("chat: image attachments are not configured")
	ErrTrackerNotStarted = errors.New("chat: typing tracker not started")
)

// observers is a set of change callbacks. Callbacks are always invoked
// without the owning component's lock held.
type observers[T any] struct {
	mu   sync.Mutex
	next int
	fns  map[int]func(T)
}

func (o *observers[T]) add(fn func(T)) func() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.fns == nil {
		o.fns = make(map[int]func(T))
	}
	id := o.next
	o.next++
	o.fns[id] = fn
	return func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		delete(o.fns, id)
	}
}

func (o *observers[T]) notify(value T) {
	o.mu.Lock()
	fns := make([]func(T), 0, len(o.fns))
	for _, fn := range o.fns {
		fns = append(fns, fn)
	}
	o.mu.Unlock()

	for _, fn := range fns {
		fn(value)
	}
}
