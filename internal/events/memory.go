package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"sync/atomic"

	"github.com/khamis1992/radiant-matches-app-sub000/internal/models"
)

// MemoryBus is an in-process Channel. Delivery is synchronous on the
// publishing goroutine, after the bus lock is released, which makes it
// suitable for single-node deployments and deterministic tests.
type MemoryBus struct {
	mu     sync.RWMutex
	subs   map[*memorySubscription]struct{}
	rooms  map[string]*memoryRoom
	closed bool
}

type memorySubscription struct {
	bus      *MemoryBus
	scope    Scope
	handlers Handlers
	active   atomic.Bool
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		subs:  make(map[*memorySubscription]struct{}),
		rooms: make(map[string]*memoryRoom),
	}
}

func (b *MemoryBus) Subscribe(_ context.Context, scope Scope, handlers Handlers) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}

	sub := &memorySubscription{bus: b, scope: scope, handlers: handlers}
	sub.active.Store(true)
	b.subs[sub] = struct{}{}
	return sub, nil
}

func (s *memorySubscription) Unsubscribe() error {
	if !s.active.CompareAndSwap(true, false) {
		return nil
	}
	s.bus.mu.Lock()
	delete(s.bus.subs, s)
	s.bus.mu.Unlock()
	return nil
}

func (b *MemoryBus) Publish(_ context.Context, change models.Change) error {
	routed, err := routes(change)
	if err != nil {
		return err
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrClosed
	}
	targets := make([]*memorySubscription, 0, len(b.subs))
	for sub := range b.subs {
		if matches(sub.scope, change, routed) {
			targets = append(targets, sub)
		}
	}
	b.mu.RUnlock()

	for _, sub := range targets {
		if sub.active.Load() {
			sub.deliver(change)
		}
	}
	return nil
}

func (s *memorySubscription) deliver(change models.Change) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("events: handler for %s panicked: %v", s.scope, r)
		}
	}()
	s.handlers.dispatch(change)
}

// SubscriberCount reports live subscriptions, for leak checks.
func (b *MemoryBus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// MemberCount reports live presence handles in room.
func (b *MemoryBus) MemberCount(room string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if r, ok := b.rooms[room]; ok {
		return len(r.handles)
	}
	return 0
}

func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for sub := range b.subs {
		sub.active.Store(false)
	}
	b.subs = make(map[*memorySubscription]struct{})
	b.rooms = make(map[string]*memoryRoom)
	return nil
}

type memoryRoom struct {
	handles map[*memoryPresence]struct{}
	states  map[string]json.RawMessage
	owner   map[string]*memoryPresence
}

type memoryPresence struct {
	bus    *MemoryBus
	room   string
	key    string
	mu     sync.Mutex
	syncFn func(map[string]json.RawMessage)
	left   bool
}

func (b *MemoryBus) Join(_ context.Context, room string, memberKey string) (Presence, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}

	r, ok := b.rooms[room]
	if !ok {
		r = &memoryRoom{
			handles: make(map[*memoryPresence]struct{}),
			states:  make(map[string]json.RawMessage),
			owner:   make(map[string]*memoryPresence),
		}
		b.rooms[room] = r
	}
	handle := &memoryPresence{bus: b, room: room, key: memberKey}
	r.handles[handle] = struct{}{}
	return handle, nil
}

func (p *memoryPresence) Track(_ context.Context, state any) error {
	encoded, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode presence state: %w", err)
	}

	p.bus.mu.Lock()
	r, ok := p.bus.rooms[p.room]
	if !ok || p.isLeft() {
		p.bus.mu.Unlock()
		return ErrClosed
	}
	r.states[p.key] = encoded
	r.owner[p.key] = p
	p.bus.mu.Unlock()

	p.bus.syncRoom(p.room)
	return nil
}

func (p *memoryPresence) OnSync(fn func(map[string]json.RawMessage)) {
	p.mu.Lock()
	p.syncFn = fn
	p.mu.Unlock()

	p.bus.mu.RLock()
	snapshot := map[string]json.RawMessage{}
	if r, ok := p.bus.rooms[p.room]; ok {
		snapshot = copyStates(r.states)
	}
	p.bus.mu.RUnlock()

	fn(snapshot)
}

func (p *memoryPresence) Leave() error {
	p.mu.Lock()
	if p.left {
		p.mu.Unlock()
		return nil
	}
	p.left = true
	p.syncFn = nil
	p.mu.Unlock()

	p.bus.mu.Lock()
	r, ok := p.bus.rooms[p.room]
	if ok {
		delete(r.handles, p)
		if r.owner[p.key] == p {
			delete(r.states, p.key)
			delete(r.owner, p.key)
		}
		if len(r.handles) == 0 {
			delete(p.bus.rooms, p.room)
		}
	}
	p.bus.mu.Unlock()

	if ok {
		p.bus.syncRoom(p.room)
	}
	return nil
}

func (p *memoryPresence) isLeft() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.left
}

func (b *MemoryBus) syncRoom(room string) {
	b.mu.RLock()
	r, ok := b.rooms[room]
	if !ok {
		b.mu.RUnlock()
		return
	}
	snapshot := copyStates(r.states)
	handles := make([]*memoryPresence, 0, len(r.handles))
	for handle := range r.handles {
		handles = append(handles, handle)
	}
	b.mu.RUnlock()

	for _, handle := range handles {
		handle.mu.Lock()
		fn := handle.syncFn
		handle.mu.Unlock()
		if fn != nil {
			fn(copyStates(snapshot))
		}
	}
}

func copyStates(states map[string]json.RawMessage) map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(states))
	for key, state := range states {
		out[key] = state
	}
	return out
}
