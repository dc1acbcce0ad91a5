package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/khamis1992/radiant-matches-app-sub000/internal/clock"
	"github.com/khamis1992/radiant-matches-app-sub000/internal/events"
	"github.com/khamis1992/radiant-matches-app-sub000/internal/models"
)

const DefaultTypingTimeout = 3 * time.Second

func TypingRoom(conversationID uuid.UUID) string {
	return "typing:" + conversationID.String()
}

// remoteTyper is one other member's typing state. It is Typing only
// between a fresh announcement and either an explicit false or the
// local expiry timer.
type remoteTyper struct {
	seq    uint64
	typing bool
	timer  *clock.Timer
}

// TypingTracker shares this actor's typing flag in a conversation and
// derives whether anyone else is typing.
type TypingTracker struct {
	conversationID uuid.UUID
	selfID         uuid.UUID
	channel        events.Channel
	clock          clock.Clock
	timeout        time.Duration

	// announceMu orders Track calls so sequence numbers reach the
	// transport in the order they were issued.
	announceMu sync.Mutex
	seq        uint64

	mu            sync.Mutex
	presence      events.Presence
	localTyping   bool
	lastKeystroke time.Time
	localTimer    *clock.Timer
	remote        map[string]*remoteTyper
	otherTyping   bool
	stopped       bool

	observers observers[bool]
}

func NewTypingTracker(
	conversationID uuid.UUID,
	selfID uuid.UUID,
	channel events.Channel,
	clk clock.Clock,
	timeout time.Duration,
) *TypingTracker {
	if clk == nil {
		clk = clock.Real()
	}
	if timeout <= 0 {
		timeout = DefaultTypingTimeout
	}
	return &TypingTracker{
		conversationID: conversationID,
		selfID:         selfID,
		channel:        channel,
		clock:          clk,
		timeout:        timeout,
		remote:         make(map[string]*remoteTyper),
	}
}

// Start joins the conversation's presence room and announces that this
// actor is not typing.
func (t *TypingTracker) Start(ctx context.Context) error {
	t.mu.Lock()
	if t.presence != nil || t.stopped {
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()

	presence, err := t.channel.Join(ctx, TypingRoom(t.conversationID), t.selfID.String())
	if err != nil {
		return fmt.Errorf("join typing room: %w", err)
	}

	t.mu.Lock()
	if t.presence != nil || t.stopped {
		t.mu.Unlock()
		_ = presence.Leave()
		return nil
	}
	t.presence = presence
	t.mu.Unlock()

	presence.OnSync(t.sync)
	return t.announce(ctx, false)
}

// SetTyping announces a keystroke (true) or an explicit stop (false).
// Each true restarts the inactivity timer.
func (t *TypingTracker) SetTyping(ctx context.Context, typing bool) error {
	t.mu.Lock()
	if t.presence == nil || t.stopped {
		t.mu.Unlock()
		return ErrTrackerNotStarted
	}
	t.localTyping = typing
	if typing {
		t.lastKeystroke = t.clock.Now()
		if t.localTimer == nil {
			t.localTimer = t.clock.AfterFunc(t.timeout, t.expireLocal)
		} else {
			t.localTimer.Reset(t.timeout)
		}
	} else if t.localTimer != nil {
		t.localTimer.Stop()
	}
	t.mu.Unlock()

	return t.announce(ctx, typing)
}

func (t *TypingTracker) expireLocal() {
	t.mu.Lock()
	if !t.localTyping || t.stopped {
		t.mu.Unlock()
		return
	}
	// A keystroke raced the timer.
	if idle := t.clock.Now().Sub(t.lastKeystroke); idle < t.timeout {
		t.localTimer.Reset(t.timeout - idle)
		t.mu.Unlock()
		return
	}
	t.localTyping = false
	t.mu.Unlock()

	if err := t.announce(context.Background(), false); err != nil {
		log.Printf("typing %s: announce idle: %v", t.conversationID, err)
	}
}

func (t *TypingTracker) announce(ctx context.Context, typing bool) error {
	t.announceMu.Lock()
	defer t.announceMu.Unlock()

	t.mu.Lock()
	presence := t.presence
	typedAt := t.lastKeystroke
	t.mu.Unlock()
	if presence == nil {
		return ErrTrackerNotStarted
	}

	seq := uint64(t.clock.Now().UnixNano())
	if seq <= t.seq {
		seq = t.seq + 1
	}
	t.seq = seq

	state := models.TypingState{
		ConversationID: t.conversationID,
		UserID:         t.selfID,
		IsTyping:       typing,
		Seq:            seq,
	}
	if typing {
		state.TypedAt = typedAt
	}
	if err := presence.Track(ctx, state); err != nil {
		return fmt.Errorf("announce typing: %w", err)
	}
	return nil
}

// IsOtherTyping reports whether any member other than this actor is
// currently typing.
func (t *TypingTracker) IsOtherTyping() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.otherTyping
}

// Observe registers fn for changes of IsOtherTyping.
func (t *TypingTracker) Observe(fn func(bool)) func() {
	return t.observers.add(fn)
}

func (t *TypingTracker) sync(members map[string]json.RawMessage) {
	self := t.selfID.String()

	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	for key, raw := range members {
		if key == self {
			continue
		}
		var state models.TypingState
		if err := json.Unmarshal(raw, &state); err != nil {
			log.Printf("typing %s: decode state for %s: %v", t.conversationID, key, err)
			continue
		}
		t.applyRemoteLocked(key, state)
	}
	for key, typer := range t.remote {
		if _, ok := members[key]; !ok {
			if typer.timer != nil {
				typer.timer.Stop()
			}
			delete(t.remote, key)
		}
	}
	changed := t.recomputeLocked()
	other := t.otherTyping
	t.mu.Unlock()

	if changed {
		t.observers.notify(other)
	}
}

// applyRemoteLocked ignores replays: a sync repeats every member's last
// state, and only a higher sequence number counts as fresh. A typing
// state lasts the timeout from its keystroke, not from its arrival.
func (t *TypingTracker) applyRemoteLocked(key string, state models.TypingState) {
	typer, ok := t.remote[key]
	if !ok {
		typer = &remoteTyper{}
		t.remote[key] = typer
	} else if state.Seq <= typer.seq {
		return
	}
	typer.seq = state.Seq

	remaining := t.timeout
	if state.IsTyping && !state.TypedAt.IsZero() {
		remaining = min(t.timeout, t.timeout-t.clock.Now().Sub(state.TypedAt))
	}
	typer.typing = state.IsTyping && remaining > 0

	if !typer.typing {
		if typer.timer != nil {
			typer.timer.Stop()
		}
		return
	}
	if typer.timer == nil {
		typer.timer = t.clock.AfterFunc(remaining, func() { t.expireRemote(key, typer) })
	} else {
		typer.timer.Reset(remaining)
	}
}

func (t *TypingTracker) expireRemote(key string, typer *remoteTyper) {
	t.mu.Lock()
	if t.stopped || t.remote[key] != typer || !typer.typing {
		t.mu.Unlock()
		return
	}
	typer.typing = false
	changed := t.recomputeLocked()
	other := t.otherTyping
	t.mu.Unlock()

	if changed {
		t.observers.notify(other)
	}
}

func (t *TypingTracker) recomputeLocked() bool {
	other := false
	for _, typer := range t.remote {
		if typer.typing {
			other = true
			break
		}
	}
	changed := other != t.otherTyping
	t.otherTyping = other
	return changed
}

// Stop leaves the room, which clears this actor's announcement for the
// other members, and cancels every timer.
func (t *TypingTracker) Stop() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.stopped = true
	presence := t.presence
	t.presence = nil
	if t.localTimer != nil {
		t.localTimer.Stop()
	}
	for key, typer := range t.remote {
		if typer.timer != nil {
			typer.timer.Stop()
		}
		delete(t.remote, key)
	}
	wasTyping := t.otherTyping
	t.otherTyping = false
	t.mu.Unlock()

	if presence != nil {
		if err := presence.Leave(); err != nil {
			log.Printf("typing %s: leave: %v", t.conversationID, err)
		}
	}
	if wasTyping {
		t.observers.notify(false)
	}
}
