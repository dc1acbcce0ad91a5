package notify

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/google/uuid"
	"github.com/khamis1992/radiant-matches-app-sub000/internal/alert"
	"github.com/khamis1992/radiant-matches-app-sub000/internal/clock"
	"github.com/khamis1992/radiant-matches-app-sub000/internal/events"
	"github.com/khamis1992/radiant-matches-app-sub000/internal/models"
	"github.com/khamis1992/radiant-matches-app-sub000/internal/services"
)

// notificationSpace namespaces ids derived from change ids, so a
// redelivered change maps onto the notification it already produced.
var notificationSpace = uuid.MustParse("6f1c2a0e-4b8d-4c52-9f0e-2d8a7b3c9e41")

const (
	// maxNonMembers caps the cache of conversations the actor is not in.
	// The oldest entry goes first.
	maxNonMembers = 1024
	// lookupQueue is how many messages may wait for a membership lookup;
	// beyond it they are dropped.
	lookupQueue = 64
)

type conversationLookup interface {
	GetConversation(ctx context.Context, actorID uuid.UUID, conversationID uuid.UUID) (*models.Conversation, error)
}

// Roster answers membership from an already resolved set of the actor's
// conversations. *chat.UnreadCounter is one.
type Roster interface {
	Contains(conversationID uuid.UUID) bool
}

// Dispatcher runs for the lifetime of a session. It watches bookings
// visible to the actor's role and messages in the actor's conversations
// and fans qualifying events out to the feed and the alerter.
type Dispatcher struct {
	actorID       uuid.UUID
	channel       events.Channel
	conversations conversationLookup
	feed          *Feed
	alerts        *alert.Guard
	clock         clock.Clock
	isOpen        func(conversationID uuid.UUID) bool
	roster        Roster

	mu         sync.Mutex
	role       string
	started    bool
	subs       []events.Subscription
	members    map[uuid.UUID]struct{}
	nonMembers map[uuid.UUID]struct{}
	evictOrder []uuid.UUID
	lookups    chan models.Message
	cancel     context.CancelFunc
	done       chan struct{}

	// pending counts queued lookups not yet resolved.
	pending sync.WaitGroup
}

// NewDispatcher returns a stopped dispatcher. isOpen reports whether a
// conversation is on screen, in which case its stream alerts instead;
// nil means none is. roster may be nil.
func NewDispatcher(
	actorID uuid.UUID,
	channel events.Channel,
	conversations conversationLookup,
	roster Roster,
	feed *Feed,
	alerts *alert.Guard,
	clk clock.Clock,
	isOpen func(uuid.UUID) bool,
) *Dispatcher {
	if clk == nil {
		clk = clock.Real()
	}
	if isOpen == nil {
		isOpen = func(uuid.UUID) bool { return false }
	}
	return &Dispatcher{
		actorID:       actorID,
		channel:       channel,
		conversations: conversations,
		feed:          feed,
		alerts:        alerts,
		clock:         clk,
		isOpen:        isOpen,
		roster:        roster,
		members:       make(map[uuid.UUID]struct{}),
		nonMembers:    make(map[uuid.UUID]struct{}),
	}
}

func (d *Dispatcher) Role() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.role
}

func (d *Dispatcher) Start(ctx context.Context, role string) error {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return nil
	}
	d.mu.Unlock()
	return d.subscribe(ctx, role)
}

// SetRole tears down every subscription and rebuilds them for role.
func (d *Dispatcher) SetRole(ctx context.Context, role string) error {
	d.mu.Lock()
	same := d.started && d.role == role
	d.mu.Unlock()
	if same {
		return nil
	}
	d.Stop()
	return d.subscribe(ctx, role)
}

func (d *Dispatcher) Stop() {
	d.mu.Lock()
	subs := d.subs
	cancel, done := d.cancel, d.done
	d.subs = nil
	d.started = false
	d.cancel = nil
	d.done = nil
	d.lookups = nil
	d.mu.Unlock()

	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			log.Printf("notify %s: unsubscribe: %v", d.actorID, err)
		}
	}
	if cancel != nil {
		cancel()
		<-done
	}
}

func (d *Dispatcher) subscribe(ctx context.Context, role string) error {
	if !models.ValidRole(role) {
		return fmt.Errorf("notify: unknown role %q", role)
	}

	type binding struct {
		scope    events.Scope
		handlers events.Handlers
	}
	bindings := []binding{{
		scope:    events.CollectionScope(models.CollectionMessages),
		handlers: events.Handlers{OnInsert: d.onMessage},
	}}
	if column := bookingColumn(role); column != "" {
		bindings = append(bindings, binding{
			scope: events.FilteredScope(models.CollectionBookings, column, d.actorID.String()),
			handlers: events.Handlers{
				OnInsert: func(change models.Change) { d.onBooking(role, change) },
				OnUpdate: func(change models.Change) { d.onBooking(role, change) },
			},
		})
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	lookups := make(chan models.Message, lookupQueue)
	done := make(chan struct{})
	d.mu.Lock()
	d.lookups = lookups
	d.mu.Unlock()
	go d.resolveLoop(loopCtx, lookups, done)

	subs := make([]events.Subscription, 0, len(bindings))
	for _, b := range bindings {
		sub, err := d.channel.Subscribe(ctx, b.scope, b.handlers)
		if err != nil {
			for _, s := range subs {
				_ = s.Unsubscribe()
			}
			d.mu.Lock()
			d.lookups = nil
			d.mu.Unlock()
			cancel()
			<-done
			return fmt.Errorf("subscribe %s: %w", b.scope, err)
		}
		subs = append(subs, sub)
	}

	d.mu.Lock()
	d.role = role
	d.subs = subs
	d.started = true
	d.cancel = cancel
	d.done = done
	d.mu.Unlock()
	return nil
}

// bookingColumn is the bookings column that scopes a role's events.
// Admins get no booking notifications.
func bookingColumn(role string) string {
	switch role {
	case models.RoleArtist:
		return "artist_id"
	case models.RoleCustomer:
		return "customer_id"
	default:
		return ""
	}
}

func (d *Dispatcher) onBooking(role string, change models.Change) {
	var booking models.Booking
	if err := change.Decode(&booking); err != nil {
		log.Printf("notify %s: decode booking change %s: %v", d.actorID, change.ID, err)
		return
	}

	var previous models.Booking
	hasPrevious := false
	if change.Type == models.ChangeUpdate {
		var err error
		hasPrevious, err = change.DecodeOld(&previous)
		if err != nil {
			log.Printf("notify %s: decode previous booking %s: %v", d.actorID, change.ID, err)
			return
		}
	}

	kind, ok := classifyBooking(role, change.Type, booking, previous, hasPrevious)
	if !ok {
		return
	}

	n := models.Notification{
		ID:        uuid.NewSHA1(notificationSpace, []byte(change.ID+"/"+string(kind))),
		Type:      kind,
		Message:   bookingMessage(kind, booking),
		RefID:     booking.ID,
		CreatedAt: d.clock.Now(),
	}
	if !d.feed.Add(n) {
		return
	}

	title := bookingTitle(kind)
	d.alerts.Toast(alert.Toast{
		Title:       title,
		Body:        n.Message,
		Urgency:     bookingUrgency(kind),
		ActionLabel: "View booking",
		ActionPath:  "/bookings/" + booking.ID.String(),
	})
	d.alerts.Notify(title, n.Message)
}

// classifyBooking maps a booking change to a notification type. Only a
// status change into pending or cancelled counts as a transition; an
// update without the previous row cannot be classified.
func classifyBooking(
	role string,
	changeType models.ChangeType,
	booking models.Booking,
	previous models.Booking,
	hasPrevious bool,
) (models.NotificationType, bool) {
	switch changeType {
	case models.ChangeInsert:
		if role == models.RoleArtist {
			return models.NotificationNewBooking, true
		}
		return "", false
	case models.ChangeUpdate:
		if !hasPrevious || previous.Status == booking.Status {
			return "", false
		}
		switch booking.Status {
		case models.BookingPending:
			return models.NotificationPendingBooking, true
		case models.BookingCancelled:
			return models.NotificationCancelledBooking, true
		}
	}
	return "", false
}

func bookingTitle(kind models.NotificationType) string {
	switch kind {
	case models.NotificationPendingBooking:
		return "Booking pending"
	case models.NotificationCancelledBooking:
		return "Booking cancelled"
	default:
		return "New booking"
	}
}

func bookingUrgency(kind models.NotificationType) alert.Urgency {
	switch kind {
	case models.NotificationPendingBooking:
		return alert.UrgencyWarning
	case models.NotificationCancelledBooking:
		return alert.UrgencyCritical
	default:
		return alert.UrgencyInfo
	}
}

func bookingMessage(kind models.NotificationType, booking models.Booking) string {
	service := booking.ServiceName
	if service == "" {
		service = "a service"
	}
	when := ""
	if booking.BookingDate != "" {
		when = " on " + booking.BookingDate
	}
	switch kind {
	case models.NotificationPendingBooking:
		return fmt.Sprintf("Booking for %s%s is awaiting confirmation", service, when)
	case models.NotificationCancelledBooking:
		return fmt.Sprintf("Booking for %s%s was cancelled", service, when)
	default:
		return fmt.Sprintf("New booking request for %s%s", service, when)
	}
}

// onMessage alerts for messages sent to the actor in conversations that
// are not open. Messages never enter the feed. Membership the dispatcher
// cannot answer from memory is resolved off the delivery goroutine.
func (d *Dispatcher) onMessage(change models.Change) {
	var message models.Message
	if err := change.Decode(&message); err != nil {
		log.Printf("notify %s: decode message change %s: %v", d.actorID, change.ID, err)
		return
	}
	if message.SenderID == d.actorID || d.isOpen(message.ConversationID) {
		return
	}

	switch d.knownMember(message.ConversationID) {
	case memberYes:
		d.alertMessage(message)
		return
	case memberNo:
		return
	}

	d.mu.Lock()
	lookups := d.lookups
	d.mu.Unlock()
	if lookups == nil {
		return
	}
	d.pending.Add(1)
	select {
	case lookups <- message:
	default:
		d.pending.Done()
		log.Printf("notify %s: lookup queue full, dropping message %s", d.actorID, message.ID)
	}
}

type membership int

const (
	memberUnknown membership = iota
	memberYes
	memberNo
)

func (d *Dispatcher) knownMember(conversationID uuid.UUID) membership {
	if d.roster != nil && d.roster.Contains(conversationID) {
		return memberYes
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.members[conversationID]; ok {
		return memberYes
	}
	if _, ok := d.nonMembers[conversationID]; ok {
		return memberNo
	}
	return memberUnknown
}

func (d *Dispatcher) resolveLoop(ctx context.Context, lookups <-chan models.Message, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case <-lookups:
					d.pending.Done()
				default:
					return
				}
			}
		case message := <-lookups:
			d.resolve(ctx, message)
			d.pending.Done()
		}
	}
}

// resolve looks membership up once per conversation; participants never
// change, so both answers are cached.
func (d *Dispatcher) resolve(ctx context.Context, message models.Message) {
	conversationID := message.ConversationID
	switch d.knownMember(conversationID) {
	case memberYes:
		if !d.isOpen(conversationID) {
			d.alertMessage(message)
		}
		return
	case memberNo:
		return
	}

	_, err := d.conversations.GetConversation(ctx, d.actorID, conversationID)
	switch {
	case err == nil:
		d.mu.Lock()
		d.members[conversationID] = struct{}{}
		d.mu.Unlock()
		if !d.isOpen(conversationID) {
			d.alertMessage(message)
		}
	case errors.Is(err, services.ErrNotFound):
		d.rememberNonMember(conversationID)
	default:
		if ctx.Err() == nil {
			log.Printf("notify %s: resolve conversation %s: %v", d.actorID, conversationID, err)
		}
	}
}

func (d *Dispatcher) rememberNonMember(conversationID uuid.UUID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.nonMembers[conversationID]; ok {
		return
	}
	if len(d.evictOrder) >= maxNonMembers {
		delete(d.nonMembers, d.evictOrder[0])
		d.evictOrder = d.evictOrder[1:]
	}
	d.nonMembers[conversationID] = struct{}{}
	d.evictOrder = append(d.evictOrder, conversationID)
}

func (d *Dispatcher) alertMessage(message models.Message) {
	body := message.Content
	if body == "" && message.ImageURL != nil {
		body = "Sent an image"
	}
	d.alerts.Toast(alert.Toast{
		Title:       "New message",
		Body:        body,
		Urgency:     alert.UrgencyInfo,
		ActionLabel: "Open chat",
		ActionPath:  "/chat/" + message.ConversationID.String(),
	})
	d.alerts.Notify("New message", body)
	d.alerts.Chime()
}
