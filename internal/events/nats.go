package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/khamis1992/radiant-matches-app-sub000/internal/models"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

const (
	changeSubjectPrefix   = "changes"
	presenceSubjectPrefix = "presence"
)

// NATSChannel carries row changes on a JetStream stream, so a consumer
// that reconnects does not lose the window between fetch and subscribe,
// and presence on plain NATS subjects.
type NATSChannel struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	stream string
}

func NewNATSChannel(ctx context.Context, url, streamName string) (*NATSChannel, error) {
	nc, err := nats.Connect(url, nats.Name("radiant-realtime"), nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create jetstream context: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	stream, err := js.Stream(ctx, streamName)
	if err != nil {
		log.Printf("Stream '%s' not found, attempting to create...", streamName)
		stream, err = js.CreateStream(ctx, jetstream.StreamConfig{
			Name:        streamName,
			Description: "Row changes for the realtime layer",
			Subjects:    []string{changeSubjectPrefix + ".>"},
			MaxAge:      time.Hour,
			Storage:     jetstream.FileStorage,
			Duplicates:  2 * time.Minute,
		})
		if err != nil {
			nc.Close()
			return nil, fmt.Errorf("failed to create stream '%s': %w", streamName, err)
		}
		log.Printf("Stream '%s' created successfully", streamName)
	} else {
		log.Printf("Found existing stream '%s'", stream.CachedInfo().Config.Name)
	}

	return &NATSChannel{nc: nc, js: js, stream: streamName}, nil
}

func (c *NATSChannel) Close() error {
	if c.nc != nil {
		if err := c.nc.Drain(); err != nil {
			c.nc.Close()
			return err
		}
	}
	return nil
}

// Publish writes one copy of the change per routed scope. The JetStream
// message id makes a replayed notification from another bridge a no-op.
func (c *NATSChannel) Publish(ctx context.Context, change models.Change) error {
	data, err := json.Marshal(change)
	if err != nil {
		return fmt.Errorf("failed to marshal change: %w", err)
	}

	routed, err := routes(change)
	if err != nil {
		return err
	}
	subjects := make([]string, 0, len(routed)+1)
	for _, scope := range routed {
		subjects = append(subjects, changeSubject(scope))
	}
	if len(subjects) == 0 {
		subjects = append(subjects, changeSubject(Scope{Collection: change.Collection, Column: "_", Value: "_"}))
	}

	for _, subject := range subjects {
		if _, err := c.js.Publish(ctx, subject, data, jetstream.WithMsgID(change.ID+"/"+subject)); err != nil {
			return fmt.Errorf("failed to publish change to subject '%s': %w", subject, err)
		}
	}
	return nil
}

type natsSubscription struct {
	consume jetstream.ConsumeContext
	once    sync.Once
}

func (s *natsSubscription) Unsubscribe() error {
	s.once.Do(s.consume.Stop)
	return nil
}

func (c *NATSChannel) Subscribe(ctx context.Context, scope Scope, handlers Handlers) (Subscription, error) {
	subject := changeSubject(scope)
	if scope.Column == "" {
		subject = fmt.Sprintf("%s.%s.>", changeSubjectPrefix, subjectToken(scope.Collection))
	}

	cons, err := c.js.OrderedConsumer(ctx, c.stream, jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{subject},
		DeliverPolicy:  jetstream.DeliverNewPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer for subject '%s': %w", subject, err)
	}

	consumeCtx, err := cons.Consume(func(msg jetstream.Msg) {
		var change models.Change
		if err := json.Unmarshal(msg.Data(), &change); err != nil {
			log.Printf("Error unmarshaling change from subject '%s': %v", msg.Subject(), err)
			return
		}
		handlers.dispatch(change)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start consuming from subject '%s': %w", subject, err)
	}

	return &natsSubscription{consume: consumeCtx}, nil
}

func changeSubject(scope Scope) string {
	return fmt.Sprintf("%s.%s.%s.%s",
		changeSubjectPrefix,
		subjectToken(scope.Collection),
		subjectToken(scope.Column),
		subjectToken(strings.ToLower(scope.Value)),
	)
}

func subjectToken(value string) string {
	if value == "" {
		return "_"
	}
	return strings.NewReplacer(".", "_", " ", "_", "*", "_", ">", "_").Replace(value)
}

type presenceOp string

const (
	presenceJoin  presenceOp = "join"
	presenceTrack presenceOp = "track"
	presenceLeave presenceOp = "leave"
)

type presenceFrame struct {
	Op     presenceOp      `json:"op"`
	Member string          `json:"member"`
	Handle string          `json:"handle"`
	State  json.RawMessage `json:"state,omitempty"`
}

type natsPresence struct {
	nc      *nats.Conn
	subject string
	key     string
	handle  string

	mu     sync.Mutex
	sub    *nats.Subscription
	states map[string]json.RawMessage
	owners map[string]string
	own    json.RawMessage
	syncFn func(map[string]json.RawMessage)
	left   bool
}

// Join subscribes to the room subject, waits for the server to
// acknowledge the subscription, then announces the new member so
// existing members re-announce their state.
func (c *NATSChannel) Join(ctx context.Context, room string, memberKey string) (Presence, error) {
	p := &natsPresence{
		nc:      c.nc,
		subject: presenceSubjectPrefix + "." + subjectToken(room),
		key:     memberKey,
		handle:  uuid.NewString(),
		states:  make(map[string]json.RawMessage),
		owners:  make(map[string]string),
	}

	sub, err := c.nc.Subscribe(p.subject, p.receive)
	if err != nil {
		return nil, fmt.Errorf("subscribe presence %s: %w", room, err)
	}
	if err := c.nc.FlushWithContext(ctx); err != nil {
		_ = sub.Unsubscribe()
		return nil, fmt.Errorf("await presence subscription %s: %w", room, err)
	}
	p.sub = sub

	if err := p.publish(presenceFrame{Op: presenceJoin}); err != nil {
		_ = sub.Unsubscribe()
		return nil, err
	}
	return p, nil
}

func (p *natsPresence) publish(frame presenceFrame) error {
	frame.Member = p.key
	frame.Handle = p.handle
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("encode presence frame: %w", err)
	}
	if err := p.nc.Publish(p.subject, data); err != nil {
		return fmt.Errorf("publish presence frame: %w", err)
	}
	return nil
}

func (p *natsPresence) Track(_ context.Context, state any) error {
	encoded, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode presence state: %w", err)
	}

	p.mu.Lock()
	if p.left {
		p.mu.Unlock()
		return ErrClosed
	}
	p.own = encoded
	p.states[p.key] = encoded
	p.owners[p.key] = p.handle
	p.mu.Unlock()

	p.sync()
	return p.publish(presenceFrame{Op: presenceTrack, State: encoded})
}

func (p *natsPresence) OnSync(fn func(map[string]json.RawMessage)) {
	p.mu.Lock()
	p.syncFn = fn
	snapshot := copyStates(p.states)
	p.mu.Unlock()

	fn(snapshot)
}

func (p *natsPresence) Leave() error {
	p.mu.Lock()
	if p.left {
		p.mu.Unlock()
		return nil
	}
	p.left = true
	p.syncFn = nil
	sub := p.sub
	p.mu.Unlock()

	err := p.publish(presenceFrame{Op: presenceLeave})
	if sub != nil {
		err = errors.Join(err, sub.Unsubscribe())
	}
	return err
}

func (p *natsPresence) receive(msg *nats.Msg) {
	var frame presenceFrame
	if err := json.Unmarshal(msg.Data, &frame); err != nil {
		log.Printf("presence %s: decode frame: %v", p.subject, err)
		return
	}
	if frame.Handle == p.handle {
		return
	}

	p.mu.Lock()
	if p.left {
		p.mu.Unlock()
		return
	}
	var reannounce json.RawMessage
	changed := false
	switch frame.Op {
	case presenceJoin:
		reannounce = p.own
	case presenceTrack:
		p.states[frame.Member] = frame.State
		p.owners[frame.Member] = frame.Handle
		changed = true
	case presenceLeave:
		if p.owners[frame.Member] == frame.Handle {
			delete(p.states, frame.Member)
			delete(p.owners, frame.Member)
			changed = true
		}
	}
	p.mu.Unlock()

	if reannounce != nil {
		if err := p.publish(presenceFrame{Op: presenceTrack, State: reannounce}); err != nil {
			log.Printf("presence %s: re-announce: %v", p.subject, err)
		}
	}
	if changed {
		p.sync()
	}
}

func (p *natsPresence) sync() {
	p.mu.Lock()
	fn := p.syncFn
	snapshot := copyStates(p.states)
	p.mu.Unlock()
	if fn != nil {
		fn(snapshot)
	}
}
