package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/khamis1992/radiant-matches-app-sub000/internal/models"
)

const (
	minBridgeBackoff = 500 * time.Millisecond
	maxBridgeBackoff = 30 * time.Second
)

// hydratedCollections are the tables a trigger may notify about. The
// name is interpolated into the hydration query, so nothing else passes.
var hydratedCollections = map[string]struct{}{
	models.CollectionMessages:      {},
	models.CollectionConversations: {},
	models.CollectionBookings:      {},
	models.CollectionProfiles:      {},
}

// errRowGone means the changed row no longer exists.
var errRowGone = errors.New("changed row no longer exists")

type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Bridge forwards the row changes Postgres triggers emit with pg_notify
// to a Publisher. Every server instance may run one; duplicates are
// absorbed downstream by id.
type Bridge struct {
	pool      *pgxpool.Pool
	rows      rowQuerier
	publisher Publisher
	channel   string

	// listening, when set, runs once LISTEN is active on a connection.
	listening func()
}

func NewBridge(pool *pgxpool.Pool, publisher Publisher, channel string) *Bridge {
	return &Bridge{pool: pool, rows: pool, publisher: publisher, channel: channel}
}

// Run listens until ctx is cancelled, reconnecting with backoff when the
// connection drops. Changes committed while disconnected are not
// replayed; consumers rely on refetch and polling for those.
func (b *Bridge) Run(ctx context.Context) error {
	backoff := minBridgeBackoff
	for {
		err := b.listen(ctx)
		if ctx.Err() != nil {
			return nil
		}
		log.Printf("realtime bridge: %v (retrying in %s)", err, backoff)

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
		backoff *= 2
		if backoff > maxBridgeBackoff {
			backoff = maxBridgeBackoff
		}
	}
}

func (b *Bridge) listen(ctx context.Context) error {
	conn, err := b.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire listen connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{b.channel}.Sanitize()); err != nil {
		return fmt.Errorf("listen %s: %w", b.channel, err)
	}
	log.Printf("realtime bridge listening on %s", b.channel)
	if b.listening != nil {
		b.listening()
	}

	for {
		notification, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return fmt.Errorf("wait for notification: %w", err)
		}

		change, err := DecodeChange([]byte(notification.Payload))
		if err != nil {
			log.Printf("realtime bridge: %v", err)
			continue
		}
		change, err = hydrateChange(ctx, b.rows, change)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Printf("realtime bridge: %v", err)
			continue
		}
		if err := b.publisher.Publish(ctx, change); err != nil {
			if errors.Is(err, ErrClosed) {
				return err
			}
			log.Printf("realtime bridge: publish %s %s: %v", change.Collection, change.ID, err)
		}
	}
}

// DecodeChange parses a trigger payload.
func DecodeChange(payload []byte) (models.Change, error) {
	var change models.Change
	if err := json.Unmarshal(payload, &change); err != nil {
		return models.Change{}, fmt.Errorf("decode change payload: %w", err)
	}
	if change.ID == "" || change.Collection == "" || len(change.Record) == 0 {
		return models.Change{}, fmt.Errorf("incomplete change payload")
	}
	switch change.Type {
	case models.ChangeInsert, models.ChangeUpdate:
	default:
		return models.Change{}, fmt.Errorf("unsupported change type %q", change.Type)
	}
	return change, nil
}

// hydrateChange replaces the trimmed record a trigger sends with the full
// row. Columns the trigger did send win over the loaded row, so routing
// and transition fields describe this change even when the row has moved
// on since.
func hydrateChange(ctx context.Context, q rowQuerier, change models.Change) (models.Change, error) {
	if _, ok := hydratedCollections[change.Collection]; !ok {
		return models.Change{}, fmt.Errorf("hydrate %s %s: unknown table", change.Collection, change.ID)
	}

	var slim map[string]json.RawMessage
	if err := json.Unmarshal(change.Record, &slim); err != nil {
		return models.Change{}, fmt.Errorf("hydrate %s %s: %w", change.Collection, change.ID, err)
	}
	var rowID string
	if err := json.Unmarshal(slim["id"], &rowID); err != nil || rowID == "" {
		return models.Change{}, fmt.Errorf("hydrate %s %s: record has no id", change.Collection, change.ID)
	}

	query := "SELECT row_to_json(t) FROM " + pgx.Identifier{change.Collection}.Sanitize() + " t WHERE t.id = $1"
	var full []byte
	if err := q.QueryRow(ctx, query, rowID).Scan(&full); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			err = errRowGone
		}
		return models.Change{}, fmt.Errorf("hydrate %s %s: %w", change.Collection, rowID, err)
	}

	var row map[string]json.RawMessage
	if err := json.Unmarshal(full, &row); err != nil {
		return models.Change{}, fmt.Errorf("hydrate %s %s: %w", change.Collection, rowID, err)
	}
	if row == nil {
		return models.Change{}, fmt.Errorf("hydrate %s %s: %w", change.Collection, rowID, errRowGone)
	}
	for column, value := range slim {
		row[column] = value
	}
	record, err := json.Marshal(row)
	if err != nil {
		return models.Change{}, fmt.Errorf("hydrate %s %s: %w", change.Collection, rowID, err)
	}
	change.Record = record
	return change, nil
}
