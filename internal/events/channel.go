// Package events is the boundary to the publish/subscribe transport the
// realtime layer runs on. Row changes are delivered at least once and
// may be echoed back to the writer; presence is ephemeral shared state
// scoped to a room.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/khamis1992/radiant-matches-app-sub000/internal/models"
)

var ErrClosed = errors.New("event channel closed")

// Scope selects the changes a subscription receives. An empty Column
// subscribes to every change in the collection.
type Scope struct {
	Collection string
	Column     string
	Value      string
}

func CollectionScope(collection string) Scope {
	return Scope{Collection: collection}
}

func FilteredScope(collection, column, value string) Scope {
	return Scope{Collection: collection, Column: column, Value: value}
}

func (s Scope) String() string {
	if s.Column == "" {
		return s.Collection
	}
	return fmt.Sprintf("%s:%s=eq.%s", s.Collection, s.Column, s.Value)
}

// Handlers receives changes for a subscription. Either may be nil.
type Handlers struct {
	OnInsert func(models.Change)
	OnUpdate func(models.Change)
}

func (h Handlers) dispatch(change models.Change) {
	switch change.Type {
	case models.ChangeInsert:
		if h.OnInsert != nil {
			h.OnInsert(change)
		}
	case models.ChangeUpdate:
		if h.OnUpdate != nil {
			h.OnUpdate(change)
		}
	}
}

type Subscription interface {
	Unsubscribe() error
}

// Presence is one membership in a presence room. Members are keyed; the
// most recent Track for a key wins.
type Presence interface {
	Track(ctx context.Context, state any) error
	// OnSync registers fn and immediately delivers the current member
	// states. fn is called again after every membership change.
	OnSync(fn func(members map[string]json.RawMessage))
	Leave() error
}

// Publisher is the write side used by the change bridge.
type Publisher interface {
	Publish(ctx context.Context, change models.Change) error
}

type Channel interface {
	Publisher
	Subscribe(ctx context.Context, scope Scope, handlers Handlers) (Subscription, error)
	// Join returns once the membership is acknowledged by the transport.
	Join(ctx context.Context, room string, memberKey string) (Presence, error)
	Close() error
}

// routedColumns lists, per collection, the columns subscribers may
// filter on.
var routedColumns = map[string][]string{
	models.CollectionMessages:      {"conversation_id"},
	models.CollectionConversations: {"customer_id", "artist_id"},
	models.CollectionBookings:      {"artist_id", "customer_id"},
	models.CollectionProfiles:      {"id"},
}

// routes returns the filtered scopes a change is visible under.
func routes(change models.Change) ([]Scope, error) {
	columns := routedColumns[change.Collection]
	if len(columns) == 0 {
		return nil, nil
	}

	var record map[string]any
	if err := json.Unmarshal(change.Record, &record); err != nil {
		return nil, fmt.Errorf("decode %s record: %w", change.Collection, err)
	}

	scopes := make([]Scope, 0, len(columns))
	for _, column := range columns {
		value, ok := record[column]
		if !ok || value == nil {
			continue
		}
		scopes = append(scopes, FilteredScope(change.Collection, column, fmt.Sprint(value)))
	}
	return scopes, nil
}

func matches(scope Scope, change models.Change, routed []Scope) bool {
	if scope.Collection != change.Collection {
		return false
	}
	if scope.Column == "" {
		return true
	}
	for _, route := range routed {
		if route.Column == scope.Column && strings.EqualFold(route.Value, scope.Value) {
			return true
		}
	}
	return false
}
