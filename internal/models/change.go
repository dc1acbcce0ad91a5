package models

import (
	"encoding/json"
	"time"
)

type ChangeType string

const (
	ChangeInsert ChangeType = "INSERT"
	ChangeUpdate ChangeType = "UPDATE"
)

const (
	CollectionMessages      = "messages"
	CollectionConversations = "conversations"
	CollectionBookings      = "bookings"
	CollectionProfiles      = "profiles"
)

// Change is one row-level change delivered by the event channel. Delivery
// is at-least-once; ID is stable across redeliveries.
type Change struct {
	ID         string          `json:"id"`
	Collection string          `json:"table"`
	Type       ChangeType      `json:"type"`
	Record     json.RawMessage `json:"record"`
	Old        json.RawMessage `json:"old_record,omitempty"`
	CommitTime time.Time       `json:"commit_timestamp"`
}

func (c Change) Decode(v any) error {
	return json.Unmarshal(c.Record, v)
}

// DecodeOld decodes the previous row image. It reports false when the
// change carries none.
func (c Change) DecodeOld(v any) (bool, error) {
	if len(c.Old) == 0 || string(c.Old) == "null" {
		return false, nil
	}
	if err := json.Unmarshal(c.Old, v); err != nil {
		return false, err
	}
	return true, nil
}
