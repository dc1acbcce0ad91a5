package models

import (
	"time"

	"github.com/google/uuid"
)

type Conversation struct {
	ID              uuid.UUID  `json:"id"`
	CustomerID      uuid.UUID  `json:"customer_id"`
	ArtistID        uuid.UUID  `json:"artist_id"`
	LastMessageText *string    `json:"last_message_text,omitempty"`
	LastMessageAt   *time.Time `json:"last_message_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

// CounterpartOf returns the participant on the other side from actorID.
func (c Conversation) CounterpartOf(actorID uuid.UUID) uuid.UUID {
	if actorID == c.CustomerID {
		return c.ArtistID
	}
	return c.CustomerID
}

func (c Conversation) HasParticipant(actorID uuid.UUID) bool {
	return actorID == c.CustomerID || actorID == c.ArtistID
}

type Message struct {
	ID             uuid.UUID `json:"id"`
	ConversationID uuid.UUID `json:"conversation_id"`
	SenderID       uuid.UUID `json:"sender_id"`
	Content        string    `json:"content"`
	ImageURL       *string   `json:"image_url,omitempty"`
	IsRead         bool      `json:"is_read"`
	CreatedAt      time.Time `json:"created_at"`
}

// ConversationView is a conversation enriched with the counterpart's
// display identity, as listed by the directory.
type ConversationView struct {
	Conversation
	Counterpart Counterpart `json:"counterpart"`
}

type Counterpart struct {
	ID        uuid.UUID `json:"id"`
	FullName  string    `json:"full_name"`
	AvatarURL *string   `json:"avatar_url,omitempty"`
}

// TypingState is broadcast over presence and never stored.
type TypingState struct {
	ConversationID uuid.UUID `json:"conversation_id"`
	UserID         uuid.UUID `json:"user_id"`
	IsTyping       bool      `json:"is_typing"`
	Seq            uint64    `json:"seq"`
	// TypedAt is the keystroke an IsTyping state stems from. Replays keep
	// it, so a late joiner only counts what is left of the timeout.
	TypedAt        time.Time `json:"typed_at"`
}
