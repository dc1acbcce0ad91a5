package session

import (
	"github.com/google/uuid"
	"github.com/khamis1992/radiant-matches-app-sub000/internal/alert"
)

// Outbound frame types.
const (
	FrameConversationSnapshot = "conversation.snapshot"
	FrameMessageUpsert        = "message.upsert"
	FrameTyping               = "typing"
	FrameUnread               = "unread"
	FrameNotifications        = "notifications"
	FrameToast                = "toast"
	FrameChime                = "chime"
	FrameOSNotification       = "os_notification"
	FrameConversationsChanged = "conversations.changed"
	FrameError                = "error"
)

// Frame is one server-to-client websocket message.
type Frame struct {
	Type           string     `json:"type"`
	ConversationID *uuid.UUID `json:"conversation_id,omitempty"`
	Data           any        `json:"data,omitempty"`
}

// Sink receives every frame the session produces. Emit must not block
// for long; it is called from transport goroutines.
type Sink interface {
	Emit(frame Frame) error
}

type typingData struct {
	IsOtherTyping bool `json:"is_other_typing"`
}

type unreadData struct {
	Count int `json:"count"`
}

type osNotificationData struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

// sinkAlerter renders alerts as frames for the browser to play or show.
type sinkAlerter struct {
	sink Sink
}

func (a sinkAlerter) Chime() error {
	return a.sink.Emit(Frame{Type: FrameChime})
}

func (a sinkAlerter) Notify(title, body string) error {
	return a.sink.Emit(Frame{Type: FrameOSNotification, Data: osNotificationData{Title: title, Body: body}})
}

func (a sinkAlerter) Toast(toast alert.Toast) error {
	return a.sink.Emit(Frame{Type: FrameToast, Data: toast})
}

func conversationRef(id uuid.UUID) *uuid.UUID {
	return &id
}
