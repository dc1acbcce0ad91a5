package chatws

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"

	websocket "github.com/gofiber/contrib/websocket"
	"github.com/google/uuid"
	"github.com/khamis1992/radiant-matches-app-sub000/internal/chat"
	"github.com/khamis1992/radiant-matches-app-sub000/internal/models"
	"github.com/khamis1992/radiant-matches-app-sub000/internal/notify"
	"github.com/khamis1992/radiant-matches-app-sub000/internal/services"
	"github.com/khamis1992/radiant-matches-app-sub000/internal/session"
)

var errSlowClient = errors.New("client send queue full")

// Inbound frame types.
const (
	FrameConversationOpen    = "conversation.open"
	FrameConversationClose   = "conversation.close"
	FrameMessageSend         = "message.send"
	FrameTyping              = "typing"
	FrameConversationRead    = "conversation.read"
	FrameMessageRead         = "message.read"
	FrameNotificationsList   = "notifications.list"
	FrameNotificationRead    = "notification.read"
	FrameNotificationReadAll = "notification.read_all"
	FrameNotificationClear   = "notification.clear"
)

// sessionHandler is the part of a session the read pump drives.
type sessionHandler interface {
	ActorID() uuid.UUID
	IsOpen(conversationID uuid.UUID) bool
	OpenConversation(ctx context.Context, conversationID uuid.UUID) ([]models.Message, error)
	CloseConversation(conversationID uuid.UUID)
	SendMessage(ctx context.Context, conversationID uuid.UUID, content string, image *chat.Attachment) (models.Message, error)
	SetTyping(ctx context.Context, conversationID uuid.UUID, typing bool) error
	MarkConversationRead(ctx context.Context, conversationID uuid.UUID) (int64, error)
	MarkMessageRead(ctx context.Context, messageID uuid.UUID) (models.Message, error)
	EmitNotifications()
	Feed() *notify.Feed
}

type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	userID string
	send   chan []byte

	mu     sync.Mutex
	closed bool
}

type inbound struct {
	Type           string        `json:"type"`
	ConversationID string        `json:"conversation_id"`
	MessageID      string        `json:"message_id"`
	NotificationID string        `json:"notification_id"`
	Content        string        `json:"content"`
	IsTyping       bool          `json:"is_typing"`
	Image          *inboundImage `json:"image,omitempty"`
}

// inboundImage carries an attachment inline; Data is base64 in JSON.
type inboundImage struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Data        []byte `json:"data"`
}

type errorData struct {
	Message string `json:"message"`
}

func NewClient(hub *Hub, conn *websocket.Conn, userID string) *Client {
	return &Client{
		hub:    hub,
		conn:   conn,
		userID: userID,
		send:   make(chan []byte, 64),
	}
}

// Emit queues frame for the write pump. A client that cannot keep up is
// disconnected rather than allowed to stall the event channel.
func (c *Client) Emit(frame session.Frame) error {
	payload, err := json.Marshal(frame)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	select {
	case c.send <- payload:
		return nil
	default:
		go c.hub.Unregister(c)
		return errSlowClient
	}
}

func (c *Client) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *Client) ReadPump(sess sessionHandler) {
	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		c.hub.Unregister(c)
		_ = c.conn.Close()
	}()

	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		c.handleFrame(ctx, sess, payload)
	}
}

func (c *Client) handleFrame(ctx context.Context, sess sessionHandler, payload []byte) {
	var incoming inbound
	if err := json.Unmarshal(payload, &incoming); err != nil {
		c.writeError(nil, "invalid message payload")
		return
	}

	switch incoming.Type {
	case FrameNotificationsList:
		sess.EmitNotifications()
		return
	case FrameNotificationReadAll:
		sess.Feed().MarkAllAsRead()
		return
	case FrameNotificationClear:
		sess.Feed().Clear()
		return
	case FrameNotificationRead:
		id, err := uuid.Parse(incoming.NotificationID)
		if err != nil {
			c.writeError(nil, "invalid notification id")
			return
		}
		sess.Feed().MarkAsRead(id)
		return
	case FrameMessageRead:
		id, err := uuid.Parse(incoming.MessageID)
		if err != nil {
			c.writeError(nil, "invalid message id")
			return
		}
		if _, err := sess.MarkMessageRead(ctx, id); err != nil {
			c.writeFailure(nil, "failed to mark message read", err)
		}
		return
	}

	conversationID, err := uuid.Parse(incoming.ConversationID)
	if err != nil {
		c.writeError(nil, "invalid conversation id")
		return
	}
	ref := &conversationID

	switch incoming.Type {
	case FrameConversationOpen:
		if _, err := sess.OpenConversation(ctx, conversationID); err != nil {
			c.writeFailure(ref, "failed to open conversation", err)
		}
	case FrameConversationClose:
		sess.CloseConversation(conversationID)
	case FrameMessageSend:
		var image *chat.Attachment
		if incoming.Image != nil {
			if len(incoming.Image.Data) > chat.MaxImageBytes {
				c.writeError(ref, "image too large")
				return
			}
			image = &chat.Attachment{
				Filename:    incoming.Image.Filename,
				ContentType: incoming.Image.ContentType,
				Content:     bytes.NewReader(incoming.Image.Data),
			}
		}
		message, err := sess.SendMessage(ctx, conversationID, incoming.Content, image)
		if err != nil {
			c.writeFailure(ref, "failed to send message", err)
			return
		}
		if !sess.IsOpen(conversationID) {
			_ = c.Emit(session.Frame{Type: session.FrameMessageUpsert, ConversationID: ref, Data: message})
		}
	case FrameTyping:
		if err := sess.SetTyping(ctx, conversationID, incoming.IsTyping); err != nil {
			c.writeFailure(ref, "failed to update typing", err)
		}
	case FrameConversationRead:
		if _, err := sess.MarkConversationRead(ctx, conversationID); err != nil {
			c.writeFailure(ref, "failed to mark conversation read", err)
		}
	default:
		c.writeError(ref, "unsupported message type")
	}
}

func (c *Client) WritePump() {
	defer func() {
		_ = c.conn.Close()
	}()

	for payload := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			return
		}
	}
}

// writeFailure reports err with a client-safe message.
func (c *Client) writeFailure(conversationID *uuid.UUID, fallback string, err error) {
	switch {
	case errors.Is(err, chat.ErrInvalidInput), errors.Is(err, services.ErrInvalidInput):
		c.writeError(conversationID, "invalid request")
	case errors.Is(err, chat.ErrImagesUnsupported):
		c.writeError(conversationID, "image attachments are not available")
	case errors.Is(err, services.ErrNotFound):
		c.writeError(conversationID, "conversation not found")
	case errors.Is(err, session.ErrConversationClosed):
		c.writeError(conversationID, "conversation is not open")
	default:
		log.Printf("chat ws %s: %s: %v", c.userID, fallback, err)
		c.writeError(conversationID, fallback)
	}
}

func (c *Client) writeError(conversationID *uuid.UUID, message string) {
	if err := c.Emit(session.Frame{Type: session.FrameError, ConversationID: conversationID, Data: errorData{Message: message}}); err != nil {
		log.Printf("chat ws %s: write error frame: %v", c.userID, err)
	}
}
