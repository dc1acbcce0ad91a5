package chat

import (
	"context"
	"fmt"
	"io"
	"log"
	"strings"

	"github.com/google/uuid"
	"github.com/khamis1992/radiant-matches-app-sub000/internal/models"
	"github.com/khamis1992/radiant-matches-app-sub000/internal/services"
)

const MaxImageBytes = 10 << 20

type messageWriter interface {
	SendMessage(ctx context.Context, actorID uuid.UUID, message models.Message) (*services.ChatDelivery, error)
}

// Attachment is an image to upload before the message row is written.
type Attachment struct {
	Filename    string
	ContentType string
	Content     io.Reader
}

// Sender builds and persists outgoing messages. It is shared by the
// websocket streams and the REST handler.
type Sender struct {
	store   messageWriter
	storage services.StorageService
	newID   func() uuid.UUID
}

// NewSender returns a Sender. storage may be nil, in which case image
// attachments are rejected.
func NewSender(store messageWriter, storage services.StorageService) *Sender {
	return &Sender{store: store, storage: storage, newID: uuid.New}
}

// Send returns the row as confirmed by the store. Nothing is returned
// for a message that was not persisted; an uploaded image whose row
// could not be written is deleted again.
func (s *Sender) Send(
	ctx context.Context,
	actorID uuid.UUID,
	conversationID uuid.UUID,
	content string,
	image *Attachment,
) (models.Message, error) {
	content = strings.TrimSpace(content)
	if conversationID == uuid.Nil || (content == "" && image == nil) {
		return models.Message{}, ErrInvalidInput
	}
	if len(content) > services.MaxMessageLength {
		return models.Message{}, ErrInvalidInput
	}

	message := models.Message{
		ID:             s.newID(),
		ConversationID: conversationID,
		SenderID:       actorID,
		Content:        content,
	}

	if image != nil {
		imageURL, err := s.upload(ctx, message, image)
		if err != nil {
			return models.Message{}, err
		}
		message.ImageURL = &imageURL
	}

	delivery, err := s.store.SendMessage(ctx, actorID, message)
	if err != nil {
		if message.ImageURL != nil {
			if cleanupErr := s.storage.DeleteFile(context.WithoutCancel(ctx), *message.ImageURL); cleanupErr != nil {
				log.Printf("chat: remove orphaned image %s: %v", *message.ImageURL, cleanupErr)
			}
		}
		return models.Message{}, fmt.Errorf("send message: %w", err)
	}

	return *delivery.Message, nil
}

func (s *Sender) upload(ctx context.Context, message models.Message, image *Attachment) (string, error) {
	if s.storage == nil {
		return "", ErrImagesUnsupported
	}
	if image.Content == nil || !strings.HasPrefix(image.ContentType, "image/") {
		return "", ErrInvalidInput
	}

	objectPath := services.ChatImagePath(message.ConversationID, message.ID, image.Filename, image.ContentType)

	url, err := s.storage.Upload(ctx, objectPath, io.LimitReader(image.Content, MaxImageBytes), image.ContentType)
	if err != nil {
		return "", fmt.Errorf("upload image: %w", err)
	}
	return url, nil
}
