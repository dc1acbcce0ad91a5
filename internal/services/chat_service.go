package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/khamis1992/radiant-matches-app-sub000/internal/models"
	"github.com/khamis1992/radiant-matches-app-sub000/internal/repository"
)

const MaxMessageLength = 4000

type profileReader interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Profile, error)
	GetByIDs(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]models.Profile, error)
}

// ChatService is the persistence side of the realtime layer. Every
// method checks that the actor participates in the conversation it
// touches.
type ChatService struct {
	db               *pgxpool.Pool
	conversationRepo *repository.ConversationRepository
	messageRepo      *repository.MessageRepository
	profileRepo      profileReader
}

type ChatDelivery struct {
	Conversation *models.Conversation
	Message      *models.Message
	RecipientID  uuid.UUID
}

func NewChatService(
	db *pgxpool.Pool,
	conversationRepo *repository.ConversationRepository,
	messageRepo *repository.MessageRepository,
	profileRepo profileReader,
) *ChatService {
	return &ChatService{
		db:               db,
		conversationRepo: conversationRepo,
		messageRepo:      messageRepo,
		profileRepo:      profileRepo,
	}
}

func (s *ChatService) ListConversations(ctx context.Context, actorID uuid.UUID) ([]models.Conversation, error) {
	return s.conversationRepo.ListForParticipant(ctx, actorID)
}

func (s *ChatService) FindConversation(
	ctx context.Context,
	customerID uuid.UUID,
	artistID uuid.UUID,
) (*models.Conversation, error) {
	conversation, err := s.conversationRepo.GetByPair(ctx, customerID, artistID)
	if err != nil {
		return nil, notFound(err)
	}
	return conversation, nil
}

func (s *ChatService) CreateConversation(
	ctx context.Context,
	customerID uuid.UUID,
	artistID uuid.UUID,
) (*models.Conversation, error) {
	if customerID == uuid.Nil || artistID == uuid.Nil || customerID == artistID {
		return nil, ErrInvalidInput
	}

	artist, err := s.profileRepo.GetByID(ctx, artistID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrArtistNotFound
		}
		return nil, err
	}
	if artist.Role != models.RoleArtist {
		return nil, ErrInvalidInput
	}

	return s.conversationRepo.CreateOrGet(ctx, customerID, artistID)
}

func (s *ChatService) GetConversation(
	ctx context.Context,
	actorID uuid.UUID,
	conversationID uuid.UUID,
) (*models.Conversation, error) {
	conversation, err := s.conversationRepo.GetByIDForParticipant(ctx, conversationID, actorID)
	if err != nil {
		return nil, notFound(err)
	}
	return conversation, nil
}

func (s *ChatService) ListMessages(
	ctx context.Context,
	actorID uuid.UUID,
	conversationID uuid.UUID,
) ([]models.Message, error) {
	if _, err := s.GetConversation(ctx, actorID, conversationID); err != nil {
		return nil, err
	}
	return s.messageRepo.ListByConversation(ctx, conversationID)
}

// SendMessage persists message and advances the conversation preview in
// one transaction. The message id is chosen by the caller.
func (s *ChatService) SendMessage(
	ctx context.Context,
	actorID uuid.UUID,
	message models.Message,
) (*ChatDelivery, error) {
	message.Content = strings.TrimSpace(message.Content)
	if message.ID == uuid.Nil || message.ConversationID == uuid.Nil {
		return nil, ErrInvalidInput
	}
	if message.Content == "" && message.ImageURL == nil {
		return nil, ErrInvalidInput
	}
	if len(message.Content) > MaxMessageLength {
		return nil, ErrInvalidInput
	}
	message.SenderID = actorID

	conversation, err := s.conversationRepo.GetByIDForParticipant(ctx, message.ConversationID, actorID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrForbidden
		}
		return nil, err
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	txMessageRepo := repository.NewMessageRepository(tx)
	txConversationRepo := repository.NewConversationRepository(tx)

	created, err := txMessageRepo.Create(ctx, &message)
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	if created.ConversationID != message.ConversationID || created.SenderID != actorID {
		return nil, ErrForbidden
	}

	if err := txConversationRepo.RecordLastMessage(ctx, created); err != nil {
		return nil, fmt.Errorf("record last message: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	return &ChatDelivery{
		Conversation: conversation,
		Message:      created,
		RecipientID:  conversation.CounterpartOf(actorID),
	}, nil
}

func (s *ChatService) MarkConversationRead(
	ctx context.Context,
	actorID uuid.UUID,
	conversationID uuid.UUID,
) (int64, error) {
	if _, err := s.GetConversation(ctx, actorID, conversationID); err != nil {
		return 0, err
	}
	return s.messageRepo.MarkConversationRead(ctx, conversationID, actorID)
}

func (s *ChatService) MarkMessageRead(
	ctx context.Context,
	actorID uuid.UUID,
	messageID uuid.UUID,
) (*models.Message, error) {
	message, err := s.messageRepo.GetByID(ctx, messageID)
	if err != nil {
		return nil, notFound(err)
	}
	if _, err := s.GetConversation(ctx, actorID, message.ConversationID); err != nil {
		return nil, err
	}
	if _, err := s.messageRepo.MarkMessageRead(ctx, messageID, actorID); err != nil {
		return nil, err
	}
	if message.SenderID != actorID {
		message.IsRead = true
	}
	return message, nil
}

func (s *ChatService) ConversationIDs(ctx context.Context, actorID uuid.UUID) ([]uuid.UUID, error) {
	return s.conversationRepo.ListIDsForParticipant(ctx, actorID)
}

func (s *ChatService) CountUnread(ctx context.Context, actorID uuid.UUID, conversationIDs []uuid.UUID) (int, error) {
	return s.messageRepo.CountUnread(ctx, conversationIDs, actorID)
}

func (s *ChatService) GetProfile(ctx context.Context, id uuid.UUID) (*models.Profile, error) {
	profile, err := s.profileRepo.GetByID(ctx, id)
	if err != nil {
		return nil, notFound(err)
	}
	return profile, nil
}

func (s *ChatService) GetProfiles(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]models.Profile, error) {
	return s.profileRepo.GetByIDs(ctx, ids)
}
