package repository

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/khamis1992/radiant-matches-app-sub000/internal/models"
)

const conversationColumns = `id, customer_id, artist_id, last_message_text, last_message_at, created_at`

type ConversationRepository struct {
	db DBTX
}

func NewConversationRepository(db DBTX) *ConversationRepository {
	return &ConversationRepository{db: db}
}

func scanConversation(row pgx.Row) (*models.Conversation, error) {
	var conversation models.Conversation
	err := row.Scan(
		&conversation.ID,
		&conversation.CustomerID,
		&conversation.ArtistID,
		&conversation.LastMessageText,
		&conversation.LastMessageAt,
		&conversation.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &conversation, nil
}

// CreateOrGet inserts the (customer, artist) conversation unless it
// exists and returns the stored row. Concurrent callers converge on the
// same row through the unique constraint on the pair.
func (r *ConversationRepository) CreateOrGet(
	ctx context.Context,
	customerID uuid.UUID,
	artistID uuid.UUID,
) (*models.Conversation, error) {
	query := `
		INSERT INTO conversations (customer_id, artist_id)
		VALUES ($1, $2)
		ON CONFLICT (customer_id, artist_id) DO NOTHING
		RETURNING ` + conversationColumns

	conversation, err := scanConversation(r.db.QueryRow(ctx, query, customerID, artistID))
	if err == nil {
		return conversation, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}

	return r.GetByPair(ctx, customerID, artistID)
}

func (r *ConversationRepository) GetByPair(
	ctx context.Context,
	customerID uuid.UUID,
	artistID uuid.UUID,
) (*models.Conversation, error) {
	query := `
		SELECT ` + conversationColumns + `
		FROM conversations
		WHERE customer_id = $1 AND artist_id = $2
	`
	return scanConversation(r.db.QueryRow(ctx, query, customerID, artistID))
}

func (r *ConversationRepository) GetByID(ctx context.Context, conversationID uuid.UUID) (*models.Conversation, error) {
	query := `
		SELECT ` + conversationColumns + `
		FROM conversations
		WHERE id = $1
	`
	return scanConversation(r.db.QueryRow(ctx, query, conversationID))
}

func (r *ConversationRepository) GetByIDForParticipant(
	ctx context.Context,
	conversationID uuid.UUID,
	participantID uuid.UUID,
) (*models.Conversation, error) {
	query := `
		SELECT ` + conversationColumns + `
		FROM conversations
		WHERE id = $1 AND (customer_id = $2 OR artist_id = $2)
	`
	return scanConversation(r.db.QueryRow(ctx, query, conversationID, participantID))
}

func (r *ConversationRepository) ListForParticipant(
	ctx context.Context,
	participantID uuid.UUID,
) ([]models.Conversation, error) {
	query := `
		SELECT ` + conversationColumns + `
		FROM conversations
		WHERE customer_id = $1 OR artist_id = $1
		ORDER BY last_message_at DESC NULLS LAST, created_at DESC, id DESC
	`

	rows, err := r.db.Query(ctx, query, participantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	conversations := make([]models.Conversation, 0)
	for rows.Next() {
		conversation, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		conversations = append(conversations, *conversation)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return conversations, nil
}

func (r *ConversationRepository) ListIDsForParticipant(
	ctx context.Context,
	participantID uuid.UUID,
) ([]uuid.UUID, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id
		FROM conversations
		WHERE customer_id = $1 OR artist_id = $1
	`, participantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := make([]uuid.UUID, 0)
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return ids, nil
}

func (r *ConversationRepository) RecordLastMessage(ctx context.Context, message *models.Message) error {
	preview := message.Content
	if preview == "" && message.ImageURL != nil {
		preview = "Sent an image"
	}
	_, err := r.db.Exec(ctx, `
		UPDATE conversations
		SET last_message_text = $2, last_message_at = $3
		WHERE id = $1
		  AND (last_message_at IS NULL OR last_message_at <= $3)
	`, message.ConversationID, preview, message.CreatedAt)
	return err
}
