package services

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/khamis1992/radiant-matches-app-sub000/internal/models"
	"github.com/khamis1992/radiant-matches-app-sub000/internal/repository"
)

var (
	testDBOnce sync.Once
	testDBPool *pgxpool.Pool
	testDBErr  error
)

func TestChatServiceSendAndReadFlow(t *testing.T) {
	ctx := context.Background()
	pool := integrationTestPool(t)
	service := newIntegrationChatService(pool)

	customerID := createTestProfile(t, ctx, pool, models.RoleCustomer)
	artistID := createTestProfile(t, ctx, pool, models.RoleArtist)
	t.Cleanup(func() { cleanupTestProfiles(t, pool, customerID, artistID) })

	conversation, err := service.CreateConversation(ctx, customerID, artistID)
	if err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}

	delivery, err := service.SendMessage(ctx, customerID, models.Message{
		ID:             uuid.New(),
		ConversationID: conversation.ID,
		Content:        "  Is Friday free?  ",
	})
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if delivery.Message.Content != "Is Friday free?" || delivery.RecipientID != artistID {
		t.Fatalf("unexpected delivery: %+v", delivery.Message)
	}

	ids, err := service.ConversationIDs(ctx, artistID)
	if err != nil {
		t.Fatalf("ConversationIDs: %v", err)
	}
	unread, err := service.CountUnread(ctx, artistID, ids)
	if err != nil {
		t.Fatalf("CountUnread: %v", err)
	}
	if unread != 1 {
		t.Fatalf("expected 1 unread for the artist, got %d", unread)
	}

	// The sender's own messages never count and are never marked.
	updated, err := service.MarkConversationRead(ctx, customerID, conversation.ID)
	if err != nil {
		t.Fatalf("MarkConversationRead(customer): %v", err)
	}
	if updated != 0 {
		t.Fatalf("sender should not mark own message, updated %d", updated)
	}

	updated, err = service.MarkConversationRead(ctx, artistID, conversation.ID)
	if err != nil {
		t.Fatalf("MarkConversationRead(artist): %v", err)
	}
	if updated != 1 {
		t.Fatalf("expected 1 message marked read, got %d", updated)
	}

	messages, err := service.ListMessages(ctx, artistID, conversation.ID)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(messages) != 1 || !messages[0].IsRead {
		t.Fatalf("unexpected history: %+v", messages)
	}

	reloaded, err := service.GetConversation(ctx, customerID, conversation.ID)
	if err != nil {
		t.Fatalf("GetConversation: %v", err)
	}
	if reloaded.LastMessageText == nil || *reloaded.LastMessageText != "Is Friday free?" {
		t.Fatalf("expected preview to follow the last message, got %v", reloaded.LastMessageText)
	}
}

func TestChatServiceCreateConversationIsUniquePerPair(t *testing.T) {
	ctx := context.Background()
	pool := integrationTestPool(t)
	service := newIntegrationChatService(pool)

	customerID := createTestProfile(t, ctx, pool, models.RoleCustomer)
	artistID := createTestProfile(t, ctx, pool, models.RoleArtist)
	t.Cleanup(func() { cleanupTestProfiles(t, pool, customerID, artistID) })

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		seen    = map[uuid.UUID]struct{}{}
		callErr error
	)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conversation, err := service.CreateConversation(ctx, customerID, artistID)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				callErr = err
				return
			}
			seen[conversation.ID] = struct{}{}
		}()
	}
	wg.Wait()

	if callErr != nil {
		t.Fatalf("CreateConversation: %v", callErr)
	}
	if len(seen) != 1 {
		t.Fatalf("expected one conversation for the pair, got %d", len(seen))
	}
}

func TestChatServiceRejectsOutsiders(t *testing.T) {
	ctx := context.Background()
	pool := integrationTestPool(t)
	service := newIntegrationChatService(pool)

	customerID := createTestProfile(t, ctx, pool, models.RoleCustomer)
	artistID := createTestProfile(t, ctx, pool, models.RoleArtist)
	outsiderID := createTestProfile(t, ctx, pool, models.RoleCustomer)
	t.Cleanup(func() { cleanupTestProfiles(t, pool, customerID, artistID, outsiderID) })

	conversation, err := service.CreateConversation(ctx, customerID, artistID)
	if err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}

	if _, err := service.ListMessages(ctx, outsiderID, conversation.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for outsider history, got %v", err)
	}
	_, err = service.SendMessage(ctx, outsiderID, models.Message{
		ID:             uuid.New(),
		ConversationID: conversation.ID,
		Content:        "hi",
	})
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden for outsider send, got %v", err)
	}

	if _, err := service.CreateConversation(ctx, customerID, outsiderID); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for a non-artist counterpart, got %v", err)
	}
	if _, err := service.CreateConversation(ctx, customerID, uuid.New()); !errors.Is(err, ErrArtistNotFound) {
		t.Fatalf("expected ErrArtistNotFound, got %v", err)
	}
}

func integrationTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	testDBOnce.Do(func() {
		_ = godotenv.Load(".env")
		_ = godotenv.Load(filepath.Join("..", "..", ".env"))

		dbURL := os.Getenv("DB_URL")
		if dbURL == "" {
			testDBErr = fmt.Errorf("DB_URL is not set")
			return
		}

		cfg, err := pgxpool.ParseConfig(dbURL)
		if err != nil {
			testDBErr = err
			return
		}

		testDBPool, testDBErr = pgxpool.NewWithConfig(context.Background(), cfg)
		if testDBErr != nil {
			return
		}
		testDBErr = testDBPool.Ping(context.Background())
	})

	if testDBErr != nil {
		t.Skipf("skipping integration test: %v", testDBErr)
	}
	return testDBPool
}

func newIntegrationChatService(pool *pgxpool.Pool) *ChatService {
	return NewChatService(
		pool,
		repository.NewConversationRepository(pool),
		repository.NewMessageRepository(pool),
		repository.NewProfileRepository(pool),
	)
}

func createTestProfile(t *testing.T, ctx context.Context, pool *pgxpool.Pool, role string) uuid.UUID {
	t.Helper()

	id := uuid.New()
	_, err := pool.Exec(ctx,
		`INSERT INTO profiles (id, full_name, role) VALUES ($1, $2, $3)`,
		id, "chat-test-"+role, role,
	)
	if err != nil {
		t.Fatalf("insert %s profile: %v", role, err)
	}
	return id
}

func cleanupTestProfiles(t *testing.T, pool *pgxpool.Pool, ids ...uuid.UUID) {
	t.Helper()

	if _, err := pool.Exec(context.Background(), `DELETE FROM profiles WHERE id = ANY($1)`, ids); err != nil {
		t.Fatalf("cleanup profiles: %v", err)
	}
}
