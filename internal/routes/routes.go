package routes

import (
	websocket "github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/khamis1992/radiant-matches-app-sub000/internal/chat"
	"github.com/khamis1992/radiant-matches-app-sub000/internal/config"
	"github.com/khamis1992/radiant-matches-app-sub000/internal/events"
	"github.com/khamis1992/radiant-matches-app-sub000/internal/handlers"
	"github.com/khamis1992/radiant-matches-app-sub000/internal/middleware"
	"github.com/khamis1992/radiant-matches-app-sub000/internal/repository"
	"github.com/khamis1992/radiant-matches-app-sub000/internal/services"
	"github.com/khamis1992/radiant-matches-app-sub000/internal/session"
	chatws "github.com/khamis1992/radiant-matches-app-sub000/internal/websocket"
)

// RegisterRoutes wires the chat stack onto app and returns the running
// websocket hub so the caller can shut it down.
func RegisterRoutes(app *fiber.App, cfg *config.Config, db *pgxpool.Pool, channel events.Channel) *chatws.Hub {
	conversationRepo := repository.NewConversationRepository(db)
	messageRepo := repository.NewMessageRepository(db)
	profileRepo := repository.NewProfileRepository(db)

	var storageService services.StorageService
	if cfg.StorageEnabled() {
		storageService = services.NewSupabaseStorageService(cfg.SupabaseURL, cfg.SupabaseBucket, cfg.SupabaseServiceKey)
	}

	chatService := services.NewChatService(db, conversationRepo, messageRepo, profileRepo)
	sender := chat.NewSender(chatService, storageService)
	directory := chat.NewDirectory(chatService, channel)

	chatHub := chatws.NewHub()
	go chatHub.Run()

	sessionOptions := session.Options{
		TypingTimeout:      cfg.TypingTimeout,
		UnreadPollInterval: cfg.UnreadPollInterval,
		FeedCapacity:       cfg.NotificationCap,
	}
	newSession := func(actorID uuid.UUID, sink session.Sink) *session.Session {
		return session.New(actorID, chatService, sender, channel, sink, sessionOptions)
	}

	chatHandler := handlers.NewChatHandler(chatService, directory, sender, chatHub, newSession, cfg.JWTSecret)
	profileHandler := handlers.NewProfileHandler(chatService)

	api := app.Group("/api")

	// Registered ahead of the bearer-only group: browsers pass the
	// websocket token as a query parameter.
	api.Use("/v1/ws", chatHandler.WebSocketAuth)
	api.Get("/v1/ws", websocket.New(chatHandler.HandleWebSocket))

	authProtected := api.Group("/v1", middleware.AuthRequired(cfg.JWTSecret))
	authProtected.Get("/me", profileHandler.Me)
	authProtected.Get("/unread", chatHandler.UnreadCount)
	authProtected.Post("/messages/:id/read", chatHandler.MarkMessageRead)

	conversations := authProtected.Group("/conversations")
	conversations.Get("", chatHandler.ListConversations)
	conversations.Post("", chatHandler.CreateConversation)
	conversations.Get("/:id/messages", chatHandler.GetMessages)
	conversations.Post("/:id/messages", chatHandler.SendMessage)
	conversations.Post("/:id/read", chatHandler.MarkConversationRead)

	return chatHub
}
