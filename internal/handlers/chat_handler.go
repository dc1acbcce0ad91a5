package handlers

import (
	"context"
	"errors"
	"log"
	"strings"

	websocket "github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/khamis1992/radiant-matches-app-sub000/internal/chat"
	"github.com/khamis1992/radiant-matches-app-sub000/internal/middleware"
	"github.com/khamis1992/radiant-matches-app-sub000/internal/models"
	"github.com/khamis1992/radiant-matches-app-sub000/internal/services"
	"github.com/khamis1992/radiant-matches-app-sub000/internal/session"
	chatws "github.com/khamis1992/radiant-matches-app-sub000/internal/websocket"
	"github.com/khamis1992/radiant-matches-app-sub000/pkg/utils"
)

type chatApplicationService interface {
	GetConversation(ctx context.Context, actorID uuid.UUID, conversationID uuid.UUID) (*models.Conversation, error)
	ListMessages(ctx context.Context, actorID uuid.UUID, conversationID uuid.UUID) ([]models.Message, error)
	MarkConversationRead(ctx context.Context, actorID uuid.UUID, conversationID uuid.UUID) (int64, error)
	MarkMessageRead(ctx context.Context, actorID uuid.UUID, messageID uuid.UUID) (*models.Message, error)
	ConversationIDs(ctx context.Context, actorID uuid.UUID) ([]uuid.UUID, error)
	CountUnread(ctx context.Context, actorID uuid.UUID, conversationIDs []uuid.UUID) (int, error)
}

type conversationDirectory interface {
	List(ctx context.Context, actorID uuid.UUID) ([]models.ConversationView, error)
	GetOrCreate(ctx context.Context, customerID uuid.UUID, artistID uuid.UUID) (uuid.UUID, error)
}

type messageSender interface {
	Send(ctx context.Context, actorID uuid.UUID, conversationID uuid.UUID, content string, image *chat.Attachment) (models.Message, error)
}

// SessionFactory builds the realtime session for one websocket
// connection.
type SessionFactory func(actorID uuid.UUID, sink session.Sink) *session.Session

type ChatHandler struct {
	service    chatApplicationService
	directory  conversationDirectory
	sender     messageSender
	hub        *chatws.Hub
	newSession SessionFactory
	jwtSecret  string
}

type createConversationRequest struct {
	ArtistID   uuid.UUID `json:"artist_id"`
	CustomerID uuid.UUID `json:"customer_id"`
}

type sendMessageRequest struct {
	Content string `json:"content"`
}

func NewChatHandler(
	service chatApplicationService,
	directory conversationDirectory,
	sender messageSender,
	hub *chatws.Hub,
	newSession SessionFactory,
	jwtSecret string,
) *ChatHandler {
	return &ChatHandler{
		service:    service,
		directory:  directory,
		sender:     sender,
		hub:        hub,
		newSession: newSession,
		jwtSecret:  jwtSecret,
	}
}

func (h *ChatHandler) ListConversations(c *fiber.Ctx) error {
	actorID, err := parseActorID(c)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Invalid token"})
	}

	conversations, err := h.directory.List(c.Context(), actorID)
	if err != nil {
		return mapChatError(c, err)
	}

	return c.JSON(fiber.Map{"conversations": conversations})
}

// CreateConversation finds or creates the conversation between the
// caller and a counterpart. Customers name the artist; artists name the
// customer.
func (h *ChatHandler) CreateConversation(c *fiber.Ctx) error {
	actorID, err := parseActorID(c)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Invalid token"})
	}

	var req createConversationRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request body"})
	}

	customerID, artistID := req.CustomerID, req.ArtistID
	switch {
	case customerID == uuid.Nil:
		customerID = actorID
	case artistID == uuid.Nil:
		artistID = actorID
	}
	if customerID != actorID && artistID != actorID {
		return mapChatError(c, chat.ErrForbidden)
	}

	conversationID, err := h.directory.GetOrCreate(c.Context(), customerID, artistID)
	if err != nil {
		return mapChatError(c, err)
	}
	conversation, err := h.service.GetConversation(c.Context(), actorID, conversationID)
	if err != nil {
		return mapChatError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"conversation": conversation})
}

// GetMessages returns the full history, oldest first. page and limit
// narrow it to one window.
func (h *ChatHandler) GetMessages(c *fiber.Ctx) error {
	actorID, err := parseActorID(c)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Invalid token"})
	}

	conversationID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid conversation id"})
	}

	messages, err := h.service.ListMessages(c.Context(), actorID, conversationID)
	if err != nil {
		return mapChatError(c, err)
	}

	if c.Query("page") == "" && c.Query("limit") == "" {
		return c.JSON(fiber.Map{"messages": messages})
	}

	page := parsePositiveInt(c.Query("page"), 1)
	limit := parsePositiveInt(c.Query("limit"), defaultPageLimit)
	if limit > maxPageLimit {
		limit = maxPageLimit
	}
	start, end := pageWindow(page, limit, len(messages))

	return c.JSON(fiber.Map{
		"messages":   messages[start:end],
		"pagination": buildPaginationMeta(page, limit, len(messages)),
	})
}

// SendMessage accepts JSON {"content"} or a multipart form with a
// "content" field and an optional "image" file.
func (h *ChatHandler) SendMessage(c *fiber.Ctx) error {
	actorID, err := parseActorID(c)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Invalid token"})
	}

	conversationID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid conversation id"})
	}

	var (
		content string
		image   *chat.Attachment
	)
	if strings.HasPrefix(c.Get(fiber.HeaderContentType), fiber.MIMEMultipartForm) {
		content = c.FormValue("content")
		if fileHeader, err := c.FormFile("image"); err == nil {
			if msg := validateImageUpload(fileHeader); msg != "" {
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": msg})
			}
			file, err := fileHeader.Open()
			if err != nil {
				return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to open image file"})
			}
			defer file.Close()
			image = &chat.Attachment{
				Filename:    fileHeader.Filename,
				ContentType: imageContentType(fileHeader),
				Content:     file,
			}
		}
	} else {
		var req sendMessageRequest
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request body"})
		}
		content = req.Content
	}

	message, err := h.sender.Send(c.Context(), actorID, conversationID, content, image)
	if err != nil {
		return mapChatError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"message": message})
}

func (h *ChatHandler) MarkConversationRead(c *fiber.Ctx) error {
	actorID, err := parseActorID(c)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Invalid token"})
	}

	conversationID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid conversation id"})
	}

	updated, err := h.service.MarkConversationRead(c.Context(), actorID, conversationID)
	if err != nil {
		return mapChatError(c, err)
	}

	return c.JSON(fiber.Map{"updated": updated})
}

func (h *ChatHandler) MarkMessageRead(c *fiber.Ctx) error {
	actorID, err := parseActorID(c)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Invalid token"})
	}

	messageID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid message id"})
	}

	message, err := h.service.MarkMessageRead(c.Context(), actorID, messageID)
	if err != nil {
		return mapChatError(c, err)
	}

	return c.JSON(fiber.Map{"message": message})
}

func (h *ChatHandler) UnreadCount(c *fiber.Ctx) error {
	actorID, err := parseActorID(c)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Invalid token"})
	}

	ids, err := h.service.ConversationIDs(c.Context(), actorID)
	if err != nil {
		return mapChatError(c, err)
	}
	count := 0
	if len(ids) > 0 {
		count, err = h.service.CountUnread(c.Context(), actorID, ids)
		if err != nil {
			return mapChatError(c, err)
		}
	}

	return c.JSON(fiber.Map{"unread": count})
}

func (h *ChatHandler) WebSocketAuth(c *fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return c.Status(fiber.StatusUpgradeRequired).JSON(fiber.Map{"error": "WebSocket upgrade required"})
	}

	claims, err := h.parseWSClaims(c)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Invalid or expired token"})
	}

	c.Locals("user_id", claims.UserID)
	c.Locals("role", claims.Role)
	return c.Next()
}

// HandleWebSocket runs one realtime session for the life of the
// connection.
func (h *ChatHandler) HandleWebSocket(conn *websocket.Conn) {
	userID, _ := conn.Locals("user_id").(string)
	role, _ := conn.Locals("role").(string)
	actorID, err := uuid.Parse(userID)
	if err != nil {
		_ = conn.Close()
		return
	}

	client := chatws.NewClient(h.hub, conn, userID)
	if !h.hub.Register(client) {
		_ = conn.Close()
		return
	}
	go client.WritePump()

	sess := h.newSession(actorID, client)
	defer sess.Close()
	if err := sess.Start(context.Background(), role); err != nil {
		log.Printf("chat ws %s: start session: %v", userID, err)
		_ = client.Emit(session.Frame{Type: session.FrameError, Data: fiber.Map{"message": "failed to start session"}})
		h.hub.Unregister(client)
		return
	}

	client.ReadPump(sess)
}

func (h *ChatHandler) parseWSClaims(c *fiber.Ctx) (*utils.Claims, error) {
	tokenString := strings.TrimSpace(c.Query("token"))
	if tokenString == "" {
		tokenString, _ = middleware.BearerToken(c.Get("Authorization"))
	}

	if tokenString == "" {
		return nil, errors.New("missing token")
	}

	return middleware.ValidateActor(tokenString, h.jwtSecret)
}

func parseActorID(c *fiber.Ctx) (uuid.UUID, error) {
	userID, ok := c.Locals("user_id").(string)
	if !ok {
		return uuid.Nil, errors.New("missing user id")
	}
	return uuid.Parse(userID)
}

func mapChatError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, chat.ErrForbidden), errors.Is(err, services.ErrForbidden):
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "Forbidden"})
	case errors.Is(err, chat.ErrInvalidInput), errors.Is(err, services.ErrInvalidInput):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request"})
	case errors.Is(err, chat.ErrImagesUnsupported):
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "Storage service is not configured"})
	case errors.Is(err, services.ErrArtistNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Artist not found"})
	case errors.Is(err, services.ErrNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Conversation not found"})
	default:
		log.Printf("chat request failed: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to process chat request"})
	}
}
