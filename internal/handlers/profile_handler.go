package handlers

import (
	"context"
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/khamis1992/radiant-matches-app-sub000/internal/models"
	"github.com/khamis1992/radiant-matches-app-sub000/internal/services"
)

type profileReader interface {
	GetProfile(ctx context.Context, id uuid.UUID) (*models.Profile, error)
}

type ProfileHandler struct {
	profiles profileReader
}

func NewProfileHandler(profiles profileReader) *ProfileHandler {
	return &ProfileHandler{profiles: profiles}
}

// Me returns the caller's stored profile next to the role claimed in
// the token; realtime sessions trust the stored one.
func (h *ProfileHandler) Me(c *fiber.Ctx) error {
	actorID, err := parseActorID(c)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Invalid token"})
	}

	profile, err := h.profiles.GetProfile(c.Context(), actorID)
	if err != nil {
		if errors.Is(err, services.ErrNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Profile not found"})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to fetch profile"})
	}

	claimed, _ := c.Locals("role").(string)
	return c.JSON(fiber.Map{
		"profile":      profile,
		"claimed_role": claimed,
	})
}
