package middleware

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/khamis1992/radiant-matches-app-sub000/pkg/utils"
)

// AuthRequired validates the bearer token and stores the caller's id and
// role in the request locals under "user_id" and "role". Tokens whose
// subject is not a profile uuid are rejected here so handlers can parse
// the id without a second check.
func AuthRequired(secret string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		authHeader := c.Get("Authorization")
		if authHeader == "" {
			return unauthorized(c, "Missing authorization header")
		}

		tokenString, ok := BearerToken(authHeader)
		if !ok {
			return unauthorized(c, "Invalid authorization header format")
		}

		claims, err := ValidateActor(tokenString, secret)
		if err != nil {
			return unauthorized(c, "Invalid or expired token")
		}

		c.Locals("user_id", claims.UserID)
		c.Locals("role", claims.Role)
		return c.Next()
	}
}

// ValidateActor validates tokenString and requires a uuid subject.
func ValidateActor(tokenString, secret string) (*utils.Claims, error) {
	claims, err := utils.ValidateToken(tokenString, secret)
	if err != nil {
		return nil, err
	}
	if _, err := uuid.Parse(claims.UserID); err != nil {
		return nil, utils.ErrInvalidToken
	}
	return claims, nil
}

func BearerToken(header string) (string, bool) {
	scheme, token, found := strings.Cut(strings.TrimSpace(header), " ")
	token = strings.TrimSpace(token)
	if !found || !strings.EqualFold(scheme, "Bearer") || token == "" || strings.Contains(token, " ") {
		return "", false
	}
	return token, true
}

func unauthorized(c *fiber.Ctx, message string) error {
	return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": message})
}
