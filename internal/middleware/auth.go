package middleware

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/saeid-a/CounselBack/internal/models"
	"github.com/saeid-a/CounselBack/pkg/utils"
)

// AuthRequired accepts API bearer tokens issued by the identity collaborator.
// Channel session tokens carry a different role and are rejected here.
func AuthRequired(secret string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		tokenString, ok := bearerToken(c.Get("Authorization"))
		if !ok {
			return unauthorized(c, "Missing or malformed authorization header")
		}

		claims, err := utils.ValidateToken(tokenString, secret)
		if err != nil {
			return unauthorized(c, "Invalid or expired token")
		}
		if !apiRole(claims.Role) {
			return unauthorized(c, "Token is not valid for this API")
		}

		c.Locals("user_id", claims.UserID)
		c.Locals("role", claims.Role)

		return c.Next()
	}
}

// RequireRole rejects requests whose token role is not one of roles.
// It must run after AuthRequired.
func RequireRole(roles ...string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		role, _ := c.Locals("role").(string)
		for _, allowed := range roles {
			if role == allowed {
				return c.Next()
			}
		}
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
			"error": "Forbidden",
			"code":  "FORBIDDEN",
		})
	}
}

func bearerToken(header string) (string, bool) {
	parts := strings.Fields(header)
	if len(parts) != 2 || parts[0] != "Bearer" {
		return "", false
	}
	return parts[1], true
}

func apiRole(role string) bool {
	switch role {
	case models.RoleUser, models.RoleCounselor, models.RoleAdmin:
		return true
	default:
		return false
	}
}

func unauthorized(c *fiber.Ctx, message string) error {
	return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
		"error": message,
		"code":  "UNAUTHORIZED",
	})
}
