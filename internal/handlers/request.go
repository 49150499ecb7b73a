package handlers

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/saeid-a/CounselBack/internal/models"
	"github.com/saeid-a/CounselBack/pkg/utils"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

type actor struct {
	ID   int64
	Role string
}

func (a actor) isAdmin() bool {
	return a.Role == models.RoleAdmin
}

func parseUserID(c *fiber.Ctx) (int64, error) {
	userIDStr, ok := c.Locals("user_id").(string)
	if !ok {
		return 0, strconv.ErrSyntax
	}
	return strconv.ParseInt(userIDStr, 10, 64)
}

var (
	errRoleNotAllowed = errors.New("role not allowed")
	errInvalidActor   = errors.New("invalid token subject")
)

// currentActor reads the authenticated user and checks the role against
// allowed. An empty allowed list accepts any known role.
func currentActor(c *fiber.Ctx, allowed ...string) (actor, error) {
	role, ok := c.Locals("role").(string)
	if !ok || !knownRole(role) {
		return actor{}, errRoleNotAllowed
	}
	if len(allowed) > 0 && !containsRole(allowed, role) {
		return actor{}, errRoleNotAllowed
	}

	userID, err := parseUserID(c)
	if err != nil || userID <= 0 {
		return actor{}, errInvalidActor
	}
	return actor{ID: userID, Role: role}, nil
}

func actorError(c *fiber.Ctx, err error) error {
	if errors.Is(err, errInvalidActor) {
		return unauthorized(c)
	}
	return forbidden(c)
}

func knownRole(role string) bool {
	switch role {
	case models.RoleUser, models.RoleCounselor, models.RoleAdmin:
		return true
	default:
		return false
	}
}

func containsRole(roles []string, role string) bool {
	for _, candidate := range roles {
		if candidate == role {
			return true
		}
	}
	return false
}

func parseIDParam(c *fiber.Ctx, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Params(name), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

func parseLimit(c *fiber.Ctx) (int, bool) {
	raw := strings.TrimSpace(c.Query("limit"))
	if raw == "" {
		return defaultListLimit, true
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return 0, false
	}
	return min(limit, maxListLimit), true
}

// parseTimeQuery returns the zero time when the parameter is absent.
func parseTimeQuery(c *fiber.Ctx, name string) (time.Time, bool) {
	raw := strings.TrimSpace(c.Query(name))
	if raw == "" {
		return time.Time{}, true
	}
	parsed, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, false
	}
	return parsed, true
}

// bindBody parses and validates a JSON body. On failure it writes the 400
// response and returns false.
func bindBody(c *fiber.Ctx, v *utils.Validator, out interface{}) (bool, error) {
	if err := c.BodyParser(out); err != nil {
		return false, badRequest(c, "Invalid request body")
	}
	if err := v.Struct(out); err != nil {
		return false, badRequest(c, utils.FirstError(err))
	}
	return true, nil
}
