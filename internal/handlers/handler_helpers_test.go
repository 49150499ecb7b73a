package handlers

import (
	"encoding/json"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"
)

func newAuthedApp(role, userID string) *fiber.App {
	app := fiber.New()
	app.Use(func(c *fiber.Ctx) error {
		if role != "" {
			c.Locals("role", role)
		}
		if userID != "" {
			c.Locals("user_id", userID)
		}
		return c.Next()
	})
	return app
}

func doJSON(t *testing.T, app *fiber.App, method, path, body string) (int, map[string]interface{}) {
	t.Helper()

	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	payload := map[string]interface{}{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &payload); err != nil {
			t.Fatalf("decode body %q: %v", string(raw), err)
		}
	}
	return resp.StatusCode, payload
}

func expectStatus(t *testing.T, got, want int, payload map[string]interface{}) {
	t.Helper()
	if got != want {
		t.Fatalf("expected %d, got %d (body %v)", want, got, payload)
	}
}

func expectCode(t *testing.T, payload map[string]interface{}, want string) {
	t.Helper()
	if code, _ := payload["code"].(string); code != want {
		t.Fatalf("expected code %s, got %v", want, payload["code"])
	}
}

