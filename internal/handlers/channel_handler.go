package handlers

import (
	"errors"
	"strings"

	websocket "github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	channelws "github.com/saeid-a/CounselBack/internal/websocket"
)

type ChannelHandler struct {
	hub *channelws.Hub
}

func NewChannelHandler(hub *channelws.Hub) *ChannelHandler {
	return &ChannelHandler{hub: hub}
}

// WebSocketAuth admits an upgrade only for a valid channel token whose
// participant belongs to the requested channel.
func (h *ChannelHandler) WebSocketAuth(c *fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return c.Status(fiber.StatusUpgradeRequired).JSON(fiber.Map{"error": "WebSocket upgrade required"})
	}

	participantID, err := h.hub.Authenticate(channelToken(c))
	if err != nil {
		return unauthorized(c)
	}

	channelID := c.Params("channelId")
	if err := h.hub.CanJoin(channelID, participantID); err != nil {
		if errors.Is(err, channelws.ErrChannelNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Channel not found", "code": "CHANNEL_NOT_FOUND"})
		}
		return forbidden(c)
	}

	c.Locals("participant_id", participantID)
	c.Locals("channel_id", channelID)
	return c.Next()
}

func (h *ChannelHandler) HandleWebSocket(conn *websocket.Conn) {
	participantID, _ := conn.Locals("participant_id").(string)
	channelID, _ := conn.Locals("channel_id").(string)

	client, err := h.hub.Join(channelID, participantID, conn)
	if err != nil {
		_ = conn.Close()
		return
	}

	go client.WritePump()
	client.ReadPump()
}

func channelToken(c *fiber.Ctx) string {
	token := strings.TrimSpace(c.Query("token"))
	if token != "" {
		return token
	}
	parts := strings.Split(strings.TrimSpace(c.Get("Authorization")), " ")
	if len(parts) == 2 && parts[0] == "Bearer" {
		return parts[1]
	}
	return ""
}
