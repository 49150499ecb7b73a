package channelws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	websocket "github.com/gofiber/contrib/websocket"
	"github.com/rs/zerolog"
	"github.com/saeid-a/CounselBack/internal/logging"
	"github.com/saeid-a/CounselBack/internal/services"
	"github.com/saeid-a/CounselBack/pkg/utils"
)

// TokenRole is the role carried by channel session tokens. Bearer auth for
// the REST API never accepts it.
const TokenRole = "channel"

var (
	ErrUnknownParticipant = errors.New("unknown channel participant")
	ErrChannelNotFound    = errors.New("channel not found")
	ErrNotInChannel       = errors.New("participant is not a member of the channel")
)

var _ services.ChannelProvider = (*Hub)(nil)

// Conn is the part of a websocket connection the hub needs.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Hub is an in-process channel provider. Rooms live in memory and are keyed
// by channel id; each room admits only the participants it was created with.
type Hub struct {
	mu       sync.RWMutex
	users    map[string]string
	rooms    map[string]*room
	secret   string
	tokenTTL time.Duration
	logger   zerolog.Logger
}

type room struct {
	participants map[string]struct{}
	clients      map[*Client]struct{}
}

type Client struct {
	hub           *Hub
	conn          Conn
	channelID     string
	participantID string
	send          chan []byte
	done          chan struct{}
	closeOnce     sync.Once
}

type Message struct {
	Type      string `json:"type"`
	ChannelID string `json:"channel_id"`
	SenderID  string `json:"sender_id,omitempty"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp"`
}

func NewHub(secret string, tokenTTL time.Duration, logger zerolog.Logger) *Hub {
	return &Hub{
		users:    make(map[string]string),
		rooms:    make(map[string]*room),
		secret:   secret,
		tokenTTL: tokenTTL,
		logger:   logging.Component(logger, "channel_hub"),
	}
}

func (h *Hub) CreateUser(_ context.Context, id string, displayName string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return errors.New("participant id is required")
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.users[id] = displayName
	return nil
}

// CreateChannel opens a room for the given participants. Creating a channel
// that already exists with the same id returns it unchanged.
func (h *Hub) CreateChannel(_ context.Context, channelID string, participantIDs []string) (string, error) {
	channelID = strings.TrimSpace(channelID)
	if channelID == "" {
		return "", errors.New("channel id is required")
	}
	if len(participantIDs) == 0 {
		return "", errors.New("channel needs at least one participant")
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if _, exists := h.rooms[channelID]; exists {
		return channelID, nil
	}

	members := make(map[string]struct{}, len(participantIDs))
	for _, id := range participantIDs {
		if _, known := h.users[id]; !known {
			return "", fmt.Errorf("%w: %s", ErrUnknownParticipant, id)
		}
		members[id] = struct{}{}
	}
	h.rooms[channelID] = &room{
		participants: members,
		clients:      make(map[*Client]struct{}),
	}
	h.logger.Debug().Str("channel_id", channelID).Int("participants", len(members)).Msg("channel created")
	return channelID, nil
}

func (h *Hub) IssueSessionToken(_ context.Context, participantID string) (string, error) {
	h.mu.RLock()
	_, known := h.users[participantID]
	h.mu.RUnlock()
	if !known {
		return "", fmt.Errorf("%w: %s", ErrUnknownParticipant, participantID)
	}
	return utils.GenerateTokenWithTTL(participantID, TokenRole, h.secret, h.tokenTTL)
}

// DeleteChannel removes the room and disconnects its clients. Deleting an
// unknown channel is a no-op.
func (h *Hub) DeleteChannel(_ context.Context, channelID string) error {
	h.mu.Lock()
	r, ok := h.rooms[channelID]
	if ok {
		delete(h.rooms, channelID)
	}
	h.mu.Unlock()

	if !ok {
		return nil
	}
	for client := range r.clients {
		client.close()
	}
	h.logger.Debug().Str("channel_id", channelID).Msg("channel deleted")
	return nil
}

// Authenticate validates a channel session token and returns its participant.
func (h *Hub) Authenticate(token string) (string, error) {
	claims, err := utils.ValidateToken(token, h.secret)
	if err != nil {
		return "", err
	}
	if claims.Role != TokenRole {
		return "", utils.ErrInvalidToken
	}
	return claims.UserID, nil
}

// CanJoin reports whether participantID is a member of channelID.
func (h *Hub) CanJoin(channelID, participantID string) error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	r, ok := h.rooms[channelID]
	if !ok {
		return ErrChannelNotFound
	}
	if _, member := r.participants[participantID]; !member {
		return ErrNotInChannel
	}
	return nil
}

func (h *Hub) Join(channelID, participantID string, conn Conn) (*Client, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	r, ok := h.rooms[channelID]
	if !ok {
		return nil, ErrChannelNotFound
	}
	if _, member := r.participants[participantID]; !member {
		return nil, ErrNotInChannel
	}

	client := &Client{
		hub:           h,
		conn:          conn,
		channelID:     channelID,
		participantID: participantID,
		send:          make(chan []byte, 32),
		done:          make(chan struct{}),
	}
	r.clients[client] = struct{}{}
	return client, nil
}

func (h *Hub) leave(client *Client) {
	h.mu.Lock()
	if r, ok := h.rooms[client.channelID]; ok {
		delete(r.clients, client)
	}
	h.mu.Unlock()
	client.close()
}

// relay delivers payload to every client in the channel except the sender.
func (h *Hub) relay(sender *Client, payload []byte) {
	h.mu.RLock()
	r, ok := h.rooms[sender.channelID]
	if !ok {
		h.mu.RUnlock()
		return
	}
	targets := make([]*Client, 0, len(r.clients))
	for client := range r.clients {
		if client != sender {
			targets = append(targets, client)
		}
	}
	h.mu.RUnlock()

	for _, client := range targets {
		if !client.enqueue(payload) {
			h.logger.Warn().Str("channel_id", client.channelID).Msg("dropping slow channel client")
			h.leave(client)
		}
	}
}

// ConnectedCount returns the number of live clients in a channel.
func (h *Hub) ConnectedCount(channelID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if r, ok := h.rooms[channelID]; ok {
		return len(r.clients)
	}
	return 0
}

func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// enqueue reports false when the client buffer is full. A closed client
// silently discards the payload.
func (c *Client) enqueue(payload []byte) bool {
	select {
	case <-c.done:
		return true
	default:
	}
	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

func (c *Client) ReadPump() {
	defer c.hub.leave(c)

	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var incoming struct {
			Type    string `json:"type"`
			Content string `json:"content"`
		}
		if err := json.Unmarshal(payload, &incoming); err != nil {
			c.writeError("invalid message payload")
			continue
		}
		if incoming.Type != "message" {
			c.writeError("unsupported message type")
			continue
		}
		if strings.TrimSpace(incoming.Content) == "" {
			c.writeError("content is required")
			continue
		}

		encoded, err := json.Marshal(Message{
			Type:      "message",
			ChannelID: c.channelID,
			SenderID:  c.participantID,
			Content:   incoming.Content,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		})
		if err != nil {
			continue
		}
		c.hub.relay(c, encoded)
	}
}

func (c *Client) WritePump() {
	for {
		select {
		case <-c.done:
			return
		case payload := <-c.send:
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.hub.leave(c)
				return
			}
		}
	}
}

func (c *Client) writeError(message string) {
	payload, err := json.Marshal(Message{
		Type:      "error",
		ChannelID: c.channelID,
		Content:   message,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return
	}
	c.enqueue(payload)
}
