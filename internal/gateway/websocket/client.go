package websocket

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kandev/agentproxy/internal/common/logger"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Observers only send small control messages
	maxMessageSize = 64 * 1024
)

// Client represents a single WebSocket connection
type Client struct {
	ID            string
	conn          *websocket.Conn
	hub           *Hub
	send          chan []byte     // closed by the hub, under hub.mu
	subscriptions map[string]bool // guarded by hub.mu
	logger        *logger.Logger
}

// NewClient creates a new WebSocket client
func NewClient(id string, conn *websocket.Conn, hub *Hub, log *logger.Logger) *Client {
	return &Client{
		ID:            id,
		conn:          conn,
		hub:           hub,
		send:          make(chan []byte, 256),
		subscriptions: make(map[string]bool),
		logger:        log.WithFields(zap.String("client_id", id)),
	}
}

// ReadPump pumps messages from the WebSocket connection to the hub
func (c *Client) ReadPump(ctx context.Context) {
	defer func() {
		c.hub.Unregister(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Error("WebSocket read error", zap.Error(err))
			}
			break
		}

		var msg Message
		if err := json.Unmarshal(message, &msg); err != nil {
			c.logger.Warn("Failed to parse message", zap.Error(err))
			c.sendError("", "", ErrorCodeBadRequest, "Invalid message format", nil)
			continue
		}

		c.handleMessage(ctx, &msg)
	}
}

func (c *Client) handleMessage(_ context.Context, msg *Message) {
	c.logger.Debug("Received message",
		zap.String("action", msg.Action),
		zap.String("id", msg.ID))

	switch msg.Action {
	case ActionCallSubscribe:
		c.handleSubscription(msg, c.hub.SubscribeToCall)
	case ActionCallUnsubscribe:
		c.handleSubscription(msg, c.hub.UnsubscribeFromCall)
	case ActionHealthCheck:
		resp, _ := NewResponse(msg.ID, msg.Action, map[string]interface{}{
			"status":  "ok",
			"service": "agentproxy",
		})
		c.sendMessage(resp)
	default:
		c.sendError(msg.ID, msg.Action, ErrorCodeUnknownAction, "unknown action: "+msg.Action, nil)
	}
}

// SubscribeRequest is the payload for call.subscribe and call.unsubscribe.
// CallID "*" selects every call.
type SubscribeRequest struct {
	CallID string `json:"call_id"`
}

func (c *Client) handleSubscription(msg *Message, apply func(*Client, string)) {
	var req SubscribeRequest
	if err := msg.ParsePayload(&req); err != nil {
		c.sendError(msg.ID, msg.Action, ErrorCodeBadRequest, "Invalid payload: "+err.Error(), nil)
		return
	}
	if req.CallID == "" {
		c.sendError(msg.ID, msg.Action, ErrorCodeValidation, "call_id is required", nil)
		return
	}

	apply(c, req.CallID)

	resp, _ := NewResponse(msg.ID, msg.Action, map[string]interface{}{
		"success": true,
		"call_id": req.CallID,
	})
	c.sendMessage(resp)
}

func (c *Client) sendMessage(msg *Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		c.logger.Error("Failed to marshal message", zap.Error(err))
		return
	}

	if !c.hub.deliver(c, data) {
		c.logger.Warn("Dropped reply to observer", zap.String("action", msg.Action))
	}
}

func (c *Client) sendError(id, action, code, message string, details map[string]interface{}) {
	msg, err := NewError(id, action, code, message, details)
	if err != nil {
		c.logger.Error("Failed to create error message", zap.Error(err))
		return
	}
	c.sendMessage(msg)
}

// WritePump pumps messages from the hub to the WebSocket connection.
// Each message is written as its own frame so observers can decode frames
// one at a time.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
