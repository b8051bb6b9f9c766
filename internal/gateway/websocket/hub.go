// Package websocket lets observers watch the forwarded events of remote calls.
package websocket

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/kandev/agentproxy/internal/common/logger"
)

// Hub tracks connected observers and the calls each one watches.
type Hub struct {
	clients map[*Client]bool

	// Clients subscribed to specific call IDs, or to AllCalls
	callSubscribers map[string]map[*Client]bool

	closed bool
	mu     sync.RWMutex
	logger *logger.Logger
}

func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		clients:         make(map[*Client]bool),
		callSubscribers: make(map[string]map[*Client]bool),
		logger:          log.WithFields(zap.String("component", "ws_hub")),
	}
}

// Run blocks until ctx ends, then disconnects every client. Registrations
// after that are refused.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("WebSocket hub started")
	<-ctx.Done()

	h.mu.Lock()
	h.closed = true
	for client := range h.clients {
		close(client.send)
	}
	h.clients = make(map[*Client]bool)
	h.callSubscribers = make(map[string]map[*Client]bool)
	h.mu.Unlock()

	h.logger.Info("WebSocket hub stopped")
}

// Register adds a client. It returns false, with the client's send channel
// closed, once the hub has stopped.
func (h *Hub) Register(client *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		close(client.send)
		return false
	}
	h.clients[client] = true
	h.logger.Debug("Client registered", zap.String("client_id", client.ID))
	return true
}

// Unregister removes a client and its subscriptions. Safe to call twice.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.clients[client] {
		return
	}
	delete(h.clients, client)
	close(client.send)
	for callID := range client.subscriptions {
		h.dropSubscriber(callID, client)
	}
	h.logger.Debug("Client unregistered", zap.String("client_id", client.ID))
}

// dropSubscriber must be called with h.mu held.
func (h *Hub) dropSubscriber(callID string, client *Client) {
	if clients, ok := h.callSubscribers[callID]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(h.callSubscribers, callID)
		}
	}
}

// deliver queues data for one registered client. It reports false when the
// client is gone or its buffer is full.
func (h *Hub) deliver(client *Client, data []byte) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if !h.clients[client] {
		return false
	}
	select {
	case client.send <- data:
		return true
	default:
		return false
	}
}

// BroadcastToCall sends a notification to clients watching callID or all calls.
func (h *Hub) BroadcastToCall(callID string, msg *Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("Failed to marshal message", zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	sent := make(map[*Client]bool)
	for _, key := range []string{callID, AllCalls} {
		for client := range h.callSubscribers[key] {
			if sent[client] {
				continue
			}
			sent[client] = true
			select {
			case client.send <- data:
			default:
				h.logger.Warn("Client send buffer full, dropping call event",
					zap.String("client_id", client.ID),
					zap.String("call_id", callID))
			}
		}
	}
}

// SubscribeToCall subscribes a registered client to the events of one call.
func (h *Hub) SubscribeToCall(client *Client, callID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.clients[client] {
		return
	}

	if _, ok := h.callSubscribers[callID]; !ok {
		h.callSubscribers[callID] = make(map[*Client]bool)
	}
	h.callSubscribers[callID][client] = true
	client.subscriptions[callID] = true

	h.logger.Debug("Client subscribed to call",
		zap.String("client_id", client.ID),
		zap.String("call_id", callID))
}

// UnsubscribeFromCall unsubscribes a client from one call.
func (h *Hub) UnsubscribeFromCall(client *Client, callID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	delete(client.subscriptions, callID)
	h.dropSubscriber(callID, client)
}

// GetClientCount returns the number of connected clients.
func (h *Hub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// SubscriberCount returns how many clients watch callID.
func (h *Hub) SubscriberCount(callID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.callSubscribers[callID])
}
