package websocket

import (
	"context"

	"go.uber.org/zap"

	"github.com/kandev/agentproxy/internal/common/logger"
	"github.com/kandev/agentproxy/internal/events"
	"github.com/kandev/agentproxy/internal/events/bus"
)

// CallEventBroadcaster relays forwarded and lifecycle events of remote calls
// from the bus to subscribed observers.
type CallEventBroadcaster struct {
	hub           *Hub
	subscriptions []bus.Subscription
	logger        *logger.Logger
}

// RegisterCallNotifications subscribes to call events on eventBus until ctx ends.
func RegisterCallNotifications(ctx context.Context, eventBus bus.Subscriber, hub *Hub, log *logger.Logger) *CallEventBroadcaster {
	b := &CallEventBroadcaster{
		hub:    hub,
		logger: log.WithFields(zap.String("component", "ws-call-broadcaster")),
	}
	if eventBus == nil {
		return b
	}

	b.subscribe(eventBus, events.AllRemoteCallsSubject)
	b.subscribe(eventBus, events.CallStarted)
	b.subscribe(eventBus, events.CallCompleted)
	b.subscribe(eventBus, events.CallAborted)
	b.subscribe(eventBus, events.CallFailed)
	b.subscribe(eventBus, events.ToolCallStarted)
	b.subscribe(eventBus, events.ToolCallCompleted)

	go func() {
		<-ctx.Done()
		b.Close()
	}()

	return b
}

// Close unsubscribes from the bus.
func (b *CallEventBroadcaster) Close() {
	for _, sub := range b.subscriptions {
		if sub != nil && sub.IsValid() {
			_ = sub.Unsubscribe()
		}
	}
	b.subscriptions = nil
}

func (b *CallEventBroadcaster) subscribe(eventBus bus.Subscriber, subject string) {
	sub, err := eventBus.Subscribe(subject, func(ctx context.Context, event *bus.Event) error {
		b.relay(subject, event)
		return nil
	})
	if err != nil {
		b.logger.Error("Failed to subscribe to call events",
			zap.String("subject", subject),
			zap.Error(err))
		return
	}
	b.subscriptions = append(b.subscriptions, sub)
}

func (b *CallEventBroadcaster) relay(subject string, event *bus.Event) {
	callID := event.CallID()
	if callID == "" {
		b.logger.Debug("call event without call_id", zap.String("subject", subject))
		return
	}

	msg, err := NewNotification(ActionCallEvent, CallEventPayload{
		CallID:    callID,
		EventID:   event.ID,
		EventType: event.Type,
		Source:    event.Source,
		Data:      event.Data,
		Timestamp: event.Timestamp,
	})
	if err != nil {
		b.logger.Error("Failed to build call notification", zap.Error(err))
		return
	}
	b.hub.BroadcastToCall(callID, msg)
}
