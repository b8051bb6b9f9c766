package proxy

import (
	"context"
	"fmt"

	"github.com/kandev/agentproxy/internal/events"
	"github.com/kandev/agentproxy/internal/events/bus"
	"github.com/kandev/agentproxy/pkg/remote"
)

// BusForwarder publishes forwarded stream events to the event bus on
// remotecall.<call_id>.<type>.
type BusForwarder struct {
	bus    bus.Publisher
	source string
}

var _ remote.Forwarder = (*BusForwarder)(nil)

// NewBusForwarder creates a forwarder publishing to eventBus.
func NewBusForwarder(eventBus bus.Publisher) *BusForwarder {
	return &BusForwarder{bus: eventBus, source: events.SourceProxy}
}

// Forward publishes msg. Publish order equals call order, which the bus
// preserves per subscriber.
func (f *BusForwarder) Forward(ctx context.Context, msg *remote.ForwardedMessage) error {
	event := bus.NewEvent(msg.Type, f.source, MessageData(msg))
	subject := events.BuildRemoteCallSubject(msg.CallID, msg.Type)
	if err := f.bus.Publish(ctx, subject, event); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// MessageData is the bus representation of a forwarded message.
func MessageData(msg *remote.ForwardedMessage) map[string]interface{} {
	data := map[string]interface{}{
		bus.DataCallID: msg.CallID,
		"sequence":     msg.Sequence,
		"type":         msg.Type,
		"payload":      msg.Payload,
		"stripped":     msg.Stripped,
		"received_at":  msg.ReceivedAt,
	}
	if msg.Malformed {
		data["malformed"] = true
	}
	return data
}
