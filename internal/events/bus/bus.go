// Package bus carries proxy events between components, in process or over NATS.
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// DataCallID is the data key every call-scoped event carries.
const DataCallID = "call_id"

// Event is one message on the bus.
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Source    string                 `json:"source"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// NewEvent stamps a fresh id and the current UTC time.
func NewEvent(eventType, source string, data map[string]interface{}) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// NewCallEvent is NewEvent for an event that belongs to callID.
func NewCallEvent(eventType, source, callID string, data map[string]interface{}) *Event {
	if data == nil {
		data = make(map[string]interface{}, 1)
	}
	data[DataCallID] = callID
	return NewEvent(eventType, source, data)
}

// CallID returns the call the event belongs to, or "".
func (e *Event) CallID() string {
	if e == nil || e.Data == nil {
		return ""
	}
	id, _ := e.Data[DataCallID].(string)
	return id
}

// EventHandler handles one delivered event.
type EventHandler func(ctx context.Context, event *Event) error

// Subscription is an active subscription.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// Publisher is the write side of the bus. Events published from one
// goroutine reach each subscriber in publish order.
type Publisher interface {
	Publish(ctx context.Context, subject string, event *Event) error
}

// Subscriber is the read side. Subjects may use the * (one token) and >
// (rest of subject) wildcards.
type Subscriber interface {
	Subscribe(subject string, handler EventHandler) (Subscription, error)
	// QueueSubscribe delivers each event to one member of queue.
	QueueSubscribe(subject, queue string, handler EventHandler) (Subscription, error)
}

// EventBus is a connected bus.
type EventBus interface {
	Publisher
	Subscriber
	Close()
	IsConnected() bool
}
