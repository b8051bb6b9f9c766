package remote

import (
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/agentproxy/internal/common/logger"
)

// State is the per-call stream state.
type State int

const (
	StateStreaming State = iota
	StateTerminated
)

func (s State) String() string {
	if s == StateTerminated {
		return "terminated"
	}
	return "streaming"
}

// ForwardedMessage is an intermediate event handed to the local message bus.
type ForwardedMessage struct {
	CallID   string          `json:"call_id"`
	Sequence int             `json:"sequence"`
	Type     string          `json:"type"`
	Payload  json.RawMessage `json:"payload"`
	// Stripped is set when trace fields were removed before forwarding.
	Stripped   bool      `json:"stripped"`
	Malformed  bool      `json:"malformed,omitempty"`
	ReceivedAt time.Time `json:"received_at"`
}

// ClassifiedEvent is the outcome of classifying one frame.
type ClassifiedEvent struct {
	Event *StreamEvent
	// Forward is nil when nothing should reach the bus.
	Forward *ForwardedMessage
	// Terminal is set for the done event; the caller stops consuming.
	Terminal bool
}

// Classifier routes the frames of one call. It is not safe for concurrent use;
// each call owns its classifier.
type Classifier struct {
	callID  string
	sharing bool
	state   State
	seq     int
	logger  *logger.Logger
}

// NewClassifier creates a classifier for one call. sharing is the call's
// ShareCallStack flag.
func NewClassifier(callID string, sharing bool, log *logger.Logger) *Classifier {
	if log == nil {
		log = logger.Default()
	}
	return &Classifier{
		callID:  callID,
		sharing: sharing,
		state:   StateStreaming,
		logger:  log,
	}
}

// State returns the current state.
func (c *Classifier) State() State { return c.state }

// Classify decodes raw and decides what to do with it. It never fails.
func (c *Classifier) Classify(raw string) *ClassifiedEvent {
	ev := ParseEvent(raw)
	out := &ClassifiedEvent{Event: ev}

	if c.state == StateTerminated {
		c.logger.Debug("ignoring frame after terminal event",
			zap.String("call_id", c.callID),
			zap.String("event_type", string(ev.Type)))
		out.Terminal = true
		return out
	}

	switch ev.Type {
	case EventDone:
		c.state = StateTerminated
		out.Terminal = true
		c.logger.Debug("received terminal event", zap.String("call_id", c.callID))

	case EventAnswer:
		// accumulated by the caller

	case EventToolCall, EventObservation:
		out.Forward = c.forwardTrace(ev)

	default:
		if ev.Malformed {
			c.logger.Warn("malformed stream frame, passing through",
				zap.String("call_id", c.callID),
				zap.String("raw", truncate(ev.Raw, 256)))
		} else if ev.RawType != "" {
			c.logger.Debug("unrecognized event type, passing through",
				zap.String("call_id", c.callID),
				zap.String("event_type", ev.RawType))
		}
		out.Forward = c.passThrough(ev)
	}
	return out
}

// forwardTrace applies the sharing policy to a tool_call or observation event.
// Events that involve the user are never altered.
func (c *Classifier) forwardTrace(ev *StreamEvent) *ForwardedMessage {
	msg := c.newMessage(string(ev.Type))
	if c.sharing || ev.InvolvesUser() {
		msg.Payload = json.RawMessage(ev.Raw)
		return msg
	}

	stripped, err := ev.stripTraceFields()
	if err != nil {
		// Unreachable for payloads that decoded; never leak the original.
		c.logger.Error("failed to strip trace fields, dropping event",
			zap.String("call_id", c.callID),
			zap.Error(err))
		c.seq--
		return nil
	}
	msg.Payload = stripped
	msg.Stripped = true
	return msg
}

func (c *Classifier) passThrough(ev *StreamEvent) *ForwardedMessage {
	typ := ev.RawType
	if typ == "" {
		typ = string(EventOther)
	}
	msg := c.newMessage(typ)
	if ev.Malformed {
		encoded, _ := json.Marshal(ev.Raw)
		msg.Payload = encoded
		msg.Malformed = true
		return msg
	}
	msg.Payload = json.RawMessage(ev.Raw)
	return msg
}

func (c *Classifier) newMessage(typ string) *ForwardedMessage {
	c.seq++
	return &ForwardedMessage{
		CallID:     c.callID,
		Sequence:   c.seq,
		Type:       typ,
		ReceivedAt: time.Now().UTC(),
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
