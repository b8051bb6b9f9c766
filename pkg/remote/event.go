package remote

import (
	"bytes"
	"encoding/json"
	"strings"
)

// EventType is the normalized discriminator of a stream event.
type EventType string

const (
	EventDone        EventType = "done"
	EventAnswer      EventType = "answer"
	EventToolCall    EventType = "tool_call"
	EventObservation EventType = "observation"
	EventOther       EventType = "other"
)

// TraceFields are the keys that carry call-chain and node-trace data. They are
// removed from forwarded messages when sharing is disabled.
var TraceFields = []string{"call_stack", "node_id_stack", "pre_node_ids"}

// Participant is the caller or callee of a tool_call or observation event.
// On the wire it is either a bare name or an object with name and category.
type Participant struct {
	Name     string   `json:"name"`
	Category Category `json:"category,omitempty"`
}

// UnmarshalJSON accepts both `"name"` and `{"name": ..., "category": ...}`.
func (p *Participant) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		return json.Unmarshal(data, &p.Name)
	}
	var obj struct {
		Name     string   `json:"name"`
		Category Category `json:"category"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	p.Name = obj.Name
	p.Category = obj.Category
	return nil
}

// StreamEvent is one decoded frame. Type selects which of the payload fields
// are meaningful: Answer for answer events, Caller and Callee for tool_call
// and observation events.
type StreamEvent struct {
	Type EventType
	// RawType is the discriminator as sent, which differs from Type for
	// unrecognized events.
	RawType string
	Raw     string
	// Malformed is set when the payload is not a JSON object.
	Malformed bool

	Answer string
	Caller Participant
	Callee Participant

	fields map[string]json.RawMessage
}

// InvolvesUser reports whether the caller or the callee is the user.
func (e *StreamEvent) InvolvesUser() bool {
	return e.Caller.Category == CategoryUser || e.Callee.Category == CategoryUser
}

// isTerminalPayload reports whether a frame payload is the terminal sentinel,
// either the bare token or a JSON object of type done.
func isTerminalPayload(data string) bool {
	trimmed := strings.TrimSpace(data)
	if trimmed == "done" || trimmed == "[DONE]" {
		return true
	}
	if !strings.Contains(trimmed, `"done"`) {
		return false
	}
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal([]byte(trimmed), &head); err != nil {
		return false
	}
	return head.Type == string(EventDone)
}

// ParseEvent decodes a frame payload. It never fails: anything that cannot be
// decoded comes back as EventOther with Malformed set and the raw text kept.
func ParseEvent(raw string) *StreamEvent {
	ev := &StreamEvent{Type: EventOther, Raw: raw}

	trimmed := strings.TrimSpace(raw)
	if trimmed == "done" || trimmed == "[DONE]" {
		ev.Type = EventDone
		ev.RawType = string(EventDone)
		return ev
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(trimmed), &fields); err != nil || fields == nil {
		ev.Malformed = true
		return ev
	}
	ev.fields = fields

	var typ string
	if rawType, ok := fields["type"]; ok {
		_ = json.Unmarshal(rawType, &typ)
	}
	ev.RawType = typ

	switch EventType(typ) {
	case EventDone:
		ev.Type = EventDone
	case EventAnswer:
		ev.Type = EventAnswer
		ev.Answer = contentText(fields["content"])
	case EventToolCall, EventObservation:
		ev.Type = EventType(typ)
		scopes := []map[string]json.RawMessage{fields}
		if inner := objectField(fields, "content"); inner != nil {
			scopes = append(scopes, inner)
		}
		ev.Caller = resolveParticipant(scopes, "caller")
		ev.Callee = resolveParticipant(scopes, "callee")
	}
	return ev
}

// contentText returns the answer text. Non-string content is kept as its JSON text.
func contentText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	if bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return ""
	}
	return string(raw)
}

func objectField(fields map[string]json.RawMessage, key string) map[string]json.RawMessage {
	raw, ok := fields[key]
	if !ok {
		return nil
	}
	var inner map[string]json.RawMessage
	if err := json.Unmarshal(raw, &inner); err != nil {
		return nil
	}
	return inner
}

// resolveParticipant looks for role ("caller" or "callee") in each scope in
// order. Category comes from the participant object, then from the sibling
// "<role>_category" field, and for the callee finally from a bare "category".
func resolveParticipant(scopes []map[string]json.RawMessage, role string) Participant {
	var p Participant
	for _, scope := range scopes {
		if p.Name == "" || p.Category == "" {
			if raw, ok := scope[role]; ok {
				var found Participant
				if err := json.Unmarshal(raw, &found); err == nil {
					if p.Name == "" {
						p.Name = found.Name
					}
					if p.Category == "" {
						p.Category = found.Category
					}
				}
			}
		}
		if p.Category == "" {
			if raw, ok := scope[role+"_category"]; ok {
				var c string
				if json.Unmarshal(raw, &c) == nil {
					p.Category = Category(c)
				}
			}
		}
	}
	if p.Category == "" && role == "callee" {
		for _, scope := range scopes {
			if raw, ok := scope["category"]; ok {
				var c string
				if json.Unmarshal(raw, &c) == nil && c != "" {
					p.Category = Category(c)
					break
				}
			}
		}
	}
	return p
}

// stripTraceFields re-encodes the event without trace fields, both at the top
// level and inside an object-valued content.
func (e *StreamEvent) stripTraceFields() (json.RawMessage, error) {
	out := make(map[string]json.RawMessage, len(e.fields))
	for k, v := range e.fields {
		out[k] = v
	}
	for _, key := range TraceFields {
		delete(out, key)
	}
	if inner := objectField(out, "content"); inner != nil {
		for _, key := range TraceFields {
			delete(inner, key)
		}
		encoded, err := json.Marshal(inner)
		if err != nil {
			return nil, err
		}
		out["content"] = encoded
	}
	return json.Marshal(out)
}
