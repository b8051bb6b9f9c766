package remote

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const (
	// DefaultEndpointPath is appended to an agent's base URL.
	DefaultEndpointPath = "/sse/chat"

	// DefaultContentType is the request body media type.
	DefaultContentType = "application/json"

	// EventStreamMediaType is always sent as the Accept header.
	EventStreamMediaType = "text/event-stream"
)

// RemoteAgent is a remote agent reachable over the event stream protocol.
type RemoteAgent struct {
	Name    string
	BaseURL string
	Headers map[string]string
	Timeout time.Duration
}

// CallRequest describes one hop: who calls whom, with what, along which chain.
// It is treated as immutable once handed to the client.
type CallRequest struct {
	CallID         string
	Caller         string
	CallerCategory Category
	Callee         string
	Arguments      map[string]any
	Chain          CallChain
	// ShareCallStack is inherited from the calling agent's configuration and
	// decides whether Chain leaves the process.
	ShareCallStack bool
}

// Clone returns a copy that can be changed without affecting the original.
// Argument values are shared.
func (r *CallRequest) Clone() *CallRequest {
	out := *r
	out.Chain = r.Chain.Clone()
	if r.Arguments != nil {
		out.Arguments = make(map[string]any, len(r.Arguments))
		for k, v := range r.Arguments {
			out.Arguments[k] = v
		}
	}
	return &out
}

// WireEnvelope is the outbound HTTP request, fully built but not sent.
type WireEnvelope struct {
	URL    string
	Header http.Header
	Body   []byte
}

// wireBody is the JSON body. The chain fields are pointers so that sharing an
// empty chain still transmits empty lists while a withheld chain transmits
// nothing.
type wireBody struct {
	RequestID      string         `json:"request_id,omitempty"`
	Query          string         `json:"query,omitempty"`
	Arguments      map[string]any `json:"arguments"`
	Caller         string         `json:"caller,omitempty"`
	CallerCategory Category       `json:"caller_category,omitempty"`
	Callee         string         `json:"callee"`
	CallStack      *[]ChainNode   `json:"call_stack,omitempty"`
	NodeIDStack    *[]string      `json:"node_id_stack,omitempty"`
}

// EnvelopeBuilder turns call requests into wire envelopes.
type EnvelopeBuilder struct {
	EndpointPath string
	ContentType  string
	UserAgent    string
}

// NewEnvelopeBuilder returns a builder with the default endpoint path and content type.
func NewEnvelopeBuilder() *EnvelopeBuilder {
	return &EnvelopeBuilder{
		EndpointPath: DefaultEndpointPath,
		ContentType:  DefaultContentType,
	}
}

// Build assembles the envelope for req addressed to agent. Extra headers are
// applied after the agent's static headers; Accept cannot be overridden.
func (b *EnvelopeBuilder) Build(agent RemoteAgent, req *CallRequest, extra map[string]string) (*WireEnvelope, error) {
	body := wireBody{
		RequestID:      req.CallID,
		Arguments:      req.Arguments,
		Caller:         req.Caller,
		CallerCategory: req.CallerCategory,
		Callee:         req.Callee,
	}
	if body.Arguments == nil {
		body.Arguments = map[string]any{}
	}
	if q, ok := req.Arguments["query"].(string); ok {
		body.Query = q
	}

	outbound := ApplyChainPolicy(req.Chain, req.ShareCallStack)
	if outbound.Shared {
		body.CallStack = &outbound.Nodes
		body.NodeIDStack = &outbound.NodeIDs
	}

	data, err := json.Marshal(body)
	if err != nil {
		return nil, &EncodingError{Err: err}
	}

	header := make(http.Header)
	for k, v := range agent.Headers {
		header.Set(k, v)
	}
	for k, v := range extra {
		header.Set(k, v)
	}

	contentType := b.ContentType
	if contentType == "" {
		contentType = DefaultContentType
	}
	header.Set("Content-Type", contentType)
	header.Set("Accept", EventStreamMediaType)
	if b.UserAgent != "" && header.Get("User-Agent") == "" {
		header.Set("User-Agent", b.UserAgent)
	}

	return &WireEnvelope{
		URL:    b.targetURL(agent.BaseURL),
		Header: header,
		Body:   data,
	}, nil
}

func (b *EnvelopeBuilder) targetURL(base string) string {
	path := b.EndpointPath
	if path == "" {
		path = DefaultEndpointPath
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return fmt.Sprintf("%s%s", strings.TrimSuffix(base, "/"), path)
}
