package gateway

import (
	"time"

	"github.com/kandev/agentproxy/internal/proxy"
	"github.com/kandev/agentproxy/pkg/remote"
)

// CallRequest is the body of POST /api/v1/calls.
type CallRequest struct {
	proxy.Request
	TimeoutMs int64 `json:"timeout_ms,omitempty"`
}

func (r CallRequest) toProxy() proxy.Request {
	req := r.Request
	if r.TimeoutMs > 0 {
		req.Timeout = time.Duration(r.TimeoutMs) * time.Millisecond
	}
	return req
}

// BatchCallRequest is the body of POST /api/v1/calls/batch.
type BatchCallRequest struct {
	Calls []CallRequest `json:"calls"`
}

// CallResponse carries a call result, with the failure when there was one.
type CallResponse struct {
	Result *remote.CallResult `json:"result,omitempty"`
	Code   string             `json:"code,omitempty"`
	Error  string             `json:"error,omitempty"`
}

// BatchCallResponse lists outcomes in request order.
type BatchCallResponse struct {
	Results []CallResponse `json:"results"`
}

// ToolCallRequest is the body of POST /api/v1/mcp/:server/tools/:tool.
type ToolCallRequest struct {
	Arguments map[string]any    `json:"arguments"`
	Headers   map[string]string `json:"headers"`
}
