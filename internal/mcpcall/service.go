package mcpcall

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kandev/agentproxy/internal/calllog"
	"github.com/kandev/agentproxy/internal/common/logger"
	"github.com/kandev/agentproxy/internal/events"
	"github.com/kandev/agentproxy/internal/events/bus"
	"github.com/kandev/agentproxy/pkg/remote"
)

// ToolCaller is the part of Client used by Service.
type ToolCaller interface {
	CallTool(ctx context.Context, server, tool string, args map[string]any, headers map[string]string) (*ToolResult, error)
	Tools(ctx context.Context, server string) ([]ToolInfo, error)
}

// Service wraps tool calls with the same result shape, lifecycle events and
// call history as remote agent calls.
type Service struct {
	client   ToolCaller
	records  calllog.Repository
	eventBus bus.Publisher
	logger   *logger.Logger
}

// NewService creates a Service. records and eventBus may be nil.
func NewService(c ToolCaller, records calllog.Repository, eventBus bus.Publisher, log *logger.Logger) *Service {
	if log == nil {
		log = logger.Default()
	}
	return &Service{client: c, records: records, eventBus: eventBus, logger: log}
}

// Tools lists the tools of a server.
func (s *Service) Tools(ctx context.Context, server string) ([]ToolInfo, error) {
	return s.client.Tools(ctx, server)
}

// Call runs one tool call. A tool reporting an error yields StatusError with
// the tool's output kept.
func (s *Service) Call(ctx context.Context, server, tool string, args map[string]any, headers map[string]string) (*remote.CallResult, error) {
	callID := uuid.New().String()
	s.publish(ctx, events.ToolCallStarted, callID, map[string]interface{}{
		"server": server,
		"tool":   tool,
	})

	started := time.Now().UTC()
	out, err := s.client.CallTool(ctx, server, tool, args, headers)
	if errors.Is(err, ErrUnknownServer) {
		return nil, err
	}

	res := ToCallResult(callID, started, out, err)
	s.publish(ctx, events.ToolCallCompleted, callID, map[string]interface{}{
		"server": server,
		"tool":   tool,
		"status": string(res.Status),
	})
	s.record(ctx, server, tool, args, res)
	return res, res.Err
}

// ToCallResult maps a tool outcome onto the remote call result shape.
func ToCallResult(callID string, started time.Time, out *ToolResult, err error) *remote.CallResult {
	res := &remote.CallResult{CallID: callID, StartedAt: started, EndedAt: time.Now().UTC()}
	if out != nil {
		res.Output = out.Output
		res.StartedAt = out.StartedAt
		if !out.EndedAt.IsZero() {
			res.EndedAt = out.EndedAt
		}
	}

	switch {
	case errors.Is(err, context.Canceled):
		res.Status = remote.StatusAborted
		res.Err = err
	case errors.Is(err, context.DeadlineExceeded):
		res.Status = remote.StatusError
		res.Err = &remote.TimeoutError{URL: "mcp"}
	case err != nil:
		res.Status = remote.StatusError
		res.Err = err
	case out != nil && out.IsError:
		res.Status = remote.StatusError
		res.Err = &ToolError{Server: out.Server, Tool: out.Tool, Message: out.Output}
	default:
		res.Status = remote.StatusCompleted
	}
	if res.Err != nil {
		res.Error = res.Err.Error()
	}
	return res
}

// ToolError is a failure reported by the tool itself.
type ToolError struct {
	Server  string
	Tool    string
	Message string
}

func (e *ToolError) Error() string {
	return "tool " + e.Server + "/" + e.Tool + " failed: " + e.Message
}

func (s *Service) publish(ctx context.Context, eventType, callID string, data map[string]interface{}) {
	if s.eventBus == nil {
		return
	}
	event := bus.NewCallEvent(eventType, events.SourceMCP, callID, data)
	if err := s.eventBus.Publish(context.WithoutCancel(ctx), eventType, event); err != nil {
		s.logger.Warn("failed to publish tool call event", zap.String("event_type", eventType), zap.Error(err))
	}
}

func (s *Service) record(ctx context.Context, server, tool string, args map[string]any, res *remote.CallResult) {
	if s.records == nil {
		return
	}
	rawArgs := "{}"
	if args != nil {
		if raw, err := json.Marshal(args); err == nil {
			rawArgs = string(raw)
		}
	}
	rec := &calllog.Record{
		ID:        res.CallID,
		Kind:      calllog.KindTool,
		Target:    server,
		Callee:    tool,
		Arguments: rawArgs,
		Status:    string(res.Status),
		Output:    res.Output,
		Error:     res.Error,
		StartedAt: res.StartedAt,
		EndedAt:   res.EndedAt,
	}
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.records.Create(writeCtx, rec); err != nil {
		s.logger.Error("failed to record tool call", zap.String("call_id", res.CallID), zap.Error(err))
	}
}
