package gateway

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/kandev/agentproxy/internal/calllog"
	apperrors "github.com/kandev/agentproxy/internal/common/errors"
	"github.com/kandev/agentproxy/internal/common/logger"
	"github.com/kandev/agentproxy/internal/mcpcall"
	"github.com/kandev/agentproxy/internal/proxy"
	"github.com/kandev/agentproxy/pkg/remote"
)

// AgentService proxies calls to remote agents.
type AgentService interface {
	Agents() []proxy.AgentInfo
	Call(ctx context.Context, req proxy.Request) (*remote.CallResult, error)
	CallMany(ctx context.Context, reqs []proxy.Request) ([]proxy.Outcome, error)
}

// ToolService calls tools on MCP servers.
type ToolService interface {
	Tools(ctx context.Context, server string) ([]mcpcall.ToolInfo, error)
	Call(ctx context.Context, server, tool string, args map[string]any, headers map[string]string) (*remote.CallResult, error)
}

// maxBatchSize bounds one batch request.
const maxBatchSize = 64

// Handlers serves the HTTP API.
type Handlers struct {
	agents  AgentService
	tools   ToolService
	records calllog.Repository
	logger  *logger.Logger
}

// NewHandlers creates the HTTP handlers. tools and records may be nil, in
// which case their routes answer 503.
func NewHandlers(agents AgentService, tools ToolService, records calllog.Repository, log *logger.Logger) *Handlers {
	return &Handlers{
		agents:  agents,
		tools:   tools,
		records: records,
		logger:  log.WithFields(zap.String("component", "gateway-handlers")),
	}
}

func (h *Handlers) respondError(c *gin.Context, err *apperrors.AppError) {
	c.JSON(err.HTTPStatus, gin.H{"code": err.Code, "error": err.Message})
}

func (h *Handlers) httpListAgents(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"agents": h.agents.Agents()})
}

func (h *Handlers) httpCall(c *gin.Context) {
	var req CallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, apperrors.BadRequest("invalid payload"))
		return
	}
	if req.Agent == "" {
		h.respondError(c, apperrors.ValidationError("agent", "is required"))
		return
	}

	res, err := h.agents.Call(c.Request.Context(), req.toProxy())
	status, resp := h.callResponse(req.Agent, res, err)
	c.JSON(status, resp)
}

func (h *Handlers) httpCallBatch(c *gin.Context) {
	var req BatchCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, apperrors.BadRequest("invalid payload"))
		return
	}
	if len(req.Calls) == 0 {
		h.respondError(c, apperrors.ValidationError("calls", "must not be empty"))
		return
	}
	if len(req.Calls) > maxBatchSize {
		h.respondError(c, apperrors.ValidationError("calls", "at most "+strconv.Itoa(maxBatchSize)+" calls per batch"))
		return
	}

	reqs := make([]proxy.Request, len(req.Calls))
	for i, call := range req.Calls {
		if call.Agent == "" {
			h.respondError(c, apperrors.ValidationError("calls["+strconv.Itoa(i)+"].agent", "is required"))
			return
		}
		reqs[i] = call.toProxy()
	}

	outcomes, err := h.agents.CallMany(c.Request.Context(), reqs)
	if err != nil {
		h.logger.Warn("batch interrupted", zap.Error(err))
	}

	resp := BatchCallResponse{Results: make([]CallResponse, len(outcomes))}
	for i, out := range outcomes {
		_, resp.Results[i] = h.callResponse(reqs[i].Agent, out.Result, out.Err)
	}
	c.JSON(http.StatusOK, resp)
}

// callResponse maps a call outcome to a status and body. A failed call still
// returns its partial result.
func (h *Handlers) callResponse(agent string, res *remote.CallResult, err error) (int, CallResponse) {
	if err == nil {
		return http.StatusOK, CallResponse{Result: res}
	}

	var appErr *apperrors.AppError
	if proxy.IsUnknownAgent(err) {
		appErr = apperrors.NotFound("agent", agent)
	} else {
		appErr = apperrors.FromCallError(err)
	}
	return appErr.HTTPStatus, CallResponse{Result: res, Code: appErr.Code, Error: err.Error()}
}

func (h *Handlers) httpGetCall(c *gin.Context) {
	if h.records == nil {
		h.respondError(c, apperrors.ServiceUnavailable("call log"))
		return
	}
	id := c.Param("id")
	rec, err := h.records.Get(c.Request.Context(), id)
	if errors.Is(err, calllog.ErrNotFound) {
		h.respondError(c, apperrors.NotFound("call", id))
		return
	}
	if err != nil {
		h.logger.Error("failed to get call record", zap.String("call_id", id), zap.Error(err))
		h.respondError(c, apperrors.InternalError("failed to get call", err))
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (h *Handlers) httpListCalls(c *gin.Context) {
	if h.records == nil {
		h.respondError(c, apperrors.ServiceUnavailable("call log"))
		return
	}

	filter := calllog.ListFilter{
		Kind:   calllog.Kind(c.Query("kind")),
		Target: c.Query("target"),
		Status: c.Query("status"),
	}
	var err error
	if filter.Limit, err = queryInt(c, "limit"); err != nil {
		h.respondError(c, apperrors.ValidationError("limit", "must be an integer"))
		return
	}
	if filter.Offset, err = queryInt(c, "offset"); err != nil {
		h.respondError(c, apperrors.ValidationError("offset", "must be an integer"))
		return
	}

	recs, err := h.records.List(c.Request.Context(), filter)
	if err != nil {
		h.logger.Error("failed to list call records", zap.Error(err))
		h.respondError(c, apperrors.InternalError("failed to list calls", err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"calls": recs, "total": len(recs)})
}

func (h *Handlers) httpCallStats(c *gin.Context) {
	if h.records == nil {
		h.respondError(c, apperrors.ServiceUnavailable("call log"))
		return
	}
	stats, err := h.records.Stats(c.Request.Context())
	if err != nil {
		h.logger.Error("failed to compute call stats", zap.Error(err))
		h.respondError(c, apperrors.InternalError("failed to compute stats", err))
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (h *Handlers) httpListTools(c *gin.Context) {
	if h.tools == nil {
		h.respondError(c, apperrors.ServiceUnavailable("mcp"))
		return
	}
	server := c.Param("server")
	tools, err := h.tools.Tools(c.Request.Context(), server)
	if errors.Is(err, mcpcall.ErrUnknownServer) {
		h.respondError(c, apperrors.NotFound("mcp server", server))
		return
	}
	if err != nil {
		h.logger.Warn("failed to list tools", zap.String("server", server), zap.Error(err))
		h.respondError(c, &apperrors.AppError{
			Code:       apperrors.ErrCodeUpstreamError,
			Message:    "mcp server unavailable",
			HTTPStatus: http.StatusBadGateway,
			Err:        err,
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"tools": tools})
}

func (h *Handlers) httpCallTool(c *gin.Context) {
	if h.tools == nil {
		h.respondError(c, apperrors.ServiceUnavailable("mcp"))
		return
	}
	var req ToolCallRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			h.respondError(c, apperrors.BadRequest("invalid payload"))
			return
		}
	}

	server, tool := c.Param("server"), c.Param("tool")
	res, err := h.tools.Call(c.Request.Context(), server, tool, req.Arguments, req.Headers)
	if errors.Is(err, mcpcall.ErrUnknownServer) {
		h.respondError(c, apperrors.NotFound("mcp server", server))
		return
	}
	if err != nil {
		var toolErr *mcpcall.ToolError
		if errors.As(err, &toolErr) {
			c.JSON(http.StatusOK, CallResponse{Result: res, Code: apperrors.ErrCodeUpstreamError, Error: err.Error()})
			return
		}
		appErr := apperrors.FromCallError(err)
		if appErr.Code == apperrors.ErrCodeInternalError {
			appErr.Code = apperrors.ErrCodeUpstreamError
			appErr.HTTPStatus = http.StatusBadGateway
		}
		c.JSON(appErr.HTTPStatus, CallResponse{Result: res, Code: appErr.Code, Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, CallResponse{Result: res})
}

func queryInt(c *gin.Context, key string) (int, error) {
	raw := c.Query(key)
	if raw == "" {
		return 0, nil
	}
	return strconv.Atoi(raw)
}
