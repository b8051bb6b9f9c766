package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kandev/agentproxy/internal/calllog"
	"github.com/kandev/agentproxy/internal/common/config"
	"github.com/kandev/agentproxy/internal/common/logger"
	"github.com/kandev/agentproxy/internal/common/metrics"
	"github.com/kandev/agentproxy/internal/common/tracing"
	"github.com/kandev/agentproxy/internal/events"
	"github.com/kandev/agentproxy/internal/events/bus"
	"github.com/kandev/agentproxy/pkg/remote"
)

// maxParallelCalls bounds CallMany fan-out.
const maxParallelCalls = 8

// Request is one call to a configured remote agent.
type Request struct {
	Agent          string          `json:"agent"`
	CallID         string          `json:"call_id,omitempty"`
	Caller         string          `json:"caller,omitempty"`
	CallerCategory remote.Category `json:"caller_category,omitempty"`
	// Callee defaults to the agent name.
	Callee    string           `json:"callee,omitempty"`
	Arguments map[string]any   `json:"arguments,omitempty"`
	Chain     remote.CallChain `json:"-"`
	// CallStack and NodeIDStack carry an inbound chain over JSON. Chain wins
	// when both are set.
	CallStack   []remote.ChainNode `json:"call_stack,omitempty"`
	NodeIDStack []string           `json:"node_id_stack,omitempty"`
	// ShareCallStack overrides the agent's configured sharing flag.
	ShareCallStack *bool             `json:"share_call_stack,omitempty"`
	Headers        map[string]string `json:"headers,omitempty"`
	Timeout        time.Duration     `json:"-"`
}

// Options configure a Service.
type Options struct {
	Remote   config.RemoteConfig
	Agents   map[string]config.AgentConfig
	Bus      bus.Publisher
	Records  calllog.Repository
	HTTP     *http.Client
	Logger   *logger.Logger
	Metrics  *metrics.Metrics
	Extra    []remote.Option
	Parallel int
}

// Service drives calls to configured remote agents.
type Service struct {
	client         *remote.Client
	registry       *Registry
	records        calllog.Repository
	eventBus       bus.Publisher
	defaultTimeout time.Duration
	parallel       int
	metrics        *metrics.Metrics
	logger         *logger.Logger
}

// NewService creates a Service. Bus and Records are optional.
func NewService(opts Options) *Service {
	log := opts.Logger
	if log == nil {
		log = logger.Default()
	}

	clientOpts := []remote.Option{
		remote.WithHTTPClient(opts.HTTP),
		remote.WithMiddleware(tracing.InjectHTTP),
	}
	if opts.Remote.EndpointPath != "" {
		clientOpts = append(clientOpts, remote.WithEndpointPath(opts.Remote.EndpointPath))
	}
	if opts.Remote.ContentType != "" {
		clientOpts = append(clientOpts, remote.WithContentType(opts.Remote.ContentType))
	}
	if opts.Remote.UserAgent != "" {
		clientOpts = append(clientOpts, remote.WithUserAgent(opts.Remote.UserAgent))
	}
	if opts.Bus != nil {
		clientOpts = append(clientOpts, remote.WithForwarder(NewBusForwarder(opts.Bus)))
	}
	clientOpts = append(clientOpts, opts.Extra...)

	parallel := opts.Parallel
	if parallel <= 0 {
		parallel = maxParallelCalls
	}

	return &Service{
		client:         remote.NewClient(log, clientOpts...),
		registry:       NewRegistry(opts.Agents),
		records:        opts.Records,
		eventBus:       opts.Bus,
		defaultTimeout: opts.Remote.DefaultTimeoutDuration(),
		parallel:       parallel,
		metrics:        opts.Metrics,
		logger:         log.WithFields(zap.String("component", "proxy")),
	}
}

// Agents lists the configured remote agents.
func (s *Service) Agents() []AgentInfo {
	return s.registry.List()
}

// Call invokes one remote agent and blocks until its stream ends. The result
// is nil only when the call could not be attempted at all.
func (s *Service) Call(ctx context.Context, req Request) (*remote.CallResult, error) {
	agent, info, err := s.registry.Lookup(req.Agent)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", err, req.Agent)
	}

	callReq := s.buildCallRequest(req, agent, info)
	opts := remote.CallOptions{
		Headers: req.Headers,
		Timeout: s.resolveTimeout(req.Timeout, agent.Timeout),
	}

	ctx = logger.ContextWithCallID(ctx, callReq.CallID)
	log := s.logger.WithContext(ctx).WithAgent(agent.Name)
	log.Info("proxying remote call",
		zap.String("caller", callReq.Caller),
		zap.String("callee", callReq.Callee),
		zap.Int("chain_len", callReq.Chain.Len()),
		zap.Bool("share_call_stack", callReq.ShareCallStack))

	s.publishLifecycle(ctx, events.CallStarted, callReq.CallID, map[string]interface{}{
		"agent":  agent.Name,
		"callee": callReq.Callee,
	})

	observe := s.metrics.CallStarted(agent.Name)
	res, callErr := s.client.Call(ctx, agent, callReq, opts)
	observe(string(res.Status), res.Forwarded)

	s.publishLifecycle(ctx, lifecycleType(res.Status), callReq.CallID, map[string]interface{}{
		"agent":     agent.Name,
		"status":    string(res.Status),
		"forwarded": res.Forwarded,
		"error":     res.Error,
	})
	s.record(ctx, callReq, agent.Name, res)

	return res, callErr
}

// Outcome is the result of one request of CallMany.
type Outcome struct {
	Result *remote.CallResult
	Err    error
}

// CallMany runs independent calls concurrently. One failing call does not
// cancel the others; outcomes are returned in request order. The returned
// error is non-nil only when ctx ends before every call was attempted.
func (s *Service) CallMany(ctx context.Context, reqs []Request) ([]Outcome, error) {
	outcomes := make([]Outcome, len(reqs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.parallel)
	for i, req := range reqs {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			res, err := s.Call(gctx, req)
			outcomes[i] = Outcome{Result: res, Err: err}
			return nil
		})
	}
	_ = g.Wait()

	for i := range outcomes {
		if outcomes[i].Result == nil && outcomes[i].Err == nil {
			outcomes[i].Err = ctx.Err()
		}
	}
	return outcomes, ctx.Err()
}

func (s *Service) buildCallRequest(req Request, agent remote.RemoteAgent, info AgentInfo) *remote.CallRequest {
	callID := req.CallID
	if callID == "" {
		callID = uuid.New().String()
	}

	sharing := info.ShareCallStack
	if req.ShareCallStack != nil {
		sharing = *req.ShareCallStack
	}

	callerCategory := req.CallerCategory
	if callerCategory == "" {
		callerCategory = remote.CategoryAgent
	}

	callee := req.Callee
	if callee == "" {
		callee = agent.Name
	}

	chain := req.inboundChain()
	if chain.Len() == 0 && req.Caller != "" {
		chain = remote.NewCallChain(req.Caller, callerCategory)
	}
	chain = chain.Enter(callee, remote.CategoryAgent, uuid.New().String())

	return &remote.CallRequest{
		CallID:         callID,
		Caller:         req.Caller,
		CallerCategory: callerCategory,
		Callee:         callee,
		Arguments:      req.Arguments,
		Chain:          chain,
		ShareCallStack: sharing,
	}
}

func (r Request) inboundChain() remote.CallChain {
	if r.Chain.Len() > 0 {
		return r.Chain
	}
	return remote.CallChain{Nodes: r.CallStack, NodeIDs: r.NodeIDStack}.Clone()
}

// resolveTimeout applies call, then agent, then global defaults.
func (s *Service) resolveTimeout(call, agent time.Duration) time.Duration {
	switch {
	case call > 0:
		return call
	case agent > 0:
		return agent
	default:
		return s.defaultTimeout
	}
}

func lifecycleType(status remote.CallStatus) string {
	switch status {
	case remote.StatusCompleted:
		return events.CallCompleted
	case remote.StatusAborted:
		return events.CallAborted
	default:
		return events.CallFailed
	}
}

func (s *Service) publishLifecycle(ctx context.Context, eventType, callID string, data map[string]interface{}) {
	if s.eventBus == nil {
		return
	}
	event := bus.NewCallEvent(eventType, events.SourceProxy, callID, data)
	if err := s.eventBus.Publish(context.WithoutCancel(ctx), eventType, event); err != nil {
		s.logger.Warn("failed to publish call lifecycle event",
			zap.String("event_type", eventType),
			zap.String("call_id", callID),
			zap.Error(err))
	}
}

// record persists the call. Aborted calls are recorded too, so the write does
// not inherit the caller's cancellation.
func (s *Service) record(ctx context.Context, req *remote.CallRequest, agentName string, res *remote.CallResult) {
	if s.records == nil {
		return
	}

	args := "{}"
	if req.Arguments != nil {
		if raw, err := json.Marshal(req.Arguments); err == nil {
			args = string(raw)
		}
	}

	rec := &calllog.Record{
		ID:             res.CallID,
		Kind:           calllog.KindAgent,
		Target:         agentName,
		Caller:         req.Caller,
		Callee:         req.Callee,
		ShareCallStack: req.ShareCallStack,
		Arguments:      args,
		Status:         string(res.Status),
		Output:         res.Output,
		Error:          res.Error,
		Forwarded:      res.Forwarded,
		StartedAt:      res.StartedAt,
		EndedAt:        res.EndedAt,
	}

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.records.Create(writeCtx, rec); err != nil {
		s.logger.Error("failed to record call", zap.String("call_id", res.CallID), zap.Error(err))
	}
}

// IsUnknownAgent reports whether err came from calling an unconfigured agent.
func IsUnknownAgent(err error) bool {
	return errors.Is(err, ErrUnknownAgent)
}
