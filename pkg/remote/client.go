// Package remote implements the client side of the remote agent event stream
// protocol: it sends a call envelope, consumes the one-way event stream,
// forwards intermediate events to a local bus and assembles the final answer.
package remote

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kandev/agentproxy/internal/common/logger"
	"github.com/kandev/agentproxy/internal/common/tracing"
)

// Forwarder receives intermediate events in arrival order. Implementations
// must tolerate concurrent calls from independent streams.
type Forwarder interface {
	Forward(ctx context.Context, msg *ForwardedMessage) error
}

// ForwarderFunc adapts a function to Forwarder.
type ForwarderFunc func(ctx context.Context, msg *ForwardedMessage) error

// Forward calls f.
func (f ForwarderFunc) Forward(ctx context.Context, msg *ForwardedMessage) error {
	return f(ctx, msg)
}

type nopForwarder struct{}

func (nopForwarder) Forward(context.Context, *ForwardedMessage) error { return nil }

// CallOptions are per-call settings layered over the agent's configuration.
type CallOptions struct {
	Headers map[string]string
	// Timeout overrides RemoteAgent.Timeout when positive.
	Timeout time.Duration
}

// Client drives remote calls. It is safe for concurrent use; every call owns
// its own stream, classifier and assembler.
type Client struct {
	builder     *EnvelopeBuilder
	httpClient  *http.Client
	middlewares []RequestMiddleware
	forwarder   Forwarder
	logger      *logger.Logger
	transport   *Transport
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the HTTP client used for streams.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.httpClient = c }
}

// WithForwarder sets where intermediate events go. nil discards them.
func WithForwarder(f Forwarder) Option {
	return func(cl *Client) {
		if f != nil {
			cl.forwarder = f
		}
	}
}

// WithMiddleware appends request middlewares, applied in order.
func WithMiddleware(mws ...RequestMiddleware) Option {
	return func(cl *Client) { cl.middlewares = append(cl.middlewares, mws...) }
}

// WithEndpointPath overrides the fixed stream endpoint path.
func WithEndpointPath(path string) Option {
	return func(cl *Client) { cl.builder.EndpointPath = path }
}

// WithContentType overrides the request body media type.
func WithContentType(ct string) Option {
	return func(cl *Client) { cl.builder.ContentType = ct }
}

// WithUserAgent sets the User-Agent header for requests that do not carry one.
func WithUserAgent(ua string) Option {
	return func(cl *Client) { cl.builder.UserAgent = ua }
}

// NewClient creates a client.
func NewClient(log *logger.Logger, opts ...Option) *Client {
	if log == nil {
		log = logger.Default()
	}
	c := &Client{
		builder:   NewEnvelopeBuilder(),
		forwarder: nopForwarder{},
		logger:    log.WithFields(zap.String("component", "remote_client")),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.transport = NewTransport(c.httpClient, c.logger, c.middlewares...)
	return c
}

// Call invokes the remote agent and blocks until the stream ends. The result
// is never nil: on failure it carries the partial answer and the returned
// error is also available as result.Err.
func (c *Client) Call(ctx context.Context, agent RemoteAgent, req *CallRequest, opts CallOptions) (*CallResult, error) {
	callID := req.CallID
	if callID == "" {
		callID = uuid.New().String()
	}
	log := c.logger.WithCallID(callID).WithAgent(agent.Name)
	asm := NewAssembler(callID)

	ctx, span := tracing.TraceRemoteCall(ctx, agent.Name, req.Callee, callID, req.ShareCallStack)
	defer span.End()

	finish := func(cause error) (*CallResult, error) {
		res := asm.Finalize(cause)
		tracing.TraceRemoteResult(span, string(res.Status), res.Forwarded, res.Err)
		if res.Err != nil {
			log.Warn("remote call finished with error",
				zap.String("status", string(res.Status)),
				zap.Int("partial_len", len(res.Output)),
				zap.Error(res.Err))
		} else {
			log.Info("remote call completed",
				zap.Int("output_len", len(res.Output)),
				zap.Int("forwarded", res.Forwarded),
				zap.Duration("duration", res.Duration()))
		}
		return res, res.Err
	}

	if req.CallID == "" {
		req = req.Clone()
		req.CallID = callID
	}
	env, err := c.builder.Build(agent, req, opts.Headers)
	if err != nil {
		return finish(err)
	}
	asm.SetURL(env.URL)

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = agent.Timeout
	}

	log.Debug("opening remote stream",
		zap.String("url", env.URL),
		zap.String("callee", req.Callee),
		zap.Bool("share_call_stack", req.ShareCallStack),
		zap.Duration("timeout", timeout))

	stream, err := c.transport.Open(ctx, env, timeout)
	if err != nil {
		return finish(err)
	}
	defer stream.Close()

	classifier := NewClassifier(callID, req.ShareCallStack, log)
	for {
		frame, err := stream.Next()
		if err == io.EOF {
			return finish(nil)
		}
		if err != nil {
			return finish(err)
		}

		ev := classifier.Classify(frame.Data)
		if ev.Event.Type == EventAnswer {
			asm.Append(ev.Event.Answer)
		}
		if ev.Forward != nil {
			c.forward(ctx, log, asm, ev.Forward)
		}
		if ev.Terminal {
			asm.MarkDone()
			stream.Close()
			return finish(nil)
		}
	}
}

func (c *Client) forward(ctx context.Context, log *logger.Logger, asm *Assembler, msg *ForwardedMessage) {
	tracing.TraceForwardedEvent(ctx, msg.Type, msg.CallID, msg.Stripped)
	if err := c.forwarder.Forward(ctx, msg); err != nil {
		log.Warn("failed to forward stream event",
			zap.String("event_type", msg.Type),
			zap.Int("sequence", msg.Sequence),
			zap.Error(err))
		return
	}
	asm.CountForwarded()
}
