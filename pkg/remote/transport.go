package remote

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/agentproxy/internal/common/logger"
)

const (
	maxFrameSize   = 1024 * 1024 // 1MB
	maxErrorBody   = 4 * 1024
	initialBufSize = 64 * 1024
)

// RequestMiddleware can inspect or modify each outgoing stream request.
type RequestMiddleware func(req *http.Request)

// Frame is one event-stream frame.
type Frame struct {
	Event string
	ID    string
	Data  string
}

// Transport opens event streams. It holds no per-call state and is safe for
// concurrent use.
type Transport struct {
	httpClient  *http.Client
	middlewares []RequestMiddleware
	logger      *logger.Logger
}

// NewTransport creates a transport. A nil client gets one without a timeout,
// since streams stay open for as long as the remote agent works.
func NewTransport(httpClient *http.Client, log *logger.Logger, middlewares ...RequestMiddleware) *Transport {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if log == nil {
		log = logger.Default()
	}
	return &Transport{
		httpClient:  httpClient,
		middlewares: middlewares,
		logger:      log,
	}
}

// Open sends the envelope and returns the response stream. A positive timeout
// bounds the whole call, headers included.
func (t *Transport) Open(ctx context.Context, env *WireEnvelope, timeout time.Duration) (*Stream, error) {
	var (
		streamCtx context.Context
		cancel    context.CancelFunc
	)
	if timeout > 0 {
		streamCtx, cancel = context.WithTimeout(ctx, timeout)
	} else {
		streamCtx, cancel = context.WithCancel(ctx)
	}

	s := &Stream{
		url:     env.URL,
		parent:  ctx,
		ctx:     streamCtx,
		cancel:  cancel,
		timeout: timeout,
		logger:  t.logger,
	}

	req, err := http.NewRequestWithContext(streamCtx, http.MethodPost, env.URL, bytes.NewReader(env.Body))
	if err != nil {
		cancel()
		return nil, &TransportError{URL: env.URL, Err: fmt.Errorf("create request: %w", err)}
	}
	req.Header = env.Header.Clone()
	for _, mw := range t.middlewares {
		mw(req)
	}

	resp, err := t.httpClient.Do(req)
	if err != nil {
		cancel()
		return nil, s.classify(err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		_ = resp.Body.Close()
		cancel()
		return nil, &TransportError{
			URL:        env.URL,
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(body)),
		}
	}

	if ct := resp.Header.Get("Content-Type"); ct != "" && !strings.HasPrefix(ct, EventStreamMediaType) {
		t.logger.Warn("remote answered without event-stream content type",
			zap.String("url", env.URL),
			zap.String("content_type", ct))
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, initialBufSize), maxFrameSize)
	s.body = resp.Body
	s.scanner = scanner

	t.logger.Debug("event stream connected", zap.String("url", env.URL))
	return s, nil
}

// Stream is a forward-only sequence of frames over one connection. Next must
// be called from a single goroutine; Close may be called from any.
type Stream struct {
	url     string
	parent  context.Context
	ctx     context.Context
	cancel  context.CancelFunc
	timeout time.Duration
	body    io.ReadCloser
	scanner *bufio.Scanner
	logger  *logger.Logger

	// set by Next only
	finished     bool
	err          error
	errDelivered bool

	mu     sync.Mutex
	closed bool
}

// Next returns the next data frame. After the terminal frame, Close, or an
// error has been returned, it returns io.EOF forever. Blank lines and
// comment keep-alives are never returned.
func (s *Stream) Next() (Frame, error) {
	if s.finished {
		return Frame{}, io.EOF
	}
	if s.err != nil {
		if s.errDelivered {
			return Frame{}, io.EOF
		}
		s.errDelivered = true
		return Frame{}, s.err
	}
	if s.isClosed() {
		return Frame{}, io.EOF
	}

	var (
		data    strings.Builder
		hasData bool
		frame   Frame
	)

	for s.scanner.Scan() {
		line := s.scanner.Text()

		if line == "" {
			if !hasData {
				continue
			}
			frame.Data = data.String()
			return s.emit(frame), nil
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value := splitField(line)
		switch field {
		case "data":
			if hasData {
				data.WriteByte('\n')
			}
			data.WriteString(value)
			hasData = true
		case "event":
			frame.Event = value
		case "id":
			frame.ID = value
		}
	}

	readErr := s.scanner.Err()
	if s.isClosed() {
		return Frame{}, io.EOF
	}
	if readErr == nil {
		readErr = ErrStreamClosed
	}
	s.err = s.classify(readErr)
	s.Close()

	// A final frame without its trailing blank line is still delivered.
	if hasData {
		frame.Data = data.String()
		return s.emit(frame), nil
	}
	s.errDelivered = true
	return Frame{}, s.err
}

// emit returns f and, when it carries the terminal sentinel, closes the stream
// so that nothing follows it.
func (s *Stream) emit(f Frame) Frame {
	if isTerminalPayload(f.Data) {
		s.finished = true
		s.logger.Info("remote stream completed", zap.String("url", s.url))
		s.Close()
	}
	return f
}

// Frames yields frames until the stream ends. A terminal error is yielded once
// as the last element; a clean end yields nothing more.
func (s *Stream) Frames() iter.Seq2[Frame, error] {
	return func(yield func(Frame, error) bool) {
		for {
			f, err := s.Next()
			if err == io.EOF {
				return
			}
			if !yield(f, err) || err != nil {
				return
			}
		}
	}
}

// Close releases the connection. It is idempotent.
func (s *Stream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.cancel()
	if s.body != nil {
		_ = s.body.Close()
	}
}

func (s *Stream) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// classify maps a read or connect error to the error kinds callers handle.
func (s *Stream) classify(err error) error {
	if perr := s.parent.Err(); errors.Is(perr, context.Canceled) {
		return perr
	}
	if errors.Is(s.ctx.Err(), context.DeadlineExceeded) {
		return &TimeoutError{URL: s.url, Timeout: s.timeout}
	}
	return &TransportError{URL: s.url, Err: err}
}

// splitField splits an event-stream line into field name and value, dropping
// one leading space from the value.
func splitField(line string) (string, string) {
	field, value, found := strings.Cut(line, ":")
	if !found {
		return line, ""
	}
	return field, strings.TrimPrefix(value, " ")
}
