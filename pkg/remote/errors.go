package remote

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrStreamClosed is wrapped in a TransportError when the remote closes the
// stream without sending a terminal event.
var ErrStreamClosed = errors.New("stream closed before terminal event")

// EncodingError reports call arguments that cannot be serialized. It is
// always raised before any network I/O.
type EncodingError struct {
	Err error
}

func (e *EncodingError) Error() string {
	return fmt.Sprintf("encode call arguments: %v", e.Err)
}

func (e *EncodingError) Unwrap() error { return e.Err }

// TransportError reports a connection-level failure: refused or reset
// connections, non-2xx responses, broken framing or a premature close.
type TransportError struct {
	URL        string
	StatusCode int
	Body       string
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		if e.Body != "" {
			return fmt.Sprintf("remote stream %s: HTTP %d: %s", e.URL, e.StatusCode, e.Body)
		}
		return fmt.Sprintf("remote stream %s: HTTP %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("remote stream %s: %v", e.URL, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// TimeoutError reports that no terminal event arrived within the allotted time.
type TimeoutError struct {
	URL     string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	if e.Timeout > 0 {
		return fmt.Sprintf("remote stream %s: no terminal event within %s", e.URL, e.Timeout)
	}
	return fmt.Sprintf("remote stream %s: deadline exceeded", e.URL)
}

func (e *TimeoutError) Unwrap() error { return context.DeadlineExceeded }
