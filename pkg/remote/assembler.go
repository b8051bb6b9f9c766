package remote

import (
	"context"
	"errors"
	"strings"
	"time"
)

// CallStatus is the terminal status of a call.
type CallStatus string

const (
	StatusCompleted CallStatus = "completed"
	StatusAborted   CallStatus = "aborted"
	StatusError     CallStatus = "error"
)

// CallResult is the structured outcome of one remote call.
type CallResult struct {
	CallID    string     `json:"call_id"`
	Output    string     `json:"output"`
	Status    CallStatus `json:"status"`
	Error     string     `json:"error,omitempty"`
	Forwarded int        `json:"forwarded"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   time.Time  `json:"ended_at"`

	// Err is the underlying failure, for errors.As on the typed errors.
	Err error `json:"-"`
}

// Duration returns how long the call took.
func (r *CallResult) Duration() time.Duration {
	return r.EndedAt.Sub(r.StartedAt)
}

// Assembler accumulates answer fragments for one call and produces the final
// result exactly once.
type Assembler struct {
	callID    string
	url       string
	startedAt time.Time
	answer    strings.Builder
	done      bool
	forwarded int
	result    *CallResult
}

// NewAssembler creates an empty accumulator.
func NewAssembler(callID string) *Assembler {
	return &Assembler{callID: callID, startedAt: time.Now().UTC()}
}

// SetURL records the stream URL reported when the stream ends without the
// terminal event.
func (a *Assembler) SetURL(url string) { a.url = url }

// Append adds an answer fragment.
func (a *Assembler) Append(fragment string) {
	if a.result != nil {
		return
	}
	a.answer.WriteString(fragment)
}

// MarkDone records that the terminal event arrived.
func (a *Assembler) MarkDone() { a.done = true }

// CountForwarded records one message delivered to the bus.
func (a *Assembler) CountForwarded() { a.forwarded++ }

// Partial returns the answer accumulated so far.
func (a *Assembler) Partial() string { return a.answer.String() }

// Finalize builds the result. cause is the error that ended the stream, nil
// when it ended on the terminal event. Only the first call has an effect;
// later calls return the same result.
func (a *Assembler) Finalize(cause error) *CallResult {
	if a.result != nil {
		return a.result
	}

	res := &CallResult{
		CallID:    a.callID,
		Output:    a.answer.String(),
		Forwarded: a.forwarded,
		StartedAt: a.startedAt,
		EndedAt:   time.Now().UTC(),
	}

	switch {
	case a.done:
		res.Status = StatusCompleted
	case cause == nil:
		res.Status = StatusError
		res.Err = &TransportError{URL: a.url, Err: ErrStreamClosed}
	case errors.Is(cause, context.Canceled):
		res.Status = StatusAborted
		res.Err = cause
	default:
		res.Status = StatusError
		res.Err = cause
	}
	if res.Err != nil {
		res.Error = res.Err.Error()
	}

	a.result = res
	return res
}
