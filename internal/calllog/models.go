// Package calllog records proxied remote calls and serves them back for
// inspection.
package calllog

import (
	"errors"
	"time"
)

// ErrNotFound is returned when no record has the requested id.
var ErrNotFound = errors.New("call record not found")

// Kind distinguishes remote agent calls from MCP tool calls.
type Kind string

const (
	KindAgent Kind = "agent"
	KindTool  Kind = "tool"
)

// Record is the persisted outcome of one call.
type Record struct {
	ID             string    `db:"id" json:"id"`
	Kind           Kind      `db:"kind" json:"kind"`
	Target         string    `db:"target" json:"target"` // agent or MCP server name
	Caller         string    `db:"caller" json:"caller"`
	Callee         string    `db:"callee" json:"callee"`
	ShareCallStack bool      `db:"share_call_stack" json:"share_call_stack"`
	Arguments      string    `db:"arguments" json:"arguments"` // JSON text
	Status         string    `db:"status" json:"status"`
	Output         string    `db:"output" json:"output"`
	Error          string    `db:"error" json:"error,omitempty"`
	Forwarded      int       `db:"forwarded" json:"forwarded"`
	StartedAt      time.Time `db:"started_at" json:"started_at"`
	EndedAt        time.Time `db:"ended_at" json:"ended_at"`
}

// DurationMs returns the call duration in milliseconds.
func (r *Record) DurationMs() int64 {
	return r.EndedAt.Sub(r.StartedAt).Milliseconds()
}

// ListFilter narrows List results. Zero values match everything.
type ListFilter struct {
	Kind   Kind
	Target string
	Status string
	Limit  int
	Offset int
}

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

func (f ListFilter) limit() int {
	switch {
	case f.Limit <= 0:
		return defaultListLimit
	case f.Limit > maxListLimit:
		return maxListLimit
	default:
		return f.Limit
	}
}

// Stats summarizes recorded calls per status.
type Stats struct {
	Total         int            `json:"total"`
	ByStatus      map[string]int `json:"by_status"`
	AvgDurationMs float64        `json:"avg_duration_ms"`
}
