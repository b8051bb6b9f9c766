// Package events provides event types and subject helpers for the agent proxy event system.
package events

import "strings"

// Base subject for intermediate events of remote calls. Full subjects are
// remotecall.<call_id>.<type>.
const (
	RemoteCall = "remotecall"
)

// Lifecycle event types for remote calls
const (
	CallStarted   = "call.started"
	CallCompleted = "call.completed"
	CallAborted   = "call.aborted"
	CallFailed    = "call.failed"
)

// Lifecycle event types for MCP tool calls
const (
	ToolCallStarted   = "mcp.tool_call.started"
	ToolCallCompleted = "mcp.tool_call.completed"
)

// Source names stamped on published events
const (
	SourceProxy = "agentproxy"
	SourceMCP   = "mcpcall"
)

// BuildRemoteCallSubject creates the subject for one event of one call.
// Dots in either part are replaced so that the subject keeps three tokens.
func BuildRemoteCallSubject(callID, eventType string) string {
	return RemoteCall + "." + sanitizeToken(callID) + "." + sanitizeToken(eventType)
}

// BuildRemoteCallWildcardSubject matches every event of one call.
func BuildRemoteCallWildcardSubject(callID string) string {
	return RemoteCall + "." + sanitizeToken(callID) + ".*"
}

// AllRemoteCallsSubject matches every event of every call.
const AllRemoteCallsSubject = RemoteCall + ".>"

// CallIDFromSubject extracts the call id from a remotecall subject.
func CallIDFromSubject(subject string) (string, bool) {
	parts := strings.Split(subject, ".")
	if len(parts) != 3 || parts[0] != RemoteCall {
		return "", false
	}
	return parts[1], true
}

func sanitizeToken(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n', '\r':
			return '_'
		}
		return r
	}, s)
}
