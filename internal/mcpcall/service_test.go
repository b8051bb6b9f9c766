package mcpcall

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/agentproxy/internal/calllog"
	"github.com/kandev/agentproxy/internal/events"
	"github.com/kandev/agentproxy/internal/events/bus"
	"github.com/kandev/agentproxy/internal/persistence"
	"github.com/kandev/agentproxy/pkg/remote"
)

type fakeToolCaller struct {
	result *ToolResult
	err    error
}

func (f *fakeToolCaller) CallTool(ctx context.Context, server, tool string, args map[string]any, headers map[string]string) (*ToolResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

func (f *fakeToolCaller) Tools(ctx context.Context, server string) ([]ToolInfo, error) {
	return []ToolInfo{{Name: "echo"}}, nil
}

func newTestRecords(t *testing.T) calllog.Repository {
	t.Helper()
	pool, err := persistence.OpenSQLitePool(fmt.Sprintf("%s/calls.db", t.TempDir()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })
	repo, err := calllog.NewStore(pool)
	require.NoError(t, err)
	return repo
}

func TestService_CallRecordsAndPublishes(t *testing.T) {
	eventBus := bus.NewMemoryEventBus(newTestLogger())
	t.Cleanup(eventBus.Close)

	var mu sync.Mutex
	var seen []string
	_, err := eventBus.Subscribe("mcp.tool_call.>", func(ctx context.Context, e *bus.Event) error {
		mu.Lock()
		seen = append(seen, e.Type)
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)

	records := newTestRecords(t)
	now := time.Now().UTC()
	svc := NewService(&fakeToolCaller{result: &ToolResult{
		Server: "tools", Tool: "echo", Output: "hi", StartedAt: now, EndedAt: now.Add(time.Millisecond),
	}}, records, eventBus, newTestLogger())

	res, err := svc.Call(context.Background(), "tools", "echo", map[string]any{"text": "hi"}, nil)
	require.NoError(t, err)
	assert.Equal(t, remote.StatusCompleted, res.Status)
	assert.Equal(t, "hi", res.Output)
	require.NotEmpty(t, res.CallID)

	rec, err := records.Get(context.Background(), res.CallID)
	require.NoError(t, err)
	assert.Equal(t, calllog.KindTool, rec.Kind)
	assert.Equal(t, "tools", rec.Target)
	assert.Equal(t, "echo", rec.Callee)
	assert.JSONEq(t, `{"text":"hi"}`, rec.Arguments)
	assert.Equal(t, string(remote.StatusCompleted), rec.Status)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 2
	}, 2*time.Second, 10*time.Millisecond)
	mu.Lock()
	assert.Equal(t, []string{events.ToolCallStarted, events.ToolCallCompleted}, seen)
	mu.Unlock()
}

func TestService_ToolErrorKeepsOutput(t *testing.T) {
	svc := NewService(&fakeToolCaller{result: &ToolResult{
		Server: "tools", Tool: "fail", Output: "tool broke", IsError: true, StartedAt: time.Now(),
	}}, nil, nil, newTestLogger())

	res, err := svc.Call(context.Background(), "tools", "fail", nil, nil)
	var toolErr *ToolError
	require.True(t, errors.As(err, &toolErr))
	assert.Equal(t, remote.StatusError, res.Status)
	assert.Equal(t, "tool broke", res.Output)
	assert.Contains(t, res.Error, "tools/fail")
}

func TestService_UnknownServerIsNotRecorded(t *testing.T) {
	records := newTestRecords(t)
	svc := NewService(&fakeToolCaller{err: fmt.Errorf("%w: nope", ErrUnknownServer)}, records, nil, newTestLogger())

	res, err := svc.Call(context.Background(), "nope", "echo", nil, nil)
	assert.Nil(t, res)
	assert.ErrorIs(t, err, ErrUnknownServer)

	list, err := records.List(context.Background(), calllog.ListFilter{})
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestToCallResult(t *testing.T) {
	start := time.Now().UTC()

	res := ToCallResult("c1", start, nil, context.Canceled)
	assert.Equal(t, remote.StatusAborted, res.Status)

	res = ToCallResult("c2", start, nil, context.DeadlineExceeded)
	assert.Equal(t, remote.StatusError, res.Status)
	var timeoutErr *remote.TimeoutError
	assert.True(t, errors.As(res.Err, &timeoutErr))

	res = ToCallResult("c3", start, nil, errors.New("boom"))
	assert.Equal(t, remote.StatusError, res.Status)
	assert.Equal(t, "boom", res.Error)

	res = ToCallResult("c4", start, &ToolResult{Output: "ok", StartedAt: start}, nil)
	assert.Equal(t, remote.StatusCompleted, res.Status)
	assert.Equal(t, "ok", res.Output)
	assert.Empty(t, res.Error)
}
