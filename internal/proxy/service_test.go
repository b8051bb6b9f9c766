package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/agentproxy/internal/calllog"
	"github.com/kandev/agentproxy/internal/common/config"
	"github.com/kandev/agentproxy/internal/common/logger"
	"github.com/kandev/agentproxy/internal/common/metrics"
	"github.com/kandev/agentproxy/internal/events"
	"github.com/kandev/agentproxy/internal/events/bus"
	"github.com/kandev/agentproxy/internal/persistence"
	"github.com/kandev/agentproxy/pkg/remote"
)

func newTestLogger() *logger.Logger {
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	return log
}

// remoteAgentServer replays frames and captures the decoded request body.
type remoteAgentServer struct {
	*httptest.Server
	mu     sync.Mutex
	bodies []map[string]json.RawMessage
}

func newRemoteAgentServer(t *testing.T, frames ...string) *remoteAgentServer {
	t.Helper()
	s := &remoteAgentServer{}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		var body map[string]json.RawMessage
		_ = json.Unmarshal(raw, &body)
		s.mu.Lock()
		s.bodies = append(s.bodies, body)
		s.mu.Unlock()

		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, f := range frames {
			fmt.Fprintf(w, "data: %s\n\n", f)
			flusher.Flush()
		}
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *remoteAgentServer) lastBody() map[string]json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.bodies) == 0 {
		return nil
	}
	return s.bodies[len(s.bodies)-1]
}

const agentTrace = `{"type":"tool_call","content":{"caller":"math_agent","callee":"calc","caller_category":"agent","callee_category":"tool","call_stack":["a","b"],"node_id_stack":["n1"]}}`

type fixture struct {
	svc     *Service
	bus     *bus.MemoryEventBus
	records calllog.Repository
	metrics *metrics.Metrics
}

func newFixture(t *testing.T, agents map[string]config.AgentConfig) *fixture {
	t.Helper()
	log := newTestLogger()

	pool, err := persistence.OpenSQLitePool(filepath.Join(t.TempDir(), "calls.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })
	records, err := calllog.NewStore(pool)
	require.NoError(t, err)

	eventBus := bus.NewMemoryEventBus(log)
	t.Cleanup(eventBus.Close)

	m := metrics.New()
	svc := NewService(Options{
		Remote:  config.RemoteConfig{EndpointPath: "/sse/chat", ContentType: "application/json"},
		Agents:  agents,
		Bus:     eventBus,
		Records: records,
		Logger:  log,
		Metrics: m,
	})
	return &fixture{svc: svc, bus: eventBus, records: records, metrics: m}
}

type busRecorder struct {
	mu     sync.Mutex
	events []*bus.Event
}

func (r *busRecorder) handle(_ context.Context, e *bus.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *busRecorder) snapshot() []*bus.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*bus.Event(nil), r.events...)
}

func TestService_CallForwardsAndRecords(t *testing.T) {
	remoteSrv := newRemoteAgentServer(t,
		agentTrace,
		`{"type":"answer","content":"3."}`,
		`{"type":"observation","caller":"calc","callee":"math_agent","call_stack":["a"]}`,
		`{"type":"answer","content":"14"}`,
		"done",
	)
	f := newFixture(t, map[string]config.AgentConfig{
		"math": {URL: remoteSrv.URL},
	})

	forwarded := &busRecorder{}
	_, err := f.bus.Subscribe(events.AllRemoteCallsSubject, forwarded.handle)
	require.NoError(t, err)
	lifecycle := &busRecorder{}
	_, err = f.bus.Subscribe(events.CallCompleted, lifecycle.handle)
	require.NoError(t, err)

	res, err := f.svc.Call(context.Background(), Request{
		Agent:     "math",
		CallID:    "call-1",
		Caller:    "master_agent",
		Arguments: map[string]any{"query": "pi"},
	})
	require.NoError(t, err)
	assert.Equal(t, remote.StatusCompleted, res.Status)
	assert.Equal(t, "3.14", res.Output)
	assert.Equal(t, 2, res.Forwarded)

	body := remoteSrv.lastBody()
	assert.NotContains(t, body, "call_stack")
	assert.JSONEq(t, `"math"`, string(body["callee"]))

	require.Eventually(t, func() bool { return len(forwarded.snapshot()) == 2 }, 2*time.Second, 10*time.Millisecond)
	got := forwarded.snapshot()
	assert.Equal(t, "tool_call", got[0].Type)
	assert.Equal(t, "observation", got[1].Type)
	assert.Equal(t, true, got[0].Data["stripped"])
	assert.Equal(t, "call-1", got[0].Data["call_id"])
	assert.NotContains(t, string(got[0].Data["payload"].(json.RawMessage)), "call_stack")

	require.Eventually(t, func() bool { return len(lifecycle.snapshot()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "call-1", lifecycle.snapshot()[0].Data["call_id"])

	rec, err := f.records.Get(context.Background(), "call-1")
	require.NoError(t, err)
	assert.Equal(t, "completed", rec.Status)
	assert.Equal(t, "3.14", rec.Output)
	assert.Equal(t, "math", rec.Target)
	assert.Equal(t, 2, rec.Forwarded)
	assert.JSONEq(t, `{"query":"pi"}`, rec.Arguments)

	expected := `
# HELP agentproxy_remote_calls_total Remote agent calls by final status
# TYPE agentproxy_remote_calls_total counter
agentproxy_remote_calls_total{agent="math",status="completed"} 1
`
	assert.NoError(t, testutil.GatherAndCompare(f.metrics.Registry(), strings.NewReader(expected), "agentproxy_remote_calls_total"))
}

func TestService_SharingExtendsChain(t *testing.T) {
	remoteSrv := newRemoteAgentServer(t, "done")
	f := newFixture(t, map[string]config.AgentConfig{
		"math": {URL: remoteSrv.URL, ShareCallStack: true},
	})

	chain := remote.NewCallChain("user", remote.CategoryUser).Enter("master_agent", remote.CategoryAgent, "node-1")
	_, err := f.svc.Call(context.Background(), Request{
		Agent:  "math",
		Caller: "master_agent",
		Chain:  chain,
	})
	require.NoError(t, err)

	body := remoteSrv.lastBody()
	var stack []remote.ChainNode
	require.NoError(t, json.Unmarshal(body["call_stack"], &stack))
	assert.Equal(t, []remote.ChainNode{
		{Name: "user", Category: remote.CategoryUser},
		{Name: "master_agent", Category: remote.CategoryAgent},
		{Name: "math", Category: remote.CategoryAgent},
	}, stack)

	var ids []string
	require.NoError(t, json.Unmarshal(body["node_id_stack"], &ids))
	require.Len(t, ids, 2)
	assert.Equal(t, "node-1", ids[0])

	// the caller's chain is untouched
	assert.Equal(t, 2, chain.Len())
}

func TestRequest_DecodesInboundChain(t *testing.T) {
	var req Request
	require.NoError(t, json.Unmarshal([]byte(`{
		"agent": "math",
		"caller": "planner",
		"call_stack": [{"name": "alice", "category": "user"}, {"name": "planner", "category": "agent"}],
		"node_id_stack": ["n1"]
	}`), &req))

	chain := req.inboundChain()
	assert.Equal(t, []string{"alice", "planner"}, chain.Names())
	assert.Equal(t, []string{"n1"}, chain.NodeIDs)

	// an explicit Chain takes precedence over the wire fields
	req.Chain = remote.NewCallChain("bob", remote.CategoryUser)
	assert.Equal(t, []string{"bob"}, req.inboundChain().Names())
}

func TestService_ShareOverride(t *testing.T) {
	remoteSrv := newRemoteAgentServer(t, "done")
	f := newFixture(t, map[string]config.AgentConfig{
		"math": {URL: remoteSrv.URL, ShareCallStack: true},
	})

	off := false
	_, err := f.svc.Call(context.Background(), Request{Agent: "math", Caller: "x", ShareCallStack: &off})
	require.NoError(t, err)
	assert.NotContains(t, remoteSrv.lastBody(), "call_stack")
	assert.NotContains(t, remoteSrv.lastBody(), "node_id_stack")
}

func TestService_UnknownAgent(t *testing.T) {
	f := newFixture(t, nil)
	res, err := f.svc.Call(context.Background(), Request{Agent: "nobody"})
	assert.Nil(t, res)
	assert.True(t, IsUnknownAgent(err))
}

func TestService_FailedCallIsRecorded(t *testing.T) {
	remoteSrv := newRemoteAgentServer(t, `{"type":"answer","content":"half"}`)
	f := newFixture(t, map[string]config.AgentConfig{"math": {URL: remoteSrv.URL}})

	res, err := f.svc.Call(context.Background(), Request{Agent: "math", CallID: "call-err"})
	require.Error(t, err)
	assert.Equal(t, remote.StatusError, res.Status)

	rec, err := f.records.Get(context.Background(), "call-err")
	require.NoError(t, err)
	assert.Equal(t, "error", rec.Status)
	assert.Equal(t, "half", rec.Output)
	assert.NotEmpty(t, rec.Error)
}

func TestService_ResolveTimeout(t *testing.T) {
	svc := &Service{defaultTimeout: 30 * time.Second}
	assert.Equal(t, time.Second, svc.resolveTimeout(time.Second, time.Minute))
	assert.Equal(t, time.Minute, svc.resolveTimeout(0, time.Minute))
	assert.Equal(t, 30*time.Second, svc.resolveTimeout(0, 0))

	none := &Service{}
	assert.Equal(t, time.Duration(0), none.resolveTimeout(0, 0))
}

func TestService_CallMany(t *testing.T) {
	good := newRemoteAgentServer(t, `{"type":"answer","content":"ok"}`, "done")
	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "down", http.StatusBadGateway)
	}))
	t.Cleanup(broken.Close)

	f := newFixture(t, map[string]config.AgentConfig{
		"good":   {URL: good.URL},
		"broken": {URL: broken.URL},
	})

	outcomes, err := f.svc.CallMany(context.Background(), []Request{
		{Agent: "good"},
		{Agent: "broken"},
		{Agent: "missing"},
		{Agent: "good"},
	})
	require.NoError(t, err)
	require.Len(t, outcomes, 4)

	assert.NoError(t, outcomes[0].Err)
	assert.Equal(t, "ok", outcomes[0].Result.Output)

	var transportErr *remote.TransportError
	require.ErrorAs(t, outcomes[1].Err, &transportErr)
	assert.Equal(t, http.StatusBadGateway, transportErr.StatusCode)

	assert.True(t, IsUnknownAgent(outcomes[2].Err))
	assert.Nil(t, outcomes[2].Result)

	assert.NoError(t, outcomes[3].Err)
	assert.NotEqual(t, outcomes[0].Result.CallID, outcomes[3].Result.CallID)
}

func TestRegistry(t *testing.T) {
	r := NewRegistry(map[string]config.AgentConfig{
		"Math":   {URL: "http://math", Timeout: 5, Headers: map[string]string{"X-Key": "k"}},
		"search": {URL: "http://search", ShareCallStack: true},
	})

	agent, info, err := r.Lookup("math")
	require.NoError(t, err)
	assert.Equal(t, "http://math", agent.BaseURL)
	assert.Equal(t, 5*time.Second, agent.Timeout)
	assert.Equal(t, "k", agent.Headers["X-Key"])
	assert.False(t, info.ShareCallStack)

	list := r.List()
	require.Len(t, list, 2)
	assert.Equal(t, "Math", list[0].Name)
	assert.Equal(t, "search", list[1].Name)

	_, _, err = r.Lookup("nope")
	assert.ErrorIs(t, err, ErrUnknownAgent)
}
