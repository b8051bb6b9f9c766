package remote

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingForwarder struct {
	mu   sync.Mutex
	msgs []*ForwardedMessage
	err  error
}

func (f *recordingForwarder) Forward(_ context.Context, msg *ForwardedMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msg)
	return nil
}

func (f *recordingForwarder) messages() []*ForwardedMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*ForwardedMessage(nil), f.msgs...)
}

func newTestClient(fwd Forwarder) *Client {
	return NewClient(newTestLogger(), WithForwarder(fwd))
}

func TestClient_CallCompleted(t *testing.T) {
	captured := &capturedRequest{}
	server := newSSEServer(t, captured, func(s *sseWriter, _ *http.Request) {
		s.raw(": connected\n\n")
		s.send(agentToolCall)
		s.send(`{"type":"answer","content":"3."}`)
		s.send(`{"type":"observation","caller":"math_agent","callee":"calc","callee_category":"tool","call_stack":["x"]}`)
		s.send(`{"type":"answer","content":"14"}`)
		s.send("done")
	})

	fwd := &recordingForwarder{}
	client := newTestClient(fwd)
	agent := RemoteAgent{Name: "math", BaseURL: server.URL}

	res, err := client.Call(context.Background(), agent, sampleRequest(false), CallOptions{
		Headers: map[string]string{"X-Session": "s-1"},
	})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, res.Status)
	assert.Equal(t, "3.14", res.Output)
	assert.Equal(t, "call-1", res.CallID)
	assert.Equal(t, 2, res.Forwarded)

	msgs := fwd.messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "tool_call", msgs[0].Type)
	assert.Equal(t, 1, msgs[0].Sequence)
	assert.True(t, msgs[0].Stripped)
	assert.Equal(t, "observation", msgs[1].Type)
	assert.Equal(t, 2, msgs[1].Sequence)
	assert.NotContains(t, string(msgs[1].Payload), "call_stack")

	_, _, header, body := captured.snapshot()
	assert.Equal(t, "s-1", header.Get("X-Session"))
	var wire map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(body, &wire))
	assert.NotContains(t, wire, "call_stack")
	assert.NotContains(t, wire, "node_id_stack")
}

func TestClient_CallSharingEnabled(t *testing.T) {
	captured := &capturedRequest{}
	server := newSSEServer(t, captured, func(s *sseWriter, _ *http.Request) {
		s.send(agentToolCall)
		s.send(`{"type":"answer","content":"ok"}`)
		s.send(`{"type":"done"}`)
	})

	fwd := &recordingForwarder{}
	res, err := newTestClient(fwd).Call(context.Background(), RemoteAgent{Name: "math", BaseURL: server.URL}, sampleRequest(true), CallOptions{})
	require.NoError(t, err)
	assert.Equal(t, "ok", res.Output)

	msgs := fwd.messages()
	require.Len(t, msgs, 1)
	assert.False(t, msgs[0].Stripped)
	assert.JSONEq(t, agentToolCall, string(msgs[0].Payload))

	_, _, _, body := captured.snapshot()
	var wire map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(body, &wire))
	assert.Contains(t, wire, "call_stack")
	assert.Contains(t, wire, "node_id_stack")
}

func TestClient_MalformedAndMultiLineFrames(t *testing.T) {
	server := newSSEServer(t, nil, func(s *sseWriter, _ *http.Request) {
		s.send(`{"type":"answer","content":"3."}`)
		s.send(`{broken`)
		s.raw("data: {\"type\":\"answer\",\ndata: \"content\":\"14\"}\n\n")
		s.send("done")
		s.send(`{"type":"answer","content":"ignored"}`)
	})

	fwd := &recordingForwarder{}
	res, err := newTestClient(fwd).Call(context.Background(), RemoteAgent{Name: "math", BaseURL: server.URL}, sampleRequest(false), CallOptions{})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, res.Status)
	assert.Equal(t, "3.14", res.Output)
	assert.Equal(t, 1, res.Forwarded)

	msgs := fwd.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, string(EventOther), msgs[0].Type)
	assert.True(t, msgs[0].Malformed)
	assert.JSONEq(t, `"{broken"`, string(msgs[0].Payload))
}

func TestClient_CleanCloseWithoutDoneReportsURL(t *testing.T) {
	server := newSSEServer(t, nil, func(s *sseWriter, _ *http.Request) {
		s.send(`{"type":"answer","content":"half"}`)
	})

	res, err := newTestClient(nil).Call(context.Background(), RemoteAgent{Name: "math", BaseURL: server.URL}, sampleRequest(false), CallOptions{})
	require.Error(t, err)
	assert.Equal(t, StatusError, res.Status)
	assert.Equal(t, "half", res.Output)
	assert.ErrorIs(t, err, ErrStreamClosed)

	var transportErr *TransportError
	require.True(t, errors.As(err, &transportErr))
	assert.Equal(t, server.URL+DefaultEndpointPath, transportErr.URL)
	assert.Contains(t, res.Error, server.URL)
}

func TestClient_GeneratesCallID(t *testing.T) {
	server := newSSEServer(t, nil, func(s *sseWriter, _ *http.Request) {
		s.send("done")
	})

	req := sampleRequest(false)
	req.CallID = ""
	res, err := newTestClient(nil).Call(context.Background(), RemoteAgent{Name: "math", BaseURL: server.URL}, req, CallOptions{})
	require.NoError(t, err)
	assert.NotEmpty(t, res.CallID)
	assert.Empty(t, req.CallID)
}

func TestClient_ConnectionResetKeepsPartialOutput(t *testing.T) {
	server := newSSEServer(t, nil, func(s *sseWriter, _ *http.Request) {
		s.send(`{"type":"answer","content":"3."}`)
		s.send(`{"type":"answer","content":"14"}`)
		panic(http.ErrAbortHandler)
	})

	res, err := newTestClient(nil).Call(context.Background(), RemoteAgent{Name: "math", BaseURL: server.URL}, sampleRequest(false), CallOptions{})
	require.Error(t, err)
	require.NotNil(t, res)
	assert.Equal(t, StatusError, res.Status)
	assert.Equal(t, "3.14", res.Output)
	assert.NotEmpty(t, res.Error)

	var transportErr *TransportError
	assert.True(t, errors.As(err, &transportErr))
}

func TestClient_TimeoutUsesCallOptionOverAgent(t *testing.T) {
	server := newSSEServer(t, nil, func(s *sseWriter, r *http.Request) {
		s.send(`{"type":"answer","content":"partial"}`)
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	})

	agent := RemoteAgent{Name: "math", BaseURL: server.URL, Timeout: time.Hour}
	start := time.Now()
	res, err := newTestClient(nil).Call(context.Background(), agent, sampleRequest(false), CallOptions{Timeout: 100 * time.Millisecond})

	assert.Less(t, time.Since(start), 3*time.Second)
	var timeoutErr *TimeoutError
	require.True(t, errors.As(err, &timeoutErr))
	assert.Equal(t, StatusError, res.Status)
	assert.Equal(t, "partial", res.Output)
}

func TestClient_CancelIsAborted(t *testing.T) {
	started := make(chan struct{})
	server := newSSEServer(t, nil, func(s *sseWriter, r *http.Request) {
		s.send(`{"type":"answer","content":"before"}`)
		close(started)
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	res, err := newTestClient(nil).Call(ctx, RemoteAgent{Name: "math", BaseURL: server.URL}, sampleRequest(false), CallOptions{})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StatusAborted, res.Status)
	assert.Equal(t, "before", res.Output)
}

func TestClient_EncodingErrorSendsNothing(t *testing.T) {
	captured := &capturedRequest{}
	server := newSSEServer(t, captured, func(s *sseWriter, _ *http.Request) {
		s.send("done")
	})

	req := sampleRequest(false)
	req.Arguments = map[string]any{"bad": make(chan int)}
	res, err := newTestClient(nil).Call(context.Background(), RemoteAgent{Name: "math", BaseURL: server.URL}, req, CallOptions{})

	var encErr *EncodingError
	require.True(t, errors.As(err, &encErr))
	assert.Equal(t, StatusError, res.Status)
	assert.Equal(t, 0, captured.calls())
}

func TestClient_ForwardFailureDoesNotFailCall(t *testing.T) {
	server := newSSEServer(t, nil, func(s *sseWriter, _ *http.Request) {
		s.send(agentToolCall)
		s.send(`{"type":"answer","content":"fine"}`)
		s.send("done")
	})

	fwd := &recordingForwarder{err: errors.New("bus down")}
	res, err := newTestClient(fwd).Call(context.Background(), RemoteAgent{Name: "math", BaseURL: server.URL}, sampleRequest(false), CallOptions{})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, res.Status)
	assert.Equal(t, "fine", res.Output)
	assert.Equal(t, 0, res.Forwarded)
}

func TestClient_ConcurrentCallsAreIndependent(t *testing.T) {
	server := newSSEServer(t, nil, func(s *sseWriter, r *http.Request) {
		s.send(`{"type":"answer","content":"` + r.Header.Get("X-Echo") + `"}`)
		s.send("done")
	})

	client := newTestClient(nil)
	agent := RemoteAgent{Name: "math", BaseURL: server.URL}

	var wg sync.WaitGroup
	results := make([]*CallResult, 8)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req := sampleRequest(false)
			req.CallID = ""
			id := string(rune('a' + i))
			res, err := client.Call(context.Background(), agent, req, CallOptions{Headers: map[string]string{"X-Echo": id}})
			assert.NoError(t, err)
			results[i] = res
		}()
	}
	wg.Wait()

	for i, res := range results {
		require.NotNil(t, res)
		assert.Equal(t, string(rune('a'+i)), res.Output)
	}
}
