package remote

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/kandev/agentproxy/internal/common/logger"
)

func newTestLogger() *logger.Logger {
	log, _ := logger.NewLogger(logger.LoggingConfig{
		Level:  "error",
		Format: "json",
	})
	return log
}

// sseWriter writes event-stream frames and flushes after each one.
type sseWriter struct {
	w http.ResponseWriter
	f http.Flusher
}

func (s *sseWriter) send(data string) {
	fmt.Fprintf(s.w, "data: %s\n\n", data)
	s.f.Flush()
}

func (s *sseWriter) raw(text string) {
	fmt.Fprint(s.w, text)
	s.f.Flush()
}

// capturedRequest records what the remote side received.
type capturedRequest struct {
	mu      sync.Mutex
	header  http.Header
	body    []byte
	path    string
	method  string
	counter int
}

func (c *capturedRequest) calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counter
}

func (c *capturedRequest) snapshot() (method, path string, header http.Header, body []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.method, c.path, c.header.Clone(), append([]byte(nil), c.body...)
}

func newSSEServer(t *testing.T, captured *capturedRequest, handler func(s *sseWriter, r *http.Request)) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if captured != nil {
			captured.mu.Lock()
			captured.header = r.Header.Clone()
			captured.body = body
			captured.path = r.URL.Path
			captured.method = r.Method
			captured.counter++
			captured.mu.Unlock()
		}

		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		handler(&sseWriter{w: w, f: flusher}, r)
	}))
	t.Cleanup(server.Close)
	return server
}
