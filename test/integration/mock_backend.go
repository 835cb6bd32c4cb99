package integration

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

// MockBackend is a configurable HTTP test server standing in for the
// systems webhook actions call. Each first path segment is a hook with its
// own scripted responses; every received request is recorded for later
// assertion.
type MockBackend struct {
	t      *testing.T
	server *httptest.Server

	mu         sync.RWMutex
	hooks      map[string]*hookConfig
	receivedBy map[string][]*RecordedRequest
}

// RecordedRequest captures the details of a request received by the mock backend.
type RecordedRequest struct {
	Method     string
	Path       string
	Headers    http.Header
	Body       map[string]any
	RawBody    []byte
	ReceivedAt time.Time
}

// hookConfig holds the scripted responses for a single hook.
type hookConfig struct {
	mu        sync.Mutex
	responses []*mockResponse
	current   int
}

type mockResponse struct {
	status    int
	body      any
	delay     time.Duration
	connError bool
}

// HookMock is a builder for configuring responses of one hook.
type HookMock struct {
	backend *MockBackend
	hook    string
}

// newMockBackend creates a new mock backend and starts the HTTP test server.
func newMockBackend(t *testing.T) *MockBackend {
	t.Helper()

	mb := &MockBackend{
		t:          t,
		hooks:      make(map[string]*hookConfig),
		receivedBy: make(map[string][]*RecordedRequest),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/{hook}", mb.handleHook)
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]string{
			"error": fmt.Sprintf("mock: no hook for %s %s", r.Method, r.URL.Path),
		})
	})

	mb.server = httptest.NewServer(mux)
	t.Cleanup(mb.server.Close)

	return mb
}

// URL returns the base URL of the mock backend server.
func (mb *MockBackend) URL() string {
	return mb.server.URL
}

// OnHook returns a builder for configuring responses of the named hook.
func (mb *MockBackend) OnHook(hook string) *HookMock {
	return &HookMock{backend: mb, hook: hook}
}

// RespondWith queues a response with the given status and body.
func (hm *HookMock) RespondWith(status int, body any) *HookMock {
	hm.backend.addResponse(hm.hook, &mockResponse{status: status, body: body})
	return hm
}

// RespondWithDelay queues a delayed response to simulate a slow target.
func (hm *HookMock) RespondWithDelay(delay time.Duration, status int, body any) *HookMock {
	hm.backend.addResponse(hm.hook, &mockResponse{status: status, body: body, delay: delay})
	return hm
}

// RespondWithConnectionError queues a response that drops the connection.
func (hm *HookMock) RespondWithConnectionError() *HookMock {
	hm.backend.addResponse(hm.hook, &mockResponse{connError: true})
	return hm
}

func (mb *MockBackend) addResponse(hook string, resp *mockResponse) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	cfg, ok := mb.hooks[hook]
	if !ok {
		cfg = &hookConfig{}
		mb.hooks[hook] = cfg
	}
	cfg.responses = append(cfg.responses, resp)
}

func (mb *MockBackend) handleHook(w http.ResponseWriter, r *http.Request) {
	hook := r.PathValue("hook")
	rec := &RecordedRequest{
		Method:     r.Method,
		Path:       r.URL.Path,
		Headers:    r.Header.Clone(),
		ReceivedAt: time.Now(),
	}
	if r.Body != nil {
		body, _ := io.ReadAll(r.Body)
		rec.RawBody = body
		if len(body) > 0 {
			var parsed map[string]any
			if err := json.Unmarshal(body, &parsed); err == nil {
				rec.Body = parsed
			}
		}
	}

	mb.mu.Lock()
	mb.receivedBy[hook] = append(mb.receivedBy[hook], rec)
	mb.mu.Unlock()

	resp := mb.getNextResponse(hook)
	if resp == nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
		return
	}

	if resp.connError {
		if hj, ok := w.(http.Hijacker); ok {
			conn, _, _ := hj.Hijack()
			if conn != nil {
				conn.Close()
			}
		}
		return
	}

	if resp.delay > 0 {
		select {
		case <-time.After(resp.delay):
		case <-r.Context().Done():
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.status)
	if resp.body != nil {
		json.NewEncoder(w).Encode(resp.body)
	}
}

func (mb *MockBackend) getNextResponse(hook string) *mockResponse {
	mb.mu.RLock()
	cfg, ok := mb.hooks[hook]
	mb.mu.RUnlock()
	if !ok || cfg == nil {
		return nil
	}

	cfg.mu.Lock()
	defer cfg.mu.Unlock()

	if len(cfg.responses) == 0 {
		return nil
	}

	idx := cfg.current
	if idx >= len(cfg.responses) {
		// Repeat the last response for subsequent calls.
		idx = len(cfg.responses) - 1
	} else {
		cfg.current++
	}
	return cfg.responses[idx]
}

// AssertCalled verifies that the hook was called the expected number of times.
func (mb *MockBackend) AssertCalled(t *testing.T, hook string, expectedCount int) {
	t.Helper()
	mb.mu.RLock()
	actual := len(mb.receivedBy[hook])
	mb.mu.RUnlock()
	if actual != expectedCount {
		t.Errorf("mock backend: hook %q called %d times, want %d", hook, actual, expectedCount)
	}
}

// AssertNotCalled verifies that the hook was never called.
func (mb *MockBackend) AssertNotCalled(t *testing.T, hook string) {
	t.Helper()
	mb.AssertCalled(t, hook, 0)
}

// LastRequest returns the last request received by the hook, or nil.
func (mb *MockBackend) LastRequest(hook string) *RecordedRequest {
	mb.mu.RLock()
	defer mb.mu.RUnlock()
	reqs := mb.receivedBy[hook]
	if len(reqs) == 0 {
		return nil
	}
	return reqs[len(reqs)-1]
}

// AllRequests returns all requests received by the hook.
func (mb *MockBackend) AllRequests(hook string) []*RecordedRequest {
	mb.mu.RLock()
	defer mb.mu.RUnlock()
	reqs := mb.receivedBy[hook]
	copied := make([]*RecordedRequest, len(reqs))
	copy(copied, reqs)
	return copied
}

// Reset clears all recorded requests and scripted responses.
func (mb *MockBackend) Reset() {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	mb.hooks = make(map[string]*hookConfig)
	mb.receivedBy = make(map[string][]*RecordedRequest)
}
