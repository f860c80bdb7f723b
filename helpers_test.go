package monitor

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
)

type stubRequest struct {
	Method string
	Path   string
	Header http.Header
	Body   Map
}

// stubCollector records every request and answers with respond. n is the
// 1-based index of the request.
type stubCollector struct {
	*httptest.Server

	mu       sync.Mutex
	requests []stubRequest
}

func newStubCollector(t *testing.T, respond func(n int, w http.ResponseWriter, r *http.Request)) *stubCollector {
	t.Helper()

	c := &stubCollector{}
	c.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var reader io.Reader = r.Body
		if r.Header.Get("Content-Encoding") == "gzip" {
			gz, err := gzip.NewReader(r.Body)
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			defer gz.Close()
			reader = gz
		}

		data, _ := io.ReadAll(reader)
		var body Map
		if len(data) > 0 {
			if v, err := DecodeJSON(data); err == nil {
				body, _ = v.(Map)
			}
		}

		c.mu.Lock()
		c.requests = append(c.requests, stubRequest{
			Method: r.Method,
			Path:   r.URL.Path,
			Header: r.Header.Clone(),
			Body:   body,
		})
		n := len(c.requests)
		c.mu.Unlock()

		respond(n, w, r)
	}))
	t.Cleanup(c.Close)

	return c
}

func (c *stubCollector) Requests() []stubRequest {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]stubRequest, len(c.requests))
	copy(out, c.requests)
	return out
}

func (c *stubCollector) Hits() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.requests)
}

// waitHits polls until the collector has seen n requests
func (c *stubCollector) waitHits(t *testing.T, n int) {
	t.Helper()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if c.Hits() >= n {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("collector hits = %d, want %d", c.Hits(), n)
}

func respondID(id string) func(int, http.ResponseWriter, *http.Request) {
	return func(_ int, w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"id":"`+id+`"}`)
	}
}

func respondStatus(code int) func(int, http.ResponseWriter, *http.Request) {
	return func(_ int, w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(code)
	}
}

// sleepRecorder stands in for the pause between attempts
type sleepRecorder struct {
	mu    sync.Mutex
	calls []time.Duration
}

func (s *sleepRecorder) sleep(_ context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls = append(s.calls, d)
	return nil
}

func (s *sleepRecorder) Calls() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]time.Duration(nil), s.calls...)
}

func noSleep(context.Context, time.Duration) error { return nil }

// testConfig returns a configuration that reports synchronously to endpoint
func testConfig(endpoint string) *Config {
	cfg := DefaultConfig()
	cfg.APIKey = "test-key"
	cfg.Endpoint = endpoint
	cfg.Environment = "production"
	cfg.Queue.Enabled = false
	cfg.InitDefaults()
	return cfg
}
