package monitor

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func newTestTransport(t *testing.T, cfg *Config, logger *zap.Logger) (*HTTPTransport, *sleepRecorder) {
	t.Helper()

	if logger == nil {
		logger = zap.NewNop()
	}
	tr, err := NewHTTPTransport(cfg, logger, nil)
	if err != nil {
		t.Fatalf("NewHTTPTransport: %v", err)
	}

	rec := &sleepRecorder{}
	tr.SetSleep(rec.sleep)
	return tr, rec
}

func TestSendRetriesThenSucceeds(t *testing.T) {
	c := newStubCollector(t, func(n int, w http.ResponseWriter, r *http.Request) {
		if n <= 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		respondID("evt-123")(n, w, r)
	})

	cfg := testConfig(c.URL)
	cfg.Retry.Times = 3
	tr, rec := newTestTransport(t, cfg, nil)

	id, err := tr.Send(context.Background(), KindError, NewPayload(Map{"message": String("boom")}))
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if id != "evt-123" {
		t.Errorf("id = %q, want %q", id, "evt-123")
	}
	if got := c.Hits(); got != 3 {
		t.Errorf("attempts = %d, want 3", got)
	}
	if got := len(rec.Calls()); got != 2 {
		t.Errorf("sleeps = %d, want 2", got)
	}
	for _, d := range rec.Calls() {
		if d != cfg.Retry.Sleep {
			t.Errorf("sleep = %v, want %v", d, cfg.Retry.Sleep)
		}
	}
}

func TestSendFailsAllAttempts(t *testing.T) {
	c := newStubCollector(t, respondStatus(http.StatusBadGateway))

	core, logs := observer.New(zapcore.DebugLevel)
	cfg := testConfig(c.URL)
	cfg.Retry.Times = 3
	tr, rec := newTestTransport(t, cfg, zap.New(core))

	id, err := tr.Send(context.Background(), KindError, NewPayload(Map{"message": String("boom")}))
	if id != "" {
		t.Errorf("id = %q, want empty", id)
	}

	var te *TransportError
	if !errors.As(err, &te) {
		t.Fatalf("err = %v, want *TransportError", err)
	}
	if te.Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", te.Attempts)
	}
	if te.StatusCode != http.StatusBadGateway {
		t.Errorf("StatusCode = %d, want %d", te.StatusCode, http.StatusBadGateway)
	}
	if got := c.Hits(); got != 3 {
		t.Errorf("attempts = %d, want 3", got)
	}
	if got := len(rec.Calls()); got != 2 {
		t.Errorf("sleeps = %d, want 2", got)
	}

	if got := logs.FilterLevelExact(zapcore.ErrorLevel).Len(); got != 1 {
		t.Errorf("error log entries = %d, want 1", got)
	}
	if got := logs.FilterMessage("Failed to send report").Len(); got != 1 {
		t.Errorf("final failure entries = %d, want 1", got)
	}
}

func TestSendSingleAttempt(t *testing.T) {
	c := newStubCollector(t, respondStatus(http.StatusServiceUnavailable))

	core, logs := observer.New(zapcore.DebugLevel)
	cfg := testConfig(c.URL)
	cfg.Retry.Times = 3
	tr, rec := newTestTransport(t, cfg, zap.New(core))

	_, err := tr.Send(withSingleAttempt(context.Background()), KindError, NewPayload(nil))

	var te *TransportError
	if !errors.As(err, &te) {
		t.Fatalf("err = %v, want *TransportError", err)
	}
	if te.Attempts != 1 || !te.Retryable {
		t.Errorf("TransportError = %+v, want one retryable attempt", te)
	}
	if got := c.Hits(); got != 1 {
		t.Errorf("attempts = %d, want 1", got)
	}
	if got := len(rec.Calls()); got != 0 {
		t.Errorf("sleeps = %d, want 0", got)
	}
	if got := logs.FilterLevelExact(zapcore.ErrorLevel).Len(); got != 0 {
		t.Errorf("error log entries = %d, want 0", got)
	}
}

func TestSendClientErrorFailsFast(t *testing.T) {
	c := newStubCollector(t, respondStatus(http.StatusUnprocessableEntity))

	cfg := testConfig(c.URL)
	cfg.Retry.Times = 3
	tr, rec := newTestTransport(t, cfg, nil)

	_, err := tr.Send(context.Background(), KindError, NewPayload(nil))

	var te *TransportError
	if !errors.As(err, &te) {
		t.Fatalf("err = %v, want *TransportError", err)
	}
	if te.Retryable {
		t.Error("Retryable = true, want false")
	}
	if got := c.Hits(); got != 1 {
		t.Errorf("attempts = %d, want 1", got)
	}
	if got := len(rec.Calls()); got != 0 {
		t.Errorf("sleeps = %d, want 0", got)
	}
}

func TestSendRetriesRequestTimeoutStatus(t *testing.T) {
	c := newStubCollector(t, func(n int, w http.ResponseWriter, r *http.Request) {
		if n == 1 {
			w.WriteHeader(http.StatusRequestTimeout)
			return
		}
		respondID("ok")(n, w, r)
	})

	tr, _ := newTestTransport(t, testConfig(c.URL), nil)

	id, err := tr.Send(context.Background(), KindLog, NewPayload(nil))
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if id != "ok" {
		t.Errorf("id = %q, want %q", id, "ok")
	}
}

func TestSendRequestShape(t *testing.T) {
	c := newStubCollector(t, respondID("x"))
	tr, _ := newTestTransport(t, testConfig(c.URL+"/api/v1"), nil)

	payload := NewPayload(Map{"event_id": String("e-1"), "message": String("hello")})
	if _, err := tr.SendError(context.Background(), payload); err != nil {
		t.Fatalf("SendError: %v", err)
	}
	if _, err := tr.SendLog(context.Background(), payload); err != nil {
		t.Fatalf("SendLog: %v", err)
	}

	reqs := c.Requests()
	if len(reqs) != 2 {
		t.Fatalf("requests = %d, want 2", len(reqs))
	}

	wantPaths := []string{"/api/v1/errors", "/api/v1/logs"}
	for i, req := range reqs {
		if req.Method != http.MethodPost {
			t.Errorf("request %d method = %q, want POST", i, req.Method)
		}
		if req.Path != wantPaths[i] {
			t.Errorf("request %d path = %q, want %q", i, req.Path, wantPaths[i])
		}
		if got := req.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("Authorization = %q, want %q", got, "Bearer test-key")
		}
		if got := req.Header.Get("Content-Type"); got != "application/json" {
			t.Errorf("Content-Type = %q, want application/json", got)
		}
		if got := req.Header.Get("Accept"); got != "application/json" {
			t.Errorf("Accept = %q, want application/json", got)
		}
		if got := req.Header.Get("X-Monitor-Event-Id"); got != "e-1" {
			t.Errorf("X-Monitor-Event-Id = %q, want e-1", got)
		}
		if got := req.Body["message"]; got != String("hello") {
			t.Errorf("body message = %v, want hello", got)
		}
	}
}

func TestSendCompressed(t *testing.T) {
	c := newStubCollector(t, respondID("gz"))

	cfg := testConfig(c.URL)
	cfg.Transport.Compression = true
	tr, _ := newTestTransport(t, cfg, nil)

	if _, err := tr.Send(context.Background(), KindError, NewPayload(Map{"message": String("zip")})); err != nil {
		t.Fatalf("Send: %v", err)
	}

	req := c.Requests()[0]
	if got := req.Header.Get("Content-Encoding"); got != "gzip" {
		t.Errorf("Content-Encoding = %q, want gzip", got)
	}
	if got := req.Body["message"]; got != String("zip") {
		t.Errorf("body message = %v, want zip", got)
	}
}

func TestSendLogsBatch(t *testing.T) {
	c := newStubCollector(t, respondID("batch"))
	tr, _ := newTestTransport(t, testConfig(c.URL), nil)

	logs := []*Payload{
		NewPayload(Map{"message": String("a")}),
		NewPayload(Map{"message": String("b")}),
	}
	if _, err := tr.SendLogs(context.Background(), logs); err != nil {
		t.Fatalf("SendLogs: %v", err)
	}

	req := c.Requests()[0]
	if req.Path != PathLogs {
		t.Errorf("path = %q, want %q", req.Path, PathLogs)
	}
	list, ok := req.Body["logs"].(List)
	if !ok || len(list) != 2 {
		t.Fatalf("logs = %v, want two entries", req.Body["logs"])
	}
}

func TestSendRateLimited(t *testing.T) {
	c := newStubCollector(t, func(_ int, w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Retry-After", "120")
		w.WriteHeader(http.StatusTooManyRequests)
	})

	cfg := testConfig(c.URL)
	cfg.Retry.Times = 3
	tr, rec := newTestTransport(t, cfg, nil)

	_, err := tr.Send(context.Background(), KindError, NewPayload(nil))
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("first Send err = %v, want ErrRateLimited", err)
	}
	if got := c.Hits(); got != 1 {
		t.Errorf("attempts = %d, want 1", got)
	}
	if got := len(rec.Calls()); got != 0 {
		t.Errorf("sleeps = %d, want 0", got)
	}

	_, err = tr.Send(context.Background(), KindError, NewPayload(nil))
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("second Send err = %v, want ErrRateLimited", err)
	}
	if got := c.Hits(); got != 1 {
		t.Errorf("requests while limited = %d, want none", got-1)
	}
	if !tr.RateLimiter().IsRateLimited(KindLog) {
		t.Error("uncategorized limit should apply to every kind")
	}
}

func TestProbe(t *testing.T) {
	c := newStubCollector(t, func(_ int, w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != PathHealth || r.Method != http.MethodGet {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	tr, _ := newTestTransport(t, testConfig(c.URL), nil)

	res := tr.Probe(context.Background())
	if !res.Success {
		t.Fatalf("Probe = %+v, want success", res)
	}
	if res.StatusCode != http.StatusOK {
		t.Errorf("StatusCode = %d, want 200", res.StatusCode)
	}
	if res.Message != "Connection successful" {
		t.Errorf("Message = %q", res.Message)
	}
}

func TestProbeFailure(t *testing.T) {
	c := newStubCollector(t, respondStatus(http.StatusInternalServerError))
	tr, _ := newTestTransport(t, testConfig(c.URL), nil)

	res := tr.Probe(context.Background())
	if res.Success {
		t.Fatal("Probe succeeded, want failure")
	}
	if res.StatusCode != http.StatusInternalServerError {
		t.Errorf("StatusCode = %d, want 500", res.StatusCode)
	}
	if got := c.Hits(); got != 1 {
		t.Errorf("probe requests = %d, want 1", got)
	}
}

func TestResponseID(t *testing.T) {
	tests := []struct {
		body string
		want string
	}{
		{`{"id":"abc"}`, "abc"},
		{`{"id":42}`, "42"},
		{`{"status":"ok"}`, ""},
		{`[]`, ""},
		{``, ""},
		{`not json`, ""},
	}

	for _, tt := range tests {
		if got := responseID([]byte(tt.body)); got != tt.want {
			t.Errorf("responseID(%q) = %q, want %q", tt.body, got, tt.want)
		}
	}
}
