package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func serve(t *testing.T, h *Handler, method string) (*httptest.ResponseRecorder, Response) {
	t.Helper()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, "/_monitor/health", nil))

	var resp Response
	if method == http.MethodGet && rec.Code != http.StatusMethodNotAllowed {
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatalf("decode body %q: %v", rec.Body.String(), err)
		}
	}
	return rec, resp
}

func TestHandlerHealthy(t *testing.T) {
	h := NewHandler(Options{
		Environment: "production",
		AppVersion:  "1.4.2",
		Checks: []Check{
			NewFunc("database", func(context.Context) error { return nil }),
			NewFunc("cache", func(context.Context) error { return nil }),
		},
	})

	rec, resp := serve(t, h, http.MethodGet)

	if rec.Code != http.StatusOK {
		t.Errorf("status code = %d, want 200", rec.Code)
	}
	if got := rec.Header().Get("Content-Type"); got != "application/json" {
		t.Errorf("Content-Type = %q", got)
	}
	if got := rec.Header().Get("Cache-Control"); got != "no-store" {
		t.Errorf("Cache-Control = %q", got)
	}
	if resp.Status != StatusOK {
		t.Errorf("status = %q, want ok", resp.Status)
	}
	if resp.RuntimeVersion != runtime.Version() {
		t.Errorf("runtime_version = %q, want %q", resp.RuntimeVersion, runtime.Version())
	}
	if resp.Environment != "production" || resp.AppVersion != "1.4.2" {
		t.Errorf("environment/app_version = %q/%q", resp.Environment, resp.AppVersion)
	}
	if _, err := time.Parse(time.RFC3339, resp.Timestamp); err != nil {
		t.Errorf("timestamp %q: %v", resp.Timestamp, err)
	}
	want := map[string]string{"database": CheckOK, "cache": CheckOK}
	for name, status := range want {
		if resp.Checks[name] != status {
			t.Errorf("checks[%s] = %q, want %q", name, resp.Checks[name], status)
		}
	}
}

func TestHandlerDegraded(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	h := NewHandler(Options{
		Environment: "production",
		Checks: []Check{
			NewFunc("database", func(context.Context) error { return nil }),
			NewFunc("cache", func(context.Context) error { return errors.New("connection refused") }),
		},
		Logger: zap.New(core),
	})

	rec, resp := serve(t, h, http.MethodGet)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status code = %d, want 503", rec.Code)
	}
	if resp.Status != StatusDegraded {
		t.Errorf("status = %q, want degraded", resp.Status)
	}
	if resp.Checks["database"] != CheckOK || resp.Checks["cache"] != CheckFail {
		t.Errorf("checks = %v", resp.Checks)
	}

	entries := logs.FilterMessage("Health check failed").All()
	if len(entries) != 1 {
		t.Fatalf("failure log entries = %d, want 1", len(entries))
	}
	if got := entries[0].ContextMap()["message"]; got != "connection refused" {
		t.Errorf("logged message = %v", got)
	}
}

func TestHandlerWithoutChecks(t *testing.T) {
	h := NewHandler(Options{Environment: "staging"})

	rec, _ := serve(t, h, http.MethodGet)

	if rec.Code != http.StatusOK {
		t.Errorf("status code = %d, want 200", rec.Code)
	}
	body := rec.Body.String()
	if strings.Contains(body, `"checks"`) {
		t.Errorf("body has checks without any configured: %s", body)
	}
	if strings.Contains(body, `"app_version"`) {
		t.Errorf("body has app_version without one configured: %s", body)
	}
}

func TestHandlerMethods(t *testing.T) {
	h := NewHandler(Options{})

	rec, _ := serve(t, h, http.MethodPost)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("POST status = %d, want 405", rec.Code)
	}
	if got := rec.Header().Get("Allow"); got != "GET, HEAD" {
		t.Errorf("Allow = %q", got)
	}

	rec, _ = serve(t, h, http.MethodHead)
	if rec.Code != http.StatusOK {
		t.Errorf("HEAD status = %d, want 200", rec.Code)
	}
	if rec.Body.Len() != 0 {
		t.Errorf("HEAD body = %q, want empty", rec.Body.String())
	}
}

func TestHandlerCheckTimeout(t *testing.T) {
	h := NewHandler(Options{
		Timeout: 20 * time.Millisecond,
		Checks: []Check{
			NewFunc("slow", func(ctx context.Context) error {
				<-ctx.Done()
				return ctx.Err()
			}),
		},
	})

	start := time.Now()
	resp := h.Report(context.Background())

	if resp.Checks["slow"] != CheckFail {
		t.Errorf("slow check = %q, want fail", resp.Checks["slow"])
	}
	if time.Since(start) > 2*time.Second {
		t.Error("check was not bounded by the timeout")
	}
}

func TestSQLiteDatabaseCheck(t *testing.T) {
	c := NewDatabaseCheck("sqlite", filepath.Join(t.TempDir(), "app.db"))

	if !c.Check(context.Background()) {
		t.Fatalf("Check failed: %s", c.Message())
	}
	if c.Message() != "" {
		t.Errorf("Message = %q, want empty after a pass", c.Message())
	}
	if c.Name() != "database" {
		t.Errorf("Name = %q", c.Name())
	}
}

func TestDatabaseCheckMisconfigured(t *testing.T) {
	tests := []struct {
		name   string
		driver string
		dsn    string
		want   string
	}{
		{"empty dsn", "postgres", "", "not configured"},
		{"unknown driver", "oracle", "oracle://db", "unsupported"},
	}

	for _, tt := range tests {
		c := NewDatabaseCheck(tt.driver, tt.dsn)
		if c.Check(context.Background()) {
			t.Errorf("%s: Check passed, want failure", tt.name)
			continue
		}
		if !strings.Contains(c.Message(), tt.want) {
			t.Errorf("%s: Message = %q, want it to contain %q", tt.name, c.Message(), tt.want)
		}
	}
}

func TestCacheCheckWithoutClient(t *testing.T) {
	c := NewCacheCheck(nil)
	if c.Check(context.Background()) {
		t.Error("Check passed without a client")
	}
	if c.Name() != "cache" {
		t.Errorf("Name = %q", c.Name())
	}
}

type stubSizer struct {
	err error
}

func (s stubSizer) Size(context.Context) (int64, error) { return 3, s.err }

func TestQueueCheck(t *testing.T) {
	if c := NewQueueCheck(nil); c.Check(context.Background()) {
		t.Error("nil queue passed")
	}
	if c := NewQueueCheck(stubSizer{err: errors.New("dial tcp: refused")}); c.Check(context.Background()) {
		t.Error("failing queue passed")
	}

	c := NewQueueCheck(stubSizer{})
	if !c.Check(context.Background()) {
		t.Errorf("healthy queue failed: %s", c.Message())
	}
}

func TestCheckMessageResets(t *testing.T) {
	fail := true
	c := NewFunc("flaky", func(context.Context) error {
		if fail {
			return errors.New("down")
		}
		return nil
	})

	c.Check(context.Background())
	if c.Message() != "down" {
		t.Errorf("Message = %q, want down", c.Message())
	}

	fail = false
	c.Check(context.Background())
	if c.Message() != "" {
		t.Errorf("Message = %q, want empty after recovery", c.Message())
	}
}
