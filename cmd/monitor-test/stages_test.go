package main

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/fatih/color"
	"go.uber.org/zap"

	monitor "github.com/your-org/roadrunner-monitor"
)

func newCollector(t *testing.T, errorsStatus int) *httptest.Server {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		switch r.URL.Path {
		case monitor.PathHealth:
			w.WriteHeader(http.StatusOK)
		case monitor.PathErrors:
			w.WriteHeader(errorsStatus)
			if errorsStatus == http.StatusOK {
				_, _ = io.WriteString(w, `{"id":"test-evt"}`)
			}
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTester(t *testing.T, collectorURL, appURL string, mutate func(*monitor.Config)) (*tester, *bytes.Buffer) {
	t.Helper()

	color.NoColor = true

	cfg := monitor.DefaultConfig()
	cfg.APIKey = "test-key"
	cfg.Endpoint = collectorURL
	cfg.Environment = "production"
	cfg.Queue.Enabled = false
	cfg.Retry.Times = 1
	if mutate != nil {
		mutate(cfg)
	}
	cfg.InitDefaults()

	m, err := monitor.New(cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = m.Close() })

	out := &bytes.Buffer{}
	return &tester{m: m, cfg: cfg, appURL: appURL, out: out}, out
}

func TestRunAllStagesPass(t *testing.T) {
	collector := newCollector(t, http.StatusOK)
	app := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != monitor.DefaultRoute {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer app.Close()

	tt, out := newTester(t, collector.URL, app.URL, nil)

	if !tt.Run(context.Background()) {
		t.Fatalf("Run failed:\n%s", out)
	}

	for _, want := range []string{
		"✓ Configuration valid",
		"✓ API endpoint reachable",
		"✓ Test error sent successfully (ID: test-evt)",
		"✓ Heartbeat endpoint accessible (" + monitor.DefaultRoute + ")",
	} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("output lacks %q:\n%s", want, out)
		}
	}
}

func TestRunFailsWhenSendFails(t *testing.T) {
	collector := newCollector(t, http.StatusInternalServerError)
	tt, out := newTester(t, collector.URL, "http://127.0.0.1:1", nil)

	if tt.Run(context.Background()) {
		t.Fatalf("Run passed, want failure:\n%s", out)
	}
	if !strings.Contains(out.String(), "✗ Failed to send test error") {
		t.Errorf("output lacks the send failure:\n%s", out)
	}
	if !strings.Contains(out.String(), "! Could not reach heartbeat endpoint") {
		t.Errorf("unreachable heartbeat should only warn:\n%s", out)
	}
}

func TestRunMissingAPIKey(t *testing.T) {
	collector := newCollector(t, http.StatusOK)
	tt, out := newTester(t, collector.URL, "http://127.0.0.1:1", func(c *monitor.Config) {
		c.APIKey = ""
	})

	if tt.Run(context.Background()) {
		t.Fatal("Run passed without an API key")
	}
	if !strings.Contains(out.String(), "MONITOR_API_KEY is not set") {
		t.Errorf("output lacks the missing key detail:\n%s", out)
	}
}

func TestRunDisabledWarns(t *testing.T) {
	collector := newCollector(t, http.StatusOK)
	tt, out := newTester(t, collector.URL, "http://127.0.0.1:1", func(c *monitor.Config) {
		c.Heartbeat.Enabled = false
		c.Environment = "local"
	})

	if !tt.Run(context.Background()) {
		t.Fatalf("Run failed:\n%s", out)
	}
	if !strings.Contains(out.String(), "! Monitoring is disabled") {
		t.Errorf("output lacks the disabled warning:\n%s", out)
	}
	if !strings.Contains(out.String(), "! Heartbeat endpoint disabled") {
		t.Errorf("output lacks the heartbeat warning:\n%s", out)
	}
}
