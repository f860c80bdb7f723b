package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/fatih/color"

	monitor "github.com/your-org/roadrunner-monitor"
)

var (
	okMark   = color.New(color.FgGreen).SprintFunc()
	failMark = color.New(color.FgRed).SprintFunc()
	warnMark = color.New(color.FgYellow).SprintFunc()
	detail   = color.New(color.FgHiBlack).SprintFunc()
)

type tester struct {
	m      *monitor.Monitor
	cfg    *monitor.Config
	appURL string
	out    io.Writer
	client *http.Client
}

// Run executes every stage and reports whether all of them passed
func (t *tester) Run(ctx context.Context) bool {
	stages := []func(context.Context) bool{
		t.checkConfiguration,
		t.checkEndpoint,
		t.sendTestError,
		t.checkHeartbeat,
	}

	ok := true
	for _, stage := range stages {
		if !stage(ctx) {
			ok = false
		}
	}
	return ok
}

func (t *tester) checkConfiguration(_ context.Context) bool {
	if t.cfg.APIKey == "" {
		t.fail("Configuration invalid", "MONITOR_API_KEY is not set")
		return false
	}
	if t.cfg.Endpoint == "" {
		t.fail("Configuration invalid", "MONITOR_ENDPOINT is not set")
		return false
	}

	t.success("Configuration valid")
	return true
}

func (t *tester) checkEndpoint(ctx context.Context) bool {
	res := t.m.Probe(ctx)
	if !res.Success {
		t.fail("API endpoint unreachable",
			fmt.Sprintf("Could not connect to %s: %s", t.cfg.Endpoint, res.Message),
			"Check your MONITOR_ENDPOINT and network connectivity")
		return false
	}

	t.success(fmt.Sprintf("API endpoint reachable (%s)", t.cfg.Endpoint))
	return true
}

func (t *tester) sendTestError(ctx context.Context) bool {
	id := t.m.CaptureException(ctx,
		errors.New("This is a test error from monitor-test"),
		monitor.Map{
			"test":    monitor.Bool(true),
			"command": monitor.String("monitor-test"),
		})

	if id != "" {
		t.success(fmt.Sprintf("Test error sent successfully (ID: %s)", id))
		return true
	}

	if !t.m.IsEnabled() {
		t.warn("Monitoring is disabled", "Check MONITOR_ENABLED and ignored_environments settings")
		return true
	}

	t.fail("Failed to send test error", "No response received from server")
	return false
}

func (t *tester) checkHeartbeat(ctx context.Context) bool {
	if !t.cfg.Heartbeat.Enabled {
		t.warn("Heartbeat endpoint disabled", "Skipping heartbeat test")
		return true
	}

	route := t.cfg.Heartbeat.Route
	url := strings.TrimRight(t.appURL, "/") + route

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		t.warn("Could not reach heartbeat endpoint", err.Error())
		return true
	}

	client := t.client
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		t.warn("Could not reach heartbeat endpoint",
			fmt.Sprintf("Unable to access %s locally. This may be normal if the app is not running.", route))
		return true
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		t.success(fmt.Sprintf("Heartbeat endpoint accessible (%s)", route))
		return true
	}

	t.warn(fmt.Sprintf("Heartbeat endpoint returned %d", resp.StatusCode),
		fmt.Sprintf("The endpoint at %s is accessible but returned a non-200 status", route))
	return true
}

func (t *tester) success(msg string) {
	fmt.Fprintf(t.out, "%s %s\n", okMark("✓"), msg)
}

func (t *tester) fail(msg string, details ...string) {
	fmt.Fprintf(t.out, "%s %s\n", failMark("✗"), msg)
	for _, d := range details {
		fmt.Fprintf(t.out, "  %s\n", detail("→ "+d))
	}
}

func (t *tester) warn(msg string, details ...string) {
	fmt.Fprintf(t.out, "%s %s\n", warnMark("!"), msg)
	for _, d := range details {
		fmt.Fprintf(t.out, "  %s\n", detail("→ "+d))
	}
}
