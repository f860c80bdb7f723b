package monitor

import (
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestCoreForwardsEntries(t *testing.T) {
	c := newStubCollector(t, respondID("log"))
	m := newTestMonitor(t, testConfig(c.URL))

	logger := zap.New(NewCore(m, zapcore.WarnLevel)).With(zap.String("service", "billing"))
	logger.Info("below threshold")
	logger.Warn("disk low", zap.Int("free_mb", 5))

	reqs := c.Requests()
	if len(reqs) != 1 {
		t.Fatalf("requests = %d, want 1", len(reqs))
	}
	req := reqs[0]

	if req.Path != PathLogs {
		t.Errorf("path = %q, want %q", req.Path, PathLogs)
	}
	if req.Body["level"] != String("warning") {
		t.Errorf("level = %v, want warning", req.Body["level"])
	}
	if req.Body["message"] != String("disk low") {
		t.Errorf("message = %v, want disk low", req.Body["message"])
	}

	ctx := req.Body["context"].(Map)
	if ctx["free_mb"] != Number("5") {
		t.Errorf("context.free_mb = %#v, want 5", ctx["free_mb"])
	}
	if ctx["service"] != String("billing") {
		t.Errorf("context.service = %#v, want billing", ctx["service"])
	}
}

func TestCoreSkipsOwnLogger(t *testing.T) {
	c := newStubCollector(t, respondID("log"))
	m := newTestMonitor(t, testConfig(c.URL))

	logger := zap.New(NewCore(m, zapcore.DebugLevel))
	logger.Named(PluginName).Error("from the monitor itself")
	logger.Named(PluginName).Named("worker").Error("from the worker")

	if got := c.Hits(); got != 0 {
		t.Errorf("collector hits = %d, want 0", got)
	}
}

func TestCoreDisabledMonitor(t *testing.T) {
	c := newStubCollector(t, respondID("log"))
	cfg := testConfig(c.URL)
	cfg.Enabled = false
	m := newTestMonitor(t, cfg)

	zap.New(NewCore(m, zapcore.DebugLevel)).Error("dropped")

	if got := c.Hits(); got != 0 {
		t.Errorf("collector hits = %d, want 0", got)
	}
}

func TestZapLevel(t *testing.T) {
	tests := []struct {
		in   zapcore.Level
		want Level
	}{
		{zapcore.DebugLevel, LevelDebug},
		{zapcore.InfoLevel, LevelInfo},
		{zapcore.WarnLevel, LevelWarning},
		{zapcore.ErrorLevel, LevelError},
		{zapcore.DPanicLevel, LevelCritical},
		{zapcore.PanicLevel, LevelAlert},
		{zapcore.FatalLevel, LevelEmergency},
	}

	for _, tt := range tests {
		if got := zapLevel(tt.in); got != tt.want {
			t.Errorf("zapLevel(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
