package monitor

import (
	"testing"

	"go.uber.org/zap"
)

func newTestRPC(t *testing.T, cfg *Config) *RPC {
	t.Helper()
	return NewRPC(newTestMonitor(t, cfg), zap.NewNop())
}

func TestRPCCaptureException(t *testing.T) {
	c := newStubCollector(t, respondID("rpc-1"))
	r := newTestRPC(t, testConfig(c.URL))

	var res SendResult
	err := r.CaptureException(&ExceptionRequest{
		Class:      `App\Exceptions\PaymentFailed`,
		Message:    "card declined",
		File:       "/app/src/Payment.php",
		Line:       42,
		StackTrace: "#0 /app/src/Payment.php(42): charge()",
		Context:    map[string]any{"order_id": 7},
	}, &res)
	if err != nil {
		t.Fatalf("CaptureException: %v", err)
	}
	if !res.Success || res.ID != "rpc-1" {
		t.Fatalf("result = %+v, want success with id", res)
	}

	body := c.Requests()[0].Body
	if body["exception_class"] != String(`App\Exceptions\PaymentFailed`) {
		t.Errorf("exception_class = %v", body["exception_class"])
	}
	if body["file"] != String("/app/src/Payment.php") || body["line"] != Number("42") {
		t.Errorf("location = %v:%v", body["file"], body["line"])
	}
	if body["context"].(Map)["order_id"] != Number("7") {
		t.Errorf("context = %#v", body["context"])
	}
}

func TestRPCIgnoredRemoteClass(t *testing.T) {
	c := newStubCollector(t, respondID("never"))
	cfg := testConfig(c.URL)
	cfg.IgnoredExceptions = []string{`Illuminate\Validation\ValidationException`}
	r := newTestRPC(t, cfg)

	var res SendResult
	if err := r.CaptureException(&ExceptionRequest{
		Class:   `Illuminate\Validation\ValidationException`,
		Message: "invalid",
	}, &res); err != nil {
		t.Fatalf("CaptureException: %v", err)
	}
	if res.Success {
		t.Errorf("result = %+v, want not sent", res)
	}
	if got := c.Hits(); got != 0 {
		t.Errorf("collector hits = %d, want 0", got)
	}
}

func TestRPCDisabled(t *testing.T) {
	c := newStubCollector(t, respondID("never"))
	cfg := testConfig(c.URL)
	cfg.Enabled = false
	r := newTestRPC(t, cfg)

	var res SendResult
	if err := r.CaptureMessage(&MessageRequest{Message: "hi"}, &res); err != nil {
		t.Fatalf("CaptureMessage: %v", err)
	}
	if res.Success || res.Error != ErrDisabled.Error() {
		t.Errorf("result = %+v, want disabled", res)
	}
}

func TestRPCSendLogAndStats(t *testing.T) {
	c := newStubCollector(t, respondID("log-9"))
	r := newTestRPC(t, testConfig(c.URL))

	var res SendResult
	if err := r.SendLog(&LogRequest{
		Level:    "warn",
		Message:  "queue slow",
		LoggedAt: "2024-06-01T10:00:00Z",
	}, &res); err != nil {
		t.Fatalf("SendLog: %v", err)
	}
	if res.ID != "log-9" {
		t.Errorf("result = %+v", res)
	}

	body := c.Requests()[0].Body
	if body["level"] != String("warning") {
		t.Errorf("level = %v, want warning", body["level"])
	}
	if body["logged_at"] != String("2024-06-01T10:00:00Z") {
		t.Errorf("logged_at = %v", body["logged_at"])
	}

	var stats Stats
	if err := r.Stats(true, &stats); err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Sent != 1 {
		t.Errorf("Stats.Sent = %d, want 1", stats.Sent)
	}
}

func TestRPCFlush(t *testing.T) {
	c := newStubCollector(t, respondID("f"))
	cfg := testConfig(c.URL)
	r := newTestRPC(t, cfg)

	r.monitor.Dispatcher().Defer(KindError, NewPayload(Map{"message": String("held")}))

	var flushed int
	if err := r.Flush(true, &flushed); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if flushed != 1 {
		t.Errorf("flushed = %d, want 1", flushed)
	}
	if got := c.Hits(); got != 1 {
		t.Errorf("collector hits = %d, want 1", got)
	}
}
