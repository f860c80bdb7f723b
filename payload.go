package monitor

import (
	"encoding/json"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	TruncatedSuffix  = "... [TRUNCATED]"
	contextTruncated = "Context truncated due to size limits"
)

// Payload is the wire form of a report: a redacted, size-bounded tree
type Payload struct {
	body Map
}

// NewPayload wraps an already prepared body
func NewPayload(body Map) *Payload {
	if body == nil {
		body = Map{}
	}
	return &Payload{body: body}
}

// Body returns the payload tree. Callers must not modify it.
func (p *Payload) Body() Map {
	return p.body
}

// Get returns a top level field
func (p *Payload) Get(key string) Value {
	return p.body[key]
}

// Has reports whether a top level field is present
func (p *Payload) Has(key string) bool {
	_, ok := p.body[key]
	return ok
}

// Str returns a top level string field, or "" when absent or not a string
func (p *Payload) Str(key string) string {
	s, _ := p.body[key].(String)
	return string(s)
}

// Level returns the payload severity
func (p *Payload) Level() Level {
	return Level(p.Str("level"))
}

// EventID returns the client generated event id
func (p *Payload) EventID() string {
	return p.Str("event_id")
}

func (p *Payload) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.body)
}

func (p *Payload) UnmarshalJSON(data []byte) error {
	v, err := DecodeJSON(data)
	if err != nil {
		return err
	}
	m, ok := v.(Map)
	if !ok {
		return fmt.Errorf("payload must be a JSON object")
	}
	p.body = m
	return nil
}

// Size returns the serialized length in bytes
func (p *Payload) Size() int {
	return encodedSize(p.body)
}

func encodedSize(v Value) int {
	b, err := json.Marshal(v)
	if err != nil {
		return 0
	}
	return len(b)
}

// RequestData is the request scope copied into exception reports
type RequestData struct {
	URL       string
	Method    string
	IP        string
	UserAgent string
	Headers   map[string][]string
	Input     Map
}

// Captured is the environment data attached to a single capture call
type Captured struct {
	User    Map
	Request *RequestData
	Session Map
}

// Builder assembles payloads from events and context
type Builder struct {
	environment string
	fields      FieldSet
	maxSize     int
	traceLimit  int

	captureUser    bool
	captureRequest bool
	captureSession bool

	logger *zap.Logger
	now    func() time.Time
}

// NewBuilder creates a payload builder from configuration
func NewBuilder(cfg *Config, logger *zap.Logger) *Builder {
	traceLimit := cfg.StackTraceLimit
	if traceLimit <= 0 {
		traceLimit = defaultTraceLimit
	}

	return &Builder{
		environment:    cfg.Environment,
		fields:         FieldSetOf(cfg.FilteredFields),
		maxSize:        cfg.MaxPayloadSize,
		traceLimit:     traceLimit,
		captureUser:    cfg.CaptureUser(),
		captureRequest: cfg.CaptureRequest(),
		captureSession: cfg.CaptureSession(),
		logger:         logger,
		now:            time.Now,
	}
}

// Build assembles the payload for ev. extra is merged over the stored
// context and wins on key collisions.
func (b *Builder) Build(ev Event, snap Snapshot, captured *Captured, extra Map) *Payload {
	body := Map{
		"event_id":    String(uuid.NewString()),
		"environment": String(b.environment),
		"timestamp":   String(b.stamp(ev.occurredAt())),
	}

	switch e := ev.(type) {
	case *ExceptionEvent:
		body["message"] = String(e.Message)
		body["level"] = String(LevelError)
		body["exception_class"] = String(e.Class)
		if e.File != "" {
			body["file"] = String(e.File)
			body["line"] = Int(int64(e.Line))
		} else {
			body["file"] = nil
			body["line"] = nil
		}
		body["stack_trace"] = String(e.StackTrace)
	case *MessageEvent:
		body["message"] = String(e.Message)
		body["level"] = String(e.Level)
		body["file"] = nil
		body["line"] = nil
		body["stack_trace"] = nil
	}

	if captured == nil {
		captured = &Captured{}
	}

	var user Map
	if b.captureUser && len(captured.User) > 0 {
		user = Merge(captured.User, snap.User)
	} else if len(snap.User) > 0 {
		user = Clone(snap.User).(Map)
	}
	if len(user) > 0 {
		body["user"] = user
	}

	if len(snap.Context) > 0 || len(extra) > 0 {
		body["context"] = Merge(snap.Context, extra)
	}

	if len(snap.Tags) > 0 {
		body["tags"] = tagsMap(snap.Tags)
	}

	if b.captureRequest && captured.Request != nil {
		body["request"] = b.requestMap(captured.Request)
	}

	if b.captureSession && captured.Session != nil {
		body["session"] = RedactMap(captured.Session, b.fields)
	}

	return b.finish(body)
}

// BuildLog assembles a log record payload
func (b *Builder) BuildLog(message string, level Level, at time.Time, fields Map, snap Snapshot) *Payload {
	if fields == nil {
		fields = Map{}
	}

	body := Map{
		"event_id":    String(uuid.NewString()),
		"level":       String(level),
		"message":     String(message),
		"context":     Merge(fields, snap.Context),
		"environment": String(b.environment),
		"logged_at":   String(b.stamp(at)),
	}

	if len(snap.Tags) > 0 {
		body["tags"] = tagsMap(snap.Tags)
	}
	if len(snap.User) > 0 {
		body["user"] = Clone(snap.User)
	}

	return b.finish(body)
}

func (b *Builder) finish(body Map) *Payload {
	body = RedactMap(body, b.fields)
	return &Payload{body: b.govern(body)}
}

func (b *Builder) requestMap(r *RequestData) Map {
	m := Map{
		"url":        String(r.URL),
		"method":     String(r.Method),
		"ip":         String(r.IP),
		"user_agent": String(r.UserAgent),
		"headers":    FilterHeaders(r.Headers),
	}
	if r.Input != nil {
		m["input"] = RedactMap(r.Input, b.fields)
	} else {
		m["input"] = Map{}
	}
	return m
}

func (b *Builder) stamp(t time.Time) string {
	if t.IsZero() {
		t = b.now()
	}
	return t.UTC().Format(time.RFC3339)
}

// govern shrinks body until it fits the size budget: first the stack trace
// is cut to its prefix, then context collapses, then request input. Each
// step re-measures. An oversize body that ran out of steps is kept as is.
func (b *Builder) govern(body Map) Map {
	if b.maxSize <= 0 {
		return body
	}

	size := encodedSize(body)
	if size <= b.maxSize {
		return body
	}

	steps := []struct {
		name  string
		apply func(Map) bool
	}{
		{"stack_trace", b.truncateTrace},
		{"context", truncateContext},
		{"request.input", truncateInput},
	}

	for _, step := range steps {
		if !step.apply(body) {
			continue
		}
		next := encodedSize(body)
		b.logger.Debug("Payload truncated",
			zap.String("field", step.name),
			zap.Int("size_before", size),
			zap.Int("size_after", next),
			zap.Int("max_size", b.maxSize))
		size = next
		if size <= b.maxSize {
			return body
		}
	}

	b.logger.Warn("Payload exceeds size limit after truncation",
		zap.Int("size", size),
		zap.Int("max_size", b.maxSize))

	return body
}

func (b *Builder) truncateTrace(body Map) bool {
	trace, ok := body["stack_trace"].(String)
	if !ok || utf8.RuneCountInString(string(trace)) <= b.traceLimit {
		return false
	}
	body["stack_trace"] = String(TruncateString(string(trace), b.traceLimit) + TruncatedSuffix)
	return true
}

func truncateContext(body Map) bool {
	if _, ok := body["context"]; !ok {
		return false
	}
	body["context"] = Map{
		"_truncated": Bool(true),
		"_message":   String(contextTruncated),
	}
	return true
}

func truncateInput(body Map) bool {
	req, ok := body["request"].(Map)
	if !ok {
		return false
	}
	if _, ok := req["input"]; !ok {
		return false
	}
	req["input"] = Map{"_truncated": Bool(true)}
	return true
}

// TruncateString keeps the first n characters of s
func TruncateString(s string, n int) string {
	if n <= 0 {
		return ""
	}
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}

func tagsMap(tags map[string]string) Map {
	m := make(Map, len(tags))
	for k, v := range tags {
		m[k] = String(v)
	}
	return m
}
