package monitor

import (
	"fmt"
	"strings"
	"time"
)

// Kind selects the collector path a payload is posted to
type Kind string

const (
	KindError Kind = "error"
	KindLog   Kind = "log"
)

// Path returns the collector path for the kind
func (k Kind) Path() string {
	if k == KindLog {
		return PathLogs
	}
	return PathErrors
}

// Level is a report severity
type Level string

const (
	LevelDebug     Level = "debug"
	LevelInfo      Level = "info"
	LevelNotice    Level = "notice"
	LevelWarning   Level = "warning"
	LevelError     Level = "error"
	LevelCritical  Level = "critical"
	LevelAlert     Level = "alert"
	LevelEmergency Level = "emergency"
)

var levelRank = map[Level]int{
	LevelDebug:     0,
	LevelInfo:      1,
	LevelNotice:    2,
	LevelWarning:   3,
	LevelError:     4,
	LevelCritical:  5,
	LevelAlert:     6,
	LevelEmergency: 7,
}

// ParseLevel maps a level name to a Level, defaulting to error
func ParseLevel(s string) Level {
	l := Level(strings.ToLower(strings.TrimSpace(s)))
	if l == "warn" {
		return LevelWarning
	}
	if _, ok := levelRank[l]; ok {
		return l
	}
	return LevelError
}

// AtLeast reports whether l is as severe as min
func (l Level) AtLeast(min Level) bool {
	return levelRank[l] >= levelRank[min]
}

// Event is a captured exception or an explicit message
type Event interface {
	isEvent()
	occurredAt() time.Time
}

// ExceptionEvent is an error captured from the application
type ExceptionEvent struct {
	Err        error
	Message    string
	Class      string
	File       string
	Line       int
	StackTrace string
	Time       time.Time
}

// MessageEvent is an explicit message with a caller-chosen level
type MessageEvent struct {
	Message string
	Level   Level
	Time    time.Time
}

func (*ExceptionEvent) isEvent() {}
func (*MessageEvent) isEvent()   {}

func (e *ExceptionEvent) occurredAt() time.Time { return e.Time }
func (e *MessageEvent) occurredAt() time.Time   { return e.Time }

// ClassNamer lets an error report its own class name
type ClassNamer interface {
	ExceptionClass() string
}

// ExceptionClass returns the class name reported for err
func ExceptionClass(err error) string {
	if cn, ok := err.(ClassNamer); ok {
		return cn.ExceptionClass()
	}
	return fmt.Sprintf("%T", err)
}

// NewException captures err with the stack of its caller. skip counts
// additional frames above the caller to leave out.
func NewException(err error, skip int) *ExceptionEvent {
	frames := callers(skip+2, false)
	return newException(err, frames)
}

func newException(err error, frames []frame) *ExceptionEvent {
	ev := &ExceptionEvent{
		Err:        err,
		Message:    err.Error(),
		Class:      ExceptionClass(err),
		StackTrace: formatFrames(frames),
		Time:       time.Now(),
	}
	if len(frames) > 0 {
		ev.File = frames[0].File
		ev.Line = frames[0].Line
	}
	return ev
}

// NewMessage creates a message event
func NewMessage(message string, level Level) *MessageEvent {
	if level == "" {
		level = LevelInfo
	}
	return &MessageEvent{
		Message: message,
		Level:   level,
		Time:    time.Now(),
	}
}

// PanicError wraps a recovered panic value that is not an error
type PanicError struct {
	Value any
}

func (p *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", p.Value)
}

func (p *PanicError) ExceptionClass() string {
	return "panic"
}

// SendResult represents the result of a send operation
type SendResult struct {
	Success   bool   `json:"success"`
	ID        string `json:"id,omitempty"`
	Error     string `json:"error,omitempty"`
	RateLimit bool   `json:"rate_limit,omitempty"`
	Queued    bool   `json:"queued,omitempty"`
}

// ProbeResult is the outcome of a connectivity probe
type ProbeResult struct {
	Success    bool   `json:"success"`
	StatusCode int    `json:"status_code,omitempty"`
	Message    string `json:"message"`
}
