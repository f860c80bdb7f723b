package monitor

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// RemoteError is an exception reported by a worker process over RPC
type RemoteError struct {
	Class   string
	Message string
}

func (e *RemoteError) Error() string {
	return e.Message
}

func (e *RemoteError) ExceptionClass() string {
	return e.Class
}

// ExceptionRequest is an exception raised in a worker
type ExceptionRequest struct {
	Class      string         `json:"exception_class"`
	Message    string         `json:"message"`
	File       string         `json:"file"`
	Line       int            `json:"line"`
	StackTrace string         `json:"stack_trace"`
	Context    map[string]any `json:"context"`
}

// MessageRequest is an explicit message
type MessageRequest struct {
	Message string         `json:"message"`
	Level   string         `json:"level"`
	Context map[string]any `json:"context"`
}

// LogRequest is a log record
type LogRequest struct {
	Level    string         `json:"level"`
	Message  string         `json:"message"`
	Context  map[string]any `json:"context"`
	LoggedAt string         `json:"logged_at"`
}

// RPC provides RPC methods for PHP communication
type RPC struct {
	monitor *Monitor
	logger  *zap.Logger
}

// NewRPC creates a new RPC instance
func NewRPC(m *Monitor, logger *zap.Logger) *RPC {
	return &RPC{
		monitor: m,
		logger:  logger,
	}
}

// CaptureException reports an exception raised in a worker
func (r *RPC) CaptureException(in *ExceptionRequest, result *SendResult) error {
	r.logger.Debug("Received exception via RPC",
		zap.String("class", in.Class))

	ev := &ExceptionEvent{
		Err:        &RemoteError{Class: in.Class, Message: in.Message},
		Message:    in.Message,
		Class:      in.Class,
		File:       in.File,
		Line:       in.Line,
		StackTrace: in.StackTrace,
		Time:       time.Now(),
	}

	id := r.monitor.capture(context.Background(), ev, MapOf(in.Context))
	*result = r.result(id)
	return nil
}

// CaptureMessage reports an explicit message
func (r *RPC) CaptureMessage(in *MessageRequest, result *SendResult) error {
	r.logger.Debug("Received message via RPC",
		zap.String("level", in.Level))

	level := LevelInfo
	if in.Level != "" {
		level = ParseLevel(in.Level)
	}

	id := r.monitor.CaptureMessage(context.Background(), in.Message, level, MapOf(in.Context))
	*result = r.result(id)
	return nil
}

// SendLog reports a log record
func (r *RPC) SendLog(in *LogRequest, result *SendResult) error {
	at := time.Now()
	if in.LoggedAt != "" {
		if t, err := time.Parse(time.RFC3339, in.LoggedAt); err == nil {
			at = t
		}
	}

	id := r.monitor.Log(context.Background(), ParseLevel(in.Level), in.Message, at, MapOf(in.Context))
	*result = r.result(id)
	return nil
}

// Flush sends buffered reports and returns how many were pending
func (r *RPC) Flush(_ bool, flushed *int) error {
	*flushed = r.monitor.Dispatcher().Pending()

	if err := r.monitor.Flush(context.Background()); err != nil {
		r.logger.Warn("Flush via RPC left undelivered reports", zap.Error(err))
	}
	return nil
}

// Stats returns the delivery counters
func (r *RPC) Stats(_ bool, stats *Stats) error {
	*stats = r.monitor.Stats()
	return nil
}

func (r *RPC) result(id string) SendResult {
	switch {
	case id != "":
		return SendResult{Success: true, ID: id}
	case !r.monitor.IsEnabled():
		return SendResult{Success: false, Error: ErrDisabled.Error()}
	case r.monitor.Dispatcher().Queued():
		return SendResult{Success: true, Queued: true}
	default:
		return SendResult{Success: false}
	}
}
