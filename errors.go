package monitor

import (
	"fmt"
)

// Custom errors
var (
	ErrQueueClosed = &PluginError{Op: "queue_push", Code: "queue_closed", Message: "queue is closed"}
	ErrQueueFull   = &PluginError{Op: "queue_push", Code: "queue_full", Message: "queue is full"}
	ErrRateLimited = &PluginError{Op: "transport_send", Code: "rate_limited", Message: "collector rate limit in effect"}
	ErrDisabled    = &PluginError{Op: "monitor", Code: "disabled", Message: "monitor is disabled"}
)

// PluginError represents a plugin-specific error
type PluginError struct {
	Op      string
	Code    string
	Message string
}

func (e *PluginError) Error() string {
	return e.Message
}

// TransportError describes a failed delivery after all attempts
type TransportError struct {
	Attempts   int
	StatusCode int
	Retryable  bool
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("delivery failed after %d attempt(s): HTTP %d: %v", e.Attempts, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("delivery failed after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// statusError is a non-2xx collector response
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.code, e.body)
}

// retryable reports whether another attempt could succeed
func (e *statusError) retryable() bool {
	switch {
	case e.code == 408, e.code == 429:
		return true
	case e.code >= 400 && e.code < 500:
		return false
	default:
		return true
	}
}
