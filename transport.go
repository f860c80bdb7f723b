package monitor

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/roadrunner-server/errors"
	"go.uber.org/zap"
)

const (
	userAgent       = "rr-monitor/1.0.0"
	maxResponseBody = 1 << 20
)

// Transport delivers payloads to the collector
type Transport interface {
	Send(ctx context.Context, kind Kind, payload *Payload) (string, error)
	Probe(ctx context.Context) ProbeResult
}

type singleAttemptKey struct{}

// withSingleAttempt makes Send try once and log its failure at debug level.
// Queue workers use it: each job try is one attempt.
func withSingleAttempt(ctx context.Context) context.Context {
	return context.WithValue(ctx, singleAttemptKey{}, true)
}

// nopTransport stands in when no collector endpoint is configured
type nopTransport struct{}

func (nopTransport) Send(context.Context, Kind, *Payload) (string, error) {
	return "", ErrDisabled
}

func (nopTransport) Probe(context.Context) ProbeResult {
	return ProbeResult{Success: false, Message: "endpoint is not configured"}
}

// HTTPTransport handles HTTP communication with the collector
type HTTPTransport struct {
	config      *Config
	endpoint    *Endpoint
	client      *http.Client
	logger      *zap.Logger
	rateLimiter *RateLimiter
	retry       *RetryPolicy
	metrics     *metricsCollector
	sleep       SleepFunc
}

// NewHTTPTransport creates a new HTTP transport
func NewHTTPTransport(config *Config, logger *zap.Logger, metrics *metricsCollector) (*HTTPTransport, error) {
	const op = errors.Op("monitor_http_transport")

	endpoint, err := ParseEndpoint(config.Endpoint)
	if err != nil {
		return nil, errors.E(op, err)
	}

	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        100,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: config.Transport.Insecure, //nolint:gosec
		},
	}

	// Configure proxy if specified
	if config.Transport.Proxy != "" {
		proxyURL, err := url.Parse(config.Transport.Proxy)
		if err != nil {
			return nil, errors.E(op, fmt.Errorf("invalid proxy URL: %w", err))
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}

	if metrics == nil {
		metrics = newMetricsCollector()
	}

	return &HTTPTransport{
		config:   config,
		endpoint: endpoint,
		client: &http.Client{
			Transport: transport,
			Timeout:   config.Timeout,
		},
		logger:      logger,
		rateLimiter: NewRateLimiter(logger),
		retry:       NewRetryPolicy(&config.Retry, 0),
		metrics:     metrics,
		sleep:       sleepContext,
	}, nil
}

// SetSleep replaces the pause between attempts
func (t *HTTPTransport) SetSleep(sleep SleepFunc) {
	t.sleep = sleep
}

// SetHTTPClient replaces the underlying client
func (t *HTTPTransport) SetHTTPClient(client *http.Client) {
	t.client = client
}

// RateLimiter returns the rate limiter
func (t *HTTPTransport) RateLimiter() *RateLimiter {
	return t.rateLimiter
}

// Send posts a payload to the path for kind and returns the collector id
func (t *HTTPTransport) Send(ctx context.Context, kind Kind, payload *Payload) (string, error) {
	return t.send(ctx, kind, kind.Path(), payload, payload.EventID())
}

// SendError posts to the errors path
func (t *HTTPTransport) SendError(ctx context.Context, payload *Payload) (string, error) {
	return t.Send(ctx, KindError, payload)
}

// SendLog posts to the logs path
func (t *HTTPTransport) SendLog(ctx context.Context, payload *Payload) (string, error) {
	return t.Send(ctx, KindLog, payload)
}

// SendLogs posts several log payloads in one request
func (t *HTTPTransport) SendLogs(ctx context.Context, payloads []*Payload) (string, error) {
	logs := make(List, 0, len(payloads))
	for _, p := range payloads {
		logs = append(logs, p.Body())
	}
	return t.send(ctx, KindLog, PathLogs, Map{"logs": logs}, "")
}

// send runs the attempt loop. Attempts are strictly sequential; the pause
// between them comes from the retry policy and there is none after the last.
func (t *HTTPTransport) send(ctx context.Context, kind Kind, path string, body any, eventID string) (string, error) {
	if until := t.rateLimiter.DisabledUntil(kind); !until.IsZero() {
		t.metrics.IncDropped()
		t.logger.Warn("Report dropped, collector rate limit in effect",
			zap.String("kind", string(kind)),
			zap.String("event_id", eventID),
			zap.Time("disabled_until", until))
		return "", ErrRateLimited
	}

	data, encoding, err := t.encode(body)
	if err != nil {
		t.metrics.IncFailed()
		t.logger.Error("Failed to encode report",
			zap.String("kind", string(kind)),
			zap.String("event_id", eventID),
			zap.Error(err))
		return "", &TransportError{Attempts: 0, Err: err}
	}

	target := t.endpoint.URL(path)
	attempts := t.retry.Attempts()
	single := ctx.Value(singleAttemptKey{}) != nil
	if single {
		attempts = 1
	}

	var (
		lastErr   error
		status    int
		retryable = true
		made      int
	)

	for attempt := 1; attempt <= attempts; attempt++ {
		made = attempt

		id, err := t.attempt(ctx, kind, target, data, encoding, eventID)
		if err == nil {
			t.metrics.IncSent()
			t.logger.Debug("Report sent",
				zap.String("kind", string(kind)),
				zap.String("event_id", eventID),
				zap.String("id", id),
				zap.Int("attempt", attempt))
			return id, nil
		}

		lastErr = err

		var se *statusError
		if stderrors.As(err, &se) {
			status = se.code
			retryable = se.retryable()
		}
		if stderrors.Is(err, ErrRateLimited) {
			retryable = false
		}
		if !retryable || attempt == attempts {
			break
		}

		t.metrics.IncRetries()
		backoff := t.retry.Backoff(attempt)
		t.logger.Debug("Report attempt failed, retrying",
			zap.String("kind", string(kind)),
			zap.String("event_id", eventID),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", backoff),
			zap.Error(err))

		if err := t.sleep(ctx, backoff); err != nil {
			lastErr = err
			retryable = false
			break
		}
	}

	if single {
		t.logger.Debug("Report attempt failed",
			zap.String("kind", string(kind)),
			zap.String("event_id", eventID),
			zap.Int("status_code", status),
			zap.Error(lastErr))
	} else {
		t.metrics.IncFailed()
		t.logger.Error("Failed to send report",
			zap.String("kind", string(kind)),
			zap.String("event_id", eventID),
			zap.Int("attempts", made),
			zap.Int("status_code", status),
			zap.Error(lastErr))
	}

	return "", &TransportError{
		Attempts:   made,
		StatusCode: status,
		Retryable:  retryable,
		Err:        lastErr,
	}
}

// encode serializes body and compresses it when configured
func (t *HTTPTransport) encode(body any) ([]byte, string, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, "", fmt.Errorf("failed to encode payload: %w", err)
	}

	if !t.config.Transport.Compression {
		return data, "", nil
	}

	var buf bytes.Buffer
	gzipWriter := gzip.NewWriter(&buf)
	if _, err := gzipWriter.Write(data); err != nil {
		return nil, "", fmt.Errorf("failed to compress payload: %w", err)
	}
	if err := gzipWriter.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to close gzip writer: %w", err)
	}

	return buf.Bytes(), "gzip", nil
}

// attempt performs a single POST
func (t *HTTPTransport) attempt(ctx context.Context, kind Kind, target string, data []byte, encoding, eventID string) (string, error) {
	if t.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.config.Timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	t.setHeaders(req)
	req.Header.Set("Content-Type", "application/json")
	if encoding != "" {
		req.Header.Set("Content-Encoding", encoding)
	}
	if eventID != "" {
		req.Header.Set("X-Monitor-Event-Id", eventID)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		t.logger.Warn("Failed to read response body",
			zap.String("event_id", eventID),
			zap.Error(err))
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return responseID(respBody), nil
	}

	if t.rateLimiter.HandleResponse(kind, resp) {
		return "", fmt.Errorf("%w: %w", ErrRateLimited, &statusError{code: resp.StatusCode, body: string(respBody)})
	}

	return "", &statusError{code: resp.StatusCode, body: string(respBody)}
}

func (t *HTTPTransport) setHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+t.config.APIKey)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)
}

// responseID extracts the optional id field of a collector response
func responseID(body []byte) string {
	if len(bytes.TrimSpace(body)) == 0 {
		return ""
	}

	v, err := DecodeJSON(body)
	if err != nil {
		return ""
	}
	m, ok := v.(Map)
	if !ok {
		return ""
	}

	switch id := m["id"].(type) {
	case String:
		return string(id)
	case Number:
		return string(id)
	default:
		return ""
	}
}

// Probe issues a single GET to the health path
func (t *HTTPTransport) Probe(ctx context.Context) ProbeResult {
	if t.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.config.Timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.endpoint.HealthURL, nil)
	if err != nil {
		return ProbeResult{Success: false, Message: err.Error()}
	}
	t.setHeaders(req)

	resp, err := t.client.Do(req)
	if err != nil {
		return ProbeResult{Success: false, Message: err.Error()}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBody))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return ProbeResult{Success: true, StatusCode: resp.StatusCode, Message: "Connection successful"}
	}

	return ProbeResult{
		Success:    false,
		StatusCode: resp.StatusCode,
		Message:    fmt.Sprintf("HTTP %d", resp.StatusCode),
	}
}

// Close closes the transport
func (t *HTTPTransport) Close() error {
	if t.client != nil {
		t.client.CloseIdleConnections()
	}
	return nil
}
