package health

import (
	"context"
	"encoding/json"
	"net/http"
	"runtime"
	"time"

	"go.uber.org/zap"
)

const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"
	CheckOK        = "ok"
	CheckFail      = "fail"
)

// Response is the heartbeat body
type Response struct {
	Status         string            `json:"status"`
	Timestamp      string            `json:"timestamp"`
	RuntimeVersion string            `json:"runtime_version"`
	Environment    string            `json:"environment"`
	AppVersion     string            `json:"app_version,omitempty"`
	Checks         map[string]string `json:"checks,omitempty"`
}

// Options configures a Handler
type Options struct {
	Environment string
	AppVersion  string
	Checks      []Check
	// Per check deadline
	Timeout time.Duration
	Logger  *zap.Logger
}

// Handler serves the heartbeat: 200 when every check passes, 503 otherwise
type Handler struct {
	environment string
	appVersion  string
	checks      []Check
	timeout     time.Duration
	logger      *zap.Logger
	now         func() time.Time
}

// NewHandler creates a heartbeat handler
func NewHandler(opts Options) *Handler {
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	return &Handler{
		environment: opts.Environment,
		appVersion:  opts.AppVersion,
		checks:      opts.Checks,
		timeout:     opts.Timeout,
		logger:      opts.Logger,
		now:         time.Now,
	}
}

// Report runs every check and assembles the response
func (h *Handler) Report(ctx context.Context) Response {
	resp := Response{
		Status:         StatusOK,
		Timestamp:      h.now().UTC().Format(time.RFC3339),
		RuntimeVersion: runtime.Version(),
		Environment:    h.environment,
		AppVersion:     h.appVersion,
	}

	if len(h.checks) == 0 {
		return resp
	}

	resp.Checks = make(map[string]string, len(h.checks))
	for _, c := range h.checks {
		if h.run(ctx, c) {
			resp.Checks[c.Name()] = CheckOK
			continue
		}

		resp.Checks[c.Name()] = CheckFail
		resp.Status = StatusDegraded
		h.logger.Warn("Health check failed",
			zap.String("check", c.Name()),
			zap.String("message", c.Message()))
	}

	return resp
}

func (h *Handler) run(ctx context.Context, c Check) bool {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	return c.Check(ctx)
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	resp := h.Report(r.Context())

	code := http.StatusOK
	if resp.Status != StatusOK {
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(code)

	if r.Method == http.MethodHead {
		return
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.logger.Debug("Failed to write heartbeat response", zap.Error(err))
	}
}
