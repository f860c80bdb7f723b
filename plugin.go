package monitor

import (
	"context"
	stderrors "errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/roadrunner-server/endure/v2/dep"
	"github.com/roadrunner-server/errors"
	"go.uber.org/zap"
)

// Plugin represents the main plugin structure
type Plugin struct {
	config  *Config
	logger  *zap.Logger
	monitor *Monitor

	heartbeat http.Handler
	server    *http.Server

	// Lifecycle
	stopCh chan struct{}
	doneCh chan struct{}
}

// Configurer interface for config plugin
type Configurer interface {
	UnmarshalKey(name string, out interface{}) error
	Has(name string) bool
}

// Logger interface for logger plugin
type Logger interface {
	NamedLogger(name string) *zap.Logger
}

// Reporter is the capture surface other plugins depend on
type Reporter interface {
	IsEnabled() bool
	CaptureException(ctx context.Context, err error, extra Map) string
	CaptureMessage(ctx context.Context, message string, level Level, extra Map) string
	SendLog(ctx context.Context, payload *Payload) string
	Flush(ctx context.Context) error
}

// Init initializes the plugin
func (p *Plugin) Init(cfg Configurer, log Logger) error {
	const op = errors.Op("monitor_plugin_init")

	if !cfg.Has(PluginName) {
		return errors.E(op, errors.Disabled)
	}

	config := DefaultConfig()
	if err := cfg.UnmarshalKey(PluginName, config); err != nil {
		return errors.E(op, err)
	}

	config.ApplyEnv()
	config.InitDefaults()
	if err := config.Validate(); err != nil {
		return errors.E(op, err)
	}

	if !config.Enabled {
		return errors.E(op, errors.Disabled)
	}

	p.config = config
	p.logger = log.NamedLogger(PluginName)

	m, err := New(config, p.logger)
	if err != nil {
		return errors.E(op, err)
	}
	p.monitor = m

	if config.Heartbeat.Enabled {
		p.heartbeat = m.HeartbeatHandler()
	}

	p.stopCh = make(chan struct{})
	p.doneCh = make(chan struct{})

	p.logger.Info("Monitor plugin initialized",
		zap.Bool("reporting", m.IsEnabled()),
		zap.String("environment", config.Environment),
		zap.Bool("queue", config.Queue.Enabled),
		zap.String("connection", config.Queue.Connection),
		zap.Bool("heartbeat", config.Heartbeat.Enabled))

	return nil
}

// Serve starts the plugin
func (p *Plugin) Serve() chan error {
	const op = errors.Op("monitor_plugin_serve")
	errCh := make(chan error, 1)

	if p.monitor == nil {
		errCh <- errors.E(op, errors.Str("plugin not initialized"))
		return errCh
	}

	if p.heartbeat != nil && p.config.Heartbeat.Address != "" {
		mux := http.NewServeMux()
		mux.Handle(p.config.Heartbeat.Route, p.heartbeat)
		p.server = &http.Server{
			Addr:              p.config.Heartbeat.Address,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}

		go func() {
			p.logger.Info("Heartbeat endpoint listening",
				zap.String("address", p.config.Heartbeat.Address),
				zap.String("route", p.config.Heartbeat.Route))
			if err := p.server.ListenAndServe(); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
				errCh <- errors.E(op, err)
			}
		}()
	}

	go func() {
		defer close(p.doneCh)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		// The memory backend lives in this process, so its worker does too
		workerDone := make(chan struct{})
		if q := p.monitor.Queue(); q != nil && q.Name() == "memory" {
			go func() {
				defer close(workerDone)
				if err := p.monitor.NewWorker().Run(ctx); err != nil {
					p.logger.Error("Queue worker stopped", zap.Error(err))
				}
			}()
		} else {
			close(workerDone)
		}

		go p.cleanupRoutine(ctx)

		p.logger.Info("Monitor plugin started")

		<-p.stopCh
		p.logger.Info("Monitor plugin stopping")

		cancel()
		<-workerDone

		p.shutdown()

		p.logger.Info("Monitor plugin stopped")
	}()

	return errCh
}

func (p *Plugin) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if p.server != nil {
		if err := p.server.Shutdown(ctx); err != nil {
			p.logger.Error("Error stopping heartbeat server", zap.Error(err))
		}
	}

	if n := p.monitor.reclaimQueued(); n > 0 {
		p.logger.Info("Delivering reports left in the memory queue",
			zap.Int("count", n))
	}

	if err := p.monitor.Flush(ctx); err != nil {
		p.logger.Warn("Some pending reports were not delivered", zap.Error(err))
	}

	if err := p.monitor.Close(); err != nil {
		p.logger.Error("Error closing monitor", zap.Error(err))
	}
}

// Stop stops the plugin
func (p *Plugin) Stop(ctx context.Context) error {
	if p.stopCh != nil {
		close(p.stopCh)
	}

	// Wait for graceful shutdown with timeout
	select {
	case <-p.doneCh:
		return nil
	case <-ctx.Done():
		p.logger.Warn("Plugin stop timed out")
		return ctx.Err()
	}
}

// Name returns the plugin name
func (p *Plugin) Name() string {
	return PluginName
}

// RPC returns the RPC interface
func (p *Plugin) RPC() interface{} {
	return NewRPC(p.monitor, p.logger)
}

// Provides returns the dependencies this plugin provides
func (p *Plugin) Provides() []*dep.Out {
	return []*dep.Out{
		dep.Bind((*Reporter)(nil), p.Reporter),
	}
}

// Reporter returns the capture surface
func (p *Plugin) Reporter() Reporter {
	return p.monitor
}

// Monitor returns the underlying monitor
func (p *Plugin) Monitor() *Monitor {
	return p.monitor
}

// Middleware serves the heartbeat route and reports panics of the wrapped
// handler. It plugs into the RoadRunner http middleware chain.
func (p *Plugin) Middleware(next http.Handler) http.Handler {
	wrapped := p.monitor.Middleware(next)
	if p.heartbeat == nil {
		return wrapped
	}

	route := p.config.Heartbeat.Route
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == route {
			p.heartbeat.ServeHTTP(w, r)
			return
		}
		wrapped.ServeHTTP(w, r)
	})
}

// MetricsCollector implements the metrics plugin collector interface
func (p *Plugin) MetricsCollector() []prometheus.Collector {
	return []prometheus.Collector{p.monitor.MetricsCollector()}
}

// cleanupRoutine performs periodic cleanup tasks
func (p *Plugin) cleanupRoutine(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if t, ok := p.monitor.Transport().(*HTTPTransport); ok {
				t.RateLimiter().CleanupExpired()
			}
		}
	}
}
