package monitor

import (
	"context"
	"io"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/roadrunner-server/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/your-org/roadrunner-monitor/internal/queue"
)

// Option customizes a Monitor
type Option func(*options)

type options struct {
	types      map[string]ErrorMatcher
	rand       *rand.Rand
	transport  Transport
	queue      queue.Queue
	sleep      SleepFunc
	httpClient *http.Client
}

// WithErrorType registers a name usable in ignored_exceptions
func WithErrorType(name string, match ErrorMatcher) Option {
	return func(o *options) {
		o.types[name] = match
	}
}

// WithRand sets the sampling random source
func WithRand(r *rand.Rand) Option {
	return func(o *options) {
		o.rand = r
	}
}

// WithTransport replaces the HTTP transport
func WithTransport(t Transport) Option {
	return func(o *options) {
		o.transport = t
	}
}

// WithQueue sets the queue used when queueing is enabled
func WithQueue(q queue.Queue) Option {
	return func(o *options) {
		o.queue = q
	}
}

// WithSleep replaces the pause between HTTP attempts
func WithSleep(sleep SleepFunc) Option {
	return func(o *options) {
		o.sleep = sleep
	}
}

// WithHTTPClient replaces the HTTP client of the default transport
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) {
		o.httpClient = c
	}
}

// Monitor captures exceptions, messages and log records and delivers them
// to the collector. Capture methods never fail: suppressed or undelivered
// reports yield an empty id.
type Monitor struct {
	config     *Config
	logger     *zap.Logger
	gate       *Gate
	builder    *Builder
	store      *ContextStore
	transport  Transport
	queue      queue.Queue
	dispatcher *Dispatcher
	metrics    *metricsCollector

	cacheOnce sync.Once
	cache     *redis.Client
	ownsCache bool
}

// New creates a Monitor. cfg is expected to have defaults applied and be
// validated.
func New(cfg *Config, logger *zap.Logger, opts ...Option) (*Monitor, error) {
	const op = errors.Op("monitor_new")

	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Logging.Level != "" {
		if lvl, err := zapcore.ParseLevel(cfg.Logging.Level); err == nil {
			logger = logger.WithOptions(zap.IncreaseLevel(lvl))
		}
	}

	o := &options{types: builtinErrorTypes()}
	for _, opt := range opts {
		opt(o)
	}

	m := &Monitor{
		config:  cfg,
		logger:  logger,
		store:   NewContextStore(),
		metrics: newMetricsCollector(),
	}

	m.gate = NewGate(cfg, o.types, o.rand, logger)
	m.builder = NewBuilder(cfg, logger)

	m.transport = o.transport
	if m.transport == nil && cfg.Endpoint == "" {
		// reports are suppressed by the gate; nothing is dialled
		m.transport = nopTransport{}
	}
	if m.transport == nil {
		t, err := NewHTTPTransport(cfg, logger, m.metrics)
		if err != nil {
			return nil, errors.E(op, err)
		}
		if o.sleep != nil {
			t.SetSleep(o.sleep)
		}
		if o.httpClient != nil {
			t.SetHTTPClient(o.httpClient)
		}
		m.transport = t
	}

	m.queue = o.queue
	if cfg.Queue.Enabled && m.queue == nil {
		q, err := queue.New(queueOptions(cfg), logger.Named("queue"))
		if err != nil {
			logger.Warn("Queue unavailable, reports are kept until flush",
				zap.String("connection", cfg.Queue.Connection),
				zap.Error(err))
		} else {
			m.queue = q
		}
	}

	m.dispatcher = NewDispatcher(
		m.transport,
		m.queue,
		cfg.Queue.Enabled,
		NewRetryPolicy(&cfg.Retry, 0),
		cfg.Queue.BufferSize,
		m.metrics,
		logger,
	)

	return m, nil
}

func queueOptions(cfg *Config) queue.Options {
	return queue.Options{
		Connection:    cfg.Queue.Connection,
		Queue:         cfg.Queue.Queue,
		Workers:       cfg.Queue.Workers,
		BufferSize:    cfg.Queue.BufferSize,
		RedisAddr:     cfg.Queue.Redis.Addr,
		RedisPassword: cfg.Queue.Redis.Password,
		RedisDB:       cfg.Queue.Redis.DB,
		AMQPURL:       cfg.Queue.AMQP.URL,
		KafkaBrokers:  cfg.Queue.Kafka.Brokers,
		KafkaGroupID:  cfg.Queue.Kafka.GroupID,
	}
}

// IsEnabled reports whether reports are sent at all
func (m *Monitor) IsEnabled() bool {
	return m.gate.Enabled()
}

// ShouldSample draws once from the sampler
func (m *Monitor) ShouldSample() bool {
	return m.gate.Sample()
}

// CaptureException reports err with the caller's stack. extra is merged
// over the stored context.
func (m *Monitor) CaptureException(ctx context.Context, err error, extra Map) string {
	if err == nil {
		return ""
	}
	return m.capture(ctx, NewException(err, 1), extra)
}

// CaptureMessage reports an explicit message
func (m *Monitor) CaptureMessage(ctx context.Context, message string, level Level, extra Map) string {
	return m.capture(ctx, NewMessage(message, level), extra)
}

func (m *Monitor) capture(ctx context.Context, ev Event, extra Map) string {
	if reason := m.gate.Decide(ev); reason != ReasonNone {
		m.metrics.IncSuppressed(reason)
		return ""
	}

	payload := m.builder.Build(ev, m.store.Snapshot(), capturedFrom(ctx), extra)
	m.metrics.IncReports(KindError)

	return m.deliver(ctx, KindError, payload)
}

// Log reports a log record to the logs path
func (m *Monitor) Log(ctx context.Context, level Level, message string, at time.Time, fields Map) string {
	if !m.gate.Enabled() {
		m.metrics.IncSuppressed(ReasonDisabled)
		return ""
	}

	payload := m.builder.BuildLog(message, level, at, fields, m.store.Snapshot())
	m.metrics.IncReports(KindLog)

	return m.deliver(ctx, KindLog, payload)
}

// SendLog delivers a prepared log payload
func (m *Monitor) SendLog(ctx context.Context, payload *Payload) string {
	if !m.gate.Enabled() {
		m.metrics.IncSuppressed(ReasonDisabled)
		return ""
	}
	return m.deliver(ctx, KindLog, payload)
}

func (m *Monitor) deliver(ctx context.Context, kind Kind, payload *Payload) string {
	id, err := m.dispatcher.Deliver(ctx, kind, payload)
	if err != nil {
		m.logger.Debug("Report not delivered",
			zap.String("kind", string(kind)),
			zap.String("event_id", payload.EventID()),
			zap.Error(err))
		return ""
	}
	return id
}

// Recover must be deferred directly. It reports a panic, flushes pending
// reports and re-panics with the original value.
func (m *Monitor) Recover(ctx context.Context) {
	r := recover()
	if r == nil {
		return
	}

	m.capture(ctx, newException(panicError(r), callers(0, true)), nil)
	if err := m.Flush(ctx); err != nil {
		m.logger.Debug("Flush after panic failed", zap.Error(err))
	}

	panic(r)
}

func panicError(r any) error {
	if err, ok := r.(error); ok {
		return err
	}
	return &PanicError{Value: r}
}

// SetUser replaces the stored user
func (m *Monitor) SetUser(user Map) *Monitor {
	m.store.SetUser(user)
	return m
}

// User returns the stored user
func (m *Monitor) User() Map {
	return m.store.User()
}

// SetContext upserts a named context bucket
func (m *Monitor) SetContext(key string, data Map) *Monitor {
	m.store.SetContext(key, data)
	return m
}

// Context returns the stored context buckets
func (m *Monitor) Context() Map {
	return m.store.Context()
}

// SetTags merges tags into the stored tags
func (m *Monitor) SetTags(tags map[string]string) *Monitor {
	m.store.SetTags(tags)
	return m
}

// Tags returns the stored tags
func (m *Monitor) Tags() map[string]string {
	return m.store.Tags()
}

// Store returns the context store
func (m *Monitor) Store() *ContextStore {
	return m.store
}

// Flush sends buffered reports synchronously
func (m *Monitor) Flush(ctx context.Context) error {
	return m.dispatcher.Flush(ctx)
}

// drainer is a queue living in this process that hands back unhandled jobs
type drainer interface {
	Drain() []*queue.Job
}

// reclaimQueued closes an in-process queue and moves its leftover jobs to
// the pending buffer so Flush delivers them. Other backends keep their jobs.
func (m *Monitor) reclaimQueued() int {
	q, ok := m.queue.(drainer)
	if !ok {
		return 0
	}
	return m.dispatcher.Reclaim(q.Drain())
}

// Probe checks collector connectivity
func (m *Monitor) Probe(ctx context.Context) ProbeResult {
	return m.transport.Probe(ctx)
}

// Config returns the monitor configuration
func (m *Monitor) Config() *Config {
	return m.config
}

// Transport returns the transport
func (m *Monitor) Transport() Transport {
	return m.transport
}

// Queue returns the queue, nil when delivery is synchronous or the
// backend could not be created
func (m *Monitor) Queue() queue.Queue {
	return m.queue
}

// Dispatcher returns the delivery dispatcher
func (m *Monitor) Dispatcher() *Dispatcher {
	return m.dispatcher
}

// NewWorker returns a worker delivering jobs from the monitor's queue
func (m *Monitor) NewWorker() *Worker {
	return NewWorker(m.transport, m.queue, NewRetryPolicy(&m.config.Retry, 0), m.metrics, m.logger.Named("worker"))
}

// Stats returns the delivery counters
func (m *Monitor) Stats() Stats {
	return m.metrics.snapshot()
}

// MetricsCollector returns the prometheus collector for delivery counters
func (m *Monitor) MetricsCollector() prometheus.Collector {
	return m.metrics
}

// Close releases the queue and transport
func (m *Monitor) Close() error {
	var err error
	if m.ownsCache && m.cache != nil {
		err = multierr.Append(err, m.cache.Close())
	}
	if m.queue != nil {
		err = multierr.Append(err, m.queue.Close())
	}
	if c, ok := m.transport.(io.Closer); ok {
		err = multierr.Append(err, c.Close())
	}
	return err
}
