package monitor

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"sync"

	"github.com/roadrunner-server/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/your-org/roadrunner-monitor/internal/queue"
)

type pendingReport struct {
	kind    Kind
	payload *Payload
}

// Dispatcher picks synchronous or queued delivery and owns the pending
// reports buffer drained by Flush
type Dispatcher struct {
	transport Transport
	queue     queue.Queue
	queued    bool
	retry     *RetryPolicy
	metrics   *metricsCollector
	logger    *zap.Logger

	mu         sync.Mutex
	pending    []pendingReport
	maxPending int
}

// NewDispatcher creates a dispatcher. With queued set and a nil q, every
// report lands in the pending buffer until Flush.
func NewDispatcher(t Transport, q queue.Queue, queued bool, retry *RetryPolicy, maxPending int, metrics *metricsCollector, logger *zap.Logger) *Dispatcher {
	if metrics == nil {
		metrics = newMetricsCollector()
	}
	return &Dispatcher{
		transport:  t,
		queue:      q,
		queued:     queued,
		retry:      retry,
		metrics:    metrics,
		logger:     logger,
		maxPending: maxPending,
	}
}

// Queued reports whether delivery goes through the queue
func (d *Dispatcher) Queued() bool {
	return d.queued
}

// Deliver sends the payload inline, or hands it to the queue and returns an
// empty id. A payload the queue refuses is kept for Flush.
func (d *Dispatcher) Deliver(ctx context.Context, kind Kind, payload *Payload) (string, error) {
	const op = errors.Op("monitor_deliver")

	if !d.queued {
		return d.transport.Send(ctx, kind, payload)
	}

	if d.queue == nil {
		d.Defer(kind, payload)
		return "", nil
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return "", errors.E(op, err)
	}

	job := queue.NewJob(string(kind), data, d.retry.Attempts(), d.retry.JobBackoff(1))
	if err := d.queue.Push(ctx, job); err != nil {
		d.logger.Warn("Queue unavailable, keeping report for flush",
			zap.String("kind", string(kind)),
			zap.String("event_id", payload.EventID()),
			zap.String("connection", d.queue.Name()),
			zap.Error(err))
		d.Defer(kind, payload)

		switch {
		case stderrors.Is(err, queue.ErrFull):
			return "", errors.E(op, ErrQueueFull)
		case stderrors.Is(err, queue.ErrClosed):
			return "", errors.E(op, ErrQueueClosed)
		default:
			return "", errors.E(op, err)
		}
	}

	d.metrics.IncQueued()
	d.logger.Debug("Report queued",
		zap.String("kind", string(kind)),
		zap.String("event_id", payload.EventID()),
		zap.String("job_id", job.ID))

	return "", nil
}

// Defer appends a payload to the pending buffer. When the buffer is at
// capacity the oldest entry is dropped.
func (d *Dispatcher) Defer(kind Kind, payload *Payload) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.maxPending > 0 && len(d.pending) >= d.maxPending {
		dropped := d.pending[0]
		d.pending = d.pending[1:]
		d.metrics.IncDropped()
		d.logger.Warn("Pending buffer full, dropping oldest report",
			zap.String("event_id", dropped.payload.EventID()))
	}

	d.pending = append(d.pending, pendingReport{kind: kind, payload: payload})
}

// Reclaim decodes jobs taken back from an in-process queue into the pending
// buffer and returns how many were kept.
func (d *Dispatcher) Reclaim(jobs []*queue.Job) int {
	kept := 0
	for _, job := range jobs {
		kind := Kind(job.Kind)
		if kind != KindError && kind != KindLog {
			d.metrics.IncDropped()
			continue
		}
		payload := &Payload{}
		if err := json.Unmarshal(job.Payload, payload); err != nil {
			d.metrics.IncDropped()
			d.logger.Warn("Dropping queued job with malformed payload",
				zap.String("job_id", job.ID),
				zap.Error(err))
			continue
		}
		d.Defer(kind, payload)
		kept++
	}
	return kept
}

// Pending returns the number of buffered reports
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return len(d.pending)
}

// Flush sends every buffered payload synchronously and clears the buffer
// whatever the outcome. The returned error combines individual failures.
func (d *Dispatcher) Flush(ctx context.Context) error {
	d.mu.Lock()
	reports := d.pending
	d.pending = nil
	d.mu.Unlock()

	if len(reports) == 0 {
		return nil
	}

	var err error
	sent := 0
	for _, r := range reports {
		if _, sendErr := d.transport.Send(ctx, r.kind, r.payload); sendErr != nil {
			err = multierr.Append(err, sendErr)
			continue
		}
		sent++
	}

	d.logger.Debug("Pending reports flushed",
		zap.Int("total", len(reports)),
		zap.Int("sent", sent))

	return err
}
