package monitor

import (
	"context"
	"encoding/json"
	stderrors "errors"

	"go.uber.org/zap"

	"github.com/your-org/roadrunner-monitor/internal/queue"
)

// Worker delivers queued reports. Each try is a single HTTP attempt; a
// failed one is put back on the queue with its backoff until the job's
// tries are spent, then the failure is logged once and the job is dropped.
type Worker struct {
	transport Transport
	queue     queue.Queue
	retry     *RetryPolicy
	metrics   *metricsCollector
	logger    *zap.Logger
}

// NewWorker creates a worker consuming q
func NewWorker(t Transport, q queue.Queue, retry *RetryPolicy, metrics *metricsCollector, logger *zap.Logger) *Worker {
	if metrics == nil {
		metrics = newMetricsCollector()
	}
	return &Worker{
		transport: t,
		queue:     q,
		retry:     retry,
		metrics:   metrics,
		logger:    logger,
	}
}

// Run consumes the queue until ctx is done
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("Queue worker started",
		zap.String("connection", w.queue.Name()))

	err := w.queue.Consume(ctx, w.Handle)

	w.logger.Info("Queue worker stopped",
		zap.String("connection", w.queue.Name()))
	return err
}

// Handle delivers one job. It never returns delivery failures.
func (w *Worker) Handle(ctx context.Context, job *queue.Job) error {
	kind := Kind(job.Kind)
	if kind != KindError && kind != KindLog {
		w.logger.Warn("Dropping job of unknown kind",
			zap.String("job_id", job.ID),
			zap.String("kind", job.Kind))
		return nil
	}

	payload := &Payload{}
	if err := json.Unmarshal(job.Payload, payload); err != nil {
		w.metrics.IncDropped()
		w.logger.Error("Dropping job with malformed payload",
			zap.String("job_id", job.ID),
			zap.Error(err))
		return nil
	}

	_, err := w.transport.Send(withSingleAttempt(ctx), kind, payload)
	if err == nil {
		return nil
	}

	job.Attempts++
	if job.Attempts < job.MaxTries && retryable(err) && ctx.Err() == nil {
		delay := job.Backoff
		if delay <= 0 {
			delay = w.retry.JobBackoff(job.Attempts)
		}

		laterErr := w.queue.Later(ctx, delay, job)
		if laterErr == nil {
			w.metrics.IncRetries()
			w.logger.Debug("Job released for retry",
				zap.String("job_id", job.ID),
				zap.Int("attempts", job.Attempts),
				zap.Duration("delay", delay))
			return nil
		}
		err = laterErr
	}

	w.metrics.IncFailed()
	w.metrics.IncDropped()
	w.logger.Error("Failed to send "+job.Kind+" report",
		zap.String("job_id", job.ID),
		zap.String("event_id", payload.EventID()),
		zap.Int("attempts", job.Attempts),
		zap.Error(err))

	return nil
}

func retryable(err error) bool {
	if stderrors.Is(err, ErrRateLimited) {
		return false
	}
	var te *TransportError
	if stderrors.As(err, &te) {
		return te.Retryable
	}
	return true
}
