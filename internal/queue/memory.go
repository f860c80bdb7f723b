package queue

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Memory is an in-process queue served by worker goroutines. Jobs do not
// survive the process.
type Memory struct {
	jobs    chan *Job
	retries chan *Job
	workers int
	tick    time.Duration
	logger  *zap.Logger

	pending atomic.Int64
	wg      sync.WaitGroup
	mu      sync.RWMutex
	closed  bool

	// delayed jobs the retry scheduler held when it stopped
	heldMu sync.Mutex
	held   []*Job
}

// NewMemory creates an in-process queue
func NewMemory(opts Options, logger *zap.Logger) *Memory {
	buffer := opts.BufferSize
	if buffer <= 0 {
		buffer = 1000
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = 1
	}

	return &Memory{
		jobs:    make(chan *Job, buffer),
		retries: make(chan *Job, buffer/2+1),
		workers: workers,
		tick:    time.Second,
		logger:  logger,
	}
}

func (m *Memory) Name() string { return "memory" }

// Push adds a job without blocking
func (m *Memory) Push(_ context.Context, job *Job) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return ErrClosed
	}

	select {
	case m.jobs <- job:
		return nil
	default:
		m.logger.Warn("Memory queue is full, dropping job",
			zap.String("job_id", job.ID))
		return ErrFull
	}
}

// Later hands the job to the retry scheduler
func (m *Memory) Later(ctx context.Context, delay time.Duration, job *Job) error {
	if delay <= 0 {
		return m.Push(ctx, job)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return ErrClosed
	}

	job.NotBefore = time.Now().Add(delay)

	select {
	case m.retries <- job:
		m.pending.Add(1)
		return nil
	default:
		m.logger.Warn("Retry queue is full, dropping job",
			zap.String("job_id", job.ID))
		return ErrFull
	}
}

// Consume starts the workers and the retry scheduler and blocks until ctx
// is done and every worker has returned
func (m *Memory) Consume(ctx context.Context, handle Handler) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrClosed
	}
	m.mu.RUnlock()

	for i := 0; i < m.workers; i++ {
		m.wg.Add(1)
		go m.worker(ctx, i, handle)
	}

	m.wg.Add(1)
	go m.retryScheduler(ctx)

	<-ctx.Done()
	m.wg.Wait()

	return nil
}

// worker processes jobs from the queue
func (m *Memory) worker(ctx context.Context, workerID int, handle Handler) {
	defer m.wg.Done()

	logger := m.logger.With(zap.Int("worker_id", workerID))

	for {
		select {
		case <-ctx.Done():
			return

		case job, ok := <-m.jobs:
			if !ok {
				return
			}
			if err := handle(ctx, job); err != nil {
				logger.Error("Failed to process job",
					zap.String("job_id", job.ID),
					zap.String("kind", job.Kind),
					zap.Error(err))
			}
		}
	}
}

// retryScheduler moves due jobs back onto the main queue
func (m *Memory) retryScheduler(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.tick)
	defer ticker.Stop()

	pendingRetries := make([]*Job, 0)
	defer func() {
		m.heldMu.Lock()
		m.held = append(m.held, pendingRetries...)
		m.heldMu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case job, ok := <-m.retries:
			if !ok {
				return
			}
			pendingRetries = append(pendingRetries, job)

		case <-ticker.C:
			m.mu.RLock()
			if m.closed {
				m.mu.RUnlock()
				return
			}

			now := time.Now()
			kept := pendingRetries[:0]
			moved := 0

			for _, job := range pendingRetries {
				if now.Before(job.NotBefore) {
					kept = append(kept, job)
					continue
				}

				select {
				case m.jobs <- job:
					moved++
					m.pending.Add(-1)
				default:
					m.logger.Warn("Main queue full, keeping job in retry queue",
						zap.String("job_id", job.ID))
					kept = append(kept, job)
				}
			}

			m.mu.RUnlock()
			pendingRetries = kept

			if moved > 0 {
				m.logger.Debug("Moved jobs from retry queue to main queue",
					zap.Int("count", moved))
			}
		}
	}
}

// Size returns queued plus delayed jobs
func (m *Memory) Size(_ context.Context) (int64, error) {
	return int64(len(m.jobs)) + m.pending.Load(), nil
}

// Drain closes the queue and returns the jobs nobody handled: buffered
// ones first, then delayed ones. Call it once the consumers have returned.
func (m *Memory) Drain() []*Job {
	m.mu.Lock()
	if !m.closed {
		m.closed = true
		close(m.jobs)
		close(m.retries)
	}
	m.mu.Unlock()

	var left []*Job
	for job := range m.jobs {
		left = append(left, job)
	}

	m.heldMu.Lock()
	left = append(left, m.held...)
	m.held = nil
	m.heldMu.Unlock()

	for job := range m.retries {
		left = append(left, job)
	}
	m.pending.Store(0)

	return left
}

// Close stops accepting jobs. Running consumers exit once their context is
// done or the channels drain.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true

	close(m.jobs)
	close(m.retries)

	return nil
}
