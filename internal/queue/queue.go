// Package queue provides the asynchronous job queues that carry reports from
// the capturing process to a worker that performs the HTTP delivery.
//
// Every backend stores a Job as JSON. Retry policy lives with the caller:
// a handler that wants another attempt calls Later with a delay and returns
// nil, so backends only need to acknowledge what they hand out.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrClosed = errors.New("queue is closed")
	ErrFull   = errors.New("queue is full")
)

// Job is a single delivery task
type Job struct {
	ID        string          `json:"id"`
	Kind      string          `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	Attempts  int             `json:"attempts"`
	MaxTries  int             `json:"max_tries"`
	Backoff   time.Duration   `json:"backoff"`
	CreatedAt time.Time       `json:"created_at"`
	NotBefore time.Time       `json:"not_before,omitempty"`
}

// NewJob creates a job for kind with a fresh id
func NewJob(kind string, payload json.RawMessage, maxTries int, backoff time.Duration) *Job {
	return &Job{
		ID:        uuid.NewString(),
		Kind:      kind,
		Payload:   payload,
		MaxTries:  maxTries,
		Backoff:   backoff,
		CreatedAt: time.Now().UTC(),
	}
}

// Handler processes a job. Returning an error only gets the job logged;
// re-delivery is requested through Later.
type Handler func(ctx context.Context, job *Job) error

// Queue is a job queue backend
type Queue interface {
	// Name returns the connection name
	Name() string
	// Push enqueues a job for immediate delivery
	Push(ctx context.Context, job *Job) error
	// Later enqueues a job that becomes visible after delay
	Later(ctx context.Context, delay time.Duration, job *Job) error
	// Consume runs handlers until ctx is done
	Consume(ctx context.Context, handle Handler) error
	// Size returns the number of waiting jobs
	Size(ctx context.Context) (int64, error)
	// Close releases connections
	Close() error
}

// Options configures a backend
type Options struct {
	Connection string
	Queue      string
	Workers    int
	BufferSize int

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	AMQPURL string

	KafkaBrokers []string
	KafkaGroupID string
}

// New creates the backend named by opts.Connection
func New(opts Options, logger *zap.Logger) (Queue, error) {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = 1000
	}

	switch opts.Connection {
	case "memory":
		return NewMemory(opts, logger), nil
	case "redis":
		return NewRedis(opts, logger), nil
	case "amqp":
		q, err := NewAMQP(opts, logger)
		if err != nil {
			return nil, err
		}
		return q, nil
	case "kafka":
		return NewKafka(opts, logger), nil
	default:
		return nil, fmt.Errorf("unknown queue connection %q", opts.Connection)
	}
}

func encode(job *Job) ([]byte, error) {
	data, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("failed to encode job %s: %w", job.ID, err)
	}
	return data, nil
}

func decode(data []byte) (*Job, error) {
	job := &Job{}
	if err := json.Unmarshal(data, job); err != nil {
		return nil, fmt.Errorf("failed to decode job: %w", err)
	}
	return job, nil
}

// waitUntil blocks until t or ctx is done
func waitUntil(ctx context.Context, t time.Time) error {
	d := time.Until(t)
	if d <= 0 {
		return nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
