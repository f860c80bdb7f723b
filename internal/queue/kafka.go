package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const (
	kafkaMinBytes = 1
	kafkaMaxBytes = 10_000_000 // 10MB
)

// Kafka writes jobs to a topic keyed by job id. Delayed jobs are written
// with NotBefore set and the reader holds them until they are due, which
// also holds back the rest of that partition.
type Kafka struct {
	brokers []string
	topic   string
	groupID string
	workers int
	writer  *kafka.Writer
	logger  *zap.Logger

	mu      sync.Mutex
	readers []*kafka.Reader
	closed  bool
}

// NewKafka creates a kafka backed queue. Connections are opened lazily.
func NewKafka(opts Options, logger *zap.Logger) *Kafka {
	topic := firstNonEmpty(opts.Queue, "monitor")

	return &Kafka{
		brokers: opts.KafkaBrokers,
		topic:   topic,
		groupID: firstNonEmpty(opts.KafkaGroupID, "monitor-worker"),
		workers: max(opts.Workers, 1),
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(opts.KafkaBrokers...),
			Topic:                  topic,
			Balancer:               &kafka.Hash{},
			BatchTimeout:           10 * time.Millisecond,
			RequiredAcks:           kafka.RequireOne,
			AllowAutoTopicCreation: true,
		},
		logger: logger,
	}
}

func (k *Kafka) Name() string { return "kafka" }

func (k *Kafka) Push(ctx context.Context, job *Job) error {
	return k.write(ctx, job)
}

func (k *Kafka) Later(ctx context.Context, delay time.Duration, job *Job) error {
	if delay > 0 {
		job.NotBefore = time.Now().Add(delay)
	}
	return k.write(ctx, job)
}

func (k *Kafka) write(ctx context.Context, job *Job) error {
	k.mu.Lock()
	closed := k.closed
	k.mu.Unlock()
	if closed {
		return ErrClosed
	}

	data, err := encode(job)
	if err != nil {
		return err
	}

	err = k.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(job.ID),
		Value: data,
		Time:  job.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("failed to write job %s: %w", job.ID, err)
	}
	return nil
}

// Consume starts one group reader per worker
func (k *Kafka) Consume(ctx context.Context, handle Handler) error {
	k.mu.Lock()
	if k.closed {
		k.mu.Unlock()
		return ErrClosed
	}

	readers := make([]*kafka.Reader, 0, k.workers)
	for i := 0; i < k.workers; i++ {
		readers = append(readers, kafka.NewReader(kafka.ReaderConfig{
			Brokers:  k.brokers,
			GroupID:  k.groupID,
			Topic:    k.topic,
			MinBytes: kafkaMinBytes,
			MaxBytes: kafkaMaxBytes,
			MaxWait:  500 * time.Millisecond,
		}))
	}
	k.readers = append(k.readers, readers...)
	k.mu.Unlock()

	var wg sync.WaitGroup
	for i, r := range readers {
		wg.Add(1)
		go func(workerID int, r *kafka.Reader) {
			defer wg.Done()
			k.readLoop(ctx, workerID, r, handle)
		}(i, r)
	}

	wg.Wait()
	return nil
}

func (k *Kafka) readLoop(ctx context.Context, workerID int, r *kafka.Reader, handle Handler) {
	logger := k.logger.With(zap.Int("worker_id", workerID))

	for {
		msg, err := r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return
			}
			logger.Warn("Kafka fetch failed", zap.Error(err))
			if waitUntil(ctx, time.Now().Add(time.Second)) != nil {
				return
			}
			continue
		}

		job, err := decode(msg.Value)
		if err != nil {
			logger.Error("Dropping malformed job",
				zap.Int("partition", msg.Partition),
				zap.Int64("offset", msg.Offset),
				zap.Error(err))
		} else {
			if !job.NotBefore.IsZero() {
				if err := waitUntil(ctx, job.NotBefore); err != nil {
					return
				}
			}
			if err := handle(ctx, job); err != nil {
				logger.Error("Failed to process job",
					zap.String("job_id", job.ID),
					zap.String("kind", job.Kind),
					zap.Error(err))
			}
		}

		if err := r.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			logger.Warn("Failed to commit offset",
				zap.Int64("offset", msg.Offset),
				zap.Error(err))
		}
	}
}

// Size reports the messages retained in partition 0 of the topic, which
// is the whole backlog for the single partition topics this queue creates
func (k *Kafka) Size(ctx context.Context) (int64, error) {
	if len(k.brokers) == 0 {
		return 0, errors.New("no kafka brokers configured")
	}

	conn, err := kafka.DialLeader(ctx, "tcp", k.brokers[0], k.topic, 0)
	if err != nil {
		return 0, fmt.Errorf("failed to dial partition leader: %w", err)
	}
	defer conn.Close()

	first, last, err := conn.ReadOffsets()
	if err != nil {
		return 0, fmt.Errorf("failed to read offsets: %w", err)
	}

	return last - first, nil
}

func (k *Kafka) Close() error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.closed {
		return nil
	}
	k.closed = true

	err := k.writer.Close()
	for _, r := range k.readers {
		err = multierr.Append(err, r.Close())
	}
	k.readers = nil
	return err
}
