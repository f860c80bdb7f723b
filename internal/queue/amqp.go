package queue

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// AMQP publishes jobs to a durable queue. Delayed jobs go to a companion
// queue with a per-message TTL whose dead letters route back to the main
// queue.
type AMQP struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	queue   string
	delayed string
	workers int
	logger  *zap.Logger

	mu     sync.Mutex
	closed bool
}

// NewAMQP dials the broker and declares both queues
func NewAMQP(opts Options, logger *zap.Logger) (*AMQP, error) {
	conn, err := amqp.Dial(opts.AMQPURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	q := &AMQP{
		conn:    conn,
		channel: ch,
		queue:   firstNonEmpty(opts.Queue, "monitor"),
		workers: max(opts.Workers, 1),
		logger:  logger,
	}
	q.delayed = q.queue + ".delayed"

	if err := q.declare(); err != nil {
		_ = q.Close()
		return nil, err
	}

	return q, nil
}

func (q *AMQP) declare() error {
	_, err := q.channel.QueueDeclare(
		q.queue, // name
		true,    // durable
		false,   // delete when unused
		false,   // exclusive
		false,   // no-wait
		nil,     // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", q.queue, err)
	}

	_, err = q.channel.QueueDeclare(
		q.delayed,
		true,
		false,
		false,
		false,
		amqp.Table{
			"x-dead-letter-exchange":    "",
			"x-dead-letter-routing-key": q.queue,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", q.delayed, err)
	}

	return nil
}

func (q *AMQP) Name() string { return "amqp" }

func (q *AMQP) Push(ctx context.Context, job *Job) error {
	return q.publish(ctx, q.queue, job, "")
}

func (q *AMQP) Later(ctx context.Context, delay time.Duration, job *Job) error {
	if delay <= 0 {
		return q.Push(ctx, job)
	}
	job.NotBefore = time.Now().Add(delay)
	return q.publish(ctx, q.delayed, job, strconv.FormatInt(delay.Milliseconds(), 10))
}

func (q *AMQP) publish(ctx context.Context, routingKey string, job *Job, expiration string) error {
	data, err := encode(job)
	if err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrClosed
	}

	err = q.channel.PublishWithContext(
		ctx,
		"",         // default exchange
		routingKey, // routing key
		false,      // mandatory
		false,      // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    job.ID,
			Timestamp:    job.CreatedAt,
			Expiration:   expiration,
			Body:         data,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish job %s: %w", job.ID, err)
	}

	return nil
}

// Consume delivers messages to worker goroutines with manual acks
func (q *AMQP) Consume(ctx context.Context, handle Handler) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}

	if err := q.channel.Qos(q.workers, 0, false); err != nil {
		q.mu.Unlock()
		return fmt.Errorf("failed to set qos: %w", err)
	}

	msgs, err := q.channel.Consume(
		q.queue, // queue
		"",      // consumer tag
		false,   // auto-ack
		false,   // exclusive
		false,   // no-local
		false,   // no-wait
		nil,     // arguments
	)
	q.mu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to register consumer: %w", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < q.workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			q.worker(ctx, workerID, msgs, handle)
		}(i)
	}

	wg.Wait()
	return nil
}

func (q *AMQP) worker(ctx context.Context, workerID int, msgs <-chan amqp.Delivery, handle Handler) {
	logger := q.logger.With(zap.Int("worker_id", workerID))

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				logger.Debug("Consumer channel closed")
				return
			}

			job, err := decode(msg.Body)
			if err != nil {
				logger.Error("Dropping malformed job", zap.Error(err))
				_ = msg.Nack(false, false)
				continue
			}

			if err := handle(ctx, job); err != nil {
				logger.Error("Failed to process job",
					zap.String("job_id", job.ID),
					zap.String("kind", job.Kind),
					zap.Error(err))
			}

			if err := msg.Ack(false); err != nil {
				logger.Warn("Failed to ack job",
					zap.String("job_id", job.ID),
					zap.Error(err))
			}
		}
	}
}

// Size returns ready plus delayed messages
func (q *AMQP) Size(_ context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return 0, ErrClosed
	}

	var total int64
	for _, name := range []string{q.queue, q.delayed} {
		state, err := q.channel.QueueDeclarePassive(name, true, false, false, false, nil)
		if err != nil {
			return 0, fmt.Errorf("failed to inspect queue %s: %w", name, err)
		}
		total += int64(state.Messages)
	}

	return total, nil
}

func (q *AMQP) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil
	}
	q.closed = true

	var err error
	if q.channel != nil {
		err = multierr.Append(err, q.channel.Close())
	}
	if q.conn != nil {
		err = multierr.Append(err, q.conn.Close())
	}
	return err
}
