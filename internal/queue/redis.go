package queue

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	redisPopTimeout   = time.Second
	redisMigrateEvery = time.Second
)

// Redis keeps ready jobs in a list and delayed jobs in a sorted set scored
// by their due time in unix milliseconds
type Redis struct {
	rdb     *redis.Client
	key     string
	delayed string
	workers int
	logger  *zap.Logger
}

// NewRedis creates a redis backed queue
func NewRedis(opts Options, logger *zap.Logger) *Redis {
	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.RedisAddr,
		Password: opts.RedisPassword,
		DB:       opts.RedisDB,
	})
	return newRedis(rdb, opts, logger)
}

func newRedis(rdb *redis.Client, opts Options, logger *zap.Logger) *Redis {
	key := redisKey(opts.Queue)
	return &Redis{
		rdb:     rdb,
		key:     key,
		delayed: key + ":delayed",
		workers: opts.Workers,
		logger:  logger,
	}
}

func redisKey(queue string) string {
	return "queues:" + firstNonEmpty(queue, "monitor")
}

func (r *Redis) Name() string { return "redis" }

// Client exposes the underlying client, shared with the cache check
func (r *Redis) Client() *redis.Client { return r.rdb }

func (r *Redis) Push(ctx context.Context, job *Job) error {
	data, err := encode(job)
	if err != nil {
		return err
	}
	return r.rdb.LPush(ctx, r.key, data).Err()
}

func (r *Redis) Later(ctx context.Context, delay time.Duration, job *Job) error {
	if delay <= 0 {
		return r.Push(ctx, job)
	}

	job.NotBefore = time.Now().Add(delay)
	data, err := encode(job)
	if err != nil {
		return err
	}

	return r.rdb.ZAdd(ctx, r.delayed, redis.Z{
		Score:  float64(job.NotBefore.UnixMilli()),
		Member: string(data),
	}).Err()
}

// Consume runs the pop loops and the delayed job migration until ctx is done
func (r *Redis) Consume(ctx context.Context, handle Handler) error {
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		r.migrateLoop(ctx)
	}()

	for i := 0; i < max(r.workers, 1); i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			r.popLoop(ctx, workerID, handle)
		}(i)
	}

	wg.Wait()
	return nil
}

func (r *Redis) popLoop(ctx context.Context, workerID int, handle Handler) {
	logger := r.logger.With(zap.Int("worker_id", workerID))

	for ctx.Err() == nil {
		res, err := r.rdb.BRPop(ctx, redisPopTimeout, r.key).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || ctx.Err() != nil {
				continue
			}
			logger.Warn("Redis pop failed", zap.Error(err))
			_ = waitUntil(ctx, time.Now().Add(redisPopTimeout))
			continue
		}
		if len(res) != 2 {
			continue
		}

		job, err := decode([]byte(res[1]))
		if err != nil {
			logger.Error("Dropping malformed job", zap.Error(err))
			continue
		}

		if err := handle(ctx, job); err != nil {
			logger.Error("Failed to process job",
				zap.String("job_id", job.ID),
				zap.String("kind", job.Kind),
				zap.Error(err))
		}
	}
}

func (r *Redis) migrateLoop(ctx context.Context) {
	ticker := time.NewTicker(redisMigrateEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n, err := r.migrate(ctx, now); err != nil {
				if ctx.Err() == nil {
					r.logger.Warn("Failed to migrate delayed jobs", zap.Error(err))
				}
			} else if n > 0 {
				r.logger.Debug("Moved delayed jobs to queue", zap.Int("count", n))
			}
		}
	}
}

// migrate moves due delayed jobs onto the ready list. A job is moved only
// by the consumer whose ZREM removed it.
func (r *Redis) migrate(ctx context.Context, now time.Time) (int, error) {
	due, err := r.rdb.ZRangeByScore(ctx, r.delayed, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return 0, err
	}

	moved := 0
	for _, member := range due {
		removed, err := r.rdb.ZRem(ctx, r.delayed, member).Result()
		if err != nil {
			return moved, err
		}
		if removed == 0 {
			continue
		}
		if err := r.rdb.LPush(ctx, r.key, member).Err(); err != nil {
			return moved, err
		}
		moved++
	}

	return moved, nil
}

// Size returns ready plus delayed jobs
func (r *Redis) Size(ctx context.Context) (int64, error) {
	ready, err := r.rdb.LLen(ctx, r.key).Result()
	if err != nil {
		return 0, err
	}
	delayed, err := r.rdb.ZCard(ctx, r.delayed).Result()
	if err != nil {
		return 0, err
	}
	return ready + delayed, nil
}

func (r *Redis) Close() error {
	return r.rdb.Close()
}

func firstNonEmpty(s, def string) string {
	if s != "" {
		return s
	}
	return def
}
