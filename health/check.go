// Package health implements the heartbeat endpoint polled by the collector
// and the dependency checks it reports on.
package health

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/redis/go-redis/v9"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// Check is a single dependency probe
type Check interface {
	// Name is the key used in the heartbeat checks object
	Name() string
	// Check runs the probe
	Check(ctx context.Context) bool
	// Message describes the last failure, empty after a pass
	Message() string
}

// result keeps the last failure message of a check
type result struct {
	mu  sync.Mutex
	msg string
}

func (r *result) set(err error) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err == nil {
		r.msg = ""
		return true
	}
	r.msg = err.Error()
	return false
}

func (r *result) Message() string {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.msg
}

// DatabaseCheck opens a connection and runs a trivial query
type DatabaseCheck struct {
	result
	driver string
	dsn    string
}

// NewDatabaseCheck creates a database check. driver is postgres or sqlite;
// for sqlite dsn is the database path.
func NewDatabaseCheck(driver, dsn string) *DatabaseCheck {
	return &DatabaseCheck{driver: driver, dsn: dsn}
}

func (c *DatabaseCheck) Name() string { return "database" }

func (c *DatabaseCheck) Check(ctx context.Context) bool {
	return c.set(c.ping(ctx))
}

func (c *DatabaseCheck) ping(ctx context.Context) error {
	if c.dsn == "" {
		return errors.New("database dsn is not configured")
	}

	switch c.driver {
	case "postgres", "pgx":
		conn, err := pgx.Connect(ctx, c.dsn)
		if err != nil {
			return err
		}
		defer conn.Close(context.Background())
		return conn.Ping(ctx)

	case "sqlite", "sqlite3":
		conn, err := sqlite.OpenConn(c.dsn, sqlite.OpenReadWrite|sqlite.OpenCreate|sqlite.OpenURI)
		if err != nil {
			return err
		}
		defer conn.Close()
		conn.SetInterrupt(ctx.Done())

		var one int64
		err = sqlitex.ExecuteTransient(conn, "SELECT 1", &sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				one = stmt.ColumnInt64(0)
				return nil
			},
		})
		if err != nil {
			return err
		}
		if one != 1 {
			return fmt.Errorf("unexpected result %d", one)
		}
		return nil

	default:
		return fmt.Errorf("unsupported database driver %q", c.driver)
	}
}

// CacheCheck writes, reads back and deletes a random key
type CacheCheck struct {
	result
	client *redis.Client
	ttl    time.Duration
}

// NewCacheCheck creates a cache check on client
func NewCacheCheck(client *redis.Client) *CacheCheck {
	return &CacheCheck{client: client, ttl: 10 * time.Second}
}

func (c *CacheCheck) Name() string { return "cache" }

func (c *CacheCheck) Check(ctx context.Context) bool {
	return c.set(c.roundTrip(ctx))
}

func (c *CacheCheck) roundTrip(ctx context.Context) error {
	if c.client == nil {
		return errors.New("cache is not configured")
	}

	key := "_monitor_health_check_" + uuid.NewString()
	value := fmt.Sprintf("test_%d", time.Now().Unix())

	if err := c.client.Set(ctx, key, value, c.ttl).Err(); err != nil {
		return err
	}
	got, err := c.client.Get(ctx, key).Result()
	_ = c.client.Del(ctx, key).Err()
	if err != nil {
		return err
	}
	if got != value {
		return errors.New("cache read/write verification failed")
	}
	return nil
}

// Sizer is a queue that can report its backlog
type Sizer interface {
	Size(ctx context.Context) (int64, error)
}

// QueueCheck asks the queue connection for its size
type QueueCheck struct {
	result
	queue Sizer
}

// NewQueueCheck creates a queue check. A nil queue always fails.
func NewQueueCheck(q Sizer) *QueueCheck {
	return &QueueCheck{queue: q}
}

func (c *QueueCheck) Name() string { return "queue" }

func (c *QueueCheck) Check(ctx context.Context) bool {
	if c.queue == nil {
		return c.set(errors.New("queue is not configured"))
	}
	_, err := c.queue.Size(ctx)
	return c.set(err)
}

// Func adapts a function into a Check
type Func struct {
	result
	name string
	fn   func(ctx context.Context) error
}

// NewFunc creates a named check from fn
func NewFunc(name string, fn func(ctx context.Context) error) *Func {
	return &Func{name: name, fn: fn}
}

func (c *Func) Name() string { return c.name }

func (c *Func) Check(ctx context.Context) bool {
	return c.set(c.fn(ctx))
}
