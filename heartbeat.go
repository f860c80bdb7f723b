package monitor

import (
	"sort"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/your-org/roadrunner-monitor/health"
	"github.com/your-org/roadrunner-monitor/internal/queue"
)

// HeartbeatChecks builds the checks switched on in heartbeat.checks, in
// name order. Unknown names are skipped.
func (m *Monitor) HeartbeatChecks() []health.Check {
	names := make([]string, 0, len(m.config.Heartbeat.Checks))
	for name, enabled := range m.config.Heartbeat.Checks {
		if enabled {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	checks := make([]health.Check, 0, len(names))
	for _, name := range names {
		switch name {
		case "database":
			db := m.config.Heartbeat.Database
			checks = append(checks, health.NewDatabaseCheck(db.Driver, db.DSN))
		case "cache":
			checks = append(checks, health.NewCacheCheck(m.cacheClient()))
		case "queue":
			var sizer health.Sizer
			if m.queue != nil {
				sizer = m.queue
			}
			checks = append(checks, health.NewQueueCheck(sizer))
		default:
			m.logger.Warn("Unknown heartbeat check", zap.String("check", name))
		}
	}

	return checks
}

// HeartbeatHandler returns the heartbeat endpoint handler
func (m *Monitor) HeartbeatHandler() *health.Handler {
	return health.NewHandler(health.Options{
		Environment: m.config.Environment,
		AppVersion:  m.config.Heartbeat.AppVersion,
		Checks:      m.HeartbeatChecks(),
		Timeout:     m.config.Timeout,
		Logger:      m.logger.Named("heartbeat"),
	})
}

// cacheClient shares the queue's redis client when it points at the same
// server
func (m *Monitor) cacheClient() *redis.Client {
	m.cacheOnce.Do(func() {
		cfg := m.config.Heartbeat.Cache
		if rq, ok := m.queue.(*queue.Redis); ok && cfg == m.config.Queue.Redis {
			m.cache = rq.Client()
			return
		}
		m.cache = redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		})
		m.ownsCache = true
	})
	return m.cache
}
