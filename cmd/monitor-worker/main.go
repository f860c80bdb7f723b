// monitor-worker consumes the report queue and delivers each job to the
// collector, re-queueing failed deliveries until their tries are spent.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	monitor "github.com/your-org/roadrunner-monitor"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath string
		connection string
		queueName  string
		workers    int
	)

	flagSet := pflag.NewFlagSet("monitor-worker", pflag.ContinueOnError)
	flagSet.StringVarP(&configPath, "config", "c", "", "path to a YAML config file")
	flagSet.StringVar(&connection, "connection", "", "queue connection: redis, amqp or kafka (overrides config)")
	flagSet.StringVar(&queueName, "queue", "", "queue name (overrides config)")
	flagSet.IntVar(&workers, "workers", 0, "concurrent consumers (overrides config)")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}

	cfg := monitor.DefaultConfig()
	if configPath != "" {
		loaded, err := monitor.LoadConfig(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	cfg.ApplyEnv()

	if connection != "" {
		cfg.Queue.Connection = connection
	}
	if queueName != "" {
		cfg.Queue.Queue = queueName
	}
	if workers > 0 {
		cfg.Queue.Workers = workers
	}
	cfg.Queue.Enabled = true

	cfg.InitDefaults()
	if err := cfg.Validate(); err != nil {
		return err
	}
	if cfg.Queue.Connection == "memory" {
		return errors.New("the memory queue is consumed inside the capturing process")
	}

	logger, err := newLogger(cfg.Logging.Level)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	m, err := monitor.New(cfg, logger.Named("monitor-worker"))
	if err != nil {
		return err
	}
	defer func() {
		if err := m.Close(); err != nil {
			logger.Warn("Error closing monitor", zap.Error(err))
		}
	}()

	if m.Queue() == nil {
		return fmt.Errorf("queue connection %q is unavailable", cfg.Queue.Connection)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return m.NewWorker().Run(ctx)
}

func newLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if lvl, err := zapcore.ParseLevel(level); err == nil {
		cfg.Level = zap.NewAtomicLevelAt(lvl)
	}
	return cfg.Build()
}
