// monitor-test checks a monitor configuration end to end: configuration,
// collector connectivity, a real test event and the heartbeat endpoint.
// Every stage runs; the exit code is 1 when any of them failed.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	monitor "github.com/your-org/roadrunner-monitor"
)

func main() {
	ok, err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if !ok {
		os.Exit(1)
	}
}

func run() (bool, error) {
	var (
		configPath string
		appURL     string
		verbose    bool
	)

	flagSet := pflag.NewFlagSet("monitor-test", pflag.ContinueOnError)
	flagSet.StringVarP(&configPath, "config", "c", "", "path to a YAML config file (default: built-in defaults)")
	flagSet.StringVar(&appURL, "app-url", "http://localhost:8080", "base URL the heartbeat route is served under")
	flagSet.BoolVarP(&verbose, "verbose", "v", false, "print operational logs")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return true, nil
		}
		return false, err
	}

	cfg := monitor.DefaultConfig()
	if configPath != "" {
		loaded, err := monitor.LoadConfig(configPath)
		if err != nil {
			return false, err
		}
		cfg = loaded
	}
	cfg.ApplyEnv()
	cfg.InitDefaults()
	if err := cfg.Validate(); err != nil {
		return false, err
	}

	// The test event must go straight to the collector
	cfg.Queue.Enabled = false

	logger := zap.NewNop()
	if verbose {
		var err error
		if logger, err = zap.NewDevelopment(); err != nil {
			return false, err
		}
	}
	defer func() { _ = logger.Sync() }()

	m, err := monitor.New(cfg, logger)
	if err != nil {
		return false, err
	}
	defer func() { _ = m.Close() }()

	t := &tester{
		m:      m,
		cfg:    cfg,
		appURL: appURL,
		out:    color.Output,
	}

	color.Cyan("Testing monitoring integration...")
	fmt.Fprintln(t.out)

	ok := t.Run(context.Background())

	fmt.Fprintln(t.out)
	if !ok {
		color.Red("Some tests failed. Please check the errors above.")
		return false, nil
	}
	color.Green("All tests passed! Your integration is working correctly.")
	return true, nil
}
