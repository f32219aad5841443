package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"walletkeys/internal/config"
	"walletkeys/internal/health"
	"walletkeys/internal/logging"
)

// statusFunc runs the status checks for one configuration.
type statusFunc func(ctx context.Context, cfg *config.Config) *health.Checker

// cmdMonitor re-runs the status checks on an interval until interrupted.
// The config file is watched: logging.level changes apply to the running
// process, and every other section is picked up by the next check run.
func cmdMonitor(args []string) error {
	fs := flag.NewFlagSet("monitor", flag.ExitOnError)
	interval := fs.Duration("interval", time.Minute, "time between status runs")
	fs.Parse(args)

	if *interval <= 0 {
		return fmt.Errorf("interval must be positive, got %s", *interval)
	}

	loader := config.NewLoader(*configPath)
	cfg, err := loader.Load()
	if err != nil {
		return fmt.Errorf("load config %s: %w", loader.Path(), err)
	}
	pinned := *logLevel != ""
	if pinned {
		cfg.Logging.Level = *logLevel
	}

	log, err := newLogger(cfg.Logging)
	if err != nil {
		return err
	}
	defer log.Close()
	logging.SetDefault(log)

	loader.OnChange(applyLogLevel(log, pinned))
	if err := loader.Watch(); err != nil {
		return fmt.Errorf("watch config: %w", err)
	}
	defer loader.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		select {
		case <-sigChan:
			cancel()
		case <-ctx.Done():
		}
	}()

	fmt.Printf("Monitoring %s every %s\n", loader.Path(), *interval)
	fmt.Println("Press Ctrl+C to stop")

	return runMonitor(ctx, loader, log, *interval, os.Stdout, checkStatus)
}

// applyLogLevel returns a reload callback that moves log to the reloaded
// logging.level. A level pinned by -log-level is left alone.
func applyLogLevel(log *logging.Logger, pinned bool) func(*config.Config) {
	return func(cfg *config.Config) {
		if pinned {
			log.Debug("config reloaded, log level pinned by -log-level")
			return
		}
		level, err := logging.ParseLevel(cfg.Logging.Level)
		if err != nil {
			log.Warn("config reloaded with unusable log level", "level", cfg.Logging.Level, "error", err)
			return
		}
		if level == log.Level() {
			log.Debug("config reloaded")
			return
		}
		log.Info("log level changed", "from", log.Level().String(), "to", level.String())
		log.SetLevel(level)
	}
}

func runMonitor(ctx context.Context, loader *config.Loader, log *logging.Logger, interval time.Duration, out io.Writer, check statusFunc) error {
	log = log.WithComponent("monitor")

	var last health.Status
	run := func() {
		c := check(ctx, loader.Config())
		status := c.OverallStatus()

		for _, r := range c.Report() {
			if r.Status != health.StatusHealthy {
				log.Warn("check not healthy", "check", r.Name, "status", string(r.Status),
					"message", r.Message, "error", r.Error)
			}
		}

		if status != last {
			if last != "" {
				log.Info("status changed", "from", string(last), "to", string(status))
			}
			fmt.Fprintf(out, "[%s] Status: %s\n", time.Now().Format("15:04:05"), status)
			last = status
		}
	}

	run()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("monitor stopped")
			return nil

		case err := <-loader.Errors():
			log.Warn("config reload failed", "error", err)

		case <-ticker.C:
			run()
		}
	}
}
