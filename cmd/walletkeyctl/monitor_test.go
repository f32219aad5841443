package main

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"walletkeys/internal/config"
	"walletkeys/internal/health"
	"walletkeys/internal/logging"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newBufferLogger(t *testing.T, w *syncBuffer) *logging.Logger {
	t.Helper()
	lc := logging.DefaultConfig()
	lc.Writer = w
	log, err := logging.New(lc)
	if err != nil {
		t.Fatal(err)
	}
	return log
}

func TestApplyLogLevel(t *testing.T) {
	var buf syncBuffer
	log := newBufferLogger(t, &buf)

	cfg := config.DefaultConfig()
	cfg.Logging.Level = "debug"

	applyLogLevel(log, true)(cfg)
	if log.Level() != logging.LevelInfo {
		t.Errorf("pinned level changed to %v", log.Level())
	}

	applyLogLevel(log, false)(cfg)
	if log.Level() != logging.LevelDebug {
		t.Errorf("level = %v, want debug", log.Level())
	}

	cfg.Logging.Level = "loud"
	applyLogLevel(log, false)(cfg)
	if log.Level() != logging.LevelDebug {
		t.Errorf("unparsable level changed the logger to %v", log.Level())
	}
	if !strings.Contains(buf.String(), "unusable log level") {
		t.Errorf("unparsable level not reported: %s", buf.String())
	}
}

func TestRunMonitorFollowsConfigFile(t *testing.T) {
	cfg := testConfig(t)
	cfg.Logging.Level = "info"
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := config.Save(cfg, path); err != nil {
		t.Fatal(err)
	}

	loader := config.NewLoader(path)
	defer loader.Close()
	if _, err := loader.Load(); err != nil {
		t.Fatal(err)
	}

	var logs syncBuffer
	log := newBufferLogger(t, &logs)

	loader.OnChange(applyLogLevel(log, false))
	if err := loader.Watch(); err != nil {
		t.Fatalf("Watch failed: %v", err)
	}

	// The first run reports degraded, later runs healthy.
	seen := make(chan string, 1024)
	var runs int
	check := func(ctx context.Context, c *config.Config) *health.Checker {
		runs++
		status := health.StatusHealthy
		if runs == 1 {
			status = health.StatusDegraded
		}
		seen <- c.Logging.Level

		hc := health.NewChecker()
		hc.RegisterFunc("records", false, func(ctx context.Context) health.CheckResult {
			return health.CheckResult{Status: status, Message: "fixed"}
		})
		hc.Check(ctx)
		return hc
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var out bytes.Buffer
	done := make(chan error, 1)
	go func() { done <- runMonitor(ctx, loader, log, 10*time.Millisecond, &out, check) }()

	waitFor := func(level string) {
		t.Helper()
		deadline := time.After(5 * time.Second)
		for {
			select {
			case got := <-seen:
				if got == level {
					return
				}
			case <-deadline:
				t.Fatalf("no check run saw logging.level %q", level)
			}
		}
	}

	waitFor("info")

	cfg.Logging.Level = "debug"
	if err := config.Save(cfg, path); err != nil {
		t.Fatal(err)
	}
	waitFor("debug")

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("runMonitor returned %v", err)
	}

	if log.Level() != logging.LevelDebug {
		t.Errorf("log level = %v after reload, want debug", log.Level())
	}
	for _, want := range []string{"Status: degraded", "Status: healthy"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("output missing %q:\n%s", want, out.String())
		}
	}
	for _, want := range []string{"check not healthy", "status changed", "log level changed", "monitor stopped"} {
		if !strings.Contains(logs.String(), want) {
			t.Errorf("logs missing %q:\n%s", want, logs.String())
		}
	}
}

func TestRunMonitorChecksRealStatus(t *testing.T) {
	cfg := testConfig(t)
	cfg.Crypto.RecoveryPrivateKeyPath = ""
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := config.Save(cfg, path); err != nil {
		t.Fatal(err)
	}

	loader := config.NewLoader(path)
	defer loader.Close()
	if _, err := loader.Load(); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	var out bytes.Buffer
	done := make(chan error, 1)
	go func() {
		done <- runMonitor(ctx, loader, logging.Discard(), time.Hour, &out, func(ctx context.Context, c *config.Config) *health.Checker {
			defer cancel()
			return checkStatus(ctx, c)
		})
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("monitor did not stop")
	}

	if !strings.Contains(out.String(), "Status: healthy") {
		t.Errorf("unexpected monitor output:\n%s", out.String())
	}
}
