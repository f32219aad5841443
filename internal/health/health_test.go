package health

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"
)

func TestCheckerAggregation(t *testing.T) {
	c := NewChecker()
	c.RegisterFunc("keys", true, func(ctx context.Context) CheckResult {
		return CheckResult{Status: StatusHealthy}
	})
	c.RegisterFunc("archive", false, func(ctx context.Context) CheckResult {
		return CheckResult{Status: StatusUnhealthy}
	})

	if got := c.OverallStatus(); got != StatusUnknown {
		t.Errorf("before checks: %s, want %s", got, StatusUnknown)
	}

	results := c.Check(context.Background())
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if got := c.OverallStatus(); got != StatusDegraded {
		t.Errorf("non-critical failure: %s, want %s", got, StatusDegraded)
	}

	c.RegisterFunc("database", true, DatabaseCheck(func(ctx context.Context) error {
		return errors.New("locked")
	}))
	c.Check(context.Background())
	if got := c.OverallStatus(); got != StatusUnhealthy {
		t.Errorf("critical failure: %s, want %s", got, StatusUnhealthy)
	}

	report := c.Report()
	if len(report) != 3 || report[0].Name != "archive" || report[2].Name != "keys" {
		t.Errorf("report not sorted by name: %+v", report)
	}
	if !report[1].Critical || report[1].Error != "locked" {
		t.Errorf("database result: %+v", report[1])
	}
}

func TestCheckerTimeoutAndPanic(t *testing.T) {
	c := NewChecker()
	c.Register(&Component{
		Name:    "slow",
		Timeout: 20 * time.Millisecond,
		Check: func(ctx context.Context) CheckResult {
			<-ctx.Done()
			time.Sleep(10 * time.Millisecond)
			return CheckResult{Status: StatusHealthy}
		},
	})
	c.RegisterFunc("broken", false, func(ctx context.Context) CheckResult {
		panic("boom")
	})

	results := c.Check(context.Background())
	if results["slow"].Status != StatusUnhealthy || results["slow"].Message != "check timed out" {
		t.Errorf("slow check: %+v", results["slow"])
	}
	if results["broken"].Status != StatusUnhealthy || results["broken"].Error != "boom" {
		t.Errorf("panicking check: %+v", results["broken"])
	}
}

func TestSecretFileCheck(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "global.key")
	if err := os.WriteFile(path, []byte("00"), 0600); err != nil {
		t.Fatal(err)
	}

	if r := SecretFileCheck(path)(context.Background()); r.Status != StatusHealthy {
		t.Errorf("private file: %+v", r)
	}
	if r := SecretFileCheck(filepath.Join(dir, "missing"))(context.Background()); r.Status != StatusUnhealthy {
		t.Errorf("missing file: %+v", r)
	}

	if runtime.GOOS != "windows" {
		if err := os.Chmod(path, 0644); err != nil {
			t.Fatal(err)
		}
		if r := SecretFileCheck(path)(context.Background()); r.Status != StatusDegraded {
			t.Errorf("world-readable file: %+v", r)
		}
	}
}

func TestWritableDirCheck(t *testing.T) {
	dir := t.TempDir()
	if r := WritableDirCheck(dir)(context.Background()); r.Status != StatusHealthy {
		t.Errorf("temp dir: %+v", r)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("probe file left behind: %v", entries)
	}

	if r := WritableDirCheck(filepath.Join(dir, "nope"))(context.Background()); r.Status != StatusUnhealthy {
		t.Errorf("missing dir: %+v", r)
	}
}

func TestCustomCheck(t *testing.T) {
	ok := CustomCheck(func(ctx context.Context) error { return nil })
	if r := ok(context.Background()); r.Status != StatusHealthy {
		t.Errorf("passing check: %+v", r)
	}
	bad := CustomCheck(func(ctx context.Context) error { return errors.New("chain break") })
	if r := bad(context.Background()); r.Status != StatusUnhealthy || r.Error != "chain break" {
		t.Errorf("failing check: %+v", r)
	}
}
