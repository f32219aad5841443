package main

import (
	"bytes"
	"context"
	"os"
	"strings"
	"testing"

	"walletkeys/internal/health"
	"walletkeys/internal/operatorkeys"
	"walletkeys/internal/store"
)

func TestStatusHealthy(t *testing.T) {
	cfg := testConfig(t)
	cfg.Crypto.RecoveryPrivateKeyPath = ""

	keys, err := operatorkeys.Load(cfg.Crypto)
	if err != nil {
		t.Fatal(err)
	}
	st, err := store.Open(cfg.Storage.Path, store.WithIntegrityKey(keys.IntegrityKey()))
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()

	c := statusChecker(cfg, keys, nil, st, nil)
	c.Check(context.Background())

	var out bytes.Buffer
	if got := printReport(&out, c); got != health.StatusHealthy {
		t.Errorf("status %s, want healthy:\n%s", got, out.String())
	}
	for _, name := range []string{"operator keys", "database", "schema", "event history", "recovery folder"} {
		if !strings.Contains(out.String(), name) {
			t.Errorf("report missing %q:\n%s", name, out.String())
		}
	}
}

func TestStatusWarnsAboutPrivateKey(t *testing.T) {
	cfg := testConfig(t)

	keys, err := operatorkeys.Load(cfg.Crypto)
	if err != nil {
		t.Fatal(err)
	}
	st, err := store.Open(cfg.Storage.Path, store.WithIntegrityKey(keys.IntegrityKey()))
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()

	c := statusChecker(cfg, keys, nil, st, nil)
	c.Check(context.Background())
	if got := c.OverallStatus(); got != health.StatusDegraded {
		t.Errorf("status %s, want degraded", got)
	}
}

func TestStatusMissingKeys(t *testing.T) {
	cfg := testConfig(t)
	if err := os.Remove(cfg.Crypto.GlobalKeyPath); err != nil {
		t.Fatal(err)
	}

	keys, keysErr := operatorkeys.Load(cfg.Crypto)
	if keysErr == nil {
		t.Fatal("expected load error")
	}
	st, err := store.Open(cfg.Storage.Path)
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()

	c := statusChecker(cfg, keys, keysErr, st, nil)
	c.Check(context.Background())

	var out bytes.Buffer
	if got := printReport(&out, c); got != health.StatusUnhealthy {
		t.Errorf("status %s, want unhealthy", got)
	}
	if !strings.Contains(out.String(), "✗ operator keys") {
		t.Errorf("operator keys failure not reported:\n%s", out.String())
	}
}
