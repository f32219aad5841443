package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"walletkeys/internal/config"
	"walletkeys/internal/health"
	"walletkeys/internal/operatorkeys"
	"walletkeys/internal/store"
)

// statusChecker registers the diagnostics for cfg. keys and st may be nil
// when they could not be opened; their checks then report the failure.
func statusChecker(cfg *config.Config, keys *operatorkeys.Keys, keysErr error, st *store.Store, storeErr error) *health.Checker {
	c := health.NewChecker()

	c.RegisterFunc("global key file", true, health.SecretFileCheck(cfg.Crypto.GlobalKeyPath))
	c.RegisterFunc("operator keys", true, health.CustomCheck(func(ctx context.Context) error {
		return keysErr
	}))

	if cfg.Crypto.RecoveryPrivateKeyPath != "" {
		c.RegisterFunc("recovery private key", false, func(ctx context.Context) health.CheckResult {
			return health.CheckResult{
				Status:  health.StatusDegraded,
				Message: "recovery private key is configured on this host; keep it offline when not resetting",
				Details: map[string]any{"path": cfg.Crypto.RecoveryPrivateKeyPath},
			}
		})
	}

	c.RegisterFunc("recovery folder", false, health.WritableDirCheck(cfg.Recovery.Folder))

	if st == nil {
		c.RegisterFunc("database", true, health.CustomCheck(func(ctx context.Context) error {
			return storeErr
		}))
		return c
	}

	c.RegisterFunc("database", true, health.DatabaseCheck(st.Ping))
	c.RegisterFunc("schema", true, health.CustomCheck(func(ctx context.Context) error {
		v, err := st.SchemaVersion(ctx)
		if err != nil {
			return err
		}
		if v != store.LatestSchemaVersion() {
			return fmt.Errorf("schema version %d, expected %d", v, store.LatestSchemaVersion())
		}
		return nil
	}))
	c.RegisterFunc("event history", keys != nil, func(ctx context.Context) health.CheckResult {
		n, err := st.VerifyEvents(ctx)
		if err != nil {
			return health.CheckResult{Status: health.StatusUnhealthy, Message: "history verification failed", Error: err.Error()}
		}
		msg := fmt.Sprintf("%d event(s) verified", n)
		if keys == nil {
			return health.CheckResult{Status: health.StatusDegraded, Message: msg + " without MACs (operator keys unavailable)"}
		}
		return health.CheckResult{Status: health.StatusHealthy, Message: msg}
	})
	c.RegisterFunc("records", false, func(ctx context.Context) health.CheckResult {
		n, err := st.CountRecords(ctx)
		if err != nil {
			return health.CheckResult{Status: health.StatusUnhealthy, Error: err.Error()}
		}
		return health.CheckResult{Status: health.StatusHealthy, Message: fmt.Sprintf("%d key record(s)", n)}
	})

	return c
}

func printReport(w io.Writer, c *health.Checker) health.Status {
	fmt.Fprintln(w, "=== walletkeys Status ===")
	fmt.Fprintln(w)
	for _, r := range c.Report() {
		mark := "✓"
		switch r.Status {
		case health.StatusDegraded:
			mark = "!"
		case health.StatusUnhealthy, health.StatusUnknown:
			mark = "✗"
		}
		line := fmt.Sprintf("%s %-22s %s", mark, r.Name, r.Message)
		if r.Error != "" {
			line += ": " + r.Error
		}
		fmt.Fprintln(w, strings.TrimRight(line, " "))
	}

	status := c.OverallStatus()
	fmt.Fprintln(w)
	fmt.Fprintf(w, "Overall: %s\n", status)
	return status
}

// checkStatus opens the operator keys and the store for cfg, runs every
// check and releases them again.
func checkStatus(ctx context.Context, cfg *config.Config) *health.Checker {
	keys, keysErr := operatorkeys.Load(cfg.Crypto)
	if keys != nil {
		defer keys.Destroy()
	}

	opts := []store.Option{store.WithBusyTimeout(cfg.Storage.BusyTimeoutMs)}
	if keys != nil {
		opts = append(opts, store.WithIntegrityKey(keys.IntegrityKey()))
	}
	st, storeErr := store.Open(cfg.Storage.Path, opts...)
	if st != nil {
		defer st.Close()
	}

	c := statusChecker(cfg, keys, keysErr, st, storeErr)
	c.Check(ctx)
	return c
}

func cmdStatus() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	c := checkStatus(context.Background(), cfg)
	if printReport(os.Stdout, c) == health.StatusUnhealthy {
		return fmt.Errorf("one or more critical checks failed")
	}
	return nil
}
