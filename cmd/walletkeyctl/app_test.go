package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"walletkeys/internal/config"
	"walletkeys/internal/keycrypto"
	"walletkeys/internal/keymgmt"
	"walletkeys/internal/logging"
	"walletkeys/internal/operatorkeys"
	"walletkeys/internal/recovery"
	"walletkeys/internal/store"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("WALLETKEYS_DATA_DIR", dir)

	keyDir := filepath.Join(dir, "keys")
	if _, err := operatorkeys.Generate(keyDir); err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	cfg := config.DefaultConfig()
	cfg.Crypto = operatorkeys.Config(keyDir)
	if err := cfg.Validate(); err != nil {
		t.Fatalf("test config invalid: %v", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatal(err)
	}
	return cfg
}

func openTestApp(t *testing.T, cfg *config.Config, withRecovery bool) (*app, *bytes.Buffer) {
	t.Helper()
	var audit bytes.Buffer
	a, err := openApp(cfg, logging.Discard(), logging.NewAuditWriter(&audit, "walletkeyctl"), &bytes.Buffer{}, withRecovery)
	if err != nil {
		t.Fatalf("openApp failed: %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return a, &audit
}

func TestProvisionAndVerify(t *testing.T) {
	ctx := context.Background()
	a, audit := openTestApp(t, testConfig(t), false)

	p, err := a.provision(ctx, "Alice@Example.com", "Pwd1!")
	if err != nil {
		t.Fatalf("provision failed: %v", err)
	}
	if p.WalletCount != 1 {
		t.Errorf("wallet count %d, want 1", p.WalletCount)
	}
	if _, err := os.Stat(p.ArchivePath); err != nil {
		t.Errorf("archive file missing: %v", err)
	}
	if !strings.HasSuffix(p.ArchivePath, recovery.FileName(p.UserID, "alice@example.com")) {
		t.Errorf("archive path %s does not use the normalized email", p.ArchivePath)
	}

	mnemonic, salt, err := a.verify(ctx, "alice@example.com", "Pwd1!")
	if err != nil {
		t.Fatalf("verify failed: %v", err)
	}
	if len(strings.Fields(mnemonic)) != 12 || !strings.HasPrefix(salt, "$2a$10$") {
		t.Errorf("unexpected wallet secrets: %q %q", mnemonic, salt)
	}

	if _, _, err := a.verify(ctx, "alice@example.com", "WrongPwd"); !errors.Is(err, keymgmt.ErrIncorrectPaymentPassword) {
		t.Errorf("expected ErrIncorrectPaymentPassword, got %v", err)
	}

	if _, err := a.provision(ctx, "alice@example.com", "Other1!"); !errors.Is(err, store.ErrExists) {
		t.Errorf("second provision: expected ErrExists, got %v", err)
	}

	if strings.Contains(audit.String(), "Pwd1!") {
		t.Error("audit trail contains a password")
	}
	if !strings.Contains(audit.String(), string(logging.AuditWalletProvisioned)) {
		t.Error("audit trail missing provisioning event")
	}
}

func TestStoredEnvelopeIsSealed(t *testing.T) {
	ctx := context.Background()
	a, _ := openTestApp(t, testConfig(t), false)

	p, err := a.provision(ctx, "a@example.com", "Pwd1!")
	if err != nil {
		t.Fatal(err)
	}
	rec, err := a.store.GetRecord(ctx, p.UserID)
	if err != nil {
		t.Fatal(err)
	}
	archived, err := a.archive.Load(p.UserID, "a@example.com")
	if err != nil {
		t.Fatal(err)
	}

	sealed, err := keycrypto.ParseEnvelope([]byte(rec.RecoveryEnvelope))
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(sealed.PubKey, archived.PubKey) {
		t.Error("record should hold the sealed envelope, not the clear one")
	}

	opened, err := a.mgr.OpenArchiveFields(sealed)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(opened.Msg, archived.Msg) {
		t.Error("sealed and archived envelopes differ")
	}
}

func TestChangePassword(t *testing.T) {
	ctx := context.Background()
	a, _ := openTestApp(t, testConfig(t), false)

	if _, err := a.provision(ctx, "a@example.com", "Pwd1!"); err != nil {
		t.Fatal(err)
	}

	if err := a.changePassword(ctx, "a@example.com", "WrongPwd", "Pwd2!"); !errors.Is(err, keymgmt.ErrInvalidOldPassword) {
		t.Fatalf("expected ErrInvalidOldPassword, got %v", err)
	}
	if err := a.changePassword(ctx, "a@example.com", "Pwd1!", "Pwd2!"); err != nil {
		t.Fatalf("changePassword failed: %v", err)
	}

	if _, _, err := a.verify(ctx, "a@example.com", "Pwd2!"); err != nil {
		t.Errorf("new password rejected: %v", err)
	}
	if _, _, err := a.verify(ctx, "a@example.com", "Pwd1!"); !errors.Is(err, keymgmt.ErrIncorrectPaymentPassword) {
		t.Errorf("old password still accepted: %v", err)
	}

	rec, err := a.store.GetRecordByEmail(ctx, "a@example.com")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Version != 2 {
		t.Errorf("record version %d, want 2", rec.Version)
	}

	if err := a.changePassword(ctx, "nobody@example.com", "x", "y"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestResetPassword(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)

	a, _ := openTestApp(t, cfg, false)
	if _, err := a.provision(ctx, "a@example.com", "forgotten"); err != nil {
		t.Fatal(err)
	}
	if _, err := a.resetPassword(ctx, "a@example.com", resetOptions{}); !errors.Is(err, keymgmt.ErrNoRecoveryKey) {
		t.Errorf("reset without recovery key: expected ErrNoRecoveryKey, got %v", err)
	}
	a.Close()

	op, _ := openTestApp(t, cfg, true)

	password, err := op.resetPassword(ctx, "a@example.com", resetOptions{})
	if err != nil {
		t.Fatalf("resetPassword failed: %v", err)
	}
	if len(password) != keymgmt.ResetPasswordLength {
		t.Errorf("generated password %q has wrong length", password)
	}
	if _, _, err := op.verify(ctx, "a@example.com", password); err != nil {
		t.Errorf("reset password rejected: %v", err)
	}

	forced, err := op.resetPassword(ctx, "a@example.com", resetOptions{ForcePassword: "Chosen9!", FromArchive: true})
	if err != nil {
		t.Fatalf("reset from archive failed: %v", err)
	}
	if forced != "Chosen9!" {
		t.Errorf("forced password not used: %q", forced)
	}
	if _, _, err := op.verify(ctx, "a@example.com", "Chosen9!"); err != nil {
		t.Errorf("forced password rejected: %v", err)
	}
}

func TestResetRequiresPrivateKeyPath(t *testing.T) {
	cfg := testConfig(t)
	cfg.Crypto.RecoveryPrivateKeyPath = ""

	_, err := openApp(cfg, logging.Discard(), nil, &bytes.Buffer{}, true)
	if !errors.Is(err, keymgmt.ErrNoRecoveryKey) {
		t.Errorf("expected ErrNoRecoveryKey, got %v", err)
	}
}

func TestWriteArchiveRestoresLostFile(t *testing.T) {
	ctx := context.Background()
	a, _ := openTestApp(t, testConfig(t), false)

	p, err := a.provision(ctx, "a@example.com", "Pwd1!")
	if err != nil {
		t.Fatal(err)
	}
	original, err := os.ReadFile(p.ArchivePath)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Remove(p.ArchivePath); err != nil {
		t.Fatal(err)
	}

	path, err := a.writeArchive(ctx, "a@example.com")
	if err != nil {
		t.Fatalf("writeArchive failed: %v", err)
	}
	restored, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(original, restored) {
		t.Error("restored archive differs from the original")
	}
}

func TestHistoryAndVerification(t *testing.T) {
	ctx := context.Background()
	a, _ := openTestApp(t, testConfig(t), false)

	if _, err := a.provision(ctx, "a@example.com", "Pwd1!"); err != nil {
		t.Fatal(err)
	}
	if err := a.changePassword(ctx, "a@example.com", "Pwd1!", "Pwd2!"); err != nil {
		t.Fatal(err)
	}

	rec, events, err := a.history(ctx, "a@example.com")
	if err != nil {
		t.Fatal(err)
	}
	want := []logging.AuditEventType{
		logging.AuditWalletProvisioned,
		logging.AuditArchiveWritten,
		logging.AuditPasswordChanged,
	}
	if len(events) != len(want) {
		t.Fatalf("got %d events, want %d: %+v", len(events), len(want), events)
	}
	for i, typ := range want {
		if events[i].Type != string(typ) {
			t.Errorf("event %d is %s, want %s", i, events[i].Type, typ)
		}
	}
	if rec.WalletCount != 1 {
		t.Errorf("wallet count %d, want 1", rec.WalletCount)
	}

	var out bytes.Buffer
	a.out = &out
	if err := cmdVerifyHistory(a); err != nil {
		t.Fatalf("history verification failed: %v", err)
	}
	if !strings.Contains(out.String(), "3 event(s) verified") {
		t.Errorf("unexpected output: %s", out.String())
	}

	out.Reset()
	if err := cmdHistory(a, []string{"a@example.com"}); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "password_changed") {
		t.Errorf("history output missing events: %s", out.String())
	}
}

func TestEmailArg(t *testing.T) {
	cases := []struct {
		args []string
		want string
	}{
		{[]string{"a@example.com"}, "a@example.com"},
		{[]string{"  b@example.com "}, "b@example.com"},
		{[]string{"alice"}, ""},
		{nil, ""},
	}
	for _, tc := range cases {
		fs := flag.NewFlagSet("verify", flag.ContinueOnError)
		if err := fs.Parse(tc.args); err != nil {
			t.Fatal(err)
		}
		email, err := emailArg(fs, "verify")
		if tc.want == "" {
			if err == nil {
				t.Errorf("emailArg(%v): expected error, got %q", tc.args, email)
			}
			continue
		}
		if err != nil || email != tc.want {
			t.Errorf("emailArg(%v) = %q, %v; want %q", tc.args, email, err, tc.want)
		}
	}
}
