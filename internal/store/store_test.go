package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

func openTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "keys.db"), opts...)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testRecord(id, email string) *KeyRecord {
	return &KeyRecord{
		UserID:           id,
		Email:            email,
		SecurityKey:      "c2VjdXJpdHlLZXk=",
		SealedMnemonic:   "bW5lbW9uaWM=",
		SealedSalt:       "c2FsdA==",
		RecoveryEnvelope: `{"mac":"","pubkey":"","msg":""}`,
	}
}

func TestOpenCreatesDirectoryAndSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "keys.db")
	s, err := Open(path, WithBusyTimeout(100))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer s.Close()

	v, err := s.SchemaVersion(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if v != LatestSchemaVersion() {
		t.Errorf("schema version %d, want %d", v, LatestSchemaVersion())
	}

	if runtime.GOOS != "windows" {
		info, err := os.Stat(path)
		if err != nil {
			t.Fatal(err)
		}
		if info.Mode().Perm() != 0600 {
			t.Errorf("database mode %04o, want 0600", info.Mode().Perm())
		}
	}
}

func TestReopenKeepsData(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "keys.db")

	s, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.InsertRecord(ctx, testRecord("u1", "a@example.com")); err != nil {
		t.Fatal(err)
	}
	s.Close()

	s, err = Open(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer s.Close()

	if _, err := s.GetRecord(ctx, "u1"); err != nil {
		t.Fatalf("record lost after reopen: %v", err)
	}
}

func TestCloseNilDB(t *testing.T) {
	s := &Store{}
	if err := s.Close(); err != nil {
		t.Errorf("Close on nil db should not error: %v", err)
	}
}

func TestInsertAndGetRecord(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	r := testRecord("u1", "  Alice@Example.COM ")
	if err := s.InsertRecord(ctx, r); err != nil {
		t.Fatalf("InsertRecord failed: %v", err)
	}
	if r.Version != 1 || r.Email != "alice@example.com" {
		t.Errorf("insert should normalize email and set version: %+v", r)
	}

	got, err := s.GetRecord(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if got.SecurityKey != r.SecurityKey || got.SealedSalt != r.SealedSalt || got.RecoveryEnvelope != r.RecoveryEnvelope {
		t.Errorf("round-tripped record differs: %+v", got)
	}
	if got.CreatedAt.IsZero() || !got.CreatedAt.Equal(got.UpdatedAt) {
		t.Errorf("timestamps not set: %v %v", got.CreatedAt, got.UpdatedAt)
	}

	byEmail, err := s.GetRecordByEmail(ctx, "ALICE@example.com")
	if err != nil {
		t.Fatal(err)
	}
	if byEmail.UserID != "u1" {
		t.Errorf("lookup by email returned %s", byEmail.UserID)
	}

	n, err := s.CountRecords(ctx)
	if err != nil || n != 1 {
		t.Errorf("CountRecords = %d, %v", n, err)
	}
}

func TestInsertDuplicate(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	if err := s.InsertRecord(ctx, testRecord("u1", "a@example.com")); err != nil {
		t.Fatal(err)
	}
	if err := s.InsertRecord(ctx, testRecord("u1", "b@example.com")); !errors.Is(err, ErrExists) {
		t.Errorf("duplicate user id: expected ErrExists, got %v", err)
	}
	if err := s.InsertRecord(ctx, testRecord("u2", "A@example.com")); !errors.Is(err, ErrExists) {
		t.Errorf("duplicate email: expected ErrExists, got %v", err)
	}
}

func TestInsertRequiresFields(t *testing.T) {
	s := openTestStore(t)
	r := testRecord("u1", "a@example.com")
	r.SecurityKey = ""
	if err := s.InsertRecord(context.Background(), r); err == nil {
		t.Error("expected error for missing security key")
	}
}

func TestGetMissing(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	if _, err := s.GetRecord(ctx, "nobody"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if _, err := s.GetRecordByEmail(ctx, "nobody@example.com"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestUpdateSecurityKeyOptimistic(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	if err := s.InsertRecord(ctx, testRecord("u1", "a@example.com")); err != nil {
		t.Fatal(err)
	}

	v, err := s.UpdateSecurityKey(ctx, "u1", "bmV3S2V5", 1)
	if err != nil {
		t.Fatalf("UpdateSecurityKey failed: %v", err)
	}
	if v != 2 {
		t.Errorf("new version %d, want 2", v)
	}

	// A second writer still holding version 1 loses.
	if _, err := s.UpdateSecurityKey(ctx, "u1", "c3RhbGU=", 1); !errors.Is(err, ErrVersionConflict) {
		t.Errorf("expected ErrVersionConflict, got %v", err)
	}

	got, err := s.GetRecord(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if got.SecurityKey != "bmV3S2V5" || got.Version != 2 {
		t.Errorf("unexpected record after update: %+v", got)
	}

	if _, err := s.UpdateSecurityKey(ctx, "ghost", "eA==", 1); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if _, err := s.UpdateSecurityKey(ctx, "u1", "", 2); err == nil {
		t.Error("expected error for empty key")
	}
}

func TestIncrementWalletCount(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	if err := s.InsertRecord(ctx, testRecord("u1", "a@example.com")); err != nil {
		t.Fatal(err)
	}

	for want := 1; want <= 3; want++ {
		n, err := s.IncrementWalletCount(ctx, "u1")
		if err != nil {
			t.Fatal(err)
		}
		if n != want {
			t.Errorf("wallet count %d, want %d", n, want)
		}
	}

	if _, err := s.IncrementWalletCount(ctx, "ghost"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

// =============================================================================
// Event history
// =============================================================================

func TestAppendAndListEvents(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	for _, typ := range []string{"user_wrap_issued", "password_changed"} {
		if err := s.AppendEvent(ctx, &KeyEvent{UserID: "u1", Type: typ}); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.AppendEvent(ctx, &KeyEvent{UserID: "u2", Type: "wallet_provisioned", Detail: "wallet 1"}); err != nil {
		t.Fatal(err)
	}

	events, err := s.ListEvents(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events for u1, got %d", len(events))
	}
	if events[0].Type != "user_wrap_issued" || events[1].Type != "password_changed" {
		t.Errorf("events out of order: %+v", events)
	}
	if string(events[1].PrevHash) != string(events[0].Hash) {
		t.Error("second event should chain to the first")
	}

	if err := s.AppendEvent(ctx, &KeyEvent{UserID: "u1"}); err == nil {
		t.Error("expected error for empty event type")
	}
}

func TestVerifyEventsDetectsTampering(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, WithIntegrityKey([]byte("0123456789abcdef0123456789abcdef")))

	for i := 0; i < 3; i++ {
		if err := s.AppendEvent(ctx, &KeyEvent{UserID: "u1", Type: "secret_opened"}); err != nil {
			t.Fatal(err)
		}
	}

	n, err := s.VerifyEvents(ctx)
	if err != nil {
		t.Fatalf("clean history failed verification: %v", err)
	}
	if n != 3 {
		t.Errorf("verified %d events, want 3", n)
	}

	if _, err := s.db.Exec(`UPDATE key_events SET event_type = 'password_reset' WHERE id = 2`); err != nil {
		t.Fatal(err)
	}
	if _, err := s.VerifyEvents(ctx); !errors.Is(err, ErrIntegrity) {
		t.Errorf("expected ErrIntegrity after tampering, got %v", err)
	}
}

func TestVerifyEventsWrongIntegrityKey(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "keys.db")

	s, err := Open(path, WithIntegrityKey([]byte("key-one-key-one-key-one-key-one!")))
	if err != nil {
		t.Fatal(err)
	}
	if err := s.AppendEvent(ctx, &KeyEvent{Type: "operator_keys_generated"}); err != nil {
		t.Fatal(err)
	}
	s.Close()

	s, err = Open(path, WithIntegrityKey([]byte("key-two-key-two-key-two-key-two!")))
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	if _, err := s.VerifyEvents(ctx); !errors.Is(err, ErrIntegrity) {
		t.Errorf("expected ErrIntegrity with a different key, got %v", err)
	}
}

func TestPing(t *testing.T) {
	s := openTestStore(t)
	if err := s.Ping(context.Background()); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
}
