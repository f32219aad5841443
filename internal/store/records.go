package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// KeyRecord is the persisted state of one user's key material.
type KeyRecord struct {
	UserID string
	Email  string

	// SecurityKey is the base64 master key wrapped under [password, globalKey].
	SecurityKey string

	// SealedMnemonic and SealedSalt are base64 sealed payloads under the master key.
	SealedMnemonic string
	SealedSalt     string

	// RecoveryEnvelope is the ECIES envelope JSON.
	RecoveryEnvelope string

	WalletCount int
	Version     int64
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// NormalizeEmail lower-cases and trims an address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// InsertRecord stores a new record. Version is set to 1.
func (s *Store) InsertRecord(ctx context.Context, r *KeyRecord) error {
	if r.UserID == "" || r.Email == "" || r.SecurityKey == "" {
		return fmt.Errorf("insert record: user id, email and security key are required")
	}

	now := time.Now().UTC()
	r.Email = NormalizeEmail(r.Email)
	r.Version = 1
	r.CreatedAt = now
	r.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO key_records (user_id, email, security_key, sealed_mnemonic, sealed_salt,
		                         recovery_envelope, wallet_count, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.UserID, r.Email, r.SecurityKey, r.SealedMnemonic, r.SealedSalt,
		r.RecoveryEnvelope, r.WalletCount, r.Version, now.UnixNano(), now.UnixNano(),
	)
	if err != nil {
		if isConstraint(err) {
			return fmt.Errorf("%w: %s", ErrExists, r.Email)
		}
		return fmt.Errorf("insert record: %w", err)
	}
	return nil
}

const recordColumns = `user_id, email, security_key, sealed_mnemonic, sealed_salt,
	recovery_envelope, wallet_count, version, created_at, updated_at`

func scanRecord(row *sql.Row) (*KeyRecord, error) {
	var r KeyRecord
	var created, updated int64

	err := row.Scan(&r.UserID, &r.Email, &r.SecurityKey, &r.SealedMnemonic, &r.SealedSalt,
		&r.RecoveryEnvelope, &r.WalletCount, &r.Version, &created, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan record: %w", err)
	}

	r.CreatedAt = time.Unix(0, created).UTC()
	r.UpdatedAt = time.Unix(0, updated).UTC()
	return &r, nil
}

// GetRecord returns the record for userID or ErrNotFound.
func (s *Store) GetRecord(ctx context.Context, userID string) (*KeyRecord, error) {
	return scanRecord(s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM key_records WHERE user_id = ?`, userID))
}

// GetRecordByEmail looks a record up case-insensitively.
func (s *Store) GetRecordByEmail(ctx context.Context, email string) (*KeyRecord, error) {
	return scanRecord(s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM key_records WHERE email = ?`, NormalizeEmail(email)))
}

// UpdateSecurityKey replaces the wrapped master key if the record is still at
// expectedVersion, and returns the new version. A stale version yields
// ErrVersionConflict.
func (s *Store) UpdateSecurityKey(ctx context.Context, userID, securityKey string, expectedVersion int64) (int64, error) {
	if securityKey == "" {
		return 0, fmt.Errorf("update security key: empty key")
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE key_records
		SET security_key = ?, version = version + 1, updated_at = ?
		WHERE user_id = ? AND version = ?`,
		securityKey, time.Now().UnixNano(), userID, expectedVersion,
	)
	if err != nil {
		return 0, fmt.Errorf("update security key: %w", err)
	}

	if err := s.checkUpdated(ctx, res, userID); err != nil {
		return 0, err
	}
	return expectedVersion + 1, nil
}

// IncrementWalletCount bumps the wallet counter and returns the new count.
func (s *Store) IncrementWalletCount(ctx context.Context, userID string) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE key_records
		SET wallet_count = wallet_count + 1, updated_at = ?
		WHERE user_id = ?`, time.Now().UnixNano(), userID)
	if err != nil {
		return 0, fmt.Errorf("increment wallet count: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return 0, ErrNotFound
	}

	var count int
	if err := tx.QueryRowContext(ctx,
		`SELECT wallet_count FROM key_records WHERE user_id = ?`, userID).Scan(&count); err != nil {
		return 0, fmt.Errorf("read wallet count: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return count, nil
}

// CountRecords returns the number of stored records.
func (s *Store) CountRecords(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM key_records`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count records: %w", err)
	}
	return n, nil
}

func (s *Store) checkUpdated(ctx context.Context, res sql.Result, userID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}

	var exists int
	err = s.db.QueryRowContext(ctx, `SELECT 1 FROM key_records WHERE user_id = ?`, userID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("check record: %w", err)
	}
	return ErrVersionConflict
}
