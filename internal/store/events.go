package store

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"
)

// KeyEvent is one entry of the append-only ceremony history. Events are
// chained: each event hash covers the previous one, and when the store has
// an integrity key each event also carries an HMAC.
type KeyEvent struct {
	ID        int64
	UserID    string
	Type      string
	Detail    string
	CreatedAt time.Time
	PrevHash  []byte
	Hash      []byte
}

// AppendEvent adds e to the history and fills in its ID, timestamp and hashes.
func (s *Store) AppendEvent(ctx context.Context, e *KeyEvent) error {
	if e.Type == "" {
		return fmt.Errorf("append event: empty type")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	prev := make([]byte, sha256.Size)
	err = tx.QueryRowContext(ctx, `SELECT event_hash FROM key_events ORDER BY id DESC LIMIT 1`).Scan(&prev)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("read chain head: %w", err)
	}

	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	e.PrevHash = prev
	e.Hash = eventHash(e.UserID, e.Type, e.Detail, e.CreatedAt.UnixNano(), prev)

	var mac []byte
	if s.integrityKey != nil {
		mac = s.eventMAC(e.Hash)
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO key_events (user_id, event_type, detail, created_at, prev_hash, event_hash, mac)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.UserID, e.Type, e.Detail, e.CreatedAt.UnixNano(), e.PrevHash, e.Hash, mac,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	e.ID, _ = res.LastInsertId()

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// ListEvents returns a user's events, oldest first.
func (s *Store) ListEvents(ctx context.Context, userID string) ([]KeyEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, event_type, detail, created_at, prev_hash, event_hash
		FROM key_events WHERE user_id = ? ORDER BY id ASC`, userID)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []KeyEvent
	for rows.Next() {
		var e KeyEvent
		var created int64
		if err := rows.Scan(&e.ID, &e.UserID, &e.Type, &e.Detail, &created, &e.PrevHash, &e.Hash); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.CreatedAt = time.Unix(0, created).UTC()
		events = append(events, e)
	}
	return events, rows.Err()
}

// VerifyEvents walks the whole history and checks chain linkage, event
// hashes and, when an integrity key is configured, the HMACs.
func (s *Store) VerifyEvents(ctx context.Context) (int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, event_type, detail, created_at, prev_hash, event_hash, mac
		FROM key_events ORDER BY id ASC`)
	if err != nil {
		return 0, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	last := make([]byte, sha256.Size)
	count := 0
	for rows.Next() {
		var (
			id                        int64
			userID, typ, detail       string
			created                   int64
			prevHash, hash, storedMAC []byte
		)
		if err := rows.Scan(&id, &userID, &typ, &detail, &created, &prevHash, &hash, &storedMAC); err != nil {
			return count, fmt.Errorf("scan event %d: %w", id, err)
		}

		if !hmac.Equal(prevHash, last) {
			return count, fmt.Errorf("%w: chain break at event %d", ErrIntegrity, id)
		}
		if !hmac.Equal(hash, eventHash(userID, typ, detail, created, prevHash)) {
			return count, fmt.Errorf("%w: event %d hash mismatch", ErrIntegrity, id)
		}
		if s.integrityKey != nil && !hmac.Equal(storedMAC, s.eventMAC(hash)) {
			return count, fmt.Errorf("%w: event %d HMAC mismatch", ErrIntegrity, id)
		}

		last = hash
		count++
	}
	if err := rows.Err(); err != nil {
		return count, fmt.Errorf("iterate events: %w", err)
	}
	return count, nil
}

func eventHash(userID, typ, detail string, createdNs int64, prev []byte) []byte {
	h := sha256.New()
	h.Write([]byte("walletkeys-event-v1"))
	writeField(h, []byte(userID))
	writeField(h, []byte(typ))
	writeField(h, []byte(detail))
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(createdNs))
	h.Write(ts[:])
	h.Write(prev)
	return h.Sum(nil)
}

// writeField length-prefixes b so adjacent fields cannot be shifted.
func writeField(h io.Writer, b []byte) {
	var n [4]byte
	binary.BigEndian.PutUint32(n[:], uint32(len(b)))
	h.Write(n[:])
	h.Write(b)
}

func (s *Store) eventMAC(hash []byte) []byte {
	m := hmac.New(sha256.New, s.integrityKey)
	m.Write([]byte("walletkeys-event-mac-v1"))
	m.Write(hash)
	return m.Sum(nil)
}
