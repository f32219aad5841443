package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"
)

// AuditEventType names a key ceremony.
type AuditEventType string

// Audit event types.
const (
	AuditUserWrapIssued      AuditEventType = "user_wrap_issued"
	AuditRecoveryWrapIssued  AuditEventType = "recovery_wrap_issued"
	AuditSecretOpened        AuditEventType = "secret_opened"
	AuditPasswordChanged     AuditEventType = "password_changed"
	AuditPasswordReset       AuditEventType = "password_reset"
	AuditRecoveryUsed        AuditEventType = "recovery_used"
	AuditWalletProvisioned   AuditEventType = "wallet_provisioned"
	AuditWalletUnlocked      AuditEventType = "wallet_unlocked"
	AuditOperatorKeysCreated AuditEventType = "operator_keys_generated"
	AuditOperatorKeysLoaded  AuditEventType = "operator_keys_loaded"
	AuditArchiveWritten      AuditEventType = "recovery_archive_written"
)

// Audit results.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
)

// AuditEvent is one line of the audit trail. It never carries key material,
// passwords or plaintext secrets.
type AuditEvent struct {
	Timestamp time.Time      `json:"timestamp"`
	EventType AuditEventType `json:"event_type"`
	Component string         `json:"component"`
	UserID    string         `json:"user_id,omitempty"`
	Result    string         `json:"result"`
	Error     string         `json:"error,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// AuditConfig configures a file-backed audit logger.
type AuditConfig struct {
	FilePath   string
	MaxSizeMB  int64
	MaxBackups int
	Compress   bool
	Component  string
}

// DefaultAuditConfig returns the default audit trail settings.
func DefaultAuditConfig() AuditConfig {
	return AuditConfig{
		FilePath:   DefaultLogPath("audit.log"),
		MaxSizeMB:  20,
		MaxBackups: 20,
		Compress:   true,
		Component:  "walletkeys",
	}
}

// AuditLogger appends JSON-lines audit events. A nil *AuditLogger is valid
// and records nothing.
type AuditLogger struct {
	mu        sync.Mutex
	w         io.Writer
	rotator   *FileRotator
	component string
	now       func() time.Time
}

// NewAuditLogger opens a rotating audit file.
func NewAuditLogger(cfg AuditConfig) (*AuditLogger, error) {
	rotator, err := NewFileRotator(cfg.FilePath, RotateOptions{
		MaxSizeMB:  cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		Compress:   cfg.Compress,
	})
	if err != nil {
		return nil, fmt.Errorf("audit: %w", err)
	}
	a := NewAuditWriter(rotator, cfg.Component)
	a.rotator = rotator
	return a, nil
}

// NewAuditWriter returns an audit logger writing to w.
func NewAuditWriter(w io.Writer, component string) *AuditLogger {
	return &AuditLogger{w: w, component: component, now: time.Now}
}

// Log writes event, filling in timestamp, component and request ID.
func (a *AuditLogger) Log(ctx context.Context, event AuditEvent) error {
	if a == nil {
		return nil
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = a.now().UTC()
	}
	if event.Component == "" {
		event.Component = a.component
	}
	if event.RequestID == "" {
		event.RequestID = RequestIDFromContext(ctx)
	}
	if event.Result == "" {
		event.Result = ResultSuccess
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("audit: marshal: %w", err)
	}
	data = append(data, '\n')

	a.mu.Lock()
	defer a.mu.Unlock()
	if _, err := a.w.Write(data); err != nil {
		return fmt.Errorf("audit: write: %w", err)
	}
	return nil
}

// Record logs a ceremony outcome: success when err is nil, otherwise failure
// with the error text.
func (a *AuditLogger) Record(ctx context.Context, eventType AuditEventType, userID string, err error, details map[string]any) error {
	event := AuditEvent{
		EventType: eventType,
		UserID:    userID,
		Result:    ResultSuccess,
		Details:   details,
	}
	if err != nil {
		event.Result = ResultFailure
		event.Error = err.Error()
	}
	return a.Log(ctx, event)
}

// Close closes the underlying file, if the logger owns one.
func (a *AuditLogger) Close() error {
	if a == nil || a.rotator == nil {
		return nil
	}
	return a.rotator.Close()
}
