// Package keymgmt composes the keycrypto primitives into the operations the
// wallet backend performs: issuing a user's wrapped master key, sealing and
// opening wallet secrets, changing and resetting the payment password, and
// the ECIES recovery wrap.
//
// All blobs cross this package's boundary as standard padded base64 strings.
// A Manager holds only the operator secrets and is safe for concurrent use.
package keymgmt

import (
	"context"
	"crypto/ecdh"
	"encoding/base64"
	"errors"
	"fmt"
	"unicode/utf8"

	"walletkeys/internal/keycrypto"
	"walletkeys/internal/logging"
	"walletkeys/internal/security"
)

// Errors
var (
	ErrInvalidOldPassword       = errors.New("keymgmt: invalid old payment password")
	ErrIncorrectPaymentPassword = errors.New("keymgmt: incorrect payment password")
	ErrNoRecoveryKey            = errors.New("keymgmt: recovery private key not loaded")
	ErrRecoveredKeyMismatch     = errors.New("keymgmt: recovered key does not open the user's secrets")
)

// Manager performs key ceremonies with the operator's secrets.
type Manager struct {
	globalKey    []byte
	recoveryPub  *ecdh.PublicKey
	recoveryPriv *ecdh.PrivateKey
	log          *logging.Logger
	audit        *logging.AuditLogger
}

// Option configures a Manager.
type Option func(*Manager)

// WithRecoveryPrivateKey enables RecoverMasterKey and ResetPaymentPassword.
// Only the offline operator tooling should load it.
func WithRecoveryPrivateKey(priv *ecdh.PrivateKey) Option {
	return func(m *Manager) { m.recoveryPriv = priv }
}

// WithLogger sets the logger. The default discards.
func WithLogger(l *logging.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.log = l.WithComponent("keymgmt")
		}
	}
}

// WithAuditLogger records ceremonies to an audit trail.
func WithAuditLogger(a *logging.AuditLogger) Option {
	return func(m *Manager) { m.audit = a }
}

// New returns a Manager for globalKey and the recovery public key.
func New(globalKey []byte, recoveryPub *ecdh.PublicKey, opts ...Option) (*Manager, error) {
	if err := security.ValidateKeyStrength(globalKey); err != nil {
		return nil, fmt.Errorf("keymgmt: global key: %w", err)
	}
	if recoveryPub == nil || recoveryPub.Curve() != ecdh.P521() {
		return nil, fmt.Errorf("keymgmt: recovery public key must be a P-521 point")
	}

	m := &Manager{
		globalKey:   append([]byte(nil), globalKey...),
		recoveryPub: recoveryPub,
		log:         logging.Discard(),
	}
	for _, opt := range opts {
		opt(m)
	}

	if m.recoveryPriv != nil && !m.recoveryPriv.PublicKey().Equal(recoveryPub) {
		return nil, fmt.Errorf("keymgmt: recovery private key does not match the public key")
	}
	return m, nil
}

// Destroy wipes the Manager's copy of the global key. The Manager must not
// be used afterwards, and Destroy must not race with other calls.
func (m *Manager) Destroy() {
	security.Wipe(m.globalKey)
	m.recoveryPriv = nil
}

// CanRecover reports whether the recovery private key is loaded.
func (m *Manager) CanRecover() bool {
	return m.recoveryPriv != nil
}

func (m *Manager) userChain(password string) [][]byte {
	return [][]byte{[]byte(password), m.globalKey}
}

func (m *Manager) record(eventType logging.AuditEventType, err error, details map[string]any) {
	if rerr := m.audit.Record(context.Background(), eventType, "", err, details); rerr != nil {
		m.log.Warn("audit write failed", "event", string(eventType), "error", rerr)
	}
}

// IssueUserWrap wraps msc under [password, globalKey] and returns the
// base64 securityKey. The password is used as given; an empty string is a
// valid chain entry.
func (m *Manager) IssueUserWrap(msc *keycrypto.MasterKeySecret, password string) (string, error) {
	wrapped, err := msc.Wrap(m.userChain(password))
	if err != nil {
		return "", fmt.Errorf("keymgmt: wrap master key: %w", err)
	}

	m.log.Debug("issued user wrap", "layers", 2, "size", len(wrapped))
	m.record(logging.AuditUserWrapIssued, nil, nil)
	return base64.StdEncoding.EncodeToString(wrapped), nil
}

// SealUserSecret seals text under the master key and returns it as base64.
func (m *Manager) SealUserSecret(msc *keycrypto.MasterKeySecret, text string) (string, error) {
	sealed, err := msc.SealPayload([]byte(text))
	if err != nil {
		return "", fmt.Errorf("keymgmt: seal secret: %w", err)
	}
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// OpenUserSecret recovers the master key from wrappedBlob with password and
// opens sealedText. Any credential failure returns
// keycrypto.ErrNotAuthenticated; undecodable base64 returns
// keycrypto.ErrMalformed.
func (m *Manager) OpenUserSecret(sealedText, password, wrappedBlob string) (string, error) {
	text, err := m.openUserSecret(sealedText, password, wrappedBlob)
	m.record(logging.AuditSecretOpened, err, nil)
	return text, err
}

func (m *Manager) openUserSecret(sealedText, password, wrappedBlob string) (string, error) {
	sealed, err := decodeBlob("sealed secret", sealedText)
	if err != nil {
		return "", err
	}
	wrapped, err := decodeBlob("security key", wrappedBlob)
	if err != nil {
		return "", err
	}

	opener, err := keycrypto.NewMasterKeySecret()
	if err != nil {
		return "", err
	}
	defer opener.Destroy()

	pt, err := opener.OpenPayload(sealed, m.userChain(password), wrapped)
	if err != nil {
		return "", err
	}
	defer security.Wipe(pt)

	if !utf8.Valid(pt) {
		return "", keycrypto.ErrNotAuthenticated
	}
	return string(pt), nil
}

// ChangePaymentPassword re-wraps the master key under newPassword. The old
// password is first checked by opening probeSealed, one of the user's sealed
// secrets; a failure returns ErrInvalidOldPassword (which also matches
// keycrypto.ErrNotAuthenticated). Returns the new base64 securityKey.
func (m *Manager) ChangePaymentPassword(oldPassword, newPassword, wrappedBlob, probeSealed string) (string, error) {
	securityKey, err := m.changePaymentPassword(oldPassword, newPassword, wrappedBlob, probeSealed)
	m.record(logging.AuditPasswordChanged, err, nil)
	return securityKey, err
}

func (m *Manager) changePaymentPassword(oldPassword, newPassword, wrappedBlob, probeSealed string) (string, error) {
	if _, err := m.openUserSecret(probeSealed, oldPassword, wrappedBlob); err != nil {
		if errors.Is(err, keycrypto.ErrNotAuthenticated) {
			m.log.Info("payment password change rejected")
			return "", fmt.Errorf("%w: %w", ErrInvalidOldPassword, keycrypto.ErrNotAuthenticated)
		}
		return "", err
	}

	wrapped, err := decodeBlob("security key", wrappedBlob)
	if err != nil {
		return "", err
	}

	current, err := keycrypto.NewMasterKeySecret()
	if err != nil {
		return "", err
	}
	defer current.Destroy()

	raw, err := current.Unwrap(wrapped, keycrypto.Reverse(m.userChain(oldPassword)))
	if err != nil {
		return "", err
	}
	adopted, err := current.WithAdoptedKey(raw)
	security.Wipe(raw)
	if err != nil {
		return "", err
	}
	defer adopted.Destroy()

	rewrapped, err := adopted.Wrap(m.userChain(newPassword))
	if err != nil {
		return "", fmt.Errorf("keymgmt: wrap master key: %w", err)
	}

	m.log.Info("payment password changed")
	return base64.StdEncoding.EncodeToString(rewrapped), nil
}

func decodeBlob(what, s string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", keycrypto.ErrMalformed, what, err)
	}
	return b, nil
}
