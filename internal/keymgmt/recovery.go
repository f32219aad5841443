package keymgmt

import (
	"encoding/base64"
	"fmt"
	"strings"

	"walletkeys/internal/keycrypto"
	"walletkeys/internal/logging"
	"walletkeys/internal/security"
)

// ResetPasswordLength is the length of generated reset passwords.
const ResetPasswordLength = 14

// IssueRecoveryWrap encrypts the raw master key to the operator's recovery
// key. The envelope is the only protection of the key, so it must be stored
// out of band from the user's securityKey.
func (m *Manager) IssueRecoveryWrap(msc *keycrypto.MasterKeySecret) (*keycrypto.Envelope, error) {
	raw, err := msc.Wrap(nil)
	if err != nil {
		return nil, fmt.Errorf("keymgmt: read master key: %w", err)
	}
	defer security.Wipe(raw)

	env, err := keycrypto.EciesEncrypt(m.recoveryPub, raw)
	if err != nil {
		return nil, fmt.Errorf("keymgmt: recovery wrap: %w", err)
	}

	m.record(logging.AuditRecoveryWrapIssued, nil, nil)
	return env, nil
}

// RecoverMasterKey decrypts a recovery envelope with the recovery private
// key. The caller owns the returned secret and must Destroy it.
func (m *Manager) RecoverMasterKey(env *keycrypto.Envelope) (*keycrypto.MasterKeySecret, error) {
	msc, err := m.recoverMasterKey(env)
	m.record(logging.AuditRecoveryUsed, err, nil)
	return msc, err
}

func (m *Manager) recoverMasterKey(env *keycrypto.Envelope) (*keycrypto.MasterKeySecret, error) {
	if m.recoveryPriv == nil {
		return nil, ErrNoRecoveryKey
	}

	raw, err := keycrypto.EciesDecrypt(m.recoveryPriv, env)
	if err != nil {
		return nil, err
	}
	defer security.Wipe(raw)

	if len(raw) != keycrypto.KeySize {
		return nil, keycrypto.ErrNotAuthenticated
	}
	return keycrypto.FromKey(raw)
}

// ResetPaymentPassword recovers the master key from env, checks that it
// opens probeSealed, and wraps it under newPassword. Returns the new base64
// securityKey. A recovered key that does not open probeSealed returns
// ErrRecoveredKeyMismatch, which also matches keycrypto.ErrNotAuthenticated.
func (m *Manager) ResetPaymentPassword(env *keycrypto.Envelope, newPassword, probeSealed string) (string, error) {
	securityKey, err := m.resetPaymentPassword(env, newPassword, probeSealed)
	m.record(logging.AuditPasswordReset, err, nil)
	return securityKey, err
}

func (m *Manager) resetPaymentPassword(env *keycrypto.Envelope, newPassword, probeSealed string) (string, error) {
	probe, err := decodeBlob("sealed secret", probeSealed)
	if err != nil {
		return "", err
	}

	msc, err := m.recoverMasterKey(env)
	if err != nil {
		return "", err
	}
	defer msc.Destroy()

	pt, err := msc.Open(probe)
	if err != nil {
		m.log.Warn("recovered master key rejected by sealed secret")
		return "", fmt.Errorf("%w: %w", ErrRecoveredKeyMismatch, keycrypto.ErrNotAuthenticated)
	}
	security.Wipe(pt)

	wrapped, err := msc.Wrap(m.userChain(newPassword))
	if err != nil {
		return "", fmt.Errorf("keymgmt: wrap master key: %w", err)
	}

	m.log.Info("payment password reset from recovery envelope")
	return base64.StdEncoding.EncodeToString(wrapped), nil
}

// GenerateResetPassword returns a random alphanumeric password of
// ResetPasswordLength characters: base64 of 32 random bytes with the
// non-alphanumeric characters removed.
func GenerateResetPassword() (string, error) {
	var b strings.Builder
	for b.Len() < ResetPasswordLength {
		buf, err := security.GenerateKey(32)
		if err != nil {
			return "", fmt.Errorf("keymgmt: generate password: %w", err)
		}
		for _, c := range base64.StdEncoding.EncodeToString(buf) {
			if isAlphanumeric(c) {
				b.WriteRune(c)
			}
		}
	}
	return b.String()[:ResetPasswordLength], nil
}

func isAlphanumeric(c rune) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

// SealArchiveFields returns a copy of env in which every field is a payload
// sealed under the global key. This is the form kept next to the user
// record, so that a leaked database row alone does not expose the envelope.
func (m *Manager) SealArchiveFields(env *keycrypto.Envelope) (*keycrypto.Envelope, error) {
	if env == nil {
		return nil, fmt.Errorf("%w: nil envelope", keycrypto.ErrMalformed)
	}

	sealer, err := keycrypto.FromKey(m.globalKey)
	if err != nil {
		return nil, err
	}
	defer sealer.Destroy()

	var out keycrypto.Envelope
	for _, f := range []struct {
		dst *[]byte
		src []byte
	}{
		{&out.MAC, env.MAC},
		{&out.PubKey, env.PubKey},
		{&out.Msg, env.Msg},
	} {
		sealed, err := sealer.SealPayload(f.src)
		if err != nil {
			return nil, fmt.Errorf("keymgmt: seal archive field: %w", err)
		}
		*f.dst = sealed
	}
	return &out, nil
}

// OpenArchiveFields reverses SealArchiveFields. The global key is passed as
// the wrapped master key with an empty chain, so it is used as is.
func (m *Manager) OpenArchiveFields(sealed *keycrypto.Envelope) (*keycrypto.Envelope, error) {
	if sealed == nil {
		return nil, fmt.Errorf("%w: nil envelope", keycrypto.ErrMalformed)
	}

	opener, err := keycrypto.NewMasterKeySecret()
	if err != nil {
		return nil, err
	}
	defer opener.Destroy()

	var out keycrypto.Envelope
	for _, f := range []struct {
		name string
		dst  *[]byte
		src  []byte
	}{
		{"mac", &out.MAC, sealed.MAC},
		{"pubkey", &out.PubKey, sealed.PubKey},
		{"msg", &out.Msg, sealed.Msg},
	} {
		pt, err := opener.OpenPayload(f.src, nil, m.globalKey)
		if err != nil {
			return nil, fmt.Errorf("keymgmt: archive field %s is damaged: %w", f.name, err)
		}
		*f.dst = pt
	}
	return &out, nil
}
