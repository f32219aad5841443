package keycrypto

import (
	"fmt"

	"walletkeys/internal/security"
)

// KeySize is the length of a master key in bytes.
const KeySize = 32

// MACSize is the length of the HMAC-SHA-256 prefix of a sealed payload.
const MACSize = 32

// MasterKeySecret holds one master key in locked memory for the duration of a
// single ceremony (registration, wallet unlock, password change). It is never
// persisted directly and is not shared between concurrent operations.
type MasterKeySecret struct {
	key *security.SecureBytes
}

// NewMasterKeySecret generates a fresh random 256-bit master key.
func NewMasterKeySecret() (*MasterKeySecret, error) {
	key, err := security.GenerateKey(KeySize)
	if err != nil {
		return nil, fmt.Errorf("keycrypto: generate master key: %w", err)
	}
	return &MasterKeySecret{key: security.FromBytes(key)}, nil
}

// FromKey returns a MasterKeySecret holding a copy of key.
// The caller keeps ownership of key.
func FromKey(key []byte) (*MasterKeySecret, error) {
	if len(key) == 0 {
		return nil, fmt.Errorf("%w: empty key", ErrMalformed)
	}
	buf := make([]byte, len(key))
	copy(buf, key)
	return &MasterKeySecret{key: security.FromBytes(buf)}, nil
}

// WithAdoptedKey returns a new MasterKeySecret holding key, typically a key
// just recovered by Unwrap or by the ECIES channel. The receiver is unchanged.
func (m *MasterKeySecret) WithAdoptedKey(key []byte) (*MasterKeySecret, error) {
	return FromKey(key)
}

// Key returns a copy of the raw key. The caller should wipe it after use.
func (m *MasterKeySecret) Key() ([]byte, error) {
	k := m.key.Copy()
	if k == nil {
		return nil, ErrDestroyed
	}
	return k, nil
}

// Destroy wipes the key. Every later operation returns ErrDestroyed.
func (m *MasterKeySecret) Destroy() {
	m.key.Destroy()
}

// Wrap encrypts the master key under keyChain (key-encrypting-key pattern).
//
// Wrap(nil) applies no layer and returns the raw key bytes. The recovery wrap
// depends on this: ECIES is its only protection, and archived recovery
// envelopes contain exactly the raw key.
func (m *MasterKeySecret) Wrap(keyChain [][]byte) ([]byte, error) {
	if m.key.Destroyed() {
		return nil, ErrDestroyed
	}
	return EncryptChain(m.key.Bytes(), keyChain)
}

// Unwrap decrypts a wrapped master key with keyChain applied as given; pass
// the wrap chain reversed. The result is unauthenticated: see OpenPayload
// for the integrity gate.
func (m *MasterKeySecret) Unwrap(sealed []byte, keyChain [][]byte) ([]byte, error) {
	return DecryptChain(sealed, keyChain)
}

// SealPayload encrypts plaintext under the master key and prefixes the
// HMAC-SHA-256 of the ciphertext: MAC(32) || IV(16) || ciphertext.
func (m *MasterKeySecret) SealPayload(plaintext []byte) ([]byte, error) {
	if m.key.Destroyed() {
		return nil, ErrDestroyed
	}
	key := m.key.Bytes()

	body, err := EncryptChain(plaintext, [][]byte{key})
	if err != nil {
		return nil, err
	}

	sealed := make([]byte, 0, MACSize+len(body))
	sealed = append(sealed, HMACSHA256(key, body)...)
	sealed = append(sealed, body...)
	return sealed, nil
}

// Open verifies and decrypts a payload sealed under this secret's own key.
func (m *MasterKeySecret) Open(sealed []byte) ([]byte, error) {
	if m.key.Destroyed() {
		return nil, ErrDestroyed
	}
	return openWithKey(sealed, m.key.Bytes())
}

// OpenPayload recovers the master key from wrappedMasterKey using keyChain
// (in wrap order; it is reversed here), then verifies and decrypts sealed.
// The receiver's own key is not consulted.
//
// Every credential failure returns ErrNotAuthenticated: a missing body, a
// wrong password, a wrong chain, a corrupted wrap or a tampered payload.
func (m *MasterKeySecret) OpenPayload(sealed []byte, keyChain [][]byte, wrappedMasterKey []byte) ([]byte, error) {
	if len(sealed) <= MACSize {
		return nil, ErrNotAuthenticated
	}

	recovered, err := DecryptChain(wrappedMasterKey, Reverse(keyChain))
	if err != nil {
		return nil, err
	}
	defer security.Wipe(recovered)

	return openWithKey(sealed, recovered)
}

func openWithKey(sealed, key []byte) ([]byte, error) {
	if len(sealed) <= MACSize {
		return nil, ErrNotAuthenticated
	}
	mac, body := sealed[:MACSize], sealed[MACSize:]

	if !security.SecureCompare(HMACSHA256(key, body), mac) {
		return nil, ErrNotAuthenticated
	}

	return DecryptChain(body, [][]byte{key})
}
