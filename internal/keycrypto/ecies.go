package keycrypto

import (
	"crypto/ecdh"
	"crypto/rand"
	"encoding/json"
	"fmt"

	"walletkeys/internal/security"
)

// P521ScalarSize is the fixed length of a P-521 private scalar.
const P521ScalarSize = 66

// P521PointSize is the length of an uncompressed P-521 public point.
const P521PointSize = 133

// Envelope is an ECIES ciphertext. Byte fields marshal to standard base64.
type Envelope struct {
	MAC    []byte `json:"mac"`
	PubKey []byte `json:"pubkey"`
	Msg    []byte `json:"msg"`
}

// ParseEnvelope decodes the JSON form of an Envelope.
func ParseEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: envelope: %v", ErrMalformed, err)
	}
	if len(env.MAC) == 0 || len(env.PubKey) == 0 || len(env.Msg) == 0 {
		return nil, fmt.Errorf("%w: envelope has empty fields", ErrMalformed)
	}
	return &env, nil
}

// EciesEncrypt encrypts plaintext to pub with a fresh ephemeral P-521 key.
//
//	h   = SHA-512(ECDH(ephemeral, pub))
//	msg = EncryptChain(plaintext, [h[:32]])
//	mac = HMAC-SHA-256(h[32:], ephemeralPub || msg)
func EciesEncrypt(pub *ecdh.PublicKey, plaintext []byte) (*Envelope, error) {
	if pub == nil {
		return nil, fmt.Errorf("%w: nil recipient key", ErrMalformed)
	}

	eph, err := pub.Curve().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("keycrypto: ephemeral key: %w", err)
	}

	h, err := sharedSecretHash(eph, pub)
	if err != nil {
		return nil, fmt.Errorf("keycrypto: ecdh: %w", err)
	}
	defer security.Wipe(h)

	msg, err := EncryptChain(plaintext, [][]byte{h[:32]})
	if err != nil {
		return nil, err
	}

	ephPub := eph.PublicKey().Bytes()
	return &Envelope{
		MAC:    HMACSHA256(h[32:], concat(ephPub, msg)),
		PubKey: ephPub,
		Msg:    msg,
	}, nil
}

// EciesDecrypt verifies and decrypts env with priv. An unparsable ephemeral
// point, a key on another curve and a MAC mismatch all return
// ErrNotAuthenticated.
func EciesDecrypt(priv *ecdh.PrivateKey, env *Envelope) ([]byte, error) {
	if priv == nil {
		return nil, fmt.Errorf("%w: nil recovery private key", ErrMalformed)
	}
	if env == nil {
		return nil, ErrNotAuthenticated
	}

	ephPub, err := priv.Curve().NewPublicKey(env.PubKey)
	if err != nil {
		return nil, ErrNotAuthenticated
	}

	h, err := sharedSecretHash(priv, ephPub)
	if err != nil {
		return nil, ErrNotAuthenticated
	}
	defer security.Wipe(h)

	expected := HMACSHA256(h[32:], concat(env.PubKey, env.Msg))
	if !security.SecureCompare(expected, env.MAC) {
		return nil, ErrNotAuthenticated
	}

	return DecryptChain(env.Msg, [][]byte{h[:32]})
}

// GenerateRecoveryKey creates a new P-521 recovery key pair.
func GenerateRecoveryKey() (*ecdh.PrivateKey, error) {
	priv, err := ecdh.P521().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("keycrypto: generate recovery key: %w", err)
	}
	return priv, nil
}

// ParseRecoveryPublicKey parses an uncompressed P-521 point.
func ParseRecoveryPublicKey(b []byte) (*ecdh.PublicKey, error) {
	pub, err := ecdh.P521().NewPublicKey(b)
	if err != nil {
		return nil, fmt.Errorf("%w: recovery public key: %v", ErrMalformed, err)
	}
	return pub, nil
}

// ParseRecoveryPrivateKey parses a big-endian P-521 scalar. Scalars shorter
// than 66 bytes are left-padded with zeros, since some key exporters strip
// leading zero bytes.
func ParseRecoveryPrivateKey(b []byte) (*ecdh.PrivateKey, error) {
	if len(b) == 0 || len(b) > P521ScalarSize {
		return nil, fmt.Errorf("%w: recovery private key is %d bytes", ErrMalformed, len(b))
	}

	scalar := make([]byte, P521ScalarSize)
	copy(scalar[P521ScalarSize-len(b):], b)
	defer security.Wipe(scalar)

	priv, err := ecdh.P521().NewPrivateKey(scalar)
	if err != nil {
		return nil, fmt.Errorf("%w: recovery private key: %v", ErrMalformed, err)
	}
	return priv, nil
}

func sharedSecretHash(priv *ecdh.PrivateKey, pub *ecdh.PublicKey) ([]byte, error) {
	shared, err := priv.ECDH(pub)
	if err != nil {
		return nil, err
	}
	defer security.Wipe(shared)
	return SHA512(shared), nil
}

func concat(a, b []byte) []byte {
	out := make([]byte, 0, len(a)+len(b))
	out = append(out, a...)
	return append(out, b...)
}
