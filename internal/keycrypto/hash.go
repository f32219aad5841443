// Package keycrypto implements the layered master-key encryption engine.
//
// The engine provides:
//   - Hash and MAC primitives (SHA-256, SHA-512, HMAC-SHA-256, HMAC-SHA-512)
//   - A chained AES-256-CTR envelope cipher over an ordered key chain
//   - MasterKeySecret: wrap/unwrap of a random 256-bit key and
//     MAC-then-cipher sealing of payloads under it
//   - An ECIES channel on P-521 for operator-held recovery wraps
//
// Credential failures (wrong password, wrong chain, tampered data, ECIES MAC
// mismatch) all surface as ErrNotAuthenticated and nothing else. Only
// structurally undecodable input produces ErrMalformed.
package keycrypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
)

// SHA256 returns the 32-byte SHA-256 digest of data.
func SHA256(data []byte) []byte {
	sum := sha256.Sum256(data)
	return sum[:]
}

// SHA512 returns the 64-byte SHA-512 digest of data.
func SHA512(data []byte) []byte {
	sum := sha512.Sum512(data)
	return sum[:]
}

// HMACSHA256 returns the 32-byte HMAC-SHA-256 of msg under key.
func HMACSHA256(key, msg []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(msg)
	return mac.Sum(nil)
}

// HMACSHA512 returns the 64-byte HMAC-SHA-512 of msg under key.
func HMACSHA512(key, msg []byte) []byte {
	mac := hmac.New(sha512.New, key)
	mac.Write(msg)
	return mac.Sum(nil)
}
