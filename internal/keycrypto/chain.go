package keycrypto

import (
	"crypto/aes"
	"crypto/cipher"
	"errors"
	"fmt"

	"walletkeys/internal/security"
)

// IVSize is the length of the random IV prefixed to every layer.
const IVSize = aes.BlockSize

// Errors
var (
	ErrNotAuthenticated = errors.New("keycrypto: not authenticated")
	ErrMalformed        = errors.New("keycrypto: malformed input")
	ErrDestroyed        = errors.New("keycrypto: master key has been destroyed")
)

// cipherLayer runs one CTR layer. Tests replace it to simulate cipher failures.
var cipherLayer = xorCTR

// EncryptChain applies one AES-256-CTR layer per key, in chain order.
// Each layer keys AES with SHA-256 of the chain entry, draws a fresh IV and
// emits IV || ciphertext, which becomes the input of the next layer.
//
// An empty chain returns a copy of plaintext with no layer applied.
func EncryptChain(plaintext []byte, keyChain [][]byte) ([]byte, error) {
	cur := make([]byte, len(plaintext))
	copy(cur, plaintext)

	for i, k := range keyChain {
		out := make([]byte, IVSize+len(cur))
		iv := out[:IVSize]
		if err := security.GenerateSecureRandom(iv); err != nil {
			security.Wipe(cur)
			return nil, fmt.Errorf("keycrypto: layer %d IV: %w", i, err)
		}

		if err := cipherLayer(k, iv, out[IVSize:], cur); err != nil {
			security.Wipe(cur)
			security.Wipe(out)
			return nil, err
		}

		security.Wipe(cur)
		cur = out
	}

	return cur, nil
}

// DecryptChain peels one layer per key, in the order given. Callers undoing
// EncryptChain must pass the chain reversed (see Reverse).
//
// There is no authentication here: a wrong key yields garbage bytes, not an
// error. ErrMalformed is returned only when a layer is shorter than an IV.
func DecryptChain(sealed []byte, keyChain [][]byte) ([]byte, error) {
	cur := sealed
	owned := false

	for i, k := range keyChain {
		if len(cur) < IVSize {
			if owned {
				security.Wipe(cur)
			}
			return nil, fmt.Errorf("%w: layer %d is %d bytes, shorter than IV", ErrMalformed, i, len(cur))
		}

		out := make([]byte, len(cur)-IVSize)
		if err := cipherLayer(k, cur[:IVSize], out, cur[IVSize:]); err != nil {
			security.Wipe(out)
			if owned {
				security.Wipe(cur)
			}
			return nil, err
		}

		if owned {
			security.Wipe(cur)
		}
		cur = out
		owned = true
	}

	if !owned {
		out := make([]byte, len(cur))
		copy(out, cur)
		return out, nil
	}
	return cur, nil
}

// Reverse returns a reversed copy of keyChain. The entries are shared, not copied.
func Reverse(keyChain [][]byte) [][]byte {
	out := make([][]byte, len(keyChain))
	for i, k := range keyChain {
		out[len(keyChain)-1-i] = k
	}
	return out
}

// xorCTR runs AES-256-CTR keyed by SHA-256(key) over src into dst.
func xorCTR(key, iv, dst, src []byte) error {
	cipherKey := SHA256(key)
	defer security.Wipe(cipherKey)

	block, err := aes.NewCipher(cipherKey)
	if err != nil {
		return fmt.Errorf("keycrypto: aes: %w", err)
	}

	cipher.NewCTR(block, iv).XORKeyStream(dst, src)
	return nil
}
