// Package operatorkeys loads and generates the operator's key files: the
// global key mixed into every user wrap and the P-521 recovery key pair.
// All three files hold lower-case hex text.
package operatorkeys

import (
	"crypto/ecdh"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"walletkeys/internal/config"
	"walletkeys/internal/keycrypto"
	"walletkeys/internal/keymgmt"
	"walletkeys/internal/security"
)

// File names written by Generate.
const (
	GlobalKeyFile          = "global.key"
	RecoveryPublicKeyFile  = "recovery.pub"
	RecoveryPrivateKeyFile = "recovery.key"
)

// GlobalKeySize is the size of a generated global key.
const GlobalKeySize = 32

// maxKeyFileSize bounds key file reads. The largest file, the public point,
// is 266 hex characters.
const maxKeyFileSize = 4096

// Errors
var (
	ErrMissingKey = errors.New("operatorkeys: key file missing")
	ErrInvalidKey = errors.New("operatorkeys: invalid key file")
	ErrKeysExist  = errors.New("operatorkeys: key files already exist")
)

// Keys is the operator key material of one process.
type Keys struct {
	GlobalKey       []byte
	RecoveryPublic  *ecdh.PublicKey
	RecoveryPrivate *ecdh.PrivateKey
}

// Load reads the key files named by cfg. The recovery private key is loaded
// only when RecoveryPrivateKeyPath is set.
func Load(cfg config.CryptoConfig) (*Keys, error) {
	global, err := readHex(cfg.GlobalKeyPath, true)
	if err != nil {
		return nil, err
	}
	if err := security.ValidateKeyStrength(global); err != nil {
		security.Wipe(global)
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidKey, cfg.GlobalKeyPath, err)
	}

	k := &Keys{GlobalKey: global}

	pubBytes, err := readHex(cfg.RecoveryKeyPath, false)
	if err != nil {
		k.Destroy()
		return nil, err
	}
	k.RecoveryPublic, err = keycrypto.ParseRecoveryPublicKey(pubBytes)
	if err != nil {
		k.Destroy()
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidKey, cfg.RecoveryKeyPath, err)
	}

	if cfg.RecoveryPrivateKeyPath != "" {
		privBytes, err := readHex(cfg.RecoveryPrivateKeyPath, true)
		if err != nil {
			k.Destroy()
			return nil, err
		}
		k.RecoveryPrivate, err = keycrypto.ParseRecoveryPrivateKey(privBytes)
		security.Wipe(privBytes)
		if err != nil {
			k.Destroy()
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidKey, cfg.RecoveryPrivateKeyPath, err)
		}
		if !k.RecoveryPrivate.PublicKey().Equal(k.RecoveryPublic) {
			k.Destroy()
			return nil, fmt.Errorf("%w: %s does not match %s", ErrInvalidKey,
				cfg.RecoveryPrivateKeyPath, cfg.RecoveryKeyPath)
		}
	}

	return k, nil
}

func readHex(path string, secret bool) ([]byte, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: no path configured", ErrMissingKey)
	}

	var (
		data []byte
		err  error
	)
	if secret {
		data, err = security.ReadSecretFile(path, maxKeyFileSize)
	} else {
		data, err = readPublic(path)
	}
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrMissingKey, path)
		}
		return nil, fmt.Errorf("operatorkeys: read %s: %w", path, err)
	}
	defer security.Wipe(data)

	b, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("%w: %s is not hex: %v", ErrInvalidKey, path, err)
	}
	if len(b) == 0 {
		return nil, fmt.Errorf("%w: %s is empty", ErrInvalidKey, path)
	}
	return b, nil
}

func readPublic(path string) ([]byte, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.Size() > maxKeyFileSize {
		return nil, fmt.Errorf("%w: %s", security.ErrFileTooLarge, path)
	}
	return os.ReadFile(path)
}

// Generate creates a fresh global key and recovery key pair in dir and
// returns them. Existing key files are never overwritten.
func Generate(dir string) (*Keys, error) {
	paths := []string{
		filepath.Join(dir, GlobalKeyFile),
		filepath.Join(dir, RecoveryPublicKeyFile),
		filepath.Join(dir, RecoveryPrivateKeyFile),
	}
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return nil, fmt.Errorf("%w: %s", ErrKeysExist, p)
		}
	}

	if err := security.EnsureSecureDir(dir); err != nil {
		return nil, fmt.Errorf("operatorkeys: create %s: %w", dir, err)
	}

	global, err := security.GenerateKey(GlobalKeySize)
	if err != nil {
		return nil, fmt.Errorf("operatorkeys: generate global key: %w", err)
	}
	priv, err := keycrypto.GenerateRecoveryKey()
	if err != nil {
		security.Wipe(global)
		return nil, err
	}

	k := &Keys{
		GlobalKey:       global,
		RecoveryPublic:  priv.PublicKey(),
		RecoveryPrivate: priv,
	}

	privBytes := priv.Bytes()
	defer security.Wipe(privBytes)

	for i, content := range [][]byte{global, priv.PublicKey().Bytes(), privBytes} {
		encoded := []byte(hex.EncodeToString(content))
		err := security.WriteSecretFile(paths[i], encoded)
		security.Wipe(encoded)
		if err != nil {
			k.Destroy()
			return nil, fmt.Errorf("operatorkeys: write %s: %w", paths[i], err)
		}
	}

	return k, nil
}

// Config returns a CryptoConfig pointing at the files Generate writes in dir.
func Config(dir string) config.CryptoConfig {
	return config.CryptoConfig{
		GlobalKeyPath:          filepath.Join(dir, GlobalKeyFile),
		RecoveryKeyPath:        filepath.Join(dir, RecoveryPublicKeyFile),
		RecoveryPrivateKeyPath: filepath.Join(dir, RecoveryPrivateKeyFile),
	}
}

// Manager builds a key manager from the loaded keys.
func (k *Keys) Manager(opts ...keymgmt.Option) (*keymgmt.Manager, error) {
	if k.RecoveryPrivate != nil {
		opts = append(opts, keymgmt.WithRecoveryPrivateKey(k.RecoveryPrivate))
	}
	return keymgmt.New(k.GlobalKey, k.RecoveryPublic, opts...)
}

// IntegrityKey derives the key that tags the store's event history, so that
// rows cannot be forged without the global key.
func (k *Keys) IntegrityKey() []byte {
	return keycrypto.HMACSHA256(k.GlobalKey, []byte("walletkeys store integrity v1"))
}

// Fingerprint is a short identifier of the recovery public key, safe to log.
func (k *Keys) Fingerprint() string {
	return hex.EncodeToString(keycrypto.SHA256(k.RecoveryPublic.Bytes())[:8])
}

// Destroy wipes the global key.
func (k *Keys) Destroy() {
	security.Wipe(k.GlobalKey)
	k.GlobalKey = nil
}
