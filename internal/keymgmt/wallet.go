package keymgmt

import (
	"errors"
	"fmt"

	"github.com/tyler-smith/go-bip39"
	"golang.org/x/crypto/bcrypt"

	"walletkeys/internal/keycrypto"
	"walletkeys/internal/logging"
	"walletkeys/internal/security"
)

const (
	// MnemonicEntropyBits yields a 12-word phrase.
	MnemonicEntropyBits = 128

	// saltLength is the "$2a$10$" prefix plus the 22-character bcrypt salt.
	saltLength = 29
)

// WalletSecrets is what provisioning hands to storage. Every field is safe to
// persist: the mnemonic and salt are sealed under the master key, and the
// master key is only present wrapped or encrypted to the recovery key.
type WalletSecrets struct {
	SecurityKey    string
	Recovery       *keycrypto.Envelope
	SealedMnemonic string
	SealedSalt     string
}

// ProvisionWallet creates a master key for a new wallet, wraps it under
// password, encrypts it to the recovery key, and seals a fresh BIP-39
// mnemonic and HD derivation salt under it.
func (m *Manager) ProvisionWallet(password string) (*WalletSecrets, error) {
	ws, err := m.provisionWallet(password)
	m.record(logging.AuditWalletProvisioned, err, nil)
	return ws, err
}

func (m *Manager) provisionWallet(password string) (*WalletSecrets, error) {
	msc, err := keycrypto.NewMasterKeySecret()
	if err != nil {
		return nil, err
	}
	defer msc.Destroy()

	mnemonic, err := NewMnemonic()
	if err != nil {
		return nil, err
	}
	salt, err := NewWalletSalt()
	if err != nil {
		return nil, err
	}

	securityKey, err := m.IssueUserWrap(msc, password)
	if err != nil {
		return nil, err
	}
	recovery, err := m.IssueRecoveryWrap(msc)
	if err != nil {
		return nil, err
	}
	sealedMnemonic, err := m.SealUserSecret(msc, mnemonic)
	if err != nil {
		return nil, err
	}
	sealedSalt, err := m.SealUserSecret(msc, salt)
	if err != nil {
		return nil, err
	}

	m.log.Debug("wallet provisioned")
	return &WalletSecrets{
		SecurityKey:    securityKey,
		Recovery:       recovery,
		SealedMnemonic: sealedMnemonic,
		SealedSalt:     sealedSalt,
	}, nil
}

// UnlockWallet opens the sealed mnemonic and salt with password. Any failure
// to authenticate returns ErrIncorrectPaymentPassword.
func (m *Manager) UnlockWallet(password, securityKey, sealedMnemonic, sealedSalt string) (mnemonic, salt string, err error) {
	defer func() { m.record(logging.AuditWalletUnlocked, err, nil) }()

	mnemonic, err = m.openUserSecret(sealedMnemonic, password, securityKey)
	if err != nil {
		return "", "", walletError(err)
	}
	salt, err = m.openUserSecret(sealedSalt, password, securityKey)
	if err != nil {
		return "", "", walletError(err)
	}

	if !bip39.IsMnemonicValid(mnemonic) {
		return "", "", fmt.Errorf("%w: mnemonic failed checksum", ErrIncorrectPaymentPassword)
	}
	return mnemonic, salt, nil
}

func walletError(err error) error {
	if errors.Is(err, keycrypto.ErrNotAuthenticated) {
		return ErrIncorrectPaymentPassword
	}
	return err
}

// NewMnemonic returns a BIP-39 English mnemonic from 128 bits of entropy.
func NewMnemonic() (string, error) {
	entropy, err := bip39.NewEntropy(MnemonicEntropyBits)
	if err != nil {
		return "", fmt.Errorf("keymgmt: mnemonic entropy: %w", err)
	}
	defer security.Wipe(entropy)

	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return "", fmt.Errorf("keymgmt: mnemonic: %w", err)
	}
	return mnemonic, nil
}

// NewWalletSalt returns an HD derivation salt in bcrypt salt form: the
// "$2a$10$" prefix and 22 characters of bcrypt base64, cut from a bcrypt
// hash of random input.
func NewWalletSalt() (string, error) {
	input, err := security.GenerateKey(32)
	if err != nil {
		return "", fmt.Errorf("keymgmt: salt input: %w", err)
	}
	defer security.Wipe(input)

	hash, err := bcrypt.GenerateFromPassword(input, bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("keymgmt: salt: %w", err)
	}
	return string(hash[:saltLength]), nil
}
