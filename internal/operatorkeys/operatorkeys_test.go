package operatorkeys

import (
	"encoding/hex"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"walletkeys/internal/config"
	"walletkeys/internal/keycrypto"
)

func TestGenerateThenLoad(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "keys")

	generated, err := Generate(dir)
	require.NoError(t, err)
	assert.Len(t, generated.GlobalKey, GlobalKeySize)
	require.NotNil(t, generated.RecoveryPrivate)

	loaded, err := Load(Config(dir))
	require.NoError(t, err)
	defer loaded.Destroy()

	assert.Equal(t, generated.GlobalKey, loaded.GlobalKey)
	assert.True(t, generated.RecoveryPublic.Equal(loaded.RecoveryPublic))
	require.NotNil(t, loaded.RecoveryPrivate)
	assert.True(t, generated.RecoveryPrivate.Equal(loaded.RecoveryPrivate))
	assert.Equal(t, generated.Fingerprint(), loaded.Fingerprint())
	assert.Equal(t, generated.IntegrityKey(), loaded.IntegrityKey())

	if runtime.GOOS != "windows" {
		for _, name := range []string{GlobalKeyFile, RecoveryPublicKeyFile, RecoveryPrivateKeyFile} {
			info, err := os.Stat(filepath.Join(dir, name))
			require.NoError(t, err)
			assert.Equal(t, os.FileMode(0600), info.Mode().Perm(), name)
		}
	}

	pubHex, err := os.ReadFile(filepath.Join(dir, RecoveryPublicKeyFile))
	require.NoError(t, err)
	assert.Len(t, string(pubHex), 2*keycrypto.P521PointSize)
}

func TestGenerateRefusesToOverwrite(t *testing.T) {
	dir := t.TempDir()
	_, err := Generate(dir)
	require.NoError(t, err)

	_, err = Generate(dir)
	assert.ErrorIs(t, err, ErrKeysExist)
}

func TestLoadWithoutPrivateKey(t *testing.T) {
	dir := t.TempDir()
	_, err := Generate(dir)
	require.NoError(t, err)

	cfg := Config(dir)
	cfg.RecoveryPrivateKeyPath = ""
	k, err := Load(cfg)
	require.NoError(t, err)
	assert.Nil(t, k.RecoveryPrivate)

	m, err := k.Manager()
	require.NoError(t, err)
	assert.False(t, m.CanRecover())
}

func TestLoadToleratesWhitespaceAndShortScalar(t *testing.T) {
	dir := t.TempDir()
	k, err := Generate(dir)
	require.NoError(t, err)

	// Trailing newline from an editor.
	global := hex.EncodeToString(k.GlobalKey) + "\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, GlobalKeyFile), []byte(global), 0600))

	// Exporters may strip leading zero bytes of the scalar.
	priv := strings.TrimLeft(hex.EncodeToString(k.RecoveryPrivate.Bytes()), "0")
	if len(priv)%2 == 1 {
		priv = "0" + priv
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, RecoveryPrivateKeyFile), []byte(priv), 0600))

	loaded, err := Load(Config(dir))
	require.NoError(t, err)
	assert.True(t, k.RecoveryPrivate.Equal(loaded.RecoveryPrivate))
}

func TestLoadErrors(t *testing.T) {
	dir := t.TempDir()
	_, err := Generate(dir)
	require.NoError(t, err)

	t.Run("missing path", func(t *testing.T) {
		cfg := Config(dir)
		cfg.GlobalKeyPath = ""
		_, err := Load(cfg)
		assert.ErrorIs(t, err, ErrMissingKey)
	})

	t.Run("missing file", func(t *testing.T) {
		cfg := Config(dir)
		cfg.RecoveryKeyPath = filepath.Join(dir, "nope.pub")
		_, err := Load(cfg)
		assert.ErrorIs(t, err, ErrMissingKey)
	})

	t.Run("not hex", func(t *testing.T) {
		bad := filepath.Join(t.TempDir(), "global.key")
		require.NoError(t, os.WriteFile(bad, []byte("zz-not-hex"), 0600))
		cfg := Config(dir)
		cfg.GlobalKeyPath = bad
		_, err := Load(cfg)
		assert.ErrorIs(t, err, ErrInvalidKey)
	})

	t.Run("weak global key", func(t *testing.T) {
		bad := filepath.Join(t.TempDir(), "global.key")
		require.NoError(t, os.WriteFile(bad, []byte(strings.Repeat("00", 32)), 0600))
		cfg := Config(dir)
		cfg.GlobalKeyPath = bad
		_, err := Load(cfg)
		assert.ErrorIs(t, err, ErrInvalidKey)
	})

	t.Run("point not on curve", func(t *testing.T) {
		bad := filepath.Join(t.TempDir(), "recovery.pub")
		require.NoError(t, os.WriteFile(bad, []byte("04"+strings.Repeat("11", 132)), 0600))
		cfg := Config(dir)
		cfg.RecoveryKeyPath = bad
		_, err := Load(cfg)
		assert.ErrorIs(t, err, ErrInvalidKey)
	})

	t.Run("mismatched pair", func(t *testing.T) {
		other := t.TempDir()
		_, err := Generate(other)
		require.NoError(t, err)
		cfg := Config(dir)
		cfg.RecoveryPrivateKeyPath = filepath.Join(other, RecoveryPrivateKeyFile)
		_, err = Load(cfg)
		assert.ErrorIs(t, err, ErrInvalidKey)
	})

	if runtime.GOOS != "windows" {
		t.Run("loose permissions", func(t *testing.T) {
			loose := filepath.Join(t.TempDir(), "global.key")
			require.NoError(t, os.WriteFile(loose, []byte(strings.Repeat("ab", 32)), 0644))
			require.NoError(t, os.Chmod(loose, 0644))
			cfg := Config(dir)
			cfg.GlobalKeyPath = loose
			_, err := Load(cfg)
			assert.Error(t, err)
		})
	}
}

func TestManagerFromKeys(t *testing.T) {
	k, err := Generate(t.TempDir())
	require.NoError(t, err)

	m, err := k.Manager()
	require.NoError(t, err)
	assert.True(t, m.CanRecover())

	ws, err := m.ProvisionWallet("Pwd1!")
	require.NoError(t, err)
	msc, err := m.RecoverMasterKey(ws.Recovery)
	require.NoError(t, err)
	msc.Destroy()
}

func TestConfigPointsIntoDir(t *testing.T) {
	cfg := Config("/etc/walletkeys")
	assert.Equal(t, config.CryptoConfig{
		GlobalKeyPath:          filepath.Join("/etc/walletkeys", "global.key"),
		RecoveryKeyPath:        filepath.Join("/etc/walletkeys", "recovery.pub"),
		RecoveryPrivateKeyPath: filepath.Join("/etc/walletkeys", "recovery.key"),
	}, cfg)
}

func TestDestroyWipesGlobalKey(t *testing.T) {
	k, err := Generate(t.TempDir())
	require.NoError(t, err)

	key := k.GlobalKey
	k.Destroy()
	assert.Nil(t, k.GlobalKey)
	assert.Equal(t, make([]byte, GlobalKeySize), key)
}
