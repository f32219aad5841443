// Package config handles configuration loading, validation, and hot reload for walletkeys.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Version is the current configuration schema version.
const Version = 1

// EnvPrefix prefixes every environment override.
const EnvPrefix = "WALLETKEYS_"

// Config holds the complete walletkeys configuration.
type Config struct {
	Version int `toml:"version" json:"version" yaml:"version"`

	// Crypto locates the operator key material.
	Crypto CryptoConfig `toml:"crypto" json:"crypto" yaml:"crypto"`

	// Storage configures the key record database.
	Storage StorageConfig `toml:"storage" json:"storage" yaml:"storage"`

	// Recovery configures the out-of-band recovery archive.
	Recovery RecoveryConfig `toml:"recovery" json:"recovery" yaml:"recovery"`

	Logging LoggingConfig `toml:"logging" json:"logging" yaml:"logging"`
}

// CryptoConfig holds the paths of the hex-encoded operator key files.
// They are read once at process start.
type CryptoConfig struct {
	// GlobalKeyPath is the operator-held symmetric key mixed into every user wrap.
	GlobalKeyPath string `toml:"global_key_path" json:"global_key_path" yaml:"global_key_path"`

	// RecoveryKeyPath is the uncompressed P-521 recovery public point.
	RecoveryKeyPath string `toml:"recovery_key_path" json:"recovery_key_path" yaml:"recovery_key_path"`

	// RecoveryPrivateKeyPath is only needed by the reset tooling.
	// Leave empty on hosts that must not be able to recover master keys.
	RecoveryPrivateKeyPath string `toml:"recovery_private_key_path" json:"recovery_private_key_path" yaml:"recovery_private_key_path"`
}

// StorageConfig holds persistence configuration.
type StorageConfig struct {
	// Path is the SQLite database file.
	Path string `toml:"path" json:"path" yaml:"path"`

	// BusyTimeoutMs is the SQLite busy timeout in milliseconds.
	BusyTimeoutMs int `toml:"busy_timeout_ms" json:"busy_timeout_ms" yaml:"busy_timeout_ms"`
}

// RecoveryConfig holds recovery archive configuration.
type RecoveryConfig struct {
	// Folder is the root of the sharded archive tree.
	Folder string `toml:"folder" json:"folder" yaml:"folder"`

	// ValidateSchema checks archive files against the embedded JSON schema.
	ValidateSchema bool `toml:"validate_schema" json:"validate_schema" yaml:"validate_schema"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `toml:"level" json:"level" yaml:"level"`

	// Format is the log format: "text" or "json".
	Format string `toml:"format" json:"format" yaml:"format"`

	// Output is "stdout", "stderr", "file" or "both".
	Output string `toml:"output" json:"output" yaml:"output"`

	FilePath   string `toml:"file_path" json:"file_path" yaml:"file_path"`
	MaxSizeMB  int    `toml:"max_size_mb" json:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" json:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days" json:"max_age_days" yaml:"max_age_days"`
	Compress   bool   `toml:"compress" json:"compress" yaml:"compress"`

	// AuditPath is the JSON-lines audit trail of key ceremonies.
	AuditPath string `toml:"audit_path" json:"audit_path" yaml:"audit_path"`
}

// DefaultConfig returns the configuration used when no file exists.
func DefaultConfig() *Config {
	dir := DataDir()
	return &Config{
		Version: Version,
		Crypto: CryptoConfig{
			GlobalKeyPath:   filepath.Join(dir, "keys", "global.key"),
			RecoveryKeyPath: filepath.Join(dir, "keys", "recovery.pub"),
		},
		Storage: StorageConfig{
			Path:          filepath.Join(dir, "walletkeys.db"),
			BusyTimeoutMs: 5000,
		},
		Recovery: RecoveryConfig{
			Folder:         filepath.Join(dir, "recovery"),
			ValidateSchema: true,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stderr",
			FilePath:   filepath.Join(dir, "logs", "walletkeys.log"),
			MaxSizeMB:  50,
			MaxBackups: 5,
			MaxAgeDays: 30,
			Compress:   true,
			AuditPath:  filepath.Join(dir, "logs", "audit.log"),
		},
	}
}

// DataDir returns the base walletkeys directory: $WALLETKEYS_DATA_DIR,
// else $XDG_DATA_HOME/walletkeys, else ~/.local/share/walletkeys.
func DataDir() string {
	if v := os.Getenv(EnvPrefix + "DATA_DIR"); v != "" {
		return v
	}
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "walletkeys")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".walletkeys"
	}
	return filepath.Join(home, ".local", "share", "walletkeys")
}

// ConfigPath returns the default configuration file path.
func ConfigPath() string {
	return filepath.Join(DataDir(), "config.toml")
}

// Load reads configuration from path, falling back to defaults when the file
// does not exist, then applies environment overrides. TOML, JSON and YAML
// are selected by extension; anything else is parsed as TOML.
func Load(path string) (*Config, error) {
	if path == "" {
		path = ConfigPath()
	}

	cfg, err := loadFile(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnvOverrides(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFile(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("decode JSON: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("decode YAML: %w", err)
		}
	default:
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("decode TOML: %w", err)
		}
	}

	return cfg, nil
}

// ApplyEnvOverrides applies WALLETKEYS_* environment variables.
func (c *Config) ApplyEnvOverrides() error {
	str := map[string]*string{
		"GLOBAL_KEY_PATH":           &c.Crypto.GlobalKeyPath,
		"RECOVERY_KEY_PATH":         &c.Crypto.RecoveryKeyPath,
		"RECOVERY_PRIVATE_KEY_PATH": &c.Crypto.RecoveryPrivateKeyPath,
		"STORAGE_PATH":              &c.Storage.Path,
		"RECOVERY_FOLDER":           &c.Recovery.Folder,
		"LOG_LEVEL":                 &c.Logging.Level,
		"LOG_FORMAT":                &c.Logging.Format,
		"LOG_OUTPUT":                &c.Logging.Output,
		"AUDIT_PATH":                &c.Logging.AuditPath,
	}
	for name, field := range str {
		if v := os.Getenv(EnvPrefix + name); v != "" {
			*field = v
		}
	}

	if v := os.Getenv(EnvPrefix + "BUSY_TIMEOUT_MS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: %sBUSY_TIMEOUT_MS: %w", EnvPrefix, err)
		}
		c.Storage.BusyTimeoutMs = n
	}
	return nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	return ValidateConfig(c)
}

// Clone returns a copy of the configuration.
func (c *Config) Clone() *Config {
	clone := *c
	return &clone
}

// EnsureDirectories creates the directories walletkeys writes into.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		filepath.Dir(c.Storage.Path),
		c.Recovery.Folder,
	}
	if c.Logging.Output == "file" || c.Logging.Output == "both" {
		dirs = append(dirs, filepath.Dir(c.Logging.FilePath))
	}
	if c.Logging.AuditPath != "" {
		dirs = append(dirs, filepath.Dir(c.Logging.AuditPath))
	}

	for _, dir := range dirs {
		if dir == "" || dir == "." {
			continue
		}
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

// Save writes cfg to path in the format implied by its extension.
func Save(cfg *Config, path string) error {
	var (
		data []byte
		err  error
	)

	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		data, err = json.MarshalIndent(cfg, "", "  ")
	case ".yaml", ".yml":
		data, err = yaml.Marshal(cfg)
	default:
		var buf bytes.Buffer
		err = toml.NewEncoder(&buf).Encode(cfg)
		data = buf.Bytes()
	}
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
