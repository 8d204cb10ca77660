// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-securestore.
//
// go-securestore is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

// Package config loads the securestore YAML configuration and applies
// SECURESTORE_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/hashicorp/go-version"
	"gopkg.in/yaml.v3"

	"github.com/jeremyhahn/go-securestore/pkg/enclave"
)

// AppName names the XDG directories and the keyring service.
const AppName = "securestore"

// Storage backend names.
const (
	StorageMemory  = "memory"
	StorageFile    = "file"
	StorageKeyring = "keyring"
	StorageSQLite  = "sqlite"
	StorageRedis   = "redis"
)

// Provider type names.
const (
	ProviderAuto     = "auto"
	ProviderSoftware = "software"
	ProviderTPM2     = "tpm2"
	ProviderPKCS11   = "pkcs11"
)

// Config represents the complete securestore configuration
type Config struct {
	Logging  LoggingConfig  `yaml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Storage  StorageConfig  `yaml:"storage"`
	Provider ProviderConfig `yaml:"provider"`
	Keys     KeysConfig     `yaml:"keys"`

	// LockFile serializes key provisioning across processes. Empty
	// disables the cross-process lock.
	LockFile string `yaml:"lock_file"`

	// LockTimeout bounds the wait for LockFile.
	LockTimeout time.Duration `yaml:"lock_timeout"`
}

// LoggingConfig controls logging behavior
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig controls metrics collection
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`

	// Textfile, when set, receives the registry after every CLI command
	// for the node_exporter textfile collector.
	Textfile string `yaml:"textfile"`
}

// StorageConfig selects where secrets and key items are kept
type StorageConfig struct {
	Backend string        `yaml:"backend"` // memory, file, keyring, sqlite, redis
	Path    string        `yaml:"path"`    // directory for file, database file for sqlite
	Keyring KeyringConfig `yaml:"keyring"`
	Redis   RedisConfig   `yaml:"redis"`
}

// KeyringConfig contains OS keyring settings
type KeyringConfig struct {
	Service      string   `yaml:"service"`
	Backends     []string `yaml:"backends,omitempty"`
	FileDir      string   `yaml:"file_dir"`
	FilePassword string   `yaml:"file_password"`
}

// RedisConfig contains Redis connection settings
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	TLS       bool   `yaml:"tls"`
	KeyPrefix string `yaml:"key_prefix"`
}

// ProviderConfig selects the hardware security provider
type ProviderConfig struct {
	Type string `yaml:"type"` // auto, software, tpm2, pkcs11

	// Platforms is the OS allow-list for hardware security. Empty uses
	// the capability package defaults.
	Platforms []string `yaml:"platforms,omitempty"`

	// MinKernel is the minimum OS release, e.g. "5.4".
	MinKernel string `yaml:"min_kernel"`

	TPM2   TPM2Config   `yaml:"tpm2"`
	PKCS11 PKCS11Config `yaml:"pkcs11"`
}

// TPM2Config contains TPM 2.0 provider settings
type TPM2Config struct {
	Device        string `yaml:"device"`
	Simulator     bool   `yaml:"simulator"`
	HierarchyAuth string `yaml:"hierarchy_auth"`
}

// PKCS11Config contains PKCS#11 provider settings
type PKCS11Config struct {
	Module string `yaml:"module"`
	Slot   uint   `yaml:"slot"`
	PIN    string `yaml:"pin"`
}

// KeysConfig names the application key pair
type KeysConfig struct {
	PublicTag           string `yaml:"public_tag"`
	PrivateTag          string `yaml:"private_tag"`
	Algorithm           string `yaml:"algorithm"`
	RequireUserPresence bool   `yaml:"require_user_presence"`
}

// ConfigDir returns the XDG config directory, typically
// ~/.config/securestore on Linux.
func ConfigDir() string {
	return filepath.Join(xdg.ConfigHome, AppName)
}

// ConfigPath returns the default config file path.
func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}

// DataDir returns the XDG data directory, typically
// ~/.local/share/securestore on Linux.
func DataDir() string {
	return filepath.Join(xdg.DataHome, AppName)
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	dataDir := DataDir()
	return &Config{
		Logging: LoggingConfig{
			Level:  "warn",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
		Storage: StorageConfig{
			Backend: StorageFile,
			Path:    filepath.Join(dataDir, "store"),
			Keyring: KeyringConfig{
				Service: AppName,
				FileDir: filepath.Join(dataDir, "keyring"),
			},
			Redis: RedisConfig{
				Addr:      "localhost:6379",
				KeyPrefix: AppName + ":",
			},
		},
		Provider: ProviderConfig{
			Type: ProviderAuto,
			TPM2: TPM2Config{
				Device: "/dev/tpmrm0",
			},
		},
		Keys: KeysConfig{
			PublicTag:  "io.securestore.public",
			PrivateTag: "io.securestore.private",
			Algorithm:  enclave.DefaultAlgorithm.String(),
		},
		LockFile:    filepath.Join(dataDir, "provision.lock"),
		LockTimeout: 10 * time.Second,
	}
}

// Load reads configuration from a YAML file over the defaults and applies
// environment variable overrides
func Load(path string) (*Config, error) {
	// #nosec G304 - Config file path is provided by the user
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// LoadOrDefault loads path, or ConfigPath when path is empty. A missing
// default file is not an error; the defaults are used instead. A missing
// explicit path is.
func LoadOrDefault(path string) (*Config, error) {
	explicit := path != ""
	if !explicit {
		path = ConfigPath()
	}
	cfg, err := Load(path)
	if err == nil {
		return cfg, nil
	}
	if explicit || !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	cfg = Default()
	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults, applies environment overrides and
// validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides to the configuration
func applyEnvOverrides(cfg *Config) {
	// Logging
	if level := os.Getenv("SECURESTORE_LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}
	if format := os.Getenv("SECURESTORE_LOG_FORMAT"); format != "" {
		cfg.Logging.Format = format
	}

	// Metrics
	if enabled := os.Getenv("SECURESTORE_METRICS"); enabled != "" {
		b, err := strconv.ParseBool(enabled)
		if err != nil {
			log.Printf("Warning: invalid SECURESTORE_METRICS value %q, keeping %t: %v",
				enabled, cfg.Metrics.Enabled, err)
		} else {
			cfg.Metrics.Enabled = b
		}
	}
	if textfile := os.Getenv("SECURESTORE_METRICS_TEXTFILE"); textfile != "" {
		cfg.Metrics.Textfile = textfile
	}

	// Storage
	if backend := os.Getenv("SECURESTORE_STORAGE"); backend != "" {
		cfg.Storage.Backend = backend
	}
	if dataDir := os.Getenv("SECURESTORE_DATA_DIR"); dataDir != "" {
		cfg.SetDataDir(dataDir)
	}
	if password := os.Getenv("SECURESTORE_KEYRING_PASSWORD"); password != "" {
		cfg.Storage.Keyring.FilePassword = password
	}
	if addr := os.Getenv("SECURESTORE_REDIS_ADDR"); addr != "" {
		cfg.Storage.Redis.Addr = addr
	}
	if password := os.Getenv("SECURESTORE_REDIS_PASSWORD"); password != "" {
		cfg.Storage.Redis.Password = password
	}

	// Provider
	if provider := os.Getenv("SECURESTORE_PROVIDER"); provider != "" {
		cfg.Provider.Type = provider
	}
	if tpmPath := os.Getenv("TPM_DEVICE_PATH"); tpmPath != "" {
		cfg.Provider.TPM2.Device = tpmPath
	}
	if tpmPath := os.Getenv("SECURESTORE_TPM_DEVICE"); tpmPath != "" {
		cfg.Provider.TPM2.Device = tpmPath
	}
	if pkcs11Lib := os.Getenv("PKCS11_LIBRARY"); pkcs11Lib != "" {
		cfg.Provider.PKCS11.Module = pkcs11Lib
	}
	if pkcs11Lib := os.Getenv("SECURESTORE_PKCS11_MODULE"); pkcs11Lib != "" {
		cfg.Provider.PKCS11.Module = pkcs11Lib
	}
	if slot := os.Getenv("SECURESTORE_PKCS11_SLOT"); slot != "" {
		n, err := strconv.ParseUint(slot, 10, 32)
		if err != nil {
			log.Printf("Warning: invalid SECURESTORE_PKCS11_SLOT value %q, using %d: %v",
				slot, cfg.Provider.PKCS11.Slot, err)
		} else {
			cfg.Provider.PKCS11.Slot = uint(n)
		}
	}
	if pin := os.Getenv("SECURESTORE_PKCS11_PIN"); pin != "" {
		cfg.Provider.PKCS11.PIN = pin
	}
}

// SetDataDir relocates every path derived from the data directory. The
// storage path depends on the backend, so set the backend first.
func (c *Config) SetDataDir(dataDir string) {
	switch c.Storage.Backend {
	case StorageSQLite:
		c.Storage.Path = filepath.Join(dataDir, "securestore.db")
	default:
		c.Storage.Path = filepath.Join(dataDir, "store")
	}
	c.Storage.Keyring.FileDir = filepath.Join(dataDir, "keyring")
	c.LockFile = filepath.Join(dataDir, "provision.lock")
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	// Validate logging level
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "warning": true, "error": true,
	}
	if !validLevels[strings.ToLower(c.Logging.Level)] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	// Validate logging format
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(c.Logging.Format)] {
		return fmt.Errorf("invalid log format: %s (must be json or text)", c.Logging.Format)
	}

	// Validate storage
	switch c.Storage.Backend {
	case StorageMemory, StorageRedis:
	case StorageFile, StorageSQLite:
		if c.Storage.Path == "" {
			return fmt.Errorf("storage path is required for the %s backend", c.Storage.Backend)
		}
	case StorageKeyring:
		if c.Storage.Keyring.Service == "" {
			return fmt.Errorf("keyring service is required for the keyring backend")
		}
	case "":
		return fmt.Errorf("storage backend must be specified")
	default:
		return fmt.Errorf("invalid storage backend: %s (must be memory, file, keyring, sqlite, or redis)", c.Storage.Backend)
	}

	// Validate provider
	switch c.Provider.Type {
	case ProviderAuto, ProviderSoftware:
	case ProviderTPM2:
		if c.Provider.TPM2.Device == "" && !c.Provider.TPM2.Simulator {
			return fmt.Errorf("tpm2 device is required unless the simulator is enabled")
		}
	case ProviderPKCS11:
		if c.Provider.PKCS11.Module == "" {
			return fmt.Errorf("pkcs11 module is required for the pkcs11 provider")
		}
	default:
		return fmt.Errorf("invalid provider: %s (must be auto, software, tpm2, or pkcs11)", c.Provider.Type)
	}
	if c.Provider.MinKernel != "" {
		if _, err := version.NewVersion(c.Provider.MinKernel); err != nil {
			return fmt.Errorf("invalid min_kernel: %q: %w", c.Provider.MinKernel, err)
		}
	}

	// Validate keys
	if c.Keys.PublicTag == "" || c.Keys.PrivateTag == "" {
		return fmt.Errorf("public_tag and private_tag must be specified")
	}
	if c.Keys.PublicTag == c.Keys.PrivateTag {
		return fmt.Errorf("public_tag and private_tag must differ")
	}
	if _, err := enclave.ParseAlgorithm(c.Keys.Algorithm); err != nil {
		return fmt.Errorf("invalid key algorithm: %w", err)
	}

	if c.LockTimeout < 0 {
		return fmt.Errorf("lock_timeout cannot be negative")
	}

	return nil
}

// Algorithm returns the parsed key algorithm. Validate has already
// rejected unknown names.
func (c *Config) Algorithm() enclave.Algorithm {
	alg, err := enclave.ParseAlgorithm(c.Keys.Algorithm)
	if err != nil {
		return enclave.DefaultAlgorithm
	}
	return alg
}

// Policy returns the access policy for new key pairs.
func (c *Config) Policy() enclave.AccessPolicy {
	policy := enclave.DefaultAccessPolicy()
	policy.RequireUserPresence = c.Keys.RequireUserPresence
	return policy
}
