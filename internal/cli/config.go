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

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/jeremyhahn/go-securestore/internal/config"
	"github.com/jeremyhahn/go-securestore/pkg/capability"
	"github.com/jeremyhahn/go-securestore/pkg/custodian"
	"github.com/jeremyhahn/go-securestore/pkg/enclave"
	"github.com/jeremyhahn/go-securestore/pkg/enclave/pkcs11"
	"github.com/jeremyhahn/go-securestore/pkg/enclave/software"
	"github.com/jeremyhahn/go-securestore/pkg/enclave/tpm2"
	"github.com/jeremyhahn/go-securestore/pkg/logging"
	"github.com/jeremyhahn/go-securestore/pkg/metrics"
	"github.com/jeremyhahn/go-securestore/pkg/secret"
	"github.com/jeremyhahn/go-securestore/pkg/storage"
	"github.com/jeremyhahn/go-securestore/pkg/storage/file"
	"github.com/jeremyhahn/go-securestore/pkg/storage/keyring"
	"github.com/jeremyhahn/go-securestore/pkg/storage/memory"
	"github.com/jeremyhahn/go-securestore/pkg/storage/redis"
	"github.com/jeremyhahn/go-securestore/pkg/storage/sqlite"
)

// App is the composition root: one store, one provider, one probe, one
// custodian and one accessor, built from a config.Config.
type App struct {
	Config    *config.Config
	Logger    logging.Logger
	Store     storage.Backend
	Provider  enclave.Provider
	Probe     *capability.Probe
	Custodian *custodian.Custodian
	Secrets   *secret.Accessor

	closers []io.Closer
}

// Open builds an App from cfg. The store and provider it opens are closed
// by App.Close.
func Open(ctx context.Context, cfg *config.Config, logger logging.Logger) (*App, error) {
	if logger == nil {
		logger = logging.Discard()
	}
	store, err := openStorage(ctx, cfg)
	if err != nil {
		return nil, err
	}

	provider, err := openProvider(cfg, store, logger)
	if err != nil {
		store.Close()
		return nil, err
	}

	app, err := NewApp(cfg, store, provider, logger)
	if err != nil {
		provider.Close()
		store.Close()
		return nil, err
	}
	app.closers = []io.Closer{provider, store}

	logger.Debug("opened securestore",
		logging.String("storage", cfg.Storage.Backend),
		logging.String("provider", provider.Name()),
		logging.Strings("platforms", cfg.Provider.Platforms))
	return app, nil
}

// NewApp wires the securestore components over an existing store and
// provider. Neither is closed by App.Close.
func NewApp(cfg *config.Config, store storage.Backend, provider enclave.Provider, logger logging.Logger) (*App, error) {
	if logger == nil {
		logger = logging.Discard()
	}

	probe, err := capability.New(provider, &capability.Config{
		Platforms: cfg.Provider.Platforms,
		MinKernel: cfg.Provider.MinKernel,
	})
	if err != nil {
		return nil, fmt.Errorf("capability probe: %w", err)
	}

	policy := cfg.Policy()
	c, err := custodian.New(&custodian.Config{
		Provider:    provider,
		Probe:       probe,
		PublicTag:   cfg.Keys.PublicTag,
		PrivateTag:  cfg.Keys.PrivateTag,
		Algorithm:   cfg.Algorithm(),
		Policy:      &policy,
		LockFile:    cfg.LockFile,
		LockTimeout: cfg.LockTimeout,
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}

	accessor, err := secret.New(&secret.Config{
		Store:     store,
		Custodian: c,
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}

	if cfg.Metrics.Enabled {
		metrics.Enable()
	} else {
		metrics.Disable()
	}

	return &App{
		Config:    cfg,
		Logger:    logger,
		Store:     store,
		Provider:  provider,
		Probe:     probe,
		Custodian: c,
		Secrets:   accessor,
	}, nil
}

// Close releases the provider and the store if Open created them.
func (a *App) Close() error {
	var errs []error
	for _, c := range a.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func openStorage(ctx context.Context, cfg *config.Config) (storage.Backend, error) {
	sc := cfg.Storage
	var (
		backend storage.Backend
		err     error
	)
	switch sc.Backend {
	case config.StorageMemory:
		backend = memory.New()
	case config.StorageFile:
		backend, err = file.New(sc.Path)
	case config.StorageSQLite:
		backend, err = sqlite.Open(sc.Path)
	case config.StorageKeyring:
		backend, err = keyring.New(keyring.Config{
			ServiceName:  sc.Keyring.Service,
			Backends:     sc.Keyring.Backends,
			FileDir:      sc.Keyring.FileDir,
			FilePassword: sc.Keyring.FilePassword,
		})
	case config.StorageRedis:
		backend, err = redis.New(ctx, redis.Config{
			Addr:      sc.Redis.Addr,
			Username:  sc.Redis.Username,
			Password:  sc.Redis.Password,
			DB:        sc.Redis.DB,
			TLS:       sc.Redis.TLS,
			KeyPrefix: sc.Redis.KeyPrefix,
		})
	default:
		return nil, fmt.Errorf("unknown storage backend: %s", sc.Backend)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open %s storage: %w", sc.Backend, err)
	}
	return backend, nil
}

// openProvider builds the configured provider. "auto" prefers a TPM,
// then a configured PKCS#11 module, and otherwise returns a software
// provider that reports itself unavailable so secrets take the plaintext
// path.
func openProvider(cfg *config.Config, items storage.Backend, logger logging.Logger) (enclave.Provider, error) {
	pc := cfg.Provider
	switch pc.Type {
	case config.ProviderSoftware:
		return software.New(&software.Config{Items: items, Logger: logger}), nil

	case config.ProviderTPM2:
		return openTPM2(pc, items, logger)

	case config.ProviderPKCS11:
		return openPKCS11(pc, logger)

	case config.ProviderAuto:
		if pc.TPM2.Simulator || deviceExists(pc.TPM2.Device) {
			p, err := openTPM2(pc, items, logger)
			if err == nil {
				return p, nil
			}
			logger.Warn("tpm2 provider unavailable", logging.Error(err))
		}
		if pc.PKCS11.Module != "" {
			p, err := openPKCS11(pc, logger)
			if err == nil {
				return p, nil
			}
			logger.Warn("pkcs11 provider unavailable", logging.Error(err))
		}
		logger.Info("no hardware security provider found")
		return software.New(&software.Config{Items: items, Logger: logger, Unavailable: true}), nil

	default:
		return nil, fmt.Errorf("unknown provider: %s", pc.Type)
	}
}

func openTPM2(pc config.ProviderConfig, items storage.Backend, logger logging.Logger) (enclave.Provider, error) {
	p, err := tpm2.New(&tpm2.Config{
		Device:        pc.TPM2.Device,
		UseSimulator:  pc.TPM2.Simulator,
		HierarchyAuth: []byte(pc.TPM2.HierarchyAuth),
		Items:         items,
		Logger:        logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open tpm2 provider: %w", err)
	}
	return p, nil
}

func openPKCS11(pc config.ProviderConfig, logger logging.Logger) (enclave.Provider, error) {
	p, err := pkcs11.New(&pkcs11.Config{
		Module: pc.PKCS11.Module,
		SlotID: pc.PKCS11.Slot,
		PIN:    pc.PKCS11.PIN,
		Logger: logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open pkcs11 provider: %w", err)
	}
	logger.Debug("opened pkcs11 provider",
		logging.String("module", pc.PKCS11.Module),
		logging.Int("slot", int(pc.PKCS11.Slot)))
	return p, nil
}

func deviceExists(path string) bool {
	if path == "" {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}
