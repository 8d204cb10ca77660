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

// Package custodian owns the application's hardware-anchored key pair.
//
// A Custodian looks the key pair up by tag on every use and provisions it
// on first use: the provider generates the pair, then the private handle
// and the public key are stored as items under their tags. Encrypt and
// Decrypt resolve the pair the same way, so callers never handle keys.
//
// Provisioning is serialized by an in-process mutex and, when LockFile is
// set, by an exclusive file lock shared with other processes.
package custodian

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"

	"github.com/jeremyhahn/go-securestore/pkg/enclave"
	"github.com/jeremyhahn/go-securestore/pkg/logging"
	"github.com/jeremyhahn/go-securestore/pkg/metrics"
)

const (
	// DefaultPublicTag is the item tag of the public key.
	DefaultPublicTag = "io.securestore.public"

	// DefaultPrivateTag is the item tag of the private key handle.
	DefaultPrivateTag = "io.securestore.private"

	// DefaultLockTimeout bounds the wait for the provisioning file lock.
	DefaultLockTimeout = 10 * time.Second

	lockRetryDelay = 100 * time.Millisecond
)

// KeyState is the lifecycle state of the key pair.
type KeyState int32

const (
	// KeyStateAbsent means no usable key pair is known.
	KeyStateAbsent KeyState = iota

	// KeyStateProvisioning means a key pair is being generated and stored.
	KeyStateProvisioning

	// KeyStatePresent means both halves were found or stored.
	KeyStatePresent
)

// String returns the state name.
func (s KeyState) String() string {
	switch s {
	case KeyStateAbsent:
		return "absent"
	case KeyStateProvisioning:
		return "provisioning"
	case KeyStatePresent:
		return "present"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// KeyPair is the resolved application key pair. The private half is an
// opaque handle usable only through the provider.
type KeyPair struct {
	PublicKey enclave.PublicKey
	Private   enclave.PrivateKeyHandle
}

// CapabilityProbe reports whether hardware-backed storage is usable.
// *capability.Probe satisfies it.
type CapabilityProbe interface {
	Available() bool
}

// Config configures a Custodian.
type Config struct {
	// Provider generates keys and stores key items. Required.
	Provider enclave.Provider

	// Probe answers IsHardwareSecurityAvailable. Provider.Available is
	// used when nil.
	Probe CapabilityProbe

	// PublicTag and PrivateTag address the key items. DefaultPublicTag and
	// DefaultPrivateTag when empty.
	PublicTag  string
	PrivateTag string

	// Algorithm used by Encrypt and Decrypt. enclave.DefaultAlgorithm when
	// zero.
	Algorithm enclave.Algorithm

	// Policy is recorded on generated keys. enclave.DefaultAccessPolicy
	// when nil.
	Policy *enclave.AccessPolicy

	// LockFile enables cross-process provisioning locking.
	LockFile string

	// LockTimeout bounds the wait for LockFile. DefaultLockTimeout when
	// zero.
	LockTimeout time.Duration

	// Logger receives custodian diagnostics. Discarded when nil.
	Logger logging.Logger
}

// Custodian manages the key pair lifecycle. It is safe for concurrent use.
type Custodian struct {
	mu          sync.Mutex
	provider    enclave.Provider
	probe       CapabilityProbe
	spec        enclave.KeySpec
	algorithm   enclave.Algorithm
	lock        *flock.Flock
	lockTimeout time.Duration
	logger      logging.Logger

	state atomic.Int32
}

// New creates a Custodian. No key is touched until first use.
func New(cfg *Config) (*Custodian, error) {
	if cfg == nil || cfg.Provider == nil {
		return nil, ErrProviderRequired
	}

	c := &Custodian{
		provider:    cfg.Provider,
		probe:       cfg.Probe,
		algorithm:   cfg.Algorithm,
		lockTimeout: cfg.LockTimeout,
		logger:      cfg.Logger,
		spec: enclave.KeySpec{
			PublicTag:  cfg.PublicTag,
			PrivateTag: cfg.PrivateTag,
			Policy:     enclave.DefaultAccessPolicy(),
		},
	}
	if c.probe == nil {
		c.probe = cfg.Provider
	}
	if c.spec.PublicTag == "" {
		c.spec.PublicTag = DefaultPublicTag
	}
	if c.spec.PrivateTag == "" {
		c.spec.PrivateTag = DefaultPrivateTag
	}
	if c.spec.PublicTag == c.spec.PrivateTag {
		return nil, fmt.Errorf("custodian: public and private tags must differ: %q", c.spec.PublicTag)
	}
	if cfg.Policy != nil {
		c.spec.Policy = *cfg.Policy
	}
	if c.algorithm == 0 {
		c.algorithm = enclave.DefaultAlgorithm
	}
	if _, err := c.algorithm.Scheme(); err != nil {
		return nil, err
	}
	if c.lockTimeout == 0 {
		c.lockTimeout = DefaultLockTimeout
	}
	if c.logger == nil {
		c.logger = logging.Discard()
	}
	c.logger = c.logger.With(logging.String("provider", c.provider.Name()))

	if cfg.LockFile != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.LockFile), 0700); err != nil {
			return nil, fmt.Errorf("custodian: create lock directory: %w", err)
		}
		c.lock = flock.New(cfg.LockFile)
	}
	return c, nil
}

// State returns the current key state.
func (c *Custodian) State() KeyState {
	return KeyState(c.state.Load())
}

// IsHardwareSecurityAvailable consults the capability probe. It is
// evaluated on every call.
func (c *Custodian) IsHardwareSecurityAvailable() bool {
	return c.probe.Available()
}

// Algorithm returns the configured encryption algorithm.
func (c *Custodian) Algorithm() enclave.Algorithm {
	return c.algorithm
}

// EnsureKeyPair returns the key pair, provisioning it if either half is
// missing. When both halves exist it performs lookups only.
//
// On generation failure nothing is written and previously stored partial
// items are left as they were. If storing a half fails, the items stored by
// this attempt are removed again.
func (c *Custodian) EnsureKeyPair() (*KeyPair, error) {
	start := time.Now()
	pair, err := c.ensureKeyPair()
	c.record(metrics.OpEnsureKey, start, err)
	return pair, err
}

func (c *Custodian) ensureKeyPair() (*KeyPair, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	pair, err := c.lookup()
	if err != nil {
		c.absent()
		return nil, fmt.Errorf("%w: %w", ErrKeyProvisioningFailed, err)
	}
	if pair != nil {
		return c.present(pair), nil
	}

	unlock, err := c.acquire()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrKeyProvisioningFailed, err)
	}
	defer unlock()

	// Another process may have provisioned while we waited for the lock
	pair, err = c.lookup()
	if err != nil {
		c.absent()
		return nil, fmt.Errorf("%w: %w", ErrKeyProvisioningFailed, err)
	}
	if pair != nil {
		return c.present(pair), nil
	}

	return c.provision()
}

// LookupKeyPair returns the stored key pair without provisioning. It
// returns ErrNoKeyAvailable when either half is missing.
func (c *Custodian) LookupKeyPair() (*KeyPair, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	pair, err := c.lookup()
	if err != nil {
		c.absent()
		return nil, err
	}
	if pair == nil {
		c.absent()
		return nil, ErrNoKeyAvailable
	}
	return c.present(pair), nil
}

// Encrypt encrypts plaintext to the application public key. An empty
// plaintext is valid.
func (c *Custodian) Encrypt(plaintext []byte) ([]byte, error) {
	start := time.Now()
	ciphertext, err := c.encrypt(plaintext)
	c.record(metrics.OpEncrypt, start, err)
	return ciphertext, err
}

func (c *Custodian) encrypt(plaintext []byte) ([]byte, error) {
	pair, err := c.EnsureKeyPair()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNoKeyAvailable, err)
	}
	ciphertext, err := c.provider.Encrypt(pair.PublicKey, c.algorithm, plaintext)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEncryptionFailed, err)
	}
	return ciphertext, nil
}

// Decrypt decrypts ciphertext produced by Encrypt with the same key pair.
func (c *Custodian) Decrypt(ciphertext []byte) ([]byte, error) {
	start := time.Now()
	plaintext, err := c.decrypt(ciphertext)
	c.record(metrics.OpDecrypt, start, err)
	return plaintext, err
}

func (c *Custodian) decrypt(ciphertext []byte) ([]byte, error) {
	pair, err := c.EnsureKeyPair()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNoKeyAvailable, err)
	}
	plaintext, err := c.provider.Decrypt(pair.Private, c.algorithm, ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecryptionFailed, err)
	}
	return plaintext, nil
}

// DestroyKeyPair deletes both key items. Missing items are ignored. The
// next EnsureKeyPair provisions a new pair; data encrypted under the old
// pair can no longer be decrypted.
func (c *Custodian) DestroyKeyPair() error {
	start := time.Now()
	err := c.destroyKeyPair()
	c.record(metrics.OpDestroyKey, start, err)
	return err
}

func (c *Custodian) destroyKeyPair() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	unlock, err := c.acquire()
	if err != nil {
		return err
	}
	defer unlock()

	var errs []error
	for _, it := range []struct {
		tag   string
		class enclave.KeyClass
	}{
		{c.spec.PrivateTag, enclave.KeyClassPrivate},
		{c.spec.PublicTag, enclave.KeyClassPublic},
	} {
		if err := c.provider.Delete(it.tag, it.class); err != nil && !errors.Is(err, enclave.ErrItemNotFound) {
			errs = append(errs, fmt.Errorf("delete %s item %q: %w", it.class, it.tag, err))
		}
	}
	c.absent()
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, errors.Join(errs...))
	}
	c.logger.Info("destroyed key pair", logging.String("tag", c.spec.PrivateTag))
	return nil
}

// lookup returns the stored pair, nil when either half is missing or
// undecodable, or an error when the store could not be read. Callers
// hold mu.
func (c *Custodian) lookup() (*KeyPair, error) {
	pubItem, pubErr := c.provider.Lookup(c.spec.PublicTag, enclave.KeyClassPublic)
	if err := c.lookupError(c.spec.PublicTag, pubErr); err != nil {
		return nil, err
	}
	privItem, privErr := c.provider.Lookup(c.spec.PrivateTag, enclave.KeyClassPrivate)
	if err := c.lookupError(c.spec.PrivateTag, privErr); err != nil {
		return nil, err
	}

	switch {
	case pubErr == nil && privErr == nil:
		return &KeyPair{PublicKey: pubItem.PublicKey, Private: privItem.Private}, nil
	case pubErr == nil || privErr == nil:
		c.logger.Warn("partial key pair found, reprovisioning",
			logging.Bool("public_found", pubErr == nil),
			logging.Bool("private_found", privErr == nil))
	}
	return nil, nil
}

// lookupError classifies a provider lookup error. Missing and corrupt
// items both count as an absent half; provisioning replaces them.
func (c *Custodian) lookupError(tag string, err error) error {
	switch {
	case err == nil, errors.Is(err, enclave.ErrItemNotFound):
		return nil
	case errors.Is(err, enclave.ErrInvalidItem):
		c.logger.Warn("discarding unreadable key item",
			logging.String("tag", tag),
			logging.Error(err))
		return nil
	}
	return fmt.Errorf("%w: lookup %q: %w", ErrStoreUnavailable, tag, err)
}

// provision generates and stores a new pair. Callers hold mu and the file
// lock.
func (c *Custodian) provision() (*KeyPair, error) {
	c.state.Store(int32(KeyStateProvisioning))

	start := time.Now()
	pub, priv, err := c.provider.GenerateKeyPair(c.spec)
	c.record(metrics.OpGenerate, start, err)
	if err != nil {
		c.absent()
		c.logger.Error("key generation failed", logging.Error(err))
		return nil, fmt.Errorf("%w: %w", ErrKeyProvisioningFailed, err)
	}

	now := time.Now().UTC()
	items := []enclave.Item{
		{Tag: c.spec.PrivateTag, Class: enclave.KeyClassPrivate, Private: priv, Policy: c.spec.Policy, CreatedAt: now},
		{Tag: c.spec.PublicTag, Class: enclave.KeyClassPublic, PublicKey: pub, Policy: c.spec.Policy, CreatedAt: now},
	}

	var added []enclave.Item
	for _, item := range items {
		if err := c.replace(item); err != nil {
			c.rollback(added)
			c.absent()
			c.logger.Error("storing key item failed",
				logging.String("tag", item.Tag),
				logging.Error(err))
			return nil, fmt.Errorf("%w: %w: %w", ErrKeyProvisioningFailed, ErrStoreUnavailable, err)
		}
		added = append(added, item)
	}

	c.logger.Info("provisioned key pair",
		logging.String("tag", c.spec.PrivateTag),
		logging.String("fingerprint", pub.Fingerprint()),
		logging.Duration("elapsed", time.Since(start)))

	return c.present(&KeyPair{PublicKey: pub, Private: priv}), nil
}

// replace deletes any stale item under the tag and adds item.
func (c *Custodian) replace(item enclave.Item) error {
	if err := c.provider.Delete(item.Tag, item.Class); err != nil && !errors.Is(err, enclave.ErrItemNotFound) {
		return fmt.Errorf("delete stale %s item %q: %w", item.Class, item.Tag, err)
	}
	if err := c.provider.Add(item); err != nil {
		return fmt.Errorf("add %s item %q: %w", item.Class, item.Tag, err)
	}
	return nil
}

func (c *Custodian) rollback(added []enclave.Item) {
	for _, item := range added {
		if err := c.provider.Delete(item.Tag, item.Class); err != nil {
			c.logger.Warn("rollback of key item failed",
				logging.String("tag", item.Tag),
				logging.Error(err))
		}
	}
}

// acquire takes the cross-process lock when configured.
func (c *Custodian) acquire() (func(), error) {
	if c.lock == nil {
		return func() {}, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.lockTimeout)
	defer cancel()

	locked, err := c.lock.TryLockContext(ctx, lockRetryDelay)
	if err != nil {
		return nil, fmt.Errorf("%w: acquire lock %s: %w", ErrStoreUnavailable, c.lock.Path(), err)
	}
	if !locked {
		return nil, fmt.Errorf("%w: acquire lock %s: timeout", ErrStoreUnavailable, c.lock.Path())
	}
	return func() {
		if err := c.lock.Unlock(); err != nil {
			c.logger.Warn("release lock failed", logging.Error(err))
		}
	}, nil
}

func (c *Custodian) present(pair *KeyPair) *KeyPair {
	c.state.Store(int32(KeyStatePresent))
	metrics.SetKeyPresent(c.provider.Name(), true)
	return pair
}

func (c *Custodian) absent() {
	c.state.Store(int32(KeyStateAbsent))
	metrics.SetKeyPresent(c.provider.Name(), false)
}

func (c *Custodian) record(op string, start time.Time, err error) {
	status := metrics.StatusSuccess
	if err != nil {
		status = metrics.StatusError
		metrics.RecordError(op, c.provider.Name(), errorType(err))
	}
	metrics.RecordOperation(op, c.provider.Name(), status, time.Since(start).Seconds())
}

// errorType maps an error to a low-cardinality metrics label.
func errorType(err error) string {
	switch {
	case errors.Is(err, ErrStoreUnavailable):
		return "store_unavailable"
	case errors.Is(err, ErrKeyProvisioningFailed):
		return "provisioning_failed"
	case errors.Is(err, ErrNoKeyAvailable):
		return "no_key"
	case errors.Is(err, ErrEncryptionFailed):
		return "encryption_failed"
	case errors.Is(err, ErrDecryptionFailed):
		return "decryption_failed"
	default:
		return "other"
	}
}
