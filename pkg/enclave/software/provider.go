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

// Package software implements enclave.Provider in process memory. Private
// keys never leave the provider's map and are lost when the process exits.
// It backs tests and development hosts without secure hardware.
package software

import (
	"crypto/ecdh"
	"crypto/rand"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/jeremyhahn/go-securestore/pkg/enclave"
	"github.com/jeremyhahn/go-securestore/pkg/logging"
	"github.com/jeremyhahn/go-securestore/pkg/storage"
	"github.com/jeremyhahn/go-securestore/pkg/storage/memory"
)

// Name is the provider name recorded in handles and item records.
const Name = "software"

// Config configures the software provider.
type Config struct {
	// Items persists key item records. An in-memory backend is used when
	// nil.
	Items storage.Backend

	// Logger receives provider diagnostics. Discarded when nil.
	Logger logging.Logger

	// PresenceCheck is consulted before private key use when the key's
	// policy requires user presence. A nil check always succeeds.
	PresenceCheck func(reason string) error

	// Unavailable makes Available report false until SetAvailable(true).
	Unavailable bool
}

// Provider is the in-process enclave.Provider.
type Provider struct {
	mu        sync.RWMutex
	keys      map[uuid.UUID]*softKey
	items     *enclave.ItemStore
	backend   storage.Backend
	ownsItems bool
	presence  func(reason string) error
	logger    logging.Logger
	available atomic.Bool
	closed    bool
}

type softKey struct {
	priv   *ecdh.PrivateKey
	policy enclave.AccessPolicy
}

// New creates a software provider.
func New(cfg *Config) *Provider {
	if cfg == nil {
		cfg = &Config{}
	}

	p := &Provider{
		keys:     make(map[uuid.UUID]*softKey),
		backend:  cfg.Items,
		presence: cfg.PresenceCheck,
		logger:   cfg.Logger,
	}
	if p.backend == nil {
		p.backend = memory.New()
		p.ownsItems = true
	}
	if p.logger == nil {
		p.logger = logging.Discard()
	}
	p.items = enclave.NewItemStore(p.backend, Name)
	p.available.Store(!cfg.Unavailable)
	return p
}

// Name returns "software".
func (p *Provider) Name() string { return Name }

// Available reports whether the provider is open and marked available.
func (p *Provider) Available() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return !p.closed && p.available.Load()
}

// SetAvailable toggles the simulated hardware presence.
func (p *Provider) SetAvailable(available bool) {
	p.available.Store(available)
}

// GenerateKeyPair creates a P-256 key pair held in process memory.
func (p *Provider) GenerateKeyPair(spec enclave.KeySpec) (enclave.PublicKey, enclave.PrivateKeyHandle, error) {
	if err := spec.Validate(); err != nil {
		return enclave.PublicKey{}, enclave.PrivateKeyHandle{}, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return enclave.PublicKey{}, enclave.PrivateKeyHandle{}, enclave.ErrClosed
	}
	if !p.available.Load() {
		return enclave.PublicKey{}, enclave.PrivateKeyHandle{}, enclave.ErrNotAvailable
	}

	priv, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return enclave.PublicKey{}, enclave.PrivateKeyHandle{}, fmt.Errorf("software: generate key: %w", err)
	}
	pub, err := enclave.PublicKeyFromECDH(priv.PublicKey())
	if err != nil {
		return enclave.PublicKey{}, enclave.PrivateKeyHandle{}, err
	}

	id := uuid.New()
	p.keys[id] = &softKey{priv: priv, policy: spec.Policy}

	p.logger.Debug("generated key pair",
		logging.String("provider", Name),
		logging.String("tag", spec.PrivateTag))

	return pub, enclave.NewPrivateKeyHandle(Name, spec.PrivateTag, id[:]), nil
}

// Encrypt seals plaintext to pub.
func (p *Provider) Encrypt(pub enclave.PublicKey, alg enclave.Algorithm, plaintext []byte) ([]byte, error) {
	if err := p.checkOpen(); err != nil {
		return nil, err
	}
	return enclave.Seal(pub, alg, plaintext)
}

// Decrypt opens ciphertext with the in-memory key behind h.
func (p *Provider) Decrypt(h enclave.PrivateKeyHandle, alg enclave.Algorithm, ciphertext []byte) ([]byte, error) {
	key, err := p.resolve(h)
	if err != nil {
		return nil, err
	}

	if key.policy.RequireUserPresence && p.presence != nil {
		if err := p.presence("decrypt " + h.Tag()); err != nil {
			return nil, fmt.Errorf("%w: %w", enclave.ErrUserPresence, err)
		}
	}

	return enclave.Open(key.priv, alg, ciphertext)
}

// Lookup returns the stored item. A private item whose key material is no
// longer in memory is reported as not found.
func (p *Provider) Lookup(tag string, class enclave.KeyClass) (enclave.Item, error) {
	if err := p.checkOpen(); err != nil {
		return enclave.Item{}, err
	}

	item, err := p.items.Lookup(tag, class)
	if err != nil {
		return enclave.Item{}, err
	}
	if class == enclave.KeyClassPrivate {
		if _, err := p.resolve(item.Private); err != nil {
			return enclave.Item{}, fmt.Errorf("%w: key material for %q is gone", enclave.ErrItemNotFound, tag)
		}
	}
	return item, nil
}

// Add persists item.
func (p *Provider) Add(item enclave.Item) error {
	if err := p.checkOpen(); err != nil {
		return err
	}
	if item.Class == enclave.KeyClassPrivate {
		if err := enclave.CheckHandle(Name, item.Private); err != nil {
			return err
		}
	}
	return p.items.Add(item)
}

// Delete removes the item. Deleting a private item also drops its key.
func (p *Provider) Delete(tag string, class enclave.KeyClass) error {
	if err := p.checkOpen(); err != nil {
		return err
	}

	var id uuid.UUID
	var haveID bool
	if class == enclave.KeyClassPrivate {
		if item, err := p.items.Lookup(tag, class); err == nil {
			id, err = uuid.FromBytes(item.Private.Ref())
			haveID = err == nil
		}
	}

	if err := p.items.Delete(tag, class); err != nil {
		return err
	}

	if haveID {
		p.mu.Lock()
		delete(p.keys, id)
		p.mu.Unlock()
	}
	return nil
}

// Close drops all key material and closes the item backend if the
// provider created it.
func (p *Provider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true
	p.keys = nil
	if p.ownsItems {
		return p.backend.Close()
	}
	return nil
}

func (p *Provider) checkOpen() error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return enclave.ErrClosed
	}
	return nil
}

func (p *Provider) resolve(h enclave.PrivateKeyHandle) (*softKey, error) {
	if err := enclave.CheckHandle(Name, h); err != nil {
		return nil, err
	}
	id, err := uuid.FromBytes(h.Ref())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", enclave.ErrInvalidHandle, err)
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return nil, enclave.ErrClosed
	}
	key, ok := p.keys[id]
	if !ok {
		return nil, fmt.Errorf("%w: unknown key %s", enclave.ErrInvalidHandle, id)
	}
	return key, nil
}

var _ enclave.Provider = (*Provider)(nil)

// errPresenceDeclined is returned by DeclinePresence.
var errPresenceDeclined = errors.New("user declined")

// DeclinePresence is a PresenceCheck that always refuses.
func DeclinePresence(string) error { return errPresenceDeclined }
