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

// Package keyring provides a storage.Backend on top of the operating
// system credential store (macOS Keychain, Secret Service, KWallet,
// Windows Credential Manager, pass) or an encrypted file keyring.
package keyring

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"sort"
	"strings"
	"sync"

	"github.com/99designs/keyring"

	"github.com/jeremyhahn/go-securestore/pkg/storage"
)

// Config configures the keyring backend.
type Config struct {
	// ServiceName namespaces items in the OS credential store.
	ServiceName string

	// Backends restricts which keyring implementations may be used, by
	// name ("keychain", "secret-service", "kwallet", "wincred", "pass",
	// "file"). Empty means any available.
	Backends []string

	// FileDir is the directory for the encrypted file backend.
	FileDir string

	// FilePassword unlocks the encrypted file backend. When empty the user
	// is prompted on the terminal.
	FilePassword string
}

// Storage is a storage.Backend backed by a keyring.Keyring. Keys are
// query-escaped before reaching the keyring so the file backend never sees
// path separators.
type Storage struct {
	mu     sync.RWMutex
	ring   keyring.Keyring
	closed bool
}

// New opens the keyring described by cfg.
func New(cfg Config) (storage.Backend, error) {
	if cfg.ServiceName == "" {
		return nil, fmt.Errorf("keyring storage: service name cannot be empty")
	}

	kcfg := keyring.Config{
		ServiceName:              cfg.ServiceName,
		KeychainTrustApplication: true,
		FileDir:                  cfg.FileDir,
		FilePasswordFunc:         keyring.TerminalPrompt,
	}
	if cfg.FilePassword != "" {
		kcfg.FilePasswordFunc = keyring.FixedStringPrompt(cfg.FilePassword)
	}
	for _, b := range cfg.Backends {
		kcfg.AllowedBackends = append(kcfg.AllowedBackends, keyring.BackendType(b))
	}

	ring, err := keyring.Open(kcfg)
	if err != nil {
		return nil, fmt.Errorf("keyring storage: failed to open keyring: %w", err)
	}
	return NewFromKeyring(ring), nil
}

// NewFromKeyring wraps an already opened keyring.
func NewFromKeyring(ring keyring.Keyring) storage.Backend {
	return &Storage{ring: ring}
}

// Get retrieves the value for the given key.
func (s *Storage) Get(key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, storage.ErrClosed
	}

	item, err := s.ring.Get(escapeKey(key))
	if err != nil {
		if isNotFound(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("keyring storage: get %q failed: %w", key, err)
	}

	value := make([]byte, len(item.Data))
	copy(value, item.Data)
	return value, nil
}

// Put stores the value for the given key. The keyring replaces items
// atomically.
func (s *Storage) Put(key string, value []byte, opts *storage.Options) error {
	if err := storage.ValidateKey(key); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return storage.ErrClosed
	}

	data := make([]byte, len(value))
	copy(data, value)

	item := keyring.Item{
		Key:   escapeKey(key),
		Data:  data,
		Label: key,
	}
	if opts != nil && opts.Metadata != nil {
		item.Description = opts.Metadata["description"]
	}
	if err := s.ring.Set(item); err != nil {
		return fmt.Errorf("keyring storage: set %q failed: %w", key, err)
	}
	return nil
}

// Delete removes the key and its value from the keyring.
func (s *Storage) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return storage.ErrClosed
	}

	if err := s.ring.Remove(escapeKey(key)); err != nil {
		if isNotFound(err) {
			return storage.ErrNotFound
		}
		return fmt.Errorf("keyring storage: remove %q failed: %w", key, err)
	}
	return nil
}

// List returns all keys with the given prefix in sorted order.
func (s *Storage) List(prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, storage.ErrClosed
	}

	all, err := s.ring.Keys()
	if err != nil {
		return nil, fmt.Errorf("keyring storage: list failed: %w", err)
	}

	keys := make([]string, 0, len(all))
	for _, escaped := range all {
		k, err := url.QueryUnescape(escaped)
		if err != nil {
			continue
		}
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Exists checks if a key exists in the keyring.
func (s *Storage) Exists(key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return false, storage.ErrClosed
	}

	if _, err := s.ring.GetMetadata(escapeKey(key)); err != nil {
		if isNotFound(err) {
			return false, nil
		}
		if !errors.Is(err, keyring.ErrMetadataNeedsCredentials) && !errors.Is(err, keyring.ErrMetadataNotSupported) {
			return false, fmt.Errorf("keyring storage: exists %q failed: %w", key, err)
		}
		// Metadata lookups are unsupported on some backends; fall back to Get
		if _, err := s.ring.Get(escapeKey(key)); err != nil {
			if isNotFound(err) {
				return false, nil
			}
			return false, fmt.Errorf("keyring storage: exists %q failed: %w", key, err)
		}
	}
	return true, nil
}

// Close marks the backend closed. The OS keyring itself has no handle to
// release.
func (s *Storage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	return nil
}

// isNotFound normalises the not-found signals of the different keyring
// implementations. The file backend reports a missing key on Remove as an
// fs error.
func isNotFound(err error) bool {
	return errors.Is(err, keyring.ErrKeyNotFound) || errors.Is(err, fs.ErrNotExist)
}

func escapeKey(key string) string {
	return url.QueryEscape(key)
}
