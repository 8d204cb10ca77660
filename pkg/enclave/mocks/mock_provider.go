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

// Package mocks provides test doubles for enclave providers.
package mocks

import (
	"sync"

	"github.com/jeremyhahn/go-securestore/pkg/enclave"
	"github.com/jeremyhahn/go-securestore/pkg/enclave/software"
)

// MockProvider is an enclave.Provider for tests. Each method calls its
// ...Func hook when set and otherwise delegates to an embedded software
// provider, so the default behaviour is a working enclave. Every call is
// recorded.
type MockProvider struct {
	mu sync.Mutex

	// Delegate handles calls whose hook is nil
	Delegate *software.Provider

	// Configurable behavior
	NameFunc            func() string
	AvailableFunc       func() bool
	GenerateKeyPairFunc func(spec enclave.KeySpec) (enclave.PublicKey, enclave.PrivateKeyHandle, error)
	EncryptFunc         func(pub enclave.PublicKey, alg enclave.Algorithm, plaintext []byte) ([]byte, error)
	DecryptFunc         func(h enclave.PrivateKeyHandle, alg enclave.Algorithm, ciphertext []byte) ([]byte, error)
	LookupFunc          func(tag string, class enclave.KeyClass) (enclave.Item, error)
	AddFunc             func(item enclave.Item) error
	DeleteFunc          func(tag string, class enclave.KeyClass) error
	CloseFunc           func() error

	// Call tracking
	AvailableCalls       int
	GenerateKeyPairCalls []enclave.KeySpec
	EncryptCalls         int
	DecryptCalls         int
	LookupCalls          []string
	AddCalls             []string
	DeleteCalls          []string
	CloseCalls           int
}

// NewMockProvider returns a MockProvider delegating to a fresh software
// provider.
func NewMockProvider() *MockProvider {
	return &MockProvider{Delegate: software.New(nil)}
}

// Name returns the delegate's name unless NameFunc is set.
func (m *MockProvider) Name() string {
	if m.NameFunc != nil {
		return m.NameFunc()
	}
	return m.Delegate.Name()
}

// Available reports availability.
func (m *MockProvider) Available() bool {
	m.mu.Lock()
	m.AvailableCalls++
	fn := m.AvailableFunc
	m.mu.Unlock()

	if fn != nil {
		return fn()
	}
	return m.Delegate.Available()
}

// GenerateKeyPair generates a key pair.
func (m *MockProvider) GenerateKeyPair(spec enclave.KeySpec) (enclave.PublicKey, enclave.PrivateKeyHandle, error) {
	m.mu.Lock()
	m.GenerateKeyPairCalls = append(m.GenerateKeyPairCalls, spec)
	fn := m.GenerateKeyPairFunc
	m.mu.Unlock()

	if fn != nil {
		return fn(spec)
	}
	return m.Delegate.GenerateKeyPair(spec)
}

// Encrypt encrypts plaintext.
func (m *MockProvider) Encrypt(pub enclave.PublicKey, alg enclave.Algorithm, plaintext []byte) ([]byte, error) {
	m.mu.Lock()
	m.EncryptCalls++
	fn := m.EncryptFunc
	m.mu.Unlock()

	if fn != nil {
		return fn(pub, alg, plaintext)
	}
	return m.Delegate.Encrypt(pub, alg, plaintext)
}

// Decrypt decrypts ciphertext.
func (m *MockProvider) Decrypt(h enclave.PrivateKeyHandle, alg enclave.Algorithm, ciphertext []byte) ([]byte, error) {
	m.mu.Lock()
	m.DecryptCalls++
	fn := m.DecryptFunc
	m.mu.Unlock()

	if fn != nil {
		return fn(h, alg, ciphertext)
	}
	return m.Delegate.Decrypt(h, alg, ciphertext)
}

// Lookup finds an item.
func (m *MockProvider) Lookup(tag string, class enclave.KeyClass) (enclave.Item, error) {
	m.mu.Lock()
	m.LookupCalls = append(m.LookupCalls, class.String()+"/"+tag)
	fn := m.LookupFunc
	m.mu.Unlock()

	if fn != nil {
		return fn(tag, class)
	}
	return m.Delegate.Lookup(tag, class)
}

// Add stores an item.
func (m *MockProvider) Add(item enclave.Item) error {
	m.mu.Lock()
	m.AddCalls = append(m.AddCalls, item.Class.String()+"/"+item.Tag)
	fn := m.AddFunc
	m.mu.Unlock()

	if fn != nil {
		return fn(item)
	}
	return m.Delegate.Add(item)
}

// Delete removes an item.
func (m *MockProvider) Delete(tag string, class enclave.KeyClass) error {
	m.mu.Lock()
	m.DeleteCalls = append(m.DeleteCalls, class.String()+"/"+tag)
	fn := m.DeleteFunc
	m.mu.Unlock()

	if fn != nil {
		return fn(tag, class)
	}
	return m.Delegate.Delete(tag, class)
}

// Close closes the delegate.
func (m *MockProvider) Close() error {
	m.mu.Lock()
	m.CloseCalls++
	fn := m.CloseFunc
	m.mu.Unlock()

	if fn != nil {
		return fn()
	}
	return m.Delegate.Close()
}

// CryptoCalls returns the number of generate, encrypt and decrypt calls.
func (m *MockProvider) CryptoCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.GenerateKeyPairCalls) + m.EncryptCalls + m.DecryptCalls
}

// WriteCalls returns the number of Add and Delete calls.
func (m *MockProvider) WriteCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.AddCalls) + len(m.DeleteCalls)
}

// Reset clears call tracking.
func (m *MockProvider) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.AvailableCalls = 0
	m.GenerateKeyPairCalls = nil
	m.EncryptCalls = 0
	m.DecryptCalls = 0
	m.LookupCalls = nil
	m.AddCalls = nil
	m.DeleteCalls = nil
	m.CloseCalls = 0
}

var _ enclave.Provider = (*MockProvider)(nil)
