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

// Package mocks provides test doubles for storage backends.
package mocks

import (
	"sync"

	"github.com/jeremyhahn/go-securestore/pkg/storage"
	"github.com/jeremyhahn/go-securestore/pkg/storage/memory"
)

// MockBackend is a storage.Backend for tests. Each method calls its ...Func
// hook when set and otherwise delegates to an in-memory backend. Every call
// is recorded by key.
type MockBackend struct {
	mu sync.Mutex

	// Delegate handles calls whose hook is nil
	Delegate storage.Backend

	// Configurable behavior
	GetFunc    func(key string) ([]byte, error)
	PutFunc    func(key string, value []byte, opts *storage.Options) error
	DeleteFunc func(key string) error
	ListFunc   func(prefix string) ([]string, error)
	ExistsFunc func(key string) (bool, error)
	CloseFunc  func() error

	// Call tracking
	GetCalls    []string
	PutCalls    []string
	DeleteCalls []string
	ListCalls   []string
	ExistsCalls []string
	CloseCalls  int
}

// NewMockBackend returns a MockBackend delegating to a memory backend.
func NewMockBackend() *MockBackend {
	return &MockBackend{Delegate: memory.New()}
}

// Get retrieves a value.
func (m *MockBackend) Get(key string) ([]byte, error) {
	m.mu.Lock()
	m.GetCalls = append(m.GetCalls, key)
	fn := m.GetFunc
	m.mu.Unlock()

	if fn != nil {
		return fn(key)
	}
	return m.Delegate.Get(key)
}

// Put stores a value.
func (m *MockBackend) Put(key string, value []byte, opts *storage.Options) error {
	m.mu.Lock()
	m.PutCalls = append(m.PutCalls, key)
	fn := m.PutFunc
	m.mu.Unlock()

	if fn != nil {
		return fn(key, value, opts)
	}
	return m.Delegate.Put(key, value, opts)
}

// Delete removes a value.
func (m *MockBackend) Delete(key string) error {
	m.mu.Lock()
	m.DeleteCalls = append(m.DeleteCalls, key)
	fn := m.DeleteFunc
	m.mu.Unlock()

	if fn != nil {
		return fn(key)
	}
	return m.Delegate.Delete(key)
}

// List lists keys by prefix.
func (m *MockBackend) List(prefix string) ([]string, error) {
	m.mu.Lock()
	m.ListCalls = append(m.ListCalls, prefix)
	fn := m.ListFunc
	m.mu.Unlock()

	if fn != nil {
		return fn(prefix)
	}
	return m.Delegate.List(prefix)
}

// Exists checks for a key.
func (m *MockBackend) Exists(key string) (bool, error) {
	m.mu.Lock()
	m.ExistsCalls = append(m.ExistsCalls, key)
	fn := m.ExistsFunc
	m.mu.Unlock()

	if fn != nil {
		return fn(key)
	}
	return m.Delegate.Exists(key)
}

// Close closes the delegate.
func (m *MockBackend) Close() error {
	m.mu.Lock()
	m.CloseCalls++
	fn := m.CloseFunc
	m.mu.Unlock()

	if fn != nil {
		return fn()
	}
	return m.Delegate.Close()
}

// Writes returns the number of Put and Delete calls.
func (m *MockBackend) Writes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.PutCalls) + len(m.DeleteCalls)
}

// Reset clears call tracking.
func (m *MockBackend) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.GetCalls = nil
	m.PutCalls = nil
	m.DeleteCalls = nil
	m.ListCalls = nil
	m.ExistsCalls = nil
	m.CloseCalls = 0
}

var _ storage.Backend = (*MockBackend)(nil)
