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

//go:build !pkcs11

package pkcs11

import (
	"github.com/jeremyhahn/go-securestore/pkg/enclave"
)

// Provider is unavailable without the pkcs11 build tag.
type Provider struct{}

// New validates cfg and returns ErrNotCompiled.
func New(cfg *Config) (*Provider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return nil, ErrNotCompiled
}

func (p *Provider) Name() string    { return Name }
func (p *Provider) Available() bool { return false }

func (p *Provider) GenerateKeyPair(enclave.KeySpec) (enclave.PublicKey, enclave.PrivateKeyHandle, error) {
	return enclave.PublicKey{}, enclave.PrivateKeyHandle{}, ErrNotCompiled
}

func (p *Provider) Encrypt(enclave.PublicKey, enclave.Algorithm, []byte) ([]byte, error) {
	return nil, ErrNotCompiled
}

func (p *Provider) Decrypt(enclave.PrivateKeyHandle, enclave.Algorithm, []byte) ([]byte, error) {
	return nil, ErrNotCompiled
}

func (p *Provider) Lookup(string, enclave.KeyClass) (enclave.Item, error) {
	return enclave.Item{}, ErrNotCompiled
}

func (p *Provider) Add(enclave.Item) error                { return ErrNotCompiled }
func (p *Provider) Delete(string, enclave.KeyClass) error { return ErrNotCompiled }
func (p *Provider) Close() error                          { return nil }

var _ enclave.Provider = (*Provider)(nil)
