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

package enclave

import (
	"crypto/rand"
	"fmt"

	"github.com/jeremyhahn/go-securestore/pkg/crypto/ecies"
)

// Provider is a hardware security provider. Implementations must be safe
// for concurrent use.
type Provider interface {
	// Name identifies the provider ("software", "tpm2", "pkcs11").
	Name() string

	// Available reports whether the provider's hardware is usable on this
	// host right now. It must be cheap and must not cache across calls.
	Available() bool

	// GenerateKeyPair creates a fresh P-256 key pair. The private half stays
	// inside the provider; only an opaque handle is returned. Nothing is
	// persisted; callers store the halves via Add.
	GenerateKeyPair(spec KeySpec) (PublicKey, PrivateKeyHandle, error)

	// Encrypt seals plaintext to pub.
	Encrypt(pub PublicKey, alg Algorithm, plaintext []byte) ([]byte, error)

	// Decrypt opens ciphertext with the private key behind h.
	Decrypt(h PrivateKeyHandle, alg Algorithm, ciphertext []byte) ([]byte, error)

	// Lookup returns the item stored under tag and class or
	// ErrItemNotFound.
	Lookup(tag string, class KeyClass) (Item, error)

	// Add persists item. It returns ErrDuplicateItem when an item with the
	// same tag and class exists.
	Add(item Item) error

	// Delete removes the item stored under tag and class or returns
	// ErrItemNotFound.
	Delete(tag string, class KeyClass) error

	// Close releases provider resources.
	Close() error
}

// Seal encrypts plaintext to pub in software. Public key encryption needs
// no secret material, so every provider shares this implementation.
func Seal(pub PublicKey, alg Algorithm, plaintext []byte) ([]byte, error) {
	if pub.IsZero() {
		return nil, ErrInvalidPublicKey
	}
	scheme, err := alg.Scheme()
	if err != nil {
		return nil, err
	}
	ciphertext, err := ecies.Encrypt(rand.Reader, scheme, pub.ECDH(), plaintext, nil)
	if err != nil {
		return nil, fmt.Errorf("enclave: encrypt: %w", err)
	}
	return ciphertext, nil
}

// Open decrypts ciphertext using a provider's key agreement primitive.
func Open(agreement ecies.KeyAgreement, alg Algorithm, ciphertext []byte) ([]byte, error) {
	scheme, err := alg.Scheme()
	if err != nil {
		return nil, err
	}
	plaintext, err := ecies.Decrypt(scheme, agreement, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("enclave: decrypt: %w", err)
	}
	return plaintext, nil
}

// CheckHandle verifies that h was issued by the named provider.
func CheckHandle(provider string, h PrivateKeyHandle) error {
	if h.IsZero() {
		return fmt.Errorf("%w: zero handle", ErrInvalidHandle)
	}
	if h.Provider() != provider {
		return fmt.Errorf("%w: issued by %q, not %q", ErrInvalidHandle, h.Provider(), provider)
	}
	return nil
}
