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

// Package enclave defines the hardware security provider contract: key
// pair generation, tag-addressed key items and ECIES encryption through
// opaque private key handles.
//
// Implementations live in subpackages:
//   - software: in-process emulation for tests and development
//   - tpm2: TPM 2.0 via go-tpm
//   - pkcs11: PKCS#11 tokens and HSMs (build tag pkcs11)
package enclave

import (
	"bytes"
	"crypto/ecdh"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/jeremyhahn/go-securestore/pkg/crypto/ecies"
)

// KeyClass distinguishes the two halves of a key pair in the item store.
type KeyClass int

const (
	// KeyClassPublic is an exported public key record.
	KeyClassPublic KeyClass = iota + 1

	// KeyClassPrivate is a non-exportable private key handle record.
	KeyClassPrivate
)

// String returns the class name used in storage paths.
func (c KeyClass) String() string {
	switch c {
	case KeyClassPublic:
		return "public"
	case KeyClassPrivate:
		return "private"
	default:
		return fmt.Sprintf("class(%d)", int(c))
	}
}

// Algorithm identifies the asymmetric encryption algorithm.
type Algorithm int

const (
	// AlgorithmECIESX963SHA256AESGCM is cofactor ECDH with the X9.63 KDF
	// and AES-GCM. It produces the same layout as the platform keychain
	// algorithm eciesEncryptionCofactorX963SHA256AESGCM.
	AlgorithmECIESX963SHA256AESGCM Algorithm = iota + 1

	// AlgorithmECIESHKDFSHA256AESGCM is ECDH with HKDF-SHA256 and
	// AES-256-GCM with a random nonce.
	AlgorithmECIESHKDFSHA256AESGCM
)

// DefaultAlgorithm is used when none is configured.
const DefaultAlgorithm = AlgorithmECIESX963SHA256AESGCM

// String returns the configuration name of the algorithm.
func (a Algorithm) String() string {
	switch a {
	case AlgorithmECIESX963SHA256AESGCM:
		return "ecies-x963-sha256-aesgcm"
	case AlgorithmECIESHKDFSHA256AESGCM:
		return "ecies-hkdf-sha256-aesgcm"
	default:
		return fmt.Sprintf("algorithm(%d)", int(a))
	}
}

// Scheme returns the ECIES scheme implementing the algorithm.
func (a Algorithm) Scheme() (ecies.Scheme, error) {
	switch a {
	case AlgorithmECIESX963SHA256AESGCM:
		return ecies.SchemeX963SHA256AESGCM, nil
	case AlgorithmECIESHKDFSHA256AESGCM:
		return ecies.SchemeHKDFSHA256AESGCM, nil
	default:
		return 0, fmt.Errorf("%w: %s", ErrUnsupportedAlgorithm, a)
	}
}

// ParseAlgorithm parses an algorithm name as produced by String.
// An empty name selects DefaultAlgorithm.
func ParseAlgorithm(name string) (Algorithm, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "ecies-x963-sha256-aesgcm":
		return AlgorithmECIESX963SHA256AESGCM, nil
	case "ecies-hkdf-sha256-aesgcm":
		return AlgorithmECIESHKDFSHA256AESGCM, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, name)
	}
}

// AccessPolicy describes when the private key may be used.
type AccessPolicy struct {
	// AfterFirstUnlockThisDeviceOnly binds the key to this device and makes
	// it usable once the device has been unlocked after boot.
	AfterFirstUnlockThisDeviceOnly bool `json:"after_first_unlock_this_device_only"`

	// RequireUserPresence demands a presence check (biometric, PIN, touch)
	// for each private key operation on providers that support it.
	RequireUserPresence bool `json:"require_user_presence"`
}

// DefaultAccessPolicy returns the policy used for application keys.
func DefaultAccessPolicy() AccessPolicy {
	return AccessPolicy{AfterFirstUnlockThisDeviceOnly: true}
}

// KeySpec describes a key pair to generate. Only NIST P-256 is supported.
type KeySpec struct {
	PrivateTag string
	PublicTag  string
	Curve      ecdh.Curve
	Policy     AccessPolicy
}

// Validate checks that both tags are set and the curve is P-256.
func (s KeySpec) Validate() error {
	if s.PrivateTag == "" || s.PublicTag == "" {
		return fmt.Errorf("%w: key spec requires private and public tags", ErrInvalidItem)
	}
	if s.Curve != nil && s.Curve != ecdh.P256() {
		return ErrUnsupportedCurve
	}
	return nil
}

// PublicKey is an exportable EC P-256 public key.
type PublicKey struct {
	key *ecdh.PublicKey
}

// NewPublicKey parses an X9.62 uncompressed P-256 point (65 bytes).
func NewPublicKey(raw []byte) (PublicKey, error) {
	key, err := ecdh.P256().NewPublicKey(raw)
	if err != nil {
		return PublicKey{}, fmt.Errorf("%w: %w", ErrInvalidPublicKey, err)
	}
	return PublicKey{key: key}, nil
}

// PublicKeyFromECDH wraps a crypto/ecdh P-256 public key.
func PublicKeyFromECDH(key *ecdh.PublicKey) (PublicKey, error) {
	if key == nil || key.Curve() != ecdh.P256() {
		return PublicKey{}, ErrInvalidPublicKey
	}
	return PublicKey{key: key}, nil
}

// Bytes returns the X9.62 uncompressed encoding of the point.
func (p PublicKey) Bytes() []byte {
	if p.key == nil {
		return nil
	}
	return p.key.Bytes()
}

// ECDH returns the key as a crypto/ecdh public key.
func (p PublicKey) ECDH() *ecdh.PublicKey {
	return p.key
}

// IsZero reports whether p holds no key.
func (p PublicKey) IsZero() bool {
	return p.key == nil
}

// Equal reports whether both keys encode the same point.
func (p PublicKey) Equal(other PublicKey) bool {
	return bytes.Equal(p.Bytes(), other.Bytes())
}

// Fingerprint returns the hex SHA-256 digest of the encoded point.
func (p PublicKey) Fingerprint() string {
	if p.key == nil {
		return ""
	}
	sum := sha256.Sum256(p.key.Bytes())
	return hex.EncodeToString(sum[:])
}

// PrivateKeyHandle is an opaque reference to a non-exportable private key.
// It carries the issuing provider's name and the item tag plus a provider
// specific reference (an identifier or a hardware-wrapped blob). It never
// contains raw private key material and can only be used through the
// issuing provider's Decrypt.
type PrivateKeyHandle struct {
	provider string
	tag      string
	ref      []byte
}

// NewPrivateKeyHandle is used by providers to issue handles.
func NewPrivateKeyHandle(provider, tag string, ref []byte) PrivateKeyHandle {
	r := make([]byte, len(ref))
	copy(r, ref)
	return PrivateKeyHandle{provider: provider, tag: tag, ref: r}
}

// Provider returns the name of the issuing provider.
func (h PrivateKeyHandle) Provider() string { return h.provider }

// Tag returns the application tag of the key item.
func (h PrivateKeyHandle) Tag() string { return h.tag }

// Ref returns a copy of the provider specific reference.
func (h PrivateKeyHandle) Ref() []byte {
	r := make([]byte, len(h.ref))
	copy(r, h.ref)
	return r
}

// IsZero reports whether h was never issued.
func (h PrivateKeyHandle) IsZero() bool {
	return h.provider == "" && len(h.ref) == 0
}

// String identifies the handle without exposing its reference.
func (h PrivateKeyHandle) String() string {
	return fmt.Sprintf("PrivateKeyHandle(provider=%s, tag=%s)", h.provider, h.tag)
}

// Item is a persisted key record addressed by tag and class. Public items
// carry PublicKey; private items carry Private.
type Item struct {
	Tag       string
	Class     KeyClass
	PublicKey PublicKey
	Private   PrivateKeyHandle
	Policy    AccessPolicy
	CreatedAt time.Time
}

// Validate checks that the item carries the material its class requires.
func (i Item) Validate() error {
	if i.Tag == "" {
		return fmt.Errorf("%w: empty tag", ErrInvalidItem)
	}
	switch i.Class {
	case KeyClassPublic:
		if i.PublicKey.IsZero() {
			return fmt.Errorf("%w: public item %q has no key", ErrInvalidItem, i.Tag)
		}
	case KeyClassPrivate:
		if i.Private.IsZero() {
			return fmt.Errorf("%w: private item %q has no handle", ErrInvalidItem, i.Tag)
		}
	default:
		return fmt.Errorf("%w: unknown class %s", ErrInvalidItem, i.Class)
	}
	return nil
}
