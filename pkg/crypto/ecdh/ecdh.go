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

// Package ecdh provides Elliptic Curve Diffie-Hellman (ECDH) key agreement
// and the key derivation functions used to turn a raw shared secret into
// symmetric key material.
//
// Two derivation functions are provided:
//   - DeriveKey: HKDF-SHA256 (RFC 5869)
//   - DeriveKeyX963: ANSI X9.63 KDF with SHA-256 (SEC 1, section 3.6.1)
//
// Example usage:
//
//	alicePriv, _ := ecdh.P256().GenerateKey(rand.Reader)
//	bobPriv, _ := ecdh.P256().GenerateKey(rand.Reader)
//
//	aliceSecret, _ := DeriveSharedSecret(alicePriv, bobPriv.PublicKey())
//	bobSecret, _ := DeriveSharedSecret(bobPriv, alicePriv.PublicKey())
//	// aliceSecret == bobSecret
//
//	encKey, _ := DeriveKeyX963(aliceSecret, nil, 16)
package ecdh

import (
	"crypto/ecdh"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// maxX963Counter is the largest counter value permitted by X9.63 (2^32 - 1).
const maxX963Counter = 1<<32 - 1

// DeriveSharedSecret performs ECDH key agreement between a private key and
// a public key, returning the shared secret (the x-coordinate of the shared
// point).
//
// Both keys must use the same curve. For actual encryption keys, pass the
// returned secret to DeriveKey or DeriveKeyX963.
func DeriveSharedSecret(privateKey *ecdh.PrivateKey, publicKey *ecdh.PublicKey) ([]byte, error) {
	if privateKey == nil {
		return nil, fmt.Errorf("private key cannot be nil")
	}
	if publicKey == nil {
		return nil, fmt.Errorf("public key cannot be nil")
	}
	if privateKey.Curve() != publicKey.Curve() {
		return nil, fmt.Errorf("curve mismatch: private key uses %s, public key uses %s",
			CurveName(privateKey.Curve()), CurveName(publicKey.Curve()))
	}

	sharedSecret, err := privateKey.ECDH(publicKey)
	if err != nil {
		return nil, fmt.Errorf("ECDH operation failed: %w", err)
	}
	return sharedSecret, nil
}

// DeriveKey derives a key of the specified length from a shared secret using
// HKDF-SHA256.
//
// Different info values produce independent keys from the same secret:
//
//	encKey, _ := DeriveKey(secret, nil, []byte("aes-256-gcm"), 32)
//	macKey, _ := DeriveKey(secret, nil, []byte("hmac-sha256"), 32)
func DeriveKey(sharedSecret, salt, info []byte, keyLength int) ([]byte, error) {
	if sharedSecret == nil {
		return nil, fmt.Errorf("shared secret cannot be nil")
	}
	if keyLength <= 0 {
		return nil, fmt.Errorf("key length must be positive, got %d", keyLength)
	}

	hkdfReader := hkdf.New(sha256.New, sharedSecret, salt, info)

	derivedKey := make([]byte, keyLength)
	if _, err := io.ReadFull(hkdfReader, derivedKey); err != nil {
		return nil, fmt.Errorf("HKDF derivation failed: %w", err)
	}
	return derivedKey, nil
}

// DeriveKeyX963 derives keyLength bytes from a shared secret using the ANSI
// X9.63 key derivation function with SHA-256:
//
//	K = SHA256(Z || counter_1 || SharedInfo) || SHA256(Z || counter_2 || SharedInfo) || ...
//
// where counter is a 32-bit big-endian integer starting at 1. This is the KDF
// used by the "cofactor X963 SHA256" family of ECIES encryption algorithms.
func DeriveKeyX963(sharedSecret, sharedInfo []byte, keyLength int) ([]byte, error) {
	if sharedSecret == nil {
		return nil, fmt.Errorf("shared secret cannot be nil")
	}
	if keyLength <= 0 {
		return nil, fmt.Errorf("key length must be positive, got %d", keyLength)
	}
	blocks := (keyLength + sha256.Size - 1) / sha256.Size
	if uint64(blocks) > maxX963Counter {
		return nil, fmt.Errorf("key length %d exceeds X9.63 limit", keyLength)
	}

	out := make([]byte, 0, blocks*sha256.Size)
	var counter [4]byte
	for i := 1; i <= blocks; i++ {
		binary.BigEndian.PutUint32(counter[:], uint32(i))
		h := sha256.New()
		h.Write(sharedSecret)
		h.Write(counter[:])
		h.Write(sharedInfo)
		out = h.Sum(out)
	}
	return out[:keyLength], nil
}

// PublicKeySize returns the size of an uncompressed public point for curve.
func PublicKeySize(curve ecdh.Curve) int {
	switch curve {
	case ecdh.P256():
		return 65 // 1 (format) + 32 (x) + 32 (y)
	case ecdh.P384():
		return 97 // 1 (format) + 48 (x) + 48 (y)
	case ecdh.P521():
		return 133 // 1 (format) + 66 (x) + 66 (y)
	default:
		return 0
	}
}

// CurveName returns the NIST name of a crypto/ecdh curve.
func CurveName(curve ecdh.Curve) string {
	switch curve {
	case ecdh.P256():
		return "P-256"
	case ecdh.P384():
		return "P-384"
	case ecdh.P521():
		return "P-521"
	case ecdh.X25519():
		return "X25519"
	default:
		return "unknown"
	}
}
