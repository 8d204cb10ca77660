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

// Package ecies provides Elliptic Curve Integrated Encryption Scheme (ECIES)
// public key encryption.
//
// ECIES combines:
//  1. ECDH for key agreement (ephemeral-static)
//  2. A KDF to turn the shared secret into an AES key
//  3. AES-GCM for authenticated encryption
//
// Two wire formats are supported.
//
// SchemeX963SHA256AESGCM (cofactor ECDH, ANSI X9.63 KDF over SHA-256 with the
// ephemeral public key as SharedInfo, AES-GCM with a 16-byte all-zero IV):
//
//	[ephemeral_public_key || ciphertext || tag]
//
// The AES key is 16 bytes for P-256 and 32 bytes for larger curves. Every
// message uses a fresh ephemeral key, so the derived AES key is never reused
// and the fixed IV is safe. This is the layout produced by platform keychains
// for eciesEncryptionCofactorX963SHA256AESGCM.
//
// SchemeHKDFSHA256AESGCM (HKDF-SHA256, AES-256-GCM with a random nonce):
//
//	[ephemeral_public_key || nonce || tag || ciphertext]
//
// Decryption goes through the KeyAgreement interface so that the static
// private key can live in hardware: only the ECDH step needs the private key,
// everything after it is performed in software on the shared secret.
//
// Example usage:
//
//	recipient, _ := ecdh.P256().GenerateKey(rand.Reader)
//	ciphertext, _ := ecies.Encrypt(rand.Reader, ecies.SchemeX963SHA256AESGCM,
//		recipient.PublicKey(), []byte("Secret message"), nil)
//	plaintext, _ := ecies.Decrypt(ecies.SchemeX963SHA256AESGCM, recipient, ciphertext, nil)
package ecies

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"fmt"
	"io"

	kecdh "github.com/jeremyhahn/go-securestore/pkg/crypto/ecdh"
)

const (
	// GCM nonce size for the HKDF scheme (96 bits)
	nonceSize = 12

	// IV size for the X9.63 scheme (128 bits, all zero)
	x963IVSize = 16

	// GCM tag size (128 bits / 16 bytes)
	tagSize = 16

	// HKDF scheme always uses AES-256
	hkdfKeySize = 32

	hkdfInfo = "ecies-encryption"
)

// Scheme identifies an ECIES parameter set and wire format.
type Scheme int

const (
	// SchemeX963SHA256AESGCM is cofactor ECDH + X9.63 KDF (SHA-256) + AES-GCM.
	SchemeX963SHA256AESGCM Scheme = iota + 1

	// SchemeHKDFSHA256AESGCM is ECDH + HKDF-SHA256 + AES-256-GCM.
	SchemeHKDFSHA256AESGCM
)

// String returns the scheme name.
func (s Scheme) String() string {
	switch s {
	case SchemeX963SHA256AESGCM:
		return "ecies-cofactor-x963-sha256-aesgcm"
	case SchemeHKDFSHA256AESGCM:
		return "ecies-hkdf-sha256-aesgcm"
	default:
		return fmt.Sprintf("ecies-unknown(%d)", int(s))
	}
}

// KeyAgreement is the private half of an ECIES recipient. *ecdh.PrivateKey
// satisfies it; hardware providers implement it on top of their native
// key agreement primitive.
type KeyAgreement interface {
	// Curve returns the curve of the static private key.
	Curve() ecdh.Curve

	// ECDH returns the x-coordinate of the shared point with remote.
	ECDH(remote *ecdh.PublicKey) ([]byte, error)
}

// Encrypt encrypts plaintext for the holder of the private key matching
// publicKey. A nil plaintext is treated as empty.
//
// The output is self-contained: everything needed for decryption except the
// recipient's private key is embedded. Repeated calls with the same input
// produce different ciphertexts.
func Encrypt(random io.Reader, scheme Scheme, publicKey *ecdh.PublicKey, plaintext, aad []byte) ([]byte, error) {
	if random == nil {
		return nil, fmt.Errorf("random source cannot be nil")
	}
	if publicKey == nil {
		return nil, fmt.Errorf("public key cannot be nil")
	}
	if kecdh.PublicKeySize(publicKey.Curve()) == 0 {
		return nil, fmt.Errorf("unsupported curve: %s", kecdh.CurveName(publicKey.Curve()))
	}

	ephemeralPriv, err := publicKey.Curve().GenerateKey(random)
	if err != nil {
		return nil, fmt.Errorf("failed to generate ephemeral key: %w", err)
	}
	ephemeralPub := ephemeralPriv.PublicKey().Bytes()

	sharedSecret, err := kecdh.DeriveSharedSecret(ephemeralPriv, publicKey)
	if err != nil {
		return nil, fmt.Errorf("ECDH failed: %w", err)
	}

	switch scheme {
	case SchemeX963SHA256AESGCM:
		gcm, err := x963Cipher(publicKey.Curve(), sharedSecret, ephemeralPub)
		if err != nil {
			return nil, err
		}
		out := make([]byte, 0, len(ephemeralPub)+len(plaintext)+tagSize)
		out = append(out, ephemeralPub...)
		return gcm.Seal(out, make([]byte, x963IVSize), plaintext, aad), nil

	case SchemeHKDFSHA256AESGCM:
		gcm, err := hkdfCipher(sharedSecret)
		if err != nil {
			return nil, err
		}
		nonce := make([]byte, nonceSize)
		if _, err := io.ReadFull(random, nonce); err != nil {
			return nil, fmt.Errorf("failed to generate nonce: %w", err)
		}
		sealed := gcm.Seal(nil, nonce, plaintext, aad)
		ciphertext := sealed[:len(sealed)-tagSize]
		tag := sealed[len(sealed)-tagSize:]

		out := make([]byte, 0, len(ephemeralPub)+nonceSize+tagSize+len(ciphertext))
		out = append(out, ephemeralPub...)
		out = append(out, nonce...)
		out = append(out, tag...)
		out = append(out, ciphertext...)
		return out, nil

	default:
		return nil, fmt.Errorf("unsupported scheme: %s", scheme)
	}
}

// Decrypt decrypts ciphertext produced by Encrypt with the same scheme.
// The returned plaintext is never nil on success.
func Decrypt(scheme Scheme, privateKey KeyAgreement, ciphertext, aad []byte) ([]byte, error) {
	if privateKey == nil {
		return nil, fmt.Errorf("private key cannot be nil")
	}
	if ciphertext == nil {
		return nil, fmt.Errorf("ciphertext cannot be nil")
	}

	curve := privateKey.Curve()
	pubKeySize := kecdh.PublicKeySize(curve)
	if pubKeySize == 0 {
		return nil, fmt.Errorf("unsupported curve: %s", kecdh.CurveName(curve))
	}

	minSize := MinCiphertextSize(scheme, curve)
	if minSize == 0 {
		return nil, fmt.Errorf("unsupported scheme: %s", scheme)
	}
	if len(ciphertext) < minSize {
		return nil, fmt.Errorf("ciphertext too short: got %d bytes, need at least %d",
			len(ciphertext), minSize)
	}

	ephemeralPubBytes := ciphertext[:pubKeySize]
	ephemeralPub, err := curve.NewPublicKey(ephemeralPubBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal ephemeral public key: %w", err)
	}

	sharedSecret, err := privateKey.ECDH(ephemeralPub)
	if err != nil {
		return nil, fmt.Errorf("ECDH failed: %w", err)
	}

	var plaintext []byte
	switch scheme {
	case SchemeX963SHA256AESGCM:
		gcm, err := x963Cipher(curve, sharedSecret, ephemeralPubBytes)
		if err != nil {
			return nil, err
		}
		plaintext, err = gcm.Open(nil, make([]byte, x963IVSize), ciphertext[pubKeySize:], aad)
		if err != nil {
			return nil, fmt.Errorf("decryption failed (authentication error): %w", err)
		}

	case SchemeHKDFSHA256AESGCM:
		gcm, err := hkdfCipher(sharedSecret)
		if err != nil {
			return nil, err
		}
		nonce := ciphertext[pubKeySize : pubKeySize+nonceSize]
		tag := ciphertext[pubKeySize+nonceSize : pubKeySize+nonceSize+tagSize]
		encrypted := ciphertext[pubKeySize+nonceSize+tagSize:]

		sealed := make([]byte, 0, len(encrypted)+tagSize)
		sealed = append(sealed, encrypted...)
		sealed = append(sealed, tag...)

		plaintext, err = gcm.Open(nil, nonce, sealed, aad)
		if err != nil {
			return nil, fmt.Errorf("decryption failed (authentication error): %w", err)
		}
	}

	if plaintext == nil {
		plaintext = []byte{}
	}
	return plaintext, nil
}

// MinCiphertextSize returns the size of the ciphertext of an empty message,
// or 0 if the scheme or curve is not supported.
func MinCiphertextSize(scheme Scheme, curve ecdh.Curve) int {
	pubKeySize := kecdh.PublicKeySize(curve)
	if pubKeySize == 0 {
		return 0
	}
	switch scheme {
	case SchemeX963SHA256AESGCM:
		return pubKeySize + tagSize
	case SchemeHKDFSHA256AESGCM:
		return pubKeySize + nonceSize + tagSize
	default:
		return 0
	}
}

// x963Cipher derives the AES key with the X9.63 KDF and returns a GCM
// instance using the 16-byte IV size.
func x963Cipher(curve ecdh.Curve, sharedSecret, sharedInfo []byte) (cipher.AEAD, error) {
	keySize := 32
	if curve == ecdh.P256() {
		keySize = 16
	}
	key, err := kecdh.DeriveKeyX963(sharedSecret, sharedInfo, keySize)
	if err != nil {
		return nil, fmt.Errorf("key derivation failed: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, x963IVSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

// hkdfCipher derives an AES-256 key with HKDF and returns a standard GCM.
func hkdfCipher(sharedSecret []byte) (cipher.AEAD, error) {
	key, err := kecdh.DeriveKey(sharedSecret, nil, []byte(hkdfInfo), hkdfKeySize)
	if err != nil {
		return nil, fmt.Errorf("key derivation failed: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}
