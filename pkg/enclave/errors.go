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

import "errors"

var (
	// ErrItemNotFound is returned when no key item exists for a tag and class.
	ErrItemNotFound = errors.New("enclave: item not found")

	// ErrDuplicateItem is returned when adding an item whose tag and class
	// are already in use.
	ErrDuplicateItem = errors.New("enclave: duplicate item")

	// ErrNotAvailable is returned when the provider's hardware cannot be
	// reached on this host.
	ErrNotAvailable = errors.New("enclave: provider not available")

	// ErrUnsupportedAlgorithm is returned for an unknown or disabled
	// encryption algorithm.
	ErrUnsupportedAlgorithm = errors.New("enclave: unsupported algorithm")

	// ErrUnsupportedCurve is returned when a key spec names a curve the
	// provider cannot generate.
	ErrUnsupportedCurve = errors.New("enclave: unsupported curve")

	// ErrInvalidHandle is returned when a private key handle is zero or was
	// issued by a different provider.
	ErrInvalidHandle = errors.New("enclave: invalid private key handle")

	// ErrInvalidItem is returned when an item is missing its tag or key
	// material for its class.
	ErrInvalidItem = errors.New("enclave: invalid item")

	// ErrInvalidPublicKey is returned when public key bytes are not a valid
	// uncompressed P-256 point.
	ErrInvalidPublicKey = errors.New("enclave: invalid public key")

	// ErrUserPresence is returned when the access policy requires user
	// presence and the check was declined or failed.
	ErrUserPresence = errors.New("enclave: user presence check failed")

	// ErrClosed is returned when using a provider after Close.
	ErrClosed = errors.New("enclave: provider closed")
)
