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

package custodian

import "errors"

var (
	// ErrKeyProvisioningFailed is returned when a key pair could not be
	// generated or persisted.
	ErrKeyProvisioningFailed = errors.New("custodian: key provisioning failed")

	// ErrNoKeyAvailable is returned by Encrypt and Decrypt when no key pair
	// could be resolved.
	ErrNoKeyAvailable = errors.New("custodian: no key available")

	// ErrEncryptionFailed is returned when the provider rejects an
	// encryption.
	ErrEncryptionFailed = errors.New("custodian: encryption failed")

	// ErrDecryptionFailed is returned when the provider rejects a
	// decryption, including authentication failures.
	ErrDecryptionFailed = errors.New("custodian: decryption failed")

	// ErrStoreUnavailable is returned when the key item store or the
	// provisioning lock cannot be reached.
	ErrStoreUnavailable = errors.New("custodian: key store unavailable")

	// ErrProviderRequired is returned by New without a provider.
	ErrProviderRequired = errors.New("custodian: provider is required")
)
