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

// Package pkcs11 implements enclave.Provider on a PKCS#11 token such as an
// HSM, a smart card or SoftHSM.
//
// Private keys are generated on the token as sensitive, non-extractable EC
// P-256 keys with CKA_DERIVE set, and decryption runs CKM_ECDH1_DERIVE on
// the token. Key items are token objects found by CKA_CLASS and CKA_LABEL;
// the handle reference is the key's CKA_ID.
//
// The implementation requires cgo and the pkcs11 build tag. Without it New
// returns ErrNotCompiled.
package pkcs11

import (
	"encoding/asn1"
	"errors"
	"fmt"

	"github.com/jeremyhahn/go-securestore/pkg/enclave"
	"github.com/jeremyhahn/go-securestore/pkg/logging"
)

// Name is the provider name recorded in handles.
const Name = "pkcs11"

var (
	// ErrNotCompiled is returned by New when built without the pkcs11 tag.
	ErrNotCompiled = errors.New("pkcs11: support not compiled (build with -tags pkcs11)")

	// ErrModuleRequired is returned when no module path is configured.
	ErrModuleRequired = errors.New("pkcs11: module path is required")
)

// Config configures the PKCS#11 provider.
type Config struct {
	// Module is the path to the PKCS#11 shared library.
	Module string

	// SlotID selects the token slot.
	SlotID uint

	// PIN logs in as CKU_USER when set.
	PIN string

	// Logger receives provider diagnostics. Discarded when nil.
	Logger logging.Logger
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c == nil || c.Module == "" {
		return ErrModuleRequired
	}
	return nil
}

// p256OID is the DER encoding of the prime256v1 named curve OID, used as
// CKA_EC_PARAMS.
var p256OID = []byte{0x06, 0x08, 0x2a, 0x86, 0x48, 0xce, 0x3d, 0x03, 0x01, 0x07}

// encodeECPoint wraps an uncompressed point in a DER OCTET STRING for
// CKA_EC_POINT.
func encodeECPoint(pub enclave.PublicKey) ([]byte, error) {
	return asn1.Marshal(pub.Bytes())
}

// decodeECPoint parses a CKA_EC_POINT value. Tokens are required to return
// a DER OCTET STRING but some return the raw point.
func decodeECPoint(value []byte) (enclave.PublicKey, error) {
	var point []byte
	rest, err := asn1.Unmarshal(value, &point)
	if err == nil && len(rest) == 0 {
		if pub, err := enclave.NewPublicKey(point); err == nil {
			return pub, nil
		}
	}
	if len(value) == 65 && value[0] == 0x04 {
		return enclave.NewPublicKey(value)
	}
	return enclave.PublicKey{}, fmt.Errorf("%w: malformed CKA_EC_POINT", enclave.ErrInvalidPublicKey)
}
