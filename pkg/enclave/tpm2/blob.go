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

package tpm2

import (
	"encoding/binary"
	"fmt"

	"github.com/google/go-tpm/tpm2"

	"github.com/jeremyhahn/go-securestore/pkg/enclave"
)

// p256CoordinateSize is the byte length of a P-256 field element.
const p256CoordinateSize = 32

// keyBlob is the TPM-wrapped key produced by TPM2_Create. The private part
// is encrypted under the SRK and useless outside the TPM that created it.
type keyBlob struct {
	private tpm2.TPM2BPrivate
	public  tpm2.TPM2BPublic
}

// encodeBlob returns the handle reference for a key: the marshaled
// TPM2B_PRIVATE followed by the marshaled TPM2B_PUBLIC. Both carry their
// own 2-byte size prefix.
func encodeBlob(b keyBlob) []byte {
	priv := tpm2.Marshal(b.private)
	pub := tpm2.Marshal(b.public)
	out := make([]byte, 0, len(priv)+len(pub))
	out = append(out, priv...)
	return append(out, pub...)
}

// decodeBlob parses a reference produced by encodeBlob.
func decodeBlob(ref []byte) (keyBlob, error) {
	if len(ref) < 4 {
		return keyBlob{}, fmt.Errorf("%w: tpm2 blob too short", enclave.ErrInvalidHandle)
	}
	privLen := 2 + int(binary.BigEndian.Uint16(ref[:2]))
	if privLen+2 > len(ref) {
		return keyBlob{}, fmt.Errorf("%w: tpm2 blob truncated", enclave.ErrInvalidHandle)
	}

	priv, err := tpm2.Unmarshal[tpm2.TPM2BPrivate](ref[:privLen])
	if err != nil {
		return keyBlob{}, fmt.Errorf("%w: unmarshal private blob: %w", enclave.ErrInvalidHandle, err)
	}
	pub, err := tpm2.Unmarshal[tpm2.TPM2BPublic](ref[privLen:])
	if err != nil {
		return keyBlob{}, fmt.Errorf("%w: unmarshal public blob: %w", enclave.ErrInvalidHandle, err)
	}
	return keyBlob{private: *priv, public: *pub}, nil
}

// publicKeyFromTPM converts the ECC unique field of a TPM public area to an
// uncompressed X9.62 point.
func publicKeyFromTPM(pub *tpm2.TPMTPublic) (enclave.PublicKey, error) {
	if pub.Type != tpm2.TPMAlgECC {
		return enclave.PublicKey{}, fmt.Errorf("%w: tpm2 key type %v is not ECC", enclave.ErrInvalidPublicKey, pub.Type)
	}
	point, err := pub.Unique.ECC()
	if err != nil {
		return enclave.PublicKey{}, fmt.Errorf("%w: %w", enclave.ErrInvalidPublicKey, err)
	}
	return enclave.NewPublicKey(marshalPoint(point.X.Buffer, point.Y.Buffer))
}

// marshalPoint builds 0x04 || X || Y with both coordinates left-padded.
func marshalPoint(x, y []byte) []byte {
	out := make([]byte, 1+2*p256CoordinateSize)
	out[0] = 0x04
	copy(out[1+p256CoordinateSize-len(x):1+p256CoordinateSize], x)
	copy(out[1+2*p256CoordinateSize-len(y):], y)
	return out
}

// splitPoint returns the X and Y coordinates of an uncompressed point.
func splitPoint(raw []byte) (x, y []byte, err error) {
	if len(raw) != 1+2*p256CoordinateSize || raw[0] != 0x04 {
		return nil, nil, fmt.Errorf("%w: not an uncompressed P-256 point", enclave.ErrInvalidPublicKey)
	}
	return raw[1 : 1+p256CoordinateSize], raw[1+p256CoordinateSize:], nil
}

// padCoordinate left-pads b to the P-256 coordinate size.
func padCoordinate(b []byte) []byte {
	if len(b) >= p256CoordinateSize {
		return b
	}
	out := make([]byte, p256CoordinateSize)
	copy(out[p256CoordinateSize-len(b):], b)
	return out
}
