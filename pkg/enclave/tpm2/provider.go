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

// Package tpm2 implements enclave.Provider on a TPM 2.0 using the go-tpm
// direct API.
//
// Key pairs are ECC P-256 decrypt keys created under an ECC storage root key
// (SRK) in the owner hierarchy. The SRK is derived from the owner seed, so
// it is recreated on demand instead of being made persistent. The private
// half is exported only as the SRK-wrapped blob returned by TPM2_Create and
// every decryption loads it back and runs TPM2_ECDH_ZGen inside the TPM.
// Key item records are kept in a storage.Backend.
//
// User presence cannot be enforced by a bare TPM; the policy is recorded on
// the item only.
package tpm2

import (
	"crypto/ecdh"
	"fmt"
	"io"
	"sync"

	"github.com/google/go-tpm/tpm2"
	"github.com/google/go-tpm/tpm2/transport"

	"github.com/jeremyhahn/go-securestore/pkg/enclave"
	"github.com/jeremyhahn/go-securestore/pkg/logging"
	"github.com/jeremyhahn/go-securestore/pkg/storage"
	"github.com/jeremyhahn/go-securestore/pkg/storage/memory"
)

// Name is the provider name recorded in handles and item records.
const Name = "tpm2"

// Config configures the TPM provider.
type Config struct {
	// Device is the TPM character device or a swtpm unix socket path
	// ending in .sock. Defaults to DefaultDevice.
	Device string

	// UseSimulator opens the go-tpm-tools simulator instead of a device.
	// Requires the tpm_simulator build tag.
	UseSimulator bool

	// Transport overrides Device and UseSimulator. The provider does not
	// close it.
	Transport transport.TPM

	// HierarchyAuth is the owner hierarchy password.
	HierarchyAuth []byte

	// Items persists key item records. An in-memory backend is used when
	// nil.
	Items storage.Backend

	// Logger receives provider diagnostics. Discarded when nil.
	Logger logging.Logger
}

// Provider is the TPM 2.0 enclave.Provider.
type Provider struct {
	mu            sync.Mutex
	tpm           transport.TPM
	closer        io.Closer
	hierarchyAuth []byte
	items         *enclave.ItemStore
	backend       storage.Backend
	ownsItems     bool
	logger        logging.Logger
	closed        bool
}

// New opens the TPM described by cfg.
func New(cfg *Config) (*Provider, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	c := *cfg
	if c.Device == "" {
		c.Device = DefaultDevice
	}

	logger := c.Logger
	if logger == nil {
		logger = logging.Discard()
	}

	t, closer, err := openTransport(&c)
	if err != nil {
		logger.Debug("tpm unavailable",
			logging.String("device", c.Device),
			logging.Error(err))
		return nil, err
	}

	p := &Provider{
		tpm:           t,
		closer:        closer,
		hierarchyAuth: c.HierarchyAuth,
		backend:       c.Items,
		logger:        logger,
	}
	if p.backend == nil {
		p.backend = memory.New()
		p.ownsItems = true
	}
	p.items = enclave.NewItemStore(p.backend, Name)
	return p, nil
}

// Name returns "tpm2".
func (p *Provider) Name() string { return Name }

// Available reports whether the TPM answers and supports NIST P-256.
func (p *Provider) Available() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return false
	}
	rsp, err := tpm2.GetCapability{
		Capability:    tpm2.TPMCapECCCurves,
		PropertyCount: 64,
	}.Execute(p.tpm)
	if err != nil {
		p.logger.Debug("tpm capability query failed", logging.Error(err))
		return false
	}
	curves, err := rsp.CapabilityData.Data.ECCCurves()
	if err != nil {
		return false
	}
	for _, c := range curves.ECCCurves {
		if c == tpm2.TPMECCNistP256 {
			return true
		}
	}
	return false
}

// GenerateKeyPair creates an ECC P-256 decrypt key under the SRK.
func (p *Provider) GenerateKeyPair(spec enclave.KeySpec) (enclave.PublicKey, enclave.PrivateKeyHandle, error) {
	if err := spec.Validate(); err != nil {
		return enclave.PublicKey{}, enclave.PrivateKeyHandle{}, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return enclave.PublicKey{}, enclave.PrivateKeyHandle{}, enclave.ErrClosed
	}

	srk, err := p.createSRK()
	if err != nil {
		return enclave.PublicKey{}, enclave.PrivateKeyHandle{}, err
	}
	defer p.flush(srk.Handle)

	createResp, err := tpm2.Create{
		ParentHandle: &srk,
		InPublic:     tpm2.New2B(decryptKeyTemplate()),
	}.Execute(p.tpm)
	if err != nil {
		return enclave.PublicKey{}, enclave.PrivateKeyHandle{}, fmt.Errorf("tpm2: create key: %w", err)
	}

	area, err := createResp.OutPublic.Contents()
	if err != nil {
		return enclave.PublicKey{}, enclave.PrivateKeyHandle{}, fmt.Errorf("tpm2: read public area: %w", err)
	}
	pub, err := publicKeyFromTPM(area)
	if err != nil {
		return enclave.PublicKey{}, enclave.PrivateKeyHandle{}, err
	}

	ref := encodeBlob(keyBlob{private: createResp.OutPrivate, public: createResp.OutPublic})

	p.logger.Debug("generated key pair",
		logging.String("provider", Name),
		logging.String("tag", spec.PrivateTag),
		logging.String("fingerprint", pub.Fingerprint()))

	return pub, enclave.NewPrivateKeyHandle(Name, spec.PrivateTag, ref), nil
}

// Encrypt seals plaintext to pub in software.
func (p *Provider) Encrypt(pub enclave.PublicKey, alg enclave.Algorithm, plaintext []byte) ([]byte, error) {
	if err := p.checkOpen(); err != nil {
		return nil, err
	}
	return enclave.Seal(pub, alg, plaintext)
}

// Decrypt loads the key behind h and opens ciphertext with TPM2_ECDH_ZGen.
func (p *Provider) Decrypt(h enclave.PrivateKeyHandle, alg enclave.Algorithm, ciphertext []byte) ([]byte, error) {
	if err := enclave.CheckHandle(Name, h); err != nil {
		return nil, err
	}
	blob, err := decodeBlob(h.Ref())
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, enclave.ErrClosed
	}

	key, cleanup, err := p.load(blob)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	return enclave.Open(key, alg, ciphertext)
}

// Lookup returns the stored item. A private blob that this TPM can no
// longer load is reported as not found.
func (p *Provider) Lookup(tag string, class enclave.KeyClass) (enclave.Item, error) {
	if err := p.checkOpen(); err != nil {
		return enclave.Item{}, err
	}

	item, err := p.items.Lookup(tag, class)
	if err != nil {
		return enclave.Item{}, err
	}
	if class != enclave.KeyClassPrivate {
		return item, nil
	}

	blob, err := decodeBlob(item.Private.Ref())
	if err != nil {
		return enclave.Item{}, fmt.Errorf("%w: %w", enclave.ErrItemNotFound, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	_, cleanup, err := p.load(blob)
	if err != nil {
		p.logger.Warn("stored tpm key no longer loads",
			logging.String("tag", tag),
			logging.Error(err))
		return enclave.Item{}, fmt.Errorf("%w: %w", enclave.ErrItemNotFound, err)
	}
	cleanup()
	return item, nil
}

// Add persists item.
func (p *Provider) Add(item enclave.Item) error {
	if err := p.checkOpen(); err != nil {
		return err
	}
	if item.Class == enclave.KeyClassPrivate {
		if err := enclave.CheckHandle(Name, item.Private); err != nil {
			return err
		}
	}
	return p.items.Add(item)
}

// Delete removes the item. The wrapped blob has no TPM-resident state, so
// deleting the record destroys the key.
func (p *Provider) Delete(tag string, class enclave.KeyClass) error {
	if err := p.checkOpen(); err != nil {
		return err
	}
	return p.items.Delete(tag, class)
}

// Close closes the transport and, if the provider created it, the item
// backend.
func (p *Provider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true

	var err error
	if p.closer != nil {
		err = p.closer.Close()
	}
	if p.ownsItems {
		if cerr := p.backend.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

func (p *Provider) checkOpen() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return enclave.ErrClosed
	}
	return nil
}

// createSRK creates the transient ECC SRK. Callers flush it.
func (p *Provider) createSRK() (tpm2.NamedHandle, error) {
	rsp, err := tpm2.CreatePrimary{
		PrimaryHandle: tpm2.AuthHandle{
			Handle: tpm2.TPMRHOwner,
			Auth:   tpm2.PasswordAuth(p.hierarchyAuth),
		},
		InPublic: tpm2.New2B(tpm2.ECCSRKTemplate),
	}.Execute(p.tpm)
	if err != nil {
		return tpm2.NamedHandle{}, fmt.Errorf("tpm2: create SRK: %w", err)
	}
	return tpm2.NamedHandle{Handle: rsp.ObjectHandle, Name: rsp.Name}, nil
}

// load loads blob under a fresh SRK. The returned cleanup flushes both
// objects.
func (p *Provider) load(blob keyBlob) (*loadedKey, func(), error) {
	srk, err := p.createSRK()
	if err != nil {
		return nil, nil, err
	}

	rsp, err := tpm2.Load{
		ParentHandle: &srk,
		InPrivate:    blob.private,
		InPublic:     blob.public,
	}.Execute(p.tpm)
	if err != nil {
		p.flush(srk.Handle)
		return nil, nil, fmt.Errorf("tpm2: load key: %w", err)
	}

	key := &loadedKey{
		tpm:    p.tpm,
		handle: tpm2.NamedHandle{Handle: rsp.ObjectHandle, Name: rsp.Name},
	}
	cleanup := func() {
		p.flush(rsp.ObjectHandle)
		p.flush(srk.Handle)
	}
	return key, cleanup, nil
}

func (p *Provider) flush(handle tpm2.TPMHandle) {
	if _, err := (tpm2.FlushContext{FlushHandle: handle}).Execute(p.tpm); err != nil {
		p.logger.Debug("tpm flush failed", logging.Error(err))
	}
}

// decryptKeyTemplate is an unrestricted ECC P-256 decrypt key usable for
// TPM2_ECDH_ZGen.
func decryptKeyTemplate() tpm2.TPMTPublic {
	return tpm2.TPMTPublic{
		Type:    tpm2.TPMAlgECC,
		NameAlg: tpm2.TPMAlgSHA256,
		ObjectAttributes: tpm2.TPMAObject{
			FixedTPM:            true,
			FixedParent:         true,
			SensitiveDataOrigin: true,
			UserWithAuth:        true,
			Decrypt:             true,
			NoDA:                true,
		},
		Parameters: tpm2.NewTPMUPublicParms(
			tpm2.TPMAlgECC,
			&tpm2.TPMSECCParms{
				Symmetric: tpm2.TPMTSymDefObject{
					Algorithm: tpm2.TPMAlgNull,
				},
				Scheme: tpm2.TPMTECCScheme{
					Scheme: tpm2.TPMAlgNull,
				},
				CurveID: tpm2.TPMECCNistP256,
				KDF: tpm2.TPMTKDFScheme{
					Scheme: tpm2.TPMAlgNull,
				},
			},
		),
	}
}

// loadedKey is a key loaded in the TPM. It implements ecies.KeyAgreement
// and is valid until its provider flushes it.
type loadedKey struct {
	tpm    transport.TPM
	handle tpm2.NamedHandle
}

// Curve returns P-256.
func (k *loadedKey) Curve() ecdh.Curve { return ecdh.P256() }

// ECDH computes the shared point with remote inside the TPM and returns
// its x-coordinate.
func (k *loadedKey) ECDH(remote *ecdh.PublicKey) ([]byte, error) {
	x, y, err := splitPoint(remote.Bytes())
	if err != nil {
		return nil, err
	}

	rsp, err := tpm2.ECDHZGen{
		KeyHandle: tpm2.AuthHandle{
			Handle: k.handle.Handle,
			Name:   k.handle.Name,
			Auth:   tpm2.PasswordAuth(nil),
		},
		InPoint: tpm2.New2B(tpm2.TPMSECCPoint{
			X: tpm2.TPM2BECCParameter{Buffer: x},
			Y: tpm2.TPM2BECCParameter{Buffer: y},
		}),
	}.Execute(k.tpm)
	if err != nil {
		return nil, fmt.Errorf("tpm2: ECDH_ZGen: %w", err)
	}

	point, err := rsp.OutPoint.Contents()
	if err != nil {
		return nil, fmt.Errorf("tpm2: read shared point: %w", err)
	}
	return padCoordinate(point.X.Buffer), nil
}

var _ enclave.Provider = (*Provider)(nil)
