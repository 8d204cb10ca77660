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

//go:build pkcs11

package pkcs11

import (
	"crypto/ecdh"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/miekg/pkcs11"

	"github.com/jeremyhahn/go-securestore/pkg/enclave"
	"github.com/jeremyhahn/go-securestore/pkg/logging"
)

// Provider is the PKCS#11 enclave.Provider. All token calls share one
// read-write session guarded by mu.
type Provider struct {
	mu       sync.Mutex
	ctx      *pkcs11.Ctx
	session  pkcs11.SessionHandle
	slot     uint
	loggedIn bool
	logger   logging.Logger

	// pending holds generated session private keys by CKA_ID until Add
	// copies them to the token.
	pending map[string]pkcs11.ObjectHandle
}

// New loads the module, opens a session on the configured slot and logs in
// when a PIN is set.
func New(cfg *Config) (*Provider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := cfg.Logger
	if logger == nil {
		logger = logging.Discard()
	}

	ctx := pkcs11.New(cfg.Module)
	if ctx == nil {
		return nil, fmt.Errorf("pkcs11: failed to load module: %s", cfg.Module)
	}
	if err := ctx.Initialize(); err != nil {
		ctx.Destroy()
		return nil, fmt.Errorf("pkcs11: failed to initialize: %w", err)
	}

	// Some tokens only activate slots after GetSlotList
	if _, err := ctx.GetSlotList(true); err != nil {
		ctx.Finalize()
		ctx.Destroy()
		return nil, fmt.Errorf("pkcs11: failed to get slot list: %w", err)
	}

	session, err := ctx.OpenSession(cfg.SlotID, pkcs11.CKF_SERIAL_SESSION|pkcs11.CKF_RW_SESSION)
	if err != nil {
		ctx.Finalize()
		ctx.Destroy()
		return nil, fmt.Errorf("pkcs11: failed to open session: %w", err)
	}

	p := &Provider{
		ctx:     ctx,
		session: session,
		slot:    cfg.SlotID,
		logger:  logger,
		pending: make(map[string]pkcs11.ObjectHandle),
	}
	if cfg.PIN != "" {
		if err := ctx.Login(session, pkcs11.CKU_USER, cfg.PIN); err != nil {
			ctx.CloseSession(session)
			ctx.Finalize()
			ctx.Destroy()
			return nil, fmt.Errorf("pkcs11: failed to log in: %w", err)
		}
		p.loggedIn = true
	}
	return p, nil
}

// Name returns "pkcs11".
func (p *Provider) Name() string { return Name }

// Available reports whether the token is present and supports ECDH
// derivation.
func (p *Provider) Available() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ctx == nil {
		return false
	}
	if _, err := p.ctx.GetTokenInfo(p.slot); err != nil {
		p.logger.Debug("pkcs11 token info failed", logging.Error(err))
		return false
	}
	if _, err := p.ctx.GetMechanismInfo(p.slot, []*pkcs11.Mechanism{
		pkcs11.NewMechanism(pkcs11.CKM_ECDH1_DERIVE, nil),
	}); err != nil {
		return false
	}
	return true
}

// GenerateKeyPair generates a P-256 key pair as session objects. The public
// object is destroyed once its point is read; Add copies the private object
// to the token under its tag and then destroys the session copy.
func (p *Provider) GenerateKeyPair(spec enclave.KeySpec) (enclave.PublicKey, enclave.PrivateKeyHandle, error) {
	if err := spec.Validate(); err != nil {
		return enclave.PublicKey{}, enclave.PrivateKeyHandle{}, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ctx == nil {
		return enclave.PublicKey{}, enclave.PrivateKeyHandle{}, enclave.ErrClosed
	}

	id := uuid.New()
	pubTemplate := []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_PUBLIC_KEY),
		pkcs11.NewAttribute(pkcs11.CKA_KEY_TYPE, pkcs11.CKK_EC),
		pkcs11.NewAttribute(pkcs11.CKA_TOKEN, false),
		pkcs11.NewAttribute(pkcs11.CKA_EC_PARAMS, p256OID),
		pkcs11.NewAttribute(pkcs11.CKA_ID, id[:]),
	}
	privTemplate := []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_PRIVATE_KEY),
		pkcs11.NewAttribute(pkcs11.CKA_KEY_TYPE, pkcs11.CKK_EC),
		pkcs11.NewAttribute(pkcs11.CKA_TOKEN, false),
		pkcs11.NewAttribute(pkcs11.CKA_PRIVATE, true),
		pkcs11.NewAttribute(pkcs11.CKA_SENSITIVE, true),
		pkcs11.NewAttribute(pkcs11.CKA_EXTRACTABLE, false),
		pkcs11.NewAttribute(pkcs11.CKA_DERIVE, true),
		pkcs11.NewAttribute(pkcs11.CKA_ID, id[:]),
	}

	pubObj, privObj, err := p.ctx.GenerateKeyPair(p.session,
		[]*pkcs11.Mechanism{pkcs11.NewMechanism(pkcs11.CKM_EC_KEY_PAIR_GEN, nil)},
		pubTemplate, privTemplate)
	if err != nil {
		return enclave.PublicKey{}, enclave.PrivateKeyHandle{}, fmt.Errorf("pkcs11: generate key pair: %w", err)
	}

	pub, err := p.readPublicKey(pubObj)
	p.destroySessionObject(pubObj)
	if err != nil {
		p.destroySessionObject(privObj)
		return enclave.PublicKey{}, enclave.PrivateKeyHandle{}, err
	}
	p.pending[string(id[:])] = privObj

	p.logger.Debug("generated key pair",
		logging.String("provider", Name),
		logging.String("tag", spec.PrivateTag),
		logging.String("id", id.String()))

	return pub, enclave.NewPrivateKeyHandle(Name, spec.PrivateTag, id[:]), nil
}

// Encrypt seals plaintext to pub in software.
func (p *Provider) Encrypt(pub enclave.PublicKey, alg enclave.Algorithm, plaintext []byte) ([]byte, error) {
	p.mu.Lock()
	closed := p.ctx == nil
	p.mu.Unlock()
	if closed {
		return nil, enclave.ErrClosed
	}
	return enclave.Seal(pub, alg, plaintext)
}

// Decrypt opens ciphertext with CKM_ECDH1_DERIVE on the private key whose
// CKA_ID is the handle reference.
func (p *Provider) Decrypt(h enclave.PrivateKeyHandle, alg enclave.Algorithm, ciphertext []byte) ([]byte, error) {
	if err := enclave.CheckHandle(Name, h); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ctx == nil {
		return nil, enclave.ErrClosed
	}

	obj, err := p.privateObject(h.Ref())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", enclave.ErrInvalidHandle, err)
	}

	return enclave.Open(&tokenKey{p: p, obj: obj}, alg, ciphertext)
}

// Lookup finds the token object labelled tag.
func (p *Provider) Lookup(tag string, class enclave.KeyClass) (enclave.Item, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ctx == nil {
		return enclave.Item{}, enclave.ErrClosed
	}

	obj, err := p.findOne(labelTemplate(tag, class))
	if err != nil {
		return enclave.Item{}, err
	}

	item := enclave.Item{Tag: tag, Class: class, Policy: enclave.DefaultAccessPolicy()}
	switch class {
	case enclave.KeyClassPublic:
		item.PublicKey, err = p.readPublicKey(obj)
		if err != nil {
			return enclave.Item{}, err
		}
	case enclave.KeyClassPrivate:
		attrs, err := p.ctx.GetAttributeValue(p.session, obj, []*pkcs11.Attribute{
			pkcs11.NewAttribute(pkcs11.CKA_ID, nil),
		})
		if err != nil {
			return enclave.Item{}, fmt.Errorf("pkcs11: read CKA_ID: %w", err)
		}
		item.Private = enclave.NewPrivateKeyHandle(Name, tag, attrs[0].Value)
	}
	return item, nil
}

// Add stores item as a token object labelled with its tag. Public items
// are created from the key bytes; private items are token copies of the
// generated session key.
func (p *Provider) Add(item enclave.Item) error {
	if err := item.Validate(); err != nil {
		return err
	}
	if item.Class == enclave.KeyClassPrivate {
		if err := enclave.CheckHandle(Name, item.Private); err != nil {
			return err
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ctx == nil {
		return enclave.ErrClosed
	}

	if _, err := p.findOne(labelTemplate(item.Tag, item.Class)); err == nil {
		return fmt.Errorf("%w: %s item %q", enclave.ErrDuplicateItem, item.Class, item.Tag)
	}

	switch item.Class {
	case enclave.KeyClassPublic:
		point, err := encodeECPoint(item.PublicKey)
		if err != nil {
			return fmt.Errorf("pkcs11: encode EC point: %w", err)
		}
		_, err = p.ctx.CreateObject(p.session, []*pkcs11.Attribute{
			pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_PUBLIC_KEY),
			pkcs11.NewAttribute(pkcs11.CKA_KEY_TYPE, pkcs11.CKK_EC),
			pkcs11.NewAttribute(pkcs11.CKA_TOKEN, true),
			pkcs11.NewAttribute(pkcs11.CKA_LABEL, item.Tag),
			pkcs11.NewAttribute(pkcs11.CKA_EC_PARAMS, p256OID),
			pkcs11.NewAttribute(pkcs11.CKA_EC_POINT, point),
		})
		if err != nil {
			return fmt.Errorf("pkcs11: create public key object: %w", err)
		}

	case enclave.KeyClassPrivate:
		ref := item.Private.Ref()
		src, err := p.privateObject(ref)
		if err != nil {
			return fmt.Errorf("%w: %w", enclave.ErrInvalidHandle, err)
		}
		_, err = p.ctx.CopyObject(p.session, src, []*pkcs11.Attribute{
			pkcs11.NewAttribute(pkcs11.CKA_TOKEN, true),
			pkcs11.NewAttribute(pkcs11.CKA_LABEL, item.Tag),
		})
		if err != nil {
			return fmt.Errorf("pkcs11: copy private key to token: %w", err)
		}
		if obj, ok := p.pending[string(ref)]; ok {
			p.destroySessionObject(obj)
			delete(p.pending, string(ref))
		}
	}
	return nil
}

// Delete destroys every token object labelled tag of class.
func (p *Provider) Delete(tag string, class enclave.KeyClass) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ctx == nil {
		return enclave.ErrClosed
	}

	objs, err := p.find(labelTemplate(tag, class), 16)
	if err != nil {
		return err
	}
	if len(objs) == 0 {
		return enclave.ErrItemNotFound
	}
	for _, obj := range objs {
		if err := p.ctx.DestroyObject(p.session, obj); err != nil {
			return fmt.Errorf("pkcs11: destroy object: %w", err)
		}
	}
	return nil
}

// Close logs out, closes the session and unloads the module.
func (p *Provider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ctx == nil {
		return nil
	}
	if p.loggedIn {
		p.ctx.Logout(p.session)
	}
	for ref, obj := range p.pending {
		p.destroySessionObject(obj)
		delete(p.pending, ref)
	}
	p.ctx.CloseSession(p.session)
	p.ctx.Finalize()
	p.ctx.Destroy()
	p.ctx = nil
	return nil
}

func labelTemplate(tag string, class enclave.KeyClass) []*pkcs11.Attribute {
	objClass := uint(pkcs11.CKO_PUBLIC_KEY)
	if class == enclave.KeyClassPrivate {
		objClass = pkcs11.CKO_PRIVATE_KEY
	}
	return []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, objClass),
		pkcs11.NewAttribute(pkcs11.CKA_TOKEN, true),
		pkcs11.NewAttribute(pkcs11.CKA_LABEL, tag),
	}
}

// find returns up to max objects matching template. Callers hold mu.
func (p *Provider) find(template []*pkcs11.Attribute, max int) ([]pkcs11.ObjectHandle, error) {
	if err := p.ctx.FindObjectsInit(p.session, template); err != nil {
		return nil, fmt.Errorf("pkcs11: find objects: %w", err)
	}
	objs, _, err := p.ctx.FindObjects(p.session, max)
	if ferr := p.ctx.FindObjectsFinal(p.session); err == nil && ferr != nil {
		err = ferr
	}
	if err != nil {
		return nil, fmt.Errorf("pkcs11: find objects: %w", err)
	}
	return objs, nil
}

// findOne returns the first object matching template or
// enclave.ErrItemNotFound.
func (p *Provider) findOne(template []*pkcs11.Attribute) (pkcs11.ObjectHandle, error) {
	objs, err := p.find(template, 1)
	if err != nil {
		return 0, err
	}
	if len(objs) == 0 {
		return 0, enclave.ErrItemNotFound
	}
	return objs[0], nil
}

// privateObject returns the pending session key for ref, or the token
// private key whose CKA_ID is ref. Callers hold mu.
func (p *Provider) privateObject(ref []byte) (pkcs11.ObjectHandle, error) {
	if obj, ok := p.pending[string(ref)]; ok {
		return obj, nil
	}
	return p.findOne([]*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_PRIVATE_KEY),
		pkcs11.NewAttribute(pkcs11.CKA_TOKEN, true),
		pkcs11.NewAttribute(pkcs11.CKA_ID, ref),
	})
}

func (p *Provider) destroySessionObject(obj pkcs11.ObjectHandle) {
	if err := p.ctx.DestroyObject(p.session, obj); err != nil {
		p.logger.Debug("pkcs11 destroy session object failed", logging.Error(err))
	}
}

func (p *Provider) readPublicKey(obj pkcs11.ObjectHandle) (enclave.PublicKey, error) {
	attrs, err := p.ctx.GetAttributeValue(p.session, obj, []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_EC_POINT, nil),
	})
	if err != nil {
		return enclave.PublicKey{}, fmt.Errorf("pkcs11: read CKA_EC_POINT: %w", err)
	}
	return decodeECPoint(attrs[0].Value)
}

// tokenKey is a private key object on the token. It implements
// ecies.KeyAgreement; callers hold the provider's mu.
type tokenKey struct {
	p   *Provider
	obj pkcs11.ObjectHandle
}

// Curve returns P-256.
func (k *tokenKey) Curve() ecdh.Curve { return ecdh.P256() }

// ECDH derives the raw shared secret on the token into a temporary
// extractable session object, reads it and destroys it.
func (k *tokenKey) ECDH(remote *ecdh.PublicKey) ([]byte, error) {
	mech := pkcs11.NewMechanism(pkcs11.CKM_ECDH1_DERIVE,
		pkcs11.NewECDH1DeriveParams(pkcs11.CKD_NULL, nil, remote.Bytes()))

	secret, err := k.p.ctx.DeriveKey(k.p.session, []*pkcs11.Mechanism{mech}, k.obj, []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_SECRET_KEY),
		pkcs11.NewAttribute(pkcs11.CKA_KEY_TYPE, pkcs11.CKK_GENERIC_SECRET),
		pkcs11.NewAttribute(pkcs11.CKA_TOKEN, false),
		pkcs11.NewAttribute(pkcs11.CKA_SENSITIVE, false),
		pkcs11.NewAttribute(pkcs11.CKA_EXTRACTABLE, true),
		pkcs11.NewAttribute(pkcs11.CKA_VALUE_LEN, 32),
	})
	if err != nil {
		return nil, fmt.Errorf("pkcs11: ECDH1 derive: %w", err)
	}
	defer func() {
		if err := k.p.ctx.DestroyObject(k.p.session, secret); err != nil {
			k.p.logger.Debug("pkcs11 destroy derived secret failed", logging.Error(err))
		}
	}()

	attrs, err := k.p.ctx.GetAttributeValue(k.p.session, secret, []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_VALUE, nil),
	})
	if err != nil {
		return nil, fmt.Errorf("pkcs11: read derived secret: %w", err)
	}
	return attrs[0].Value, nil
}

var _ enclave.Provider = (*Provider)(nil)
