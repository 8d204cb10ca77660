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

// Package enclavetest provides a behavioural test suite that every
// enclave.Provider implementation runs against itself.
package enclavetest

import (
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeremyhahn/go-securestore/pkg/enclave"
)

// Factory returns a fresh, available provider. The suite closes it.
type Factory func(t *testing.T) enclave.Provider

// Run executes the conformance suite against providers built by
// newProvider.
func Run(t *testing.T, newProvider Factory) {
	t.Helper()

	t.Run("Available", func(t *testing.T) { testAvailable(t, newProvider(t)) })
	t.Run("RoundTrip", func(t *testing.T) { testRoundTrip(t, newProvider(t)) })
	t.Run("DistinctKeys", func(t *testing.T) { testDistinctKeys(t, newProvider(t)) })
	t.Run("Items", func(t *testing.T) { testItems(t, newProvider(t)) })
	t.Run("DuplicateItem", func(t *testing.T) { testDuplicateItem(t, newProvider(t)) })
	t.Run("ForeignHandle", func(t *testing.T) { testForeignHandle(t, newProvider(t)) })
	t.Run("Tampered", func(t *testing.T) { testTampered(t, newProvider(t)) })
	t.Run("Concurrent", func(t *testing.T) { testConcurrent(t, newProvider(t)) })
}

// Spec returns a key spec with test tags derived from prefix.
func Spec(prefix string) enclave.KeySpec {
	return enclave.KeySpec{
		PrivateTag: prefix + ".private",
		PublicTag:  prefix + ".public",
		Policy:     enclave.DefaultAccessPolicy(),
	}
}

// uniqueSpec returns a spec whose tags do not collide with items left on
// persistent tokens by earlier runs.
func uniqueSpec(name string) enclave.KeySpec {
	return Spec(name + "." + uuid.NewString())
}

func testAvailable(t *testing.T, p enclave.Provider) {
	defer p.Close()
	assert.True(t, p.Available())
	assert.NotEmpty(t, p.Name())
}

func testRoundTrip(t *testing.T, p enclave.Provider) {
	defer p.Close()

	pub, priv, err := p.GenerateKeyPair(uniqueSpec("roundtrip"))
	require.NoError(t, err)
	assert.Len(t, pub.Bytes(), 65)
	assert.Equal(t, p.Name(), priv.Provider())

	algs := []enclave.Algorithm{
		enclave.AlgorithmECIESX963SHA256AESGCM,
		enclave.AlgorithmECIESHKDFSHA256AESGCM,
	}
	payloads := map[string][]byte{
		"empty": {},
		"short": []byte("alice"),
		"long":  make([]byte, 4096),
	}
	for _, alg := range algs {
		for name, plaintext := range payloads {
			t.Run(alg.String()+"/"+name, func(t *testing.T) {
				ct, err := p.Encrypt(pub, alg, plaintext)
				require.NoError(t, err)
				assert.NotEqual(t, plaintext, ct)

				got, err := p.Decrypt(priv, alg, ct)
				require.NoError(t, err)
				assert.Equal(t, plaintext, got)
			})
		}
	}
}

func testDistinctKeys(t *testing.T, p enclave.Provider) {
	defer p.Close()

	pub1, _, err := p.GenerateKeyPair(uniqueSpec("distinct1"))
	require.NoError(t, err)
	pub2, priv2, err := p.GenerateKeyPair(uniqueSpec("distinct2"))
	require.NoError(t, err)
	assert.False(t, pub1.Equal(pub2))

	ct, err := p.Encrypt(pub1, enclave.DefaultAlgorithm, []byte("for key one"))
	require.NoError(t, err)
	_, err = p.Decrypt(priv2, enclave.DefaultAlgorithm, ct)
	assert.Error(t, err)
}

func testItems(t *testing.T, p enclave.Provider) {
	defer p.Close()

	spec := uniqueSpec("items")
	pub, priv, err := p.GenerateKeyPair(spec)
	require.NoError(t, err)

	_, err = p.Lookup(spec.PublicTag, enclave.KeyClassPublic)
	require.ErrorIs(t, err, enclave.ErrItemNotFound)
	_, err = p.Lookup(spec.PrivateTag, enclave.KeyClassPrivate)
	require.ErrorIs(t, err, enclave.ErrItemNotFound)

	require.NoError(t, p.Add(enclave.Item{Tag: spec.PublicTag, Class: enclave.KeyClassPublic, PublicKey: pub, Policy: spec.Policy}))
	require.NoError(t, p.Add(enclave.Item{Tag: spec.PrivateTag, Class: enclave.KeyClassPrivate, Private: priv, Policy: spec.Policy}))

	pubItem, err := p.Lookup(spec.PublicTag, enclave.KeyClassPublic)
	require.NoError(t, err)
	assert.True(t, pub.Equal(pubItem.PublicKey))

	privItem, err := p.Lookup(spec.PrivateTag, enclave.KeyClassPrivate)
	require.NoError(t, err)
	assert.Equal(t, spec.PrivateTag, privItem.Private.Tag())

	ct, err := p.Encrypt(pubItem.PublicKey, enclave.DefaultAlgorithm, []byte("looked up"))
	require.NoError(t, err)
	got, err := p.Decrypt(privItem.Private, enclave.DefaultAlgorithm, ct)
	require.NoError(t, err)
	assert.Equal(t, []byte("looked up"), got)

	require.NoError(t, p.Delete(spec.PublicTag, enclave.KeyClassPublic))
	require.NoError(t, p.Delete(spec.PrivateTag, enclave.KeyClassPrivate))
	assert.ErrorIs(t, p.Delete(spec.PublicTag, enclave.KeyClassPublic), enclave.ErrItemNotFound)
	_, err = p.Lookup(spec.PublicTag, enclave.KeyClassPublic)
	assert.ErrorIs(t, err, enclave.ErrItemNotFound)
}

func testDuplicateItem(t *testing.T, p enclave.Provider) {
	defer p.Close()

	spec := uniqueSpec("duplicate")
	pub, _, err := p.GenerateKeyPair(spec)
	require.NoError(t, err)

	item := enclave.Item{Tag: spec.PublicTag, Class: enclave.KeyClassPublic, PublicKey: pub}
	require.NoError(t, p.Add(item))
	assert.ErrorIs(t, p.Add(item), enclave.ErrDuplicateItem)
	require.NoError(t, p.Delete(spec.PublicTag, enclave.KeyClassPublic))
}

func testForeignHandle(t *testing.T, p enclave.Provider) {
	defer p.Close()

	foreign := enclave.NewPrivateKeyHandle("elsewhere", "foreign", []byte{1, 2, 3})
	_, err := p.Decrypt(foreign, enclave.DefaultAlgorithm, make([]byte, 128))
	assert.ErrorIs(t, err, enclave.ErrInvalidHandle)

	_, err = p.Decrypt(enclave.PrivateKeyHandle{}, enclave.DefaultAlgorithm, make([]byte, 128))
	assert.ErrorIs(t, err, enclave.ErrInvalidHandle)
}

func testTampered(t *testing.T, p enclave.Provider) {
	defer p.Close()

	pub, priv, err := p.GenerateKeyPair(uniqueSpec("tampered"))
	require.NoError(t, err)

	ct, err := p.Encrypt(pub, enclave.DefaultAlgorithm, []byte("integrity"))
	require.NoError(t, err)

	ct[len(ct)-1] ^= 0x01
	_, err = p.Decrypt(priv, enclave.DefaultAlgorithm, ct)
	assert.Error(t, err)

	_, err = p.Decrypt(priv, enclave.DefaultAlgorithm, ct[:10])
	assert.Error(t, err)
}

func testConcurrent(t *testing.T, p enclave.Provider) {
	defer p.Close()

	pub, priv, err := p.GenerateKeyPair(uniqueSpec("concurrent"))
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ct, err := p.Encrypt(pub, enclave.DefaultAlgorithm, []byte("parallel"))
			if err != nil {
				errs <- err
				return
			}
			if _, err := p.Decrypt(priv, enclave.DefaultAlgorithm, ct); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}
}
