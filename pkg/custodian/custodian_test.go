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

import (
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gofrs/flock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeremyhahn/go-securestore/pkg/enclave"
	"github.com/jeremyhahn/go-securestore/pkg/enclave/mocks"
	"github.com/jeremyhahn/go-securestore/pkg/enclave/software"
	"github.com/jeremyhahn/go-securestore/pkg/logging"
	"github.com/jeremyhahn/go-securestore/pkg/storage"
	"github.com/jeremyhahn/go-securestore/pkg/storage/memory"
)

func newTestCustodian(t *testing.T, provider enclave.Provider, cfg *Config) *Custodian {
	t.Helper()
	if cfg == nil {
		cfg = &Config{}
	}
	cfg.Provider = provider
	if cfg.Logger == nil {
		cfg.Logger = logging.Discard()
	}
	c, err := New(cfg)
	require.NoError(t, err)
	return c
}

func newMockProvider(t *testing.T) *mocks.MockProvider {
	t.Helper()
	m := mocks.NewMockProvider()
	t.Cleanup(func() { m.Close() })
	return m
}

type countingProbe struct {
	calls     atomic.Int32
	available atomic.Bool
}

func (p *countingProbe) Available() bool {
	p.calls.Add(1)
	return p.available.Load()
}

func TestNew_Validation(t *testing.T) {
	_, err := New(nil)
	assert.ErrorIs(t, err, ErrProviderRequired)

	_, err = New(&Config{})
	assert.ErrorIs(t, err, ErrProviderRequired)

	m := newMockProvider(t)
	_, err = New(&Config{Provider: m, PublicTag: "same", PrivateTag: "same"})
	assert.Error(t, err)

	_, err = New(&Config{Provider: m, Algorithm: enclave.Algorithm(42)})
	assert.ErrorIs(t, err, enclave.ErrUnsupportedAlgorithm)

	c, err := New(&Config{Provider: m})
	require.NoError(t, err)
	assert.Equal(t, enclave.DefaultAlgorithm, c.Algorithm())
	assert.Equal(t, DefaultPublicTag, c.spec.PublicTag)
	assert.Equal(t, DefaultPrivateTag, c.spec.PrivateTag)
	assert.Equal(t, enclave.DefaultAccessPolicy(), c.spec.Policy)
	assert.Equal(t, KeyStateAbsent, c.State())
	assert.Equal(t, logging.Discard(), c.logger, "library default must not write to stderr")
	assert.Zero(t, m.CryptoCalls(), "New must not touch keys")
}

func TestEnsureKeyPair_Idempotent(t *testing.T) {
	m := newMockProvider(t)
	c := newTestCustodian(t, m, nil)

	first, err := c.EnsureKeyPair()
	require.NoError(t, err)
	assert.Equal(t, KeyStatePresent, c.State())
	assert.Len(t, m.GenerateKeyPairCalls, 1)
	assert.Len(t, m.AddCalls, 2)

	writes := m.WriteCalls()
	second, err := c.EnsureKeyPair()
	require.NoError(t, err)

	assert.True(t, first.PublicKey.Equal(second.PublicKey))
	assert.Equal(t, first.Private.Tag(), second.Private.Tag())
	assert.Len(t, m.GenerateKeyPairCalls, 1, "second call must not generate")
	assert.Equal(t, writes, m.WriteCalls(), "second call must not write")
}

func TestEnsureKeyPair_StoresBothHalves(t *testing.T) {
	m := newMockProvider(t)
	c := newTestCustodian(t, m, &Config{PublicTag: "app.pub", PrivateTag: "app.priv"})

	pair, err := c.EnsureKeyPair()
	require.NoError(t, err)

	pub, err := m.Lookup("app.pub", enclave.KeyClassPublic)
	require.NoError(t, err)
	assert.True(t, pair.PublicKey.Equal(pub.PublicKey))

	priv, err := m.Lookup("app.priv", enclave.KeyClassPrivate)
	require.NoError(t, err)
	assert.Equal(t, "app.priv", priv.Private.Tag())
}

func TestEnsureKeyPair_StateDuringProvisioning(t *testing.T) {
	m := newMockProvider(t)
	c := newTestCustodian(t, m, nil)

	var observed KeyState
	m.GenerateKeyPairFunc = func(spec enclave.KeySpec) (enclave.PublicKey, enclave.PrivateKeyHandle, error) {
		observed = c.State()
		return m.Delegate.GenerateKeyPair(spec)
	}

	_, err := c.EnsureKeyPair()
	require.NoError(t, err)
	assert.Equal(t, KeyStateProvisioning, observed)
	assert.Equal(t, KeyStatePresent, c.State())
}

func TestEnsureKeyPair_GenerationFailureLeavesItemsUntouched(t *testing.T) {
	m := newMockProvider(t)
	c := newTestCustodian(t, m, nil)

	// A lone public half left by an earlier interrupted run
	stale, _, err := m.Delegate.GenerateKeyPair(c.spec)
	require.NoError(t, err)
	require.NoError(t, m.Delegate.Add(enclave.Item{Tag: DefaultPublicTag, Class: enclave.KeyClassPublic, PublicKey: stale}))

	errHW := errors.New("secure element busy")
	m.GenerateKeyPairFunc = func(enclave.KeySpec) (enclave.PublicKey, enclave.PrivateKeyHandle, error) {
		return enclave.PublicKey{}, enclave.PrivateKeyHandle{}, errHW
	}

	_, err = c.EnsureKeyPair()
	assert.ErrorIs(t, err, ErrKeyProvisioningFailed)
	assert.ErrorIs(t, err, errHW)
	assert.Equal(t, KeyStateAbsent, c.State())
	assert.Zero(t, m.WriteCalls(), "no item may be deleted or added")

	item, err := m.Lookup(DefaultPublicTag, enclave.KeyClassPublic)
	require.NoError(t, err)
	assert.True(t, stale.Equal(item.PublicKey))
}

func TestEnsureKeyPair_RecoversPartialPair(t *testing.T) {
	m := newMockProvider(t)
	c := newTestCustodian(t, m, nil)

	stale, _, err := m.Delegate.GenerateKeyPair(c.spec)
	require.NoError(t, err)
	require.NoError(t, m.Delegate.Add(enclave.Item{Tag: DefaultPublicTag, Class: enclave.KeyClassPublic, PublicKey: stale}))

	pair, err := c.EnsureKeyPair()
	require.NoError(t, err)
	assert.False(t, stale.Equal(pair.PublicKey), "stale public half must be replaced")
	assert.Contains(t, m.DeleteCalls, "public/"+DefaultPublicTag)

	ct, err := c.Encrypt([]byte("after recovery"))
	require.NoError(t, err)
	pt, err := c.Decrypt(ct)
	require.NoError(t, err)
	assert.Equal(t, []byte("after recovery"), pt)
}

func TestEnsureKeyPair_LookupFailureDoesNotProvision(t *testing.T) {
	m := newMockProvider(t)
	c := newTestCustodian(t, m, nil)

	errIO := errors.New("disk unreadable")
	m.LookupFunc = func(string, enclave.KeyClass) (enclave.Item, error) {
		return enclave.Item{}, errIO
	}

	_, err := c.EnsureKeyPair()
	assert.ErrorIs(t, err, ErrKeyProvisioningFailed)
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.ErrorIs(t, err, errIO)
	assert.Empty(t, m.GenerateKeyPairCalls)
	assert.Zero(t, m.WriteCalls())
}

func TestEnsureKeyPair_LookupFailureMarksAbsent(t *testing.T) {
	m := newMockProvider(t)
	c := newTestCustodian(t, m, nil)

	_, err := c.EnsureKeyPair()
	require.NoError(t, err)
	require.Equal(t, KeyStatePresent, c.State())

	errIO := errors.New("disk unreadable")
	m.LookupFunc = func(string, enclave.KeyClass) (enclave.Item, error) {
		return enclave.Item{}, errIO
	}

	_, err = c.EnsureKeyPair()
	assert.ErrorIs(t, err, errIO)
	assert.Equal(t, KeyStateAbsent, c.State())

	m.LookupFunc = nil
	_, err = c.LookupKeyPair()
	require.NoError(t, err)
	assert.Equal(t, KeyStatePresent, c.State())

	m.LookupFunc = func(string, enclave.KeyClass) (enclave.Item, error) {
		return enclave.Item{}, errIO
	}
	_, err = c.LookupKeyPair()
	assert.ErrorIs(t, err, errIO)
	assert.Equal(t, KeyStateAbsent, c.State())
}

func TestEnsureKeyPair_RecoversCorruptItem(t *testing.T) {
	for _, class := range []enclave.KeyClass{enclave.KeyClassPublic, enclave.KeyClassPrivate} {
		t.Run(class.String(), func(t *testing.T) {
			store := memory.New()
			provider := software.New(&software.Config{Items: store})
			t.Cleanup(func() { provider.Close() })
			c := newTestCustodian(t, provider, nil)

			first, err := c.EnsureKeyPair()
			require.NoError(t, err)

			tag := DefaultPublicTag
			if class == enclave.KeyClassPrivate {
				tag = DefaultPrivateTag
			}
			key := storage.ItemPath(class.String(), tag)
			require.NoError(t, store.Put(key, []byte("{garbage"), storage.DefaultOptions()))

			_, err = c.LookupKeyPair()
			assert.ErrorIs(t, err, ErrNoKeyAvailable)
			assert.Equal(t, KeyStateAbsent, c.State())

			for i := 0; i < 3; i++ {
				pair, err := c.EnsureKeyPair()
				require.NoError(t, err)
				assert.False(t, first.PublicKey.Equal(pair.PublicKey), "corrupt pair must be replaced")
				assert.Equal(t, KeyStatePresent, c.State())
			}

			ct, err := c.Encrypt([]byte("after corruption"))
			require.NoError(t, err)
			pt, err := c.Decrypt(ct)
			require.NoError(t, err)
			assert.Equal(t, []byte("after corruption"), pt)
		})
	}
}

func TestEnsureKeyPair_PersistFailureRollsBack(t *testing.T) {
	m := newMockProvider(t)
	c := newTestCustodian(t, m, nil)

	errFull := errors.New("no space left")
	m.AddFunc = func(item enclave.Item) error {
		if item.Class == enclave.KeyClassPublic {
			return errFull
		}
		return m.Delegate.Add(item)
	}

	_, err := c.EnsureKeyPair()
	assert.ErrorIs(t, err, ErrKeyProvisioningFailed)
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.ErrorIs(t, err, errFull)
	assert.Equal(t, KeyStateAbsent, c.State())

	_, err = m.Delegate.Lookup(DefaultPrivateTag, enclave.KeyClassPrivate)
	assert.ErrorIs(t, err, enclave.ErrItemNotFound, "private half added by the failed attempt must be removed")

	m.AddFunc = nil
	_, err = c.EnsureKeyPair()
	require.NoError(t, err)
	assert.Len(t, m.GenerateKeyPairCalls, 2)
}

func TestEnsureKeyPair_Concurrent(t *testing.T) {
	m := newMockProvider(t)
	c := newTestCustodian(t, m, nil)

	const workers = 16
	pairs := make([]*KeyPair, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			pair, err := c.EnsureKeyPair()
			assert.NoError(t, err)
			pairs[i] = pair
		}(i)
	}
	wg.Wait()

	assert.Len(t, m.GenerateKeyPairCalls, 1)
	for _, pair := range pairs[1:] {
		require.NotNil(t, pair)
		assert.True(t, pairs[0].PublicKey.Equal(pair.PublicKey))
	}
}

func TestEnsureKeyPair_FileLockAcrossCustodians(t *testing.T) {
	m := newMockProvider(t)
	lockFile := filepath.Join(t.TempDir(), "locks", "provision.lock")

	c1 := newTestCustodian(t, m, &Config{LockFile: lockFile})
	c2 := newTestCustodian(t, m, &Config{LockFile: lockFile})

	var wg sync.WaitGroup
	for _, c := range []*Custodian{c1, c2, c1, c2} {
		wg.Add(1)
		go func(c *Custodian) {
			defer wg.Done()
			_, err := c.EnsureKeyPair()
			assert.NoError(t, err)
		}(c)
	}
	wg.Wait()

	assert.Len(t, m.GenerateKeyPairCalls, 1)
	assert.FileExists(t, lockFile)
}

func TestEnsureKeyPair_LockTimeout(t *testing.T) {
	m := newMockProvider(t)
	lockFile := filepath.Join(t.TempDir(), "provision.lock")

	holder := flock.New(lockFile)
	locked, err := holder.TryLock()
	require.NoError(t, err)
	require.True(t, locked)
	defer holder.Unlock()

	c := newTestCustodian(t, m, &Config{LockFile: lockFile, LockTimeout: 250 * time.Millisecond})

	_, err = c.EnsureKeyPair()
	assert.ErrorIs(t, err, ErrKeyProvisioningFailed)
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.Empty(t, m.GenerateKeyPairCalls)
}

func TestEncryptDecrypt_RoundTrip(t *testing.T) {
	algs := []enclave.Algorithm{
		enclave.AlgorithmECIESX963SHA256AESGCM,
		enclave.AlgorithmECIESHKDFSHA256AESGCM,
	}
	payloads := map[string][]byte{
		"empty":   {},
		"userID":  []byte("alice"),
		"unicode": []byte("пароль 🔑"),
		"binary":  {0x00, 0xff, 0x10, 0x80},
	}

	for _, alg := range algs {
		c := newTestCustodian(t, newMockProvider(t), &Config{Algorithm: alg})
		for name, plaintext := range payloads {
			t.Run(alg.String()+"/"+name, func(t *testing.T) {
				ct, err := c.Encrypt(plaintext)
				require.NoError(t, err)
				assert.NotEqual(t, plaintext, ct)

				pt, err := c.Decrypt(ct)
				require.NoError(t, err)
				assert.Equal(t, plaintext, pt)
			})
		}
	}
}

func TestEncrypt_NonDeterministic(t *testing.T) {
	c := newTestCustodian(t, newMockProvider(t), nil)

	ct1, err := c.Encrypt([]byte("alice"))
	require.NoError(t, err)
	ct2, err := c.Encrypt([]byte("alice"))
	require.NoError(t, err)
	assert.NotEqual(t, ct1, ct2)
	assert.NotContains(t, string(ct1), "alice")
}

func TestEncrypt_LazyProvisioning(t *testing.T) {
	m := newMockProvider(t)
	c := newTestCustodian(t, m, nil)

	_, err := c.Encrypt([]byte("first use"))
	require.NoError(t, err)
	assert.Len(t, m.GenerateKeyPairCalls, 1)
	assert.Equal(t, KeyStatePresent, c.State())
}

func TestEncrypt_NoKeyAvailable(t *testing.T) {
	m := newMockProvider(t)
	c := newTestCustodian(t, m, nil)
	m.GenerateKeyPairFunc = func(enclave.KeySpec) (enclave.PublicKey, enclave.PrivateKeyHandle, error) {
		return enclave.PublicKey{}, enclave.PrivateKeyHandle{}, enclave.ErrNotAvailable
	}

	_, err := c.Encrypt([]byte("x"))
	assert.ErrorIs(t, err, ErrNoKeyAvailable)
	assert.ErrorIs(t, err, enclave.ErrNotAvailable)

	_, err = c.Decrypt(make([]byte, 128))
	assert.ErrorIs(t, err, ErrNoKeyAvailable)
}

func TestEncrypt_ProviderRejects(t *testing.T) {
	m := newMockProvider(t)
	c := newTestCustodian(t, m, nil)
	m.EncryptFunc = func(enclave.PublicKey, enclave.Algorithm, []byte) ([]byte, error) {
		return nil, errors.New("rejected")
	}

	_, err := c.Encrypt([]byte("x"))
	assert.ErrorIs(t, err, ErrEncryptionFailed)
	assert.NotErrorIs(t, err, ErrNoKeyAvailable)
}

func TestDecrypt_Failures(t *testing.T) {
	c := newTestCustodian(t, newMockProvider(t), nil)

	ct, err := c.Encrypt([]byte("tamper me"))
	require.NoError(t, err)

	ct[len(ct)-1] ^= 0x01
	_, err = c.Decrypt(ct)
	assert.ErrorIs(t, err, ErrDecryptionFailed)

	_, err = c.Decrypt([]byte("not a ciphertext"))
	assert.ErrorIs(t, err, ErrDecryptionFailed)

	_, err = c.Decrypt(nil)
	assert.ErrorIs(t, err, ErrDecryptionFailed)
}

func TestCustodian_SharedProviderSeesSameKey(t *testing.T) {
	m := newMockProvider(t)
	c1 := newTestCustodian(t, m, nil)

	ct, err := c1.Encrypt([]byte("across instances"))
	require.NoError(t, err)

	c2 := newTestCustodian(t, m, nil)
	pt, err := c2.Decrypt(ct)
	require.NoError(t, err)
	assert.Equal(t, []byte("across instances"), pt)
	assert.Len(t, m.GenerateKeyPairCalls, 1)
}

func TestDestroyKeyPair(t *testing.T) {
	m := newMockProvider(t)
	c := newTestCustodian(t, m, nil)

	old, err := c.EnsureKeyPair()
	require.NoError(t, err)
	ct, err := c.Encrypt([]byte("old key"))
	require.NoError(t, err)

	require.NoError(t, c.DestroyKeyPair())
	assert.Equal(t, KeyStateAbsent, c.State())

	_, err = c.LookupKeyPair()
	assert.ErrorIs(t, err, ErrNoKeyAvailable)

	fresh, err := c.EnsureKeyPair()
	require.NoError(t, err)
	assert.False(t, old.PublicKey.Equal(fresh.PublicKey))

	_, err = c.Decrypt(ct)
	assert.ErrorIs(t, err, ErrDecryptionFailed)

	// Destroying twice is not an error
	require.NoError(t, c.DestroyKeyPair())
	require.NoError(t, c.DestroyKeyPair())
}

func TestDestroyKeyPair_StoreError(t *testing.T) {
	m := newMockProvider(t)
	c := newTestCustodian(t, m, nil)
	_, err := c.EnsureKeyPair()
	require.NoError(t, err)

	m.DeleteFunc = func(string, enclave.KeyClass) error { return errors.New("read-only") }
	err = c.DestroyKeyPair()
	assert.ErrorIs(t, err, ErrStoreUnavailable)
}

func TestLookupKeyPair(t *testing.T) {
	m := newMockProvider(t)
	c := newTestCustodian(t, m, nil)

	_, err := c.LookupKeyPair()
	assert.ErrorIs(t, err, ErrNoKeyAvailable)
	assert.Empty(t, m.GenerateKeyPairCalls)

	want, err := c.EnsureKeyPair()
	require.NoError(t, err)

	got, err := c.LookupKeyPair()
	require.NoError(t, err)
	assert.True(t, want.PublicKey.Equal(got.PublicKey))
}

func TestIsHardwareSecurityAvailable_EvaluatedPerCall(t *testing.T) {
	probe := &countingProbe{}
	c := newTestCustodian(t, newMockProvider(t), &Config{Probe: probe})

	assert.False(t, c.IsHardwareSecurityAvailable())
	probe.available.Store(true)
	assert.True(t, c.IsHardwareSecurityAvailable())
	assert.Equal(t, int32(2), probe.calls.Load())
}

func TestIsHardwareSecurityAvailable_DefaultsToProvider(t *testing.T) {
	m := newMockProvider(t)
	c := newTestCustodian(t, m, nil)

	assert.True(t, c.IsHardwareSecurityAvailable())
	m.Delegate.SetAvailable(false)
	assert.False(t, c.IsHardwareSecurityAvailable())
}

func TestKeyState_String(t *testing.T) {
	assert.Equal(t, "absent", KeyStateAbsent.String())
	assert.Equal(t, "provisioning", KeyStateProvisioning.String())
	assert.Equal(t, "present", KeyStatePresent.String())
	assert.Equal(t, "state(9)", KeyState(9).String())
}
