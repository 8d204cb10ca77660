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

package ecies

import (
	"crypto/ecdh"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kecdh "github.com/jeremyhahn/go-securestore/pkg/crypto/ecdh"
)

var (
	allSchemes = []Scheme{SchemeX963SHA256AESGCM, SchemeHKDFSHA256AESGCM}
	allCurves  = []ecdh.Curve{ecdh.P256(), ecdh.P384(), ecdh.P521()}
)

// failingRandomReader fails once more than n bytes have been read
type failingRandomReader struct {
	n int
}

func (r *failingRandomReader) Read(p []byte) (int, error) {
	if r.n <= 0 {
		return 0, errors.New("random source exhausted")
	}
	if len(p) > r.n {
		p = p[:r.n]
	}
	m, err := rand.Read(p)
	r.n -= m
	return m, err
}

// remoteKey simulates a hardware key exposing only key agreement
type remoteKey struct {
	priv  *ecdh.PrivateKey
	calls int
}

func (k *remoteKey) Curve() ecdh.Curve { return k.priv.Curve() }

func (k *remoteKey) ECDH(remote *ecdh.PublicKey) ([]byte, error) {
	k.calls++
	return k.priv.ECDH(remote)
}

type brokenKey struct{}

func (brokenKey) Curve() ecdh.Curve { return ecdh.P256() }

func (brokenKey) ECDH(*ecdh.PublicKey) ([]byte, error) {
	return nil, errors.New("device removed")
}

func TestEncryptDecrypt_AllCurvesAndSchemes(t *testing.T) {
	for _, scheme := range allSchemes {
		for _, curve := range allCurves {
			t.Run(fmt.Sprintf("%s/%v", scheme, curve), func(t *testing.T) {
				recipient, err := curve.GenerateKey(rand.Reader)
				require.NoError(t, err)

				plaintext := []byte("Hello, ECIES!")
				ciphertext, err := Encrypt(rand.Reader, scheme, recipient.PublicKey(), plaintext, nil)
				require.NoError(t, err)
				assert.Len(t, ciphertext, MinCiphertextSize(scheme, curve)+len(plaintext))

				decrypted, err := Decrypt(scheme, recipient, ciphertext, nil)
				require.NoError(t, err)
				assert.Equal(t, plaintext, decrypted)
			})
		}
	}
}

func TestEncryptDecrypt_EmptyPlaintext(t *testing.T) {
	recipient, err := ecdh.P256().GenerateKey(rand.Reader)
	require.NoError(t, err)

	for _, scheme := range allSchemes {
		for _, plaintext := range [][]byte{nil, {}} {
			ciphertext, err := Encrypt(rand.Reader, scheme, recipient.PublicKey(), plaintext, nil)
			require.NoError(t, err)
			assert.Len(t, ciphertext, MinCiphertextSize(scheme, ecdh.P256()))

			decrypted, err := Decrypt(scheme, recipient, ciphertext, nil)
			require.NoError(t, err)
			assert.NotNil(t, decrypted)
			assert.Empty(t, decrypted)
		}
	}
}

func TestEncryptDecrypt_LargePlaintext(t *testing.T) {
	recipient, err := ecdh.P256().GenerateKey(rand.Reader)
	require.NoError(t, err)

	plaintext := make([]byte, 1<<20)
	_, err = rand.Read(plaintext)
	require.NoError(t, err)

	ciphertext, err := Encrypt(rand.Reader, SchemeX963SHA256AESGCM, recipient.PublicKey(), plaintext, nil)
	require.NoError(t, err)

	decrypted, err := Decrypt(SchemeX963SHA256AESGCM, recipient, ciphertext, nil)
	require.NoError(t, err)
	assert.Equal(t, plaintext, decrypted)
}

func TestEncryptDecrypt_WithAAD(t *testing.T) {
	recipient, err := ecdh.P256().GenerateKey(rand.Reader)
	require.NoError(t, err)

	for _, scheme := range allSchemes {
		t.Run(scheme.String(), func(t *testing.T) {
			aad := []byte("secrets/alice")
			ciphertext, err := Encrypt(rand.Reader, scheme, recipient.PublicKey(), []byte("payload"), aad)
			require.NoError(t, err)

			decrypted, err := Decrypt(scheme, recipient, ciphertext, aad)
			require.NoError(t, err)
			assert.Equal(t, []byte("payload"), decrypted)

			_, err = Decrypt(scheme, recipient, ciphertext, []byte("secrets/bob"))
			assert.ErrorContains(t, err, "authentication error")

			_, err = Decrypt(scheme, recipient, ciphertext, nil)
			assert.Error(t, err)
		})
	}
}

func TestEncrypt_NonDeterministic(t *testing.T) {
	recipient, err := ecdh.P256().GenerateKey(rand.Reader)
	require.NoError(t, err)

	for _, scheme := range allSchemes {
		c1, err := Encrypt(rand.Reader, scheme, recipient.PublicKey(), []byte("same"), nil)
		require.NoError(t, err)
		c2, err := Encrypt(rand.Reader, scheme, recipient.PublicKey(), []byte("same"), nil)
		require.NoError(t, err)
		assert.NotEqual(t, c1, c2)
	}
}

func TestEncrypt_X963Layout(t *testing.T) {
	recipient, err := ecdh.P256().GenerateKey(rand.Reader)
	require.NoError(t, err)

	ciphertext, err := Encrypt(rand.Reader, SchemeX963SHA256AESGCM, recipient.PublicKey(), []byte("abc"), nil)
	require.NoError(t, err)

	// Uncompressed point prefix, then ciphertext, then 16-byte tag
	assert.Equal(t, byte(0x04), ciphertext[0])
	assert.Len(t, ciphertext, 65+3+16)

	_, err = ecdh.P256().NewPublicKey(ciphertext[:65])
	assert.NoError(t, err)
}

// Fixed P-256 vector for the cofactor X9.63 scheme: AES-128 key from the
// X9.63 KDF over the shared x-coordinate with the ephemeral point as
// SharedInfo, AES-GCM with a 16-byte zero IV, output point || ct || tag.
const (
	katRecipientPriv = "82dcfe0c4eeeed9b75a91c10d93febcf068ace3a8b2d6b94512656c289501b11"
	katRecipientPub  = "04419ca88ee8e854f0df95ef7343a914974555f656ef863a65331473d84bedbcbf" +
		"bd9d79273ccbbc50a14a07f94239d9fd2909d81c1b04473458e0cbaa35fb5049"
	katEphemeralPriv = "6bacde9bef69e607652dab1c5e71786d16921d413380ce8fad1216a14d1d68f7"
	katSharedSecret  = "0b6500df2562ad5d8419ced955144f422401790ad77dbe6a0c2401bc3ed34fdc"
	katAESKey        = "798300ec07ef22ddeb0702a4148abf31"
	katEphemeralPub  = "04e66a4f4a41aa500fb62d8fcb3c25e9c26870916dfb5da82f5f3aead1fe2ce65f" +
		"cc4c182f8e07fe14f2612ea86f5a278d034ceecbf51a1ccd0fdf9f4a4ee44d5a"
	katCiphertextAlice = katEphemeralPub + "753a602788" + "731436d5accca94c9c3b31aa10b71a7b"
	katCiphertextEmpty = katEphemeralPub + "cf0740a87a5a7192fb7a86521a4b79f5"
)

func mustHex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	require.NoError(t, err)
	return b
}

func TestX963_KnownAnswer(t *testing.T) {
	recipient, err := ecdh.P256().NewPrivateKey(mustHex(t, katRecipientPriv))
	require.NoError(t, err)
	assert.Equal(t, katRecipientPub, hex.EncodeToString(recipient.PublicKey().Bytes()))

	ephemeral, err := ecdh.P256().NewPrivateKey(mustHex(t, katEphemeralPriv))
	require.NoError(t, err)
	assert.Equal(t, katEphemeralPub, hex.EncodeToString(ephemeral.PublicKey().Bytes()))

	shared, err := ephemeral.ECDH(recipient.PublicKey())
	require.NoError(t, err)
	assert.Equal(t, katSharedSecret, hex.EncodeToString(shared))

	key, err := kecdh.DeriveKeyX963(shared, ephemeral.PublicKey().Bytes(), 16)
	require.NoError(t, err)
	assert.Equal(t, katAESKey, hex.EncodeToString(key))

	gcm, err := x963Cipher(ecdh.P256(), shared, ephemeral.PublicKey().Bytes())
	require.NoError(t, err)
	sealed := gcm.Seal(ephemeral.PublicKey().Bytes(), make([]byte, x963IVSize), []byte("alice"), nil)
	assert.Equal(t, katCiphertextAlice, hex.EncodeToString(sealed))

	tests := []struct {
		name       string
		ciphertext string
		want       string
	}{
		{"alice", katCiphertextAlice, "alice"},
		{"empty", katCiphertextEmpty, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Decrypt(SchemeX963SHA256AESGCM, recipient, mustHex(t, tt.ciphertext), nil)
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(got))
		})
	}
}

func TestDecrypt_WrongKey(t *testing.T) {
	recipient, err := ecdh.P256().GenerateKey(rand.Reader)
	require.NoError(t, err)
	other, err := ecdh.P256().GenerateKey(rand.Reader)
	require.NoError(t, err)

	for _, scheme := range allSchemes {
		ciphertext, err := Encrypt(rand.Reader, scheme, recipient.PublicKey(), []byte("secret"), nil)
		require.NoError(t, err)

		_, err = Decrypt(scheme, other, ciphertext, nil)
		assert.ErrorContains(t, err, "authentication error")
	}
}

func TestDecrypt_SchemeMismatch(t *testing.T) {
	recipient, err := ecdh.P256().GenerateKey(rand.Reader)
	require.NoError(t, err)

	ciphertext, err := Encrypt(rand.Reader, SchemeHKDFSHA256AESGCM, recipient.PublicKey(), []byte("secret"), nil)
	require.NoError(t, err)

	_, err = Decrypt(SchemeX963SHA256AESGCM, recipient, ciphertext, nil)
	assert.Error(t, err)
}

func TestDecrypt_CorruptedCiphertext(t *testing.T) {
	recipient, err := ecdh.P256().GenerateKey(rand.Reader)
	require.NoError(t, err)

	for _, scheme := range allSchemes {
		ciphertext, err := Encrypt(rand.Reader, scheme, recipient.PublicKey(), []byte("integrity"), nil)
		require.NoError(t, err)

		// Skip the point prefix so the ephemeral key stays parseable
		for i := 66; i < len(ciphertext); i++ {
			corrupted := append([]byte{}, ciphertext...)
			corrupted[i] ^= 0x01
			_, err := Decrypt(scheme, recipient, corrupted, nil)
			assert.Error(t, err, "byte %d", i)
		}

		corrupted := append([]byte{}, ciphertext...)
		corrupted[0] = 0x05
		_, err = Decrypt(scheme, recipient, corrupted, nil)
		assert.ErrorContains(t, err, "ephemeral public key")
	}
}

func TestDecrypt_Truncated(t *testing.T) {
	recipient, err := ecdh.P256().GenerateKey(rand.Reader)
	require.NoError(t, err)

	for _, scheme := range allSchemes {
		ciphertext, err := Encrypt(rand.Reader, scheme, recipient.PublicKey(), []byte("x"), nil)
		require.NoError(t, err)

		_, err = Decrypt(scheme, recipient, ciphertext[:MinCiphertextSize(scheme, ecdh.P256())-1], nil)
		assert.ErrorContains(t, err, "ciphertext too short")

		_, err = Decrypt(scheme, recipient, []byte{}, nil)
		assert.ErrorContains(t, err, "ciphertext too short")
	}
}

func TestEncrypt_InvalidInputs(t *testing.T) {
	recipient, err := ecdh.P256().GenerateKey(rand.Reader)
	require.NoError(t, err)
	x25519, err := ecdh.X25519().GenerateKey(rand.Reader)
	require.NoError(t, err)

	_, err = Encrypt(nil, SchemeX963SHA256AESGCM, recipient.PublicKey(), []byte("x"), nil)
	assert.ErrorContains(t, err, "random source cannot be nil")

	_, err = Encrypt(rand.Reader, SchemeX963SHA256AESGCM, nil, []byte("x"), nil)
	assert.ErrorContains(t, err, "public key cannot be nil")

	_, err = Encrypt(rand.Reader, SchemeX963SHA256AESGCM, x25519.PublicKey(), []byte("x"), nil)
	assert.ErrorContains(t, err, "unsupported curve")

	_, err = Encrypt(rand.Reader, Scheme(99), recipient.PublicKey(), []byte("x"), nil)
	assert.ErrorContains(t, err, "unsupported scheme")
}

func TestDecrypt_InvalidInputs(t *testing.T) {
	recipient, err := ecdh.P256().GenerateKey(rand.Reader)
	require.NoError(t, err)
	x25519, err := ecdh.X25519().GenerateKey(rand.Reader)
	require.NoError(t, err)

	_, err = Decrypt(SchemeX963SHA256AESGCM, nil, []byte("x"), nil)
	assert.ErrorContains(t, err, "private key cannot be nil")

	_, err = Decrypt(SchemeX963SHA256AESGCM, recipient, nil, nil)
	assert.ErrorContains(t, err, "ciphertext cannot be nil")

	_, err = Decrypt(SchemeX963SHA256AESGCM, x25519, make([]byte, 128), nil)
	assert.ErrorContains(t, err, "unsupported curve")

	_, err = Decrypt(Scheme(99), recipient, make([]byte, 128), nil)
	assert.ErrorContains(t, err, "unsupported scheme")
}

func TestEncrypt_FailingRandomReader(t *testing.T) {
	recipient, err := ecdh.P256().GenerateKey(rand.Reader)
	require.NoError(t, err)

	_, err = Encrypt(&failingRandomReader{}, SchemeX963SHA256AESGCM, recipient.PublicKey(), []byte("x"), nil)
	assert.ErrorContains(t, err, "failed to generate ephemeral key")
}

func TestDecrypt_KeyAgreementImplementation(t *testing.T) {
	priv, err := ecdh.P256().GenerateKey(rand.Reader)
	require.NoError(t, err)
	hw := &remoteKey{priv: priv}

	ciphertext, err := Encrypt(rand.Reader, SchemeX963SHA256AESGCM, priv.PublicKey(), []byte("hardware"), nil)
	require.NoError(t, err)

	plaintext, err := Decrypt(SchemeX963SHA256AESGCM, hw, ciphertext, nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("hardware"), plaintext)
	assert.Equal(t, 1, hw.calls)

	_, err = Decrypt(SchemeX963SHA256AESGCM, brokenKey{}, ciphertext, nil)
	assert.ErrorContains(t, err, "ECDH failed")
}

func TestEncryptDecrypt_ConcurrentOperations(t *testing.T) {
	recipient, err := ecdh.P256().GenerateKey(rand.Reader)
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			msg := []byte(fmt.Sprintf("message %d", i))
			ct, err := Encrypt(rand.Reader, SchemeX963SHA256AESGCM, recipient.PublicKey(), msg, nil)
			if err != nil {
				errs <- err
				return
			}
			pt, err := Decrypt(SchemeX963SHA256AESGCM, recipient, ct, nil)
			if err != nil {
				errs <- err
				return
			}
			if string(pt) != string(msg) {
				errs <- fmt.Errorf("message %d mismatch", i)
			}
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
}

func TestScheme_String(t *testing.T) {
	assert.Equal(t, "ecies-cofactor-x963-sha256-aesgcm", SchemeX963SHA256AESGCM.String())
	assert.Equal(t, "ecies-hkdf-sha256-aesgcm", SchemeHKDFSHA256AESGCM.String())
	assert.Equal(t, "ecies-unknown(0)", Scheme(0).String())
}

func TestMinCiphertextSize(t *testing.T) {
	assert.Equal(t, 81, MinCiphertextSize(SchemeX963SHA256AESGCM, ecdh.P256()))
	assert.Equal(t, 93, MinCiphertextSize(SchemeHKDFSHA256AESGCM, ecdh.P256()))
	assert.Equal(t, 0, MinCiphertextSize(Scheme(0), ecdh.P256()))
	assert.Equal(t, 0, MinCiphertextSize(SchemeX963SHA256AESGCM, ecdh.X25519()))
}

func BenchmarkEncrypt(b *testing.B) {
	recipient, _ := ecdh.P256().GenerateKey(rand.Reader)
	plaintext := []byte("benchmark payload")

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = Encrypt(rand.Reader, SchemeX963SHA256AESGCM, recipient.PublicKey(), plaintext, nil)
	}
}

func BenchmarkDecrypt(b *testing.B) {
	recipient, _ := ecdh.P256().GenerateKey(rand.Reader)
	ciphertext, _ := Encrypt(rand.Reader, SchemeX963SHA256AESGCM, recipient.PublicKey(), []byte("benchmark payload"), nil)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = Decrypt(SchemeX963SHA256AESGCM, recipient, ciphertext, nil)
	}
}
