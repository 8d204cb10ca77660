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

// Package secret stores named string secrets, encrypting them with the
// custodian's hardware-anchored key when hardware security is available
// and storing them as plaintext when it is not.
//
// The routing decision is made on every call. Stored values carry no
// encoding marker, so a value written on one path is not readable on the
// other: a plaintext value read on the hardware path fails to decrypt and a
// ciphertext read on the plaintext path is not valid UTF-8. Both read as
// empty.
package secret

import (
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/jeremyhahn/go-securestore/pkg/logging"
	"github.com/jeremyhahn/go-securestore/pkg/metrics"
	"github.com/jeremyhahn/go-securestore/pkg/storage"
)

const (
	// UserIDName is the secret name backing UserID.
	UserIDName = "userID"

	// TouchIDTokenName is the secret name backing TouchIDToken.
	TouchIDTokenName = "touchIDToken"

	pathEncrypted = metrics.EncodingEncrypted
	pathPlaintext = metrics.EncodingPlaintext
)

var (
	// ErrSecretNotFound is returned by LookupSecret and DeleteSecret for an
	// absent name.
	ErrSecretNotFound = errors.New("secret: not found")

	// ErrInvalidValue is returned when a value is not valid UTF-8.
	ErrInvalidValue = errors.New("secret: value is not valid UTF-8")

	// ErrInvalidName is returned for names that cannot be stored.
	ErrInvalidName = errors.New("secret: invalid name")

	// ErrStoreRequired and ErrCustodianRequired are returned by New.
	ErrStoreRequired     = errors.New("secret: store is required")
	ErrCustodianRequired = errors.New("secret: custodian is required")
)

// Custodian encrypts and decrypts with the application key pair.
// *custodian.Custodian satisfies it.
type Custodian interface {
	IsHardwareSecurityAvailable() bool
	Encrypt(plaintext []byte) ([]byte, error)
	Decrypt(ciphertext []byte) ([]byte, error)
}

// Encoding describes how a stored value was written.
type Encoding int

const (
	// EncodingPlaintext is the UTF-8 value itself.
	EncodingPlaintext Encoding = iota + 1

	// EncodingCiphertext is an ECIES ciphertext of the UTF-8 value.
	EncodingCiphertext
)

// String returns the encoding name.
func (e Encoding) String() string {
	switch e {
	case EncodingPlaintext:
		return "plaintext"
	case EncodingCiphertext:
		return "ciphertext"
	default:
		return fmt.Sprintf("encoding(%d)", int(e))
	}
}

// StoredSecret is a value as it is written to the store.
type StoredSecret struct {
	Name     string
	Encoding Encoding
	Value    []byte
}

// Config configures an Accessor.
type Config struct {
	// Store holds the secrets. Required.
	Store storage.Backend

	// Custodian encrypts on the hardware path and reports availability.
	// Required.
	Custodian Custodian

	// Logger receives diagnostics for swallowed errors. Values are never
	// logged. Discarded when nil.
	Logger logging.Logger
}

// Accessor reads and writes named secrets.
type Accessor struct {
	store     storage.Backend
	custodian Custodian
	logger    logging.Logger
}

// New creates an Accessor.
func New(cfg *Config) (*Accessor, error) {
	if cfg == nil || cfg.Store == nil {
		return nil, ErrStoreRequired
	}
	if cfg.Custodian == nil {
		return nil, ErrCustodianRequired
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	return &Accessor{
		store:     cfg.Store,
		custodian: cfg.Custodian,
		logger:    logger,
	}, nil
}

// IsHardwareSecurityAvailable reports whether secrets are currently
// written encrypted.
func (a *Accessor) IsHardwareSecurityAvailable() bool {
	return a.custodian.IsHardwareSecurityAvailable()
}

// SetSecret stores value under name. With hardware security the value is
// encrypted first; if encoding or encryption fails nothing is written, the
// previous value is kept and the error is returned. Without hardware
// security the value is stored as plaintext.
func (a *Accessor) SetSecret(name, value string) error {
	start := time.Now()
	path, err := a.setSecret(name, value)
	a.record(metrics.OpSecretSet, path, start, err)
	if err != nil {
		a.logger.Debug("secret not stored",
			logging.String("name", name),
			logging.String("path", path),
			logging.Error(err))
	}
	return err
}

func (a *Accessor) setSecret(name, value string) (string, error) {
	key, err := secretKey(name)
	if err != nil {
		return pathPlaintext, err
	}

	path := pathPlaintext
	hardware := a.custodian.IsHardwareSecurityAvailable()
	if hardware {
		path = pathEncrypted
	}

	stored, err := a.encode(name, value, hardware)
	if err != nil {
		return path, err
	}
	if stored.Encoding == EncodingPlaintext {
		err = storage.PutString(a.store, key, value)
	} else {
		err = a.store.Put(key, stored.Value, storage.DefaultOptions())
	}
	if err != nil {
		return path, fmt.Errorf("secret: store %q: %w", name, err)
	}

	if stored.Encoding == EncodingCiphertext {
		metrics.RecordSecretWrite(metrics.EncodingEncrypted)
	} else {
		metrics.RecordSecretWrite(metrics.EncodingPlaintext)
	}
	return path, nil
}

// encode turns value into the bytes to store. On the hardware path the
// UTF-8 bytes are encrypted; a failure there never falls back to
// plaintext.
func (a *Accessor) encode(name, value string, hardware bool) (StoredSecret, error) {
	if !utf8.ValidString(value) {
		return StoredSecret{}, fmt.Errorf("%w: %q", ErrInvalidValue, name)
	}
	if !hardware {
		return StoredSecret{Name: name, Encoding: EncodingPlaintext, Value: []byte(value)}, nil
	}

	ciphertext, err := a.custodian.Encrypt([]byte(value))
	if err != nil {
		return StoredSecret{}, fmt.Errorf("secret: encrypt %q: %w", name, err)
	}
	return StoredSecret{Name: name, Encoding: EncodingCiphertext, Value: ciphertext}, nil
}

// GetSecret returns the value stored under name, or "" when it is absent
// or cannot be read. Use LookupSecret to see the error.
func (a *Accessor) GetSecret(name string) string {
	value, err := a.LookupSecret(name)
	if err != nil {
		if !errors.Is(err, ErrSecretNotFound) {
			a.logger.Debug("secret unreadable",
				logging.String("name", name),
				logging.Error(err))
		}
		return ""
	}
	return value
}

// LookupSecret returns the value stored under name. It returns
// ErrSecretNotFound when absent and a wrapped error when the value cannot
// be decrypted or is not valid UTF-8.
func (a *Accessor) LookupSecret(name string) (string, error) {
	start := time.Now()
	path, value, err := a.lookupSecret(name)
	a.record(metrics.OpSecretGet, path, start, ignoreNotFound(err))
	return value, err
}

func (a *Accessor) lookupSecret(name string) (string, string, error) {
	key, err := secretKey(name)
	if err != nil {
		return pathPlaintext, "", err
	}

	if !a.custodian.IsHardwareSecurityAvailable() {
		value, err := storage.GetString(a.store, key)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			return pathPlaintext, "", fmt.Errorf("%w: %q", ErrSecretNotFound, name)
		case errors.Is(err, storage.ErrInvalidData):
			return pathPlaintext, "", fmt.Errorf("%w: %q", ErrInvalidValue, name)
		case err != nil:
			return pathPlaintext, "", fmt.Errorf("secret: read %q: %w", name, err)
		}
		return pathPlaintext, value, nil
	}

	data, err := a.store.Get(key)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return pathEncrypted, "", fmt.Errorf("%w: %q", ErrSecretNotFound, name)
		}
		return pathEncrypted, "", fmt.Errorf("secret: read %q: %w", name, err)
	}
	plaintext, err := a.custodian.Decrypt(data)
	if err != nil {
		return pathEncrypted, "", fmt.Errorf("secret: decrypt %q: %w", name, err)
	}
	if !utf8.Valid(plaintext) {
		return pathEncrypted, "", fmt.Errorf("%w: %q", ErrInvalidValue, name)
	}
	return pathEncrypted, string(plaintext), nil
}

// DeleteSecret removes the value stored under name.
func (a *Accessor) DeleteSecret(name string) error {
	start := time.Now()
	err := a.deleteSecret(name)
	a.record(metrics.OpSecretDelete, "", start, ignoreNotFound(err))
	return err
}

func (a *Accessor) deleteSecret(name string) error {
	key, err := secretKey(name)
	if err != nil {
		return err
	}
	if err := a.store.Delete(key); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("%w: %q", ErrSecretNotFound, name)
		}
		return fmt.Errorf("secret: delete %q: %w", name, err)
	}
	return nil
}

// Names lists the stored secret names.
func (a *Accessor) Names() ([]string, error) {
	return storage.ListSecrets(a.store)
}

// UserID returns the stored user identifier or "".
func (a *Accessor) UserID() string { return a.GetSecret(UserIDName) }

// SetUserID stores the user identifier.
func (a *Accessor) SetUserID(value string) error { return a.SetSecret(UserIDName, value) }

// TouchIDToken returns the stored biometric token or "".
func (a *Accessor) TouchIDToken() string { return a.GetSecret(TouchIDTokenName) }

// SetTouchIDToken stores the biometric token. It takes the same encrypted
// path as every other secret.
func (a *Accessor) SetTouchIDToken(value string) error {
	return a.SetSecret(TouchIDTokenName, value)
}

func (a *Accessor) record(op, path string, start time.Time, err error) {
	status := metrics.StatusSuccess
	if err != nil {
		status = metrics.StatusError
		metrics.RecordError(op, path, "secret")
	}
	metrics.RecordOperation(op, path, status, time.Since(start).Seconds())
}

// secretKey maps name to its store key. The name is validated on its own
// so that it cannot climb out of the secrets namespace.
func secretKey(name string) (string, error) {
	if err := storage.ValidateKey(name); err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidName, err)
	}
	return storage.SecretPath(name), nil
}

func ignoreNotFound(err error) error {
	if errors.Is(err, ErrSecretNotFound) {
		return nil
	}
	return err
}
