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

package storage

import (
	"errors"
	"fmt"
	"unicode/utf8"
)

// PutString stores a UTF-8 string value under key.
func PutString(backend Backend, key, value string) error {
	if !utf8.ValidString(value) {
		return fmt.Errorf("%w: value for %q is not valid UTF-8", ErrInvalidData, key)
	}
	return backend.Put(key, []byte(value), DefaultOptions())
}

// GetString reads a UTF-8 string value. Bytes that are not valid UTF-8
// yield ErrInvalidData.
func GetString(backend Backend, key string) (string, error) {
	data, err := backend.Get(key)
	if err != nil {
		return "", err
	}
	if !utf8.Valid(data) {
		return "", fmt.Errorf("%w: value for %q is not valid UTF-8", ErrInvalidData, key)
	}
	return string(data), nil
}

// DeleteIfExists deletes key and reports whether it was present.
func DeleteIfExists(backend Backend, key string) (bool, error) {
	err := backend.Delete(key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
