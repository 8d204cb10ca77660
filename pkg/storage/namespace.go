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
	"fmt"
	"path"
	"sort"
	"strings"
)

const (
	secretsPrefix = "secrets/"
	itemsPrefix   = "items/"
	itemSuffix    = ".json"
)

// SecretPath returns the storage key for a named secret.
// The path follows the convention: secrets/{name}
func SecretPath(name string) string {
	return secretsPrefix + name
}

// ItemPath returns the storage key for a key item record.
// The path follows the convention: items/{class}/{tag}.json
func ItemPath(class, tag string) string {
	return itemsPrefix + class + "/" + tag + itemSuffix
}

// ListSecrets returns the names of all stored secrets.
func ListSecrets(backend Backend) ([]string, error) {
	keys, err := backend.List(secretsPrefix)
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(keys))
	for _, k := range keys {
		if name := strings.TrimPrefix(k, secretsPrefix); name != "" {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

// ListItems returns the tags of all key item records of the given class.
func ListItems(backend Backend, class string) ([]string, error) {
	prefix := itemsPrefix + class + "/"
	keys, err := backend.List(prefix)
	if err != nil {
		return nil, err
	}

	tags := make([]string, 0, len(keys))
	for _, k := range keys {
		tag := strings.TrimSuffix(strings.TrimPrefix(k, prefix), itemSuffix)
		if tag != "" {
			tags = append(tags, tag)
		}
	}
	return tags, nil
}

// ValidateKey rejects keys that are empty, contain NUL bytes, are absolute
// or escape their root via "..". Separators are allowed for namespacing.
func ValidateKey(key string) error {
	if key == "" {
		return fmt.Errorf("%w: key cannot be empty", ErrInvalidKey)
	}
	if strings.Contains(key, "\x00") {
		return fmt.Errorf("%w: key contains null byte", ErrInvalidKey)
	}
	if strings.HasPrefix(key, "/") || strings.HasPrefix(key, "\\") {
		return fmt.Errorf("%w: key cannot be an absolute path", ErrInvalidKey)
	}
	for _, segment := range strings.Split(path.Clean(strings.ReplaceAll(key, "\\", "/")), "/") {
		if segment == ".." {
			return fmt.Errorf("%w: key contains path traversal", ErrInvalidKey)
		}
	}
	return nil
}
