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

package storage_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeremyhahn/go-securestore/pkg/storage"
	"github.com/jeremyhahn/go-securestore/pkg/storage/memory"
)

func TestSecretPath(t *testing.T) {
	assert.Equal(t, "secrets/userID", storage.SecretPath("userID"))
	assert.Equal(t, "secrets/touchIDToken", storage.SecretPath("touchIDToken"))
}

func TestItemPath(t *testing.T) {
	assert.Equal(t, "items/public/io.securestore.public.json",
		storage.ItemPath("public", "io.securestore.public"))
	assert.Equal(t, "items/private/tag.json", storage.ItemPath("private", "tag"))
}

func TestListSecrets(t *testing.T) {
	backend := memory.New()
	defer backend.Close()

	require.NoError(t, backend.Put(storage.SecretPath("userID"), []byte("a"), nil))
	require.NoError(t, backend.Put(storage.SecretPath("touchIDToken"), []byte("b"), nil))
	require.NoError(t, backend.Put(storage.ItemPath("public", "tag"), []byte("{}"), nil))

	names, err := storage.ListSecrets(backend)
	require.NoError(t, err)
	assert.Equal(t, []string{"touchIDToken", "userID"}, names)
}

func TestListSecrets_Empty(t *testing.T) {
	backend := memory.New()
	defer backend.Close()

	names, err := storage.ListSecrets(backend)
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestListItems(t *testing.T) {
	backend := memory.New()
	defer backend.Close()

	require.NoError(t, backend.Put(storage.ItemPath("public", "a"), []byte("{}"), nil))
	require.NoError(t, backend.Put(storage.ItemPath("public", "b"), []byte("{}"), nil))
	require.NoError(t, backend.Put(storage.ItemPath("private", "a"), []byte("{}"), nil))

	tags, err := storage.ListItems(backend, "public")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, tags)

	tags, err = storage.ListItems(backend, "private")
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, tags)
}

func TestListSecrets_ClosedBackend(t *testing.T) {
	backend := memory.New()
	require.NoError(t, backend.Close())

	_, err := storage.ListSecrets(backend)
	assert.ErrorIs(t, err, storage.ErrClosed)
}

func TestValidateKey(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		wantErr bool
	}{
		{"simple", "userID", false},
		{"namespaced", "secrets/userID", false},
		{"dotted tag", "items/public/io.securestore.public.json", false},
		{"inner dotdot stays in root", "secrets/a/../b", false},
		{"empty", "", true},
		{"null byte", "secrets/\x00", true},
		{"absolute", "/etc/passwd", true},
		{"windows absolute", "\\share", true},
		{"leading traversal", "../outside", true},
		{"nested traversal", "secrets/../../outside", true},
		{"bare dotdot", "..", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := storage.ValidateKey(tt.key)
			if tt.wantErr {
				assert.True(t, errors.Is(err, storage.ErrInvalidKey), "got %v", err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
