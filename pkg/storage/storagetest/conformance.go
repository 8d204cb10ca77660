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

// Package storagetest provides a behavioural test suite that every
// storage.Backend implementation runs against itself.
package storagetest

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeremyhahn/go-securestore/pkg/storage"
)

// Factory returns a fresh, empty backend. The suite closes it.
type Factory func(t *testing.T) storage.Backend

// Run executes the conformance suite against backends built by newBackend.
func Run(t *testing.T, newBackend Factory) {
	t.Helper()

	t.Run("PutGet", func(t *testing.T) { testPutGet(t, newBackend(t)) })
	t.Run("Overwrite", func(t *testing.T) { testOverwrite(t, newBackend(t)) })
	t.Run("GetMissing", func(t *testing.T) { testGetMissing(t, newBackend(t)) })
	t.Run("Delete", func(t *testing.T) { testDelete(t, newBackend(t)) })
	t.Run("List", func(t *testing.T) { testList(t, newBackend(t)) })
	t.Run("Exists", func(t *testing.T) { testExists(t, newBackend(t)) })
	t.Run("DefensiveCopy", func(t *testing.T) { testDefensiveCopy(t, newBackend(t)) })
	t.Run("Concurrent", func(t *testing.T) { testConcurrent(t, newBackend(t)) })
	t.Run("Closed", func(t *testing.T) { testClosed(t, newBackend(t)) })
}

func testPutGet(t *testing.T, b storage.Backend) {
	defer b.Close()

	values := map[string][]byte{
		"secrets/userID":                []byte("alice"),
		"secrets/empty":                 {},
		"secrets/binary":                {0x00, 0x01, 0x02, 0xff},
		"items/public/io.example.json":  []byte(`{"tag":"io.example"}`),
		"items/private/io.example.json": []byte(`{"tag":"io.example"}`),
	}
	for k, v := range values {
		require.NoError(t, b.Put(k, v, nil), k)
	}
	for k, v := range values {
		got, err := b.Get(k)
		require.NoError(t, err, k)
		assert.Equal(t, len(v), len(got), k)
		if len(v) > 0 {
			assert.Equal(t, v, got, k)
		}
	}
}

func testOverwrite(t *testing.T, b storage.Backend) {
	defer b.Close()

	require.NoError(t, b.Put("secrets/userID", []byte("first value that is long"), nil))
	require.NoError(t, b.Put("secrets/userID", []byte("second"), storage.DefaultOptions()))

	got, err := b.Get("secrets/userID")
	require.NoError(t, err)
	assert.Equal(t, []byte("second"), got)
}

func testGetMissing(t *testing.T, b storage.Backend) {
	defer b.Close()

	_, err := b.Get("secrets/missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func testDelete(t *testing.T, b storage.Backend) {
	defer b.Close()

	require.NoError(t, b.Put("secrets/userID", []byte("alice"), nil))
	require.NoError(t, b.Delete("secrets/userID"))

	_, err := b.Get("secrets/userID")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	assert.ErrorIs(t, b.Delete("secrets/userID"), storage.ErrNotFound)
}

func testList(t *testing.T, b storage.Backend) {
	defer b.Close()

	keys, err := b.List("")
	require.NoError(t, err)
	assert.Empty(t, keys)

	for _, k := range []string{"secrets/b", "secrets/a", "items/public/x.json"} {
		require.NoError(t, b.Put(k, []byte("v"), nil))
	}

	keys, err = b.List("secrets/")
	require.NoError(t, err)
	assert.Equal(t, []string{"secrets/a", "secrets/b"}, keys)

	keys, err = b.List("")
	require.NoError(t, err)
	assert.Equal(t, []string{"items/public/x.json", "secrets/a", "secrets/b"}, keys)

	keys, err = b.List("nothing/")
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func testExists(t *testing.T, b storage.Backend) {
	defer b.Close()

	ok, err := b.Exists("secrets/userID")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, b.Put("secrets/userID", []byte("alice"), nil))

	ok, err = b.Exists("secrets/userID")
	require.NoError(t, err)
	assert.True(t, ok)
}

func testDefensiveCopy(t *testing.T, b storage.Backend) {
	defer b.Close()

	value := []byte("original")
	require.NoError(t, b.Put("secrets/copy", value, nil))
	value[0] = 'X'

	got, err := b.Get("secrets/copy")
	require.NoError(t, err)
	assert.Equal(t, []byte("original"), got)

	got[0] = 'Y'
	again, err := b.Get("secrets/copy")
	require.NoError(t, err)
	assert.Equal(t, []byte("original"), again)
}

func testConcurrent(t *testing.T, b storage.Backend) {
	defer b.Close()

	var wg sync.WaitGroup
	errs := make(chan error, 40)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := fmt.Sprintf("secrets/concurrent-%02d", i)
			if err := b.Put(key, []byte(key), nil); err != nil {
				errs <- err
				return
			}
			got, err := b.Get(key)
			if err != nil {
				errs <- err
				return
			}
			if string(got) != key {
				errs <- fmt.Errorf("%s: got %q", key, got)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}

	keys, err := b.List("secrets/concurrent-")
	require.NoError(t, err)
	assert.Len(t, keys, 20)
}

func testClosed(t *testing.T, b storage.Backend) {
	require.NoError(t, b.Put("secrets/userID", []byte("alice"), nil))
	require.NoError(t, b.Close())

	_, err := b.Get("secrets/userID")
	assert.ErrorIs(t, err, storage.ErrClosed)
	assert.ErrorIs(t, b.Put("secrets/userID", []byte("x"), nil), storage.ErrClosed)
	assert.ErrorIs(t, b.Delete("secrets/userID"), storage.ErrClosed)
	_, err = b.List("")
	assert.ErrorIs(t, err, storage.ErrClosed)
	_, err = b.Exists("secrets/userID")
	assert.ErrorIs(t, err, storage.ErrClosed)

	assert.NoError(t, b.Close(), "Close must be idempotent")
}
