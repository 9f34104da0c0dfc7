// Copyright (c) 2025-2026 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package cachestore

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEntryRoundTrip(t *testing.T) {
	store, err := New(filepath.Join(t.TempDir(), "cache"))
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.SetEntry("tree", "abc", []byte(`{"x":1}`)))

	value, err := store.GetEntry("tree", "abc")
	require.NoError(t, err)
	require.Equal(t, []byte(`{"x":1}`), value)

	// Entity names partition the keyspace.
	value, err = store.GetEntry("tx", "abc")
	require.NoError(t, err)
	require.Nil(t, value)

	// Upserts replace.
	require.NoError(t, store.SetEntry("tree", "abc", []byte(`{"x":2}`)))
	value, err = store.GetEntry("tree", "abc")
	require.NoError(t, err)
	require.Equal(t, []byte(`{"x":2}`), value)

	// Removes are idempotent.
	require.NoError(t, store.RemoveEntry("tree", "abc"))
	require.NoError(t, store.RemoveEntry("tree", "abc"))

	value, err = store.GetEntry("tree", "abc")
	require.NoError(t, err)
	require.Nil(t, value)
}

func TestSnapshotPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache")

	store, err := New(path)
	require.NoError(t, err)

	// No snapshot saved yet.
	data, err := store.LoadSnapshot()
	require.NoError(t, err)
	require.Nil(t, data)

	require.NoError(t, store.SaveSnapshot([]byte(`{"trees":[]}`)))
	require.NoError(t, store.Close())

	store, err = New(path)
	require.NoError(t, err)
	defer store.Close()

	data, err = store.LoadSnapshot()
	require.NoError(t, err)
	require.Equal(t, []byte(`{"trees":[]}`), data)
}
