// Copyright (c) 2025-2026 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package rbfcache

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSyncPassReplaysAndClears(t *testing.T) {
	t.Parallel()

	backend := newFakeBackend()
	c := New(&Config{Backend: backend})
	_, _, txC := addChain(t, c)

	require.NoError(t, c.SyncPass())

	// All three transactions and the merged tree were upserted.
	for _, txid := range []string{
		txC.Txid().String(),
	} {
		value, ok := backend.entries[backend.key(EntityTree, txid)]
		require.True(t, ok)

		var flat FlatTree
		require.NoError(t, json.Unmarshal(value, &flat))
		require.Equal(t, txC.Txid().String(), flat.Root)
		require.Len(t, flat.Nodes, 3)
	}
	require.Len(t, backend.entries, 4)

	// The log was cleared: a second pass issues no further writes.
	writes := backend.setCalls
	require.NoError(t, c.SyncPass())
	require.Equal(t, writes, backend.setCalls)
}

func TestSyncPassCoalescesToCurrentValue(t *testing.T) {
	t.Parallel()

	backend := newFakeBackend()
	c := New(&Config{Backend: backend})

	base := time.Now()
	txA := makeTestTx("sync-a", rbfSequence, 1000, base)
	txB := makeTestTx("sync-b", rbfSequence, 2000, base.Add(time.Minute))
	txC := makeTestTx("sync-c", rbfSequence, 3000,
		base.Add(2*time.Minute))

	// Two merges before a single pass: the intermediate tree rooted at B
	// was both added and removed within the same log, so replaying it
	// upserts nothing stale.
	c.Add([]*MempoolTx{txA}, txB)
	c.Add([]*MempoolTx{txB}, txC)
	require.NoError(t, c.SyncPass())

	_, ok := backend.entries[backend.key(EntityTree,
		txB.Txid().String())]
	require.False(t, ok, "stale intermediate tree persisted")

	value, ok := backend.entries[backend.key(EntityTree,
		txC.Txid().String())]
	require.True(t, ok)

	var flat FlatTree
	require.NoError(t, json.Unmarshal(value, &flat))
	require.Len(t, flat.Nodes, 3)
}

func TestSyncPassRemovals(t *testing.T) {
	t.Parallel()

	backend := newFakeBackend()
	c := New(&Config{Backend: backend})
	_, _, txC := addChain(t, c)
	require.NoError(t, c.SyncPass())

	// Expire the tip: the cascade's removals must reach the backend.
	c.mu.Lock()
	c.expiring[txC.Txid()] = time.Now().Add(-time.Minute)
	c.mu.Unlock()
	c.CleanupStale()
	require.NoError(t, c.SyncPass())

	require.Empty(t, backend.entries)
}

func TestSyncPassFailureRetainsLog(t *testing.T) {
	t.Parallel()

	backend := newFakeBackend()
	c := New(&Config{Backend: backend})
	_, _, txC := addChain(t, c)

	backend.fail = true
	require.Error(t, c.SyncPass())

	// The log survives the failed pass, so the retry completes the
	// replay.
	backend.fail = false
	require.NoError(t, c.SyncPass())

	_, ok := backend.entries[backend.key(EntityTree,
		txC.Txid().String())]
	require.True(t, ok)
}

func TestSyncPassWithoutBackendAccumulates(t *testing.T) {
	t.Parallel()

	c := New(nil)
	addChain(t, c)

	require.NoError(t, c.SyncPass())

	// With no backend configured the pass is a no-op and the log keeps
	// accumulating for whoever eventually drains it.
	c.mu.RLock()
	defer c.mu.RUnlock()
	require.NotEmpty(t, c.events)
}

func TestSyncPassExpiryEntries(t *testing.T) {
	t.Parallel()

	backend := newFakeBackend()
	c := New(&Config{Backend: backend})
	_, _, txC := addChain(t, c)
	c.Evict(txC.Txid(), false)

	require.NoError(t, c.SyncPass())

	value, ok := backend.entries[backend.key(EntityExpiry,
		txC.Txid().String())]
	require.True(t, ok)

	var stamp string
	require.NoError(t, json.Unmarshal(value, &stamp))
	expiry, err := time.Parse(time.RFC3339, stamp)
	require.NoError(t, err)
	require.WithinDuration(t, time.Now().Add(evictionGrace), expiry,
		time.Minute)
}
