// Copyright (c) 2025-2026 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package rbfcache

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/stretchr/testify/require"
)

// roundTripSnapshot serializes a snapshot to JSON and back, the same path
// the daemon uses when persisting across restarts.
func roundTripSnapshot(t *testing.T, snapshot *Snapshot) *Snapshot {
	t.Helper()

	data, err := json.Marshal(snapshot)
	require.NoError(t, err)

	var restored Snapshot
	require.NoError(t, json.Unmarshal(data, &restored))
	return &restored
}

func TestDumpLoadRoundTrip(t *testing.T) {
	t.Parallel()

	c := New(nil)
	txA, txB, txC := addChain(t, c)
	c.Mined(txB.Txid())

	chain := newFakeChain()
	restored := New(&Config{Chain: chain})
	restored.Load(roundTripSnapshot(t, c.Dump()))

	// Same transaction set.
	for _, tx := range []*MempoolTx{txA, txB, txC} {
		got, ok := restored.GetTx(tx.Txid())
		require.True(t, ok)
		require.Equal(t, tx.Txid(), got.Txid())
		require.Equal(t, tx.Fee, got.Fee)
	}

	// Same replaces structure.
	victims, ok := restored.GetReplaces(txC.Txid())
	require.True(t, ok)
	require.Equal(t, []chainhash.Hash{txB.Txid()}, victims)
	victims, ok = restored.GetReplaces(txB.Txid())
	require.True(t, ok)
	require.Equal(t, []chainhash.Hash{txA.Txid()}, victims)

	newer, ok := restored.GetReplacedBy(txA.Txid())
	require.True(t, ok)
	require.Equal(t, txB.Txid(), newer)

	// Same flags: the lineage is full-RBF and carries B's confirmation.
	tree := restored.GetTree(txA.Txid())
	require.NotNil(t, tree)
	require.Equal(t, txC.Txid(), tree.Tx.Txid)
	require.True(t, tree.FullRbf)
	require.True(t, tree.Mined)

	nodeB := tree.findNode(txB.Txid())
	require.NotNil(t, nodeB)
	require.True(t, nodeB.Tx.Mined)
	require.NotNil(t, nodeB.Interval)
	require.Equal(t, int64(15*60), *nodeB.Interval)

	assertTreeMapConsistent(t, restored)

	// B's persisted mined flag was trusted: only A and C were checked
	// against the node.
	require.Equal(t, 2, chain.lookups)
}

func TestLoadReconcilesConfirmations(t *testing.T) {
	t.Parallel()

	c := New(nil)
	_, txB, txC := addChain(t, c)
	snapshot := roundTripSnapshot(t, c.Dump())

	// B confirmed while the process was down.
	chain := newFakeChain()
	chain.confirmed[txB.Txid()] = struct{}{}

	restored := New(&Config{Chain: chain})
	restored.Load(snapshot)

	tree := restored.GetTree(txC.Txid())
	require.NotNil(t, tree)
	require.True(t, tree.Mined)
	require.True(t, tree.findNode(txB.Txid()).Tx.Mined)
}

func TestLoadEvictsVanishedRoot(t *testing.T) {
	t.Parallel()

	c := New(nil)
	_, _, txC := addChain(t, c)
	snapshot := roundTripSnapshot(t, c.Dump())

	// The lineage tip is in neither the mempool nor the chain.
	chain := newFakeChain()
	chain.unknown[txC.Txid()] = struct{}{}

	before := time.Now()
	restored := New(&Config{Chain: chain})
	restored.Load(snapshot)

	// The tree is still reconstructed but its tip is scheduled for a
	// quick purge.
	require.NotNil(t, restored.GetTree(txC.Txid()))
	restored.mu.RLock()
	expiry, ok := restored.expiring[txC.Txid()]
	restored.mu.RUnlock()
	require.True(t, ok)
	require.WithinDuration(t, before.Add(fastEvictionGrace), expiry,
		time.Minute)
}

func TestLoadOmitsUnmaterializableBranch(t *testing.T) {
	t.Parallel()

	c := New(nil)
	txA, txB, txC := addChain(t, c)
	snapshot := roundTripSnapshot(t, c.Dump())

	// Drop B's transaction record: the B branch (and everything below
	// it) cannot be materialized, but the rest of the tree survives.
	kept := snapshot.Transactions[:0]
	for _, entry := range snapshot.Transactions {
		if entry.Txid != txB.Txid().String() {
			kept = append(kept, entry)
		}
	}
	snapshot.Transactions = kept

	restored := New(&Config{Chain: newFakeChain()})
	restored.Load(snapshot)

	tree := restored.GetTree(txC.Txid())
	require.NotNil(t, tree)
	require.Empty(t, tree.Replaces)

	victims, ok := restored.GetReplaces(txC.Txid())
	require.True(t, ok)
	require.Empty(t, victims)

	require.Nil(t, restored.GetTree(txB.Txid()))
	require.Nil(t, restored.GetTree(txA.Txid()))

	assertTreeMapConsistent(t, restored)
}

func TestLoadRestoresExpirySet(t *testing.T) {
	t.Parallel()

	c := New(nil)
	_, _, txC := addChain(t, c)
	c.Evict(txC.Txid(), false)

	snapshot := roundTripSnapshot(t, c.Dump())

	restored := New(&Config{Chain: newFakeChain()})
	restored.Load(snapshot)

	c.mu.RLock()
	want := c.expiring[txC.Txid()]
	c.mu.RUnlock()

	restored.mu.RLock()
	got, ok := restored.expiring[txC.Txid()]
	restored.mu.RUnlock()
	require.True(t, ok)

	// RFC 3339 keeps second resolution.
	require.WithinDuration(t, want, got, time.Second)
}

func TestLoadPurgesAlreadyExpired(t *testing.T) {
	t.Parallel()

	c := New(nil)
	txA, txB, txC := addChain(t, c)

	c.mu.Lock()
	c.expiring[txC.Txid()] = time.Now().Add(-time.Hour)
	c.mu.Unlock()

	snapshot := roundTripSnapshot(t, c.Dump())

	restored := New(&Config{Chain: newFakeChain()})
	restored.Load(snapshot)

	// The whole lineage expired while the process was down.
	for _, tx := range []*MempoolTx{txA, txB, txC} {
		_, ok := restored.GetTx(tx.Txid())
		require.False(t, ok)
		require.Nil(t, restored.GetTree(tx.Txid()))
	}
}

func TestLoadWithoutChainTrustsSnapshot(t *testing.T) {
	t.Parallel()

	c := New(nil)
	_, _, txC := addChain(t, c)
	snapshot := roundTripSnapshot(t, c.Dump())

	restored := New(nil)
	restored.Load(snapshot)

	require.NotNil(t, restored.GetTree(txC.Txid()))
	restored.mu.RLock()
	defer restored.mu.RUnlock()
	require.Empty(t, restored.expiring)
}

func TestSnapshotWireFormat(t *testing.T) {
	t.Parallel()

	c := New(nil)
	_, _, txC := addChain(t, c)
	c.Evict(txC.Txid(), false)

	data, err := json.Marshal(c.Dump())
	require.NoError(t, err)

	// Transactions and expiring entries are [id, value] pairs; trees
	// carry an explicit root marker.
	var raw struct {
		Transactions [][2]json.RawMessage `json:"transactions"`
		Trees        []struct {
			Root  string                     `json:"root"`
			Nodes map[string]json.RawMessage `json:"nodes"`
		} `json:"trees"`
		Expiring [][2]string `json:"expiring"`
	}
	require.NoError(t, json.Unmarshal(data, &raw))

	require.Len(t, raw.Transactions, 3)
	require.Len(t, raw.Trees, 1)
	require.Equal(t, txC.Txid().String(), raw.Trees[0].Root)
	require.Len(t, raw.Trees[0].Nodes, 3)
	require.Contains(t, raw.Trees[0].Nodes, raw.Trees[0].Root)

	require.Len(t, raw.Expiring, 1)
	require.Equal(t, txC.Txid().String(), raw.Expiring[0][0])
	_, err = time.Parse(time.RFC3339, raw.Expiring[0][1])
	require.NoError(t, err)
}

func TestConfirmedLookupCaching(t *testing.T) {
	t.Parallel()

	c := New(nil)
	_, txB, _ := addChain(t, c)
	snapshot := roundTripSnapshot(t, c.Dump())

	chain := newFakeChain()
	chain.confirmed[txB.Txid()] = struct{}{}

	restored := New(&Config{Chain: chain})
	restored.Load(snapshot)
	firstRun := chain.lookups

	// Re-importing on the same instance skips the lookup for the txid
	// already verified confirmed at the node.
	restored.Load(roundTripSnapshot(t, c.Dump()))

	require.Equal(t, firstRun+2, chain.lookups,
		"confirmed lookup was not cached")
}
