// Copyright (c) 2025-2026 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package rbfcache

import (
	"encoding/json"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/pkg/errors"
)

// FlatNode is the serializable form of a single replacement tree node.
type FlatNode struct {
	// Tx is the stripped transaction of the node.
	Tx *StrippedTransaction `json:"tx"`

	// Time is the first-seen time of the transaction in unix seconds.
	Time int64 `json:"time"`

	// Interval is the number of seconds this version survived before
	// being replaced.  Omitted on lineage roots.
	Interval *int64 `json:"interval,omitempty"`

	// Mined is whether any transaction in this node's subtree confirmed.
	Mined bool `json:"mined"`

	// FullRbf is the full-RBF flag of this node's subtree.
	FullRbf bool `json:"fullRbf"`

	// Replaces lists the txids of the lineages this node directly
	// replaced, in order.
	Replaces []string `json:"replaces"`
}

// FlatTree is a whole replacement tree flattened for serialization: every
// contained txid mapped to its node, plus a marker naming the root.
type FlatTree struct {
	Root  string               `json:"root"`
	Nodes map[string]*FlatNode `json:"nodes"`
}

// exportTree flattens a tree with a depth-first walk.  Stripped transactions
// are copied so the flattened form stays stable if the live tree is mutated
// after the lock is released.
func exportTree(tree *RbfTree) *FlatTree {
	flat := &FlatTree{
		Root:  tree.Tx.Txid.String(),
		Nodes: make(map[string]*FlatNode),
	}
	flattenInto(tree, flat)
	return flat
}

func flattenInto(node *RbfTree, flat *FlatTree) {
	children := make([]string, len(node.Replaces))
	for i, replaced := range node.Replaces {
		children[i] = replaced.Tx.Txid.String()
	}

	txCopy := *node.Tx
	flat.Nodes[node.Tx.Txid.String()] = &FlatNode{
		Tx:       &txCopy,
		Time:     node.Time.Unix(),
		Interval: node.Interval,
		Mined:    node.Mined,
		FullRbf:  node.FullRbf,
		Replaces: children,
	}

	for _, replaced := range node.Replaces {
		flattenInto(replaced, flat)
	}
}

// SnapshotTx is a transaction store entry in a snapshot, serialized as a
// [txid, record] pair.
type SnapshotTx struct {
	Txid string
	Tx   *MempoolTx
}

// MarshalJSON implements the json.Marshaler interface.
func (s SnapshotTx) MarshalJSON() ([]byte, error) {
	return json.Marshal([]interface{}{s.Txid, s.Tx})
}

// UnmarshalJSON implements the json.Unmarshaler interface.
func (s *SnapshotTx) UnmarshalJSON(data []byte) error {
	var pair []json.RawMessage
	if err := json.Unmarshal(data, &pair); err != nil {
		return err
	}
	if len(pair) != 2 {
		return errors.Errorf("malformed snapshot tx entry: %d fields",
			len(pair))
	}
	if err := json.Unmarshal(pair[0], &s.Txid); err != nil {
		return err
	}
	s.Tx = &MempoolTx{}
	return json.Unmarshal(pair[1], s.Tx)
}

// SnapshotExpiry is a pending expiry entry in a snapshot, serialized as a
// [txid, timestamp] pair with an RFC 3339 timestamp.
type SnapshotExpiry struct {
	Txid    string
	Expires time.Time
}

// MarshalJSON implements the json.Marshaler interface.
func (s SnapshotExpiry) MarshalJSON() ([]byte, error) {
	return json.Marshal([]interface{}{
		s.Txid, s.Expires.UTC().Format(time.RFC3339),
	})
}

// UnmarshalJSON implements the json.Unmarshaler interface.
func (s *SnapshotExpiry) UnmarshalJSON(data []byte) error {
	var pair []json.RawMessage
	if err := json.Unmarshal(data, &pair); err != nil {
		return err
	}
	if len(pair) != 2 {
		return errors.Errorf("malformed snapshot expiry entry: %d "+
			"fields", len(pair))
	}
	if err := json.Unmarshal(pair[0], &s.Txid); err != nil {
		return err
	}
	var stamp string
	if err := json.Unmarshal(pair[1], &stamp); err != nil {
		return err
	}
	expires, err := time.Parse(time.RFC3339, stamp)
	if err != nil {
		return errors.Wrap(err, "parse snapshot expiry timestamp")
	}
	s.Expires = expires
	return nil
}

// Snapshot is the durable dump of the whole cache: the transaction store,
// every flattened lineage and the pending expiry set.
type Snapshot struct {
	Transactions []SnapshotTx     `json:"transactions"`
	Trees        []*FlatTree      `json:"trees"`
	Expiring     []SnapshotExpiry `json:"expiring"`
}

// Dump captures the full cache state in serializable form.
func (c *RbfCache) Dump() *Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	snapshot := &Snapshot{
		Transactions: make([]SnapshotTx, 0, len(c.txs)),
		Trees:        make([]*FlatTree, 0, len(c.trees)),
		Expiring:     make([]SnapshotExpiry, 0, len(c.expiring)),
	}
	for txid, tx := range c.txs {
		snapshot.Transactions = append(snapshot.Transactions,
			SnapshotTx{Txid: txid.String(), Tx: tx})
	}
	for _, tree := range c.trees {
		snapshot.Trees = append(snapshot.Trees, exportTree(tree))
	}
	for txid, expires := range c.expiring {
		snapshot.Expiring = append(snapshot.Expiring,
			SnapshotExpiry{Txid: txid.String(), Expires: expires})
	}
	return snapshot
}

// Load reconstructs the cache from a snapshot, reconciling against the
// chain backend: persisted mined flags are trusted once true, while
// transactions not known to be mined are checked against the node since they
// may have confirmed while the process was down.  Lineages whose root
// vanished from both mempool and chain are fast-evicted.  Load is expected
// to run to completion before the cache accepts any other operation.
func (c *RbfCache) Load(snapshot *Snapshot) {
	if snapshot == nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, entry := range snapshot.Transactions {
		if entry.Tx == nil || entry.Tx.Tx == nil {
			continue
		}
		c.txs[entry.Tx.Txid()] = entry.Tx
	}

	for _, flat := range snapshot.Trees {
		if flat == nil || flat.Nodes == nil {
			continue
		}
		root, err := chainhash.NewHashFromStr(flat.Root)
		if err != nil {
			log.Warnf("Skipping persisted tree with bad root %q: %v",
				flat.Root, err)
			continue
		}
		c.importTree(*root, *root, flat)
	}

	for _, entry := range snapshot.Expiring {
		txid, err := chainhash.NewHashFromStr(entry.Txid)
		if err != nil {
			continue
		}
		if _, ok := c.txs[*txid]; ok {
			c.expiring[*txid] = entry.Expires
		}
	}

	// Purge anything that expired while the process was down.
	c.cleanupStale()

	log.Infof("Loaded %d replacement trees (%d transactions) from "+
		"persisted cache", len(c.trees), len(c.txs))
}

// importTree reconstructs the subtree rooted at txid from a flattened tree,
// rebuilding the lineage indexes bottom-up.  A branch whose transaction is
// missing from the transaction store cannot be materialized and is omitted
// from its parent.  The caller must hold the mutation lock.
func (c *RbfCache) importTree(root, txid chainhash.Hash,
	flat *FlatTree) *RbfTree {

	info, ok := flat.Nodes[txid.String()]
	if !ok || info.Tx == nil {
		return nil
	}
	if _, ok := c.txs[txid]; !ok {
		return nil
	}

	// Reconcile confirmation status against the node.  Persisted mined
	// flags are trusted; anything else may have confirmed while we were
	// down.
	exists := true
	if !info.Tx.Mined {
		confirmed, known := c.checkConfirmed(txid)
		if confirmed {
			info.Tx.Mined = true
		}
		exists = known
	}

	// A lineage whose tip is in neither the mempool nor the chain is
	// stale; schedule it for a quick purge.
	if root == txid && !exists {
		c.evict(txid, true)
	}

	mined := info.Tx.Mined
	children := make([]*RbfTree, 0, len(info.Replaces))
	childIds := make([]chainhash.Hash, 0, len(info.Replaces))
	for _, childStr := range info.Replaces {
		childID, err := chainhash.NewHashFromStr(childStr)
		if err != nil {
			continue
		}
		child := c.importTree(root, *childID, flat)
		if child == nil {
			continue
		}
		children = append(children, child)
		childIds = append(childIds, *childID)
		if child.Mined {
			mined = true
		}
		c.setReplacedBy(*childID, txid)
	}

	tree := &RbfTree{
		Tx:       info.Tx,
		Time:     time.Unix(info.Time, 0),
		Interval: info.Interval,
		Mined:    mined,
		FullRbf:  info.FullRbf,
		Replaces: children,
	}
	c.replaces[txid] = childIds
	c.treeMap[txid] = root
	if root == txid {
		c.trees[root] = tree
		c.dirty[root] = struct{}{}
	}
	return tree
}

// checkConfirmed reports whether the node considers the transaction
// confirmed and whether the node knows the transaction at all.  Lookup
// failures are the expected way the node signals an unknown transaction, so
// they map to (false, false) rather than an error.  With no chain backend
// configured the persisted state is trusted as-is.
func (c *RbfCache) checkConfirmed(txid chainhash.Hash) (bool, bool) {
	if c.confirmedTxids.Contains(txid) {
		return true, true
	}
	if c.cfg.Chain == nil {
		return false, true
	}

	txRaw, err := c.cfg.Chain.GetRawTransactionVerbose(&txid)
	if err != nil {
		log.Tracef("Transaction %v unknown to node: %v", txid, err)
		return false, false
	}
	if txRaw != nil && txRaw.Confirmations > 0 {
		c.confirmedTxids.Add(txid)
		return true, true
	}
	return false, true
}
