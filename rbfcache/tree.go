// Copyright (c) 2025-2026 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package rbfcache

import (
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// RbfTree is a node in a replacement lineage.  Each node owns the stripped
// form of exactly one transaction plus the ordered set of lineages that
// transaction directly replaced.  Ownership is strictly hierarchical: a node
// exclusively owns its children, so the forest of trees is acyclic by
// construction.  The root of each tree is the most recent, not yet replaced
// version of its lineage.
type RbfTree struct {
	// Tx is the stripped transaction this node represents.
	Tx *StrippedTransaction

	// Time is the first-seen time of the transaction.
	Time time.Time

	// Interval, when set, is the number of seconds between this
	// transaction being first seen and the transaction that replaced it
	// being first seen.  It is only meaningful for non-root nodes and is
	// stamped at the moment the node is absorbed into a larger lineage.
	Interval *int64

	// Mined is whether any transaction in this subtree has confirmed.
	Mined bool

	// FullRbf is whether this lineage replaced at least one transaction
	// that did not itself signal replaceability.  Once true it is never
	// reset.
	FullRbf bool

	// Replaces holds the lineages this transaction directly replaced.
	Replaces []*RbfTree
}

// findNode returns the node with the given txid within the tree, searching
// depth first through the replaced lineages, or nil if no such node exists.
// Lineages are shallow in practice so the linear walk is fine.
func (t *RbfTree) findNode(txid chainhash.Hash) *RbfTree {
	if t.Tx.Txid == txid {
		return t
	}
	for _, replaced := range t.Replaces {
		if node := replaced.findNode(txid); node != nil {
			return node
		}
	}
	return nil
}

// txids returns the ids of every transaction contained in the tree in
// depth-first preorder, starting with the root.
func (t *RbfTree) txids() []chainhash.Hash {
	ids := []chainhash.Hash{t.Tx.Txid}
	for _, replaced := range t.Replaces {
		ids = append(ids, replaced.txids()...)
	}
	return ids
}
