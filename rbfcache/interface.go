// Copyright (c) 2025-2026 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package rbfcache

import (
	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// Entity identifiers used when replaying the change log into a durable cache
// and when keying persisted entries.
const (
	// EntityTx identifies full mempool transaction records.
	EntityTx = "tx"

	// EntityTree identifies flattened replacement trees, keyed by the
	// txid of the tree root.
	EntityTree = "tree"

	// EntityExpiry identifies pending expiry timestamps.
	EntityExpiry = "expiry"
)

// ChainBackend provides access to the bitcoin node used to reconcile
// persisted state against the chain after a restart.  It is satisfied by
// rpcclient.Client.
type ChainBackend interface {
	// GetRawTransactionVerbose returns information about the given
	// transaction.  An error is the expected outcome when the node does
	// not know the transaction at all, and is not treated as fatal by the
	// cache.
	GetRawTransactionVerbose(txHash *chainhash.Hash) (*btcjson.TxRawResult, error)
}

// CacheBackend is the durable cache the sync engine replays the change log
// into.  Implementations must treat SetEntry as an idempotent upsert and
// RemoveEntry as an idempotent delete, since a failed pass is retried from
// the start of the log.
type CacheBackend interface {
	// SetEntry upserts the serialized value for the given entity and id.
	SetEntry(entity, id string, value []byte) error

	// RemoveEntry deletes the entry for the given entity and id.
	RemoveEntry(entity, id string) error
}
