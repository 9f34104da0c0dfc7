// Copyright (c) 2025-2026 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

/*
Package rbfcache tracks chains of fee-bumping replacements among unconfirmed
transactions.

Every observed replacement event is merged into a forest of lineage trees,
each rooted at the most recent, not yet replaced version of a transaction.
Flat indexes keep O(1) lookups from any historical txid to its current
lineage, so clients can be shown the full replacement history of a
transaction long after the original versions have left the mempool.

Evicted and confirmed transactions are purged lazily under a grace-period
policy, and the whole cache can be serialized to a durable store and
reconstructed after a restart, reconciling ambiguous entries against the
bitcoin node.
*/
package rbfcache
