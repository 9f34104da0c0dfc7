// Copyright (c) 2025-2026 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package rbfcache

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/decred/dcrd/lru"
)

const (
	// evictionGrace is how long an evicted transaction's lineage is kept
	// around before the removal cascade may purge it.  The long default
	// lets late observers still see the terminal state of a lineage.
	evictionGrace = 24 * time.Hour

	// fastEvictionGrace is the short grace period applied to mined
	// transactions and to lineages found stale during reconstruction.
	fastEvictionGrace = 10 * time.Minute

	// DefaultCleanupInterval is the default interval between sweeps of
	// the expiry set.
	DefaultCleanupInterval = 10 * time.Minute

	// DefaultSyncInterval is the default interval between change log
	// drains into the durable cache backend.
	DefaultSyncInterval = time.Minute

	// treePageSize is the maximum number of lineages returned by a
	// single GetTrees page.
	treePageSize = 25

	// confirmedCacheSize bounds the cache of txids already verified
	// confirmed at the node, used to skip repeat lookups during
	// reconstruction.
	confirmedCacheSize = 2000
)

// Config is the configuration for an RbfCache.
type Config struct {
	// Backend is the durable cache the sync engine replays the change
	// log into.  May be nil to disable external persistence.
	Backend CacheBackend

	// Chain provides access to the bitcoin node for reconciling
	// persisted state after a restart.  May be nil, in which case
	// reconstruction trusts the persisted flags as-is.
	Chain ChainBackend

	// CleanupInterval is the interval between expiry sweeps.  Defaults
	// to DefaultCleanupInterval when zero.
	CleanupInterval time.Duration

	// SyncInterval is the interval between sync passes.  Defaults to
	// DefaultSyncInterval when zero.
	SyncInterval time.Duration
}

// RbfCache tracks chains of fee-bumping replacements among unconfirmed
// transactions so the full replacement history of any transaction can be
// served, even after the original versions have left the mempool.
//
// The forest of replacement trees is the source of truth.  Three flat
// indexes (treeMap, replaces, replacedBy) are maintained alongside it for
// O(1) lookups and for the removal cascade; they are derived state and are
// rebuilt by the merge and removal paths.
//
// All mutating operations run to completion under a single mutex, so a
// concurrent reader never observes a partially merged tree.  Nothing on the
// core mutation path performs a blocking call; only reconstruction and the
// sync pass talk to external collaborators.
type RbfCache struct {
	started  int32
	shutdown int32

	cfg Config

	// mu protects every map below plus the change log.  A single lock is
	// deliberate: mutation rates are low (one event per observed
	// replacement) and finer-grained locking buys nothing.
	mu sync.RWMutex

	// txs is the transaction store: every transaction that appears in a
	// tracked lineage, past or present, keyed by txid.
	txs map[chainhash.Hash]*MempoolTx

	// trees holds the lineage forest, keyed by the txid of each tree's
	// current root.
	trees map[chainhash.Hash]*RbfTree

	// treeMap maps every txid that appears in any lineage to the txid of
	// that lineage's current root.
	treeMap map[chainhash.Hash]chainhash.Hash

	// replaces maps a txid to the ordered txids it directly replaced.
	replaces map[chainhash.Hash][]chainhash.Hash

	// replacedBy maps a txid to the single txid that replaced it.  A
	// txid present here is pinned: the removal cascade skips it until
	// its replacement is itself removed.
	replacedBy map[chainhash.Hash]chainhash.Hash

	// replacedByOrder preserves the insertion order of replacedBy
	// entries, which drives the most-recent-first ordering of GetTrees.
	replacedByOrder []chainhash.Hash

	// expiring maps txids eligible for removal to their absolute expiry
	// time.
	expiring map[chainhash.Hash]time.Time

	// dirty is the set of root txids whose tree changed since the last
	// snapshot-diff query.
	dirty map[chainhash.Hash]struct{}

	// events is the ordered change log drained by SyncPass.
	events []cacheEvent

	// confirmedTxids remembers txids already verified confirmed at the
	// node so repeated reconstructions skip the lookup.
	confirmedTxids lru.Cache

	wg   sync.WaitGroup
	quit chan struct{}
}

// New returns a new replacement cache using the provided configuration.
func New(cfg *Config) *RbfCache {
	c := &RbfCache{
		txs:            make(map[chainhash.Hash]*MempoolTx),
		trees:          make(map[chainhash.Hash]*RbfTree),
		treeMap:        make(map[chainhash.Hash]chainhash.Hash),
		replaces:       make(map[chainhash.Hash][]chainhash.Hash),
		replacedBy:     make(map[chainhash.Hash]chainhash.Hash),
		expiring:       make(map[chainhash.Hash]time.Time),
		dirty:          make(map[chainhash.Hash]struct{}),
		confirmedTxids: lru.NewCache(confirmedCacheSize),
		quit:           make(chan struct{}),
	}
	if cfg != nil {
		c.cfg = *cfg
	}
	if c.cfg.CleanupInterval <= 0 {
		c.cfg.CleanupInterval = DefaultCleanupInterval
	}
	if c.cfg.SyncInterval <= 0 {
		c.cfg.SyncInterval = DefaultSyncInterval
	}
	return c
}

// Start launches the periodic expiry sweep and sync pass.  Calling Start
// more than once has no effect.
func (c *RbfCache) Start() {
	if atomic.AddInt32(&c.started, 1) != 1 {
		return
	}

	log.Trace("Starting RBF cache")
	c.wg.Add(1)
	go c.taskHandler()
}

// Stop shuts down the periodic tasks, draining the change log one final
// time, and blocks until they have exited.
func (c *RbfCache) Stop() {
	if atomic.AddInt32(&c.shutdown, 1) != 1 {
		log.Warnf("RBF cache is already in the process of shutting down")
		return
	}

	log.Infof("RBF cache shutting down")
	close(c.quit)
	c.wg.Wait()
}

// taskHandler runs the two periodic maintenance tasks until Stop is called.
// Both tasks take the mutation lock, so they never interleave with each
// other or with synchronous calls.
func (c *RbfCache) taskHandler() {
	defer c.wg.Done()

	cleanupTicker := time.NewTicker(c.cfg.CleanupInterval)
	defer cleanupTicker.Stop()
	syncTicker := time.NewTicker(c.cfg.SyncInterval)
	defer syncTicker.Stop()

	for {
		select {
		case <-cleanupTicker.C:
			c.CleanupStale()

		case <-syncTicker.C:
			if err := c.SyncPass(); err != nil {
				log.Errorf("Cache sync pass failed: %v", err)
			}

		case <-c.quit:
			if err := c.SyncPass(); err != nil {
				log.Errorf("Final cache sync failed: %v", err)
			}
			return
		}
	}
}

// Add folds a newly observed replacement event into the tracked lineages.
// The new transaction becomes the root of a tree absorbing the full
// sub-lineage of every transaction it directly replaced.  Calls with a nil
// transaction or an empty replaced set are ignored.
func (c *RbfCache) Add(replaced []*MempoolTx, newTx *MempoolTx) {
	if newTx == nil || len(replaced) == 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	newTime := newTx.FirstSeen
	if newTime.IsZero() {
		newTime = time.Now()
	}
	newStripped := stripTx(newTx)
	newTxid := newStripped.Txid

	c.txs[newTxid] = newTx
	c.logEvent(opAdd, EntityTx, newTxid)

	// Collect the lineage of every victim, re-rooting lineages we were
	// already tracking and creating singleton nodes for the rest.  Full
	// RBF status is monotonic: once any absorbed lineage carries it, the
	// merged lineage does too.
	var (
		fullRbf       bool
		mined         bool
		replacedTrees = make([]*RbfTree, 0, len(replaced))
		replacedIds   = make([]chainhash.Hash, 0, len(replaced))
	)
	for _, replacedTx := range replaced {
		if replacedTx == nil {
			continue
		}
		replacedTxid := replacedTx.Txid()

		if tree, ok := c.trees[replacedTxid]; ok {
			// The victim headed its own lineage.  Detach it and
			// stamp how long it survived before being replaced.
			delete(c.trees, replacedTxid)
			c.logEvent(opRemove, EntityTree, replacedTxid)

			interval := int64(newTime.Sub(tree.Time) /
				time.Second)
			tree.Interval = &interval
			replacedTrees = append(replacedTrees, tree)
			fullRbf = fullRbf || tree.FullRbf || !tree.Tx.RBF
			mined = mined || tree.Mined
		} else {
			replacedStripped := stripTx(replacedTx)
			replacedTime := replacedTx.FirstSeen
			if replacedTime.IsZero() {
				replacedTime = time.Now()
			}
			tree := &RbfTree{
				Tx:      replacedStripped,
				Time:    replacedTime,
				FullRbf: !replacedStripped.RBF,
			}
			replacedTrees = append(replacedTrees, tree)
			fullRbf = fullRbf || tree.FullRbf

			c.txs[replacedTxid] = replacedTx
			c.logEvent(opAdd, EntityTx, replacedTxid)
		}
		replacedIds = append(replacedIds, replacedTxid)
	}

	newTree := &RbfTree{
		Tx:       newStripped,
		Time:     newTime,
		Mined:    mined,
		FullRbf:  fullRbf,
		Replaces: replacedTrees,
	}
	c.trees[newTxid] = newTree
	c.logEvent(opAdd, EntityTree, newTxid)
	c.updateTreeMap(newTxid, newTree)

	c.replaces[newTxid] = replacedIds
	for _, replacedTxid := range replacedIds {
		c.setReplacedBy(replacedTxid, newTxid)
	}

	log.Debugf("Replacement %v -> %v (%d direct victims, fullRbf=%v)",
		replacedIds, newTxid, len(replacedIds), fullRbf)
}

// Mined marks a tracked transaction as confirmed.  The matching node inside
// its lineage is flagged, the whole tree is marked mined, dirty and changed,
// and the transaction is scheduled for fast eviction so it lingers just long
// enough for confirmation display.
func (c *RbfCache) Mined(txid chainhash.Hash) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.txs[txid]; !ok {
		return
	}

	if root, ok := c.treeMap[txid]; ok {
		if tree, ok := c.trees[root]; ok {
			if node := tree.findNode(txid); node != nil {
				node.Tx.Mined = true
			}
			tree.Mined = true
			c.logEvent(opChange, EntityTree, root)

			log.Debugf("Lineage %v confirmed via %v", root, txid)
		}
	}
	c.evict(txid, true)
}

// Evict schedules a transaction for removal once its grace period passes.
// Fast evictions (mined or vanished transactions) use a 10 minute grace and
// always reset the timer; regular evictions use 24 hours and never shorten
// an existing schedule.
func (c *RbfCache) Evict(txid chainhash.Hash, fast bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.evict(txid, fast)
}

// evict implements Evict.  The caller must hold the mutation lock.
func (c *RbfCache) evict(txid chainhash.Hash, fast bool) {
	if _, ok := c.txs[txid]; !ok {
		return
	}
	if _, pending := c.expiring[txid]; pending && !fast {
		return
	}

	grace := evictionGrace
	if fast {
		grace = fastEvictionGrace
	}
	c.expiring[txid] = time.Now().Add(grace)
	c.logEvent(opAdd, EntityExpiry, txid)
}

// CleanupStale sweeps the expiry set, purging every transaction whose grace
// period has passed along with the lineage it pins.  It is run periodically
// by the task handler and may be called directly for deterministic tests.
func (c *RbfCache) CleanupStale() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.cleanupStale()
}

// cleanupStale implements CleanupStale.  The caller must hold the mutation
// lock.
func (c *RbfCache) cleanupStale() {
	now := time.Now()
	removed := 0
	for txid, expiry := range c.expiring {
		if !expiry.Before(now) {
			continue
		}
		delete(c.expiring, txid)
		c.logEvent(opRemove, EntityExpiry, txid)
		c.remove(txid)
		removed++
	}
	if removed > 0 {
		log.Debugf("Expiry sweep purged %d stale transactions", removed)
	}
}

// remove unwinds a lineage from its tip down to its oldest ancestors.  A
// txid that still has a newer version tracked is left alone; its eventual
// removal cascades back down to this one.
func (c *RbfCache) remove(txid chainhash.Hash) {
	if _, ok := c.replacedBy[txid]; ok {
		return
	}

	victims := c.replaces[txid]
	delete(c.replaces, txid)
	delete(c.treeMap, txid)
	if _, ok := c.txs[txid]; ok {
		delete(c.txs, txid)
		c.logEvent(opRemove, EntityTx, txid)
	}
	if _, ok := c.expiring[txid]; ok {
		delete(c.expiring, txid)
		c.logEvent(opRemove, EntityExpiry, txid)
	}
	if _, ok := c.trees[txid]; ok {
		delete(c.trees, txid)
		delete(c.dirty, txid)
		c.logEvent(opRemove, EntityTree, txid)
	}

	for _, victim := range victims {
		c.deleteReplacedBy(victim)
		if _, ok := c.trees[victim]; ok {
			delete(c.trees, victim)
			delete(c.dirty, victim)
			c.logEvent(opRemove, EntityTree, victim)
		}
		c.remove(victim)
	}
}

// updateTreeMap points every txid contained in the tree at the given root.
func (c *RbfCache) updateTreeMap(root chainhash.Hash, tree *RbfTree) {
	c.treeMap[tree.Tx.Txid] = root
	for _, replaced := range tree.Replaces {
		c.updateTreeMap(root, replaced)
	}
}

// setReplacedBy records that txid was replaced by newer, preserving the
// insertion order of first-time entries.
func (c *RbfCache) setReplacedBy(txid, newer chainhash.Hash) {
	if _, ok := c.replacedBy[txid]; !ok {
		c.replacedByOrder = append(c.replacedByOrder, txid)
	}
	c.replacedBy[txid] = newer
}

// deleteReplacedBy removes a replacedBy entry along with its slot in the
// insertion order.
func (c *RbfCache) deleteReplacedBy(txid chainhash.Hash) {
	if _, ok := c.replacedBy[txid]; !ok {
		return
	}
	delete(c.replacedBy, txid)
	for i, id := range c.replacedByOrder {
		if id == txid {
			c.replacedByOrder = append(c.replacedByOrder[:i],
				c.replacedByOrder[i+1:]...)
			break
		}
	}
}

// GetReplacedBy returns the txid that replaced the given transaction.  The
// second return value is false if the transaction has not been replaced.
func (c *RbfCache) GetReplacedBy(txid chainhash.Hash) (chainhash.Hash, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	newer, ok := c.replacedBy[txid]
	return newer, ok
}

// GetReplaces returns the txids the given transaction directly replaced.
// The second return value is false if the transaction is not tracked as a
// replacement.
func (c *RbfCache) GetReplaces(txid chainhash.Hash) ([]chainhash.Hash, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	victims, ok := c.replaces[txid]
	if !ok {
		return nil, false
	}
	result := make([]chainhash.Hash, len(victims))
	copy(result, victims)
	return result, true
}

// GetTx returns the full transaction record for a tracked txid.
func (c *RbfCache) GetTx(txid chainhash.Hash) (*MempoolTx, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	tx, ok := c.txs[txid]
	return tx, ok
}

// GetTree returns the replacement tree containing the given txid, rooted at
// the lineage's most recent version, or nil if the txid is untracked.  The
// returned tree is live shared state and must not be mutated by the caller;
// use GetTreeFlat for a snapshot safe to hold across mutations.
func (c *RbfCache) GetTree(txid chainhash.Hash) *RbfTree {
	c.mu.RLock()
	defer c.mu.RUnlock()

	root, ok := c.treeMap[txid]
	if !ok {
		return nil
	}
	return c.trees[root]
}

// GetTreeFlat returns a flattened copy of the replacement tree containing
// the given txid, or nil if the txid is untracked.
func (c *RbfCache) GetTreeFlat(txid chainhash.Hash) *FlatTree {
	c.mu.RLock()
	defer c.mu.RUnlock()

	root, ok := c.treeMap[txid]
	if !ok {
		return nil
	}
	tree, ok := c.trees[root]
	if !ok {
		return nil
	}
	return exportTree(tree)
}

// GetTrees returns up to 25 distinct lineages ordered by most recent
// replacement first, optionally restricted to full-RBF lineages.  The after
// cursor resumes a previous page: entries are skipped until the cursor's
// lineage has been passed.  A cursor whose lineage is tracked but no longer
// appears in the replacement order yields an empty page.
func (c *RbfCache) GetTrees(onlyFullRbf bool, after *chainhash.Hash) []*RbfTree {
	c.mu.RLock()
	defer c.mu.RUnlock()

	// Resuming only becomes "ready" once the cursor's lineage is passed.
	// A cursor whose lineage never appears yields an empty page.
	ready := after == nil
	var afterRoot *chainhash.Hash
	if after != nil {
		if root, ok := c.treeMap[*after]; ok {
			afterRoot = &root
		}
	}

	trees := make([]*RbfTree, 0, treePageSize)
	used := make(map[chainhash.Hash]struct{})
	for i := len(c.replacedByOrder) - 1; i >= 0; i-- {
		if len(trees) >= treePageSize {
			break
		}
		root, ok := c.treeMap[c.replacedByOrder[i]]
		if !ok {
			continue
		}

		// Everything up to and including the cursor's lineage was
		// returned on an earlier page.  Lineages passed while seeking
		// the cursor are remembered so an older entry of one of them
		// cannot re-emit it after the cursor.
		if afterRoot != nil && root == *afterRoot {
			ready = true
			used[root] = struct{}{}
			continue
		}
		if !ready {
			used[root] = struct{}{}
			continue
		}

		if _, seen := used[root]; seen {
			continue
		}
		used[root] = struct{}{}

		tree, ok := c.trees[root]
		if !ok {
			continue
		}
		if onlyFullRbf && !tree.FullRbf {
			continue
		}
		trees = append(trees, tree)
	}
	return trees
}
