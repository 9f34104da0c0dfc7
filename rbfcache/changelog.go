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

// eventOp enumerates the mutation kinds recorded in the change log.
type eventOp uint8

const (
	opAdd eventOp = iota
	opChange
	opRemove
)

// cacheEvent is a single entry in the ordered change log.  Add and change
// events carry no value; the current value is re-fetched by id when the log
// is replayed, so redundant intermediate states are never written out.
type cacheEvent struct {
	op     eventOp
	entity string
	id     chainhash.Hash
}

// logEvent appends a mutation event to the change log.  Tree additions and
// changes additionally mark the tree dirty for the snapshot-diff consumer.
func (c *RbfCache) logEvent(op eventOp, entity string, id chainhash.Hash) {
	c.events = append(c.events, cacheEvent{op: op, entity: entity, id: id})
	if entity == EntityTree && op != opRemove {
		c.dirty[id] = struct{}{}
	}
}

// SyncPass drains the change log once, replaying each event against the
// configured durable cache backend.  Add and change events upsert the current
// value of the entity; remove events delete it.  The log is only cleared
// after every replay in the pass has succeeded, so a failed pass can be
// retried without losing events.
//
// When no backend is configured the pass is a no-op and the log keeps
// accumulating until a consumer drains it.
func (c *RbfCache) SyncPass() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	backend := c.cfg.Backend
	if backend == nil || len(c.events) == 0 {
		return nil
	}

	for _, event := range c.events {
		id := event.id.String()
		if event.op == opRemove {
			err := backend.RemoveEntry(event.entity, id)
			if err != nil {
				return errors.Wrapf(err, "remove %s %s",
					event.entity, id)
			}
			continue
		}

		// The entity may have been removed again after this event was
		// logged.  Skip it here; the later remove event in the same
		// log handles the deletion.
		value, ok := c.currentValue(&event)
		if !ok {
			continue
		}
		if err := backend.SetEntry(event.entity, id, value); err != nil {
			return errors.Wrapf(err, "set %s %s", event.entity, id)
		}
	}

	log.Tracef("Synced %d cache events", len(c.events))
	c.events = nil
	return nil
}

// currentValue serializes the present state of the entity an add or change
// event refers to.  It returns false if the entity no longer exists or
// cannot be serialized.
func (c *RbfCache) currentValue(event *cacheEvent) ([]byte, bool) {
	var (
		value []byte
		err   error
	)
	switch event.entity {
	case EntityTx:
		tx, ok := c.txs[event.id]
		if !ok {
			return nil, false
		}
		value, err = json.Marshal(tx)

	case EntityTree:
		tree, ok := c.trees[event.id]
		if !ok {
			return nil, false
		}
		value, err = json.Marshal(exportTree(tree))

	case EntityExpiry:
		expiry, ok := c.expiring[event.id]
		if !ok {
			return nil, false
		}
		value, err = json.Marshal(expiry.UTC().Format(time.RFC3339))

	default:
		return nil, false
	}
	if err != nil {
		log.Errorf("Failed to serialize %s %v: %v", event.entity,
			event.id, err)
		return nil, false
	}
	return value, true
}

// TreeChanges is the result of a snapshot-diff query: every lineage that
// changed since the previous query, flattened, plus the reverse mapping from
// every contained txid to its lineage root.
type TreeChanges struct {
	// Trees maps root txids to their flattened lineages.
	Trees map[string]*FlatTree `json:"trees"`

	// TreeMap maps every txid contained in Trees to its root txid.
	TreeMap map[string]string `json:"map"`
}

// GetChangedTrees returns the flattened form of every lineage marked dirty
// since the last call, then clears the dirty set.  A second call with no
// intervening mutation returns an empty result.
func (c *RbfCache) GetChangedTrees() *TreeChanges {
	c.mu.Lock()
	defer c.mu.Unlock()

	changes := &TreeChanges{
		Trees:   make(map[string]*FlatTree),
		TreeMap: make(map[string]string),
	}
	for root := range c.dirty {
		tree, ok := c.trees[root]
		if !ok {
			continue
		}
		flat := exportTree(tree)
		changes.Trees[flat.Root] = flat
		for txid := range flat.Nodes {
			changes.TreeMap[txid] = flat.Root
		}
	}
	c.dirty = make(map[chainhash.Hash]struct{})

	return changes
}
