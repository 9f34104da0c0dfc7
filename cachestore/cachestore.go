// Copyright (c) 2025-2026 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package cachestore provides a pebble-backed durable cache for the RBF
// tracker.  It holds the incrementally synced cache entries plus the full
// snapshot written at shutdown.
package cachestore

import (
	"github.com/cockroachdb/pebble"
	"github.com/pkg/errors"
)

// snapshotKey is the key under which the full cache snapshot is stored.
var snapshotKey = []byte("snapshot")

// Store is a durable key-value cache backed by pebble.  It satisfies
// rbfcache.CacheBackend.
type Store struct {
	db *pebble.DB
}

// New opens (creating if necessary) the cache store at the given path.
func New(path string) (*Store, error) {
	db, err := pebble.Open(path, &pebble.Options{
		Cache:        pebble.NewCache(16 << 20),
		BytesPerSync: 1 << 20,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "unable to open %s", path)
	}
	return &Store{db: db}, nil
}

// entryKey builds the storage key for an entity/id pair.
func entryKey(entity, id string) []byte {
	key := make([]byte, 0, len(entity)+len(id)+1)
	key = append(key, entity...)
	key = append(key, ':')
	key = append(key, id...)
	return key
}

// SetEntry upserts the value stored for the given entity and id.
func (s *Store) SetEntry(entity, id string, value []byte) error {
	err := s.db.Set(entryKey(entity, id), value, pebble.NoSync)
	return errors.Wrapf(err, "set %s %s", entity, id)
}

// RemoveEntry deletes the value stored for the given entity and id.
// Removing an entry that does not exist is not an error.
func (s *Store) RemoveEntry(entity, id string) error {
	err := s.db.Delete(entryKey(entity, id), pebble.NoSync)
	return errors.Wrapf(err, "remove %s %s", entity, id)
}

// GetEntry returns the value stored for the given entity and id, or nil if
// no such entry exists.
func (s *Store) GetEntry(entity, id string) ([]byte, error) {
	data, closer, err := s.db.Get(entryKey(entity, id))
	if err == pebble.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get %s %s", entity, id)
	}
	value := make([]byte, len(data))
	copy(value, data)
	return value, closer.Close()
}

// SaveSnapshot durably stores a serialized cache snapshot, replacing any
// previous one.
func (s *Store) SaveSnapshot(data []byte) error {
	err := s.db.Set(snapshotKey, data, pebble.Sync)
	return errors.Wrap(err, "save snapshot")
}

// LoadSnapshot returns the most recently saved snapshot, or nil if none has
// been saved yet.
func (s *Store) LoadSnapshot() ([]byte, error) {
	data, closer, err := s.db.Get(snapshotKey)
	if err == pebble.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "load snapshot")
	}
	snapshot := make([]byte, len(data))
	copy(snapshot, data)
	return snapshot, closer.Close()
}

// Close flushes and closes the underlying database.
func (s *Store) Close() error {
	return errors.Wrap(s.db.Close(), "close cache store")
}
