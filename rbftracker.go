// Copyright (c) 2025-2026 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"encoding/json"
	"os"

	"github.com/btcsuite/btcd/rpcclient"
	"github.com/btcsuite/rbftracker/cachestore"
	"github.com/btcsuite/rbftracker/rbfcache"
)

// rbftrackerMain is the real main function for rbftracker.  It is necessary
// to work around the fact that deferred functions do not run when os.Exit()
// is called.
func rbftrackerMain() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	defer func() {
		if logRotator != nil {
			logRotator.Close()
		}
	}()

	// Get a channel that will be closed when a shutdown signal has been
	// triggered either from an OS signal such as SIGINT (Ctrl+C) or from
	// another subsystem.
	interrupt := interruptListener()
	defer rbftLog.Info("Shutdown complete")

	// Open the durable cache store unless it is disabled.
	var store *cachestore.Store
	if !cfg.NoCache {
		store, err = cachestore.New(cfg.cachePath())
		if err != nil {
			rbftLog.Errorf("Unable to open cache store: %v", err)
			return err
		}
		defer func() {
			if err := store.Close(); err != nil {
				rbftLog.Errorf("Unable to close cache "+
					"store: %v", err)
			}
		}()
	}

	// Connect to the bitcoin node used to reconcile persisted lineages
	// after a restart.
	var certs []byte
	if cfg.NodeCert != "" {
		certs, err = os.ReadFile(cfg.NodeCert)
		if err != nil {
			rbftLog.Errorf("Unable to read node RPC cert: %v", err)
			return err
		}
	}
	client, err := rpcclient.New(&rpcclient.ConnConfig{
		Host:         cfg.NodeHost,
		User:         cfg.NodeUser,
		Pass:         cfg.NodePass,
		Certificates: certs,
		DisableTLS:   cfg.NodeNoTLS,
		HTTPPostMode: true,
	}, nil)
	if err != nil {
		rbftLog.Errorf("Unable to create node RPC client: %v", err)
		return err
	}
	defer client.Shutdown()

	cacheCfg := &rbfcache.Config{
		Chain:        client,
		SyncInterval: cfg.SyncInterval,
	}
	if store != nil {
		cacheCfg.Backend = store
	}
	cache := rbfcache.New(cacheCfg)

	// Reconstruct lineages persisted by a previous run.  This completes
	// before the cache accepts any other operation.
	if store != nil {
		if err := loadSnapshot(store, cache); err != nil {
			rbftLog.Warnf("Unable to load persisted cache: %v", err)
		}
	}

	if interruptRequested(interrupt) {
		return nil
	}

	cache.Start()
	defer func() {
		cache.Stop()
		if store != nil {
			if err := saveSnapshot(store, cache); err != nil {
				rbftLog.Errorf("Unable to save cache "+
					"snapshot: %v", err)
			}
		}
	}()

	server := newHTTPServer(cfg.Listen, cache)
	server.Start()
	defer server.Stop()

	// Wait until the interrupt signal is received from an OS signal or
	// shutdown is requested through one of the subsystems.
	<-interrupt
	return nil
}

// loadSnapshot restores the cache from the most recent persisted snapshot,
// if any.
func loadSnapshot(store *cachestore.Store, cache *rbfcache.RbfCache) error {
	data, err := store.LoadSnapshot()
	if err != nil || data == nil {
		return err
	}
	var snapshot rbfcache.Snapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return err
	}
	cache.Load(&snapshot)
	return nil
}

// saveSnapshot persists the full cache state for the next run.
func saveSnapshot(store *cachestore.Store, cache *rbfcache.RbfCache) error {
	data, err := json.Marshal(cache.Dump())
	if err != nil {
		return err
	}
	return store.SaveSnapshot(data)
}

func main() {
	if err := rbftrackerMain(); err != nil {
		os.Exit(1)
	}
}
