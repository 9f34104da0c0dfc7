// Copyright (c) 2025-2026 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/rbftracker/rbfcache"
)

// httpServer serves the read-only lineage query API over JSON/HTTP.
type httpServer struct {
	cache  *rbfcache.RbfCache
	server *http.Server
}

// newHTTPServer creates the query API server listening on addr.
func newHTTPServer(addr string, cache *rbfcache.RbfCache) *httpServer {
	s := &httpServer{cache: cache}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/tx/{txid}", s.handleTx)
	mux.HandleFunc("GET /v1/tree/{txid}", s.handleTree)
	mux.HandleFunc("GET /v1/replaces/{txid}", s.handleReplaces)
	mux.HandleFunc("GET /v1/replacedby/{txid}", s.handleReplacedBy)
	mux.HandleFunc("GET /v1/trees", s.handleTrees)
	mux.HandleFunc("GET /v1/changes", s.handleChanges)

	s.server = &http.Server{
		Addr:        addr,
		Handler:     mux,
		ReadTimeout: 10 * time.Second,
	}
	return s
}

// Start begins serving in the background.
func (s *httpServer) Start() {
	httpLog.Infof("Query API listening on %s", s.server.Addr)
	go func() {
		err := s.server.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			httpLog.Errorf("Query API server failed: %v", err)
			shutdownRequestChannel <- struct{}{}
		}
	}()
}

// Stop gracefully shuts the server down.
func (s *httpServer) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(),
		5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		httpLog.Errorf("Query API shutdown failed: %v", err)
	}
}

// writeJSON marshals the response and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		httpLog.Debugf("Failed to write response: %v", err)
	}
}

// writeNotFound reports an untracked txid to the caller.
func writeNotFound(w http.ResponseWriter) {
	writeJSON(w, http.StatusNotFound,
		map[string]string{"error": "not found"})
}

// pathTxid parses the txid path component, writing a 400 response and
// returning nil when it is malformed.
func pathTxid(w http.ResponseWriter, r *http.Request) *chainhash.Hash {
	txid, err := chainhash.NewHashFromStr(r.PathValue("txid"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest,
			map[string]string{"error": "invalid txid"})
		return nil
	}
	return txid
}

func (s *httpServer) handleTx(w http.ResponseWriter, r *http.Request) {
	txid := pathTxid(w, r)
	if txid == nil {
		return
	}
	tx, ok := s.cache.GetTx(*txid)
	if !ok {
		writeNotFound(w)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

func (s *httpServer) handleTree(w http.ResponseWriter, r *http.Request) {
	txid := pathTxid(w, r)
	if txid == nil {
		return
	}
	tree := s.cache.GetTreeFlat(*txid)
	if tree == nil {
		writeNotFound(w)
		return
	}
	writeJSON(w, http.StatusOK, tree)
}

func (s *httpServer) handleReplaces(w http.ResponseWriter, r *http.Request) {
	txid := pathTxid(w, r)
	if txid == nil {
		return
	}
	victims, ok := s.cache.GetReplaces(*txid)
	if !ok {
		writeNotFound(w)
		return
	}
	ids := make([]string, len(victims))
	for i := range victims {
		ids[i] = victims[i].String()
	}
	writeJSON(w, http.StatusOK, ids)
}

func (s *httpServer) handleReplacedBy(w http.ResponseWriter, r *http.Request) {
	txid := pathTxid(w, r)
	if txid == nil {
		return
	}
	newer, ok := s.cache.GetReplacedBy(*txid)
	if !ok {
		writeNotFound(w)
		return
	}
	writeJSON(w, http.StatusOK, newer.String())
}

func (s *httpServer) handleTrees(w http.ResponseWriter, r *http.Request) {
	onlyFullRbf := r.URL.Query().Get("fullRbf") == "true"

	var after *chainhash.Hash
	if cursor := r.URL.Query().Get("after"); cursor != "" {
		txid, err := chainhash.NewHashFromStr(cursor)
		if err != nil {
			writeJSON(w, http.StatusBadRequest,
				map[string]string{"error": "invalid cursor"})
			return
		}
		after = txid
	}

	trees := s.cache.GetTrees(onlyFullRbf, after)

	// Flatten page entries so the response stays stable while the cache
	// keeps mutating underneath.
	flat := make([]*rbfcache.FlatTree, 0, len(trees))
	for _, tree := range trees {
		if t := s.cache.GetTreeFlat(tree.Tx.Txid); t != nil {
			flat = append(flat, t)
		}
	}
	writeJSON(w, http.StatusOK, flat)
}

func (s *httpServer) handleChanges(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.cache.GetChangedTrees())
}
