// Copyright (c) 2025-2026 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	flags "github.com/jessevdk/go-flags"
)

const (
	defaultLogFilename  = "rbftracker.log"
	defaultLogLevel     = "info"
	defaultCacheDirname = "cache"
	defaultListen       = "127.0.0.1:8340"
	defaultNodeHost     = "localhost:8334"
)

var (
	rbftrackerHomeDir = btcutil.AppDataDir("rbftracker", false)
	defaultDataDir    = filepath.Join(rbftrackerHomeDir, "data")
	defaultLogDir     = filepath.Join(rbftrackerHomeDir, "logs")
)

// config defines the configuration options for rbftracker.
//
// See loadConfig for details on the configuration load process.
type config struct {
	DataDir      string        `short:"b" long:"datadir" description:"Directory to store the durable replacement cache"`
	LogDir       string        `long:"logdir" description:"Directory to log output"`
	DebugLevel   string        `short:"d" long:"debuglevel" description:"Logging level {trace, debug, info, warn, error, critical}"`
	Listen       string        `long:"listen" description:"Address to serve the lineage query API on"`
	NoCache      bool          `long:"nocache" description:"Disable the durable cache; lineages are kept in memory only"`
	SyncInterval time.Duration `long:"syncinterval" description:"Interval between change log drains into the durable cache"`
	NodeHost     string        `long:"nodehost" description:"Bitcoin node RPC server to connect to"`
	NodeUser     string        `long:"nodeuser" description:"Bitcoin node RPC username"`
	NodePass     string        `long:"nodepass" default-mask:"-" description:"Bitcoin node RPC password"`
	NodeCert     string        `long:"nodecert" description:"File containing the bitcoin node RPC TLS certificate"`
	NodeNoTLS    bool          `long:"nodenotls" description:"Disable TLS for the bitcoin node RPC connection"`
}

// cleanAndExpandPath expands environment variables and leading ~ in the
// passed path, cleans the result, and returns it.
func cleanAndExpandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		homeDir := filepath.Dir(rbftrackerHomeDir)
		path = filepath.Join(homeDir, path[1:])
	}
	return filepath.Clean(os.ExpandEnv(path))
}

// loadConfig initializes and parses the config using command line options.
func loadConfig() (*config, error) {
	cfg := config{
		DataDir:      defaultDataDir,
		LogDir:       defaultLogDir,
		DebugLevel:   defaultLogLevel,
		Listen:       defaultListen,
		SyncInterval: time.Minute,
		NodeHost:     defaultNodeHost,
	}

	parser := flags.NewParser(&cfg, flags.Default)
	if _, err := parser.Parse(); err != nil {
		if e, ok := err.(*flags.Error); !ok || e.Type != flags.ErrHelp {
			parser.WriteHelp(os.Stderr)
		}
		return nil, err
	}

	if !validLogLevel(cfg.DebugLevel) {
		str := "the specified debug level [%v] is invalid"
		err := fmt.Errorf(str, cfg.DebugLevel)
		fmt.Fprintln(os.Stderr, err)
		return nil, err
	}

	cfg.DataDir = cleanAndExpandPath(cfg.DataDir)
	cfg.LogDir = cleanAndExpandPath(cfg.LogDir)
	if cfg.NodeCert != "" {
		cfg.NodeCert = cleanAndExpandPath(cfg.NodeCert)
	}

	// Initialize log rotation.  After it is initialized, use the
	// package-global logger variables.
	initLogRotator(filepath.Join(cfg.LogDir, defaultLogFilename))
	setLogLevels(cfg.DebugLevel)

	return &cfg, nil
}

// cachePath returns the directory the durable cache store lives in.
func (cfg *config) cachePath() string {
	return filepath.Join(cfg.DataDir, defaultCacheDirname)
}
