// Package filedb implements ledgerdb.Store on three JSON documents
// (chain.json, mempool.json, nodes.json) under a data directory. Writes go
// through a temp file and rename so a crash never leaves a torn document.
package filedb

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/trace-network/gtrace/core/types"
	"github.com/trace-network/gtrace/ledgerdb"
)

const (
	chainFile   = "chain.json"
	mempoolFile = "mempool.json"
	nodesFile   = "nodes.json"
)

// Database keeps the working state in memory and rewrites the affected
// document on every mutation. Suitable for small deployments and demos; the
// sqlite backend is the production default.
type Database struct {
	dir string

	lock    sync.Mutex
	chain   []*types.Block
	mempool []*types.Transaction
	peers   map[string]struct{}
	closed  bool
}

// New opens (creating if needed) the file store under dir.
func New(dir string) (*Database, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("filedb: create data directory: %w", err)
	}
	db := &Database{dir: dir, peers: make(map[string]struct{})}
	if err := db.load(); err != nil {
		return nil, err
	}
	return db, nil
}

func (db *Database) load() error {
	if err := readJSON(filepath.Join(db.dir, chainFile), &db.chain); err != nil {
		return err
	}
	if err := readJSON(filepath.Join(db.dir, mempoolFile), &db.mempool); err != nil {
		return err
	}
	var peers []string
	if err := readJSON(filepath.Join(db.dir, nodesFile), &peers); err != nil {
		return err
	}
	for _, p := range peers {
		db.peers[p] = struct{}{}
	}
	return nil
}

func readJSON(path string, v any) error {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("filedb: read %s: %w", path, err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("filedb: decode %s: %w", path, err)
	}
	return nil
}

func writeJSON(path string, v any) error {
	enc, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("filedb: encode %s: %w", path, err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, enc, 0644); err != nil {
		return fmt.Errorf("filedb: write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("filedb: rename %s: %w", path, err)
	}
	return nil
}

func (db *Database) saveChain() error {
	return writeJSON(filepath.Join(db.dir, chainFile), db.chain)
}

func (db *Database) saveMempool() error {
	// Encode the empty mempool as [] rather than null.
	mempool := db.mempool
	if mempool == nil {
		mempool = []*types.Transaction{}
	}
	return writeJSON(filepath.Join(db.dir, mempoolFile), mempool)
}

func (db *Database) savePeers() error {
	peers := make([]string, 0, len(db.peers))
	for p := range db.peers {
		peers = append(peers, p)
	}
	sort.Strings(peers)
	return writeJSON(filepath.Join(db.dir, nodesFile), peers)
}

func (db *Database) AppendBlock(b *types.Block) error {
	db.lock.Lock()
	defer db.lock.Unlock()
	if db.closed {
		return ledgerdb.ErrClosed
	}
	db.chain = append(db.chain, b.Copy())
	return db.saveChain()
}

func (db *Database) ReplaceChain(chain []*types.Block) error {
	db.lock.Lock()
	defer db.lock.Unlock()
	if db.closed {
		return ledgerdb.ErrClosed
	}
	db.chain = make([]*types.Block, 0, len(chain))
	for _, b := range chain {
		db.chain = append(db.chain, b.Copy())
	}
	return db.saveChain()
}

func (db *Database) LoadChain() ([]*types.Block, error) {
	db.lock.Lock()
	defer db.lock.Unlock()
	if db.closed {
		return nil, ledgerdb.ErrClosed
	}
	chain := make([]*types.Block, 0, len(db.chain))
	for _, b := range db.chain {
		chain = append(chain, b.Copy())
	}
	return chain, nil
}

func (db *Database) InsertTransaction(tx *types.Transaction) error {
	db.lock.Lock()
	defer db.lock.Unlock()
	if db.closed {
		return ledgerdb.ErrClosed
	}
	db.mempool = append(db.mempool, tx.Copy())
	return db.saveMempool()
}

func (db *Database) DeleteTransaction(key string) error {
	db.lock.Lock()
	defer db.lock.Unlock()
	if db.closed {
		return ledgerdb.ErrClosed
	}
	kept := db.mempool[:0]
	for _, tx := range db.mempool {
		if tx.Key() != key {
			kept = append(kept, tx)
		}
	}
	db.mempool = kept
	return db.saveMempool()
}

func (db *Database) ClearMempool() error {
	db.lock.Lock()
	defer db.lock.Unlock()
	if db.closed {
		return ledgerdb.ErrClosed
	}
	db.mempool = nil
	return db.saveMempool()
}

func (db *Database) LoadMempool() ([]*types.Transaction, error) {
	db.lock.Lock()
	defer db.lock.Unlock()
	if db.closed {
		return nil, ledgerdb.ErrClosed
	}
	mempool := make([]*types.Transaction, 0, len(db.mempool))
	for _, tx := range db.mempool {
		mempool = append(mempool, tx.Copy())
	}
	return mempool, nil
}

func (db *Database) InsertPeer(url string) error {
	db.lock.Lock()
	defer db.lock.Unlock()
	if db.closed {
		return ledgerdb.ErrClosed
	}
	db.peers[url] = struct{}{}
	return db.savePeers()
}

func (db *Database) DeletePeer(url string) error {
	db.lock.Lock()
	defer db.lock.Unlock()
	if db.closed {
		return ledgerdb.ErrClosed
	}
	delete(db.peers, url)
	return db.savePeers()
}

func (db *Database) LoadPeers() ([]string, error) {
	db.lock.Lock()
	defer db.lock.Unlock()
	if db.closed {
		return nil, ledgerdb.ErrClosed
	}
	peers := make([]string, 0, len(db.peers))
	for p := range db.peers {
		peers = append(peers, p)
	}
	return peers, nil
}

func (db *Database) Close() error {
	db.lock.Lock()
	defer db.lock.Unlock()
	db.closed = true
	return nil
}

var _ ledgerdb.Store = (*Database)(nil)
