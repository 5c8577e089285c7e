// Package memorydb implements an in-memory ledgerdb.Store for tests.
package memorydb

import (
	"sync"

	"github.com/trace-network/gtrace/core/types"
	"github.com/trace-network/gtrace/ledgerdb"
)

// Database is a volatile store. It honors the ordering contracts of
// ledgerdb.Store but survives nothing.
type Database struct {
	lock    sync.Mutex
	chain   []*types.Block
	mempool []*types.Transaction
	peers   map[string]struct{}
	closed  bool
}

// New returns an empty in-memory store.
func New() *Database {
	return &Database{peers: make(map[string]struct{})}
}

func (db *Database) AppendBlock(b *types.Block) error {
	db.lock.Lock()
	defer db.lock.Unlock()
	if db.closed {
		return ledgerdb.ErrClosed
	}
	db.chain = append(db.chain, b.Copy())
	return nil
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
	return nil
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
	return nil
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
	return nil
}

func (db *Database) ClearMempool() error {
	db.lock.Lock()
	defer db.lock.Unlock()
	if db.closed {
		return ledgerdb.ErrClosed
	}
	db.mempool = nil
	return nil
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
	return nil
}

func (db *Database) DeletePeer(url string) error {
	db.lock.Lock()
	defer db.lock.Unlock()
	if db.closed {
		return ledgerdb.ErrClosed
	}
	delete(db.peers, url)
	return nil
}

func (db *Database) LoadPeers() ([]string, error) {
	db.lock.Lock()
	defer db.lock.Unlock()
	if db.closed {
		return nil, ledgerdb.ErrClosed
	}
	peers := make([]string, 0, len(db.peers))
	for url := range db.peers {
		peers = append(peers, url)
	}
	return peers, nil
}

func (db *Database) Close() error {
	db.lock.Lock()
	defer db.lock.Unlock()
	db.closed = true
	return nil
}
