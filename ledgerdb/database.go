// Package ledgerdb defines the persistence interface of a replica: durable
// storage for the chain, the mempool and the peer set.
//
// Two production backends exist: sqlitedb (embedded relational store, one
// file with chain/mempool/nodes tables) and filedb (three JSON documents).
// memorydb backs tests. The store is single-writer per replica; callers
// serialize access through the blockchain mutex.
package ledgerdb

import (
	"errors"

	"github.com/trace-network/gtrace/core/types"
)

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("ledgerdb: store closed")

// ChainStore persists the hash-linked chain.
type ChainStore interface {
	// AppendBlock durably appends one block at the tip.
	AppendBlock(b *types.Block) error

	// ReplaceChain atomically overwrites the whole chain table.
	ReplaceChain(chain []*types.Block) error

	// LoadChain returns all blocks in ascending index order.
	LoadChain() ([]*types.Block, error)
}

// MempoolStore persists admitted-but-unmined transactions.
type MempoolStore interface {
	// InsertTransaction durably appends one mempool entry.
	InsertTransaction(tx *types.Transaction) error

	// DeleteTransaction removes the entry with the given composite key.
	// Unknown keys are a no-op.
	DeleteTransaction(key string) error

	// ClearMempool removes every mempool entry.
	ClearMempool() error

	// LoadMempool returns all pending transactions in insertion order.
	LoadMempool() ([]*types.Transaction, error)
}

// PeerStore persists the known peer set.
type PeerStore interface {
	// InsertPeer records a peer base URL. Duplicate inserts are a no-op.
	InsertPeer(url string) error

	// DeletePeer removes a peer base URL.
	DeletePeer(url string) error

	// LoadPeers returns the stored peer set.
	LoadPeers() ([]string, error)
}

// Store is the full persistence surface the replica core requires.
type Store interface {
	ChainStore
	MempoolStore
	PeerStore

	Close() error
}
