// Package core implements the replicated ledger state machine: transaction
// admission, proof-of-work mining, block acceptance, chain replacement and
// mempool reconciliation, all serialized by a single coarse mutex.
package core

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/trace-network/gtrace/accountsigner"
	"github.com/trace-network/gtrace/core/types"
	"github.com/trace-network/gtrace/ledgerdb"
	"github.com/trace-network/gtrace/params"
)

// BatchEvent is one history entry for a batch: the transaction plus the
// timestamp of the block it was mined into.
type BatchEvent struct {
	Tx             *types.Transaction
	BlockTimestamp string
}

// Blockchain is the chain-plus-mempool state machine of one replica. All
// mutating operations take the mutex; disk writes happen inside the critical
// section, ordered with the in-memory change. A persistence failure is fatal:
// the replica is considered corrupt and must be restarted.
type Blockchain struct {
	cfg    *params.Config
	store  ledgerdb.Store
	signer *accountsigner.Registry // nil when crypto is disabled
	log    *logrus.Entry

	mu      sync.Mutex
	chain   []*types.Block
	mempool []*types.Transaction
	peers   map[string]struct{}
}

// NewBlockchain loads state from the store, creating the genesis block on
// first start.
func NewBlockchain(cfg *params.Config, store ledgerdb.Store, signer *accountsigner.Registry) (*Blockchain, error) {
	chain, err := store.LoadChain()
	if err != nil {
		return nil, fmt.Errorf("core: load chain: %w", err)
	}
	mempool, err := store.LoadMempool()
	if err != nil {
		return nil, fmt.Errorf("core: load mempool: %w", err)
	}
	peerList, err := store.LoadPeers()
	if err != nil {
		return nil, fmt.Errorf("core: load peers: %w", err)
	}
	bc := &Blockchain{
		cfg:     cfg,
		store:   store,
		signer:  signer,
		log:     logrus.WithField("component", "core"),
		chain:   chain,
		mempool: mempool,
		peers:   make(map[string]struct{}, len(peerList)),
	}
	for _, p := range peerList {
		if p != cfg.SelfAddress() {
			bc.peers[p] = struct{}{}
		}
	}
	if len(bc.chain) == 0 {
		genesis := types.NewGenesisBlock(types.Now())
		bc.chain = append(bc.chain, genesis)
		if err := store.AppendBlock(genesis); err != nil {
			return nil, fmt.Errorf("core: persist genesis: %w", err)
		}
		bc.log.WithField("hash", genesis.Hash).Info("created genesis block")
	}
	return bc, nil
}

// Config returns the replica configuration.
func (bc *Blockchain) Config() *params.Config {
	return bc.cfg
}

// fatal reports an unrecoverable persistence failure and terminates the
// replica.
func (bc *Blockchain) fatal(op string, err error) {
	bc.log.WithError(err).WithField("op", op).Fatal("persistence failure, replica is corrupt")
}

// AddTransaction validates and admits a transaction to the mempool.
//
// Signed transactions must carry the client's timestamp and are verified
// byte-exactly against their canonical signed form; unsigned transactions are
// stamped with the server clock. When the mempool bound is reached the
// admission path forces a synchronous mine; the mined block (to be broadcast
// by the caller) is returned alongside the admitted transaction.
func (bc *Blockchain) AddTransaction(tx *types.Transaction) (*types.Block, error) {
	if err := tx.CheckFields(); err != nil {
		return nil, ErrMissingFields
	}
	bc.mu.Lock()
	defer bc.mu.Unlock()

	if tx.Signature != "" && tx.Timestamp == "" {
		return nil, ErrMissingTimestamp
	}
	if tx.Signature == "" && tx.Timestamp == "" {
		tx.Timestamp = types.Now()
	}
	if bc.hasKey(tx.Key()) {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateTx, tx.Key())
	}

	chainActions, history := bc.batchHistoryActions(tx.BatchID)
	var pendingActions []string
	for _, pending := range bc.mempool {
		if pending.BatchID == tx.BatchID {
			pendingActions = append(pendingActions, pending.Action)
		}
	}
	if err := validateOrder(chainActions, pendingActions, tx); err != nil {
		return nil, err
	}
	if err := validatePermissions(history, tx); err != nil {
		return nil, err
	}
	if bc.cfg.EnableCrypto && tx.Signature != "" {
		if err := bc.verifySignature(tx); err != nil {
			return nil, err
		}
	}
	// Signed transactions are stored byte-for-byte as signed: a nil metadata
	// field stays nil so re-verification against the canonical form still
	// holds. Only unsigned submissions get the metadata default.
	if tx.Signature == "" && tx.Metadata == nil {
		tx.Metadata = map[string]any{}
	}

	// Backpressure: at the bound, mine synchronously instead of growing the
	// mempool without limit.
	var mined *types.Block
	if len(bc.mempool) >= bc.cfg.MaxMempool {
		bc.log.WithField("size", len(bc.mempool)).Warn("mempool full, forcing synchronous mine")
		block, err := bc.mineBlock()
		if err != nil && !errors.Is(err, ErrEmptyMempool) {
			return nil, err
		}
		mined = block
	}

	bc.mempool = append(bc.mempool, tx)
	if err := bc.store.InsertTransaction(tx); err != nil {
		bc.fatal("insert transaction", err)
	}
	bc.log.WithFields(logrus.Fields{
		"batch":  tx.BatchID,
		"action": tx.Action,
		"actor":  tx.Actor,
	}).Info("transaction admitted")
	return mined, nil
}

// verifySignature checks the transaction against the actor's on-disk public
// key. The public_key field inside the transaction is advisory only and never
// consulted.
func (bc *Blockchain) verifySignature(tx *types.Transaction) error {
	payload, err := tx.SignedPayload()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	if err := bc.signer.Verify(tx.Actor, payload, tx.Signature); err != nil {
		return fmt.Errorf("%w: actor %s: %v", ErrBadSignature, tx.Actor, err)
	}
	return nil
}

// MineBlock mines the current mempool into a new block. Returns
// ErrEmptyMempool when there is nothing to mine.
func (bc *Blockchain) MineBlock() (*types.Block, error) {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	return bc.mineBlock()
}

// mineBlock assumes the caller holds the mutex. The mempool snapshot is
// re-filtered against the chain first: cross-replica races can double-admit a
// transaction that another leader already mined.
func (bc *Blockchain) mineBlock() (*types.Block, error) {
	if len(bc.mempool) == 0 {
		return nil, ErrEmptyMempool
	}
	var candidates []*types.Transaction
	for _, tx := range bc.mempool {
		if bc.chainHasKey(tx.Key()) {
			bc.log.WithField("key", tx.Key()).Info("dropping already-mined transaction before mining")
			continue
		}
		candidates = append(candidates, tx)
	}
	if len(candidates) == 0 {
		bc.mempool = nil
		if err := bc.store.ClearMempool(); err != nil {
			bc.fatal("clear mempool", err)
		}
		return nil, ErrEmptyMempool
	}

	tip := bc.chain[len(bc.chain)-1]
	block := types.NewBlock(tip.Index+1, types.Now(), candidates, tip.Hash)
	bc.proofOfWork(block)

	bc.chain = append(bc.chain, block)
	bc.mempool = nil
	if err := bc.store.AppendBlock(block); err != nil {
		bc.fatal("append block", err)
	}
	if err := bc.store.ClearMempool(); err != nil {
		bc.fatal("clear mempool", err)
	}
	bc.log.WithFields(logrus.Fields{
		"index": block.Index,
		"txs":   len(block.Transactions),
		"nonce": block.Nonce,
		"hash":  block.Hash,
	}).Info("mined block")
	return block, nil
}

// proofOfWork iterates the nonce until the block hash carries the configured
// number of leading zero nibbles. CPU-bound and intentionally inside the
// mutex: the miner owns the lock for block production.
func (bc *Blockchain) proofOfWork(b *types.Block) {
	for {
		hash := b.ComputeHash()
		if types.HasDifficulty(hash, bc.cfg.Difficulty) {
			b.Hash = hash
			return
		}
		b.Nonce++
	}
}

// AcceptBlock applies a block broadcast by the leader. ErrOutOfSync means the
// block does not extend the local tip and the caller should schedule a sync;
// ErrInvalidBlock means the block is malformed or duplicates mined state.
// Mined transactions are pruned from the mempool; other pending transactions
// survive.
func (bc *Blockchain) AcceptBlock(block *types.Block) error {
	bc.mu.Lock()
	defer bc.mu.Unlock()

	tip := bc.chain[len(bc.chain)-1]
	if block.PreviousHash != tip.Hash {
		return fmt.Errorf("%w: block %d", ErrOutOfSync, block.Index)
	}
	if block.ComputeHash() != block.Hash {
		return fmt.Errorf("%w: declared hash does not match content", ErrInvalidBlock)
	}
	for _, tx := range block.Transactions {
		if bc.chainHasKey(tx.Key()) {
			return fmt.Errorf("%w: duplicate transaction %s", ErrInvalidBlock, tx.Key())
		}
	}

	bc.chain = append(bc.chain, block)
	if err := bc.store.AppendBlock(block); err != nil {
		bc.fatal("append block", err)
	}

	mined := make(map[string]struct{}, len(block.Transactions))
	for _, tx := range block.Transactions {
		mined[tx.Key()] = struct{}{}
	}
	kept := bc.mempool[:0]
	for _, tx := range bc.mempool {
		if _, ok := mined[tx.Key()]; ok {
			if err := bc.store.DeleteTransaction(tx.Key()); err != nil {
				bc.fatal("delete transaction", err)
			}
			continue
		}
		kept = append(kept, tx)
	}
	bc.mempool = kept
	bc.log.WithFields(logrus.Fields{
		"index":   block.Index,
		"txs":     len(block.Transactions),
		"pending": len(bc.mempool),
	}).Info("accepted block")
	return nil
}

// ValidateChain checks hash linkage and recomputed hashes for every
// non-genesis block. Signatures are not re-verified: they are checked once on
// admission and thereafter guaranteed by the hash chain.
func ValidateChain(chain []*types.Block) error {
	for i := 1; i < len(chain); i++ {
		prev, curr := chain[i-1], chain[i]
		if curr.PreviousHash != prev.Hash {
			return fmt.Errorf("%w: invalid previous_hash at block %d", ErrInvalidChain, i)
		}
		if curr.ComputeHash() != curr.Hash {
			return fmt.Errorf("%w: invalid hash at block %d", ErrInvalidChain, i)
		}
	}
	return nil
}

// IsValid reports whether the local chain passes ValidateChain.
func (bc *Blockchain) IsValid() bool {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	return ValidateChain(bc.chain) == nil
}

// ReplaceChain atomically adopts a remote chain: in-memory state and the
// persistent chain table are overwritten in one critical section. The caller
// is responsible for having validated the replacement.
func (bc *Blockchain) ReplaceChain(chain []*types.Block) error {
	if len(chain) == 0 {
		return fmt.Errorf("%w: empty replacement", ErrInvalidChain)
	}
	bc.mu.Lock()
	defer bc.mu.Unlock()

	bc.chain = make([]*types.Block, len(chain))
	copy(bc.chain, chain)
	if err := bc.store.ReplaceChain(chain); err != nil {
		bc.fatal("replace chain", err)
	}
	// Drop pending transactions that the adopted chain already mined.
	kept := bc.mempool[:0]
	for _, tx := range bc.mempool {
		if bc.chainHasKey(tx.Key()) {
			if err := bc.store.DeleteTransaction(tx.Key()); err != nil {
				bc.fatal("delete transaction", err)
			}
			continue
		}
		kept = append(kept, tx)
	}
	bc.mempool = kept
	bc.log.WithField("length", len(bc.chain)).Info("replaced chain")
	return nil
}

// AdoptChain considers a remote chain for adoption under one critical
// section: it is adopted when the local chain is invalid and the remote is
// valid, or when both are valid and the remote is strictly longer. Reports
// whether the adoption happened.
func (bc *Blockchain) AdoptChain(remote []*types.Block) bool {
	if len(remote) == 0 {
		return false
	}
	bc.mu.Lock()
	defer bc.mu.Unlock()

	remoteValid := ValidateChain(remote) == nil
	localValid := ValidateChain(bc.chain) == nil
	switch {
	case !remoteValid:
		return false
	case localValid && len(remote) <= len(bc.chain):
		return false
	}

	bc.chain = make([]*types.Block, len(remote))
	copy(bc.chain, remote)
	if err := bc.store.ReplaceChain(remote); err != nil {
		bc.fatal("replace chain", err)
	}
	kept := bc.mempool[:0]
	for _, tx := range bc.mempool {
		if bc.chainHasKey(tx.Key()) {
			if err := bc.store.DeleteTransaction(tx.Key()); err != nil {
				bc.fatal("delete transaction", err)
			}
			continue
		}
		kept = append(kept, tx)
	}
	bc.mempool = kept
	bc.log.WithField("length", len(bc.chain)).Info("adopted longer valid chain")
	return true
}

// MergeMempool merges a remote mempool observed during sync: entries already
// known by composite key are skipped, signed entries are verified, unsigned
// entries missing a timestamp are stamped locally. Returns the number of
// adopted transactions.
func (bc *Blockchain) MergeMempool(remote []*types.Transaction) int {
	bc.mu.Lock()
	defer bc.mu.Unlock()

	adopted := 0
	for _, tx := range remote {
		if tx.CheckFields() != nil {
			continue
		}
		if tx.Signature == "" && tx.Timestamp == "" {
			tx.Timestamp = types.Now()
		}
		if bc.hasKey(tx.Key()) {
			continue
		}
		if bc.cfg.EnableCrypto && tx.Signature != "" {
			if err := bc.verifySignature(tx); err != nil {
				bc.log.WithField("key", tx.Key()).Warn("skipping merged transaction with invalid signature")
				continue
			}
		}
		bc.mempool = append(bc.mempool, tx)
		if err := bc.store.InsertTransaction(tx); err != nil {
			bc.fatal("insert transaction", err)
		}
		adopted++
	}
	return adopted
}

// History returns the batch's transactions in chain order together with the
// timestamps of their enclosing blocks.
func (bc *Blockchain) History(batchID string) []*BatchEvent {
	bc.mu.Lock()
	defer bc.mu.Unlock()

	var events []*BatchEvent
	for _, block := range bc.chain {
		for _, tx := range block.Transactions {
			if tx.BatchID == batchID {
				events = append(events, &BatchEvent{Tx: tx.Copy(), BlockTimestamp: block.Timestamp})
			}
		}
	}
	return events
}

// batchHistoryActions assumes the caller holds the mutex. It returns the
// batch's on-chain actions and transactions in chain order.
func (bc *Blockchain) batchHistoryActions(batchID string) ([]string, []*types.Transaction) {
	var actions []string
	var history []*types.Transaction
	for _, block := range bc.chain {
		for _, tx := range block.Transactions {
			if tx.BatchID == batchID {
				actions = append(actions, tx.Action)
				history = append(history, tx)
			}
		}
	}
	return actions, history
}

// chainHasKey assumes the caller holds the mutex.
func (bc *Blockchain) chainHasKey(key string) bool {
	for _, block := range bc.chain {
		for _, tx := range block.Transactions {
			if tx.Key() == key {
				return true
			}
		}
	}
	return false
}

// hasKey assumes the caller holds the mutex; it scans chain and mempool.
func (bc *Blockchain) hasKey(key string) bool {
	if bc.chainHasKey(key) {
		return true
	}
	for _, tx := range bc.mempool {
		if tx.Key() == key {
			return true
		}
	}
	return false
}

// HasTransaction reports whether the composite key exists in the chain or
// the mempool.
func (bc *Blockchain) HasTransaction(key string) bool {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	return bc.hasKey(key)
}

// ChainSnapshot returns a deep copy of the chain.
func (bc *Blockchain) ChainSnapshot() []*types.Block {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	chain := make([]*types.Block, len(bc.chain))
	for i, b := range bc.chain {
		chain[i] = b.Copy()
	}
	return chain
}

// MempoolSnapshot returns a deep copy of the pending transactions.
func (bc *Blockchain) MempoolSnapshot() []*types.Transaction {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	mempool := make([]*types.Transaction, len(bc.mempool))
	for i, tx := range bc.mempool {
		mempool[i] = tx.Copy()
	}
	return mempool
}

// Height returns the chain length.
func (bc *Blockchain) Height() int {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	return len(bc.chain)
}

// MempoolSize returns the number of pending transactions.
func (bc *Blockchain) MempoolSize() int {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	return len(bc.mempool)
}

// AddPeer records a peer base URL, excluding the replica's own address.
// Reports whether the peer was new.
func (bc *Blockchain) AddPeer(url string) bool {
	if url == "" || url == bc.cfg.SelfAddress() {
		return false
	}
	bc.mu.Lock()
	defer bc.mu.Unlock()
	if _, ok := bc.peers[url]; ok {
		return false
	}
	bc.peers[url] = struct{}{}
	if err := bc.store.InsertPeer(url); err != nil {
		bc.fatal("insert peer", err)
	}
	bc.log.WithField("peer", url).Info("registered peer")
	return true
}

// RemovePeer drops a peer from the set. Dead peers are never evicted
// automatically; this is the operator action.
func (bc *Blockchain) RemovePeer(url string) {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	if _, ok := bc.peers[url]; !ok {
		return
	}
	delete(bc.peers, url)
	if err := bc.store.DeletePeer(url); err != nil {
		bc.fatal("delete peer", err)
	}
}

// Peers returns the known peer base URLs, sorted.
func (bc *Blockchain) Peers() []string {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	peers := make([]string, 0, len(bc.peers))
	for url := range bc.peers {
		peers = append(peers, url)
	}
	sort.Strings(peers)
	return peers
}
