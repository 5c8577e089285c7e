// Package dbtest contains the conformance suite every ledgerdb.Store backend
// must pass.
package dbtest

import (
	"testing"

	"github.com/trace-network/gtrace/core/types"
	"github.com/trace-network/gtrace/ledgerdb"
)

func tx(batch, action, ts string) *types.Transaction {
	return &types.Transaction{
		BatchID:   batch,
		Action:    action,
		Actor:     "Supplier_A",
		Metadata:  map[string]any{},
		Timestamp: ts,
	}
}

// TestStoreSuite runs the ledgerdb.Store contract against a fresh store
// produced by newStore.
func TestStoreSuite(t *testing.T, newStore func() ledgerdb.Store) {
	t.Run("ChainOrder", func(t *testing.T) {
		db := newStore()
		defer db.Close()

		genesis := types.NewGenesisBlock("2025-01-15T10:00:00.000000")
		b1 := types.NewBlock(1, "2025-01-15T10:01:00.000000", []*types.Transaction{tx("B1", "registered", "t1")}, genesis.Hash)
		for _, b := range []*types.Block{genesis, b1} {
			if err := db.AppendBlock(b); err != nil {
				t.Fatalf("append failed: %v", err)
			}
		}
		chain, err := db.LoadChain()
		if err != nil {
			t.Fatalf("load chain failed: %v", err)
		}
		if len(chain) != 2 {
			t.Fatalf("chain length: have %d want 2", len(chain))
		}
		for i, b := range chain {
			if b.Index != uint64(i) {
				t.Fatalf("block %d out of order: have index %d", i, b.Index)
			}
		}
		if chain[1].Transactions[0].BatchID != "B1" {
			t.Fatalf("transaction content lost across reload")
		}
	})

	t.Run("ReplaceChain", func(t *testing.T) {
		db := newStore()
		defer db.Close()

		genesis := types.NewGenesisBlock("2025-01-15T10:00:00.000000")
		if err := db.AppendBlock(genesis); err != nil {
			t.Fatalf("append failed: %v", err)
		}
		other := types.NewGenesisBlock("2025-01-15T11:00:00.000000")
		b1 := types.NewBlock(1, "2025-01-15T11:01:00.000000", nil, other.Hash)
		if err := db.ReplaceChain([]*types.Block{other, b1}); err != nil {
			t.Fatalf("replace failed: %v", err)
		}
		chain, err := db.LoadChain()
		if err != nil {
			t.Fatalf("load chain failed: %v", err)
		}
		if len(chain) != 2 || chain[0].Hash != other.Hash {
			t.Fatalf("replacement not applied")
		}
	})

	t.Run("MempoolOrderAndDelete", func(t *testing.T) {
		db := newStore()
		defer db.Close()

		txs := []*types.Transaction{
			tx("B1", "registered", "t1"),
			tx("B1", "quality_checked", "t2"),
			tx("B2", "registered", "t3"),
		}
		for _, entry := range txs {
			if err := db.InsertTransaction(entry); err != nil {
				t.Fatalf("insert failed: %v", err)
			}
		}
		mempool, err := db.LoadMempool()
		if err != nil {
			t.Fatalf("load mempool failed: %v", err)
		}
		if len(mempool) != 3 {
			t.Fatalf("mempool length: have %d want 3", len(mempool))
		}
		for i := range txs {
			if mempool[i].Key() != txs[i].Key() {
				t.Fatalf("mempool order broken at %d: have %q want %q", i, mempool[i].Key(), txs[i].Key())
			}
		}

		if err := db.DeleteTransaction(txs[1].Key()); err != nil {
			t.Fatalf("delete failed: %v", err)
		}
		mempool, err = db.LoadMempool()
		if err != nil {
			t.Fatalf("load mempool failed: %v", err)
		}
		if len(mempool) != 2 || mempool[0].Key() != txs[0].Key() || mempool[1].Key() != txs[2].Key() {
			t.Fatalf("targeted delete removed the wrong row")
		}

		if err := db.ClearMempool(); err != nil {
			t.Fatalf("clear failed: %v", err)
		}
		mempool, err = db.LoadMempool()
		if err != nil {
			t.Fatalf("load mempool failed: %v", err)
		}
		if len(mempool) != 0 {
			t.Fatalf("mempool not cleared: have %d entries", len(mempool))
		}
	})

	t.Run("Peers", func(t *testing.T) {
		db := newStore()
		defer db.Close()

		urls := []string{"http://blockchain2:5000", "http://blockchain3:5000"}
		for _, u := range urls {
			if err := db.InsertPeer(u); err != nil {
				t.Fatalf("insert peer failed: %v", err)
			}
		}
		// Duplicate insert is a no-op.
		if err := db.InsertPeer(urls[0]); err != nil {
			t.Fatalf("duplicate insert failed: %v", err)
		}
		peers, err := db.LoadPeers()
		if err != nil {
			t.Fatalf("load peers failed: %v", err)
		}
		if len(peers) != 2 {
			t.Fatalf("peer count: have %d want 2", len(peers))
		}
		if err := db.DeletePeer(urls[0]); err != nil {
			t.Fatalf("delete peer failed: %v", err)
		}
		peers, err = db.LoadPeers()
		if err != nil {
			t.Fatalf("load peers failed: %v", err)
		}
		if len(peers) != 1 || peers[0] != urls[1] {
			t.Fatalf("peer delete removed the wrong entry: %v", peers)
		}
	})
}
