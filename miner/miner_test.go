package miner

import (
	"sync"
	"testing"
	"time"

	"github.com/trace-network/gtrace/core"
	"github.com/trace-network/gtrace/core/types"
	"github.com/trace-network/gtrace/ledgerdb/memorydb"
	"github.com/trace-network/gtrace/params"
)

type recordingCaster struct {
	mu     sync.Mutex
	blocks []*types.Block
}

func (c *recordingCaster) BroadcastBlock(b *types.Block) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.blocks = append(c.blocks, b)
}

func (c *recordingCaster) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.blocks)
}

func newTestMiner(t *testing.T, threshold int, interval time.Duration, leader bool) (*Miner, *core.Blockchain, *recordingCaster) {
	t.Helper()
	cfg := params.DefaultConfig()
	cfg.Difficulty = 1
	cfg.EnableCrypto = false
	cfg.MineThreshold = threshold
	cfg.MineInterval = interval
	if err := cfg.Sanitize(); err != nil {
		t.Fatalf("config invalid: %v", err)
	}
	bc, err := core.NewBlockchain(cfg, memorydb.New(), nil)
	if err != nil {
		t.Fatalf("blockchain failed: %v", err)
	}
	caster := &recordingCaster{}
	return New(cfg, bc, caster, func() bool { return leader }), bc, caster
}

func submit(t *testing.T, bc *core.Blockchain, batch, action, actor string) {
	t.Helper()
	if _, err := bc.AddTransaction(&types.Transaction{
		BatchID:  batch,
		Action:   action,
		Actor:    actor,
		Metadata: map[string]any{},
	}); err != nil {
		t.Fatalf("admission failed: %v", err)
	}
}

func TestThresholdTriggersMine(t *testing.T) {
	m, bc, caster := newTestMiner(t, 2, time.Hour, true)
	submit(t, bc, "BATCH_A", types.ActionRegistered, "Supplier_A")
	submit(t, bc, "BATCH_B", types.ActionRegistered, "Supplier_A")

	m.maybeMine()

	if have := bc.Height(); have != 2 {
		t.Fatalf("height: have %d want 2", have)
	}
	if bc.MempoolSize() != 0 {
		t.Fatalf("mempool not drained")
	}
	if caster.count() != 1 {
		t.Fatalf("broadcasts: have %d want 1", caster.count())
	}
}

func TestBelowThresholdWaitsForInterval(t *testing.T) {
	m, bc, caster := newTestMiner(t, 10, time.Hour, true)
	submit(t, bc, "BATCH_A", types.ActionRegistered, "Supplier_A")

	m.maybeMine()
	if bc.Height() != 1 {
		t.Fatalf("mined below threshold before the interval")
	}

	// Pretend the interval elapsed.
	m.mu.Lock()
	m.lastMine = time.Now().Add(-2 * time.Hour)
	m.mu.Unlock()

	m.maybeMine()
	if bc.Height() != 2 {
		t.Fatalf("interval trigger did not mine")
	}
	if caster.count() != 1 {
		t.Fatalf("broadcasts: have %d want 1", caster.count())
	}
}

func TestFollowerNeverMines(t *testing.T) {
	m, bc, caster := newTestMiner(t, 1, time.Millisecond, false)
	submit(t, bc, "BATCH_A", types.ActionRegistered, "Supplier_A")

	m.maybeMine()
	if bc.Height() != 1 {
		t.Fatalf("follower mined a block")
	}
	if caster.count() != 0 {
		t.Fatalf("follower broadcast a block")
	}
	if bc.MempoolSize() != 1 {
		t.Fatalf("follower drained the mempool")
	}
}

func TestEmptyMempoolIsQuiet(t *testing.T) {
	m, bc, caster := newTestMiner(t, 1, time.Millisecond, true)
	m.maybeMine()
	if bc.Height() != 1 || caster.count() != 0 {
		t.Fatalf("empty mempool produced a block")
	}
}

func TestDaemonMinesInBackground(t *testing.T) {
	m, bc, caster := newTestMiner(t, 1, time.Second, true)
	m.Start()
	defer m.Stop()

	submit(t, bc, "BATCH_A", types.ActionRegistered, "Supplier_A")

	deadline := time.After(5 * time.Second)
	for bc.Height() < 2 {
		select {
		case <-deadline:
			t.Fatalf("daemon never mined: height %d", bc.Height())
		case <-time.After(20 * time.Millisecond):
		}
	}
	if caster.count() != 1 {
		t.Fatalf("broadcasts: have %d want 1", caster.count())
	}
}
