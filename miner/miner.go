// Package miner runs the automatic block production daemon. Only the elected
// leader mines; followers keep the daemon running so they take over the
// moment an election makes them leader.
package miner

import (
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/trace-network/gtrace/core"
	"github.com/trace-network/gtrace/core/types"
	"github.com/trace-network/gtrace/params"
)

// Broadcaster delivers freshly mined blocks to the cluster.
type Broadcaster interface {
	BroadcastBlock(*types.Block)
}

// Miner watches the mempool and seals a block when either the pending count
// reaches the configured threshold or the mine interval elapses with pending
// transactions.
type Miner struct {
	cfg      *params.Config
	bc       *core.Blockchain
	caster   Broadcaster
	isLeader func() bool
	log      *logrus.Entry

	mu       sync.Mutex
	lastMine time.Time

	quit chan struct{}
	wg   sync.WaitGroup
}

// New creates a stopped miner. isLeader is consulted before every attempt so
// leadership changes take effect without a restart.
func New(cfg *params.Config, bc *core.Blockchain, caster Broadcaster, isLeader func() bool) *Miner {
	return &Miner{
		cfg:      cfg,
		bc:       bc,
		caster:   caster,
		isLeader: isLeader,
		log:      logrus.WithField("component", "miner"),
		lastMine: time.Now(),
		quit:     make(chan struct{}),
	}
}

// Start launches the mining daemon.
func (m *Miner) Start() {
	m.wg.Add(1)
	go m.loop()
}

// Stop terminates the daemon and waits for an in-flight attempt to finish.
func (m *Miner) Stop() {
	close(m.quit)
	m.wg.Wait()
}

func (m *Miner) loop() {
	defer m.wg.Done()

	poll := m.cfg.MineInterval / 10
	if poll < 100*time.Millisecond {
		poll = 100 * time.Millisecond
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.maybeMine()
		case <-m.quit:
			return
		}
	}
}

// maybeMine seals a block when a trigger fired and this replica leads.
func (m *Miner) maybeMine() {
	pending := m.bc.MempoolSize()
	if pending == 0 {
		return
	}

	m.mu.Lock()
	due := pending >= m.cfg.MineThreshold || time.Since(m.lastMine) >= m.cfg.MineInterval
	m.mu.Unlock()
	if !due {
		return
	}
	if !m.isLeader() {
		return
	}

	block, err := m.bc.MineBlock()
	if err != nil {
		// Every pending transaction was already mined elsewhere; nothing
		// to seal until new submissions arrive.
		if !errors.Is(err, core.ErrEmptyMempool) {
			m.log.WithError(err).Warn("mining attempt failed")
		}
		m.touch()
		return
	}

	m.log.WithFields(logrus.Fields{
		"index": block.Index,
		"txs":   len(block.Transactions),
		"hash":  block.Hash,
	}).Info("mined block")
	m.touch()
	m.caster.BroadcastBlock(block)
}

func (m *Miner) touch() {
	m.mu.Lock()
	m.lastMine = time.Now()
	m.mu.Unlock()
}
