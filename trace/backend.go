// Package trace implements the replication protocol between replicas: peer
// bootstrap, transaction and block broadcast, client-request forwarding to
// the leader, and the periodic sync daemon that converges divergent chains
// by longest-valid-chain adoption.
package trace

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/trace-network/gtrace/consensus/election"
	"github.com/trace-network/gtrace/core"
	"github.com/trace-network/gtrace/params"
)

// Backend ties the ledger state machine to the network. One Backend runs per
// replica.
type Backend struct {
	cfg   *params.Config
	bc    *core.Blockchain
	elect *election.Electorate
	log   *logrus.Entry

	client *peerClient
	ready  atomic.Bool

	quit    chan struct{}
	wg      sync.WaitGroup
	stopMu  sync.Mutex
	stopped bool
}

// NewBackend wires the protocol backend. Start must be called before the
// replica accepts client submissions.
func NewBackend(cfg *params.Config, bc *core.Blockchain, elect *election.Electorate) *Backend {
	return &Backend{
		cfg:    cfg,
		bc:     bc,
		elect:  elect,
		log:    logrus.WithField("component", "sync"),
		client: newPeerClient(cfg.PeerTimeout),
		quit:   make(chan struct{}),
	}
}

// Blockchain returns the backing state machine.
func (b *Backend) Blockchain() *core.Blockchain {
	return b.bc
}

// Electorate returns the leader electorate.
func (b *Backend) Electorate() *election.Electorate {
	return b.elect
}

// Ready reports whether the initial sync completed. Until then client
// submissions are answered with a retry-after error.
func (b *Backend) Ready() bool {
	return b.ready.Load()
}

// Start bootstraps into the cluster and launches the sync daemon.
func (b *Backend) Start() {
	b.bootstrap()
	b.wg.Add(1)
	go b.syncLoop()
}

// Stop terminates the daemon and waits for in-flight broadcasts.
func (b *Backend) Stop() {
	b.stopMu.Lock()
	if b.stopped {
		b.stopMu.Unlock()
		return
	}
	b.stopped = true
	b.stopMu.Unlock()
	close(b.quit)
	b.wg.Wait()
}

// spawn launches a tracked worker. Once Stop has begun, new workers are
// refused so the shutdown wait cannot race a late wg.Add; HTTP handlers may
// still call into the backend while the listener drains.
func (b *Backend) spawn(fn func()) {
	b.stopMu.Lock()
	defer b.stopMu.Unlock()
	if b.stopped {
		return
	}
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		fn()
	}()
}

// bootstrap registers this replica at every configured bootstrap peer and
// unions their peer lists; gossip discovers the rest transitively. Peer
// failures are logged and skipped, never fatal.
func (b *Backend) bootstrap() {
	self := b.cfg.SelfAddress()
	for _, peer := range b.cfg.Bootstrap {
		if peer == "" || peer == self {
			continue
		}
		b.bc.AddPeer(peer)
		if err := b.client.registerSelf(peer, self); err != nil {
			b.log.WithField("peer", peer).WithError(err).Warn("bootstrap registration failed")
			continue
		}
		known, err := b.client.fetchPeers(peer)
		if err != nil {
			b.log.WithField("peer", peer).WithError(err).Warn("bootstrap peer list fetch failed")
			continue
		}
		for _, url := range known {
			b.bc.AddPeer(url)
		}
	}
	b.log.WithField("peers", len(b.bc.Peers())).Info("bootstrap complete")
}

// syncLoop runs the consensus cycle after a warm-up, then periodically until
// Stop. The first completed cycle flips the replica to ready.
func (b *Backend) syncLoop() {
	defer b.wg.Done()

	warmup := time.NewTimer(b.cfg.SyncWarmup)
	defer warmup.Stop()
	select {
	case <-warmup.C:
	case <-b.quit:
		return
	}

	b.SyncOnce()
	b.ready.Store(true)

	ticker := time.NewTicker(b.cfg.SyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			b.SyncOnce()
		case <-b.quit:
			return
		}
	}
}

// SyncOnce runs one consensus cycle: per peer, adopt a longer valid chain,
// merge a larger mempool, and union the peer set.
func (b *Backend) SyncOnce() {
	for _, peer := range b.bc.Peers() {
		remoteChain, err := b.client.fetchChain(peer)
		if err != nil {
			b.log.WithField("peer", peer).WithError(err).Warn("chain fetch failed")
			continue
		}
		if b.bc.AdoptChain(remoteChain) {
			b.log.WithFields(logrus.Fields{"peer": peer, "length": len(remoteChain)}).Info("adopted peer chain")
		}

		remoteMempool, err := b.client.fetchMempool(peer)
		if err != nil {
			b.log.WithField("peer", peer).WithError(err).Warn("mempool fetch failed")
		} else if len(remoteMempool) > b.bc.MempoolSize() {
			if adopted := b.bc.MergeMempool(remoteMempool); adopted > 0 {
				b.log.WithFields(logrus.Fields{"peer": peer, "adopted": adopted}).Info("merged peer mempool")
			}
		}

		known, err := b.client.fetchPeers(peer)
		if err != nil {
			b.log.WithField("peer", peer).WithError(err).Warn("peer list fetch failed")
			continue
		}
		for _, url := range known {
			b.bc.AddPeer(url)
		}
	}
}

// ScheduleSync runs a consensus cycle on a detached worker, used when block
// receipt detects divergence.
func (b *Backend) ScheduleSync() {
	b.spawn(b.SyncOnce)
}
