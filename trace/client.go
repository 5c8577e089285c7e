package trace

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/trace-network/gtrace/core/types"
)

// peerClient is the outbound HTTP side of the protocol. Calls use a short
// timeout and no retries: a failed peer is retried by the next sync cycle.
type peerClient struct {
	http *http.Client
	log  *logrus.Entry
}

func newPeerClient(timeout time.Duration) *peerClient {
	return &peerClient{
		http: &http.Client{Timeout: timeout},
		log:  logrus.WithField("component", "peers"),
	}
}

// Wire reply shapes, mirroring the node package's responses.
type chainReply struct {
	Chain []*types.Block `json:"chain"`
}

type mempoolReply struct {
	Mempool []*types.Transaction `json:"mempool"`
}

type peersReply struct {
	Nodes []string `json:"nodes"`
}

func (c *peerClient) getJSON(url string, v any) error {
	resp, err := c.http.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("trace: status %d from %s", resp.StatusCode, url)
	}
	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	return dec.Decode(v)
}

func (c *peerClient) postJSON(url string, v any) error {
	enc, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("trace: encode body for %s: %w", url, err)
	}
	resp, err := c.http.Post(url, "application/json", bytes.NewReader(enc))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("trace: status %d from %s", resp.StatusCode, url)
	}
	return nil
}

func (c *peerClient) fetchChain(peer string) ([]*types.Block, error) {
	var reply chainReply
	if err := c.getJSON(peer+"/chain", &reply); err != nil {
		return nil, err
	}
	return reply.Chain, nil
}

func (c *peerClient) fetchMempool(peer string) ([]*types.Transaction, error) {
	var reply mempoolReply
	if err := c.getJSON(peer+"/mempool", &reply); err != nil {
		return nil, err
	}
	return reply.Mempool, nil
}

func (c *peerClient) fetchPeers(peer string) ([]string, error) {
	var reply peersReply
	if err := c.getJSON(peer+"/nodes", &reply); err != nil {
		return nil, err
	}
	return reply.Nodes, nil
}

func (c *peerClient) registerSelf(peer, self string) error {
	return c.postJSON(peer+"/nodes/register", map[string]string{"node_url": self})
}

// BroadcastTransaction fans a transaction out to all peers on a detached
// worker, so the caller's critical section is already released when the
// network I/O begins. Unreachable peers are logged and retained.
func (b *Backend) BroadcastTransaction(tx *types.Transaction) {
	b.broadcast("/receive-transaction", tx)
}

// BroadcastBlock fans a freshly mined block out to all peers concurrently.
func (b *Backend) BroadcastBlock(block *types.Block) {
	b.broadcast("/receive-block", block)
}

func (b *Backend) broadcast(endpoint string, payload any) {
	peers := b.bc.Peers()
	if len(peers) == 0 {
		return
	}
	b.spawn(func() {
		var g errgroup.Group
		for _, peer := range peers {
			peer := peer
			g.Go(func() error {
				if err := b.client.postJSON(peer+endpoint, payload); err != nil {
					b.log.WithFields(logrus.Fields{"peer": peer, "endpoint": endpoint}).
						WithError(err).Warn("broadcast failed")
				}
				return nil
			})
		}
		g.Wait()
	})
}

// ForwardTransaction relays a raw client submission to the leader and
// returns the leader's status code and body verbatim.
func (b *Backend) ForwardTransaction(leaderURL string, body []byte) (int, []byte, error) {
	resp, err := b.client.http.Post(leaderURL+"/add-transaction", "application/json", bytes.NewReader(body))
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	reply, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, reply, nil
}
