package node

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sort"

	"github.com/julienschmidt/httprouter"

	"github.com/trace-network/gtrace/core"
	"github.com/trace-network/gtrace/core/types"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// decodeJSON decodes a request body preserving number literals, so re-encoded
// metadata stays byte-identical to what the client signed.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	return dec.Decode(v)
}

// admissionStatus maps an admission error to its client status code.
func admissionStatus(err error) int {
	switch {
	case errors.Is(err, core.ErrDuplicateTx):
		return http.StatusConflict
	case errors.Is(err, core.ErrBadSignature):
		return http.StatusUnauthorized
	default:
		return http.StatusBadRequest
	}
}

func (n *Node) status(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, map[string]any{
		"hostname":     n.cfg.Hostname,
		"chain_length": n.bc.Height(),
		"valid":        n.bc.IsValid(),
		"mempool_size": n.bc.MempoolSize(),
		"peer_count":   len(n.bc.Peers()),
		"ready":        n.backend.Ready(),
	})
}

// addTransaction is the client submission endpoint. The leader validates and
// admits; a follower relays the raw body to the leader and returns the
// leader's response verbatim.
func (n *Node) addTransaction(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if !n.backend.Ready() {
		writeError(w, http.StatusServiceUnavailable, "replica is still syncing, retry shortly")
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable request body")
		return
	}

	leaderURL, isSelf := n.backend.Electorate().LeaderURL(n.bc.Height())
	if !isSelf {
		status, reply, err := n.backend.ForwardTransaction(leaderURL, body)
		if err != nil {
			n.log.WithField("leader", leaderURL).WithError(err).Warn("leader unreachable")
			writeError(w, http.StatusServiceUnavailable, "leader unreachable, retry shortly")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		w.Write(reply)
		return
	}

	var tx types.Transaction
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&tx); err != nil {
		writeError(w, http.StatusBadRequest, "malformed transaction")
		return
	}
	mined, err := n.bc.AddTransaction(&tx)
	if err != nil {
		writeError(w, admissionStatus(err), err.Error())
		return
	}
	n.backend.BroadcastTransaction(&tx)
	if mined != nil {
		n.backend.BroadcastBlock(mined)
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"message": "Transaction added",
		"key":     tx.Key(),
	})
}

// receiveTransaction is the peer replication endpoint. Followers never admit
// forwarded transactions to their own mempool: only the leader's mempool is
// authoritative, and followers learn of transactions via block broadcast. The
// receipt is an acknowledgement that reports whether the key was known.
func (n *Node) receiveTransaction(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var tx types.Transaction
	if err := decodeJSON(r, &tx); err != nil || tx.CheckFields() != nil {
		writeError(w, http.StatusBadRequest, "malformed transaction")
		return
	}
	key := tx.Key()
	known, _ := n.seen.ContainsOrAdd(key, struct{}{})
	if !known {
		known = n.bc.HasTransaction(key)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "Transaction received",
		"known":   known,
	})
}

func (n *Node) mine(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if !n.backend.Electorate().IsLeader(n.bc.Height()) {
		writeError(w, http.StatusForbidden, "only the leader mines")
		return
	}
	block, err := n.bc.MineBlock()
	if err != nil {
		if errors.Is(err, core.ErrEmptyMempool) {
			writeError(w, http.StatusBadRequest, "nothing to mine")
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	n.backend.BroadcastBlock(block)
	writeJSON(w, http.StatusCreated, map[string]any{
		"message": "Block mined",
		"block":   block,
	})
}

func (n *Node) receiveBlock(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var block types.Block
	if err := decodeJSON(r, &block); err != nil {
		writeError(w, http.StatusBadRequest, "malformed block")
		return
	}
	if err := n.bc.AcceptBlock(&block); err != nil {
		if errors.Is(err, core.ErrOutOfSync) {
			n.backend.ScheduleSync()
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Block accepted"})
}

func (n *Node) chain(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	chain := n.bc.ChainSnapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"length": len(chain),
		"valid":  n.bc.IsValid(),
		"chain":  chain,
	})
}

func (n *Node) mempool(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	pending := n.bc.MempoolSnapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"count":   len(pending),
		"mempool": pending,
	})
}

// historyEntry is a batch transaction annotated with the timestamp of its
// enclosing block.
type historyEntry struct {
	*types.Transaction
	BlockTimestamp string `json:"block_timestamp"`
}

func (n *Node) batchHistory(batchID string) []*historyEntry {
	events := n.bc.History(batchID)
	entries := make([]*historyEntry, len(events))
	for i, ev := range events {
		entries[i] = &historyEntry{Transaction: ev.Tx, BlockTimestamp: ev.BlockTimestamp}
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].BlockTimestamp < entries[j].BlockTimestamp
	})
	return entries
}

func (n *Node) history(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	batchID := ps.ByName("batch_id")
	entries := n.batchHistory(batchID)
	status := http.StatusOK
	if len(entries) == 0 {
		status = http.StatusNotFound
		entries = []*historyEntry{}
	}
	writeJSON(w, status, map[string]any{
		"batch_id":          batchID,
		"transaction_count": len(entries),
		"history":           entries,
	})
}

func (n *Node) verify(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	batchID := ps.ByName("batch_id")
	valid := n.bc.IsValid()
	events := len(n.bc.History(batchID))

	verified := valid && events > 0
	message := "Batch verified against a valid chain"
	switch {
	case !valid:
		message = "Chain integrity check failed"
	case events == 0:
		message = "Batch not found on chain"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"batch_id": batchID,
		"verified": verified,
		"events":   events,
		"message":  message,
	})
}

func (n *Node) registerNode(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var body struct {
		NodeURL string `json:"node_url"`
	}
	if err := decodeJSON(r, &body); err != nil || body.NodeURL == "" {
		writeError(w, http.StatusBadRequest, "node_url is required")
		return
	}
	added := n.bc.AddPeer(body.NodeURL)
	message := "Node already registered"
	if added {
		message = "Node registered"
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"message":   message,
		"all_nodes": n.bc.Peers(),
	})
}

func (n *Node) nodes(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, map[string]any{"nodes": n.bc.Peers()})
}

func (n *Node) sync(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	n.backend.SyncOnce()
	writeJSON(w, http.StatusOK, map[string]any{
		"message":      "Sync cycle complete",
		"chain_length": n.bc.Height(),
	})
}

func (n *Node) registerActor(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if n.signer == nil {
		writeError(w, http.StatusBadRequest, "signing is disabled on this replica")
		return
	}
	var body struct {
		Actor string `json:"actor"`
	}
	if err := decodeJSON(r, &body); err != nil || body.Actor == "" {
		writeError(w, http.StatusBadRequest, "actor is required")
		return
	}
	if err := n.signer.Generate(body.Actor); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	pub, err := n.signer.PublicKeyString(body.Actor)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	n.log.WithField("actor", body.Actor).Info("actor keypair ready")
	writeJSON(w, http.StatusCreated, map[string]any{
		"actor":      body.Actor,
		"public_key": pub,
	})
}

func (n *Node) actors(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if n.signer == nil {
		writeJSON(w, http.StatusOK, map[string]any{"actors": []string{}})
		return
	}
	actors, err := n.signer.ListActors()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if actors == nil {
		actors = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"actors": actors})
}
