package node

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/trace-network/gtrace/accountsigner"
	"github.com/trace-network/gtrace/consensus/election"
	"github.com/trace-network/gtrace/core"
	"github.com/trace-network/gtrace/core/types"
	"github.com/trace-network/gtrace/ledgerdb/memorydb"
	"github.com/trace-network/gtrace/params"
	"github.com/trace-network/gtrace/trace"
)

// newTestNode spins up a ready replica. A nil priority list degenerates to
// self-only, making the replica its own leader without any network polling.
func newTestNode(t *testing.T, priority []string) (*Node, *core.Blockchain) {
	t.Helper()
	cfg := params.DefaultConfig()
	cfg.Difficulty = 1
	cfg.EnableCrypto = false
	cfg.Hostname = "localhost"
	if priority == nil {
		priority = []string{cfg.Hostname}
	}
	cfg.Priority = priority
	cfg.PeerTimeout = time.Second
	cfg.SyncWarmup = 10 * time.Millisecond
	cfg.SyncInterval = time.Hour
	if err := cfg.Sanitize(); err != nil {
		t.Fatalf("config invalid: %v", err)
	}
	bc, err := core.NewBlockchain(cfg, memorydb.New(), nil)
	if err != nil {
		t.Fatalf("blockchain failed: %v", err)
	}
	elect := election.New(cfg.Priority, cfg.Hostname, cfg.Port, cfg.PeerTimeout)
	backend := trace.NewBackend(cfg, bc, elect)
	backend.Start()
	t.Cleanup(backend.Stop)

	deadline := time.After(5 * time.Second)
	for !backend.Ready() {
		select {
		case <-deadline:
			t.Fatalf("backend never became ready")
		case <-time.After(5 * time.Millisecond):
		}
	}
	return New(cfg, backend, nil), bc
}

func doJSON(t *testing.T, n *Node, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if raw, ok := body.([]byte); ok {
		reader = bytes.NewReader(raw)
	} else {
		enc, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("encode body: %v", err)
		}
		reader = bytes.NewReader(enc)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	n.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeReply(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var reply map[string]any
	dec := json.NewDecoder(rec.Body)
	dec.UseNumber()
	if err := dec.Decode(&reply); err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	return reply
}

func sampleTx(batch, action, actor string) map[string]any {
	return map[string]any{
		"batch_id": batch,
		"action":   action,
		"actor":    actor,
		"metadata": map[string]any{},
	}
}

func TestStatusEndpoint(t *testing.T) {
	n, _ := newTestNode(t, nil)
	rec := doJSON(t, n, http.MethodGet, "/status", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status: have %d want 200", rec.Code)
	}
	reply := decodeReply(t, rec)
	if reply["chain_length"].(json.Number).String() != "1" {
		t.Fatalf("chain_length: have %v want 1", reply["chain_length"])
	}
	if reply["valid"] != true || reply["ready"] != true {
		t.Fatalf("unexpected status reply: %v", reply)
	}
}

func TestLeaderAdmitsSubmission(t *testing.T) {
	n, bc := newTestNode(t, nil)
	rec := doJSON(t, n, http.MethodPost, "/add-transaction",
		sampleTx("BATCH_001", types.ActionRegistered, "Supplier_A"))
	if rec.Code != http.StatusCreated {
		t.Fatalf("status: have %d want 201 (%s)", rec.Code, rec.Body)
	}
	if bc.MempoolSize() != 1 {
		t.Fatalf("mempool size: have %d want 1", bc.MempoolSize())
	}

	// Resubmitting the same composite key conflicts.
	reply := decodeReply(t, rec)
	key, _ := reply["key"].(string)
	pending := bc.MempoolSnapshot()[0]
	dup := sampleTx("BATCH_001", types.ActionRegistered, "Supplier_A")
	dup["timestamp"] = pending.Timestamp
	rec = doJSON(t, n, http.MethodPost, "/add-transaction", dup)
	if rec.Code != http.StatusConflict {
		t.Fatalf("duplicate status: have %d want 409", rec.Code)
	}
	if key != pending.Key() {
		t.Fatalf("reply key %q does not match admitted key %q", key, pending.Key())
	}
}

func TestValidationFailuresMapTo400(t *testing.T) {
	n, _ := newTestNode(t, nil)

	// Out of order: quality check before registration.
	rec := doJSON(t, n, http.MethodPost, "/add-transaction",
		sampleTx("BATCH_002", types.ActionQualityChecked, "Supplier_A"))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("order violation status: have %d want 400", rec.Code)
	}

	// Missing fields.
	rec = doJSON(t, n, http.MethodPost, "/add-transaction", map[string]any{"batch_id": "B"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing fields status: have %d want 400", rec.Code)
	}
}

func TestNotReadyReplicaRejectsSubmissions(t *testing.T) {
	cfg := params.DefaultConfig()
	cfg.Difficulty = 1
	cfg.EnableCrypto = false
	cfg.Hostname = "localhost"
	cfg.Priority = []string{cfg.Hostname}
	if err := cfg.Sanitize(); err != nil {
		t.Fatalf("config invalid: %v", err)
	}
	bc, err := core.NewBlockchain(cfg, memorydb.New(), nil)
	if err != nil {
		t.Fatalf("blockchain failed: %v", err)
	}
	elect := election.New(cfg.Priority, cfg.Hostname, cfg.Port, cfg.PeerTimeout)
	backend := trace.NewBackend(cfg, bc, elect) // Start never called
	n := New(cfg, backend, nil)

	rec := doJSON(t, n, http.MethodPost, "/add-transaction",
		sampleTx("BATCH_001", types.ActionRegistered, "Supplier_A"))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status: have %d want 503", rec.Code)
	}
}

func TestFollowerForwardsToLeader(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"chain_length":100}`)
	})
	mux.HandleFunc("/add-transaction", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		fmt.Fprint(w, `{"message":"Transaction added"}`)
	})
	leader := httptest.NewServer(mux)
	t.Cleanup(leader.Close)
	leaderHost := strings.TrimPrefix(leader.URL, "http://")

	n, bc := newTestNode(t, []string{leaderHost, "localhost"})
	rec := doJSON(t, n, http.MethodPost, "/add-transaction",
		sampleTx("BATCH_001", types.ActionRegistered, "Supplier_A"))
	if rec.Code != http.StatusCreated {
		t.Fatalf("forwarded status: have %d want 201 (%s)", rec.Code, rec.Body)
	}
	if !strings.Contains(rec.Body.String(), "Transaction added") {
		t.Fatalf("leader reply not relayed: %s", rec.Body)
	}
	if bc.MempoolSize() != 0 {
		t.Fatalf("follower admitted a forwarded transaction")
	}
}

func TestFollowerReportsUnreachableLeader(t *testing.T) {
	// The leader answers elections but drops submission connections.
	mux := http.NewServeMux()
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"chain_length":100}`)
	})
	mux.HandleFunc("/add-transaction", func(w http.ResponseWriter, r *http.Request) {
		panic(http.ErrAbortHandler)
	})
	leader := httptest.NewServer(mux)
	t.Cleanup(leader.Close)
	leaderHost := strings.TrimPrefix(leader.URL, "http://")

	n, _ := newTestNode(t, []string{leaderHost, "localhost"})
	rec := doJSON(t, n, http.MethodPost, "/add-transaction",
		sampleTx("BATCH_001", types.ActionRegistered, "Supplier_A"))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status: have %d want 503 (%s)", rec.Code, rec.Body)
	}
}

func TestReceiveTransactionNeverStores(t *testing.T) {
	n, bc := newTestNode(t, nil)
	tx := sampleTx("BATCH_001", types.ActionRegistered, "Supplier_A")
	tx["timestamp"] = types.Now()

	rec := doJSON(t, n, http.MethodPost, "/receive-transaction", tx)
	if rec.Code != http.StatusOK {
		t.Fatalf("status: have %d want 200", rec.Code)
	}
	if decodeReply(t, rec)["known"] != false {
		t.Fatalf("first receipt reported as known")
	}
	if bc.MempoolSize() != 0 {
		t.Fatalf("peer receipt was stored in the mempool")
	}

	rec = doJSON(t, n, http.MethodPost, "/receive-transaction", tx)
	if decodeReply(t, rec)["known"] != true {
		t.Fatalf("repeat receipt not reported as known")
	}
}

func TestMineEndpoint(t *testing.T) {
	n, bc := newTestNode(t, nil)

	rec := doJSON(t, n, http.MethodPost, "/mine", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("empty mempool status: have %d want 400", rec.Code)
	}

	doJSON(t, n, http.MethodPost, "/add-transaction",
		sampleTx("BATCH_001", types.ActionRegistered, "Supplier_A"))
	rec = doJSON(t, n, http.MethodPost, "/mine", nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("mine status: have %d want 201 (%s)", rec.Code, rec.Body)
	}
	if bc.Height() != 2 {
		t.Fatalf("height after mine: have %d want 2", bc.Height())
	}
}

func TestMineRequiresLeadership(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"chain_length":100}`)
	})
	leader := httptest.NewServer(mux)
	t.Cleanup(leader.Close)

	n, _ := newTestNode(t, []string{strings.TrimPrefix(leader.URL, "http://"), "localhost"})
	rec := doJSON(t, n, http.MethodPost, "/mine", nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("follower mine status: have %d want 403", rec.Code)
	}
}

func TestReceiveBlock(t *testing.T) {
	n, bc := newTestNode(t, nil)
	tip := bc.ChainSnapshot()[0]

	good := types.NewBlock(1, types.Now(), []*types.Transaction{{
		BatchID:   "BATCH_001",
		Action:    types.ActionRegistered,
		Actor:     "Supplier_A",
		Metadata:  map[string]any{},
		Timestamp: types.Now(),
	}}, tip.Hash)
	rec := doJSON(t, n, http.MethodPost, "/receive-block", good)
	if rec.Code != http.StatusOK {
		t.Fatalf("accept status: have %d want 200 (%s)", rec.Code, rec.Body)
	}
	if bc.Height() != 2 {
		t.Fatalf("height: have %d want 2", bc.Height())
	}

	// A block that does not extend the tip signals divergence.
	stale := types.NewBlock(7, types.Now(), nil, "somewhere-else")
	rec = doJSON(t, n, http.MethodPost, "/receive-block", stale)
	if rec.Code != http.StatusConflict {
		t.Fatalf("out-of-sync status: have %d want 409", rec.Code)
	}

	// Tampered content is rejected outright.
	bad := types.NewBlock(2, types.Now(), nil, bc.ChainSnapshot()[1].Hash)
	bad.Hash = "0000tampered"
	rec = doJSON(t, n, http.MethodPost, "/receive-block", bad)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid block status: have %d want 400", rec.Code)
	}
}

func TestChainAndMempoolEndpoints(t *testing.T) {
	n, _ := newTestNode(t, nil)
	doJSON(t, n, http.MethodPost, "/add-transaction",
		sampleTx("BATCH_001", types.ActionRegistered, "Supplier_A"))

	reply := decodeReply(t, doJSON(t, n, http.MethodGet, "/chain", nil))
	if reply["length"].(json.Number).String() != "1" || reply["valid"] != true {
		t.Fatalf("chain reply: %v", reply)
	}

	reply = decodeReply(t, doJSON(t, n, http.MethodGet, "/mempool", nil))
	if reply["count"].(json.Number).String() != "1" {
		t.Fatalf("mempool reply: %v", reply)
	}
}

func TestHistoryEndpoint(t *testing.T) {
	n, _ := newTestNode(t, nil)

	rec := doJSON(t, n, http.MethodGet, "/history/BATCH_404", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown batch status: have %d want 404", rec.Code)
	}

	doJSON(t, n, http.MethodPost, "/add-transaction",
		sampleTx("BATCH_001", types.ActionRegistered, "Supplier_A"))
	doJSON(t, n, http.MethodPost, "/mine", nil)

	rec = doJSON(t, n, http.MethodGet, "/history/BATCH_001", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("history status: have %d want 200", rec.Code)
	}
	reply := decodeReply(t, rec)
	if reply["transaction_count"].(json.Number).String() != "1" {
		t.Fatalf("transaction_count: %v", reply["transaction_count"])
	}
	entries := reply["history"].([]any)
	entry := entries[0].(map[string]any)
	if entry["action"] != types.ActionRegistered {
		t.Fatalf("entry action: %v", entry["action"])
	}
	if entry["block_timestamp"] == nil || entry["block_timestamp"] == "" {
		t.Fatalf("entry missing block_timestamp: %v", entry)
	}
}

func TestVerifyEndpoint(t *testing.T) {
	n, _ := newTestNode(t, nil)
	doJSON(t, n, http.MethodPost, "/add-transaction",
		sampleTx("BATCH_001", types.ActionRegistered, "Supplier_A"))
	doJSON(t, n, http.MethodPost, "/mine", nil)

	reply := decodeReply(t, doJSON(t, n, http.MethodGet, "/verify/BATCH_001", nil))
	if reply["verified"] != true {
		t.Fatalf("mined batch not verified: %v", reply)
	}

	reply = decodeReply(t, doJSON(t, n, http.MethodGet, "/verify/BATCH_404", nil))
	if reply["verified"] != false {
		t.Fatalf("unknown batch verified: %v", reply)
	}
}

func TestNodeRegistration(t *testing.T) {
	n, bc := newTestNode(t, nil)

	rec := doJSON(t, n, http.MethodPost, "/nodes/register",
		map[string]string{"node_url": "http://blockchain2:5000"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("register status: have %d want 201", rec.Code)
	}
	all := decodeReply(t, rec)["all_nodes"].([]any)
	if len(all) != 1 || all[0] != "http://blockchain2:5000" {
		t.Fatalf("all_nodes: %v", all)
	}
	if len(bc.Peers()) != 1 {
		t.Fatalf("peer set: %v", bc.Peers())
	}

	rec = doJSON(t, n, http.MethodPost, "/nodes/register", map[string]string{})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing node_url status: have %d want 400", rec.Code)
	}

	reply := decodeReply(t, doJSON(t, n, http.MethodGet, "/nodes", nil))
	if nodes := reply["nodes"].([]any); len(nodes) != 1 {
		t.Fatalf("nodes reply: %v", reply)
	}
}

func TestActorRegistration(t *testing.T) {
	n, _ := newTestNode(t, nil)
	signer, err := accountsigner.NewRegistry(t.TempDir())
	if err != nil {
		t.Fatalf("registry failed: %v", err)
	}
	n.signer = signer

	rec := doJSON(t, n, http.MethodPost, "/actors/register",
		map[string]string{"actor": "Supplier_A"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("register status: have %d want 201 (%s)", rec.Code, rec.Body)
	}
	reply := decodeReply(t, rec)
	if reply["actor"] != "Supplier_A" || reply["public_key"] == "" {
		t.Fatalf("register reply: %v", reply)
	}

	// Registration is idempotent: the same key is returned, not regenerated.
	again := decodeReply(t, doJSON(t, n, http.MethodPost, "/actors/register",
		map[string]string{"actor": "Supplier_A"}))
	if again["public_key"] != reply["public_key"] {
		t.Fatalf("regeneration changed the public key")
	}

	actors := decodeReply(t, doJSON(t, n, http.MethodGet, "/actors", nil))["actors"].([]any)
	if len(actors) != 1 || actors[0] != "Supplier_A" {
		t.Fatalf("actors reply: %v", actors)
	}
}

func TestSyncEndpoint(t *testing.T) {
	n, _ := newTestNode(t, nil)
	rec := doJSON(t, n, http.MethodPost, "/sync", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("sync status: have %d want 200", rec.Code)
	}
}
