package election

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func statusServer(t *testing.T, chainLength int) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/status" {
			http.NotFound(w, r)
			return
		}
		fmt.Fprintf(w, `{"chain_length":%d}`, chainLength)
	}))
	t.Cleanup(srv.Close)
	return strings.TrimPrefix(srv.URL, "http://")
}

func TestLongestChainWins(t *testing.T) {
	long := statusServer(t, 9)
	short := statusServer(t, 3)

	// Self is listed first but has the shortest chain.
	e := New([]string{"self-host", long, short}, "self-host", 5000, time.Second)
	leader := e.Leader(1)
	if leader.Hostname != long {
		t.Fatalf("leader: have %q want %q", leader.Hostname, long)
	}
	if e.IsLeader(1) {
		t.Fatalf("short self elected itself over a longer peer")
	}
}

func TestPriorityBreaksTies(t *testing.T) {
	peer := statusServer(t, 5)

	// Equal lengths: the earlier priority entry wins.
	e := New([]string{"self-host", peer}, "self-host", 5000, time.Second)
	if !e.IsLeader(5) {
		t.Fatalf("priority head lost a tie")
	}

	e = New([]string{peer, "self-host"}, "self-host", 5000, time.Second)
	if e.IsLeader(5) {
		t.Fatalf("lower priority replica won a tie")
	}
}

func TestUnreachablePeersAreExcluded(t *testing.T) {
	e := New([]string{"blockchain1", "blockchain2", "self-host"}, "self-host", 1, 100*time.Millisecond)
	if !e.IsLeader(0) {
		t.Fatalf("replica with no reachable peers must elect itself")
	}
}

func TestStandaloneWithoutPriorityRow(t *testing.T) {
	e := New([]string{"blockchain1"}, "self-host", 1, 100*time.Millisecond)
	leader := e.Leader(4)
	if leader.Hostname != "self-host" {
		t.Fatalf("standalone leader: have %q want self-host", leader.Hostname)
	}
}

func TestLeaderURL(t *testing.T) {
	peer := statusServer(t, 10)
	e := New([]string{peer, "self-host"}, "self-host", 5000, time.Second)
	url, isSelf := e.LeaderURL(1)
	if isSelf {
		t.Fatalf("self elected despite a longer peer")
	}
	if url != "http://"+peer {
		t.Fatalf("leader url: have %q want %q", url, "http://"+peer)
	}
}
