// Package election implements the liveness-and-length leader election.
//
// Each replica polls the /status endpoint of every hostname in the fixed
// priority list (its own row is populated locally). The candidate pool is the
// set of reachable replicas, sorted by chain length descending and priority
// index ascending; the head is the leader. The sort is stable, so a tie on
// (length, priority) resolves deterministically to the first entry in the
// priority list. Elections are stateless and recomputed on demand: there is
// no term number and no lease. During a partition each side elects its own
// leader; the sync daemon heals the divergence afterwards.
package election

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// Candidate is one reachable replica in the pool.
type Candidate struct {
	Hostname    string
	ChainLength int
	Priority    int
}

// statusReply is the subset of /status an election needs.
type statusReply struct {
	ChainLength int `json:"chain_length"`
}

// Electorate polls the priority list and picks the leader.
type Electorate struct {
	priority []string
	self     string
	port     int
	client   *http.Client
	log      *logrus.Entry
}

// New creates an electorate for the given priority list. self is this
// replica's hostname; port is the cluster-wide service port used to reach
// peers (a priority entry carrying an explicit host:port overrides it).
func New(priority []string, self string, port int, timeout time.Duration) *Electorate {
	return &Electorate{
		priority: append([]string(nil), priority...),
		self:     self,
		port:     port,
		client:   &http.Client{Timeout: timeout},
		log:      logrus.WithField("component", "election"),
	}
}

func (e *Electorate) statusURL(host string) string {
	if strings.Contains(host, ":") {
		return fmt.Sprintf("http://%s/status", host)
	}
	return fmt.Sprintf("http://%s:%d/status", host, e.port)
}

// Leader computes the current leader given the local chain length. When no
// priority peer is reachable the replica treats itself as leader.
func (e *Electorate) Leader(localLength int) Candidate {
	var pool []Candidate
	for idx, host := range e.priority {
		if host == e.self {
			pool = append(pool, Candidate{Hostname: host, ChainLength: localLength, Priority: idx})
			continue
		}
		reply, err := e.pollStatus(host)
		if err != nil {
			e.log.WithField("peer", host).Debug("peer unreachable during election")
			continue
		}
		pool = append(pool, Candidate{Hostname: host, ChainLength: reply.ChainLength, Priority: idx})
	}
	if len(pool) == 0 {
		// Only self, and self is not priority-listed: standalone leader.
		return Candidate{Hostname: e.self, ChainLength: localLength}
	}
	sort.SliceStable(pool, func(i, j int) bool {
		if pool[i].ChainLength != pool[j].ChainLength {
			return pool[i].ChainLength > pool[j].ChainLength
		}
		return pool[i].Priority < pool[j].Priority
	})
	return pool[0]
}

// IsLeader reports whether this replica currently wins the election.
func (e *Electorate) IsLeader(localLength int) bool {
	return e.Leader(localLength).Hostname == e.self
}

// LeaderURL returns the elected leader's base URL and whether the leader is
// this replica.
func (e *Electorate) LeaderURL(localLength int) (string, bool) {
	leader := e.Leader(localLength)
	if leader.Hostname == e.self {
		return "", true
	}
	if strings.Contains(leader.Hostname, ":") {
		return "http://" + leader.Hostname, false
	}
	return fmt.Sprintf("http://%s:%d", leader.Hostname, e.port), false
}

func (e *Electorate) pollStatus(host string) (*statusReply, error) {
	resp, err := e.client.Get(e.statusURL(host))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("election: status %d from %s", resp.StatusCode, host)
	}
	var reply statusReply
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		return nil, fmt.Errorf("election: decode status from %s: %w", host, err)
	}
	return &reply, nil
}
