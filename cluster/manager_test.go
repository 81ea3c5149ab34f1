package cluster

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"replikv/peerclient"
	"replikv/types"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.FatalLevel)
	return l
}

// startFakePeer runs a one-shot-per-connection TCP responder that reads
// one JSON line and replies with whatever respond returns, mimicking
// the peerclient wire contract from the other side.
func startFakePeer(t *testing.T, respond func(line []byte) interface{}) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				scanner := bufio.NewScanner(c)
				if !scanner.Scan() {
					return
				}
				resp := respond(scanner.Bytes())
				payload, _ := json.Marshal(resp)
				c.Write(append(payload, '\n'))
			}(conn)
		}
	}()
	return ln.Addr().String()
}

func hostPort(t *testing.T, addr string) (string, int) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("split %s: %v", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("bad port %s: %v", portStr, err)
	}
	return host, port
}

func newTestManager(t *testing.T, primary bool, peers []types.NodeInfo) *Manager {
	t.Helper()
	return New(Config{
		SelfID:             "self",
		SelfHost:           "127.0.0.1",
		SelfPort:           0,
		Peers:              peers,
		Primary:            primary,
		Log:                testLogger(),
		Client:             peerclient.New(),
		HeartbeatInterval:  20 * time.Millisecond,
		ElectionTimeoutMin: 30 * time.Millisecond,
		ElectionTimeoutMax: 40 * time.Millisecond,
	})
}

// TestVoteUniqueness is P3: a node grants a vote to at most one
// candidate per term.
func TestVoteUniqueness(t *testing.T) {
	m := newTestManager(t, false, nil)

	outcome, term := m.HandleElection("cand1", 1)
	if outcome != VoteGranted || term != 1 {
		t.Fatalf("first vote: got (%v, %d), want (VoteGranted, 1)", outcome, term)
	}

	outcome, term = m.HandleElection("cand2", 1)
	if outcome != VoteDeniedAlreadyVoted {
		t.Fatalf("second vote same term: got %v, want VoteDeniedAlreadyVoted", outcome)
	}

	// Same candidate re-requesting the same term is idempotent, still granted.
	outcome, _ = m.HandleElection("cand1", 1)
	if outcome != VoteGranted {
		t.Fatalf("repeat vote from already-granted candidate: got %v, want VoteGranted", outcome)
	}
}

// TestStaleTermRejected is §7 StaleTerm.
func TestStaleTermRejected(t *testing.T) {
	m := newTestManager(t, false, nil)
	m.HandleElection("cand1", 5) // bumps term to 5

	outcome, term := m.HandleElection("cand2", 3)
	if outcome != VoteDeniedStaleTerm {
		t.Fatalf("got %v, want VoteDeniedStaleTerm", outcome)
	}
	if term != 5 {
		t.Fatalf("stale-term response should carry current term 5, got %d", term)
	}
}

// TestHigherTermStepsDownPrimary is spec §4.5 rule 4 / boundary
// behavior: ELECTION with term > current_term demotes a PRIMARY.
func TestHigherTermStepsDownPrimary(t *testing.T) {
	m := newTestManager(t, true, nil)
	if m.Role() != types.RolePrimary {
		t.Fatalf("expected to start as primary")
	}

	outcome, term := m.HandleElection("cand1", 1)
	if outcome != VoteGranted || term != 1 {
		t.Fatalf("got (%v, %d), want (VoteGranted, 1)", outcome, term)
	}
	if m.Role() != types.RoleSecondary {
		t.Fatalf("higher term must step a primary down to secondary, got role %v", m.Role())
	}
}

// TestTermMonotonicity is P4: current_term never decreases.
func TestTermMonotonicity(t *testing.T) {
	m := newTestManager(t, false, nil)
	var last int64
	for _, term := range []int64{1, 1, 3, 3, 7} {
		_, got := m.HandleElection("cand", term)
		if got < last {
			t.Fatalf("term decreased: had %d, saw %d", last, got)
		}
		last = got
	}
}

func TestHandleHeartbeatUpdatesPeerTable(t *testing.T) {
	m := newTestManager(t, false, []types.NodeInfo{{NodeID: "p1", Host: "127.0.0.1", Port: 1}})
	m.HandleHeartbeat("p1")

	for _, p := range m.Peers() {
		if p.NodeID == "p1" {
			if p.LastHeartbeat <= 0 {
				t.Fatalf("expected LastHeartbeat to be set, got %v", p.LastHeartbeat)
			}
			return
		}
	}
	t.Fatalf("peer p1 not found in peer table")
}

func TestStartElectionWinsQuorum(t *testing.T) {
	addr1 := startFakePeer(t, func(line []byte) interface{} {
		return types.Response{Status: "OK", Message: "Vote granted", VoteTerm: 1}
	})
	addr2 := startFakePeer(t, func(line []byte) interface{} {
		return types.Response{Status: "OK", Message: "Vote granted", VoteTerm: 1}
	})
	h1, p1 := hostPort(t, addr1)
	h2, p2 := hostPort(t, addr2)

	m := newTestManager(t, false, []types.NodeInfo{
		{NodeID: "peer1", Host: h1, Port: p1},
		{NodeID: "peer2", Host: h2, Port: p2},
	})

	m.StartElection(context.Background())

	if m.Role() != types.RolePrimary {
		t.Fatalf("expected to win the election and become primary, role=%v", m.Role())
	}
	if m.Term() != 1 {
		t.Fatalf("expected term 1 after election, got %d", m.Term())
	}
}

func TestStartElectionLosesQuorum(t *testing.T) {
	addr1 := startFakePeer(t, func(line []byte) interface{} {
		return types.Response{Status: "ERROR", Message: "Already voted", VoteTerm: 1}
	})

	h1, p1 := hostPort(t, addr1)

	// Two total peers (peer1 responsive-but-denies, peer2 unreachable):
	// self has 1 vote, quorum for 3 nodes is 2, so this must not win.
	m := newTestManager(t, false, []types.NodeInfo{
		{NodeID: "peer1", Host: h1, Port: p1},
		{NodeID: "peer2", Host: "127.0.0.1", Port: 1}, // nothing listening
	})

	m.StartElection(context.Background())

	if m.Role() != types.RoleSecondary {
		t.Fatalf("expected to remain secondary after losing quorum, role=%v", m.Role())
	}
}
