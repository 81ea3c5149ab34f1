// Package cluster owns the replicated role/term/vote state machine
// described in spec §4.5: heartbeat emission, election-timeout
// monitoring, and the vote-granting rules. It never touches the store
// or the network beyond the peer RPCs it issues itself.
package cluster

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"replikv/peerclient"
	"replikv/types"
)

const (
	// DefaultHeartbeatInterval is the PRIMARY's heartbeat cadence (spec §4.5).
	DefaultHeartbeatInterval = 2 * time.Second
	// DefaultElectionTimeoutMin/Max bound the randomized election deadline (spec §4.5).
	DefaultElectionTimeoutMin = 5 * time.Second
	DefaultElectionTimeoutMax = 8 * time.Second
)

// Manager is the cluster-state owner. All fields below the mutex are
// guarded by it; peer RPCs are always issued after releasing the lock.
type Manager struct {
	mu sync.Mutex

	selfID   string
	selfHost string
	selfPort int

	role             types.Role
	currentTerm      int64
	votedFor         string // "" == none
	electionDeadline time.Time

	peers map[string]*types.NodeInfo // keyed by node_id, excludes self

	log    *logrus.Logger
	client *peerclient.Client

	heartbeatInterval time.Duration
	electionTimeoutMin,
	electionTimeoutMax time.Duration

	rngMu sync.Mutex
	rng   *rand.Rand

	stopCh chan struct{}
	wg     sync.WaitGroup

	// onRoleChange lets main.go log or trigger a catch-up SYNC on role
	// change without cluster importing replication.
	onRoleChange func(newRole types.Role)
}

// Config bundles the constructor arguments.
type Config struct {
	SelfID   string
	SelfHost string
	SelfPort int
	Peers    []types.NodeInfo
	Primary  bool

	Log    *logrus.Logger
	Client *peerclient.Client

	HeartbeatInterval  time.Duration
	ElectionTimeoutMin time.Duration
	ElectionTimeoutMax time.Duration

	OnRoleChange func(newRole types.Role)
}

// New builds a Manager. Per spec §9, --primary is only a bootstrap
// hint: the node starts at term 0 with role PRIMARY, but the very next
// higher-term message it sees demotes it exactly like any other node.
func New(cfg Config) *Manager {
	role := types.RoleSecondary
	if cfg.Primary {
		role = types.RolePrimary
	}
	hbInterval := cfg.HeartbeatInterval
	if hbInterval <= 0 {
		hbInterval = DefaultHeartbeatInterval
	}
	tMin := cfg.ElectionTimeoutMin
	if tMin <= 0 {
		tMin = DefaultElectionTimeoutMin
	}
	tMax := cfg.ElectionTimeoutMax
	if tMax <= 0 || tMax < tMin {
		tMax = DefaultElectionTimeoutMax
	}

	peers := make(map[string]*types.NodeInfo, len(cfg.Peers))
	for i := range cfg.Peers {
		p := cfg.Peers[i]
		if p.Role == "" {
			p.Role = types.RoleSecondary
		}
		peers[p.NodeID] = &p
	}

	m := &Manager{
		selfID:             cfg.SelfID,
		selfHost:           cfg.SelfHost,
		selfPort:           cfg.SelfPort,
		role:               role,
		currentTerm:        0,
		votedFor:           "",
		peers:              peers,
		log:                cfg.Log,
		client:             cfg.Client,
		heartbeatInterval:  hbInterval,
		electionTimeoutMin: tMin,
		electionTimeoutMax: tMax,
		rng:                rand.New(rand.NewSource(time.Now().UnixNano())),
		stopCh:             make(chan struct{}),
		onRoleChange:       cfg.OnRoleChange,
	}
	m.electionDeadline = time.Now().Add(m.randomElectionTimeout())
	return m
}

func (m *Manager) randomElectionTimeout() time.Duration {
	m.rngMu.Lock()
	defer m.rngMu.Unlock()
	span := m.electionTimeoutMax - m.electionTimeoutMin
	if span <= 0 {
		return m.electionTimeoutMin
	}
	return m.electionTimeoutMin + time.Duration(m.rng.Int63n(int64(span)))
}

// SelfID returns this node's id.
func (m *Manager) SelfID() string { return m.selfID }

// Role returns the current role.
func (m *Manager) Role() types.Role {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.role
}

// Term returns the current election term.
func (m *Manager) Term() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentTerm
}

// VotedFor returns the current term's vote record, "" if none.
func (m *Manager) VotedFor() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.votedFor
}

// Status returns a StoreStatus snapshot for STATUS/GET /status.
func (m *Manager) Status() types.StoreStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	var votedFor *string
	if m.votedFor != "" {
		v := m.votedFor
		votedFor = &v
	}
	return types.StoreStatus{
		NodeID:   m.selfID,
		Role:     m.role,
		Term:     m.currentTerm,
		VotedFor: votedFor,
	}
}

// Peers returns a snapshot of the peer table.
func (m *Manager) Peers() []types.NodeInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.NodeInfo, 0, len(m.peers))
	for _, p := range m.peers {
		out = append(out, *p)
	}
	return out
}

// RegisterPeer inserts or updates a peer table entry (REGISTER_NODE).
func (m *Manager) RegisterPeer(node types.NodeInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.peers[node.NodeID] = &node
}

func (m *Manager) setRole(newRole types.Role) {
	if m.role == newRole {
		return
	}
	m.role = newRole
	if m.onRoleChange != nil {
		cb := m.onRoleChange
		go cb(newRole)
	}
}

// HandleHeartbeat implements spec §4.5 rule 2: record last_heartbeat
// and extend the election deadline. It never changes the term — term
// reconciliation only happens through ELECTION.
func (m *Manager) HandleHeartbeat(fromNode string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if p, ok := m.peers[fromNode]; ok {
		p.LastHeartbeat = float64(time.Now().UnixNano()) / 1e9
		p.Role = types.RolePrimary
	}
	m.electionDeadline = time.Now().Add(m.randomElectionTimeout())
}

// ElectionOutcome is the result of a vote request, per spec §4.5 rule 4.
type ElectionOutcome int

const (
	VoteGranted ElectionOutcome = iota
	VoteDeniedStaleTerm
	VoteDeniedAlreadyVoted
)

// HandleElection implements spec §4.5 rule 4 / §7 (StaleTerm, AlreadyVoted).
func (m *Manager) HandleElection(candidateID string, term int64) (ElectionOutcome, int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if term < m.currentTerm {
		return VoteDeniedStaleTerm, m.currentTerm
	}
	if term > m.currentTerm {
		m.currentTerm = term
		m.votedFor = ""
		if m.role == types.RolePrimary {
			m.setRole(types.RoleSecondary)
		}
	}
	if m.votedFor == "" || m.votedFor == candidateID {
		m.votedFor = candidateID
		m.electionDeadline = time.Now().Add(m.randomElectionTimeout())
		return VoteGranted, m.currentTerm
	}
	return VoteDeniedAlreadyVoted, m.currentTerm
}

// Start launches the heartbeat emitter and election monitor background
// tasks. Both run for the lifetime of the process; each checks the
// current role every tick rather than being torn down and rebuilt on
// every role flip (spec §5).
func (m *Manager) Start(ctx context.Context) {
	m.wg.Add(2)
	go m.heartbeatLoop(ctx)
	go m.electionMonitorLoop(ctx)
}

// Stop signals both background tasks to exit and waits for them.
func (m *Manager) Stop() {
	close(m.stopCh)
	m.wg.Wait()
}

func (m *Manager) heartbeatLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if m.Role() != types.RolePrimary {
				continue
			}
			m.emitHeartbeats(ctx)
		}
	}
}

func (m *Manager) emitHeartbeats(ctx context.Context) {
	msg := types.HeartbeatMsg{Type: "HEARTBEAT", FromNode: m.selfID}
	for _, peer := range m.Peers() {
		go func(p types.NodeInfo) {
			var resp types.Response
			if err := m.client.Send(ctx, p.Addr(), msg, &resp); err != nil {
				m.log.WithFields(logrus.Fields{"peer": p.NodeID, "err": err}).Debug("heartbeat: peer unreachable")
			}
		}(peer)
	}
}

func (m *Manager) electionMonitorLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if m.Role() != types.RoleSecondary {
				continue
			}
			m.mu.Lock()
			expired := time.Now().After(m.electionDeadline)
			m.mu.Unlock()
			if expired {
				m.StartElection(ctx)
			}
		}
	}
}

// StartElection implements spec §4.5 rule 3: bump the term, vote for
// self, request votes from every peer, and become PRIMARY on quorum.
func (m *Manager) StartElection(ctx context.Context) {
	m.mu.Lock()
	if m.role != types.RoleSecondary {
		m.mu.Unlock()
		return
	}
	m.currentTerm++
	term := m.currentTerm
	m.votedFor = m.selfID
	m.electionDeadline = time.Now().Add(m.randomElectionTimeout())
	peers := make([]types.NodeInfo, 0, len(m.peers))
	for _, p := range m.peers {
		peers = append(peers, *p)
	}
	m.mu.Unlock()

	m.log.WithFields(logrus.Fields{"term": term, "node_id": m.selfID}).Info("starting election")

	total := len(peers) + 1
	quorum := total/2 + 1
	votes := 1 // self

	var wg sync.WaitGroup
	var voteMu sync.Mutex
	msg := types.ElectionMsg{Type: "ELECTION", CandidateID: m.selfID, Term: term}

	for _, peer := range peers {
		wg.Add(1)
		go func(p types.NodeInfo) {
			defer wg.Done()
			var resp types.Response
			if err := m.client.Send(ctx, p.Addr(), msg, &resp); err != nil {
				m.log.WithFields(logrus.Fields{"peer": p.NodeID, "err": err}).Debug("election: peer unreachable")
				return
			}
			if resp.VoteTerm > term {
				m.mu.Lock()
				if resp.VoteTerm > m.currentTerm {
					m.currentTerm = resp.VoteTerm
					m.votedFor = ""
					m.setRole(types.RoleSecondary)
				}
				m.mu.Unlock()
				return
			}
			if resp.Status == "OK" {
				voteMu.Lock()
				votes++
				voteMu.Unlock()
			}
		}(peer)
	}
	wg.Wait()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.currentTerm != term || m.role != types.RoleSecondary {
		// Term moved on, or we already stepped down/became primary
		// through a concurrent path; don't clobber that outcome.
		return
	}
	if votes >= quorum {
		m.setRole(types.RolePrimary)
		m.log.WithFields(logrus.Fields{"term": term, "votes": votes, "quorum": quorum}).Info("won election")
	} else {
		m.electionDeadline = time.Now().Add(m.randomElectionTimeout())
		m.log.WithFields(logrus.Fields{"term": term, "votes": votes, "quorum": quorum}).Info("election did not reach quorum")
	}
}
