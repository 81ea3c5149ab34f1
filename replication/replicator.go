// Package replication fans a PRIMARY's successful local mutation out to
// every peer currently known to be SECONDARY (spec §4.4). It is invoked synchronously from the
// write path but never blocks the caller: every peer RPC runs in its
// own goroutine and failures are only logged.
package replication

import (
	"context"

	"github.com/sirupsen/logrus"

	"replikv/peerclient"
	"replikv/types"
)

// Replicator fans out REPLICATE messages.
type Replicator struct {
	peers  func() []types.NodeInfo
	client *peerclient.Client
	log    *logrus.Logger

	// onComplete, if set, is invoked once per peer after its RPC
	// finishes. It exists so tests can wait for a replication round
	// to settle instead of racing a background goroutine; production
	// wiring leaves it nil.
	onComplete func(peer string, err error)
}

// New builds a Replicator. peersFn is called fresh on every Replicate
// call so the fan-out always reflects the current peer table.
func New(peersFn func() []types.NodeInfo, client *peerclient.Client, log *logrus.Logger) *Replicator {
	return &Replicator{peers: peersFn, client: client, log: log}
}

// OnComplete installs a per-peer completion hook, for tests.
func (r *Replicator) OnComplete(fn func(peer string, err error)) {
	r.onComplete = fn
}

// Replicate sends {"type":"REPLICATE",...} to every peer currently
// known to be SECONDARY (spec §4.4), concurrently, without waiting for
// any response before returning.
func (r *Replicator) Replicate(op types.Operation, key string, value interface{}) {
	msg := types.ReplicateMsg{Type: "REPLICATE", Operation: op, Key: key, Value: value}
	for _, peer := range r.peers() {
		if peer.Role != types.RoleSecondary {
			continue
		}
		go r.sendOne(peer, msg)
	}
}

func (r *Replicator) sendOne(peer types.NodeInfo, msg types.ReplicateMsg) {
	ctx, cancel := context.WithTimeout(context.Background(), peerclient.DefaultTimeout)
	defer cancel()

	var resp types.Response
	err := r.client.Send(ctx, peer.Addr(), msg, &resp)
	if err != nil {
		r.log.WithFields(logrus.Fields{"peer": peer.NodeID, "key": msg.Key, "err": err}).
			Warn("replicate: peer unreachable")
	} else if resp.Status != "OK" {
		r.log.WithFields(logrus.Fields{"peer": peer.NodeID, "key": msg.Key, "message": resp.Message}).
			Debug("replicate: peer declined")
	}
	if r.onComplete != nil {
		r.onComplete(peer.NodeID, err)
	}
}

// SyncFrom pulls the replication log tail from a peer via SYNC, used
// when a node wants to catch up (e.g. right after becoming SECONDARY
// again after an election it lost). Returns the entries in append
// order; the caller applies them.
func (r *Replicator) SyncFrom(peer types.NodeInfo, selfID string, since float64) ([]types.ReplicationLogEntry, error) {
	ctx, cancel := context.WithTimeout(context.Background(), peerclient.DefaultTimeout)
	defer cancel()

	msg := types.SyncMsg{Type: "SYNC", FromNode: selfID, SinceTimestamp: since}
	var resp types.SyncResponse
	if err := r.client.Send(ctx, peer.Addr(), msg, &resp); err != nil {
		return nil, err
	}
	return resp.Entries, nil
}
