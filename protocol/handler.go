// Package protocol implements the Command Handler (spec §4.3): it
// classifies each incoming line as a client command or a JSON peer
// message, enforces PRIMARY-only admission on client mutations and
// reads, and produces the wire response.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"replikv/cluster"
	"replikv/replication"
	"replikv/store"
	"replikv/types"
)

// Handler ties the store, cluster manager, and replicator together
// behind the wire protocol described in spec §4.3 and §6.
type Handler struct {
	store      *store.KVStore
	cluster    *cluster.Manager
	replicator *replication.Replicator
	log        *logrus.Logger
}

// New builds a Handler.
func New(s *store.KVStore, c *cluster.Manager, r *replication.Replicator, log *logrus.Logger) *Handler {
	return &Handler{store: s, cluster: c, replicator: r, log: log}
}

// Handle dispatches one request line and returns the JSON-marshalable
// response body plus whether the caller (the session/listener) should
// begin an orderly shutdown after writing it.
func (h *Handler) Handle(line string) (interface{}, bool) {
	if isPeerMessage(line) {
		return h.handlePeerMessage(line), false
	}
	return h.handleClientCommand(line)
}

func (h *Handler) handleClientCommand(line string) (interface{}, bool) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return types.Err("Malformed request: empty line"), false
	}

	fields := splitFields(trimmed, 3)
	verb := strings.ToUpper(fields[0])

	switch verb {
	case "SET":
		if len(fields) < 3 {
			return types.Err("Malformed request: SET requires a key and a value"), false
		}
		return h.handleSet(fields[1], fields[2]), false

	case "GET":
		if len(fields) < 2 {
			return types.Err("Malformed request: GET requires a key"), false
		}
		return h.handleGet(fields[1]), false

	case "DELETE":
		if len(fields) < 2 {
			return types.Err("Malformed request: DELETE requires a key"), false
		}
		return h.handleDelete(fields[1]), false

	case "PING":
		return types.OKMsg("PONG"), false

	case "STATUS":
		return h.handleStatus(), false

	case "SHUTDOWN":
		return types.OKMsg("Server shutting down"), true

	case "FLUSH", "SNAPSHOT":
		return types.OKMsg("No persistence enabled"), false

	default:
		return types.Err(fmt.Sprintf("Unknown command: %s", fields[0])), false
	}
}

const notPrimaryMsg = "This node is not primary. Route your request to the current primary node."

func (h *Handler) handleSet(key, rest string) types.Response {
	if h.cluster.Role() != types.RolePrimary {
		return types.Err(notPrimaryMsg)
	}
	value := parseValue(rest)
	h.store.Set(key, value)
	h.replicator.Replicate(types.OpSet, key, value)
	return types.OKMsg(fmt.Sprintf("Key '%s' set", key))
}

func (h *Handler) handleGet(key string) types.Response {
	if h.cluster.Role() != types.RolePrimary {
		return types.Err(notPrimaryMsg)
	}
	v, ok := h.store.Get(key)
	if !ok {
		return types.Err(fmt.Sprintf("Key '%s' not found", key))
	}
	return types.Response{Status: "OK", Value: v}
}

func (h *Handler) handleDelete(key string) types.Response {
	if h.cluster.Role() != types.RolePrimary {
		return types.Err(notPrimaryMsg)
	}
	if !h.store.Delete(key) {
		return types.Response{Status: "ERROR"}
	}
	h.replicator.Replicate(types.OpDelete, key, nil)
	return types.Response{Status: "OK"}
}

func (h *Handler) handleStatus() types.StatusResponse {
	return types.StatusResponse{Status: "OK", StoreStatus: h.cluster.Status()}
}

func (h *Handler) handlePeerMessage(line string) interface{} {
	var envelope types.PeerMessage
	if err := json.Unmarshal([]byte(line), &envelope); err != nil {
		return types.Err(fmt.Sprintf("Malformed request: %s", err))
	}

	switch envelope.Type {
	case "REGISTER_NODE":
		var msg types.RegisterNodeMsg
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			return types.Err(fmt.Sprintf("Malformed request: %s", err))
		}
		h.cluster.RegisterPeer(msg.Node)
		return types.OK()

	case "REPLICATE":
		var msg types.ReplicateMsg
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			return types.Err(fmt.Sprintf("Malformed request: %s", err))
		}
		if h.cluster.Role() != types.RoleSecondary {
			return types.Err("This node is not a replication target")
		}
		h.store.ApplyReplication(msg.Operation, msg.Key, msg.Value)
		return types.OK()

	case "HEARTBEAT":
		var msg types.HeartbeatMsg
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			return types.Err(fmt.Sprintf("Malformed request: %s", err))
		}
		h.cluster.HandleHeartbeat(msg.FromNode)
		return types.OK()

	case "ELECTION":
		var msg types.ElectionMsg
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			return types.Err(fmt.Sprintf("Malformed request: %s", err))
		}
		outcome, term := h.cluster.HandleElection(msg.CandidateID, msg.Term)
		switch outcome {
		case cluster.VoteGranted:
			return types.Response{Status: "OK", Message: "Vote granted", VoteTerm: term}
		case cluster.VoteDeniedStaleTerm:
			return types.Response{Status: "ERROR", Message: "Stale term", VoteTerm: term}
		default:
			return types.Response{Status: "ERROR", Message: "Already voted", VoteTerm: term}
		}

	case "SYNC":
		var msg types.SyncMsg
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			return types.Err(fmt.Sprintf("Malformed request: %s", err))
		}
		entries := h.store.Since(msg.SinceTimestamp)
		return types.SyncResponse{Status: "OK", Entries: entries}

	default:
		return types.Err(fmt.Sprintf("Unknown peer message type: %s", envelope.Type))
	}
}
