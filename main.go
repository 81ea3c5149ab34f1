package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"replikv/cluster"
	"replikv/httpapi"
	"replikv/logging"
	"replikv/peerclient"
	"replikv/protocol"
	"replikv/replication"
	"replikv/server"
	"replikv/store"
	"replikv/types"
)

var defaultPeers = []string{
	"node1@127.0.0.1:6379",
	"node2@127.0.0.1:6380",
	"node3@127.0.0.1:6381",
}

var (
	nodeID   string
	host     string
	port     int
	primary  bool
	peerFlag []string
	httpAddr string
	logLevel string
	logJSON  bool

	heartbeatInterval  time.Duration
	electionTimeoutMin time.Duration
	electionTimeoutMax time.Duration
)

func init() {
	pflag.StringVar(&nodeID, "node-id", "", "Node id (required)")
	pflag.StringVar(&host, "host", "127.0.0.1", "Host to bind the wire listener to")
	pflag.IntVar(&port, "port", 0, "Port to bind the wire listener to (required)")
	pflag.BoolVar(&primary, "primary", false, "Start this node as PRIMARY at term 0")
	pflag.StringArrayVar(&peerFlag, "peers", defaultPeers, "Peer entries as id@host:port; repeatable")
	pflag.StringVar(&httpAddr, "http-addr", "", "Address for the read-only debug HTTP API; empty disables it")
	pflag.StringVar(&logLevel, "log-level", "info", "Log level: trace|debug|info|warn|error")
	pflag.BoolVar(&logJSON, "log-json", false, "Emit logs as JSON instead of text")
	pflag.DurationVar(&heartbeatInterval, "heartbeat-interval", cluster.DefaultHeartbeatInterval, "PRIMARY heartbeat interval")
	pflag.DurationVar(&electionTimeoutMin, "election-timeout-min", cluster.DefaultElectionTimeoutMin, "Minimum election timeout")
	pflag.DurationVar(&electionTimeoutMax, "election-timeout-max", cluster.DefaultElectionTimeoutMax, "Maximum election timeout")
	pflag.Parse()
}

// parsePeers turns "id@host:port" entries into NodeInfo, dropping any
// entry that names selfID (a node never peers with itself).
func parsePeers(entries []string, selfID string) ([]types.NodeInfo, error) {
	out := make([]types.NodeInfo, 0, len(entries))
	for _, entry := range entries {
		at := strings.IndexByte(entry, '@')
		if at < 0 {
			return nil, fmt.Errorf("invalid peer entry %q: expected id@host:port", entry)
		}
		id := entry[:at]
		hostport := entry[at+1:]
		colon := strings.LastIndexByte(hostport, ':')
		if colon < 0 {
			return nil, fmt.Errorf("invalid peer entry %q: expected id@host:port", entry)
		}
		peerHost := hostport[:colon]
		peerPort, err := strconv.Atoi(hostport[colon+1:])
		if err != nil {
			return nil, fmt.Errorf("invalid peer entry %q: bad port: %w", entry, err)
		}
		if id == selfID {
			continue
		}
		out = append(out, types.NodeInfo{NodeID: id, Host: peerHost, Port: peerPort, Role: types.RoleSecondary})
	}
	return out, nil
}

// catchUp pulls the replication log tail this node is missing right
// after it becomes SECONDARY (spec §9's SYNC use case: rejoining after
// a lost election or a restart). It tries every known peer in turn and
// stops at the first one that answers; a node with no reachable peer
// yet simply stays caught up to whatever it already had.
func catchUp(mgr *cluster.Manager, repl *replication.Replicator, kv *store.KVStore, log *logrus.Logger) {
	since := kv.LastTimestamp()
	for _, peer := range mgr.Peers() {
		entries, err := repl.SyncFrom(peer, mgr.SelfID(), since)
		if err != nil {
			log.WithFields(logrus.Fields{"peer": peer.NodeID, "err": err}).Debug("catch-up sync: peer unreachable")
			continue
		}
		kv.ApplySince(entries)
		log.WithFields(logrus.Fields{"peer": peer.NodeID, "entries": len(entries)}).Info("caught up via sync")
		return
	}
}

func main() {
	log := logging.New(logLevel, logJSON)

	if nodeID == "" {
		log.Fatal("--node-id is required")
	}
	if port == 0 {
		log.Fatal("--port is required")
	}

	peers, err := parsePeers(peerFlag, nodeID)
	if err != nil {
		log.WithField("err", err).Fatal("invalid --peers")
	}

	kv := store.New()
	client := peerclient.New()

	var mgr *cluster.Manager
	repl := replication.New(func() []types.NodeInfo { return mgr.Peers() }, client, log)

	mgr = cluster.New(cluster.Config{
		SelfID:             nodeID,
		SelfHost:           host,
		SelfPort:           port,
		Peers:              peers,
		Primary:            primary,
		Log:                log,
		Client:             client,
		HeartbeatInterval:  heartbeatInterval,
		ElectionTimeoutMin: electionTimeoutMin,
		ElectionTimeoutMax: electionTimeoutMax,
		OnRoleChange: func(newRole types.Role) {
			log.WithField("role", newRole).Info("role changed")
			if newRole == types.RoleSecondary {
				go catchUp(mgr, repl, kv, log)
			}
		},
	})

	handler := protocol.New(kv, mgr, repl, log)

	shutdownCh := make(chan struct{})
	var shutdownOnce sync.Once
	requestShutdown := func() {
		shutdownOnce.Do(func() { close(shutdownCh) })
	}

	srv := server.New(fmt.Sprintf("%s:%d", host, port), handler, log, requestShutdown)
	if err := srv.Listen(); err != nil {
		log.WithField("err", err).Fatal("failed to bind wire listener")
	}

	// A node that boots straight into SECONDARY (the normal case for
	// every non-bootstrap node, and for any secondary restarted after
	// being down) never passes through setRole, so onRoleChange never
	// fires for it on its own. Run the same catch-up once by hand.
	if mgr.Role() == types.RoleSecondary {
		go catchUp(mgr, repl, kv, log)
	}

	ctx, cancel := context.WithCancel(context.Background())
	mgr.Start(ctx)

	go func() {
		if err := srv.Serve(); err != nil {
			log.WithField("err", err).Error("wire listener stopped")
		}
	}()

	if httpAddr != "" {
		api := httpapi.New(mgr, kv, log)
		go func() {
			if err := api.Run(httpAddr); err != nil {
				log.WithField("err", err).Warn("debug http api stopped")
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-shutdownCh:
		log.Info("SHUTDOWN received, exiting")
	case sig := <-sigCh:
		log.WithField("signal", sig).Info("signal received, exiting")
	}

	cancel()
	mgr.Stop()
	_ = srv.Close()
	os.Exit(0)
}
