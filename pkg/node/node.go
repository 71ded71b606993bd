// Package node wires together every component into one running confman
// node (C11): applied store, blob store, state machine, Raft, the batching
// replicator, the blob replicator, the blob resolver, the read barrier, the
// write orchestrator, and the HTTP surface. Grounded on the teacher's
// pkg/manager.Manager.Bootstrap/NewManager wiring sequence, generalized
// from Warren's single-node-then-incremental-join model to this spec's
// static-membership, one-time-bootstrap model.
package node

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
	"github.com/rs/zerolog"

	"github.com/ancrist/confman/pkg/barrier"
	"github.com/ancrist/confman/pkg/batch"
	"github.com/ancrist/confman/pkg/blob"
	"github.com/ancrist/confman/pkg/cluster"
	"github.com/ancrist/confman/pkg/config"
	"github.com/ancrist/confman/pkg/fsm"
	"github.com/ancrist/confman/pkg/httpapi"
	"github.com/ancrist/confman/pkg/log"
	"github.com/ancrist/confman/pkg/metrics"
	"github.com/ancrist/confman/pkg/peerclient"
	"github.com/ancrist/confman/pkg/replication"
	"github.com/ancrist/confman/pkg/resolver"
	"github.com/ancrist/confman/pkg/store"
	"github.com/ancrist/confman/pkg/writer"
)

// raftPortOffset is the fixed gap between a member's advertised HTTP
// endpoint port and its Raft transport port, so the config surface needs
// only one address per node (per SPEC_FULL.md's external-interface table)
// while Raft still gets a distinct TCP listener.
const raftPortOffset = 1000

// Node owns every long-lived component for one confman process.
type Node struct {
	cfg Config

	store store.Store
	blobs *blob.Store

	fsm  *fsm.FSM
	raft *raft.Raft

	batchRepl *batch.Replicator
	blobRepl  *replication.Replicator
	resolver  *resolver.Resolver
	barrier   *barrier.Barrier
	writer    *writer.Writer

	httpSrv *http.Server

	snapshotStop chan struct{}
}

// Config is the node's resolved configuration, an alias of config.Config.
type Config = config.Config

// New builds every component and starts Raft, but does not yet accept HTTP
// traffic; call Serve for that once the caller is ready to listen.
func New(cfg Config) (*Node, error) {
	if err := os.MkdirAll(cfg.Storage.DataPath, 0755); err != nil {
		return nil, fmt.Errorf("node: create data dir: %w", err)
	}

	st, err := store.NewBoltStore(cfg.Storage.DataPath)
	if err != nil {
		return nil, fmt.Errorf("node: open store: %w", err)
	}

	blobs, err := blob.Open(cfg.Storage.DataPath, blob.Config{
		MaxBlobSizeBytes:         cfg.BlobStore.MaxBlobSizeBytes,
		MaxDecompressedSizeBytes: cfg.BlobStore.MaxDecompressedSizeBytes,
	})
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("node: open blob store: %w", err)
	}

	f := fsm.New(st)
	f.SetSnapshotInterval(uint64(cfg.Raft.SnapshotInterval))

	r, err := startRaft(cfg, f)
	if err != nil {
		st.Close()
		return nil, err
	}

	view := func() cluster.View { return cluster.View{Self: cfg.PublicEndpoint, Members: cfg.Members} }
	peerClient := peerclient.New(cfg.BlobStore.ClusterToken)

	batchRepl := batch.New(r, batch.Config{
		MaxBatchSize:  cfg.Raft.BatchMaxSize,
		MaxBatchBytes: cfg.Raft.BatchMaxBytes,
		MaxBatchWait:  time.Duration(cfg.Raft.BatchMaxWaitMs) * time.Millisecond,
	})

	blobRepl := replication.New(blobs, view, peerClient)
	res := resolver.New(blobs, view, peerClient)

	var bar *barrier.Barrier
	if cfg.ReadBarrier.Enabled {
		bar = barrier.New(r, f, peerClient, barrier.Config{
			Mode:     cfg.BarrierMode(),
			Deadline: time.Duration(cfg.ReadBarrier.TimeoutMs) * time.Millisecond,
		})
	}

	wr := writer.New(blobs, blobRepl, batchRepl, writer.Config{
		InlineThresholdBytes: cfg.BlobStore.InlineThresholdBytes,
		BlobWritesEnabled:    cfg.BlobStore.Enabled,
	})

	n := &Node{
		cfg: cfg, store: st, blobs: blobs, fsm: f, raft: r,
		batchRepl: batchRepl, blobRepl: blobRepl, resolver: res, barrier: bar, writer: wr,
	}

	mux := httpapi.New(httpapi.Deps{
		Store: st, Writer: wr, Resolver: res, Barrier: bar, Blobs: blobs,
		Leader: leaderAdapter{batchRepl}, Token: cfg.BlobStore.ClusterToken,
		Metrics:       metrics.Handler(),
		ReadyFn:       n.readyStatus,
		CommitIndexFn: func() uint64 { return r.AppliedIndex() },
	})

	n.httpSrv = &http.Server{Handler: mux}

	n.snapshotStop = make(chan struct{})
	go n.runSnapshotLoop()

	return n, nil
}

// log returns this node's logger, tagged with both its node ID and the
// "node" component, so every lifecycle line is attributable to a specific
// cluster member in a multi-node log aggregation.
func (n *Node) log() zerolog.Logger {
	return log.WithNodeID(n.cfg.NodeID).With().Str("component", "node").Logger()
}

// runSnapshotLoop polls the state machine's applied-entry counter and asks
// Raft to snapshot once it crosses the configured interval, decoupling
// snapshot cadence from Raft's own commit-driven SnapshotInterval/Threshold.
func (n *Node) runSnapshotLoop() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-n.snapshotStop:
			return
		case <-ticker.C:
			if n.fsm.NeedsSnapshot() {
				if err := n.raft.Snapshot().Error(); err != nil {
					n.log().Warn().Err(err).Msg("snapshot request failed")
				}
			}
			n.refreshGauges()
		}
	}
}

func (n *Node) refreshGauges() {
	if n.batchRepl.IsLeader() {
		metrics.RaftLeader.Set(1)
	} else {
		metrics.RaftLeader.Set(0)
	}
	metrics.RaftTerm.Set(float64(n.currentTerm()))
	metrics.RaftAppliedIndex.Set(float64(n.raft.AppliedIndex()))

	entries, err := n.store.ListAll()
	if err == nil {
		metrics.EntriesTotal.Set(float64(len(entries)))
	}
	namespaces, err := n.store.ListNamespaces()
	if err == nil {
		metrics.NamespacesTotal.Set(float64(len(namespaces)))
	}
	blobIDs, err := n.blobs.List()
	if err == nil {
		metrics.BlobsTotal.Set(float64(len(blobIDs)))
	}
}

// Serve starts accepting HTTP traffic on the node's advertised endpoint.
// Raft has already replayed its local log by the time New returns, so the
// state machine is current before any request is served.
func (n *Node) Serve() error {
	addr, err := httpListenAddr(n.cfg.PublicEndpoint)
	if err != nil {
		return err
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("node: listen on %s: %w", addr, err)
	}
	n.log().Info().Str("addr", addr).Msg("http surface listening")
	return n.httpSrv.Serve(ln)
}

// Shutdown stops Raft, the batching and blob replicators, and the applied
// store, in the reverse order they were started.
func (n *Node) Shutdown(ctx context.Context) error {
	close(n.snapshotStop)
	_ = n.httpSrv.Shutdown(ctx)
	n.batchRepl.Close()
	n.blobRepl.Close()
	if err := n.raft.Shutdown().Error(); err != nil {
		n.log().Warn().Err(err).Msg("raft shutdown returned an error")
	}
	return n.store.Close()
}

func (n *Node) readyStatus() (ready bool, role string, leaderKnown bool, leaderAddr string, term uint64) {
	leaderAddr = string(n.raft.Leader())
	leaderKnown = leaderAddr != ""
	switch n.raft.State() {
	case raft.Leader:
		role = "leader"
	case raft.Candidate:
		role = "candidate"
	case raft.Shutdown:
		role = "shutdown"
	default:
		role = "follower"
	}
	term = n.currentTerm()
	return leaderKnown, role, leaderKnown, leaderAddr, term
}

func (n *Node) currentTerm() uint64 {
	stats := n.raft.Stats()
	t, err := strconv.ParseUint(stats["term"], 10, 64)
	if err != nil {
		return 0
	}
	return t
}

// leaderAdapter satisfies pkg/httpapi's leaderInfo by translating the Raft
// library's transport address into this node's advertised HTTP endpoint.
type leaderAdapter struct{ batch *batch.Replicator }

func (l leaderAdapter) IsLeader() bool { return l.batch.IsLeader() }

func (l leaderAdapter) LeaderURI() string {
	raftAddr := l.batch.LeaderURI()
	if raftAddr == "" {
		return ""
	}
	return raftAddrToHTTPEndpoint(raftAddr)
}

func startRaft(cfg Config, f *fsm.FSM) (*raft.Raft, error) {
	raftCfg := raft.DefaultConfig()
	raftCfg.LocalID = raft.ServerID(cfg.PublicEndpoint)
	raftCfg.SnapshotInterval = 24 * time.Hour // pkg/fsm drives its own interval-based snapshots
	raftCfg.SnapshotThreshold = uint64(cfg.Raft.SnapshotInterval)

	raftAddr, err := endpointToRaftAddr(cfg.PublicEndpoint)
	if err != nil {
		return nil, err
	}
	tcpAddr, err := net.ResolveTCPAddr("tcp", raftAddr)
	if err != nil {
		return nil, fmt.Errorf("node: resolve raft addr %s: %w", raftAddr, err)
	}
	transport, err := raft.NewTCPTransport(raftAddr, tcpAddr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("node: create raft transport: %w", err)
	}

	snapshotStore, err := raft.NewFileSnapshotStore(cfg.Storage.DataPath, 2, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("node: create snapshot store: %w", err)
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.Storage.DataPath, "raft-log.db"))
	if err != nil {
		return nil, fmt.Errorf("node: create raft log store: %w", err)
	}
	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.Storage.DataPath, "raft-stable.db"))
	if err != nil {
		return nil, fmt.Errorf("node: create raft stable store: %w", err)
	}

	r, err := raft.NewRaft(raftCfg, f, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		return nil, fmt.Errorf("node: create raft: %w", err)
	}

	hasState, err := raft.HasExistingState(logStore, stableStore, snapshotStore)
	if err != nil {
		return nil, fmt.Errorf("node: check existing raft state: %w", err)
	}
	if !hasState {
		servers := make([]raft.Server, 0, len(cfg.Members))
		for _, member := range cfg.Members {
			addr, err := endpointToRaftAddr(member)
			if err != nil {
				return nil, err
			}
			servers = append(servers, raft.Server{ID: raft.ServerID(member), Address: raft.ServerAddress(addr)})
		}
		future := r.BootstrapCluster(raft.Configuration{Servers: servers})
		if err := future.Error(); err != nil {
			return nil, fmt.Errorf("node: bootstrap cluster: %w", err)
		}
	}

	return r, nil
}

// endpointToRaftAddr derives the Raft transport address from an advertised
// HTTP endpoint ("http://host:port" -> "host:port+raftPortOffset").
func endpointToRaftAddr(endpoint string) (string, error) {
	host, port, err := splitEndpoint(endpoint)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s:%d", host, port+raftPortOffset), nil
}

// raftAddrToHTTPEndpoint reverses endpointToRaftAddr for leader redirects.
func raftAddrToHTTPEndpoint(raftAddr string) string {
	host, portStr, err := net.SplitHostPort(raftAddr)
	if err != nil {
		return ""
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return ""
	}
	return fmt.Sprintf("http://%s:%d", host, port-raftPortOffset)
}

func httpListenAddr(endpoint string) (string, error) {
	host, port, err := splitEndpoint(endpoint)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s:%d", host, port), nil
}

func splitEndpoint(endpoint string) (host string, port int, err error) {
	trimmed := strings.TrimPrefix(strings.TrimPrefix(endpoint, "http://"), "https://")
	h, p, err := net.SplitHostPort(trimmed)
	if err != nil {
		return "", 0, fmt.Errorf("node: malformed endpoint %q: %w", endpoint, err)
	}
	portNum, err := strconv.Atoi(p)
	if err != nil {
		return "", 0, fmt.Errorf("node: malformed endpoint port %q: %w", endpoint, err)
	}
	return h, portNum, nil
}
