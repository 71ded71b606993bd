// Package barrier implements the linearizable read barrier (C9): before
// serving a read, confirm this node's view of the store is at least as
// fresh as the cluster's current commit index, via a leader heartbeat round
// (raft.Raft.VerifyLeader) or, on a follower, a commit-index query to the
// leader over pkg/peerclient.
package barrier

import (
	"context"
	"time"

	"github.com/hashicorp/raft"

	"github.com/ancrist/confman/pkg/confmanerr"
	"github.com/ancrist/confman/pkg/log"
	"github.com/ancrist/confman/pkg/metrics"
	"github.com/ancrist/confman/pkg/peerclient"
)

// FailureMode decides how Wait behaves when the barrier cannot be
// confirmed before its deadline.
type FailureMode string

const (
	// ModeReject responds ServiceUnavailable with Retry-After (the default).
	ModeReject FailureMode = "reject"
	// ModeTimeout responds GatewayTimeout.
	ModeTimeout FailureMode = "timeout"
	// ModeStale serves the read anyway, logging a warning, forfeiting the
	// linearizability guarantee for that one request.
	ModeStale FailureMode = "stale"
)

// DefaultDeadline is how long Wait blocks for the barrier to clear.
const DefaultDeadline = 5 * time.Second

type raftHandle interface {
	State() raft.RaftState
	Leader() raft.ServerAddress
	VerifyLeader() raft.Future
	AppliedIndex() uint64
}

// appliedIndexer exposes the state machine's applied-index watermark; the
// FSM already tracks this (pkg/fsm.FSM.LastAppliedIndex).
type appliedIndexer interface {
	LastAppliedIndex() uint64
}

// Barrier confirms linearizable-read safety before a read proceeds.
type Barrier struct {
	raft     raftHandle
	fsm      appliedIndexer
	client   *peerclient.Client
	mode     FailureMode
	deadline time.Duration
}

// Config tunes the barrier's failure behavior and wait deadline.
type Config struct {
	Mode     FailureMode
	Deadline time.Duration
}

// New builds a Barrier.
func New(raft raftHandle, fsm appliedIndexer, client *peerclient.Client, cfg Config) *Barrier {
	if cfg.Mode == "" {
		cfg.Mode = ModeReject
	}
	if cfg.Deadline <= 0 {
		cfg.Deadline = DefaultDeadline
	}
	return &Barrier{raft: raft, fsm: fsm, client: client, mode: cfg.Mode, deadline: cfg.Deadline}
}

// Wait blocks until this node's applied index has caught up to a read-index
// confirmed fresh by the cluster, or until ctx is canceled, the barrier's
// own deadline elapses, or a condition demanded by the configured
// FailureMode is reached. A nil error means the read may proceed.
func (b *Barrier) Wait(ctx context.Context, leaderAddr string) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ReadBarrierWaitDuration)

	ctx, cancel := context.WithTimeout(ctx, b.deadline)
	defer cancel()

	readIndex, err := b.resolveReadIndex(ctx, leaderAddr)
	if err != nil {
		return b.onFailure(err)
	}

	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()

	for {
		if b.fsm.LastAppliedIndex() >= readIndex {
			return nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return b.onFailure(ctx.Err())
		}
	}
}

// resolveReadIndex confirms leadership (directly, if this node is leader;
// otherwise by asking the leader for its commit index) and returns the
// index this node's applied state must reach before a read is safe.
func (b *Barrier) resolveReadIndex(ctx context.Context, leaderAddr string) (uint64, error) {
	if b.raft.State() == raft.Leader {
		future := b.raft.VerifyLeader()
		if err := future.Error(); err != nil {
			return 0, err
		}
		return b.raft.AppliedIndex(), nil
	}

	if leaderAddr == "" {
		return 0, confmanerr.New(confmanerr.KindNoLeader, "no leader known to resolve a read index against")
	}
	return b.client.CommitIndex(ctx, leaderAddr)
}

func (b *Barrier) onFailure(cause error) error {
	metrics.ReadBarrierFailuresTotal.WithLabelValues(string(b.mode)).Inc()
	switch b.mode {
	case ModeStale:
		log.WithComponent("barrier").Warn().Err(cause).Msg("read barrier could not be confirmed, serving possibly stale read")
		return nil
	case ModeTimeout:
		return confmanerr.Wrap(confmanerr.KindReadBarrierTimeout, "read barrier deadline exceeded", cause)
	default:
		return confmanerr.Wrap(confmanerr.KindReadBarrierFailed, "read barrier could not be confirmed", cause)
	}
}
