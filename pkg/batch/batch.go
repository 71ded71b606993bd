// Package batch is the single-writer batching replicator (C8): every write
// enters a bounded FIFO queue, a sole flush goroutine coalesces items into
// one Raft log entry per tick, and submits it via raft.Raft.Apply.
// Grounded on the teacher's pkg/manager.Manager.Apply (same
// raft.Raft.Apply(data, timeout) call) generalized from one-command-per-call
// to draining a queue into a pkg/codec.Batch.
package batch

import (
	"context"
	"time"

	"github.com/hashicorp/raft"

	"github.com/ancrist/confman/pkg/codec"
	"github.com/ancrist/confman/pkg/log"
	"github.com/ancrist/confman/pkg/metrics"
)

const (
	// DefaultMaxBatchSize is the item-count drain ceiling per flush.
	DefaultMaxBatchSize = 50
	// DefaultMaxBatchBytes is the summed-estimated-size drain ceiling per
	// flush, sized below Raft transport body limits.
	DefaultMaxBatchBytes = 4 << 20
	// DefaultMaxBatchWait is how long the flush loop waits for more items
	// after the first one arrives before submitting what it has.
	DefaultMaxBatchWait = time.Millisecond
	// DefaultApplyTimeout bounds a single raft.Raft.Apply call.
	DefaultApplyTimeout = 10 * time.Second
	// queueCapacityMultiplier sizes the bounded queue relative to batch size.
	queueCapacityMultiplier = 10
	// shutdownDrainTimeout bounds how long Close waits for the flush loop.
	shutdownDrainTimeout = 5 * time.Second
)

// Config tunes the batching replicator's drain policy.
type Config struct {
	MaxBatchSize  int
	MaxBatchBytes int
	MaxBatchWait  time.Duration
	ApplyTimeout  time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = DefaultMaxBatchSize
	}
	if c.MaxBatchBytes <= 0 {
		c.MaxBatchBytes = DefaultMaxBatchBytes
	}
	if c.MaxBatchWait <= 0 {
		c.MaxBatchWait = DefaultMaxBatchWait
	}
	if c.ApplyTimeout <= 0 {
		c.ApplyTimeout = DefaultApplyTimeout
	}
	return c
}

// raftHandle is the slice of *raft.Raft the replicator needs; narrowed to an
// interface so it can be exercised without a live Raft cluster in tests.
type raftHandle interface {
	State() raft.RaftState
	Leader() raft.ServerAddress
	Apply(cmd []byte, timeout time.Duration) raft.ApplyFuture
}

type item struct {
	cmd           codec.Command
	estimatedSize int
	done          chan bool
}

// Replicator is the single-writer batching submission path to Raft.
type Replicator struct {
	cfg  Config
	raft raftHandle

	queue  chan item
	buf    []byte // reusable encode buffer, touched only by the flush loop
	cancel context.CancelFunc
	done   chan struct{}
}

// New builds and starts a Replicator's flush loop.
func New(raft raftHandle, cfg Config) *Replicator {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	r := &Replicator{
		cfg:    cfg,
		raft:   raft,
		queue:  make(chan item, cfg.MaxBatchSize*queueCapacityMultiplier),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go r.flushLoop(ctx)
	return r
}

// IsLeader reports whether this node is currently the Raft leader.
func (r *Replicator) IsLeader() bool { return r.raft.State() == raft.Leader }

// LeaderURI returns the Raft library's view of the current leader's address.
func (r *Replicator) LeaderURI() string { return string(r.raft.Leader()) }

// Replicate enqueues cmd for the next flush and blocks until it has been
// submitted (or the replicator is shutting down). Returns false without
// enqueueing if this node is not the leader.
func (r *Replicator) Replicate(ctx context.Context, cmd codec.Command) bool {
	if !r.IsLeader() {
		return false
	}

	it := item{cmd: cmd, estimatedSize: estimateSize(cmd), done: make(chan bool, 1)}

	select {
	case r.queue <- it:
	case <-ctx.Done():
		return false
	case <-r.done:
		return false
	}

	select {
	case ok := <-it.done:
		return ok
	case <-ctx.Done():
		return false
	}
}

// Close stops the flush loop, draining and failing any residual queued
// items, waiting up to shutdownDrainTimeout for it to exit.
func (r *Replicator) Close() {
	r.cancel()
	select {
	case <-r.done:
	case <-time.After(shutdownDrainTimeout):
		log.WithComponent("batch").Warn().Msg("flush loop did not exit within shutdown deadline")
	}
}

func (r *Replicator) flushLoop(ctx context.Context) {
	defer close(r.done)
	for {
		var first item
		select {
		case first = <-r.queue:
		case <-ctx.Done():
			r.drainResidual()
			return
		}

		batch := []item{first}
		size := first.estimatedSize
		deadline := time.After(r.cfg.MaxBatchWait)

	drain:
		for len(batch) < r.cfg.MaxBatchSize && size < r.cfg.MaxBatchBytes {
			select {
			case it := <-r.queue:
				batch = append(batch, it)
				size += it.estimatedSize
			case <-deadline:
				break drain
			case <-ctx.Done():
				break drain
			}
		}

		r.submit(batch)

		if ctx.Err() != nil {
			r.drainResidual()
			return
		}
	}
}

func (r *Replicator) drainResidual() {
	for {
		select {
		case it := <-r.queue:
			it.done <- false
		default:
			return
		}
	}
}

// submit encodes batch into the reusable buffer and applies it as one Raft
// log entry, completing every waiter with the outcome.
func (r *Replicator) submit(batch []item) {
	metrics.BatchSize.Observe(float64(len(batch)))
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.BatchFlushDuration)

	var cmd codec.Command
	if len(batch) == 1 {
		cmd = batch[0].cmd
	} else {
		cmds := make([]codec.Command, len(batch))
		for i, it := range batch {
			cmds[i] = it.cmd
		}
		cmd = codec.Batch{Commands: cmds}
	}

	data, err := codec.Encode(cmd)
	if err != nil {
		log.WithComponent("batch").Error().Err(err).Msg("failed to encode batch, failing waiters")
		completeAll(batch, false)
		return
	}
	r.buf = append(r.buf[:0], data...)

	applyTimer := metrics.NewTimer()
	future := r.raft.Apply(r.buf, r.cfg.ApplyTimeout)
	err = future.Error()
	applyTimer.ObserveDuration(metrics.RaftApplyDuration)
	if err != nil {
		log.WithComponent("batch").Warn().Err(err).Int("items", len(batch)).Msg("raft apply failed")
		completeAll(batch, false)
		return
	}
	if resp, ok := future.Response().(error); ok && resp != nil {
		log.WithComponent("batch").Warn().Err(resp).Int("items", len(batch)).Msg("fsm apply returned an error")
		completeAll(batch, false)
		return
	}

	completeAll(batch, true)
}

func completeAll(batch []item, ok bool) {
	for _, it := range batch {
		it.done <- ok
	}
}

// estimateSize is a cheap upper-bound byte estimate used only for batch-size
// accounting, not the actual wire size.
func estimateSize(cmd codec.Command) int {
	switch c := cmd.(type) {
	case codec.SetConfig:
		return len(c.NS) + len(c.Key) + len(c.Value) + len(c.Type) + len(c.Author) + 64
	case codec.SetConfigBlobRef:
		return len(c.NS) + len(c.Key) + len(c.BlobID) + len(c.Type) + len(c.Author) + 64
	case codec.DeleteConfig:
		return len(c.NS) + len(c.Key) + len(c.Author) + 64
	case codec.SetNamespace:
		return len(c.Path) + len(c.Description) + len(c.Owner) + len(c.Author) + 64
	case codec.DeleteNamespace:
		return len(c.Path) + len(c.Author) + 64
	default:
		return 128
	}
}
