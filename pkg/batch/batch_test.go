package batch

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hashicorp/raft"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ancrist/confman/pkg/codec"
)

type fakeFuture struct {
	err error
	resp interface{}
}

func (f *fakeFuture) Error() error          { return f.err }
func (f *fakeFuture) Response() interface{} { return f.resp }
func (f *fakeFuture) Index() uint64         { return 1 }

var _ raft.ApplyFuture = (*fakeFuture)(nil)

type fakeRaft struct {
	state   raft.RaftState
	leader  raft.ServerAddress
	applyFn func(cmd []byte) (codec.Command, error)

	mu      sync.Mutex
	applied []codec.Command
}

func (f *fakeRaft) State() raft.RaftState        { return f.state }
func (f *fakeRaft) Leader() raft.ServerAddress    { return f.leader }
func (f *fakeRaft) Apply(cmd []byte, _ time.Duration) raft.ApplyFuture {
	decoded, err := codec.Decode(cmd)
	if err != nil {
		return &fakeFuture{err: err}
	}
	f.mu.Lock()
	f.applied = append(f.applied, decoded)
	f.mu.Unlock()

	if f.applyFn != nil {
		_, err := f.applyFn(cmd)
		if err != nil {
			return &fakeFuture{resp: err}
		}
	}
	return &fakeFuture{}
}

func newLeaderReplicator(t *testing.T, cfg Config) (*Replicator, *fakeRaft) {
	t.Helper()
	fr := &fakeRaft{state: raft.Leader}
	r := New(fr, cfg)
	t.Cleanup(r.Close)
	return r, fr
}

func TestReplicateRejectsWhenNotLeader(t *testing.T) {
	fr := &fakeRaft{state: raft.Follower}
	r := New(fr, Config{})
	defer r.Close()

	ok := r.Replicate(context.Background(), codec.SetConfig{NS: "ns1", Key: "k1", Value: "v1"})
	assert.False(t, ok)
}

func TestReplicateSingleCommandSucceeds(t *testing.T) {
	r, fr := newLeaderReplicator(t, Config{MaxBatchWait: time.Millisecond})

	ok := r.Replicate(context.Background(), codec.SetConfig{NS: "ns1", Key: "k1", Value: "v1"})
	assert.True(t, ok)

	fr.mu.Lock()
	defer fr.mu.Unlock()
	require.Len(t, fr.applied, 1)
	assert.IsType(t, codec.SetConfig{}, fr.applied[0])
}

func TestReplicateCoalescesConcurrentWritesIntoFewerApplies(t *testing.T) {
	r, fr := newLeaderReplicator(t, Config{MaxBatchWait: 50 * time.Millisecond, MaxBatchSize: 10})

	var wg sync.WaitGroup
	var succeeded int64
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok := r.Replicate(context.Background(), codec.SetConfig{NS: "ns1", Key: "k", Value: "v"})
			if ok {
				atomic.AddInt64(&succeeded, 1)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int64(5), atomic.LoadInt64(&succeeded))

	fr.mu.Lock()
	defer fr.mu.Unlock()
	// 5 concurrent writes within one MaxBatchWait window should submit as
	// very few Apply calls, not one per writer.
	assert.Less(t, len(fr.applied), 5)
	if len(fr.applied) == 1 {
		b, ok := fr.applied[0].(codec.Batch)
		require.True(t, ok)
		assert.Len(t, b.Commands, 5)
	}
}

type erroringRaft struct{ fakeRaft }

func (e *erroringRaft) Apply(cmd []byte, _ time.Duration) raft.ApplyFuture {
	return &fakeFuture{err: context.DeadlineExceeded}
}

func TestSubmitFailsAllWaitersOnApplyError(t *testing.T) {
	fr := &erroringRaft{fakeRaft{state: raft.Leader}}
	r := &Replicator{cfg: Config{}.withDefaults(), raft: fr, queue: make(chan item, 4), done: make(chan struct{})}

	it := item{cmd: codec.SetConfig{NS: "ns1", Key: "k1"}, done: make(chan bool, 1)}
	r.submit([]item{it})

	assert.False(t, <-it.done)
}

func TestDrainResidualCompletesQueuedItemsAsFalse(t *testing.T) {
	fr := &fakeRaft{state: raft.Leader}
	r := &Replicator{cfg: Config{}.withDefaults(), raft: fr, queue: make(chan item, 4), done: make(chan struct{})}

	it1 := item{cmd: codec.SetConfig{NS: "ns1", Key: "k1"}, done: make(chan bool, 1)}
	it2 := item{cmd: codec.SetConfig{NS: "ns1", Key: "k2"}, done: make(chan bool, 1)}
	r.queue <- it1
	r.queue <- it2

	r.drainResidual()

	assert.False(t, <-it1.done)
	assert.False(t, <-it2.done)
}
