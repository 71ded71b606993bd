package barrier

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hashicorp/raft"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ancrist/confman/pkg/confmanerr"
	"github.com/ancrist/confman/pkg/peerclient"
)

type okFuture struct{ err error }

func (f okFuture) Error() error { return f.err }

type fakeRaft struct {
	state        raft.RaftState
	leader       raft.ServerAddress
	verifyErr    error
	appliedIndex uint64
}

func (f *fakeRaft) State() raft.RaftState         { return f.state }
func (f *fakeRaft) Leader() raft.ServerAddress     { return f.leader }
func (f *fakeRaft) VerifyLeader() raft.Future      { return okFuture{err: f.verifyErr} }
func (f *fakeRaft) AppliedIndex() uint64           { return f.appliedIndex }

type fakeFSM struct{ index uint64 }

func (f *fakeFSM) LastAppliedIndex() uint64 { return atomic.LoadUint64(&f.index) }

func TestWaitSucceedsImmediatelyWhenLeaderAndCaughtUp(t *testing.T) {
	fr := &fakeRaft{state: raft.Leader, appliedIndex: 5}
	fsm := &fakeFSM{index: 5}
	b := New(fr, fsm, peerclient.New("tok"), Config{})

	err := b.Wait(context.Background(), "")
	assert.NoError(t, err)
}

func TestWaitBlocksUntilAppliedIndexCatchesUp(t *testing.T) {
	fr := &fakeRaft{state: raft.Leader, appliedIndex: 5}
	fsm := &fakeFSM{index: 2}
	b := New(fr, fsm, peerclient.New("tok"), Config{Deadline: time.Second})

	go func() {
		time.Sleep(10 * time.Millisecond)
		atomic.StoreUint64(&fsm.index, 5)
	}()

	err := b.Wait(context.Background(), "")
	assert.NoError(t, err)
}

func TestWaitRejectModeReturnsReadBarrierFailed(t *testing.T) {
	fr := &fakeRaft{state: raft.Leader, appliedIndex: 5}
	fsm := &fakeFSM{index: 0}
	b := New(fr, fsm, peerclient.New("tok"), Config{Deadline: 20 * time.Millisecond, Mode: ModeReject})

	err := b.Wait(context.Background(), "")
	require.Error(t, err)
	assert.Equal(t, confmanerr.KindReadBarrierFailed, confmanerr.KindOf(err))
}

func TestWaitTimeoutModeReturnsReadBarrierTimeout(t *testing.T) {
	fr := &fakeRaft{state: raft.Leader, appliedIndex: 5}
	fsm := &fakeFSM{index: 0}
	b := New(fr, fsm, peerclient.New("tok"), Config{Deadline: 20 * time.Millisecond, Mode: ModeTimeout})

	err := b.Wait(context.Background(), "")
	require.Error(t, err)
	assert.Equal(t, confmanerr.KindReadBarrierTimeout, confmanerr.KindOf(err))
}

func TestWaitStaleModeServesAnyway(t *testing.T) {
	fr := &fakeRaft{state: raft.Leader, appliedIndex: 5}
	fsm := &fakeFSM{index: 0}
	b := New(fr, fsm, peerclient.New("tok"), Config{Deadline: 20 * time.Millisecond, Mode: ModeStale})

	err := b.Wait(context.Background(), "")
	assert.NoError(t, err)
}

func TestWaitFollowerAsksLeaderForCommitIndex(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "7")
	}))
	defer server.Close()

	fr := &fakeRaft{state: raft.Follower}
	fsm := &fakeFSM{index: 7}
	b := New(fr, fsm, peerclient.New("tok"), Config{Deadline: time.Second})

	err := b.Wait(context.Background(), server.URL)
	assert.NoError(t, err)
}

func TestWaitFollowerWithNoLeaderFails(t *testing.T) {
	fr := &fakeRaft{state: raft.Follower}
	fsm := &fakeFSM{index: 0}
	b := New(fr, fsm, peerclient.New("tok"), Config{Deadline: 20 * time.Millisecond})

	err := b.Wait(context.Background(), "")
	require.Error(t, err)
	assert.Equal(t, confmanerr.KindReadBarrierFailed, confmanerr.KindOf(err))
}

func TestWaitClientDisconnectShortCircuits(t *testing.T) {
	fr := &fakeRaft{state: raft.Leader, appliedIndex: 5}
	fsm := &fakeFSM{index: 0}
	b := New(fr, fsm, peerclient.New("tok"), Config{Deadline: time.Second, Mode: ModeReject})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	err := b.Wait(ctx, "")
	require.Error(t, err)
}
