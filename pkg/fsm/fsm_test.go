package fsm

import (
	"bytes"
	"io"
	"testing"
	"time"

	"github.com/hashicorp/raft"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ancrist/confman/pkg/codec"
	"github.com/ancrist/confman/pkg/store"
)

func newTestFSM(t *testing.T) (*FSM, store.Store) {
	t.Helper()
	s, err := store.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return New(s), s
}

func applyCmd(t *testing.T, f *FSM, index uint64, cmd codec.Command) interface{} {
	t.Helper()
	data, err := codec.Encode(cmd)
	require.NoError(t, err)
	return f.Apply(&raft.Log{Index: index, Data: data})
}

func TestApplySetConfigCreatesEntryAndAudit(t *testing.T) {
	f, s := newTestFSM(t)
	ts := time.Now()

	result := applyCmd(t, f, 1, codec.SetConfig{NS: "ns1", Key: "k1", Value: "v1", Type: "string", Author: "alice", TS: ts})
	assert.Nil(t, result)

	entry, err := s.Get("ns1", "k1")
	require.NoError(t, err)
	assert.Equal(t, "v1", entry.Value)
	assert.Equal(t, uint64(1), entry.Version)

	events, err := s.GetAuditEvents("ns1", 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, store.ActionConfigCreated, events[0].Action)
}

func TestApplySetConfigTwiceUpdatesVersionAndAuditAction(t *testing.T) {
	f, s := newTestFSM(t)

	applyCmd(t, f, 1, codec.SetConfig{NS: "ns1", Key: "k1", Value: "v1", Author: "alice", TS: time.Now()})
	applyCmd(t, f, 2, codec.SetConfig{NS: "ns1", Key: "k1", Value: "v2", Author: "bob", TS: time.Now().Add(time.Second)})

	entry, err := s.Get("ns1", "k1")
	require.NoError(t, err)
	assert.Equal(t, "v2", entry.Value)
	assert.Equal(t, uint64(2), entry.Version)

	events, err := s.GetAuditEvents("ns1", 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
}

func TestApplyAdvancesLastAppliedIndexMonotonically(t *testing.T) {
	f, _ := newTestFSM(t)

	applyCmd(t, f, 5, codec.SetConfig{NS: "ns1", Key: "k1", Value: "v1", TS: time.Now()})
	assert.Equal(t, uint64(5), f.LastAppliedIndex())

	applyCmd(t, f, 3, codec.SetConfig{NS: "ns1", Key: "k1", Value: "v2", TS: time.Now()})
	assert.Equal(t, uint64(5), f.LastAppliedIndex(), "must never rewind")

	applyCmd(t, f, 9, codec.SetConfig{NS: "ns1", Key: "k1", Value: "v3", TS: time.Now()})
	assert.Equal(t, uint64(9), f.LastAppliedIndex())
}

func TestApplyDeleteNamespaceCascadesAndAudits(t *testing.T) {
	f, s := newTestFSM(t)

	applyCmd(t, f, 1, codec.SetNamespace{Path: "ns1", Owner: "alice", Author: "alice", TS: time.Now()})
	applyCmd(t, f, 2, codec.SetConfig{NS: "ns1", Key: "k1", Value: "v1", Author: "alice", TS: time.Now()})
	applyCmd(t, f, 3, codec.DeleteNamespace{Path: "ns1", Author: "alice", TS: time.Now()})

	_, err := s.GetNamespace("ns1")
	assert.True(t, store.IsNotFound(err))

	entries, err := s.List("ns1")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestApplyBatchAppliesEveryInnerCommand(t *testing.T) {
	f, s := newTestFSM(t)
	ts := time.Now()

	batch := codec.Batch{Commands: []codec.Command{
		codec.SetConfig{NS: "ns1", Key: "k1", Value: "v1", Author: "alice", TS: ts},
		codec.SetConfig{NS: "ns1", Key: "k2", Value: "v2", Author: "alice", TS: ts},
	}}
	result := applyCmd(t, f, 1, batch)
	assert.Nil(t, result)

	entries, err := s.List("ns1")
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestApplyingSameCommittedEntryTwiceUpsertsSameAuditRow(t *testing.T) {
	f, s := newTestFSM(t)
	cmd := codec.SetConfig{NS: "ns1", Key: "k1", Value: "v1", Author: "alice", TS: time.Now()}

	applyCmd(t, f, 1, cmd)
	applyCmd(t, f, 1, cmd) // simulate a log replay of the same index

	events, err := s.GetAuditEvents("ns1", 10)
	require.NoError(t, err)
	assert.Len(t, events, 1, "replaying the same entry must not duplicate its audit row")
}

type fakeSink struct {
	bytes.Buffer
	canceled bool
}

func (s *fakeSink) ID() string      { return "snap-1" }
func (s *fakeSink) Cancel() error   { s.canceled = true; return nil }
func (s *fakeSink) Close() error    { return nil }

var _ raft.SnapshotSink = (*fakeSink)(nil)

func TestSnapshotAndRestoreRoundTrip(t *testing.T) {
	f, s := newTestFSM(t)
	applyCmd(t, f, 1, codec.SetNamespace{Path: "ns1", Owner: "alice", Author: "alice", TS: time.Now()})
	applyCmd(t, f, 2, codec.SetConfig{NS: "ns1", Key: "k1", Value: "v1", Author: "alice", TS: time.Now()})

	snap, err := f.Snapshot()
	require.NoError(t, err)

	sink := &fakeSink{}
	require.NoError(t, snap.Persist(sink))
	assert.False(t, sink.canceled)

	restoreInto, restoreStore := newTestFSM(t)
	require.NoError(t, restoreInto.Restore(io.NopCloser(bytes.NewReader(sink.Bytes()))))

	entries, err := restoreStore.List("ns1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "v1", entries[0].Value)
}

func TestNeedsSnapshotTriggersAfterInterval(t *testing.T) {
	f, _ := newTestFSM(t)
	for i := uint64(1); i <= SnapshotInterval; i++ {
		applyCmd(t, f, i, codec.SetConfig{NS: "ns1", Key: "k1", Value: "v", TS: time.Now()})
	}
	assert.True(t, f.NeedsSnapshot())

	_, err := f.Snapshot()
	require.NoError(t, err)
	assert.False(t, f.NeedsSnapshot())
}
