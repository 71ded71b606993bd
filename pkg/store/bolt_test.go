package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	dir := t.TempDir()
	s, err := NewBoltStore(dir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSetAssignsMonotonicVersion(t *testing.T) {
	s := newTestStore(t)

	e1, err := s.Set(ConfigEntry{NS: "/t1", Key: "flag", Value: "on", Type: "string"})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), e1.Version)

	e2, err := s.Set(ConfigEntry{NS: "/t1", Key: "flag", Value: "off", Type: "string"})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), e2.Version)

	e3, err := s.Set(ConfigEntry{NS: "/t1", Key: "other", Value: "x", Type: "string"})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), e3.Version, "a different key starts its own version sequence at 1")
}

func TestGetNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Get("/nope", "missing")
	assert.True(t, IsNotFound(err))
}

func TestSetNamespacePreservesCreatedAt(t *testing.T) {
	s := newTestStore(t)
	created := time.Unix(1000, 0).UTC()

	_, err := s.SetNamespace(Namespace{Path: "/t1", Owner: "alice", CreatedAt: created})
	require.NoError(t, err)

	updated, err := s.SetNamespace(Namespace{Path: "/t1", Owner: "bob", CreatedAt: time.Now()})
	require.NoError(t, err)
	assert.Equal(t, created, updated.CreatedAt)
	assert.Equal(t, "bob", updated.Owner)
}

func TestDeleteNamespaceCascades(t *testing.T) {
	s := newTestStore(t)

	_, err := s.SetNamespace(Namespace{Path: "/t1", Owner: "alice"})
	require.NoError(t, err)
	_, err = s.Set(ConfigEntry{NS: "/t1", Key: "a", Value: "1", Type: "string"})
	require.NoError(t, err)
	_, err = s.Set(ConfigEntry{NS: "/t1", Key: "b", Value: "2", Type: "string"})
	require.NoError(t, err)
	_, err = s.Set(ConfigEntry{NS: "/t2", Key: "c", Value: "3", Type: "string"})
	require.NoError(t, err)

	require.NoError(t, s.DeleteNamespace("/t1"))

	all, err := s.ListAll()
	require.NoError(t, err)
	for _, e := range all {
		assert.NotEqual(t, "/t1", e.NS)
	}
	assert.Len(t, all, 1)

	_, err = s.GetNamespace("/t1")
	assert.True(t, IsNotFound(err))
}

func TestAppendAuditIsIdempotentById(t *testing.T) {
	s := newTestStore(t)
	evt := AuditEvent{ID: "evt-1", Action: ActionConfigCreated, NS: "/t1", Key: "flag", Actor: "alice", TS: time.Unix(5, 0).UTC()}

	require.NoError(t, s.AppendAudit(evt))
	require.NoError(t, s.AppendAudit(evt))

	events, err := s.GetAuditEvents("/t1", 10)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestGetAuditEventsNewestFirst(t *testing.T) {
	s := newTestStore(t)
	for i, ts := range []int64{1, 3, 2} {
		require.NoError(t, s.AppendAudit(AuditEvent{
			ID: string(rune('a' + i)), Action: ActionConfigCreated, NS: "/t1", TS: time.Unix(ts, 0).UTC(),
		}))
	}

	events, err := s.GetAuditEvents("/t1", 10)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, int64(3), events[0].TS.Unix())
	assert.Equal(t, int64(2), events[1].TS.Unix())
	assert.Equal(t, int64(1), events[2].TS.Unix())
}

func TestDumpAllAndRestoreFromSnapshotRoundTrip(t *testing.T) {
	s := newTestStore(t)
	_, err := s.SetNamespace(Namespace{Path: "/t1", Owner: "alice"})
	require.NoError(t, err)
	_, err = s.Set(ConfigEntry{NS: "/t1", Key: "a", Value: "1", Type: "string"})
	require.NoError(t, err)
	require.NoError(t, s.AppendAudit(AuditEvent{ID: "evt-1", Action: ActionConfigCreated, NS: "/t1", Key: "a", TS: time.Unix(9, 0).UTC()}))

	namespaces, entries, audit, err := s.DumpAll()
	require.NoError(t, err)

	fresh := newTestStore(t)
	require.NoError(t, fresh.RestoreFromSnapshot(namespaces, entries, audit))

	gotNS, gotEntries, gotAudit, err := fresh.DumpAll()
	require.NoError(t, err)
	assert.Equal(t, namespaces, gotNS)
	assert.Equal(t, entries, gotEntries)
	assert.Equal(t, audit, gotAudit)
}

func TestRestoreFromSnapshotClearsPriorState(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Set(ConfigEntry{NS: "/old", Key: "a", Value: "1", Type: "string"})
	require.NoError(t, err)

	require.NoError(t, s.RestoreFromSnapshot(nil, nil, nil))

	all, err := s.ListAll()
	require.NoError(t, err)
	assert.Empty(t, all)
}
