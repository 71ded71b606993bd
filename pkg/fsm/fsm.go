// Package fsm is the canonical applier of committed Raft log entries: it
// decodes each entry with pkg/codec and dispatches it against pkg/store,
// implementing raft.FSM. Grounded on the teacher's pkg/manager/fsm.go
// (WarrenFSM), generalized from an Op-string switch to the codec's
// tagged-union Command dispatch and given a streaming snapshot policy.
package fsm

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/raft"

	"github.com/ancrist/confman/pkg/codec"
	"github.com/ancrist/confman/pkg/log"
	"github.com/ancrist/confman/pkg/store"
)

// SnapshotInterval is the number of applied entries between automatic
// snapshots. The spec recommends 50 for large-payload workloads; 100 is the
// general default.
const SnapshotInterval = 100

// FSM is the Raft-applied state machine over the durable store.
type FSM struct {
	mu    sync.RWMutex
	store store.Store

	lastAppliedIndex uint64 // atomic
	sinceSnapshot    uint64 // atomic; entries applied since the last snapshot
	snapshotInterval uint64 // atomic; overridable via SetSnapshotInterval
}

// New builds an FSM over s.
func New(s store.Store) *FSM {
	return &FSM{store: s, snapshotInterval: SnapshotInterval}
}

// SetSnapshotInterval overrides the entries-between-snapshots threshold,
// e.g. to the spec's recommended 50 for large-payload workloads.
func (f *FSM) SetSnapshotInterval(n uint64) {
	if n == 0 {
		n = SnapshotInterval
	}
	atomic.StoreUint64(&f.snapshotInterval, n)
}

// LastAppliedIndex returns the highest Raft log index applied so far, used
// by the read barrier to compare against a read-index.
func (f *FSM) LastAppliedIndex() uint64 {
	return atomic.LoadUint64(&f.lastAppliedIndex)
}

// Apply decodes and applies one committed Raft log entry. Per raft.FSM
// contract, the return value, an error included, is delivered to the waiter
// blocked on the corresponding raft.Raft.Apply future via its Response.
func (f *FSM) Apply(l *raft.Log) interface{} {
	cmd, err := codec.Decode(l.Data)
	if err != nil {
		return fmt.Errorf("fsm: decode log entry %d: %w", l.Index, err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	result := f.applyCommand(cmd)

	f.advanceIndex(l.Index)
	return result
}

func (f *FSM) advanceIndex(index uint64) {
	if index <= atomic.LoadUint64(&f.lastAppliedIndex) {
		return
	}
	atomic.StoreUint64(&f.lastAppliedIndex, index)
	atomic.AddUint64(&f.sinceSnapshot, 1)
}

// applyCommand dispatches a single decoded Command. Called with f.mu held.
func (f *FSM) applyCommand(cmd codec.Command) error {
	switch c := cmd.(type) {
	case codec.SetConfig:
		return f.applySetConfig(c)
	case codec.DeleteConfig:
		return f.applyDeleteConfig(c)
	case codec.SetNamespace:
		return f.applySetNamespace(c)
	case codec.DeleteNamespace:
		return f.applyDeleteNamespace(c)
	case codec.SetConfigBlobRef:
		return f.applySetConfigBlobRef(c)
	case codec.Batch:
		return f.applyBatch(c)
	default:
		return fmt.Errorf("fsm: unknown command type %T", cmd)
	}
}

// applyBatch applies every inner command in order. A per-command error is
// logged and swallowed unless it is a context cancellation: after Raft
// commit every node must apply identical bytes, so a deterministic failure
// is either consistent cluster-wide or a programming bug, and one malformed
// sub-command must not poison the rest of the batch.
func (f *FSM) applyBatch(b codec.Batch) error {
	for i, inner := range b.Commands {
		if err := f.applyCommand(inner); err != nil {
			if isCancellation(err) {
				return err
			}
			log.WithComponent("fsm").Error().Err(err).Int("index", i).Msg("batch sub-command failed, skipping")
		}
	}
	return nil
}

func isCancellation(err error) bool {
	return err == context.Canceled || err == context.DeadlineExceeded
}

// deterministicAuditID derives a stable id from the command's identity so
// re-applying the same committed entry (e.g. after a crash-restart replay)
// upserts the same audit row instead of duplicating it.
func deterministicAuditID(action, ns, key string, ts int64) string {
	h := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%s|%d", action, ns, key, ts)))
	return hex.EncodeToString(h[:16])
}

// Snapshot returns a raft.FSMSnapshot that streams the current store
// contents; Persist is where the bytes actually get written to the sink.
func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	namespaces, entries, audit, err := f.store.DumpAll()
	if err != nil {
		return nil, fmt.Errorf("fsm: dump store for snapshot: %w", err)
	}

	snap := codec.Snapshot{Version: codec.SnapshotVersion}
	for _, n := range namespaces {
		snap.Namespaces = append(snap.Namespaces, codec.NamespaceRow{
			Path: n.Path, Description: n.Description, Owner: n.Owner, CreatedAt: n.CreatedAt,
		})
	}
	for _, e := range entries {
		snap.Entries = append(snap.Entries, codec.EntryRow{
			NS: e.NS, Key: e.Key, Type: e.Type, Value: e.Value, BlobID: e.BlobID,
			Version: e.Version, UpdatedAt: e.UpdatedAt, UpdatedBy: e.UpdatedBy,
		})
	}
	for _, a := range audit {
		snap.Audit = append(snap.Audit, codec.AuditRow{
			ID: a.ID, Action: a.Action, NS: a.NS, Key: a.Key, Actor: a.Actor,
			OldValue: a.OldValue, NewValue: a.NewValue, TS: a.TS,
		})
	}

	atomic.StoreUint64(&f.sinceSnapshot, 0)
	return &fsmSnapshot{snap: snap}, nil
}

// NeedsSnapshot reports whether SnapshotInterval applied entries have
// accumulated since the last snapshot; callers (typically a periodic
// goroutine in node bootstrap) use this to decide when to call
// raft.Raft.Snapshot().
func (f *FSM) NeedsSnapshot() bool {
	return atomic.LoadUint64(&f.sinceSnapshot) >= atomic.LoadUint64(&f.snapshotInterval)
}

// Restore replaces the store's contents with the snapshot read from rc.
func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	snap, err := codec.ReadSnapshot(rc)
	if err != nil {
		return fmt.Errorf("fsm: read snapshot: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	namespaces := make([]*store.Namespace, 0, len(snap.Namespaces))
	for _, n := range snap.Namespaces {
		namespaces = append(namespaces, &store.Namespace{
			Path: n.Path, Description: n.Description, Owner: n.Owner, CreatedAt: n.CreatedAt,
		})
	}
	entries := make([]*store.ConfigEntry, 0, len(snap.Entries))
	for _, e := range snap.Entries {
		entries = append(entries, &store.ConfigEntry{
			NS: e.NS, Key: e.Key, Type: e.Type, Value: e.Value, BlobID: e.BlobID,
			Version: e.Version, UpdatedAt: e.UpdatedAt, UpdatedBy: e.UpdatedBy,
		})
	}
	audit := make([]*store.AuditEvent, 0, len(snap.Audit))
	for _, a := range snap.Audit {
		audit = append(audit, &store.AuditEvent{
			ID: a.ID, Action: a.Action, NS: a.NS, Key: a.Key, Actor: a.Actor,
			OldValue: a.OldValue, NewValue: a.NewValue, TS: a.TS,
		})
	}

	return f.store.RestoreFromSnapshot(namespaces, entries, audit)
}

// fsmSnapshot adapts a materialized codec.Snapshot to raft.FSMSnapshot.
type fsmSnapshot struct {
	snap codec.Snapshot
}

// Persist streams the snapshot's LZ4-framed JSON directly into sink.
func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	if err := codec.WriteSnapshot(sink, s.snap); err != nil {
		_ = sink.Cancel()
		return err
	}
	return sink.Close()
}

// Release is a no-op; the snapshot holds no external resources.
func (s *fsmSnapshot) Release() {}
