package codec

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/pierrec/lz4/v4"
)

// SnapshotVersion is the only envelope version this build understands.
// Restoring a snapshot tagged with any other version is a hard failure.
const SnapshotVersion = 1

// NamespaceRow, EntryRow and AuditRow are the flat, storage-agnostic shapes
// the snapshot envelope carries; they mirror the applied store's rows so
// DumpAll/RestoreFromSnapshot need no translation layer.
type NamespaceRow struct {
	Path        string    `json:"path"`
	Description string    `json:"description,omitempty"`
	Owner       string    `json:"owner"`
	CreatedAt   time.Time `json:"createdAt"`
}

type EntryRow struct {
	NS        string    `json:"ns"`
	Key       string    `json:"key"`
	Type      string    `json:"type"`
	Value     string    `json:"value,omitempty"`
	BlobID    string    `json:"blobId,omitempty"`
	Version   uint64    `json:"version"`
	UpdatedAt time.Time `json:"updatedAt"`
	UpdatedBy string    `json:"updatedBy"`
}

type AuditRow struct {
	ID       string    `json:"id"`
	Action   string    `json:"action"`
	NS       string    `json:"ns"`
	Key      string    `json:"key,omitempty"`
	Actor    string    `json:"actor"`
	OldValue string    `json:"oldValue,omitempty"`
	NewValue string    `json:"newValue,omitempty"`
	TS       time.Time `json:"ts"`
}

// Snapshot is the self-contained, versioned dump of the applied store.
type Snapshot struct {
	Version    int            `json:"version"`
	Namespaces []NamespaceRow `json:"namespaces"`
	Entries    []EntryRow     `json:"entries"`
	Audit      []AuditRow     `json:"audit"`
}

// WriteSnapshot streams snap as JSON inside an LZ4 frame directly into w,
// so the caller (the state machine's Snapshot()) never materializes the
// full encoded snapshot in memory.
func WriteSnapshot(w io.Writer, snap Snapshot) error {
	lzw := lz4.NewWriter(w)
	enc := json.NewEncoder(lzw)
	if err := enc.Encode(snap); err != nil {
		_ = lzw.Close()
		return fmt.Errorf("codec: encode snapshot: %w", err)
	}
	return lzw.Close()
}

// ReadSnapshot reads an LZ4-framed JSON snapshot from r and validates its
// version. An unrecognized version is a hard restore failure.
func ReadSnapshot(r io.Reader) (Snapshot, error) {
	lzr := lz4.NewReader(r)
	dec := json.NewDecoder(lzr)
	var snap Snapshot
	if err := dec.Decode(&snap); err != nil {
		return Snapshot{}, fmt.Errorf("codec: decode snapshot: %w", err)
	}
	if snap.Version != SnapshotVersion {
		return Snapshot{}, fmt.Errorf("codec: unsupported snapshot version %d", snap.Version)
	}
	return snap, nil
}
