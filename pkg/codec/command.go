// Package codec defines the command set applied by the state machine and the
// compact, LZ4-compressed binary encoding used to put those commands (and
// snapshots) on the Raft log and on disk.
package codec

import "time"

// Command is the tagged-union of every mutation the state machine accepts.
// Concrete types are plain structs so json.Marshal/Unmarshal work without
// reflection tricks; Batch is handled separately by the encoder because its
// payload is itself a list of Commands.
type Command interface {
	tag() byte
}

const (
	tagSetConfig         byte = 1
	tagDeleteConfig      byte = 2
	tagSetNamespace      byte = 3
	tagDeleteNamespace   byte = 4
	tagSetConfigBlobRef  byte = 5
	tagBatch             byte = 6
)

// SetConfig sets an inline-valued config entry.
type SetConfig struct {
	NS     string    `json:"ns"`
	Key    string    `json:"key"`
	Value  string    `json:"value"`
	Type   string    `json:"type"`
	Author string    `json:"author"`
	TS     time.Time `json:"ts"`
}

func (SetConfig) tag() byte { return tagSetConfig }

// DeleteConfig removes a config entry.
type DeleteConfig struct {
	NS     string    `json:"ns"`
	Key    string    `json:"key"`
	Author string    `json:"author"`
	TS     time.Time `json:"ts"`
}

func (DeleteConfig) tag() byte { return tagDeleteConfig }

// SetNamespace creates or updates a namespace.
type SetNamespace struct {
	Path        string    `json:"path"`
	Description string    `json:"description,omitempty"`
	Owner       string    `json:"owner"`
	Author      string    `json:"author"`
	TS          time.Time `json:"ts"`
}

func (SetNamespace) tag() byte { return tagSetNamespace }

// DeleteNamespace deletes a namespace and cascades to its entries.
type DeleteNamespace struct {
	Path   string    `json:"path"`
	Author string    `json:"author"`
	TS     time.Time `json:"ts"`
}

func (DeleteNamespace) tag() byte { return tagDeleteNamespace }

// SetConfigBlobRef sets a blob-backed config entry; the blob itself must
// already be durable on a quorum of nodes before this command is submitted.
type SetConfigBlobRef struct {
	NS     string    `json:"ns"`
	Key    string    `json:"key"`
	BlobID string    `json:"blobId"`
	Type   string    `json:"type"`
	Author string    `json:"author"`
	TS     time.Time `json:"ts"`
}

func (SetConfigBlobRef) tag() byte { return tagSetConfigBlobRef }

// Batch wraps an ordered list of commands carried by one Raft log entry.
// Inner commands are applied one by one in enqueue order; last write wins if
// two touch the same (ns,key). A failing inner command does not roll back
// the ones applied before it.
type Batch struct {
	Commands []Command `json:"-"`
}

func (Batch) tag() byte { return tagBatch }
