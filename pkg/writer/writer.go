// Package writer is the single entry point for client writes (C6): it
// selects the inline or blob-backed path by value size, drives the blob
// store and replicator for the latter, and hands the resulting command to
// the batching replicator.
package writer

import (
	"context"
	"io"
	"strings"
	"time"

	"github.com/ancrist/confman/pkg/codec"
	"github.com/ancrist/confman/pkg/confmanerr"
	"github.com/ancrist/confman/pkg/log"
)

// DefaultInlineThresholdBytes is the utf8-byte-length cutover point between
// the inline and blob-backed write paths.
const DefaultInlineThresholdBytes = 65536

// batchReplicator is the subset of pkg/batch.Replicator the writer needs.
type batchReplicator interface {
	Replicate(ctx context.Context, cmd codec.Command) bool
}

// blobStore is the subset of pkg/blob.Store the blob write path needs.
type blobStore interface {
	PutFromStream(src io.Reader) (string, error)
}

// blobReplicator is the subset of pkg/replication.Replicator the blob write
// path needs.
type blobReplicator interface {
	Replicate(ctx context.Context, blobID string) error
}

// Result is what a write call reports back to the HTTP surface.
type Result struct {
	Success   bool
	Timestamp time.Time
	Error     error
}

// Config tunes the inline/blob path selection.
type Config struct {
	InlineThresholdBytes int
	BlobWritesEnabled    bool
}

func (c Config) withDefaults() Config {
	if c.InlineThresholdBytes <= 0 {
		c.InlineThresholdBytes = DefaultInlineThresholdBytes
	}
	return c
}

// Writer orchestrates a single config write.
type Writer struct {
	cfg       Config
	blobs     blobStore
	blobRepl  blobReplicator
	batch     batchReplicator
}

// New builds a Writer.
func New(blobs blobStore, blobRepl blobReplicator, batch batchReplicator, cfg Config) *Writer {
	return &Writer{cfg: cfg.withDefaults(), blobs: blobs, blobRepl: blobRepl, batch: batch}
}

// Write commits a (ns,key,value) mutation, choosing the inline or blob path
// by value size.
func (w *Writer) Write(ctx context.Context, ns, key, value, typ, author string) Result {
	now := time.Now().UTC()

	if !w.cfg.BlobWritesEnabled || len(value) < w.cfg.InlineThresholdBytes {
		ok := w.batch.Replicate(ctx, codec.SetConfig{NS: ns, Key: key, Value: value, Type: typ, Author: author, TS: now})
		return Result{Success: ok, Timestamp: now}
	}

	blobID, err := w.blobs.PutFromStream(strings.NewReader(value))
	if err != nil {
		wrapped := confmanerr.Wrap(confmanerr.KindReplicationFailed, "failed to store blob locally", err)
		log.WithNamespace(ns).Warn().Err(wrapped).Str("kind", string(confmanerr.KindOf(wrapped))).
			Str("key", key).Msg("failed to store blob locally")
		return Result{Error: wrapped}
	}

	if err := w.blobRepl.Replicate(ctx, blobID); err != nil {
		// The local blob is a harmless ghost: content-addressed, immutable,
		// reusable by a later write of identical content.
		log.WithNamespace(ns).Warn().Err(err).Str("kind", string(confmanerr.KindOf(err))).
			Str("key", key).Str("blobId", blobID).Msg("blob quorum replication failed, write rejected")
		return Result{Error: err}
	}

	ok := w.batch.Replicate(ctx, codec.SetConfigBlobRef{NS: ns, Key: key, BlobID: blobID, Type: typ, Author: author, TS: now})
	return Result{Success: ok, Timestamp: now}
}

// Delete removes a config entry.
func (w *Writer) Delete(ctx context.Context, ns, key, author string) Result {
	now := time.Now().UTC()
	ok := w.batch.Replicate(ctx, codec.DeleteConfig{NS: ns, Key: key, Author: author, TS: now})
	return Result{Success: ok, Timestamp: now}
}

// SetNamespace creates or updates a namespace.
func (w *Writer) SetNamespace(ctx context.Context, path, description, owner, author string) Result {
	now := time.Now().UTC()
	ok := w.batch.Replicate(ctx, codec.SetNamespace{Path: path, Description: description, Owner: owner, Author: author, TS: now})
	return Result{Success: ok, Timestamp: now}
}

// DeleteNamespace deletes a namespace, cascading to its entries.
func (w *Writer) DeleteNamespace(ctx context.Context, path, author string) Result {
	now := time.Now().UTC()
	ok := w.batch.Replicate(ctx, codec.DeleteNamespace{Path: path, Author: author, TS: now})
	return Result{Success: ok, Timestamp: now}
}
