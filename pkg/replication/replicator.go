// Package replication pushes a blob from the leader to followers with
// durability-quorum semantics (C4), fanning out concurrent PUTs and
// detaching the remainder to the background once quorum is reached.
package replication

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ancrist/confman/pkg/blob"
	"github.com/ancrist/confman/pkg/cluster"
	"github.com/ancrist/confman/pkg/confmanerr"
	"github.com/ancrist/confman/pkg/log"
	"github.com/ancrist/confman/pkg/metrics"
	"github.com/ancrist/confman/pkg/peerclient"
)

// QuorumDeadline is the default wait for a replication call before it fails
// with BlobReplicationTimeout.
const QuorumDeadline = 10 * time.Second

// Replicator pushes locally-stored blobs to peers.
type Replicator struct {
	store      *blob.Store
	view       func() cluster.View
	client     *peerclient.Client
	bg         context.Context
	bgCancel   context.CancelFunc
}

// New builds a Replicator. view is called fresh on every Replicate so
// membership changes (if ever allowed) are picked up; bg is a
// process-lifetime context that detached background pushes inherit instead
// of the caller's.
func New(store *blob.Store, view func() cluster.View, client *peerclient.Client) *Replicator {
	bgCtx, cancel := context.WithCancel(context.Background())
	return &Replicator{store: store, view: view, client: client, bg: bgCtx, bgCancel: cancel}
}

// Close cancels any in-flight background pushes; called on process shutdown.
func (r *Replicator) Close() { r.bgCancel() }

// Replicate pushes blobID to every peer, returning once a durability
// quorum (excluding self, which already has it) acknowledges, or failing
// fast if quorum is unreachable, or timing out after QuorumDeadline.
func (r *Replicator) Replicate(ctx context.Context, blobID string) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.BlobReplicationDuration)

	view := r.view()
	peers := view.Peers()
	if len(peers) == 0 {
		return nil
	}

	required := view.Quorum() - 1
	if required <= 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, QuorumDeadline)
	defer cancel()

	var acks int64
	remaining := int64(len(peers))
	done := make(chan struct{})
	var once sync.Once

	for _, peer := range peers {
		peer := peer
		go func() {
			err := r.pushOne(r.bg, peer, blobID)
			if err != nil {
				log.WithBlobID(blobID).Warn().Err(err).Str("peer", peer).Msg("blob push to peer failed")
			} else {
				atomic.AddInt64(&acks, 1)
			}
			newRemaining := atomic.AddInt64(&remaining, -1)

			gotAcks := int(atomic.LoadInt64(&acks))
			if gotAcks >= required {
				once.Do(func() { close(done) })
				return
			}
			if gotAcks+int(newRemaining) < required {
				once.Do(func() { close(done) })
			}
		}()
	}

	select {
	case <-done:
		if int(atomic.LoadInt64(&acks)) >= required {
			return nil
		}
		metrics.BlobReplicationFailuresTotal.Inc()
		return confmanerr.New(confmanerr.KindBlobReplicationFailed,
			fmt.Sprintf("only %d/%d required acks reachable for blob %s", atomic.LoadInt64(&acks), required, blobID))
	case <-ctx.Done():
		metrics.BlobReplicationFailuresTotal.Inc()
		return confmanerr.New(confmanerr.KindBlobReplicationTimeout,
			fmt.Sprintf("quorum wait for blob %s exceeded %s", blobID, QuorumDeadline))
	}
}

func (r *Replicator) pushOne(ctx context.Context, peer, blobID string) error {
	f, err := r.store.OpenRead(blobID)
	if err != nil {
		return err
	}
	defer f.Close()

	length := int64(-1)
	if info, err := os.Stat(r.store.CompressedPath(blobID)); err == nil {
		length = info.Size()
	}

	return r.client.PutBlob(ctx, peer, blobID, f, length)
}
