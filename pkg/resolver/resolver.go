// Package resolver materializes a ConfigEntry's value, fetching blob-backed
// content from peers on a cold local miss. Per-blobId gating avoids a
// thundering herd of identical peer fetches when several readers race on the
// same missing blob.
package resolver

import (
	"context"
	"fmt"
	"sync"

	"github.com/ancrist/confman/pkg/blob"
	"github.com/ancrist/confman/pkg/cluster"
	"github.com/ancrist/confman/pkg/confmanerr"
	"github.com/ancrist/confman/pkg/log"
	"github.com/ancrist/confman/pkg/metrics"
	"github.com/ancrist/confman/pkg/peerclient"
	"github.com/ancrist/confman/pkg/store"
)

// Resolver turns a store.ConfigEntry into its concrete value.
type Resolver struct {
	blobs  *blob.Store
	view   func() cluster.View
	client *peerclient.Client

	gates sync.Map // blobId -> *sync.Mutex
}

// New builds a Resolver.
func New(blobs *blob.Store, view func() cluster.View, client *peerclient.Client) *Resolver {
	return &Resolver{blobs: blobs, view: view, client: client}
}

// Resolve returns entry's value, fetching it from a peer if it is
// blob-backed and not yet present locally.
func (r *Resolver) Resolve(ctx context.Context, entry store.ConfigEntry) (string, error) {
	if !entry.IsBlobBacked() {
		return entry.Value, nil
	}

	if v, ok, err := r.blobs.Read(entry.BlobID); err != nil {
		return "", err
	} else if ok {
		return v, nil
	}

	gate := r.gateFor(entry.BlobID)
	gate.Lock()
	defer gate.Unlock()

	if v, ok, err := r.blobs.Read(entry.BlobID); err != nil {
		return "", err
	} else if ok {
		return v, nil
	}

	return r.fetchFromPeers(ctx, entry.BlobID)
}

// gateFor returns the mutex serializing fetches of blobID, creating one on
// first use. Gates are never removed: other goroutines may be blocked
// waiting on the one returned to an earlier caller, and the memory cost of
// one mutex per ever-seen blobId is negligible next to the blob itself.
func (r *Resolver) gateFor(blobID string) *sync.Mutex {
	v, _ := r.gates.LoadOrStore(blobID, &sync.Mutex{})
	return v.(*sync.Mutex)
}

func (r *Resolver) fetchFromPeers(ctx context.Context, blobID string) (string, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.BlobResolveDuration)

	view := r.view()
	for _, peer := range view.Peers() {
		body, err := r.client.GetBlob(ctx, peer, blobID)
		if err != nil {
			log.WithBlobID(blobID).Warn().Err(err).Str("peer", peer).Msg("blob fetch from peer failed")
			continue
		}
		if body == nil {
			continue
		}

		putErr := func() error {
			defer body.Close()
			return r.blobs.PutCompressed(blobID, body, -1)
		}()
		if putErr != nil {
			log.WithBlobID(blobID).Warn().Err(putErr).Str("peer", peer).Msg("blob received from peer failed validation")
			continue
		}

		v, ok, err := r.blobs.Read(blobID)
		if err != nil {
			return "", err
		}
		if ok {
			return v, nil
		}
	}

	return "", confmanerr.New(confmanerr.KindBlobUnavailable,
		fmt.Sprintf("blob %s unavailable from local store and %d peers", blobID, len(view.Peers())))
}
