package resolver

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ancrist/confman/pkg/blob"
	"github.com/ancrist/confman/pkg/cluster"
	"github.com/ancrist/confman/pkg/peerclient"
	"github.com/ancrist/confman/pkg/store"
)

func newTestBlobStore(t *testing.T) *blob.Store {
	t.Helper()
	s, err := blob.Open(t.TempDir(), blob.Config{MaxBlobSizeBytes: 1 << 20, MaxDecompressedSizeBytes: 1 << 20})
	require.NoError(t, err)
	return s
}

func TestResolveInlineReturnsValueDirectly(t *testing.T) {
	r := New(newTestBlobStore(t), func() cluster.View { return cluster.View{} }, peerclient.New("tok"))
	entry := store.ConfigEntry{Value: "plain"}

	v, err := r.Resolve(context.Background(), entry)
	require.NoError(t, err)
	assert.Equal(t, "plain", v)
}

func TestResolveBlobBackedLocalHit(t *testing.T) {
	bs := newTestBlobStore(t)
	blobID, err := bs.PutFromStream(bytes.NewReader([]byte("local content")))
	require.NoError(t, err)

	r := New(bs, func() cluster.View { return cluster.View{} }, peerclient.New("tok"))
	v, err := r.Resolve(context.Background(), store.ConfigEntry{BlobID: blobID})
	require.NoError(t, err)
	assert.Equal(t, "local content", v)
}

func TestResolveBlobBackedFetchesFromPeer(t *testing.T) {
	peerBlobs := newTestBlobStore(t)
	peerBlobID, err := peerBlobs.PutFromStream(bytes.NewReader([]byte("peer content")))
	require.NoError(t, err)

	var hits int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		atomic.AddInt64(&hits, 1)
		f, err := peerBlobs.OpenRead(peerBlobID)
		require.NoError(t, err)
		defer f.Close()
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(mustReadAll(t, f))
	}))
	defer server.Close()

	localBlobs := newTestBlobStore(t)
	view := cluster.View{Self: "self", Members: []string{"self", server.URL}}
	r := New(localBlobs, func() cluster.View { return view }, peerclient.New("tok"))

	v, err := r.Resolve(context.Background(), store.ConfigEntry{BlobID: peerBlobID})
	require.NoError(t, err)
	assert.Equal(t, "peer content", v)
	assert.True(t, localBlobs.Exists(peerBlobID))
}

func TestResolveReturnsUnavailableWhenNoPeerHasIt(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	localBlobs := newTestBlobStore(t)
	view := cluster.View{Self: "self", Members: []string{"self", server.URL}}
	r := New(localBlobs, func() cluster.View { return view }, peerclient.New("tok"))

	missingID := "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcd"
	_, err := r.Resolve(context.Background(), store.ConfigEntry{BlobID: missingID})
	assert.Error(t, err)
}

func TestResolveConcurrentMissDedupesViaGate(t *testing.T) {
	peerBlobs := newTestBlobStore(t)
	peerBlobID, err := peerBlobs.PutFromStream(bytes.NewReader([]byte("shared content")))
	require.NoError(t, err)

	var hits int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		atomic.AddInt64(&hits, 1)
		time.Sleep(10 * time.Millisecond)
		f, err := peerBlobs.OpenRead(peerBlobID)
		require.NoError(t, err)
		defer f.Close()
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(mustReadAll(t, f))
	}))
	defer server.Close()

	localBlobs := newTestBlobStore(t)
	view := cluster.View{Self: "self", Members: []string{"self", server.URL}}
	r := New(localBlobs, func() cluster.View { return view }, peerclient.New("tok"))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := r.Resolve(context.Background(), store.ConfigEntry{BlobID: peerBlobID})
			assert.NoError(t, err)
			assert.Equal(t, "shared content", v)
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), atomic.LoadInt64(&hits))
}

func mustReadAll(t *testing.T, r interface{ Read([]byte) (int, error) }) []byte {
	t.Helper()
	var buf bytes.Buffer
	tmp := make([]byte, 4096)
	for {
		n, err := r.Read(tmp)
		if n > 0 {
			buf.Write(tmp[:n])
		}
		if err != nil {
			break
		}
	}
	return buf.Bytes()
}
