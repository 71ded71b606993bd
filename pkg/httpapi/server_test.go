package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/hashicorp/raft"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ancrist/confman/pkg/blob"
	"github.com/ancrist/confman/pkg/cluster"
	"github.com/ancrist/confman/pkg/codec"
	"github.com/ancrist/confman/pkg/fsm"
	"github.com/ancrist/confman/pkg/peerclient"
	"github.com/ancrist/confman/pkg/resolver"
	"github.com/ancrist/confman/pkg/store"
	"github.com/ancrist/confman/pkg/writer"
)

type fakeLeader struct {
	isLeader bool
	uri      string
}

func (f *fakeLeader) IsLeader() bool    { return f.isLeader }
func (f *fakeLeader) LeaderURI() string { return f.uri }

// applyingBatch stands in for the batching replicator by applying each
// command straight to a state machine over the test store, so a write the
// handler reports as committed is visible to later reads.
type applyingBatch struct {
	fsm   *fsm.FSM
	index uint64
}

func (b *applyingBatch) Replicate(ctx context.Context, cmd codec.Command) bool {
	data, err := codec.Encode(cmd)
	if err != nil {
		return false
	}
	b.index++
	return b.fsm.Apply(&raft.Log{Index: b.index, Data: data}) == nil
}

type noopBlobRepl struct{}

func (noopBlobRepl) Replicate(ctx context.Context, blobID string) error { return nil }

func newTestServer(t *testing.T, isLeader bool) (*Server, store.Store, *blob.Store) {
	t.Helper()
	s, err := store.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	blobs, err := blob.Open(t.TempDir(), blob.Config{MaxBlobSizeBytes: 1 << 20, MaxDecompressedSizeBytes: 1 << 20})
	require.NoError(t, err)

	res := resolver.New(blobs, func() cluster.View { return cluster.View{} }, peerclient.New("tok"))
	w := writer.New(blobs, noopBlobRepl{}, &applyingBatch{fsm: fsm.New(s)}, writer.Config{})

	srv := New(Deps{
		Store: s, Writer: w, Resolver: res, Blobs: blobs,
		Leader: &fakeLeader{isLeader: isLeader}, Token: "secret-token",
	})
	return srv, s, blobs
}

func TestPutConfigThenGetConfig(t *testing.T) {
	srv, _, _ := newTestServer(t, true)

	body, _ := json.Marshal(map[string]string{"value": "v1", "type": "string"})
	req := httptest.NewRequest(http.MethodPut, "/api/v1/namespaces/ns1/config/k1", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	req2 := httptest.NewRequest(http.MethodGet, "/api/v1/namespaces/ns1/config/k1", nil)
	rec2 := httptest.NewRecorder()
	srv.ServeHTTP(rec2, req2)
	require.Equal(t, http.StatusOK, rec2.Code)
	assert.Contains(t, rec2.Body.String(), "v1")
}

func TestPutConfigNotLeaderRedirects(t *testing.T) {
	srv, _, _ := newTestServer(t, false)
	srv.leader = &fakeLeader{isLeader: false, uri: "http://leader:8080"}

	body, _ := json.Marshal(map[string]string{"value": "v1"})
	req := httptest.NewRequest(http.MethodPut, "/api/v1/namespaces/ns1/config/k1", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusTemporaryRedirect, rec.Code)
	assert.Contains(t, rec.Header().Get("Location"), "leader:8080")
}

func TestPutConfigNoLeaderReturns503(t *testing.T) {
	srv, _, _ := newTestServer(t, false)
	srv.leader = &fakeLeader{isLeader: false, uri: ""}

	body, _ := json.Marshal(map[string]string{"value": "v1"})
	req := httptest.NewRequest(http.MethodPut, "/api/v1/namespaces/ns1/config/k1", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
}

func TestGetConfigMissingReturns404(t *testing.T) {
	srv, _, _ := newTestServer(t, true)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/namespaces/ns1/config/missing", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDeleteNamespaceCascades(t *testing.T) {
	srv, s, _ := newTestServer(t, true)

	nsBody, _ := json.Marshal(map[string]string{"owner": "alice"})
	nsReq := httptest.NewRequest(http.MethodPut, "/api/v1/namespaces/ns1", bytes.NewReader(nsBody))
	nsRec := httptest.NewRecorder()
	srv.ServeHTTP(nsRec, nsReq)
	require.Equal(t, http.StatusOK, nsRec.Code)

	_, err := s.Set(store.ConfigEntry{NS: "ns1", Key: "k1", Value: "v1"})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodDelete, "/api/v1/namespaces/ns1", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	entries, err := s.List("ns1")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestInternalBlobRoutesRequireToken(t *testing.T) {
	srv, _, _ := newTestServer(t, true)

	req := httptest.NewRequest(http.MethodGet, "/internal/blobs/"+strings.Repeat("a", 64), nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestInternalGetBlobMissingReturns404(t *testing.T) {
	srv, _, _ := newTestServer(t, true)
	blobID := strings.Repeat("b", 64)

	req := httptest.NewRequest(http.MethodGet, "/internal/blobs/"+blobID, nil)
	req.Header.Set("Authorization", "Bearer secret-token")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestInternalGetBlobServesStoredBlob(t *testing.T) {
	srv, _, blobs := newTestServer(t, true)

	blobID, err := blobs.PutFromStream(strings.NewReader("hello world"))
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/internal/blobs/"+blobID, nil)
	req.Header.Set("Authorization", "Bearer secret-token")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Body.Bytes())
}

func TestHealthAlwaysOK(t *testing.T) {
	srv, _, _ := newTestServer(t, true)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestReadyReflectsReadyFn(t *testing.T) {
	srv, _, _ := newTestServer(t, true)
	srv.readyFn = func() (bool, string, bool, string, uint64) { return false, "follower", false, "", 0 }

	req := httptest.NewRequest(http.MethodGet, "/health/ready", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
