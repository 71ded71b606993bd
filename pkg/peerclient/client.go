// Package peerclient is the internal HTTP client the blob replicator, blob
// resolver, and read barrier use to talk to other cluster nodes. Styled
// after the teacher's pkg/health.HTTPChecker: a small struct with sane
// defaults and a context-aware Do-style call per concern.
package peerclient

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Client calls another node's internal, token-gated HTTP routes.
type Client struct {
	token      string
	httpClient *http.Client
}

// New builds a Client with the given cluster token and a default transport
// timeout; per-call deadlines are applied via context.
func New(token string) *Client {
	return &Client{
		token: token,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

func (c *Client) authorize(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+c.token)
}

// PutBlob streams an already-compressed blob to peerAddr. Per spec, a 204
// means the peer already had it — both 200/201/204 count as a successful
// ack.
func (c *Client) PutBlob(ctx context.Context, peerAddr, blobID string, body io.Reader, length int64) error {
	url := fmt.Sprintf("%s/internal/blobs/%s", peerAddr, blobID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, body)
	if err != nil {
		return fmt.Errorf("peerclient: build put request: %w", err)
	}
	req.ContentLength = length
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("peerclient: put blob to %s: %w", peerAddr, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated, http.StatusNoContent:
		return nil
	default:
		return fmt.Errorf("peerclient: peer %s rejected blob push: status %d", peerAddr, resp.StatusCode)
	}
}

// GetBlob fetches a compressed blob from peerAddr. Returns (nil, nil) if the
// peer responds 404.
func (c *Client) GetBlob(ctx context.Context, peerAddr, blobID string) (io.ReadCloser, error) {
	url := fmt.Sprintf("%s/internal/blobs/%s", peerAddr, blobID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("peerclient: build get request: %w", err)
	}
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("peerclient: get blob from %s: %w", peerAddr, err)
	}
	if resp.StatusCode == http.StatusNotFound {
		resp.Body.Close()
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("peerclient: peer %s returned status %d for blob %s", peerAddr, resp.StatusCode, blobID)
	}
	return resp.Body, nil
}

// CommitIndex asks leaderAddr for its current Raft commit index, used by a
// follower's read barrier to compute the read index it must catch up to.
func (c *Client) CommitIndex(ctx context.Context, leaderAddr string) (uint64, error) {
	url := leaderAddr + "/internal/raft/commit-index"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, fmt.Errorf("peerclient: build commit-index request: %w", err)
	}
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("peerclient: commit-index from %s: %w", leaderAddr, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("peerclient: leader %s returned status %d for commit-index", leaderAddr, resp.StatusCode)
	}

	var index uint64
	if _, err := fmt.Fscan(resp.Body, &index); err != nil {
		return 0, fmt.Errorf("peerclient: parse commit-index: %w", err)
	}
	return index, nil
}
