// Package confctl is a thin HTTP client over the node's API surface (C10),
// used by cmd/confmanctl. Grounded on the teacher's pkg/client, generalized
// from Warren's gRPC+mTLS transport to confman's plain HTTP+bearer-token
// surface: no certificates to provision, so there's no NewClientWithToken
// enrollment step — a client is just a base URL and an optional token.
package confctl

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Client talks to one confman node's HTTP API. Writes issued against a
// follower are transparently redirected to the leader by the server; the
// standard library's http.Client follows 307 redirects while preserving
// method and body, so callers never need to resolve the leader themselves.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// New builds a Client against a node's advertised HTTP endpoint.
func New(baseURL, token string) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// ConfigEntry mirrors the wire shape of pkg/httpapi's configEntryView.
type ConfigEntry struct {
	NS        string    `json:"ns"`
	Key       string    `json:"key"`
	Type      string    `json:"type"`
	Value     string    `json:"value"`
	Version   uint64    `json:"version"`
	UpdatedAt time.Time `json:"updatedAt"`
	UpdatedBy string    `json:"updatedBy"`
}

// Namespace mirrors the wire shape of pkg/store.Namespace.
type Namespace struct {
	Path        string    `json:"path"`
	Description string    `json:"description"`
	Owner       string    `json:"owner"`
	CreatedAt   time.Time `json:"createdAt"`
}

// AuditEvent mirrors the wire shape of pkg/store.AuditEvent.
type AuditEvent struct {
	NS        string    `json:"ns"`
	Key       string    `json:"key"`
	Action    string    `json:"action"`
	Author    string    `json:"actor"`
	Timestamp time.Time `json:"ts"`
}

// Get fetches one config entry.
func (c *Client) Get(ns, key string) (*ConfigEntry, error) {
	var entry ConfigEntry
	if err := c.do("GET", fmt.Sprintf("/api/v1/namespaces/%s/config/%s", url.PathEscape(ns), url.PathEscape(key)), "", nil, &entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

// List fetches every config entry in a namespace.
func (c *Client) List(ns string) ([]ConfigEntry, error) {
	var entries []ConfigEntry
	if err := c.do("GET", fmt.Sprintf("/api/v1/namespaces/%s/config", url.PathEscape(ns)), "", nil, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// Set writes a config entry.
func (c *Client) Set(ns, key, value, typ, author string) (*ConfigEntry, error) {
	body, _ := json.Marshal(struct {
		Value string `json:"value"`
		Type  string `json:"type"`
	}{Value: value, Type: typ})

	var entry ConfigEntry
	if err := c.do("PUT", fmt.Sprintf("/api/v1/namespaces/%s/config/%s", url.PathEscape(ns), url.PathEscape(key)), author, body, &entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

// Delete removes a config entry.
func (c *Client) Delete(ns, key, author string) error {
	return c.do("DELETE", fmt.Sprintf("/api/v1/namespaces/%s/config/%s", url.PathEscape(ns), url.PathEscape(key)), author, nil, nil)
}

// SetNamespace creates or updates a namespace.
func (c *Client) SetNamespace(ns, description, owner, author string) error {
	body, _ := json.Marshal(struct {
		Description string `json:"description"`
		Owner       string `json:"owner"`
	}{Description: description, Owner: owner})
	return c.do("PUT", fmt.Sprintf("/api/v1/namespaces/%s", url.PathEscape(ns)), author, body, nil)
}

// GetNamespace fetches one namespace's metadata.
func (c *Client) GetNamespace(ns string) (*Namespace, error) {
	var namespace Namespace
	if err := c.do("GET", fmt.Sprintf("/api/v1/namespaces/%s", url.PathEscape(ns)), "", nil, &namespace); err != nil {
		return nil, err
	}
	return &namespace, nil
}

// ListNamespaces fetches every namespace.
func (c *Client) ListNamespaces() ([]Namespace, error) {
	var namespaces []Namespace
	if err := c.do("GET", "/api/v1/namespaces", "", nil, &namespaces); err != nil {
		return nil, err
	}
	return namespaces, nil
}

// DeleteNamespace removes a namespace and every entry under it.
func (c *Client) DeleteNamespace(ns, author string) error {
	return c.do("DELETE", fmt.Sprintf("/api/v1/namespaces/%s", url.PathEscape(ns)), author, nil, nil)
}

// Audit fetches the most recent audit events for a namespace.
func (c *Client) Audit(ns string, limit int) ([]AuditEvent, error) {
	var events []AuditEvent
	path := fmt.Sprintf("/api/v1/namespaces/%s/audit", url.PathEscape(ns))
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	if err := c.do("GET", path, "", nil, &events); err != nil {
		return nil, err
	}
	return events, nil
}

// ReadyStatus mirrors the wire shape of the /health/ready response. The
// server signals readiness through the HTTP status code (200 vs. 503)
// rather than a body field, so Ready is derived from that, not decoded.
type ReadyStatus struct {
	Ready       bool
	Role        string `json:"role"`
	LeaderKnown bool   `json:"leaderKnown"`
	LeaderAddr  string `json:"leader"`
	Term        uint64 `json:"term"`
}

// Ready fetches the node's readiness status. Unlike do's other callers, a
// non-2xx response here (503, while the node isn't yet ready) is a valid
// answer rather than an error.
func (c *Client) Ready() (*ReadyStatus, error) {
	req, err := http.NewRequest("GET", c.baseURL+"/health/ready", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var status ReadyStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, err
	}
	status.Ready = resp.StatusCode == http.StatusOK
	return &status, nil
}

func (c *Client) do(method, path, author string, body []byte, out interface{}) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequest(method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if author != "" {
		req.Header.Set("X-Confman-Author", author)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%s %s: %s: %s", method, path, resp.Status, string(msg))
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
