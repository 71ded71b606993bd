// Package httpapi is the HTTP surface for the core (C10): built on
// net/http's method+pattern mux (Go 1.22+ stdlib routing), following the
// teacher's pkg/api.HealthServer pattern of a small struct wrapping one
// *http.ServeMux, generalized from Warren's gRPC-fronted health-only surface
// to the full confman read/write/admin surface. Matches the teacher's
// preference for direct, dependency-light transport wiring over the gRPC
// stack it could not carry forward (nothing here needs bidirectional
// streaming or cross-language codegen).
package httpapi

import (
	"crypto/subtle"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/ancrist/confman/pkg/barrier"
	"github.com/ancrist/confman/pkg/blob"
	"github.com/ancrist/confman/pkg/confmanerr"
	"github.com/ancrist/confman/pkg/log"
	"github.com/ancrist/confman/pkg/metrics"
	"github.com/ancrist/confman/pkg/resolver"
	"github.com/ancrist/confman/pkg/store"
	"github.com/ancrist/confman/pkg/writer"
)

// MaxBlobUploadBytes bounds an internal blob PUT body even when
// Content-Length is missing or spoofed.
const MaxBlobUploadBytes = 256 << 20

// leaderInfo is the subset of pkg/batch.Replicator the HTTP surface needs
// for redirect/no-leader semantics.
type leaderInfo interface {
	IsLeader() bool
	LeaderURI() string
}

// Server is the full confman HTTP surface.
type Server struct {
	mux *http.ServeMux

	store     store.Store
	writer    *writer.Writer
	resolver  *resolver.Resolver
	barrier   *barrier.Barrier
	blobs     *blob.Store
	leader        leaderInfo
	token         string
	metricsH      http.Handler
	readyFn       func() (ready bool, role string, leaderKnown bool, leaderAddr string, term uint64)
	commitIndexFn func() uint64
}

// Deps bundles every collaborator the HTTP surface needs.
type Deps struct {
	Store    store.Store
	Writer   *writer.Writer
	Resolver *resolver.Resolver
	Barrier  *barrier.Barrier
	Blobs    *blob.Store
	Leader   leaderInfo
	Token    string
	Metrics       http.Handler
	ReadyFn       func() (ready bool, role string, leaderKnown bool, leaderAddr string, term uint64)
	CommitIndexFn func() uint64
}

// New builds the Server and registers every route.
func New(d Deps) *Server {
	s := &Server{
		mux: http.NewServeMux(), store: d.Store, writer: d.Writer, resolver: d.Resolver,
		barrier: d.Barrier, blobs: d.Blobs, leader: d.Leader, token: d.Token,
		metricsH: d.Metrics, readyFn: d.ReadyFn, commitIndexFn: d.CommitIndexFn,
	}
	s.routes()
	return s
}

// ServeHTTP makes Server an http.Handler, recording request-count and
// latency metrics keyed by the matched route pattern before dispatching.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	timer := metrics.NewTimer()
	sw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	s.mux.ServeHTTP(sw, r)

	_, pattern := s.mux.Handler(r)
	if pattern == "" {
		pattern = r.URL.Path
	}
	metrics.HTTPRequestsTotal.WithLabelValues(pattern, strconv.Itoa(sw.status)).Inc()
	timer.ObserveDurationVec(metrics.HTTPRequestDuration, pattern)
}

// statusRecorder captures the status code a handler wrote, for metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (s *Server) routes() {
	s.mux.HandleFunc("PUT /api/v1/namespaces/{ns}/config/{key}", s.putConfig)
	s.mux.HandleFunc("GET /api/v1/namespaces/{ns}/config/{key}", s.getConfigKey)
	s.mux.HandleFunc("GET /api/v1/namespaces/{ns}/config", s.listConfig)
	s.mux.HandleFunc("DELETE /api/v1/namespaces/{ns}/config/{key}", s.deleteConfig)

	s.mux.HandleFunc("PUT /api/v1/namespaces/{ns}", s.putNamespace)
	s.mux.HandleFunc("GET /api/v1/namespaces/{ns}", s.getNamespace)
	s.mux.HandleFunc("GET /api/v1/namespaces", s.listNamespaces)
	s.mux.HandleFunc("DELETE /api/v1/namespaces/{ns}", s.deleteNamespace)
	s.mux.HandleFunc("GET /api/v1/namespaces/{ns}/audit", s.getAudit)

	s.mux.HandleFunc("PUT /internal/blobs/{blobId}", s.tokenGated(s.putBlob))
	s.mux.HandleFunc("GET /internal/blobs/{blobId}", s.tokenGated(s.getBlob))
	s.mux.HandleFunc("GET /internal/raft/commit-index", s.tokenGated(s.commitIndex))

	s.mux.HandleFunc("GET /health", s.health)
	s.mux.HandleFunc("GET /health/ready", s.ready)
	if s.metricsH != nil {
		s.mux.Handle("GET /metrics", s.metricsH)
	}
}

// tokenGated wraps an internal-route handler with a constant-time bearer
// token check, so mistimed comparisons can't leak the token byte-by-byte.
func (s *Server) tokenGated(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		const prefix = "Bearer "
		auth := r.Header.Get("Authorization")
		if len(auth) < len(prefix) || subtle.ConstantTimeCompare([]byte(auth[len(prefix):]), []byte(s.token)) != 1 {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

// requireLeader redirects to the current leader (307, preserving method) or
// responds 503 if no leader is known; returns false if the caller must stop.
func (s *Server) requireLeader(w http.ResponseWriter, r *http.Request) bool {
	if s.leader.IsLeader() {
		return true
	}
	if uri := s.leader.LeaderURI(); uri != "" {
		http.Redirect(w, r, uri+r.URL.RequestURI(), http.StatusTemporaryRedirect)
		return false
	}
	writeError(w, confmanerr.New(confmanerr.KindNoLeader, "no leader known"))
	return false
}

func (s *Server) applyBarrier(w http.ResponseWriter, r *http.Request) bool {
	if s.barrier == nil {
		return true
	}
	leaderAddr := ""
	if !s.leader.IsLeader() {
		leaderAddr = s.leader.LeaderURI()
	}
	if err := s.barrier.Wait(r.Context(), leaderAddr); err != nil {
		writeError(w, err)
		return false
	}
	return true
}

type configEntryView struct {
	NS        string    `json:"ns"`
	Key       string    `json:"key"`
	Type      string    `json:"type"`
	Value     string    `json:"value"`
	Version   uint64    `json:"version"`
	UpdatedAt time.Time `json:"updatedAt"`
	UpdatedBy string    `json:"updatedBy"`
}

func (s *Server) putConfig(w http.ResponseWriter, r *http.Request) {
	if !s.requireLeader(w, r) {
		return
	}
	ns, key := r.PathValue("ns"), r.PathValue("key")

	var body struct {
		Value string `json:"value"`
		Type  string `json:"type"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, confmanerr.Wrap(confmanerr.KindInvalidArgument, "malformed request body", err))
		return
	}

	author := r.Header.Get("X-Confman-Author")
	result := s.writer.Write(r.Context(), ns, key, body.Value, body.Type, author)
	if result.Error != nil {
		writeError(w, result.Error)
		return
	}
	if !result.Success {
		writeError(w, confmanerr.New(confmanerr.KindReplicationFailed, "write was not committed"))
		return
	}

	writeJSON(w, http.StatusOK, configEntryView{
		NS: ns, Key: key, Value: body.Value, Type: body.Type, Version: 0, UpdatedAt: result.Timestamp, UpdatedBy: author,
	})
}

func (s *Server) deleteConfig(w http.ResponseWriter, r *http.Request) {
	if !s.requireLeader(w, r) {
		return
	}
	ns, key := r.PathValue("ns"), r.PathValue("key")

	if _, err := s.store.Get(ns, key); err != nil {
		if store.IsNotFound(err) {
			http.NotFound(w, r)
			return
		}
		writeError(w, err)
		return
	}

	author := r.Header.Get("X-Confman-Author")
	result := s.writer.Delete(r.Context(), ns, key, author)
	if !result.Success {
		writeError(w, confmanerr.New(confmanerr.KindReplicationFailed, "delete was not committed"))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) getConfigKey(w http.ResponseWriter, r *http.Request) {
	if !s.applyBarrier(w, r) {
		return
	}
	ns, key := r.PathValue("ns"), r.PathValue("key")

	entry, err := s.store.Get(ns, key)
	if err != nil {
		if store.IsNotFound(err) {
			http.NotFound(w, r)
			return
		}
		writeError(w, err)
		return
	}

	value, err := s.resolver.Resolve(r.Context(), *entry)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, configEntryView{
		NS: entry.NS, Key: entry.Key, Type: entry.Type, Value: value,
		Version: entry.Version, UpdatedAt: entry.UpdatedAt, UpdatedBy: entry.UpdatedBy,
	})
}

func (s *Server) listConfig(w http.ResponseWriter, r *http.Request) {
	if !s.applyBarrier(w, r) {
		return
	}
	ns := r.PathValue("ns")

	entries, err := s.store.List(ns)
	if err != nil {
		writeError(w, err)
		return
	}

	views := make([]configEntryView, 0, len(entries))
	for _, entry := range entries {
		value, err := s.resolver.Resolve(r.Context(), *entry)
		if err != nil {
			writeError(w, err)
			return
		}
		views = append(views, configEntryView{
			NS: entry.NS, Key: entry.Key, Type: entry.Type, Value: value,
			Version: entry.Version, UpdatedAt: entry.UpdatedAt, UpdatedBy: entry.UpdatedBy,
		})
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) putNamespace(w http.ResponseWriter, r *http.Request) {
	if !s.requireLeader(w, r) {
		return
	}
	ns := r.PathValue("ns")

	var body struct {
		Description string `json:"description"`
		Owner       string `json:"owner"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, confmanerr.Wrap(confmanerr.KindInvalidArgument, "malformed request body", err))
		return
	}

	author := r.Header.Get("X-Confman-Author")
	result := s.writer.SetNamespace(r.Context(), ns, body.Description, body.Owner, author)
	if !result.Success {
		writeError(w, confmanerr.New(confmanerr.KindReplicationFailed, "namespace write was not committed"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"path": ns, "owner": body.Owner})
}

func (s *Server) deleteNamespace(w http.ResponseWriter, r *http.Request) {
	if !s.requireLeader(w, r) {
		return
	}
	ns := r.PathValue("ns")

	author := r.Header.Get("X-Confman-Author")
	result := s.writer.DeleteNamespace(r.Context(), ns, author)
	if !result.Success {
		writeError(w, confmanerr.New(confmanerr.KindReplicationFailed, "namespace delete was not committed"))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) getNamespace(w http.ResponseWriter, r *http.Request) {
	if !s.applyBarrier(w, r) {
		return
	}
	ns, err := s.store.GetNamespace(r.PathValue("ns"))
	if err != nil {
		if store.IsNotFound(err) {
			http.NotFound(w, r)
			return
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ns)
}

func (s *Server) listNamespaces(w http.ResponseWriter, r *http.Request) {
	if !s.applyBarrier(w, r) {
		return
	}
	namespaces, err := s.store.ListNamespaces()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, namespaces)
}

func (s *Server) getAudit(w http.ResponseWriter, r *http.Request) {
	if !s.applyBarrier(w, r) {
		return
	}
	ns := r.PathValue("ns")
	limit := 1000
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	events, err := s.store.GetAuditEvents(ns, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) putBlob(w http.ResponseWriter, r *http.Request) {
	blobID := r.PathValue("blobId")
	if s.blobs.Exists(blobID) {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	body := http.MaxBytesReader(w, r.Body, MaxBlobUploadBytes)
	err := s.blobs.PutCompressed(blobID, body, r.ContentLength)
	if err != nil {
		if e, ok := confmanerr.As(err); ok {
			switch e.Kind {
			case confmanerr.KindHashMismatch, confmanerr.KindInvalidArgument:
				http.Error(w, e.Error(), http.StatusBadRequest)
				return
			case confmanerr.KindPayloadTooLarge:
				http.Error(w, e.Error(), http.StatusRequestEntityTooLarge)
				return
			}
		}
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) getBlob(w http.ResponseWriter, r *http.Request) {
	blobID := r.PathValue("blobId")
	f, err := s.blobs.OpenRead(blobID)
	if err != nil {
		if e, ok := confmanerr.As(err); ok && e.Kind == confmanerr.KindNotFound {
			http.NotFound(w, r)
			return
		}
		writeError(w, err)
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = io.Copy(w, f)
}

func (s *Server) commitIndex(w http.ResponseWriter, r *http.Request) {
	if !s.leader.IsLeader() {
		writeError(w, confmanerr.New(confmanerr.KindNotLeader, "this node is not the leader"))
		return
	}
	_, _ = w.Write([]byte(strconv.FormatUint(s.currentCommitIndex(), 10)))
}

// currentCommitIndex delegates to CommitIndexFn, which the node wiring sets
// to read the live raft.Raft handle's AppliedIndex.
func (s *Server) currentCommitIndex() uint64 {
	if s.commitIndexFn != nil {
		return s.commitIndexFn()
	}
	return 0
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

func (s *Server) ready(w http.ResponseWriter, r *http.Request) {
	if s.readyFn == nil {
		writeJSON(w, http.StatusOK, map[string]any{"role": "unknown", "leaderKnown": false})
		return
	}
	ready, role, leaderKnown, leaderAddr, term := s.readyFn()
	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{
		"role": role, "leaderKnown": leaderKnown, "leader": leaderAddr, "term": term,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	e, ok := confmanerr.As(err)
	if !ok {
		log.WithErr(err).Error().Msg("unclassified error reached the HTTP surface")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	log.WithErr(e).Warn().Msg("request failed")
	switch e.Kind {
	case confmanerr.KindNotLeader:
		http.Error(w, e.Error(), http.StatusTemporaryRedirect)
	case confmanerr.KindNoLeader:
		w.Header().Set("Retry-After", "1")
		http.Error(w, e.Error(), http.StatusServiceUnavailable)
	case confmanerr.KindNotFound:
		http.Error(w, e.Error(), http.StatusNotFound)
	case confmanerr.KindInvalidArgument, confmanerr.KindHashMismatch:
		http.Error(w, e.Error(), http.StatusBadRequest)
	case confmanerr.KindPayloadTooLarge:
		http.Error(w, e.Error(), http.StatusRequestEntityTooLarge)
	case confmanerr.KindBlobUnavailable, confmanerr.KindBlobReplicationFailed, confmanerr.KindReplicationFailed:
		http.Error(w, e.Error(), http.StatusServiceUnavailable)
	case confmanerr.KindBlobReplicationTimeout, confmanerr.KindReadBarrierTimeout:
		http.Error(w, e.Error(), http.StatusGatewayTimeout)
	case confmanerr.KindReadBarrierFailed:
		w.Header().Set("Retry-After", "1")
		http.Error(w, e.Error(), http.StatusServiceUnavailable)
	default:
		http.Error(w, e.Error(), http.StatusInternalServerError)
	}
}
