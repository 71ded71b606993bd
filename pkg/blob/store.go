// Package blob is the local content-addressed store for large config
// values: LZ4-compressed files under a per-node root, written atomically
// and named by the SHA-256 of their uncompressed content.
package blob

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/ancrist/confman/pkg/codec"
	"github.com/ancrist/confman/pkg/confmanerr"
	"github.com/ancrist/confman/pkg/log"
)

var blobIDPattern = regexp.MustCompile(`^[0-9a-f]{64}$`)

// ValidID reports whether id is a well-formed blobId (64-char lowercase hex).
func ValidID(id string) bool { return blobIDPattern.MatchString(id) }

// Store is the on-disk content-addressed blob arena described in §4.3.
type Store struct {
	root                    string // {dataRoot}/blobs
	maxCompressedBytes      int64
	maxDecompressedBytes    int64
}

// Config carries the size ceilings enforced by PutCompressed (compressed and
// decompressed size) and Read (decompressed size); PutFromStream does not
// check them.
type Config struct {
	MaxBlobSizeBytes          int64
	MaxDecompressedSizeBytes  int64
}

// Open prepares the blob store rooted at {dataDir}/blobs, creating it if
// absent and sweeping any .tmp-* orphans left by a prior crash.
func Open(dataDir string, cfg Config) (*Store, error) {
	root := filepath.Join(dataDir, "blobs")
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("blob: create root: %w", err)
	}

	s := &Store{
		root:                 root,
		maxCompressedBytes:   cfg.MaxBlobSizeBytes,
		maxDecompressedBytes: cfg.MaxDecompressedSizeBytes,
	}
	if err := s.sweepOrphans(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) sweepOrphans() error {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return fmt.Errorf("blob: read root: %w", err)
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".tmp-") {
			if err := os.Remove(filepath.Join(s.root, e.Name())); err != nil && !os.IsNotExist(err) {
				log.WithComponent("blob").Warn().Err(err).Str("file", e.Name()).Msg("failed to sweep orphaned temp blob")
			}
		}
	}
	return nil
}

func (s *Store) finalPath(blobID string) string {
	return filepath.Join(s.root, blobID[0:2], blobID)
}

func (s *Store) tempPath() string {
	return filepath.Join(s.root, ".tmp-"+uuid.NewString())
}

// Exists reports whether blobID is present on disk.
func (s *Store) Exists(blobID string) bool {
	if !ValidID(blobID) {
		return false
	}
	_, err := os.Stat(s.finalPath(blobID))
	return err == nil
}

// PutFromStream hashes and compresses src in a single pass into a temp
// file, fsyncs it, and atomically renames it into place. Returns the
// computed blobId. If the final path already exists (a concurrent writer
// won the race), the temp file is discarded and the call still succeeds.
func (s *Store) PutFromStream(src io.Reader) (blobID string, err error) {
	tmpPath := s.tempPath()
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0600)
	if err != nil {
		return "", fmt.Errorf("blob: create temp file: %w", err)
	}
	defer func() {
		f.Close()
		os.Remove(tmpPath)
	}()

	blobID, _, err = codec.HashAndCompress(src, f)
	if err != nil {
		return "", fmt.Errorf("blob: hash and compress: %w", err)
	}
	if err := f.Sync(); err != nil {
		return "", fmt.Errorf("blob: fsync: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("blob: close: %w", err)
	}

	if err := s.rename(tmpPath, blobID); err != nil {
		return "", err
	}
	return blobID, nil
}

// PutCompressed stores an already-LZ4-compressed stream under blobID. It is
// idempotent: a no-op if the blob already exists. It re-validates the
// content by decompressing and re-hashing before the atomic rename, and
// rejects on hash mismatch or an oversized decompressed payload.
func (s *Store) PutCompressed(blobID string, compressed io.Reader, declaredLen int64) error {
	if !ValidID(blobID) {
		return confmanerr.New(confmanerr.KindInvalidArgument, "malformed blob id")
	}
	if s.Exists(blobID) {
		_, _ = io.Copy(io.Discard, io.LimitReader(compressed, 1))
		return nil
	}
	if s.maxCompressedBytes > 0 && declaredLen > s.maxCompressedBytes {
		return confmanerr.New(confmanerr.KindPayloadTooLarge, "declared length exceeds blob size ceiling")
	}

	tmpPath := s.tempPath()
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0600)
	if err != nil {
		return fmt.Errorf("blob: create temp file: %w", err)
	}
	defer func() {
		f.Close()
		os.Remove(tmpPath)
	}()

	var limited io.Reader = compressed
	if s.maxCompressedBytes > 0 {
		limited = io.LimitReader(compressed, s.maxCompressedBytes+1)
	}

	n, err := io.Copy(f, limited)
	if err != nil {
		return fmt.Errorf("blob: write temp file: %w", err)
	}
	if s.maxCompressedBytes > 0 && n > s.maxCompressedBytes {
		return confmanerr.New(confmanerr.KindPayloadTooLarge, "actual length exceeds blob size ceiling")
	}

	gotID, decompressedLen, err := func() (string, int64, error) {
		rf, err := os.Open(tmpPath)
		if err != nil {
			return "", 0, fmt.Errorf("blob: reopen for validation: %w", err)
		}
		defer rf.Close()
		return codec.DecompressAndHash(rf, nil)
	}()
	if err != nil {
		return fmt.Errorf("blob: validate: %w", err)
	}
	if s.maxDecompressedBytes > 0 && decompressedLen > s.maxDecompressedBytes {
		return confmanerr.New(confmanerr.KindPayloadTooLarge, "decompressed size exceeds ceiling")
	}
	if gotID != blobID {
		return confmanerr.New(confmanerr.KindHashMismatch, fmt.Sprintf("claimed id %s does not match content hash %s", blobID, gotID))
	}

	if err := f.Sync(); err != nil {
		return fmt.Errorf("blob: fsync: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("blob: close: %w", err)
	}

	return s.rename(tmpPath, blobID)
}

func (s *Store) rename(tmpPath, blobID string) error {
	finalPath := s.finalPath(blobID)
	if err := os.MkdirAll(filepath.Dir(finalPath), 0755); err != nil {
		return fmt.Errorf("blob: create shard dir: %w", err)
	}

	if err := os.Rename(tmpPath, finalPath); err != nil {
		if s.Exists(blobID) {
			// Lost a race with a concurrent writer of the same content;
			// the content is identical because blobID is its hash.
			os.Remove(tmpPath)
			return nil
		}
		return fmt.Errorf("blob: rename into place: %w", err)
	}
	return nil
}

// OpenRead opens the compressed file for blobID, or confmanerr.KindNotFound
// if absent.
func (s *Store) OpenRead(blobID string) (io.ReadCloser, error) {
	if !ValidID(blobID) {
		return nil, confmanerr.New(confmanerr.KindInvalidArgument, "malformed blob id")
	}
	f, err := os.Open(s.finalPath(blobID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, confmanerr.New(confmanerr.KindNotFound, "blob not found: "+blobID)
		}
		return nil, fmt.Errorf("blob: open: %w", err)
	}
	return f, nil
}

// CompressedPath returns the final on-disk path for blobID, for callers
// that want to stream the file directly (the HTTP internal GET route).
func (s *Store) CompressedPath(blobID string) string {
	return s.finalPath(blobID)
}

// List yields every blobId currently in the store.
func (s *Store) List() ([]string, error) {
	var ids []string
	shards, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("blob: read root: %w", err)
	}
	for _, shard := range shards {
		if !shard.IsDir() {
			continue
		}
		files, err := os.ReadDir(filepath.Join(s.root, shard.Name()))
		if err != nil {
			return nil, fmt.Errorf("blob: read shard: %w", err)
		}
		for _, f := range files {
			if ValidID(f.Name()) {
				ids = append(ids, f.Name())
			}
		}
	}
	return ids, nil
}

// Read decompresses and returns the full value for blobID, validating the
// hash against blobID and enforcing the decompressed size ceiling. Treated
// as absent (not an error the caller should distinguish from "missing") if
// the on-disk content fails its own hash check (invariant 5).
func (s *Store) Read(blobID string) (string, bool, error) {
	f, err := s.OpenRead(blobID)
	if err != nil {
		if e, ok := confmanerr.As(err); ok && e.Kind == confmanerr.KindNotFound {
			return "", false, nil
		}
		return "", false, err
	}
	defer f.Close()

	var out strings.Builder
	gotID, n, err := codec.DecompressAndHash(f, &out)
	if err != nil {
		return "", false, fmt.Errorf("blob: decompress: %w", err)
	}
	if s.maxDecompressedBytes > 0 && n > s.maxDecompressedBytes {
		return "", false, confmanerr.New(confmanerr.KindPayloadTooLarge, "decompressed size exceeds ceiling")
	}
	if gotID != blobID {
		log.WithBlobID(blobID).Warn().Str("actual", gotID).Msg("blob failed hash self-check on read, treating as absent")
		return "", false, nil
	}
	return out.String(), true, nil
}
