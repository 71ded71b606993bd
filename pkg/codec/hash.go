package codec

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"sync"

	"github.com/pierrec/lz4/v4"
)

// bufPool rents fixed-size buffers for the streaming hash+compress pass so
// HashAndCompress never allocates per call for typical blob sizes.
var bufPool = sync.Pool{
	New: func() any {
		b := make([]byte, 256*1024)
		return &b
	},
}

// HashAndCompress reads src to EOF, computing the SHA-256 of the
// uncompressed bytes while writing an LZ4 frame of those bytes to dst, in a
// single pass over a rented buffer. It returns the lowercase-hex digest
// (the blobId) and the number of uncompressed bytes read.
func HashAndCompress(src io.Reader, dst io.Writer) (blobID string, n int64, err error) {
	h := sha256.New()
	lzw := lz4.NewWriter(dst)
	defer func() {
		if cerr := lzw.Close(); err == nil {
			err = cerr
		}
	}()

	bufPtr := bufPool.Get().(*[]byte)
	defer bufPool.Put(bufPtr)
	buf := *bufPtr

	for {
		r, rerr := src.Read(buf)
		if r > 0 {
			h.Write(buf[:r])
			w, werr := lzw.Write(buf[:r])
			if werr != nil {
				return "", n, fmt.Errorf("codec: lz4 write: %w", werr)
			}
			if w != r {
				return "", n, fmt.Errorf("codec: short lz4 write")
			}
			n += int64(r)
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return "", n, fmt.Errorf("codec: read source: %w", rerr)
		}
	}

	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// DecompressAndHash reads an LZ4 frame from src, writing the decompressed
// bytes to dst (if non-nil) while computing their SHA-256. Used by the blob
// store to validate a file's content against its claimed blobId.
func DecompressAndHash(src io.Reader, dst io.Writer) (blobID string, n int64, err error) {
	h := sha256.New()
	lzr := lz4.NewReader(src)

	bufPtr := bufPool.Get().(*[]byte)
	defer bufPool.Put(bufPtr)
	buf := *bufPtr

	var w io.Writer = h
	if dst != nil {
		w = io.MultiWriter(h, dst)
	}

	n, err = io.CopyBuffer(w, lzr, buf)
	if err != nil {
		return "", n, fmt.Errorf("codec: lz4 read: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}
