// Package sha256 digests artifacts while they stream to storage.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"io"
)

// Reader hashes everything read through it.
type Reader struct {
	r io.Reader
	h hash.Hash
	n int64
}

// NewReader wraps r.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: r, h: sha256.New()}
}

func (r *Reader) Read(p []byte) (int, error) {
	n, err := r.r.Read(p)
	if n > 0 {
		r.h.Write(p[:n]) //nolint:errcheck // hash.Hash writes never fail
		r.n += int64(n)
	}
	return n, err
}

// Sum returns the hex digest of the bytes read so far.
func (r *Reader) Sum() string {
	return hex.EncodeToString(r.h.Sum(nil))
}

// Size returns the number of bytes read so far.
func (r *Reader) Size() int64 {
	return r.n
}
