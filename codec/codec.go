// Package codec implements the opt-in compression policy for awareness
// payloads, and decompression of sync payloads that arrive flagged as
// compressed. It is a thin, optional layer built on
// klauspost/compress's drop-in gzip implementation rather than the
// stdlib one.
package codec

import (
	"bytes"
	"io"

	"github.com/klauspost/compress/gzip"
)

// DefaultThreshold is the minimum payload size, in bytes, below which
// compression is skipped outright.
const DefaultThreshold = 256

// Codec compresses payloads above a threshold, falling back to identity
// whenever compression doesn't actually shrink the payload.
type Codec struct {
	threshold int
	identity  bool // true on platforms with no streaming gzip primitive
}

// New creates a Codec with the given threshold. threshold <= 0 uses
// DefaultThreshold.
func New(threshold int) *Codec {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Codec{threshold: threshold}
}

// NewIdentity creates a Codec that never compresses, for hosts without a
// streaming gzip primitive. Compress always returns its
// input unchanged and Decompress is the identity function.
func NewIdentity() *Codec {
	return &Codec{identity: true}
}

// Compress returns (input, false) unchanged if input is below the
// threshold or if compressing it doesn't shrink it; otherwise it returns
// the gzipped bytes and true.
func (c *Codec) Compress(input []byte) ([]byte, bool) {
	if c.identity || len(input) < c.threshold {
		return input, false
	}

	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(input); err != nil {
		return input, false
	}
	if err := w.Close(); err != nil {
		return input, false
	}
	if buf.Len() >= len(input) {
		return input, false
	}
	return buf.Bytes(), true
}

// Decompress reverses Compress. Callers must track whether a given
// payload was actually compressed (the wire envelope carries a
// `compressed` flag for exactly this reason) and only call Decompress
// when it was.
func (c *Codec) Decompress(input []byte) ([]byte, error) {
	if c.identity {
		return input, nil
	}
	r, err := gzip.NewReader(bytes.NewReader(input))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}
