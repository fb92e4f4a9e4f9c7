package frame

import (
	"bytes"
	"fmt"
	"io"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/zlib"
)

// inflate decompresses a version 2 or 3 body.
func inflate(ver uint16, body []byte) ([]byte, error) {
	switch ver {
	case VerZlib:
		r, err := zlib.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("frame: zlib: %w", err)
		}
		defer r.Close()
		out, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("frame: zlib: %w", err)
		}
		return out, nil
	case VerBrotli:
		out, err := io.ReadAll(brotli.NewReader(bytes.NewReader(body)))
		if err != nil {
			return nil, fmt.Errorf("frame: brotli: %w", err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: version %d is not compressed", ErrBadHeader, ver)
	}
}

// Deflate wraps already-encoded frames into a single zlib container frame.
// The server side of the protocol does this for notification batches; the
// client only needs it for tests and local tooling.
func Deflate(op uint32, seq uint32, inner []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	if _, err := w.Write(inner); err != nil {
		return nil, fmt.Errorf("frame: zlib: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("frame: zlib: %w", err)
	}
	return encode(op, VerZlib, seq, buf.Bytes()), nil
}
