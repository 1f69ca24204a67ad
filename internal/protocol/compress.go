package protocol

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
)

// compressMinSize is the minimum payload size to attempt gzip compression.
const compressMinSize = 512

// DecompressIfGzip returns the plain payload of a frame: decompressed if the
// GZIP flag is set, otherwise a copy of the raw payload.
func DecompressIfGzip(f Frame) ([]byte, error) {
	if !f.IsGzip() {
		out := make([]byte, len(f.Payload))
		copy(out, f.Payload)
		return out, nil
	}
	return decompressGzip(f.Payload)
}

// CompressPayload gzip-compresses data at the fast compression level when it
// is large enough and compression actually shrinks it. It returns the
// (possibly unmodified) payload and the flag bits to OR into the frame.
func CompressPayload(data []byte) ([]byte, byte) {
	if len(data) < compressMinSize {
		return data, 0
	}
	compressed, err := compressGzip(data)
	if err != nil {
		return data, 0
	}
	if len(compressed) < len(data) {
		return compressed, FlagGzip
	}
	return data, 0
}

func compressGzip(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := gzip.NewWriterLevel(&buf, gzip.BestSpeed)
	if err != nil {
		return nil, fmt.Errorf("protocol: create gzip writer: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("protocol: gzip write: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("protocol: gzip close: %w", err)
	}
	return buf.Bytes(), nil
}

func decompressGzip(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("protocol: create gzip reader: %w", err)
	}
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("protocol: gzip read: %w", err)
	}
	return out, nil
}
