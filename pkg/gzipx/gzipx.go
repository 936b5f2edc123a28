// Package gzipx provides deterministic gzip helpers for stored CSV blobs.
package gzipx

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
)

// Compress gzips b. The header carries no name or mtime so the output is
// byte-stable for identical input.
func Compress(b []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(b); err != nil {
		return nil, fmt.Errorf("op=gzipx.compress: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("op=gzipx.compress: %w", err)
	}
	return buf.Bytes(), nil
}

// Decompress reverses Compress.
func Decompress(b []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(b))
	if err != nil {
		return nil, fmt.Errorf("op=gzipx.decompress: %w", err)
	}
	defer func() { _ = zr.Close() }()
	out, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("op=gzipx.decompress: %w", err)
	}
	return out, nil
}
