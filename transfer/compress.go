// Copyright 2026 The Flux Authors
// SPDX-License-Identifier: Apache-2.0

package transfer

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
)

// Compression size window. Files below the floor gain nothing from
// gzip's header overhead; files above the ceiling tie up too much CPU
// on a path that is usually network-bound anyway.
const (
	compressFloor   = 10 * 1024
	compressCeiling = 100 * 1024 * 1024
)

// ShouldCompress reports whether a file of the given size falls inside
// the compression window.
func ShouldCompress(fileSize uint64) bool {
	return fileSize >= compressFloor && fileSize <= compressCeiling
}

// CompressChunk gzips one chunk payload.
func CompressChunk(payload []byte) ([]byte, error) {
	var buf bytes.Buffer
	writer := gzip.NewWriter(&buf)
	if _, err := writer.Write(payload); err != nil {
		return nil, fmt.Errorf("transfer: compressing chunk: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("transfer: compressing chunk: %w", err)
	}
	return buf.Bytes(), nil
}

// DecompressChunk reverses CompressChunk.
func DecompressChunk(payload []byte) ([]byte, error) {
	reader, err := gzip.NewReader(bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("transfer: decompressing chunk: %w", err)
	}
	defer reader.Close()

	restored, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("transfer: decompressing chunk: %w", err)
	}
	return restored, nil
}
