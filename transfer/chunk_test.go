// Copyright 2026 The Flux Authors
// SPDX-License-Identifier: Apache-2.0

package transfer

import (
	"bytes"
	"errors"
	"math/rand"
	"testing"
)

func TestChunkMarshalRoundTrip(t *testing.T) {
	chunk := Chunk{Index: 7, Size: 5, Payload: []byte("hello")}
	frame := chunk.Marshal()

	if len(frame) != chunkHeaderSize+5 {
		t.Fatalf("frame length = %d, want %d", len(frame), chunkHeaderSize+5)
	}
	// Header is little-endian.
	if frame[0] != 7 || frame[1] != 0 || frame[4] != 5 || frame[5] != 0 {
		t.Errorf("header bytes = % x, want LE index 7 and size 5", frame[:8])
	}

	decoded, err := UnmarshalChunk(frame)
	if err != nil {
		t.Fatalf("UnmarshalChunk: %v", err)
	}
	if decoded.Index != 7 || decoded.Size != 5 || !bytes.Equal(decoded.Payload, []byte("hello")) {
		t.Errorf("decoded = %+v, want the original chunk", decoded)
	}
}

func TestUnmarshalChunkTooShort(t *testing.T) {
	for _, frame := range [][]byte{nil, {1}, make([]byte, 7)} {
		if _, err := UnmarshalChunk(frame); !errors.Is(err, ErrMalformed) {
			t.Errorf("UnmarshalChunk(%d bytes) = %v, want ErrMalformed", len(frame), err)
		}
	}
}

func TestUnmarshalChunkCopiesPayload(t *testing.T) {
	frame := (&Chunk{Index: 0, Size: 3, Payload: []byte("abc")}).Marshal()
	decoded, err := UnmarshalChunk(frame)
	if err != nil {
		t.Fatalf("UnmarshalChunk: %v", err)
	}
	frame[chunkHeaderSize] = 'X'
	if decoded.Payload[0] != 'a' {
		t.Error("decoded payload aliases the input frame")
	}
}

func TestSplitterCoversDataExactly(t *testing.T) {
	data := make([]byte, 10_000)
	rand.New(rand.NewSource(1)).Read(data)

	splitter := Split(data, 4096)
	if splitter.Total() != 3 {
		t.Fatalf("Total = %d, want 3", splitter.Total())
	}

	var reassembled []byte
	var index uint32
	for {
		chunk, ok := splitter.Next()
		if !ok {
			break
		}
		if chunk.Index != index {
			t.Fatalf("chunk index = %d, want %d", chunk.Index, index)
		}
		if chunk.Size != uint32(len(chunk.Payload)) {
			t.Fatalf("chunk %d: size %d but payload %d bytes", chunk.Index, chunk.Size, len(chunk.Payload))
		}
		reassembled = append(reassembled, chunk.Payload...)
		index++
	}
	if index != 3 {
		t.Fatalf("produced %d chunks, want 3", index)
	}
	// Final chunk is the remainder.
	if !bytes.Equal(reassembled, data) {
		t.Error("reassembled chunks differ from the input")
	}
}

func TestSplitterEmptyInput(t *testing.T) {
	splitter := Split(nil, 4096)
	if splitter.Total() != 0 {
		t.Errorf("Total = %d for empty input, want 0", splitter.Total())
	}
	if _, ok := splitter.Next(); ok {
		t.Error("Next produced a chunk for empty input")
	}
}

func TestNewMetadataChunkCount(t *testing.T) {
	cases := []struct {
		size  uint64
		chunk uint32
		want  uint32
	}{
		{0, 16384, 0},
		{1, 16384, 1},
		{16384, 16384, 1},
		{16385, 16384, 2},
		{100_000, 16384, 7},
	}
	for _, tc := range cases {
		meta := NewMetadata("f", "application/octet-stream", tc.size, tc.chunk, false)
		if meta.TotalChunks != tc.want {
			t.Errorf("TotalChunks(%d/%d) = %d, want %d", tc.size, tc.chunk, meta.TotalChunks, tc.want)
		}
	}
}

func TestAccumulatorOutOfOrderMerge(t *testing.T) {
	data := []byte("the quick brown fox jumps over the lazy dog")
	meta := NewMetadata("f", "text/plain", uint64(len(data)), 8, false)
	acc := NewAccumulator(meta)

	var chunks []Chunk
	splitter := Split(data, 8)
	for {
		chunk, ok := splitter.Next()
		if !ok {
			break
		}
		chunks = append(chunks, chunk)
	}

	// Deliver in reverse.
	for i := len(chunks) - 1; i >= 0; i-- {
		if !acc.Add(chunks[i]) {
			t.Fatalf("Add rejected chunk %d", chunks[i].Index)
		}
	}
	if !acc.Complete() {
		t.Fatal("not complete after all chunks")
	}

	merged, err := acc.Merge()
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if !bytes.Equal(merged, data) {
		t.Errorf("Merge = %q, want original data", merged)
	}
}

func TestAccumulatorRejectsDuplicates(t *testing.T) {
	meta := NewMetadata("f", "", 16, 8, false)
	acc := NewAccumulator(meta)

	chunk := Chunk{Index: 0, Size: 8, Payload: make([]byte, 8)}
	if !acc.Add(chunk) {
		t.Fatal("first Add rejected")
	}
	if acc.Add(chunk) {
		t.Error("duplicate Add accepted")
	}
	// The duplicate did not double-count progress.
	if got := acc.Progress(); got != 0.5 {
		t.Errorf("Progress = %v after duplicate, want 0.5", got)
	}
}

func TestAccumulatorRejectsOutOfRangeIndex(t *testing.T) {
	meta := NewMetadata("f", "", 16, 8, false)
	acc := NewAccumulator(meta)

	if acc.Add(Chunk{Index: 2, Size: 8, Payload: make([]byte, 8)}) {
		t.Error("Add accepted an index beyond the chunk count")
	}
}

func TestAccumulatorMergeIncomplete(t *testing.T) {
	meta := NewMetadata("f", "", 24, 8, false)
	acc := NewAccumulator(meta)
	acc.Add(Chunk{Index: 0, Size: 8, Payload: make([]byte, 8)})
	acc.Add(Chunk{Index: 2, Size: 8, Payload: make([]byte, 8)})

	if _, err := acc.Merge(); !errors.Is(err, ErrIncomplete) {
		t.Fatalf("Merge = %v, want ErrIncomplete", err)
	}
	missing := acc.Missing()
	if len(missing) != 1 || missing[0] != 1 {
		t.Errorf("Missing = %v, want [1]", missing)
	}
}

func TestAccumulatorProgressUsesLogicalSize(t *testing.T) {
	meta := NewMetadata("f", "", 100, 50, true)
	acc := NewAccumulator(meta)

	// A compressed chunk: logical size 50, payload much smaller.
	acc.Add(Chunk{Index: 0, Size: 50, Payload: []byte("tiny")})
	if got := acc.Progress(); got != 0.5 {
		t.Errorf("Progress = %v, want 0.5 from the logical size", got)
	}
}

func TestAccumulatorEmptyFile(t *testing.T) {
	meta := NewMetadata("empty", "", 0, 16384, false)
	acc := NewAccumulator(meta)

	if !acc.Complete() {
		t.Error("empty file not complete immediately")
	}
	if got := acc.Progress(); got != 1 {
		t.Errorf("Progress = %v for empty file, want 1", got)
	}
	merged, err := acc.Merge()
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if len(merged) != 0 {
		t.Errorf("Merge = %d bytes, want empty", len(merged))
	}
}
