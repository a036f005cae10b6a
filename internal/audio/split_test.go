package audio

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeTestWAV(t *testing.T, payload []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "intermediate.wav")
	w, err := createWAV(path, DefaultFormat)
	if err != nil {
		t.Fatalf("createWAV() error = %v", err)
	}
	if _, err := w.Write(payload); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	return path
}

func patternPayload(n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = byte(i % 251)
	}
	return out
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func readChunkPayload(t *testing.T, c Chunk) []byte {
	t.Helper()
	f, err := os.Open(c.Path)
	if err != nil {
		t.Fatalf("open chunk: %v", err)
	}
	defer f.Close()
	info, err := readWAVHeader(f)
	if err != nil {
		t.Fatalf("readWAVHeader(%s) error = %v", c.Path, err)
	}
	if info.Format != DefaultFormat {
		t.Fatalf("unexpected chunk format: %+v", info.Format)
	}
	body, err := io.ReadAll(f)
	if err != nil {
		t.Fatalf("read chunk body: %v", err)
	}
	if int64(len(body)) != info.DataBytes && !(len(body) == 0 && info.DataBytes == -1) {
		t.Fatalf("declared %d payload bytes, found %d", info.DataBytes, len(body))
	}
	return body
}

func assertContiguous(t *testing.T, chunks []Chunk, payload []byte) {
	t.Helper()
	var sum int64
	var joined []byte
	for i, c := range chunks {
		if c.Index != i {
			t.Fatalf("chunk %d has index %d", i, c.Index)
		}
		body := readChunkPayload(t, c)
		if int64(len(body)) != c.ByteSize {
			t.Fatalf("chunk %d ByteSize=%d, file payload=%d", i, c.ByteSize, len(body))
		}
		if c.FileSize != c.ByteSize+wavHeaderSize {
			t.Fatalf("chunk %d FileSize=%d", i, c.FileSize)
		}
		sum += c.ByteSize
		joined = append(joined, body...)
	}
	if sum != int64(len(payload)) {
		t.Fatalf("sum(ByteSize)=%d, want %d", sum, len(payload))
	}
	if !bytes.Equal(joined, payload) {
		t.Fatal("chunk payloads do not reassemble the source")
	}
}

func TestSplitSingleChunkWhenUnderCeiling(t *testing.T) {
	payload := patternPayload(2000)
	src := writeTestWAV(t, payload)
	dir := t.TempDir()

	s := NewSplitter(25_000, 512, FlushBeforeOverflow, discardLogger())
	chunks, err := s.Split(context.Background(), src, dir, nil)
	if err != nil {
		t.Fatalf("Split() error = %v", err)
	}
	if len(chunks) != 1 {
		t.Fatalf("expected 1 chunk, got %d", len(chunks))
	}
	assertContiguous(t, chunks, payload)
	if chunks[0].Duration != DefaultFormat.Duration(2000) {
		t.Fatalf("unexpected duration: %v", chunks[0].Duration)
	}
}

func TestSplitFlushPolicyRespectsCeiling(t *testing.T) {
	payload := patternPayload(60_000)
	src := writeTestWAV(t, payload)
	dir := t.TempDir()

	const ceiling = 25_000
	s := NewSplitter(ceiling, 512, FlushBeforeOverflow, discardLogger())
	chunks, err := s.Split(context.Background(), src, dir, nil)
	if err != nil {
		t.Fatalf("Split() error = %v", err)
	}
	if len(chunks) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(chunks))
	}
	assertContiguous(t, chunks, payload)
	for _, c := range chunks {
		if c.FileSize > ceiling {
			t.Fatalf("chunk %d file size %d exceeds ceiling", c.Index, c.FileSize)
		}
		if c.Oversized {
			t.Fatalf("chunk %d unexpectedly oversized", c.Index)
		}
		if c.ByteSize%512 != 0 && c.Index != len(chunks)-1 {
			t.Fatalf("flush policy should only cut on buffer boundaries, chunk %d has %d", c.Index, c.ByteSize)
		}
	}
}

func TestSplitFillPolicyFillsToCeiling(t *testing.T) {
	payload := patternPayload(60_000)
	src := writeTestWAV(t, payload)
	dir := t.TempDir()

	const ceiling = 25_000
	s := NewSplitter(ceiling, 512, FillToCeiling, discardLogger())
	chunks, err := s.Split(context.Background(), src, dir, nil)
	if err != nil {
		t.Fatalf("Split() error = %v", err)
	}
	assertContiguous(t, chunks, payload)
	if len(chunks) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(chunks))
	}
	if chunks[0].FileSize != ceiling || chunks[1].FileSize != ceiling {
		t.Fatalf("expected full chunks, got %d and %d", chunks[0].FileSize, chunks[1].FileSize)
	}
	for _, c := range chunks {
		if c.ByteSize%int64(DefaultFormat.BlockAlign()) != 0 {
			t.Fatalf("chunk %d split mid-sample", c.Index)
		}
	}
}

func TestSplitMarksOversizedBuffer(t *testing.T) {
	payload := patternPayload(4096)
	src := writeTestWAV(t, payload)
	dir := t.TempDir()

	s := NewSplitter(1024, 4096, FlushBeforeOverflow, discardLogger())
	chunks, err := s.Split(context.Background(), src, dir, nil)
	if err != nil {
		t.Fatalf("Split() error = %v", err)
	}
	if len(chunks) != 1 {
		t.Fatalf("expected 1 chunk, got %d", len(chunks))
	}
	if !chunks[0].Oversized {
		t.Fatal("expected chunk to be flagged oversized")
	}
	assertContiguous(t, chunks, payload)
}

func TestSplitEmptyPayloadRecordsZeroLengthChunk(t *testing.T) {
	src := writeTestWAV(t, nil)
	dir := t.TempDir()

	s := NewSplitter(1024, 256, FlushBeforeOverflow, discardLogger())
	chunks, err := s.Split(context.Background(), src, dir, nil)
	if err != nil {
		t.Fatalf("Split() error = %v", err)
	}
	if len(chunks) != 1 || chunks[0].ByteSize != 0 || chunks[0].Duration != 0 {
		t.Fatalf("expected one empty chunk, got %+v", chunks)
	}
}

func TestSplitProgressIsMonotonic(t *testing.T) {
	payload := patternPayload(10_000)
	src := writeTestWAV(t, payload)

	var last int64 = -1
	var calls int
	s := NewSplitter(3000, 256, FlushBeforeOverflow, discardLogger())
	_, err := s.Split(context.Background(), src, t.TempDir(), func(consumed, total int64, _ int) {
		calls++
		if consumed < last {
			t.Fatalf("progress went backwards: %d after %d", consumed, last)
		}
		if total != int64(len(payload)) {
			t.Fatalf("unexpected total: %d", total)
		}
		last = consumed
	})
	if err != nil {
		t.Fatalf("Split() error = %v", err)
	}
	if calls == 0 || last != int64(len(payload)) {
		t.Fatalf("unexpected progress: calls=%d last=%d", calls, last)
	}
}

func TestSplitCancellationKeepsPartialChunk(t *testing.T) {
	payload := patternPayload(10_000)
	src := writeTestWAV(t, payload)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := NewSplitter(2048, 256, FlushBeforeOverflow, discardLogger())
	chunks, err := s.Split(ctx, src, t.TempDir(), func(consumed, _ int64, _ int) {
		if consumed >= 3000 {
			cancel()
		}
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if len(chunks) != 2 {
		t.Fatalf("expected finished chunk plus partial chunk, got %d", len(chunks))
	}
	var sum int64
	for _, c := range chunks {
		sum += c.ByteSize
		readChunkPayload(t, c)
	}
	if sum != 3072 {
		t.Fatalf("expected 3072 bytes split before cancel, got %d", sum)
	}
}

func TestSplitRejectsNonWAV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bogus.wav")
	if err := os.WriteFile(path, []byte("definitely not riff data"), 0o600); err != nil {
		t.Fatal(err)
	}
	s := NewSplitter(1024, 256, FlushBeforeOverflow, discardLogger())
	_, err := s.Split(context.Background(), path, t.TempDir(), nil)
	var decErr *DecodeError
	if !errors.As(err, &decErr) {
		t.Fatalf("expected *DecodeError, got %T (%v)", err, err)
	}
}

func TestDurationIsExact(t *testing.T) {
	if got := DefaultFormat.Duration(32000); got != time.Second {
		t.Fatalf("unexpected duration: %v", got)
	}
	if got := DefaultFormat.Duration(2); got != 62500*time.Nanosecond {
		t.Fatalf("unexpected duration: %v", got)
	}
	if got := DefaultFormat.Bytes(1500 * time.Millisecond); got != 48000 {
		t.Fatalf("unexpected bytes: %d", got)
	}
}

func TestParseBoundaryPolicy(t *testing.T) {
	if p, err := ParseBoundaryPolicy("FILL"); err != nil || p != FillToCeiling {
		t.Fatalf("ParseBoundaryPolicy(FILL) = %v, %v", p, err)
	}
	if p, err := ParseBoundaryPolicy(""); err != nil || p != FlushBeforeOverflow {
		t.Fatalf("ParseBoundaryPolicy(\"\") = %v, %v", p, err)
	}
	if _, err := ParseBoundaryPolicy("exact"); err == nil {
		t.Fatal("expected error")
	}
}
