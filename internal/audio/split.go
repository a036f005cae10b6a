package audio

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// BoundaryPolicy decides what happens when a buffer does not fit in the
// current chunk.
type BoundaryPolicy int

const (
	// FlushBeforeOverflow closes the current chunk and writes the whole buffer
	// into the next one. Chunks may be undersized by up to one buffer.
	FlushBeforeOverflow BoundaryPolicy = iota
	// FillToCeiling splits the buffer on a sample boundary so each chunk is
	// filled as close to the ceiling as the block alignment allows.
	FillToCeiling
)

func ParseBoundaryPolicy(value string) (BoundaryPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "flush":
		return FlushBeforeOverflow, nil
	case "fill":
		return FillToCeiling, nil
	default:
		return 0, fmt.Errorf("unknown chunk boundary policy %q", value)
	}
}

func (p BoundaryPolicy) String() string {
	if p == FillToCeiling {
		return "fill"
	}
	return "flush"
}

// Chunk is one self-contained WAV slice of the intermediate audio.
type Chunk struct {
	Index int
	Path  string
	// ByteSize counts PCM payload bytes; chunk payloads sum to the
	// intermediate payload.
	ByteSize int64
	// FileSize is ByteSize plus the WAV header and is what the ceiling bounds.
	FileSize int64
	Duration time.Duration
	// Oversized marks a chunk that had to exceed the ceiling because a single
	// buffer could not fit in an empty chunk.
	Oversized bool
}

// SplitProgressFunc is called after every buffer with the payload consumed,
// the payload total and the number of chunks closed so far.
type SplitProgressFunc func(consumed, total int64, chunksClosed int)

// Splitter partitions an intermediate WAV into chunk files no larger than
// maxChunkBytes.
type Splitter struct {
	maxChunkBytes int64
	bufferSize    int
	policy        BoundaryPolicy
	logger        *slog.Logger
}

func NewSplitter(maxChunkBytes int64, bufferSize int, policy BoundaryPolicy, logger *slog.Logger) *Splitter {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Splitter{
		maxChunkBytes: maxChunkBytes,
		bufferSize:    bufferSize,
		policy:        policy,
		logger:        logger,
	}
}

// ChunkPath is the file name used for chunk index inside dir.
func ChunkPath(dir string, index int) string {
	return filepath.Join(dir, fmt.Sprintf("chunk_%03d.wav", index))
}

// Split reads srcPath and writes chunk_NNN.wav files into dir. On
// cancellation the open chunk is closed and returned along with the chunks
// finished before it, together with the context error.
func (s *Splitter) Split(ctx context.Context, srcPath, dir string, progress SplitProgressFunc) ([]Chunk, error) {
	f, err := os.Open(srcPath)
	if err != nil {
		return nil, &DecodeError{Path: srcPath, Err: err}
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		return nil, &DecodeError{Path: srcPath, Err: err}
	}
	reader := bufio.NewReaderSize(f, s.bufferSize)
	info, err := readWAVHeader(reader)
	if err != nil {
		return nil, &DecodeError{Path: srcPath, Err: err}
	}

	total := info.DataBytes
	if total < 0 {
		total = max(stat.Size()-wavHeaderSize, 0)
	}
	format := info.Format
	block := int64(format.BlockAlign())
	capacity := max(s.maxChunkBytes-wavHeaderSize, 0)

	st := &splitState{dir: dir, format: format}
	if err := st.open(); err != nil {
		return nil, err
	}

	buf := make([]byte, s.bufferSize)
	var consumed int64
	for {
		if err := ctx.Err(); err != nil {
			if closeErr := st.close(); closeErr != nil {
				return st.chunks, closeErr
			}
			return st.chunks, err
		}

		n, readErr := io.ReadFull(reader, buf)
		data := buf[:n]
		for len(data) > 0 {
			room := capacity - st.current.written
			if int64(len(data)) <= room {
				if err := st.write(data); err != nil {
					return st.abort(err)
				}
				break
			}

			if s.policy == FillToCeiling {
				if fit := room - room%block; fit > 0 {
					if err := st.write(data[:fit]); err != nil {
						return st.abort(err)
					}
					data = data[fit:]
				}
			}
			if st.current.written > 0 {
				if err := st.rotate(); err != nil {
					return st.abort(err)
				}
				if s.policy == FillToCeiling || int64(len(data)) <= capacity {
					continue
				}
			}

			// A single buffer larger than an empty chunk's budget.
			st.oversized = true
			s.logger.Warn("chunk exceeds byte ceiling by one buffer",
				"chunk_index", st.index,
				"buffer_bytes", len(data),
				"max_chunk_bytes", s.maxChunkBytes,
			)
			if err := st.write(data); err != nil {
				return st.abort(err)
			}
			break
		}

		consumed += int64(n)
		if progress != nil {
			progress(consumed, max(total, consumed), len(st.chunks))
		}

		if readErr != nil {
			if errors.Is(readErr, io.EOF) || errors.Is(readErr, io.ErrUnexpectedEOF) {
				break
			}
			_, _ = st.abort(nil)
			return st.chunks, &DecodeError{Path: srcPath, Err: readErr}
		}
	}

	if err := st.close(); err != nil {
		return st.chunks, err
	}
	if progress != nil {
		progress(consumed, max(total, consumed), len(st.chunks))
	}
	return st.chunks, nil
}

type splitState struct {
	dir       string
	format    PCMFormat
	index     int
	current   *wavWriter
	oversized bool
	chunks    []Chunk
}

func (st *splitState) open() error {
	path := ChunkPath(st.dir, st.index)
	w, err := createWAV(path, st.format)
	if err != nil {
		return &EncodeError{Path: path, Err: err}
	}
	st.current = w
	st.oversized = false
	return nil
}

func (st *splitState) write(p []byte) error {
	if _, err := st.current.Write(p); err != nil {
		return &EncodeError{Path: ChunkPath(st.dir, st.index), Err: err}
	}
	return nil
}

// close finalises the open chunk and records it, even when empty.
func (st *splitState) close() error {
	if st.current == nil {
		return nil
	}
	w := st.current
	st.current = nil
	path := ChunkPath(st.dir, st.index)
	if err := w.Close(); err != nil {
		return &EncodeError{Path: path, Err: err}
	}
	st.chunks = append(st.chunks, Chunk{
		Index:     st.index,
		Path:      path,
		ByteSize:  w.written,
		FileSize:  w.FileSize(),
		Duration:  st.format.Duration(w.written),
		Oversized: st.oversized,
	})
	return nil
}

func (st *splitState) rotate() error {
	if err := st.close(); err != nil {
		return err
	}
	st.index++
	return st.open()
}

func (st *splitState) abort(err error) ([]Chunk, error) {
	if st.current != nil {
		_ = st.current.Close()
		st.current = nil
	}
	return st.chunks, err
}
