package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"
)

// DefaultBufferSize is the read granularity for extraction and splitting.
const DefaultBufferSize = 4096

// ProgressFunc receives bytes consumed so far against the expected total.
// total is zero when the source did not declare a usable duration, and
// consumed may exceed total when the declaration was wrong.
type ProgressFunc func(consumed, total int64)

// Extracted describes the intermediate WAV produced by Extract.
type Extracted struct {
	Path         string
	Format       PCMFormat
	PayloadBytes int64
	Duration     time.Duration
}

// Extractor re-encodes the audio track of a source into an intermediate WAV.
type Extractor struct {
	decoder    Decoder
	format     PCMFormat
	bufferSize int
}

func NewExtractor(decoder Decoder, format PCMFormat, bufferSize int) *Extractor {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	if format == (PCMFormat{}) {
		format = DefaultFormat
	}
	return &Extractor{decoder: decoder, format: format, bufferSize: bufferSize}
}

// Extract streams src into dest one buffer at a time. Termination is driven by
// the decoder reaching end of stream; the declared duration only scales
// progress. A partially written dest is left for the caller to clean up.
func (e *Extractor) Extract(ctx context.Context, src MediaSource, dest string, progress ProgressFunc) (Extracted, error) {
	if err := e.format.validate(); err != nil {
		return Extracted{}, &EncodeError{Path: dest, Err: err}
	}

	stream, err := e.decoder.Decode(ctx, src, e.format)
	if err != nil {
		return Extracted{}, &DecodeError{Path: src.Path, Err: err}
	}
	closeStream := func() error {
		if stream == nil {
			return nil
		}
		s := stream
		stream = nil
		return s.Close()
	}
	defer func() { _ = closeStream() }()

	out, err := createWAV(dest, e.format)
	if err != nil {
		return Extracted{}, &EncodeError{Path: dest, Err: err}
	}
	outOpen := true
	defer func() {
		if outOpen {
			_ = out.Close()
		}
	}()

	total := e.format.Bytes(src.Duration)
	buf := make([]byte, e.bufferSize)
	var consumed int64
	for {
		if err := ctx.Err(); err != nil {
			return Extracted{}, err
		}

		n, readErr := io.ReadFull(stream, buf)
		if n > 0 {
			if _, err := out.Write(buf[:n]); err != nil {
				return Extracted{}, &EncodeError{Path: dest, Err: err}
			}
			consumed += int64(n)
			if progress != nil {
				progress(consumed, total)
			}
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) || errors.Is(readErr, io.ErrUnexpectedEOF) {
				break
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return Extracted{}, ctxErr
			}
			return Extracted{}, &DecodeError{Path: src.Path, Err: readErr}
		}
	}

	if err := closeStream(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Extracted{}, ctxErr
		}
		return Extracted{}, &DecodeError{Path: src.Path, Err: err}
	}
	outOpen = false
	if err := out.Close(); err != nil {
		return Extracted{}, &EncodeError{Path: dest, Err: err}
	}
	if consumed == 0 {
		return Extracted{}, &DecodeError{Path: src.Path, Err: fmt.Errorf("decoder produced no audio")}
	}

	return Extracted{
		Path:         dest,
		Format:       e.format,
		PayloadBytes: consumed,
		Duration:     e.format.Duration(consumed),
	}, nil
}
