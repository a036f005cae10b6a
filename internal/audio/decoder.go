package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"
)

// Decoder opens a raw PCM stream for the audio track of a source.
type Decoder interface {
	Decode(ctx context.Context, src MediaSource, format PCMFormat) (io.ReadCloser, error)
}

// FFmpegDecoder pipes the first audio stream through ffmpeg as s16le PCM.
type FFmpegDecoder struct {
	Binary string
}

func (d FFmpegDecoder) Decode(ctx context.Context, src MediaSource, format PCMFormat) (io.ReadCloser, error) {
	if format.BitsPerSample != 16 {
		return nil, fmt.Errorf("ffmpeg decoder only emits 16-bit pcm, got %d", format.BitsPerSample)
	}
	binary := strings.TrimSpace(d.Binary)
	if binary == "" {
		binary = "ffmpeg"
	}

	args := buildDecodeArgs(src.Path, format)
	cmd := exec.CommandContext(ctx, binary, args...)
	stderr := &limitedBuffer{limit: 8 << 10}
	cmd.Stderr = stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", binary, err)
	}
	return &processStream{cmd: cmd, stdout: stdout, stderr: stderr}, nil
}

// buildDecodeArgs drops video and re-samples to the requested layout.
func buildDecodeArgs(inputPath string, format PCMFormat) []string {
	return []string{
		"-hide_banner",
		"-nostdin",
		"-v", "error",
		"-i", inputPath,
		"-map", "0:a:0",
		"-vn",
		"-ac", strconv.Itoa(format.Channels),
		"-ar", strconv.Itoa(format.SampleRate),
		"-c:a", "pcm_s16le",
		"-f", "s16le",
		"pipe:1",
	}
}

type processStream struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	stderr *limitedBuffer
	eof    bool
}

func (p *processStream) Read(b []byte) (int, error) {
	n, err := p.stdout.Read(b)
	if errors.Is(err, io.EOF) {
		p.eof = true
	}
	return n, err
}

// Close reaps the process. An early close (cancellation, write failure)
// ignores the exit status since the pipe was cut on purpose.
func (p *processStream) Close() error {
	_ = p.stdout.Close()
	err := p.cmd.Wait()
	if !p.eof {
		return nil
	}
	if err != nil {
		if msg := strings.TrimSpace(p.stderr.String()); msg != "" {
			return fmt.Errorf("%w: %s", err, msg)
		}
		return err
	}
	return nil
}

type limitedBuffer struct {
	mu    sync.Mutex
	buf   bytes.Buffer
	limit int
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if room := b.limit - b.buf.Len(); room > 0 {
		if len(p) > room {
			b.buf.Write(p[:room])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}

func (b *limitedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
