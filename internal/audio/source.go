package audio

import (
	"context"
	"fmt"
	"os"
	"time"

	"chunkscribe/internal/media/ffprobe"
)

// MediaSource is the user-selected input. It is never mutated by the pipeline.
type MediaSource struct {
	Path            string
	ContainerFormat string
	// Duration is what the container declares; zero when unknown. It only
	// feeds progress estimates.
	Duration time.Duration
}

// FFprobe resolves MediaSource metadata with the ffprobe binary.
type FFprobe struct {
	Binary string
}

func (p FFprobe) Probe(ctx context.Context, path string) (MediaSource, error) {
	info, err := os.Stat(path)
	if err != nil {
		return MediaSource{}, &DecodeError{Path: path, Err: err}
	}
	if info.IsDir() {
		return MediaSource{}, &DecodeError{Path: path, Err: fmt.Errorf("is a directory")}
	}

	res, err := ffprobe.Inspect(ctx, p.Binary, path)
	if err != nil {
		return MediaSource{}, &DecodeError{Path: path, Err: err}
	}
	if res.AudioStreamCount() == 0 {
		return MediaSource{}, &DecodeError{Path: path, Err: ErrNoAudioStream}
	}

	return MediaSource{
		Path:            path,
		ContainerFormat: res.ContainerFormat(),
		Duration:        res.Duration(),
	}, nil
}
