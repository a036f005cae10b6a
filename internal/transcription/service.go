package transcription

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"chunkscribe/internal/audio"
	"chunkscribe/internal/upstream/openai"
)

type Client interface {
	TranscribeFile(ctx context.Context, in openai.AudioRequest) (string, error)
}

// Error reports a failed chunk upload. StatusCode is zero when the request
// never got an HTTP response.
type Error struct {
	ChunkIndex int
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("transcribe chunk %d: %v", e.ChunkIndex, e.Err)
	}
	return fmt.Sprintf("transcribe chunk %d: status %d", e.ChunkIndex, e.StatusCode)
}

func (e *Error) Unwrap() error {
	return e.Err
}

type Service struct {
	client     Client
	model      string
	task       string
	timeout    time.Duration
	credential string
}

func New(client Client, model, task string, timeout time.Duration) *Service {
	return &Service{
		client:  client,
		model:   strings.TrimSpace(model),
		task:    strings.TrimSpace(task),
		timeout: timeout,
	}
}

// WithCredential returns a copy of s that authenticates with credential
// instead of the client's configured key. An empty credential keeps the
// configured key.
func (s *Service) WithCredential(credential string) *Service {
	cp := *s
	cp.credential = strings.TrimSpace(credential)
	return &cp
}

// TranscribeChunk uploads one chunk and returns its subtitle text. The call
// is detached from ctx cancellation so an upload already on the wire runs to
// completion; only the per-chunk timeout bounds it. No retry is attempted.
func (s *Service) TranscribeChunk(ctx context.Context, chunk audio.Chunk) (string, error) {
	ctx = context.WithoutCancel(ctx)
	if s.credential != "" {
		ctx = openai.WithRequestAPIKey(ctx, s.credential)
	}
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	text, err := s.client.TranscribeFile(ctx, openai.AudioRequest{
		FilePath:       chunk.Path,
		Model:          s.model,
		ResponseFormat: openai.FormatSRT,
		Task:           s.task,
	})
	if err != nil {
		tErr := &Error{ChunkIndex: chunk.Index, Err: err}
		var upstreamErr *openai.Error
		if errors.As(err, &upstreamErr) {
			tErr.StatusCode = upstreamErr.StatusCode
		}
		return "", tErr
	}
	return text, nil
}
