package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"chunkscribe/internal/audio"
	"chunkscribe/internal/subtitle"
)

// DefaultMaxChunkBytes is the upload ceiling of the hosted transcription API.
const DefaultMaxChunkBytes int64 = 25 << 20

type Prober interface {
	Probe(ctx context.Context, path string) (audio.MediaSource, error)
}

type Transcriber interface {
	TranscribeChunk(ctx context.Context, chunk audio.Chunk) (string, error)
}

type Metrics interface {
	ObserveChunk(byteSize int64, duration time.Duration)
	ObserveJob(outcome string, duration time.Duration)
}

type Options struct {
	// WorkDir is the parent of per-job workspaces; empty means os.TempDir().
	WorkDir       string
	MaxChunkBytes int64
	BufferSize    int
	Boundary      audio.BoundaryPolicy
	Format        audio.PCMFormat
	// SalvagePartialOnCancel writes the cues of chunks that were already
	// transcribed when a job is cancelled. Otherwise the destination is left
	// untouched.
	SalvagePartialOnCancel bool
	DecimalSeparator       string
}

type Dependencies struct {
	Prober      Prober
	Decoder     audio.Decoder
	Transcriber Transcriber
	Sink        Sink
	Metrics     Metrics
	Logger      *slog.Logger
}

type Job struct {
	Source      string
	Destination string
}

type Result struct {
	State State
	// Destination is set only when a subtitle file was written.
	Destination string
	Chunks      int
	Transcribed int
	Cues        int
	// AudioDuration is the playback length covered by the written cues.
	AudioDuration time.Duration
	Partial       bool
	Elapsed       time.Duration
}

// Service runs one job at a time through extraction, splitting, sequential
// transcription and merging. A finished Service must be Reset before it
// accepts another job.
type Service struct {
	opts   Options
	deps   Dependencies
	logger *slog.Logger
	sink   Sink

	mu     sync.Mutex
	state  State
	cancel context.CancelFunc
	// primary is the last whole-job percentage published.
	primary float64
}

func New(opts Options, deps Dependencies) *Service {
	if deps.Prober == nil || deps.Decoder == nil || deps.Transcriber == nil {
		panic("pipeline: prober, decoder and transcriber are required")
	}
	if opts.MaxChunkBytes <= 0 {
		opts.MaxChunkBytes = DefaultMaxChunkBytes
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = audio.DefaultBufferSize
	}
	if opts.Format == (audio.PCMFormat{}) {
		opts.Format = audio.DefaultFormat
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	var sink Sink = discardSink{}
	if deps.Sink != nil {
		sink = deps.Sink
	}
	return &Service{
		opts:   opts,
		deps:   deps,
		logger: logger,
		sink:   sink,
		state:  StateIdle,
	}
}

func (s *Service) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Cancel asks the running job to stop at its next poll point. An upload that
// is already in flight finishes first.
func (s *Service) Cancel() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.state.Active() || s.cancel == nil {
		return ErrNotRunning
	}
	s.cancel()
	return nil
}

// Reset returns a finished Service to Idle and clears any cancellation.
func (s *Service) Reset() error {
	s.mu.Lock()
	if s.state.Active() {
		s.mu.Unlock()
		return ErrBusy
	}
	changed := s.state != StateIdle
	s.state = StateIdle
	s.cancel = nil
	s.mu.Unlock()

	if changed {
		s.publish(Event{Kind: EventState, State: StateIdle})
	}
	return nil
}

// Run executes job to a terminal state. The workspace is always removed
// before Run returns. On failure no file is written at job.Destination;
// cancellation leaves it untouched unless partial salvage is enabled.
func (s *Service) Run(ctx context.Context, job Job) (Result, error) {
	job.Source = strings.TrimSpace(job.Source)
	job.Destination = strings.TrimSpace(job.Destination)
	if job.Source == "" || job.Destination == "" {
		return Result{State: s.State()}, fmt.Errorf("pipeline: source and destination are required")
	}

	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		return Result{State: s.State()}, ErrBusy
	}
	s.state = StateExtracting
	s.cancel = cancel
	s.mu.Unlock()
	s.publish(Event{Kind: EventState, State: StateExtracting})

	started := time.Now()
	ws := &workspace{}
	res, final, err := s.execute(jobCtx, job, ws)
	s.removeWorkspace(ws)

	res.State = final
	res.Elapsed = time.Since(started)
	s.enter(final)
	s.mu.Lock()
	s.cancel = nil
	s.mu.Unlock()

	switch final {
	case StateCompleted:
		s.publish(Event{Kind: EventProgress, State: final, Primary: 100, Secondary: 100})
		s.logEvent(slog.LevelInfo, final, fmt.Sprintf("wrote %d cues to %s in %s", res.Cues, res.Destination, res.Elapsed.Round(time.Millisecond)))
	case StateCancelled:
		s.logEvent(slog.LevelWarn, final, "job cancelled")
	case StateFailed:
		s.logEvent(slog.LevelError, final, err.Error())
	}
	if s.deps.Metrics != nil {
		s.deps.Metrics.ObserveJob(string(final), res.Elapsed)
	}
	return res, err
}

type workspace struct {
	dir string
}

type chunkText struct {
	chunk audio.Chunk
	text  string
}

func (s *Service) execute(ctx context.Context, job Job, ws *workspace) (Result, State, error) {
	var res Result

	if err := CheckDestination(job.Source, job.Destination); err != nil {
		return res, StateFailed, &JobError{State: StateExtracting, Summary: "destination rejected", Err: err}
	}

	dir, err := os.MkdirTemp(s.opts.WorkDir, "chunkscribe-")
	if err != nil {
		return res, StateFailed, &JobError{State: StateExtracting, Summary: "create workspace", Err: err}
	}
	ws.dir = dir

	// Extracting
	src, err := s.deps.Prober.Probe(ctx, job.Source)
	if err != nil {
		return s.stopped(ctx, res, StateExtracting, "cannot open source", err)
	}
	s.logEvent(slog.LevelInfo, StateExtracting, fmt.Sprintf("source %s (format %s, duration %s)", src.Path, src.ContainerFormat, src.Duration.Round(time.Millisecond)))

	extracted, err := s.extract(ctx, src, filepath.Join(dir, "audio.wav"))
	if err != nil {
		return s.stopped(ctx, res, StateExtracting, "audio extraction failed", err)
	}
	s.logEvent(slog.LevelInfo, StateExtracting, fmt.Sprintf("extracted %d bytes of audio (%s)", extracted.PayloadBytes, extracted.Duration))

	// Splitting
	if err := ctx.Err(); err != nil {
		return s.stopped(ctx, res, StateExtracting, "cancelled", err)
	}
	s.enter(StateSplitting)
	chunks, err := s.split(ctx, extracted.Path, dir)
	res.Chunks = len(chunks)
	if err != nil {
		return s.stopped(ctx, res, StateSplitting, "chunk splitting failed", err)
	}
	s.removeFile(extracted.Path)
	for _, c := range chunks {
		if c.Oversized {
			s.logEvent(slog.LevelWarn, StateSplitting, fmt.Sprintf("chunk %d is %d bytes, above the %d byte ceiling", c.Index, c.FileSize, s.opts.MaxChunkBytes))
		}
	}
	s.logEvent(slog.LevelInfo, StateSplitting, fmt.Sprintf("split audio into %d chunks", len(chunks)))

	// Translating
	if err := ctx.Err(); err != nil {
		return s.stopped(ctx, res, StateSplitting, "cancelled", err)
	}
	s.enter(StateTranslating)
	texts := make([]chunkText, 0, len(chunks))
	prog := newStageProgress(StateTranslating, s.publish)
	prog.update(0)
	for i, chunk := range chunks {
		if err := ctx.Err(); err != nil {
			res = s.salvage(res, job, texts)
			return res, StateCancelled, &JobError{State: StateTranslating, Summary: fmt.Sprintf("cancelled after %d of %d chunks", i, len(chunks)), Err: err}
		}

		text := ""
		if chunk.ByteSize == 0 {
			s.logEvent(slog.LevelDebug, StateTranslating, fmt.Sprintf("chunk %d is empty, skipping upload", chunk.Index))
		} else {
			s.logEvent(slog.LevelInfo, StateTranslating, fmt.Sprintf("transcribing chunk %d/%d (%s)", i+1, len(chunks), chunk.Duration))
			text, err = s.deps.Transcriber.TranscribeChunk(ctx, chunk)
			if err != nil {
				return res, StateFailed, &JobError{State: StateTranslating, Summary: fmt.Sprintf("chunk %d/%d failed", i+1, len(chunks)), Err: err}
			}
			if s.deps.Metrics != nil {
				s.deps.Metrics.ObserveChunk(chunk.ByteSize, chunk.Duration)
			}
		}
		texts = append(texts, chunkText{chunk: chunk, text: text})
		s.removeFile(chunk.Path)
		prog.update(float64(i+1) / float64(len(chunks)))
	}
	res.Transcribed = len(texts)

	// Merging
	s.enter(StateMerging)
	merger, err := mergeTexts(s.opts.DecimalSeparator, texts)
	if err != nil {
		return res, StateFailed, &JobError{State: StateMerging, Summary: "malformed subtitle text", Err: err}
	}
	if err := merger.WriteFile(job.Destination); err != nil {
		return res, StateFailed, &JobError{State: StateMerging, Summary: "write subtitle file", Err: err}
	}
	res.Destination = job.Destination
	res.Cues = len(merger.Cues())
	res.AudioDuration = merger.Offset()
	return res, StateCompleted, nil
}

func (s *Service) extract(ctx context.Context, src audio.MediaSource, dest string) (audio.Extracted, error) {
	prog := newStageProgress(StateExtracting, s.publish)
	sampler := NewProgressSampler(10)
	rate := newThroughput(s.opts.Format.Bytes(src.Duration), nil)

	extractor := audio.NewExtractor(s.deps.Decoder, s.opts.Format, s.opts.BufferSize)
	return extractor.Extract(ctx, src, dest, func(consumed, total int64) {
		if total <= 0 {
			sampler.ShouldLog(-1, string(StateExtracting))
			return
		}
		fraction := clampFraction(float64(consumed) / float64(total))
		prog.update(fraction)
		if sampler.ShouldLog(fraction*100, string(StateExtracting)) {
			s.logEvent(slog.LevelInfo, StateExtracting, fmt.Sprintf("extracting %d%% (%s)", int(fraction*100), rate.describe(consumed)))
		}
	})
}

func (s *Service) split(ctx context.Context, srcPath, dir string) ([]audio.Chunk, error) {
	prog := newStageProgress(StateSplitting, s.publish)
	closed := 0
	splitter := audio.NewSplitter(s.opts.MaxChunkBytes, s.opts.BufferSize, s.opts.Boundary, s.logger)
	return splitter.Split(ctx, srcPath, dir, func(consumed, total int64, chunksClosed int) {
		if total > 0 {
			prog.update(float64(consumed) / float64(total))
		}
		for ; closed < chunksClosed; closed++ {
			s.logEvent(slog.LevelDebug, StateSplitting, fmt.Sprintf("chunk %d written", closed))
		}
	})
}

// stopped classifies an error from a cancellable stage. If the job context is
// done the job was cancelled, whatever the stage reported.
func (s *Service) stopped(ctx context.Context, res Result, state State, summary string, err error) (Result, State, error) {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return res, StateCancelled, &JobError{State: state, Summary: "cancelled", Err: ctxErr}
	}
	return res, StateFailed, &JobError{State: state, Summary: summary, Err: err}
}

func (s *Service) salvage(res Result, job Job, texts []chunkText) Result {
	res.Transcribed = len(texts)
	if !s.opts.SalvagePartialOnCancel || len(texts) == 0 {
		return res
	}
	merger, err := mergeTexts(s.opts.DecimalSeparator, texts)
	if err == nil {
		err = merger.WriteFile(job.Destination)
	}
	if err != nil {
		s.logEvent(slog.LevelError, StateTranslating, fmt.Sprintf("partial subtitle not written: %v", err))
		return res
	}
	res.Destination = job.Destination
	res.Cues = len(merger.Cues())
	res.AudioDuration = merger.Offset()
	res.Partial = true
	s.logEvent(slog.LevelWarn, StateTranslating, fmt.Sprintf("wrote partial subtitle covering %d chunks", len(texts)))
	return res
}

func mergeTexts(separator string, texts []chunkText) (*subtitle.Merger, error) {
	merger := subtitle.NewMerger(separator)
	for _, t := range texts {
		if err := merger.Append(t.chunk.Index, t.text, t.chunk.Duration); err != nil {
			return nil, err
		}
	}
	return merger, nil
}

// CheckDestination verifies that dest can receive the subtitle file: its
// directory must exist and it must not name the source, directly or through
// another link to the same file.
func CheckDestination(source, dest string) error {
	if samePath(source, dest) {
		return fmt.Errorf("%s: %w", dest, ErrDestinationIsSource)
	}
	dir := filepath.Dir(dest)
	info, err := os.Stat(dir)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", dir)
	}
	return nil
}

func samePath(a, b string) bool {
	if abs, err := filepath.Abs(a); err == nil {
		a = abs
	}
	if abs, err := filepath.Abs(b); err == nil {
		b = abs
	}
	if filepath.Clean(a) == filepath.Clean(b) {
		return true
	}
	ai, errA := os.Stat(a)
	bi, errB := os.Stat(b)
	return errA == nil && errB == nil && os.SameFile(ai, bi)
}

func (s *Service) enter(to State) {
	s.mu.Lock()
	from := s.state
	if !isValidTransition(from, to) {
		s.mu.Unlock()
		panic(&transitionError{from: from, to: to})
	}
	s.state = to
	primary := primaryPercent(to, 0)
	if to == StateFailed || to == StateCancelled {
		primary = s.primary
	}
	s.mu.Unlock()
	s.publish(Event{Kind: EventState, State: to, Primary: primary})
}

func (s *Service) removeWorkspace(ws *workspace) {
	if ws.dir == "" {
		return
	}
	if err := os.RemoveAll(ws.dir); err != nil {
		s.reportCleanup(&CleanupError{Path: ws.dir, Err: err})
	}
}

func (s *Service) removeFile(path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.reportCleanup(&CleanupError{Path: path, Err: err})
	}
}

func (s *Service) reportCleanup(err *CleanupError) {
	s.logEvent(slog.LevelWarn, s.State(), err.Error())
}

func (s *Service) logEvent(level slog.Level, state State, message string) {
	s.publish(Event{Kind: EventLog, State: state, Severity: level, Message: message})
}

func (s *Service) publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	if e.Kind == EventState || e.Kind == EventProgress {
		s.mu.Lock()
		s.primary = e.Primary
		s.mu.Unlock()
	}
	s.sink.Publish(e)
}
