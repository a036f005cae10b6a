package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"chunkscribe/internal/audio"
	"chunkscribe/internal/subtitle"
	"chunkscribe/internal/transcription"
	"chunkscribe/internal/upstream/openai"
)

const bytesPerSecond = 32000

type fakeProber struct {
	duration time.Duration
	err      error
}

func (f fakeProber) Probe(_ context.Context, path string) (audio.MediaSource, error) {
	if f.err != nil {
		return audio.MediaSource{}, &audio.DecodeError{Path: path, Err: f.err}
	}
	return audio.MediaSource{Path: path, ContainerFormat: "matroska", Duration: f.duration}, nil
}

type pcmDecoder struct {
	payload []byte
}

func (d pcmDecoder) Decode(context.Context, audio.MediaSource, audio.PCMFormat) (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(d.payload)), nil
}

type scriptedTranscriber struct {
	calls   []int
	onCall  func(chunk audio.Chunk)
	respond func(chunk audio.Chunk) (string, error)
}

func (s *scriptedTranscriber) TranscribeChunk(_ context.Context, chunk audio.Chunk) (string, error) {
	s.calls = append(s.calls, chunk.Index)
	if _, err := os.Stat(chunk.Path); err != nil {
		return "", fmt.Errorf("chunk file missing: %w", err)
	}
	var text string
	var err error
	if s.respond != nil {
		text, err = s.respond(chunk)
	} else {
		text = chunkCue(chunk.Index)
	}
	if s.onCall != nil {
		s.onCall(chunk)
	}
	return text, err
}

func chunkCue(i int) string {
	return fmt.Sprintf("%d\n00:00:00,100 --> 00:00:00,900\nchunk %d\n", i+5, i)
}

type recordingMetrics struct {
	chunks   int
	outcomes []string
}

func (m *recordingMetrics) ObserveChunk(int64, time.Duration) { m.chunks++ }
func (m *recordingMetrics) ObserveJob(outcome string, _ time.Duration) {
	m.outcomes = append(m.outcomes, outcome)
}

type harness struct {
	workDir string
	dest    string
	events  []Event
	metrics *recordingMetrics
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return &harness{
		workDir: t.TempDir(),
		dest:    filepath.Join(t.TempDir(), "movie.srt"),
		metrics: &recordingMetrics{},
	}
}

func (h *harness) service(seconds int, maxChunkBytes int64, tr Transcriber, salvage bool) *Service {
	payload := make([]byte, seconds*bytesPerSecond)
	for i := range payload {
		payload[i] = byte(i % 251)
	}
	return New(Options{
		WorkDir:                h.workDir,
		MaxChunkBytes:          maxChunkBytes,
		Boundary:               audio.FillToCeiling,
		SalvagePartialOnCancel: salvage,
	}, Dependencies{
		Prober:      fakeProber{duration: time.Duration(seconds) * time.Second},
		Decoder:     pcmDecoder{payload: payload},
		Transcriber: tr,
		Sink:        SinkFunc(func(e Event) { h.events = append(h.events, e) }),
		Metrics:     h.metrics,
	})
}

func (h *harness) states() []State {
	var out []State
	for _, e := range h.events {
		if e.Kind == EventState {
			out = append(out, e.State)
		}
	}
	return out
}

func (h *harness) stateEvent(t *testing.T, state State) Event {
	t.Helper()
	for _, e := range h.events {
		if e.Kind == EventState && e.State == state {
			return e
		}
	}
	t.Fatalf("no %s state event", state)
	return Event{}
}

func assertWorkspaceRemoved(t *testing.T, workDir string) {
	t.Helper()
	entries, err := os.ReadDir(workDir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Fatalf("workspace not removed: %d entries left in %s", len(entries), workDir)
	}
}

func assertNoFile(t *testing.T, path string) {
	t.Helper()
	if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected no file at %s, stat err = %v", path, err)
	}
}

// one second of audio per chunk: 32000 payload bytes plus the WAV header
const oneSecondChunk = bytesPerSecond + 44

func TestRunSingleChunkRenumbersResponse(t *testing.T) {
	h := newHarness(t)
	tr := &scriptedTranscriber{}
	svc := h.service(2, DefaultMaxChunkBytes, tr, false)

	res, err := svc.Run(context.Background(), Job{Source: "/media/in.mkv", Destination: h.dest})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.State != StateCompleted || res.Chunks != 1 || len(tr.calls) != 1 {
		t.Fatalf("unexpected result %+v, calls %v", res, tr.calls)
	}
	data, err := os.ReadFile(h.dest)
	if err != nil {
		t.Fatal(err)
	}
	want := "1\n00:00:00,100 --> 00:00:00,900\nchunk 0\n"
	if string(data) != want {
		t.Fatalf("unexpected subtitle:\n%s", data)
	}
	if res.AudioDuration != 2*time.Second {
		t.Fatalf("unexpected audio duration: %v", res.AudioDuration)
	}
	assertWorkspaceRemoved(t, h.workDir)
}

func TestRunShiftsEachChunkByPrecedingDurations(t *testing.T) {
	h := newHarness(t)
	tr := &scriptedTranscriber{}
	svc := h.service(3, oneSecondChunk, tr, false)

	res, err := svc.Run(context.Background(), Job{Source: "/media/in.mkv", Destination: h.dest})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Chunks != 3 || res.Cues != 3 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if fmt.Sprint(tr.calls) != "[0 1 2]" {
		t.Fatalf("chunks uploaded out of order: %v", tr.calls)
	}
	data, _ := os.ReadFile(h.dest)
	want := `1
00:00:00,100 --> 00:00:00,900
chunk 0

2
00:00:01,100 --> 00:00:01,900
chunk 1

3
00:00:02,100 --> 00:00:02,900
chunk 2
`
	if string(data) != want {
		t.Fatalf("unexpected subtitle:\n%s", data)
	}

	wantStates := []State{StateExtracting, StateSplitting, StateTranslating, StateMerging, StateCompleted}
	if fmt.Sprint(h.states()) != fmt.Sprint(wantStates) {
		t.Fatalf("unexpected state sequence: %v", h.states())
	}
	if h.metrics.chunks != 3 || fmt.Sprint(h.metrics.outcomes) != "[completed]" {
		t.Fatalf("unexpected metrics: %+v", h.metrics)
	}
	assertWorkspaceRemoved(t, h.workDir)
}

func TestRunProgressIsMonotonic(t *testing.T) {
	h := newHarness(t)
	svc := h.service(3, oneSecondChunk, &scriptedTranscriber{}, false)
	if _, err := svc.Run(context.Background(), Job{Source: "in.mkv", Destination: h.dest}); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	last := -1.0
	lastSecondary := map[State]float64{}
	var final Event
	for _, e := range h.events {
		if e.Kind != EventProgress {
			continue
		}
		if e.Primary < last {
			t.Fatalf("primary progress went backwards: %v after %v", e.Primary, last)
		}
		if e.Secondary < lastSecondary[e.State] {
			t.Fatalf("%s progress went backwards", e.State)
		}
		last = e.Primary
		lastSecondary[e.State] = e.Secondary
		final = e
	}
	if final.Primary != 100 || final.State != StateCompleted {
		t.Fatalf("unexpected final progress: %+v", final)
	}
}

func TestRunFailsOnUpstreamRejection(t *testing.T) {
	var requests atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if requests.Add(1) == 2 {
			http.Error(w, `{"error":"invalid api key"}`, http.StatusUnauthorized)
			return
		}
		_, _ = io.WriteString(w, chunkCue(0))
	}))
	defer ts.Close()

	client := openai.New(ts.URL, "key", ts.Client())
	tr := transcription.New(client, "whisper-1", openai.TaskTranslate, time.Minute)

	h := newHarness(t)
	svc := h.service(3, oneSecondChunk, tr, false)
	res, err := svc.Run(context.Background(), Job{Source: "in.mkv", Destination: h.dest})
	if err == nil {
		t.Fatal("expected error")
	}
	if res.State != StateFailed || svc.State() != StateFailed {
		t.Fatalf("unexpected state: %s / %s", res.State, svc.State())
	}
	var tErr *transcription.Error
	if !errors.As(err, &tErr) {
		t.Fatalf("expected *transcription.Error, got %v", err)
	}
	if tErr.ChunkIndex != 1 || tErr.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unexpected error fields: %+v", tErr)
	}
	var jobErr *JobError
	if !errors.As(err, &jobErr) || jobErr.State != StateTranslating {
		t.Fatalf("expected failure in translating, got %v", err)
	}
	if got := requests.Load(); got != 2 {
		t.Fatalf("expected remaining chunks to be abandoned, got %d requests", got)
	}
	assertNoFile(t, h.dest)
	assertWorkspaceRemoved(t, h.workDir)
}

func TestRunCancelAfterFirstChunkStopsUploads(t *testing.T) {
	h := newHarness(t)
	tr := &scriptedTranscriber{}
	svc := h.service(3, oneSecondChunk, tr, false)
	tr.onCall = func(audio.Chunk) {
		if err := svc.Cancel(); err != nil {
			t.Errorf("Cancel() error = %v", err)
		}
	}

	res, err := svc.Run(context.Background(), Job{Source: "in.mkv", Destination: h.dest})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if res.State != StateCancelled || res.Transcribed != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if len(tr.calls) != 1 {
		t.Fatalf("expected a single upload, got %v", tr.calls)
	}
	assertNoFile(t, h.dest)
	assertWorkspaceRemoved(t, h.workDir)
	if got := h.stateEvent(t, StateCancelled).Primary; got != 77 {
		t.Fatalf("cancelled state primary = %v, want the last reported 77", got)
	}

	if err := svc.Cancel(); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("Cancel() after finish error = %v, want %v", err, ErrNotRunning)
	}
}

func TestRunSalvagesPartialOutputOnCancel(t *testing.T) {
	h := newHarness(t)
	tr := &scriptedTranscriber{}
	svc := h.service(3, oneSecondChunk, tr, true)
	tr.onCall = func(c audio.Chunk) {
		if c.Index == 1 {
			_ = svc.Cancel()
		}
	}

	res, err := svc.Run(context.Background(), Job{Source: "in.mkv", Destination: h.dest})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if !res.Partial || res.Cues != 2 || res.Destination != h.dest {
		t.Fatalf("unexpected result: %+v", res)
	}
	data, _ := os.ReadFile(h.dest)
	want := "1\n00:00:00,100 --> 00:00:00,900\nchunk 0\n\n2\n00:00:01,100 --> 00:00:01,900\nchunk 1\n"
	if string(data) != want {
		t.Fatalf("unexpected partial subtitle:\n%s", data)
	}
	assertWorkspaceRemoved(t, h.workDir)
}

func TestRunCancelledBeforeStartLeavesDestinationUntouched(t *testing.T) {
	h := newHarness(t)
	if err := os.WriteFile(h.dest, []byte("previous"), 0o644); err != nil {
		t.Fatal(err)
	}
	tr := &scriptedTranscriber{}
	svc := h.service(2, DefaultMaxChunkBytes, tr, true)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := svc.Run(ctx, Job{Source: "in.mkv", Destination: h.dest})
	if !errors.Is(err, context.Canceled) || res.State != StateCancelled {
		t.Fatalf("unexpected outcome: %+v, %v", res, err)
	}
	if len(tr.calls) != 0 {
		t.Fatalf("unexpected uploads: %v", tr.calls)
	}
	data, _ := os.ReadFile(h.dest)
	if string(data) != "previous" {
		t.Fatalf("destination modified: %q", data)
	}
	assertWorkspaceRemoved(t, h.workDir)
}

func TestRunIsDeterministic(t *testing.T) {
	h := newHarness(t)
	svc := h.service(3, oneSecondChunk, &scriptedTranscriber{}, false)

	var outputs [][]byte
	for i := range 2 {
		if _, err := svc.Run(context.Background(), Job{Source: "in.mkv", Destination: h.dest}); err != nil {
			t.Fatalf("Run() #%d error = %v", i, err)
		}
		data, err := os.ReadFile(h.dest)
		if err != nil {
			t.Fatal(err)
		}
		outputs = append(outputs, data)
		if err := svc.Reset(); err != nil {
			t.Fatalf("Reset() error = %v", err)
		}
	}
	if !bytes.Equal(outputs[0], outputs[1]) {
		t.Fatal("identical runs produced different subtitle files")
	}
}

func TestRunRequiresReset(t *testing.T) {
	h := newHarness(t)
	svc := h.service(1, DefaultMaxChunkBytes, &scriptedTranscriber{}, false)
	if _, err := svc.Run(context.Background(), Job{Source: "in.mkv", Destination: h.dest}); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if _, err := svc.Run(context.Background(), Job{Source: "in.mkv", Destination: h.dest}); !errors.Is(err, ErrBusy) {
		t.Fatalf("second Run() error = %v, want %v", err, ErrBusy)
	}
	if err := svc.Reset(); err != nil {
		t.Fatalf("Reset() error = %v", err)
	}
	if svc.State() != StateIdle {
		t.Fatalf("state after reset = %s", svc.State())
	}
}

func TestRunDecodeFailure(t *testing.T) {
	h := newHarness(t)
	svc := New(Options{WorkDir: h.workDir}, Dependencies{
		Prober:      fakeProber{err: errors.New("moov atom not found")},
		Decoder:     pcmDecoder{},
		Transcriber: &scriptedTranscriber{},
	})

	res, err := svc.Run(context.Background(), Job{Source: "broken.mp4", Destination: h.dest})
	var decErr *audio.DecodeError
	if !errors.As(err, &decErr) {
		t.Fatalf("expected *audio.DecodeError, got %v", err)
	}
	if res.State != StateFailed {
		t.Fatalf("unexpected state: %s", res.State)
	}
	assertNoFile(t, h.dest)
	assertWorkspaceRemoved(t, h.workDir)
}

func TestRunMalformedTranscriptFails(t *testing.T) {
	h := newHarness(t)
	tr := &scriptedTranscriber{respond: func(c audio.Chunk) (string, error) {
		if c.Index == 1 {
			return "not subtitles", nil
		}
		return chunkCue(c.Index), nil
	}}
	svc := h.service(2, oneSecondChunk, tr, false)

	res, err := svc.Run(context.Background(), Job{Source: "in.mkv", Destination: h.dest})
	var mErr *subtitle.MergeError
	if !errors.As(err, &mErr) || mErr.ChunkIndex != 1 {
		t.Fatalf("expected merge error for chunk 1, got %v", err)
	}
	if res.State != StateFailed {
		t.Fatalf("unexpected state: %s", res.State)
	}
	assertNoFile(t, h.dest)

	if got := h.stateEvent(t, StateMerging).Primary; got != 99 {
		t.Fatalf("merging state primary = %v, want 99", got)
	}
	if got := h.stateEvent(t, StateFailed).Primary; got != 99 {
		t.Fatalf("failed state primary = %v, want 99", got)
	}
	for _, e := range h.events {
		if e.Primary == 100 {
			t.Fatalf("failed job reported 100%%: %+v", e)
		}
	}
}

func TestRunRejectsMissingDestinationDirectory(t *testing.T) {
	h := newHarness(t)
	tr := &scriptedTranscriber{}
	svc := h.service(1, DefaultMaxChunkBytes, tr, false)

	dest := filepath.Join(t.TempDir(), "missing", "out.srt")
	res, err := svc.Run(context.Background(), Job{Source: "in.mkv", Destination: dest})
	if err == nil || res.State != StateFailed {
		t.Fatalf("expected failure, got %+v, %v", res, err)
	}
	if len(tr.calls) != 0 {
		t.Fatalf("unexpected uploads: %v", tr.calls)
	}
}

func TestRunRefusesToOverwriteSource(t *testing.T) {
	dir := t.TempDir()
	source := filepath.Join(dir, "talk.mkv")
	original := []byte("matroska bytes")
	if err := os.WriteFile(source, original, 0o600); err != nil {
		t.Fatal(err)
	}
	link := filepath.Join(dir, "linked.srt")
	if err := os.Link(source, link); err != nil {
		t.Fatal(err)
	}

	for name, dest := range map[string]string{
		"same path":    source,
		"unclean path": filepath.Join(dir, "sub") + "/../talk.mkv",
		"hard link":    link,
	} {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t)
			tr := &scriptedTranscriber{}
			svc := h.service(1, DefaultMaxChunkBytes, tr, false)

			res, err := svc.Run(context.Background(), Job{Source: source, Destination: dest})
			if !errors.Is(err, ErrDestinationIsSource) {
				t.Fatalf("Run() error = %v, want %v", err, ErrDestinationIsSource)
			}
			var jobErr *JobError
			if !errors.As(err, &jobErr) || jobErr.State != StateExtracting {
				t.Fatalf("expected extracting JobError, got %v", err)
			}
			if res.State != StateFailed || len(tr.calls) != 0 {
				t.Fatalf("unexpected result %+v, uploads %v", res, tr.calls)
			}
			data, _ := os.ReadFile(source)
			if !bytes.Equal(data, original) {
				t.Fatalf("source was modified: %q", data)
			}
			assertWorkspaceRemoved(t, h.workDir)
		})
	}
}

func TestCheckDestination(t *testing.T) {
	dir := t.TempDir()
	source := filepath.Join(dir, "talk.mkv")
	if err := CheckDestination(source, filepath.Join(dir, "talk.srt")); err != nil {
		t.Fatalf("CheckDestination() error = %v", err)
	}
	if err := CheckDestination(source, source); !errors.Is(err, ErrDestinationIsSource) {
		t.Fatalf("CheckDestination(source) error = %v", err)
	}
	if err := CheckDestination(source, filepath.Join(dir, "missing", "talk.srt")); err == nil {
		t.Fatal("expected error for missing directory")
	}
}

func TestRunLogsFailureSummary(t *testing.T) {
	h := newHarness(t)
	tr := &scriptedTranscriber{respond: func(audio.Chunk) (string, error) {
		return "", &transcription.Error{ChunkIndex: 0, StatusCode: http.StatusInternalServerError}
	}}
	svc := h.service(1, DefaultMaxChunkBytes, tr, false)
	if _, err := svc.Run(context.Background(), Job{Source: "in.mkv", Destination: h.dest}); err == nil {
		t.Fatal("expected error")
	}

	var found bool
	for _, e := range h.events {
		if e.Kind == EventLog && e.State == StateFailed && e.Severity.String() == "ERROR" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected an error log event for the failure")
	}
}

func TestPrimaryPercent(t *testing.T) {
	cases := []struct {
		state    State
		fraction float64
		want     float64
	}{
		{StateExtracting, 0, 0},
		{StateExtracting, 1, 33},
		{StateSplitting, 0, 33},
		{StateSplitting, 1, 66},
		{StateTranslating, 0, 66},
		{StateTranslating, 2, 99},
		{StateMerging, 0, 99},
		{StateCompleted, 0, 100},
		{StateFailed, 0, 0},
	}
	for _, tc := range cases {
		if got := primaryPercent(tc.state, tc.fraction); got != tc.want {
			t.Fatalf("primaryPercent(%s, %v) = %v, want %v", tc.state, tc.fraction, got, tc.want)
		}
	}
}

func TestProgressSampler(t *testing.T) {
	s := NewProgressSampler(10)
	if !s.ShouldLog(1, "extracting") {
		t.Fatal("stage change should emit")
	}
	if s.ShouldLog(5, "extracting") {
		t.Fatal("same bucket should not emit")
	}
	if !s.ShouldLog(12, "extracting") {
		t.Fatal("new bucket should emit")
	}
	if !s.ShouldLog(0, "splitting") {
		t.Fatal("new stage should emit")
	}
}

func TestThroughputEstimate(t *testing.T) {
	now := time.Unix(0, 0)
	tp := newThroughput(4<<20, func() time.Time { return now })
	if _, ok := tp.remaining(0); ok {
		t.Fatal("no estimate before any time has passed")
	}
	now = now.Add(2 * time.Second)
	if got := tp.rateMBps(2 << 20); got != 1 {
		t.Fatalf("unexpected rate: %v", got)
	}
	eta, ok := tp.remaining(2 << 20)
	if !ok || eta != 2*time.Second {
		t.Fatalf("unexpected eta: %v %v", eta, ok)
	}
}

func TestStateTransitions(t *testing.T) {
	if !isValidTransition(StateTranslating, StateCancelled) {
		t.Fatal("translating should be cancellable")
	}
	if isValidTransition(StateMerging, StateCancelled) {
		t.Fatal("merging should not be cancellable")
	}
	if isValidTransition(StateIdle, StateCompleted) {
		t.Fatal("idle cannot complete")
	}
	if !isValidTransition(StateFailed, StateIdle) {
		t.Fatal("terminal states reset to idle")
	}
}
