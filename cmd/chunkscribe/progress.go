package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/schollz/progressbar/v3"

	"chunkscribe/internal/pipeline"
)

// reporter renders pipeline events: a progress bar on an interactive
// terminal, sampled log lines otherwise.
type reporter struct {
	mu     sync.Mutex
	out    io.Writer
	bar    *progressbar.ProgressBar
	logger *slog.Logger
	sink   pipeline.Sink
}

func newReporter(out io.Writer, logger *slog.Logger) *reporter {
	r := &reporter{out: out, logger: logger}
	if !isTerminal(out) {
		r.sink = pipeline.NewLogSink(logger, 10)
		return r
	}
	r.bar = progressbar.NewOptions(100,
		progressbar.OptionSetWriter(out),
		progressbar.OptionSetWidth(30),
		progressbar.OptionSetDescription(describeStage(pipeline.StateIdle, 0)),
		progressbar.OptionSetPredictTime(false),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionShowElapsedTimeOnFinish(),
	)
	return r
}

func (r *reporter) Publish(e pipeline.Event) {
	if r.bar == nil {
		r.sink.Publish(e)
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	switch e.Kind {
	case pipeline.EventState:
		r.bar.Describe(describeStage(e.State, 0))
	case pipeline.EventProgress:
		r.bar.Describe(describeStage(e.State, e.Secondary))
		_ = r.bar.Set(int(e.Primary))
	case pipeline.EventLog:
		if e.Severity < slog.LevelWarn {
			return
		}
		_ = r.bar.Clear()
		r.logger.Log(context.Background(), e.Severity, e.Message, "state", string(e.State))
	}
}

// finish leaves the terminal on a clean line once the job has stopped.
func (r *reporter) finish(state pipeline.State) {
	if r.bar == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if state == pipeline.StateCompleted {
		_ = r.bar.Finish()
	}
	fmt.Fprintln(r.out)
}

func describeStage(state pipeline.State, stagePercent float64) string {
	if !state.Active() {
		return fmt.Sprintf("%-12s", state)
	}
	return fmt.Sprintf("%-12s %3.0f%%", state, stagePercent)
}

func isTerminal(w io.Writer) bool {
	file, ok := w.(*os.File)
	if !ok {
		return false
	}
	fd := file.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}
