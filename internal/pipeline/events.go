package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// EventKind classifies events published by a running job.
type EventKind string

const (
	EventState    EventKind = "state"
	EventProgress EventKind = "progress"
	EventLog      EventKind = "log"
)

// Event is one update from the orchestrator. Primary is the whole-job
// percentage, Secondary the percentage of the current stage.
type Event struct {
	Kind      EventKind
	State     State
	Primary   float64
	Secondary float64
	Message   string
	Severity  slog.Level
	Time      time.Time
}

// Sink receives events in publication order. Publish is called from the
// goroutine running the job and must not block for long.
type Sink interface {
	Publish(Event)
}

type SinkFunc func(Event)

func (f SinkFunc) Publish(e Event) { f(e) }

// MultiSink fans an event out to every non-nil sink in order.
type MultiSink []Sink

func (m MultiSink) Publish(e Event) {
	for _, s := range m {
		if s != nil {
			s.Publish(e)
		}
	}
}

type discardSink struct{}

func (discardSink) Publish(Event) {}

// ChannelSink exposes events as a stream. Progress events are dropped when
// the buffer is full; state and log events wait for the reader.
type ChannelSink struct {
	mu     sync.Mutex
	ch     chan Event
	closed bool
}

func NewChannelSink(buffer int) *ChannelSink {
	if buffer < 0 {
		buffer = 0
	}
	return &ChannelSink{ch: make(chan Event, buffer)}
}

func (c *ChannelSink) Events() <-chan Event {
	return c.ch
}

func (c *ChannelSink) Publish(e Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	if e.Kind == EventProgress {
		select {
		case c.ch <- e:
		default:
		}
		return
	}
	c.ch <- e
}

// Close ends the stream. Publish after Close is a no-op.
func (c *ChannelSink) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.ch)
	}
}

// LogSink mirrors events to a slog logger. Progress lines are sampled so a
// long extraction does not flood the log.
type LogSink struct {
	logger  *slog.Logger
	mu      sync.Mutex
	sampler *ProgressSampler
}

func NewLogSink(logger *slog.Logger, bucketPercent float64) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger, sampler: NewProgressSampler(bucketPercent)}
}

func (l *LogSink) Publish(e Event) {
	switch e.Kind {
	case EventState:
		l.mu.Lock()
		l.sampler.Reset()
		l.mu.Unlock()
		l.logger.Info("pipeline state", "state", string(e.State))
	case EventProgress:
		l.mu.Lock()
		emit := l.sampler.ShouldLog(e.Secondary, string(e.State))
		l.mu.Unlock()
		if emit {
			l.logger.Info("pipeline progress",
				"state", string(e.State),
				"primary_pct", int(e.Primary),
				"stage_pct", int(e.Secondary),
			)
		}
	case EventLog:
		l.logger.Log(context.Background(), e.Severity, e.Message, "state", string(e.State))
	}
}
