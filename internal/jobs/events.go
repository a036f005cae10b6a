package jobs

import (
	"sync"
	"time"

	"chunkscribe/internal/pipeline"
)

// Event is a pipeline event stamped with the job it belongs to and a
// per-job sequence number for incremental reads.
type Event struct {
	Seq   int64
	JobID string
	pipeline.Event
}

// EventBus stores recent events and provides incremental reads.
type EventBus struct {
	mu        sync.RWMutex
	nextSeq   int64
	maxEvents int
	events    []Event
}

// NewEventBus creates a bounded in-memory event buffer.
func NewEventBus(maxEvents int) *EventBus {
	if maxEvents <= 0 {
		maxEvents = 500
	}

	return &EventBus{
		maxEvents: maxEvents,
		events:    make([]Event, 0, min(maxEvents, 64)),
	}
}

// Publish appends one event and assigns its sequence number. The oldest
// events are dropped once the buffer is full.
func (b *EventBus) Publish(jobID string, event pipeline.Event) Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextSeq++
	if event.Time.IsZero() {
		event.Time = time.Now().UTC()
	}
	out := Event{Seq: b.nextSeq, JobID: jobID, Event: event}

	b.events = append(b.events, out)
	if len(b.events) > b.maxEvents {
		trim := len(b.events) - b.maxEvents
		b.events = append([]Event(nil), b.events[trim:]...)
	}

	return out
}

// Since returns events with sequence strictly greater than seq.
func (b *EventBus) Since(seq int64) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if len(b.events) == 0 {
		return nil
	}

	out := make([]Event, 0, len(b.events))
	for _, event := range b.events {
		if event.Seq > seq {
			out = append(out, event)
		}
	}
	return out
}

// LastSeq is the sequence number of the newest event, zero when empty.
func (b *EventBus) LastSeq() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.nextSeq
}
