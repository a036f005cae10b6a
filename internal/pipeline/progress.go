package pipeline

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// ProgressSampler suppresses repetitive progress logs while preserving signal
// when stages or percentage buckets change.
type ProgressSampler struct {
	bucketSize float64
	lastStage  string
	lastBucket int
}

// NewProgressSampler emits when the percent crosses bucket boundaries
// (default 5%) or when the stage changes.
func NewProgressSampler(bucketSize float64) *ProgressSampler {
	if bucketSize <= 0 {
		bucketSize = 5
	}
	return &ProgressSampler{bucketSize: bucketSize, lastBucket: -1}
}

// ShouldLog reports whether a progress value is worth logging. Negative
// percent means unknown and only a stage change emits.
func (s *ProgressSampler) ShouldLog(percent float64, stage string) bool {
	if s == nil {
		return true
	}
	stage = strings.TrimSpace(stage)
	emit := false
	if stage != "" && stage != s.lastStage {
		s.lastStage = stage
		emit = true
		s.lastBucket = -1
	}
	if percent >= 0 {
		bucket := int(percent / s.bucketSize)
		if percent >= 100 {
			bucket = int(100 / s.bucketSize)
		}
		if bucket > s.lastBucket {
			s.lastBucket = bucket
			emit = true
		}
	}
	return emit
}

func (s *ProgressSampler) Reset() {
	if s == nil {
		return
	}
	s.lastStage = ""
	s.lastBucket = -1
}

const stageSpan = 100.0 / 3

// primaryPercent maps a stage-local fraction onto the whole job: extraction
// covers 0-33, splitting 33-66 and translation 66-99. Merging holds at 99
// until the file is written; only Completed reports 100.
func primaryPercent(state State, fraction float64) float64 {
	fraction = clampFraction(fraction)
	var base float64
	switch state {
	case StateExtracting:
		base = 0
	case StateSplitting:
		base = stageSpan
	case StateTranslating:
		base = 2 * stageSpan
	case StateMerging:
		return math.Floor(2*stageSpan) + math.Floor(stageSpan)
	case StateCompleted:
		return 100
	default:
		return 0
	}
	return math.Floor(base) + fraction*math.Floor(stageSpan)
}

func clampFraction(f float64) float64 {
	switch {
	case math.IsNaN(f) || f < 0:
		return 0
	case f > 1:
		return 1
	default:
		return f
	}
}

// throughput estimates processing rate and time remaining for a byte stream.
type throughput struct {
	started time.Time
	total   int64
	now     func() time.Time
}

func newThroughput(total int64, now func() time.Time) *throughput {
	if now == nil {
		now = time.Now
	}
	return &throughput{started: now(), total: total, now: now}
}

// rateMBps is the average rate since start in MiB per second.
func (t *throughput) rateMBps(done int64) float64 {
	elapsed := t.now().Sub(t.started).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(done) / (1024 * 1024) / elapsed
}

// remaining is the projected time left; ok is false while the rate or total
// is unknown.
func (t *throughput) remaining(done int64) (time.Duration, bool) {
	rate := t.rateMBps(done)
	if rate <= 0 || t.total <= 0 {
		return 0, false
	}
	left := max(t.total-done, 0)
	seconds := float64(left) / (rate * 1024 * 1024)
	return time.Duration(seconds * float64(time.Second)).Round(time.Second), true
}

func (t *throughput) describe(done int64) string {
	rate := t.rateMBps(done)
	if eta, ok := t.remaining(done); ok {
		return fmt.Sprintf("%.2f MB/s, %s remaining", rate, eta)
	}
	return fmt.Sprintf("%.2f MB/s", rate)
}

// stageProgress publishes a progress event only when the whole-percent value
// of the stage changes, and never lets it go backwards.
type stageProgress struct {
	publish func(Event)
	state   State
	last    int
}

func newStageProgress(state State, publish func(Event)) *stageProgress {
	return &stageProgress{publish: publish, state: state, last: -1}
}

func (p *stageProgress) update(fraction float64) {
	fraction = clampFraction(fraction)
	pct := int(fraction * 100)
	if pct <= p.last {
		return
	}
	p.last = pct
	p.publish(Event{
		Kind:      EventProgress,
		State:     p.state,
		Primary:   primaryPercent(p.state, fraction),
		Secondary: float64(pct),
	})
}
