package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"chunkscribe/internal/pipeline"
	"chunkscribe/internal/subtitle"
	"chunkscribe/internal/transcription"
)

var (
	// ErrJobAlreadyRunning is returned when starting a second active job.
	ErrJobAlreadyRunning = errors.New("job already running")
	ErrJobNotFound       = errors.New("job not found")
	// ErrJobNotRunning is returned when cancel is requested for a finished job.
	ErrJobNotRunning = errors.New("job is not running")
	// ErrJobRejected wraps a factory error: the request could not be turned
	// into a runnable job.
	ErrJobRejected = errors.New("job rejected")
	// ErrShuttingDown is returned by Start once Shutdown has begun.
	ErrShuttingDown = errors.New("job manager is shutting down")
)

// retainedJobs bounds how many finished jobs stay queryable.
const retainedJobs = 100

// Runner executes one job to completion.
type Runner interface {
	Run(ctx context.Context, job pipeline.Job) (pipeline.Result, error)
}

// Request is a job submission. Credential and Model are handed to the
// Factory and never stored on the job.
type Request struct {
	Source      string
	Destination string
	Model       string
	Credential  string
}

// Factory builds a fresh Runner for a request, publishing into sink.
type Factory func(req Request, sink pipeline.Sink) (Runner, error)

// Failure describes why a job ended in the failed state.
type Failure struct {
	State      pipeline.State
	Summary    string
	Message    string
	ChunkIndex *int
	StatusCode int
}

// Job is a point-in-time snapshot.
type Job struct {
	ID          string
	Source      string
	Destination string
	Model       string
	State       pipeline.State
	Primary     float64
	Secondary   float64
	CreatedAt   time.Time
	FinishedAt  time.Time
	LastEvent   int64
	Result      *pipeline.Result
	Failure     *Failure
}

type entry struct {
	job    Job
	bus    *EventBus
	cancel context.CancelFunc
	done   chan struct{}
}

// Manager runs at most one job at a time and keeps snapshots and event
// history of recent jobs.
type Manager struct {
	factory      Factory
	eventHistory int
	logger       *slog.Logger

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup

	mu       sync.RWMutex
	jobs     map[string]*entry
	order    []string
	activeID string
}

func NewManager(factory Factory, eventHistory int, logger *slog.Logger) *Manager {
	if factory == nil {
		panic("jobs: factory is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, stop := context.WithCancel(context.Background())
	return &Manager{
		factory:      factory,
		eventHistory: eventHistory,
		logger:       logger,
		baseCtx:      ctx,
		stop:         stop,
		jobs:         make(map[string]*entry),
	}
}

// Start creates a job and runs it in the background.
func (m *Manager) Start(req Request) (Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.activeID != "" {
		return Job{}, ErrJobAlreadyRunning
	}
	if m.baseCtx.Err() != nil {
		return Job{}, ErrShuttingDown
	}

	id := uuid.NewString()
	e := &entry{
		job: Job{
			ID:          id,
			Source:      req.Source,
			Destination: req.Destination,
			Model:       req.Model,
			State:       pipeline.StateIdle,
			CreatedAt:   time.Now().UTC(),
		},
		bus:  NewEventBus(m.eventHistory),
		done: make(chan struct{}),
	}

	runner, err := m.factory(req, pipeline.SinkFunc(func(ev pipeline.Event) { m.record(e, ev) }))
	if err != nil {
		return Job{}, fmt.Errorf("%w: %w", ErrJobRejected, err)
	}

	ctx, cancel := context.WithCancel(m.baseCtx)
	e.cancel = cancel
	m.jobs[id] = e
	m.order = append(m.order, id)
	m.activeID = id
	m.evictLocked()

	m.wg.Add(1)
	go m.run(ctx, e, runner)

	m.logger.Info("job started", "job_id", id, "source", req.Source, "destination", req.Destination)
	return e.job, nil
}

func (m *Manager) run(ctx context.Context, e *entry, runner Runner) {
	defer m.wg.Done()
	defer e.cancel()

	res, err := runner.Run(ctx, pipeline.Job{Source: e.job.Source, Destination: e.job.Destination})

	m.mu.Lock()
	state := res.State
	if !state.Terminal() {
		state = pipeline.StateFailed
	}
	e.job.State = state
	e.job.FinishedAt = time.Now().UTC()
	e.job.Result = &res
	if err != nil && state == pipeline.StateFailed {
		e.job.Failure = describeFailure(err)
	}
	if m.activeID == e.job.ID {
		m.activeID = ""
	}
	close(e.done)
	m.mu.Unlock()

	attrs := []any{"job_id", e.job.ID, "state", string(state), "elapsed_ms", res.Elapsed.Milliseconds()}
	if err != nil && state == pipeline.StateFailed {
		m.logger.Error("job finished", append(attrs, "error", err)...)
		return
	}
	m.logger.Info("job finished", attrs...)
}

func (m *Manager) record(e *entry, ev pipeline.Event) {
	published := e.bus.Publish(e.job.ID, ev)

	m.mu.Lock()
	defer m.mu.Unlock()
	switch ev.Kind {
	case pipeline.EventState:
		e.job.State = ev.State
		e.job.Primary = max(e.job.Primary, ev.Primary)
		e.job.Secondary = 0
	case pipeline.EventProgress:
		e.job.Primary = max(e.job.Primary, ev.Primary)
		e.job.Secondary = ev.Secondary
	}
	e.job.LastEvent = published.Seq
}

func (m *Manager) Get(id string) (Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.jobs[id]
	if !ok {
		return Job{}, ErrJobNotFound
	}
	return e.job, nil
}

// List returns retained jobs, newest first.
func (m *Manager) List() []Job {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Job, 0, len(m.order))
	for i := len(m.order) - 1; i >= 0; i-- {
		out = append(out, m.jobs[m.order[i]].job)
	}
	return out
}

// Cancel requests cooperative cancellation of a running job.
func (m *Manager) Cancel(id string) (Job, error) {
	m.mu.RLock()
	e, ok := m.jobs[id]
	if !ok {
		m.mu.RUnlock()
		return Job{}, ErrJobNotFound
	}
	running := m.activeID == id
	job := e.job
	m.mu.RUnlock()

	if !running {
		return job, ErrJobNotRunning
	}
	e.cancel()
	m.logger.Info("job cancel requested", "job_id", id)
	return job, nil
}

// Events returns the job's retained events with sequence greater than since.
func (m *Manager) Events(id string, since int64) ([]Event, error) {
	m.mu.RLock()
	e, ok := m.jobs[id]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrJobNotFound
	}
	return e.bus.Since(since), nil
}

// Wait blocks until the job finishes or ctx is done.
func (m *Manager) Wait(ctx context.Context, id string) (Job, error) {
	m.mu.RLock()
	e, ok := m.jobs[id]
	m.mu.RUnlock()
	if !ok {
		return Job{}, ErrJobNotFound
	}
	select {
	case <-e.done:
		return m.Get(id)
	case <-ctx.Done():
		return Job{}, ctx.Err()
	}
}

// Shutdown cancels the active job and waits for it to stop. No new jobs are
// accepted afterwards.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.stop()
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) evictLocked() {
	for len(m.order) > retainedJobs {
		evicted := false
		for i, id := range m.order {
			if id == m.activeID {
				continue
			}
			delete(m.jobs, id)
			m.order = append(m.order[:i], m.order[i+1:]...)
			evicted = true
			break
		}
		if !evicted {
			return
		}
	}
}

func describeFailure(err error) *Failure {
	f := &Failure{Message: err.Error()}
	var jobErr *pipeline.JobError
	if errors.As(err, &jobErr) {
		f.State = jobErr.State
		f.Summary = jobErr.Summary
	}
	var tErr *transcription.Error
	var mErr *subtitle.MergeError
	switch {
	case errors.As(err, &tErr):
		idx := tErr.ChunkIndex
		f.ChunkIndex = &idx
		f.StatusCode = tErr.StatusCode
	case errors.As(err, &mErr):
		idx := mErr.ChunkIndex
		f.ChunkIndex = &idx
	}
	return f
}
