package pipeline

import (
	"errors"
	"fmt"
)

var (
	// ErrBusy is returned by Run when the service already owns a job.
	ErrBusy = errors.New("pipeline already has a job")
	// ErrNotRunning is returned by Cancel when no stage is active.
	ErrNotRunning = errors.New("pipeline is not running")
	// ErrDestinationIsSource rejects a job whose output would replace its
	// own source media.
	ErrDestinationIsSource = errors.New("destination is the source media")
)

// JobError carries the stage a job was in when it stopped, a one-line summary
// for operators and the underlying cause.
type JobError struct {
	State   State
	Summary string
	Err     error
}

func (e *JobError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.State, e.Summary)
	}
	return fmt.Sprintf("%s: %s: %v", e.State, e.Summary, e.Err)
}

func (e *JobError) Unwrap() error {
	return e.Err
}

// CleanupError reports a workspace or chunk file that could not be removed.
// It is logged and never changes the job outcome.
type CleanupError struct {
	Path string
	Err  error
}

func (e *CleanupError) Error() string {
	return fmt.Sprintf("cleanup %s: %v", e.Path, e.Err)
}

func (e *CleanupError) Unwrap() error {
	return e.Err
}
