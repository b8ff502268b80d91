package orchestrate

import (
	"errors"
	"fmt"
	"time"
)

// Kind is the type of remote work a job performs.
type Kind string

const (
	KindGenerate Kind = "generate"
	KindEdit     Kind = "edit"
)

// Status is a job's remote lifecycle state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusError      Status = "error"
)

// Failed reports whether the remote gave up on the job. Some backends say
// "error" where others say "failed".
func (s Status) Failed() bool {
	return s == StatusFailed || s == StatusError
}

// Terminal reports whether no further transitions are allowed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s.Failed()
}

var (
	// ErrTerminalJob is returned when a completed or failed job is asked to
	// change state.
	ErrTerminalJob = errors.New("job is in a terminal state")

	// ErrInvalidTransition is returned for backwards moves such as
	// processing to pending.
	ErrInvalidTransition = errors.New("invalid job transition")

	// ErrJobInFlight is returned when a second poll loop is requested for a
	// job that already has one.
	ErrJobInFlight = errors.New("job is already being polled")
)

// Job tracks one submission to a RemoteJobClient. Only the Orchestrator
// changes a job's state.
type Job struct {
	ID          string    `json:"id"`
	SessionID   string    `json:"session_id,omitempty"`
	Kind        Kind      `json:"kind"`
	Status      Status    `json:"status"`
	SubmittedAt time.Time `json:"submitted_at"`
	CompletedAt time.Time `json:"completed_at,omitempty"`
	Attempts    int       `json:"attempts"`
	LastError   string    `json:"last_error,omitempty"`
}

func (j *Job) transition(to Status, at time.Time) error {
	if j.Status.Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrTerminalJob, j.ID, j.Status)
	}
	if j.Status == StatusProcessing && to == StatusPending {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.Status, to)
	}
	j.Status = to
	if to.Terminal() {
		j.CompletedAt = at
	}
	return nil
}

// JobFailedError reports that the remote API failed the job, or that the
// submission itself was rejected.
type JobFailedError struct {
	JobID   string
	Message string
}

func (e *JobFailedError) Error() string {
	return "image job failed: " + e.Message
}

// TimeoutError reports that the attempt budget ran out before the remote
// reached a terminal state.
type TimeoutError struct {
	JobID    string
	Attempts int
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("image job timed out after %d polling attempts", e.Attempts)
}
