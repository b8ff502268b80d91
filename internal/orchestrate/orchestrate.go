// Package orchestrate turns an asynchronous remote image job into a bounded,
// synchronous operation: submit, then poll on a fixed interval until the job
// reaches a terminal state or the attempt budget runs out.
package orchestrate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/felixgeelhaar/canvas/internal/events"
	"github.com/felixgeelhaar/canvas/internal/observe"
	"go.opentelemetry.io/otel/attribute"
)

const (
	// DefaultInterval is the pause before each poll.
	DefaultInterval = 2 * time.Second

	// DefaultMaxAttempts suits real backends (about two minutes).
	DefaultMaxAttempts = 60

	// MockMaxAttempts suits fast or simulated backends.
	MockMaxAttempts = 30

	unknownError = "Unknown error"
)

// Outcome is how an orchestrated job ended.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
	OutcomeTimedOut  Outcome = "timed_out"
)

// Result is the canonical result of a job. Err is a *JobFailedError or a
// *TimeoutError when Outcome is not completed.
type Result struct {
	JobID    string
	Outcome  Outcome
	Image    *Output
	Attempts int
	Err      error
}

// Message returns the user-facing failure text, or "" on success.
func (r *Result) Message() string {
	var failed *JobFailedError
	switch {
	case r.Err == nil:
		return ""
	case errors.As(r.Err, &failed):
		return failed.Message
	default:
		return r.Err.Error()
	}
}

// Options control a single Await. They are per call so that callers can use
// a long budget for real backends and a short one for mocks.
type Options struct {
	Interval    time.Duration
	MaxAttempts int
	// Sleep waits for d or until ctx is done. Tests replace it to run the
	// whole budget without wall-clock delay.
	Sleep func(ctx context.Context, d time.Duration) error
}

func (o Options) withDefaults() Options {
	if o.Interval <= 0 {
		o.Interval = DefaultInterval
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.Sleep == nil {
		o.Sleep = sleep
	}
	return o
}

// Recorder persists terminal jobs, e.g. to an audit ledger.
type Recorder interface {
	RecordJob(ctx context.Context, job Job, outcome Outcome) error
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithRecorder records every terminal job.
func WithRecorder(r Recorder) Option {
	return func(o *Orchestrator) { o.recorder = r }
}

// WithClock replaces time.Now for job timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// Orchestrator drives jobs on a RemoteJobClient. It holds no per-job state
// beyond the set of jobs currently being polled, so one Orchestrator serves
// every session.
type Orchestrator struct {
	client   RemoteJobClient
	observe  *observe.Observer
	bus      *events.Bus
	recorder Recorder
	now      func() time.Time

	mu       sync.Mutex
	inflight map[string]struct{}
}

// New creates an orchestrator for client. obs and bus may be nil.
func New(client RemoteJobClient, obs *observe.Observer, bus *events.Bus, opts ...Option) *Orchestrator {
	if obs == nil {
		obs = observe.Nop()
	}
	o := &Orchestrator{
		client:   client,
		observe:  obs,
		bus:      bus,
		now:      time.Now,
		inflight: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Run submits req and, unless the submission already settled the job,
// polls it to a terminal state.
func (o *Orchestrator) Run(ctx context.Context, req Request, opts Options) Result {
	ctx, span := o.observe.StartSpan(ctx, "orchestrate.Run",
		"kind", string(req.Kind()), "sessionID", req.SessionID)

	job, res := o.Submit(ctx, req)
	if res == nil {
		r := o.Await(ctx, job, req, opts)
		res = &r
	}

	span.SetAttributes(
		attribute.String("jobID", res.JobID),
		attribute.String("outcome", string(res.Outcome)),
		attribute.Int("attempts", res.Attempts),
	)
	o.observe.EndSpan(span, res.Err)
	return *res
}

// Submit sends req to the remote API. It returns a non-nil Result when the
// job is already settled: the remote call failed, or the remote reported a
// terminal status straight away. No polling happens in either case.
func (o *Orchestrator) Submit(ctx context.Context, req Request) (*Job, *Result) {
	job := &Job{
		SessionID:   req.SessionID,
		Kind:        req.Kind(),
		Status:      StatusPending,
		SubmittedAt: o.now(),
	}

	var (
		sub Submission
		err error
	)
	switch {
	case req.Edit != nil:
		sub, err = o.client.SubmitEdit(ctx, *req.Edit)
	case req.Generate != nil:
		sub, err = o.client.SubmitGenerate(ctx, *req.Generate)
	default:
		err = errors.New("request has neither a generate nor an edit payload")
	}

	if err != nil {
		o.observe.Log().Error().Str("sessionID", req.SessionID).Str("kind", string(job.Kind)).Err(err).Msg("job submission failed")
		res := o.fail(ctx, job, err.Error())
		return job, &res
	}

	job.ID = sub.ID
	if job.ID == "" && !sub.Status.Terminal() {
		o.observe.Log().Error().Str("sessionID", req.SessionID).Str("kind", string(job.Kind)).Msg("submission returned no job id")
		res := o.fail(ctx, job, "remote returned no job id")
		return job, &res
	}
	o.bus.EmitJob(events.JobSubmitted, req.SessionID, job.ID, map[string]any{"kind": string(job.Kind)})
	o.observe.Log().Info().Str("jobID", job.ID).Str("kind", string(job.Kind)).Str("status", string(sub.Status)).Msg("job submitted")

	switch sub.Status {
	case StatusCompleted:
		res := o.complete(ctx, job, req, sub.Result)
		return job, &res
	case StatusFailed, StatusError:
		res := o.fail(ctx, job, sub.Error)
		return job, &res
	case StatusProcessing:
		_ = job.transition(StatusProcessing, o.now())
	}
	return job, nil
}

// Await polls job until it completes, fails, or MaxAttempts polls have been
// made without a terminal status. Transient poll errors use up an attempt.
// Cancelling ctx ends the loop with a failed result.
func (o *Orchestrator) Await(ctx context.Context, job *Job, req Request, opts Options) Result {
	opts = opts.withDefaults()

	if job.Status.Terminal() {
		return Result{JobID: job.ID, Outcome: OutcomeFailed, Attempts: job.Attempts,
			Err: fmt.Errorf("await %s: %w", job.ID, ErrTerminalJob)}
	}
	if !o.claim(job.ID) {
		return Result{JobID: job.ID, Outcome: OutcomeFailed, Attempts: job.Attempts,
			Err: fmt.Errorf("await %s: %w", job.ID, ErrJobInFlight)}
	}
	defer o.release(job.ID)

	log := o.observe.Log().With().Str("jobID", job.ID).Logger()

	for job.Attempts < opts.MaxAttempts {
		if err := opts.Sleep(ctx, opts.Interval); err != nil {
			log.Warn().Err(err).Int("attempt", job.Attempts).Msg("polling cancelled")
			return o.fail(ctx, job, err.Error())
		}

		job.Attempts++
		report, err := o.client.PollStatus(ctx, job.ID)
		if err != nil {
			job.LastError = err.Error()
			log.Warn().Err(err).Int("attempt", job.Attempts).Int("maxAttempts", opts.MaxAttempts).Msg("status poll failed")
			o.bus.EmitJob(events.JobPollError, req.SessionID, job.ID, map[string]any{
				"attempt": job.Attempts, "max_attempts": opts.MaxAttempts, "error": err.Error(),
			})
			continue
		}

		o.bus.EmitJob(events.JobPolled, req.SessionID, job.ID, map[string]any{
			"attempt": job.Attempts, "max_attempts": opts.MaxAttempts, "status": string(report.Status),
		})

		switch report.Status {
		case StatusCompleted:
			return o.complete(ctx, job, req, report.Result)
		case StatusFailed, StatusError:
			return o.fail(ctx, job, report.Error)
		case StatusProcessing:
			_ = job.transition(StatusProcessing, o.now())
		}
		log.Debug().Int("attempt", job.Attempts).Str("status", string(report.Status)).Msg("job not finished")
	}

	return o.timeout(ctx, job, req)
}

func (o *Orchestrator) complete(ctx context.Context, job *Job, req Request, out *Output) Result {
	if out == nil || out.URL == "" {
		return o.fail(ctx, job, "remote job completed without an image URL")
	}
	_ = job.transition(StatusCompleted, o.now())
	img := req.normalize(out)

	o.observe.Log().Info().Str("jobID", job.ID).Int("attempts", job.Attempts).Msg("job completed")
	o.bus.EmitJob(events.JobCompleted, job.SessionID, job.ID, map[string]any{
		"attempts": job.Attempts, "url": img.URL,
	})
	o.record(ctx, job, OutcomeCompleted)

	return Result{JobID: job.ID, Outcome: OutcomeCompleted, Image: img, Attempts: job.Attempts}
}

func (o *Orchestrator) fail(ctx context.Context, job *Job, message string) Result {
	if message == "" {
		message = unknownError
	}
	job.LastError = message
	_ = job.transition(StatusFailed, o.now())

	o.observe.Log().Warn().Str("jobID", job.ID).Str("error", message).Msg("job failed")
	o.bus.EmitJob(events.JobFailed, job.SessionID, job.ID, map[string]any{"error": message})
	o.record(ctx, job, OutcomeFailed)

	return Result{
		JobID:    job.ID,
		Outcome:  OutcomeFailed,
		Attempts: job.Attempts,
		Err:      &JobFailedError{JobID: job.ID, Message: message},
	}
}

func (o *Orchestrator) timeout(ctx context.Context, job *Job, req Request) Result {
	terr := &TimeoutError{JobID: job.ID, Attempts: job.Attempts}
	job.LastError = terr.Error()
	_ = job.transition(StatusFailed, o.now())

	o.observe.Log().Warn().Str("jobID", job.ID).Int("attempts", job.Attempts).Msg("job timed out")
	o.bus.EmitJob(events.JobTimedOut, req.SessionID, job.ID, map[string]any{"attempts": job.Attempts})
	o.record(ctx, job, OutcomeTimedOut)

	return Result{JobID: job.ID, Outcome: OutcomeTimedOut, Attempts: job.Attempts, Err: terr}
}

func (o *Orchestrator) record(ctx context.Context, job *Job, outcome Outcome) {
	if o.recorder == nil {
		return
	}
	if err := o.recorder.RecordJob(context.WithoutCancel(ctx), *job, outcome); err != nil {
		o.observe.Log().Warn().Str("jobID", job.ID).Err(err).Msg("failed to record job")
	}
}

func (o *Orchestrator) claim(id string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, busy := o.inflight[id]; busy {
		return false
	}
	o.inflight[id] = struct{}{}
	return true
}

func (o *Orchestrator) release(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.inflight, id)
}

// InFlight returns the number of jobs currently being polled.
func (o *Orchestrator) InFlight() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.inflight)
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Budget returns the per-call options for a backend.
func Budget(mock bool, interval time.Duration, maxAttempts, mockMaxAttempts int) Options {
	opts := Options{Interval: interval, MaxAttempts: maxAttempts}
	if mock {
		opts.MaxAttempts = mockMaxAttempts
		if opts.MaxAttempts <= 0 {
			opts.MaxAttempts = MockMaxAttempts
		}
	}
	return opts
}
