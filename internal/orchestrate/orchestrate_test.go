package orchestrate

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/felixgeelhaar/canvas/internal/events"
)

// scriptedClient reports processing for `processing` polls, then the final
// report. Poll errors can be injected for specific attempts.
type scriptedClient struct {
	mu         sync.Mutex
	submit     Submission
	submitErr  error
	processing int
	final      StatusReport
	pollErrs   map[int]error

	submits  int
	polls    int
	lastGen  GenerateRequest
	lastEdit EditRequest
}

func (c *scriptedClient) SubmitGenerate(ctx context.Context, req GenerateRequest) (Submission, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.submits++
	c.lastGen = req
	return c.submit, c.submitErr
}

func (c *scriptedClient) SubmitEdit(ctx context.Context, req EditRequest) (Submission, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.submits++
	c.lastEdit = req
	return c.submit, c.submitErr
}

func (c *scriptedClient) PollStatus(ctx context.Context, id string) (StatusReport, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.polls++
	if err, ok := c.pollErrs[c.polls]; ok {
		return StatusReport{}, err
	}
	if c.polls <= c.processing {
		return StatusReport{Status: StatusProcessing}, nil
	}
	return c.final, nil
}

func noSleep(context.Context, time.Duration) error { return nil }

func generate(prompt string) Request {
	return Request{SessionID: "s1", Generate: &GenerateRequest{Prompt: prompt, Width: 512, Height: 768}}
}

func TestRun_CompletesAfterNPlusOnePolls(t *testing.T) {
	const n = 4
	client := &scriptedClient{
		submit:     Submission{ID: "job-1", Status: StatusPending},
		processing: n,
		final:      StatusReport{Status: StatusCompleted, Result: &Output{URL: "https://img/sunset.jpg"}},
	}
	o := New(client, nil, nil)

	res := o.Run(context.Background(), generate("sunset"), Options{MaxAttempts: n + 1, Sleep: noSleep})

	if res.Outcome != OutcomeCompleted {
		t.Fatalf("expected completed, got %s (%v)", res.Outcome, res.Err)
	}
	if client.polls != n+1 {
		t.Errorf("expected %d polls, got %d", n+1, client.polls)
	}
	if res.Attempts != n+1 {
		t.Errorf("expected %d attempts, got %d", n+1, res.Attempts)
	}
	if res.Image.URL != "https://img/sunset.jpg" {
		t.Errorf("unexpected url %q", res.Image.URL)
	}
}

func TestRun_TimesOutWhenBudgetTooSmall(t *testing.T) {
	for _, max := range []int{1, 3, 4} {
		client := &scriptedClient{
			submit:     Submission{ID: "job-1", Status: StatusPending},
			processing: 4,
			final:      StatusReport{Status: StatusCompleted, Result: &Output{URL: "u"}},
		}
		o := New(client, nil, nil)

		res := o.Run(context.Background(), generate("x"), Options{MaxAttempts: max, Sleep: noSleep})

		if res.Outcome != OutcomeTimedOut {
			t.Fatalf("max=%d: expected timed_out, got %s", max, res.Outcome)
		}
		var terr *TimeoutError
		if !errors.As(res.Err, &terr) || terr.Attempts != max {
			t.Errorf("max=%d: expected TimeoutError with %d attempts, got %v", max, max, res.Err)
		}
		if client.polls != max {
			t.Errorf("max=%d: expected %d polls, got %d", max, max, client.polls)
		}
	}
}

func TestRun_ImmediateRemoteFailure(t *testing.T) {
	client := &scriptedClient{
		submit: Submission{ID: "job-q", Status: StatusFailed, Error: "quota exceeded"},
	}
	o := New(client, nil, nil)

	res := o.Run(context.Background(), generate("x"), Options{Sleep: noSleep})

	if res.Outcome != OutcomeFailed {
		t.Fatalf("expected failed, got %s", res.Outcome)
	}
	if res.Message() != "quota exceeded" {
		t.Errorf("expected message %q, got %q", "quota exceeded", res.Message())
	}
	if client.polls != 0 {
		t.Errorf("expected zero polls, got %d", client.polls)
	}
}

func TestRun_FailedOnFirstPoll(t *testing.T) {
	client := &scriptedClient{
		submit: Submission{ID: "job-q", Status: StatusPending},
		final:  StatusReport{Status: StatusFailed, Error: "quota exceeded"},
	}
	o := New(client, nil, nil)

	res := o.Run(context.Background(), generate("x"), Options{Sleep: noSleep})

	var ferr *JobFailedError
	if !errors.As(res.Err, &ferr) || ferr.Message != "quota exceeded" {
		t.Fatalf("expected JobFailedError(quota exceeded), got %v", res.Err)
	}
	if client.polls != 1 {
		t.Errorf("expected 1 poll, got %d", client.polls)
	}
}

func TestAwait_ErrorStatusFailsFast(t *testing.T) {
	client := &scriptedClient{
		submit: Submission{ID: "job-e", Status: StatusPending},
		final:  StatusReport{Status: StatusError, Error: "quota exceeded"},
	}
	o := New(client, nil, nil)

	res := o.Run(context.Background(), generate("x"), Options{MaxAttempts: 60, Sleep: noSleep})

	if res.Outcome != OutcomeFailed {
		t.Fatalf("expected failed, got %s (%v)", res.Outcome, res.Err)
	}
	if res.Message() != "quota exceeded" {
		t.Errorf("expected message %q, got %q", "quota exceeded", res.Message())
	}
	if client.polls != 1 {
		t.Errorf("expected 1 poll, got %d", client.polls)
	}
}

func TestRun_ErrorStatusOnSubmit(t *testing.T) {
	client := &scriptedClient{
		submit: Submission{ID: "job-e", Status: StatusError, Error: "bad prompt"},
	}
	res := New(client, nil, nil).Run(context.Background(), generate("x"), Options{Sleep: noSleep})

	if res.Outcome != OutcomeFailed || res.Message() != "bad prompt" {
		t.Errorf("expected failed with %q, got %s %q", "bad prompt", res.Outcome, res.Message())
	}
	if client.polls != 0 {
		t.Errorf("expected zero polls, got %d", client.polls)
	}
}

func TestRun_SubmissionWithoutID(t *testing.T) {
	client := &scriptedClient{
		submit: Submission{Status: StatusPending},
		final:  StatusReport{Status: StatusCompleted, Result: &Output{URL: "https://img/a.jpg"}},
	}
	o := New(client, nil, nil)

	res := o.Run(context.Background(), generate("x"), Options{Sleep: noSleep})

	var ferr *JobFailedError
	if !errors.As(res.Err, &ferr) || ferr.Message != "remote returned no job id" {
		t.Fatalf("expected JobFailedError(remote returned no job id), got %v", res.Err)
	}
	if client.polls != 0 {
		t.Errorf("expected no polls, got %d", client.polls)
	}
	if o.InFlight() != 0 {
		t.Errorf("expected no jobs in flight, got %d", o.InFlight())
	}
}

func TestRun_FailedWithoutMessage(t *testing.T) {
	client := &scriptedClient{
		submit: Submission{ID: "j", Status: StatusPending},
		final:  StatusReport{Status: StatusFailed},
	}
	res := New(client, nil, nil).Run(context.Background(), generate("x"), Options{Sleep: noSleep})

	if res.Message() != "Unknown error" {
		t.Errorf("expected Unknown error, got %q", res.Message())
	}
}

func TestRun_SubmitErrorSkipsPolling(t *testing.T) {
	client := &scriptedClient{submitErr: errors.New("connection refused")}
	o := New(client, nil, nil)

	res := o.Run(context.Background(), generate("x"), Options{Sleep: noSleep})

	if res.Outcome != OutcomeFailed || res.Message() != "connection refused" {
		t.Errorf("expected failed with underlying message, got %s %q", res.Outcome, res.Message())
	}
	if client.polls != 0 {
		t.Errorf("expected no polls, got %d", client.polls)
	}
}

func TestRun_ImmediateCompletionNormalized(t *testing.T) {
	client := &scriptedClient{
		submit: Submission{ID: "sync", Status: StatusCompleted, Result: &Output{URL: "https://img/a.png"}},
	}
	o := New(client, nil, nil)

	res := o.Run(context.Background(), generate("x"), Options{Sleep: noSleep})

	if res.Outcome != OutcomeCompleted {
		t.Fatalf("expected completed, got %s", res.Outcome)
	}
	if client.polls != 0 {
		t.Errorf("expected zero polls, got %d", client.polls)
	}
	if res.Image.Width != 512 || res.Image.Height != 768 {
		t.Errorf("expected requested dimensions 512x768, got %dx%d", res.Image.Width, res.Image.Height)
	}
	if res.Image.ContentType != "image/jpeg" {
		t.Errorf("expected default content type, got %q", res.Image.ContentType)
	}
}

func TestRun_RemoteDimensionsKept(t *testing.T) {
	client := &scriptedClient{
		submit: Submission{ID: "j", Status: StatusPending},
		final: StatusReport{Status: StatusCompleted, Result: &Output{
			URL: "u", Width: 300, Height: 200, ContentType: "image/png",
		}},
	}
	res := New(client, nil, nil).Run(context.Background(), generate("x"), Options{Sleep: noSleep})

	if res.Image.Width != 300 || res.Image.Height != 200 || res.Image.ContentType != "image/png" {
		t.Errorf("remote values should win, got %+v", res.Image)
	}
}

func TestRun_EditDefaultsToStandardSize(t *testing.T) {
	client := &scriptedClient{
		submit: Submission{ID: "e", Status: StatusCompleted, Result: &Output{URL: "u"}},
	}
	req := Request{Edit: &EditRequest{ImageURL: "src", Instruction: "brighter"}}
	res := New(client, nil, nil).Run(context.Background(), req, Options{Sleep: noSleep})

	if res.Image.Width != DefaultWidth || res.Image.Height != DefaultHeight {
		t.Errorf("expected defaults, got %dx%d", res.Image.Width, res.Image.Height)
	}
	if client.lastEdit.Instruction != "brighter" {
		t.Errorf("edit payload not forwarded: %+v", client.lastEdit)
	}
}

func TestRun_CompletedWithoutURLFails(t *testing.T) {
	client := &scriptedClient{
		submit: Submission{ID: "j", Status: StatusPending},
		final:  StatusReport{Status: StatusCompleted},
	}
	res := New(client, nil, nil).Run(context.Background(), generate("x"), Options{Sleep: noSleep})

	if res.Outcome != OutcomeFailed {
		t.Errorf("expected failed, got %s", res.Outcome)
	}
}

func TestAwait_TransientErrorsCountAsAttempts(t *testing.T) {
	client := &scriptedClient{
		submit:   Submission{ID: "j", Status: StatusPending},
		pollErrs: map[int]error{1: errors.New("timeout"), 2: errors.New("timeout")},
		final:    StatusReport{Status: StatusCompleted, Result: &Output{URL: "u"}},
	}
	bus := events.NewBus()
	var pollErrors int
	bus.Subscribe(events.JobPollError, func(events.Event) { pollErrors++ })

	o := New(client, nil, bus)
	res := o.Run(context.Background(), generate("x"), Options{MaxAttempts: 3, Sleep: noSleep})

	if res.Outcome != OutcomeCompleted || res.Attempts != 3 {
		t.Fatalf("expected completion on attempt 3, got %s after %d", res.Outcome, res.Attempts)
	}
	if pollErrors != 2 {
		t.Errorf("expected 2 poll error events, got %d", pollErrors)
	}

	client2 := &scriptedClient{
		submit:   Submission{ID: "j", Status: StatusPending},
		pollErrs: map[int]error{1: errors.New("down"), 2: errors.New("down")},
		final:    StatusReport{Status: StatusCompleted, Result: &Output{URL: "u"}},
	}
	res = New(client2, nil, nil).Run(context.Background(), generate("x"), Options{MaxAttempts: 2, Sleep: noSleep})
	if res.Outcome != OutcomeTimedOut {
		t.Errorf("errors should exhaust the budget, got %s", res.Outcome)
	}
}

func TestAwait_SleepsInterval(t *testing.T) {
	client := &scriptedClient{
		submit:     Submission{ID: "j", Status: StatusPending},
		processing: 2,
		final:      StatusReport{Status: StatusCompleted, Result: &Output{URL: "u"}},
	}
	var slept []time.Duration
	opts := Options{
		Interval: 250 * time.Millisecond,
		Sleep: func(_ context.Context, d time.Duration) error {
			slept = append(slept, d)
			return nil
		},
	}
	New(client, nil, nil).Run(context.Background(), generate("x"), opts)

	if len(slept) != 3 {
		t.Fatalf("expected a sleep before each of 3 polls, got %d", len(slept))
	}
	for _, d := range slept {
		if d != 250*time.Millisecond {
			t.Errorf("expected 250ms, got %v", d)
		}
	}
}

func TestAwait_ContextCancelled(t *testing.T) {
	client := &scriptedClient{
		submit:     Submission{ID: "j", Status: StatusPending},
		processing: 100,
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := New(client, nil, nil).Run(ctx, generate("x"), Options{Interval: time.Hour})

	if res.Outcome != OutcomeFailed {
		t.Fatalf("expected failed, got %s", res.Outcome)
	}
	if !errors.Is(ctx.Err(), context.Canceled) || res.Message() != context.Canceled.Error() {
		t.Errorf("expected cancellation message, got %q", res.Message())
	}
	if client.polls != 0 {
		t.Errorf("expected no polls, got %d", client.polls)
	}
}

func TestAwait_RejectsConcurrentLoop(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{})
	client := &scriptedClient{
		submit:     Submission{ID: "shared", Status: StatusPending},
		processing: 0,
		final:      StatusReport{Status: StatusCompleted, Result: &Output{URL: "u"}},
	}
	o := New(client, nil, nil)
	req := generate("x")
	job, res := o.Submit(context.Background(), req)
	if res != nil {
		t.Fatalf("unexpected settled submission: %+v", res)
	}

	blocking := Options{Sleep: func(context.Context, time.Duration) error {
		close(entered)
		<-release
		return nil
	}}
	done := make(chan Result)
	go func() { done <- o.Await(context.Background(), job, req, blocking) }()
	<-entered

	twin := *job
	second := o.Await(context.Background(), &twin, req, Options{Sleep: noSleep})
	if !errors.Is(second.Err, ErrJobInFlight) {
		t.Errorf("expected ErrJobInFlight, got %v", second.Err)
	}

	close(release)
	first := <-done
	if first.Outcome != OutcomeCompleted {
		t.Errorf("first loop should complete, got %s", first.Outcome)
	}
	if o.InFlight() != 0 {
		t.Errorf("expected no jobs in flight, got %d", o.InFlight())
	}
}

func TestAwait_TerminalJob(t *testing.T) {
	o := New(&scriptedClient{}, nil, nil)
	job := &Job{ID: "done", Status: StatusCompleted}

	res := o.Await(context.Background(), job, generate("x"), Options{Sleep: noSleep})
	if !errors.Is(res.Err, ErrTerminalJob) {
		t.Errorf("expected ErrTerminalJob, got %v", res.Err)
	}
}

func TestJob_Transitions(t *testing.T) {
	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	job := &Job{ID: "j", Status: StatusPending}

	if err := job.transition(StatusProcessing, at); err != nil {
		t.Fatalf("pending -> processing: %v", err)
	}
	if err := job.transition(StatusPending, at); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("processing -> pending should be invalid, got %v", err)
	}
	if err := job.transition(StatusCompleted, at); err != nil {
		t.Fatalf("processing -> completed: %v", err)
	}
	if !job.CompletedAt.Equal(at) {
		t.Error("completion time not set")
	}
	for _, next := range []Status{StatusPending, StatusProcessing, StatusFailed, StatusError} {
		if err := job.transition(next, at); !errors.Is(err, ErrTerminalJob) {
			t.Errorf("completed -> %s should fail with ErrTerminalJob, got %v", next, err)
		}
	}
}

type ledger struct {
	mu   sync.Mutex
	jobs []Job
	outs []Outcome
}

func (l *ledger) RecordJob(_ context.Context, job Job, out Outcome) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.jobs = append(l.jobs, job)
	l.outs = append(l.outs, out)
	return nil
}

func TestRun_RecordsTerminalJobs(t *testing.T) {
	l := &ledger{}
	now := time.Date(2026, 2, 2, 2, 2, 2, 0, time.UTC)
	client := &scriptedClient{
		submit:     Submission{ID: "rec", Status: StatusPending},
		processing: 1,
		final:      StatusReport{Status: StatusCompleted, Result: &Output{URL: "u"}},
	}
	o := New(client, nil, nil, WithRecorder(l), WithClock(func() time.Time { return now }))
	o.Run(context.Background(), generate("x"), Options{Sleep: noSleep})

	if len(l.jobs) != 1 {
		t.Fatalf("expected 1 recorded job, got %d", len(l.jobs))
	}
	got := l.jobs[0]
	if got.ID != "rec" || got.Status != StatusCompleted || got.Attempts != 2 || l.outs[0] != OutcomeCompleted {
		t.Errorf("unexpected record %+v / %s", got, l.outs[0])
	}
	if !got.SubmittedAt.Equal(now) || !got.CompletedAt.Equal(now) {
		t.Errorf("timestamps not from injected clock: %+v", got)
	}
	if got.SessionID != "s1" || got.Kind != KindGenerate {
		t.Errorf("session or kind missing: %+v", got)
	}
}

func TestRun_PublishesProgress(t *testing.T) {
	client := &scriptedClient{
		submit:     Submission{ID: "p", Status: StatusPending},
		processing: 2,
		final:      StatusReport{Status: StatusCompleted, Result: &Output{URL: "u"}},
	}
	bus := events.NewBus()
	var seen []events.Type
	bus.SubscribeAll(func(e events.Event) { seen = append(seen, e.Type) })

	New(client, nil, bus).Run(context.Background(), generate("x"), Options{Sleep: noSleep})

	want := []events.Type{events.JobSubmitted, events.JobPolled, events.JobPolled, events.JobPolled, events.JobCompleted}
	if len(seen) != len(want) {
		t.Fatalf("expected %v, got %v", want, seen)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("event %d: expected %s, got %s", i, want[i], seen[i])
		}
	}
}

func TestBudget(t *testing.T) {
	live := Budget(false, time.Second, 60, 30)
	if live.MaxAttempts != 60 || live.Interval != time.Second {
		t.Errorf("unexpected real budget %+v", live)
	}
	mock := Budget(true, time.Second, 60, 30)
	if mock.MaxAttempts != 30 {
		t.Errorf("expected mock budget 30, got %d", mock.MaxAttempts)
	}
	if d := Budget(true, 0, 0, 0).withDefaults(); d.MaxAttempts != MockMaxAttempts || d.Interval != DefaultInterval {
		t.Errorf("unexpected defaults %+v", d)
	}
	if d := (Options{}).withDefaults(); d.MaxAttempts != DefaultMaxAttempts {
		t.Errorf("expected default max attempts %d, got %d", DefaultMaxAttempts, d.MaxAttempts)
	}
}
