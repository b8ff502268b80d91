// Package imaging holds the RemoteJobClient backends: an in-process mock,
// a generic REST job API client and an OpenAI images client.
package imaging

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/felixgeelhaar/canvas/internal/orchestrate"
	"github.com/google/uuid"
)

const mockBaseURL = "https://mock.canvas.local/images"

// MockOptions configure a MockClient.
type MockOptions struct {
	// PollsToComplete is how many polls report processing before the job
	// completes. Zero completes on the first poll.
	PollsToComplete int
	// Latency is slept (honouring ctx) on every call.
	Latency time.Duration
	// ResultURL, when set, is returned for every job instead of the
	// generated placeholder URL.
	ResultURL string
	// FailWith makes every job fail on its final poll with this message.
	FailWith string
}

// MockCalls counts calls per operation.
type MockCalls struct {
	Generate int
	Edit     int
	Poll     int
}

// Total is the number of calls of any kind.
func (c MockCalls) Total() int {
	return c.Generate + c.Edit + c.Poll
}

type mockJob struct {
	polls  int
	width  int
	height int
}

// MockClient simulates an asynchronous image API in memory. Its URLs are
// deterministic in the job id and requested size.
type MockClient struct {
	opts MockOptions

	mu    sync.Mutex
	jobs  map[string]*mockJob
	calls MockCalls
	newID func() string
}

// NewMockClient creates a mock backend.
func NewMockClient(opts MockOptions) *MockClient {
	return &MockClient{
		opts:  opts,
		jobs:  make(map[string]*mockJob),
		newID: uuid.NewString,
	}
}

// Name identifies the backend.
func (m *MockClient) Name() string {
	return "mock"
}

// Calls returns a snapshot of the call counters.
func (m *MockClient) Calls() MockCalls {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func (m *MockClient) SubmitGenerate(ctx context.Context, req orchestrate.GenerateRequest) (orchestrate.Submission, error) {
	m.mu.Lock()
	m.calls.Generate++
	m.mu.Unlock()
	return m.submit(ctx, req.Width, req.Height)
}

func (m *MockClient) SubmitEdit(ctx context.Context, req orchestrate.EditRequest) (orchestrate.Submission, error) {
	m.mu.Lock()
	m.calls.Edit++
	m.mu.Unlock()
	if req.ImageURL == "" {
		return orchestrate.Submission{}, fmt.Errorf("mock edit: image url is required")
	}
	return m.submit(ctx, req.Width, req.Height)
}

func (m *MockClient) PollStatus(ctx context.Context, id string) (orchestrate.StatusReport, error) {
	m.mu.Lock()
	m.calls.Poll++
	m.mu.Unlock()

	if err := m.wait(ctx); err != nil {
		return orchestrate.StatusReport{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[id]
	if !ok {
		return orchestrate.StatusReport{}, fmt.Errorf("mock: unknown job %s", id)
	}
	job.polls++
	if job.polls <= m.opts.PollsToComplete {
		return orchestrate.StatusReport{Status: orchestrate.StatusProcessing}, nil
	}
	if m.opts.FailWith != "" {
		return orchestrate.StatusReport{Status: orchestrate.StatusFailed, Error: m.opts.FailWith}, nil
	}
	return orchestrate.StatusReport{
		Status: orchestrate.StatusCompleted,
		Result: &orchestrate.Output{
			URL:         m.url(id, job),
			Width:       job.width,
			Height:      job.height,
			ContentType: "image/jpeg",
		},
	}, nil
}

func (m *MockClient) submit(ctx context.Context, width, height int) (orchestrate.Submission, error) {
	if err := m.wait(ctx); err != nil {
		return orchestrate.Submission{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.newID()
	m.jobs[id] = &mockJob{width: width, height: height}
	return orchestrate.Submission{ID: id, Status: orchestrate.StatusPending}, nil
}

func (m *MockClient) url(id string, job *mockJob) string {
	if m.opts.ResultURL != "" {
		return m.opts.ResultURL
	}
	w, h := job.width, job.height
	if w <= 0 {
		w = orchestrate.DefaultWidth
	}
	if h <= 0 {
		h = orchestrate.DefaultHeight
	}
	return fmt.Sprintf("%s/%dx%d/%s.jpg", mockBaseURL, w, h, id)
}

func (m *MockClient) wait(ctx context.Context) error {
	if m.opts.Latency <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(m.opts.Latency)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
