package provider

import (
	"context"
	"sync"
	"time"
)

// StubProvider is a deterministic offline provider used in mock mode and
// tests. Queued Responses are returned first; after that Reply (or an echo)
// answers.
type StubProvider struct {
	Latency time.Duration
	Reply   func(messages []Message) string

	mu        sync.Mutex
	responses []Response
	calls     int
}

func NewStubProvider(responses ...Response) *StubProvider {
	return &StubProvider{responses: responses}
}

func (m *StubProvider) Chat(ctx context.Context, messages []Message) (*Response, error) {
	if m.Latency > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(m.Latency):
		}
	} else if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++

	if len(m.responses) > 0 {
		resp := m.responses[0]
		m.responses = m.responses[1:]
		return &resp, nil
	}

	content := "You said: " + lastUserContent(messages)
	if m.Reply != nil {
		content = m.Reply(messages)
	}
	return &Response{Content: content, Usage: Usage{TotalTokens: len(content) / 4}}, nil
}

// Calls returns how many times Chat has been called.
func (m *StubProvider) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func (m *StubProvider) Name() string {
	return "stub"
}
