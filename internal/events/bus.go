// Package events carries turn and job progress notifications between the
// dispatcher, the orchestrator and whatever front end is rendering them.
package events

import (
	"sync"
	"time"
)

// Type identifies a kind of event.
type Type string

const (
	TurnStart       Type = "turn_start"
	TurnEnd         Type = "turn_end"
	Classified      Type = "classified"
	JobSubmitted    Type = "job_submitted"
	JobPolled       Type = "job_polled"
	JobPollError    Type = "job_poll_error"
	JobCompleted    Type = "job_completed"
	JobFailed       Type = "job_failed"
	JobTimedOut     Type = "job_timed_out"
	ImageAdded      Type = "image_added"
	SessionCreated  Type = "session_created"
	SessionsSwept   Type = "sessions_swept"
	GuardViolation  Type = "guard_violation"
	EnhancementSkip Type = "enhancement_skipped"
)

// Event is a single notification. Data values are plain scalars so that
// handlers can log or serialize them without type switches.
type Event struct {
	Type      Type
	Timestamp time.Time
	SessionID string
	JobID     string
	Data      map[string]any
}

// Int returns Data[key] as an int, or 0.
func (e Event) Int(key string) int {
	v, _ := e.Data[key].(int)
	return v
}

// Str returns Data[key] as a string, or "".
func (e Event) Str(key string) string {
	v, _ := e.Data[key].(string)
	return v
}

// Handler receives published events. Handlers run synchronously on the
// publishing goroutine and must not block.
type Handler func(Event)

// Bus fans events out to subscribers.
type Bus struct {
	mu          sync.RWMutex
	handlers    map[Type][]Handler
	allHandlers []Handler
	now         func() time.Time
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{
		handlers: make(map[Type][]Handler),
		now:      time.Now,
	}
}

// Subscribe registers a handler for one event type.
func (b *Bus) Subscribe(t Type, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[t] = append(b.handlers[t], h)
}

// SubscribeAll registers a handler for every event type.
func (b *Bus) SubscribeAll(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.allHandlers = append(b.allHandlers, h)
}

// Publish delivers e to matching handlers. A nil bus drops the event, so
// components can publish unconditionally.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()

	if e.Timestamp.IsZero() {
		e.Timestamp = b.now()
	}

	for _, h := range b.handlers[e.Type] {
		h(e)
	}
	for _, h := range b.allHandlers {
		h(e)
	}
}

// Emit publishes an event for a session with optional data.
func (b *Bus) Emit(t Type, sessionID string, data map[string]any) {
	b.Publish(Event{Type: t, SessionID: sessionID, Data: data})
}

// EmitJob publishes a job-scoped event.
func (b *Bus) EmitJob(t Type, sessionID, jobID string, data map[string]any) {
	b.Publish(Event{Type: t, SessionID: sessionID, JobID: jobID, Data: data})
}
