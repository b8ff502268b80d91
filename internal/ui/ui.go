// Package ui renders turn and job progress for terminal front ends.
package ui

import (
	"fmt"
	"io"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"github.com/felixgeelhaar/canvas/internal/events"
)

type UI interface {
	UpdateStatus(status string)
	UpdateProgress(attempt, max int)
	Log(msg string)
}

type SilentUI struct{}

func (s SilentUI) UpdateStatus(status string)      {}
func (s SilentUI) UpdateProgress(attempt, max int) {}
func (s SilentUI) Log(msg string)                  {}

var (
	statusStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#7D56F4"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#777777"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF5F87"))
)

// Console writes progress lines to a writer, for the line-mode REPL.
type Console struct {
	mu  sync.Mutex
	out io.Writer
}

func NewConsole(out io.Writer) *Console {
	return &Console{out: out}
}

func (c *Console) UpdateStatus(status string) {
	c.write(statusStyle.Render("· " + status))
}

func (c *Console) UpdateProgress(attempt, max int) {
	c.write(dimStyle.Render(fmt.Sprintf("  waiting for image %d/%d", attempt, max)))
}

func (c *Console) Log(msg string) {
	c.write(warnStyle.Render("! " + msg))
}

func (c *Console) write(line string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintln(c.out, line)
}

// Bind subscribes u to the bus events a user cares about.
func Bind(bus *events.Bus, u UI) {
	bus.Subscribe(events.Classified, func(e events.Event) {
		switch e.Str("intent") {
		case "generate_image":
			u.UpdateStatus("generating an image")
		case "edit_image":
			u.UpdateStatus("editing an image")
		}
	})
	bus.Subscribe(events.JobPolled, func(e events.Event) {
		u.UpdateProgress(e.Int("attempt"), e.Int("max_attempts"))
	})
	bus.Subscribe(events.JobPollError, func(e events.Event) {
		u.Log(fmt.Sprintf("status check %d failed: %s", e.Int("attempt"), e.Str("error")))
	})
	bus.Subscribe(events.JobCompleted, func(e events.Event) {
		u.UpdateStatus(fmt.Sprintf("image ready after %d checks", e.Int("attempts")))
	})
	bus.Subscribe(events.JobFailed, func(e events.Event) {
		u.Log("image job failed: " + e.Str("error"))
	})
	bus.Subscribe(events.JobTimedOut, func(e events.Event) {
		u.Log(fmt.Sprintf("image job gave up after %d checks", e.Int("attempts")))
	})
	bus.Subscribe(events.GuardViolation, func(e events.Event) {
		u.Log(e.Str("message"))
	})
	bus.Subscribe(events.EnhancementSkip, func(e events.Event) {
		u.Log("prompt enhancement skipped: " + e.Str("reason"))
	})
}
