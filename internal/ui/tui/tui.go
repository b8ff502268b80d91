// Package tui is the interactive bubbletea chat front end.
package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// TUI forwards ui.UI calls into a running program.
type TUI struct {
	program *tea.Program
}

func NewTUI(p *tea.Program) *TUI {
	return &TUI{program: p}
}

func (t *TUI) UpdateStatus(status string) {
	t.program.Send(StatusMsg(status))
}

func (t *TUI) UpdateProgress(attempt, max int) {
	t.program.Send(ProgressMsg{Attempt: attempt, Max: max})
}

func (t *TUI) Log(msg string) {
	t.program.Send(LogMsg(msg))
}

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4")).
			Padding(0, 1)

	infoStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#04B575"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF0000"))

	userStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#7D56F4"))
)

// Sender delivers one user message and returns the rendered reply.
type Sender func(text string) (string, error)

type Model struct {
	Title      string
	Status     string
	Attempt    int
	MaxAttempt int
	Transcript []string
	Busy       bool
	Input      textinput.Model
	Progress   progress.Model
	Viewport   viewport.Model
	Quitting   bool
	Ready      bool
	Width      int
	Height     int

	send Sender
}

type LogMsg string
type StatusMsg string

type ProgressMsg struct {
	Attempt int
	Max     int
}

// ReplyMsg carries the outcome of a Sender call.
type ReplyMsg struct {
	Text string
	Err  error
}

func NewModel(title string, send Sender) Model {
	in := textinput.New()
	in.Placeholder = "Describe an image, ask for an edit, or just chat"
	in.Prompt = "> "
	in.Focus()

	return Model{
		Title:    title,
		Status:   "ready",
		Input:    in,
		Progress: progress.New(progress.WithDefaultGradient()),
		send:     send,
	}
}

func (m Model) Init() tea.Cmd {
	return textinput.Blink
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			m.Quitting = true
			return m, tea.Quit
		case tea.KeyEnter:
			text := strings.TrimSpace(m.Input.Value())
			if text == "" || m.Busy {
				return m, nil
			}
			m.Input.Reset()
			m.Busy = true
			m.Status = "thinking"
			m.Attempt, m.MaxAttempt = 0, 0
			m.appendLine(userStyle.Render("you: ") + text)
			return m, m.deliver(text)
		}

	case tea.WindowSizeMsg:
		m.Width = msg.Width
		m.Height = msg.Height
		m.Progress.Width = msg.Width - 4
		if !m.Ready {
			m.Viewport = viewport.New(msg.Width, msg.Height-7)
			m.Viewport.SetContent(strings.Join(m.Transcript, "\n"))
			m.Ready = true
		} else {
			m.Viewport.Width = msg.Width
			m.Viewport.Height = msg.Height - 7
		}

	case ReplyMsg:
		m.Busy = false
		m.Status = "ready"
		if msg.Err != nil {
			m.appendLine(errorStyle.Render("error: " + msg.Err.Error()))
		} else {
			m.appendLine(infoStyle.Render("canvas: ") + msg.Text)
		}

	case LogMsg:
		m.appendLine(errorStyle.Render("! " + string(msg)))

	case StatusMsg:
		m.Status = string(msg)

	case ProgressMsg:
		m.Attempt = msg.Attempt
		m.MaxAttempt = msg.Max
	}

	var cmd tea.Cmd
	m.Input, cmd = m.Input.Update(msg)
	cmds = append(cmds, cmd)
	m.Viewport, cmd = m.Viewport.Update(msg)
	cmds = append(cmds, cmd)

	return m, tea.Batch(cmds...)
}

func (m *Model) appendLine(line string) {
	m.Transcript = append(m.Transcript, line)
	m.Viewport.SetContent(strings.Join(m.Transcript, "\n"))
	m.Viewport.GotoBottom()
}

func (m Model) deliver(text string) tea.Cmd {
	send := m.send
	return func() tea.Msg {
		if send == nil {
			return ReplyMsg{Err: fmt.Errorf("no session attached")}
		}
		reply, err := send(text)
		return ReplyMsg{Text: reply, Err: err}
	}
}

func (m Model) View() string {
	if !m.Ready {
		return "\n  Initializing..."
	}

	header := titleStyle.Render(" " + m.Title + " ")
	status := infoStyle.Render(fmt.Sprintf(" %s ", m.Status))

	bar := ""
	if m.Busy && m.MaxAttempt > 0 {
		bar = m.Progress.ViewAs(float64(m.Attempt)/float64(m.MaxAttempt)) +
			fmt.Sprintf(" %d/%d", m.Attempt, m.MaxAttempt)
	}

	view := fmt.Sprintf("%s%s\n\n%s\n\n%s\n%s",
		header, status,
		m.Viewport.View(),
		bar,
		m.Input.View())

	if m.Quitting {
		return view + "\n  Bye.\n"
	}

	return view
}
