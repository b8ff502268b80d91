// Package assist holds the language-model helpers the dispatcher leans on:
// conversational replies and best-effort prompt enhancement.
package assist

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/felixgeelhaar/canvas/internal/observe"
	"github.com/felixgeelhaar/canvas/internal/provider"
	"github.com/felixgeelhaar/canvas/internal/session"
)

// DefaultHistoryWindow is how many prior turns are replayed to the model.
const DefaultHistoryWindow = 10

const chatPrompt = `You are Canvas, a friendly assistant that creates and edits images.
Answer conversational questions briefly. When the user seems to want an image,
tell them they can simply describe it, or ask for a change to an existing one.`

// ErrEmptyReply is returned when the model answers with nothing.
var ErrEmptyReply = errors.New("model returned an empty reply")

// Responder produces conversational replies.
type Responder struct {
	provider provider.Provider
	observe  *observe.Observer
	window   int
}

func NewResponder(p provider.Provider, obs *observe.Observer) *Responder {
	if obs == nil {
		obs = observe.Nop()
	}
	return &Responder{provider: p, observe: obs, window: DefaultHistoryWindow}
}

// SetHistoryWindow changes how many prior turns are replayed. n <= 0 replays none.
func (r *Responder) SetHistoryWindow(n int) {
	if n < 0 {
		n = 0
	}
	r.window = n
}

// Reply answers text given the prior turns of the conversation.
func (r *Responder) Reply(ctx context.Context, history []session.Turn, text string) (string, error) {
	messages := r.buildMessages(history, text)

	resp, err := r.provider.Chat(ctx, messages)
	if err != nil {
		r.observe.Log().Error().Str("provider", r.provider.Name()).Err(err).Msg("chat reply failed")
		return "", fmt.Errorf("chat reply: %w", err)
	}

	reply := strings.TrimSpace(resp.Content)
	if reply == "" {
		return "", ErrEmptyReply
	}
	return reply, nil
}

func (r *Responder) buildMessages(history []session.Turn, text string) []provider.Message {
	if len(history) > r.window {
		history = history[len(history)-r.window:]
	}

	messages := make([]provider.Message, 0, 2+2*len(history))
	messages = append(messages, provider.Message{Role: provider.RoleSystem, Content: chatPrompt})
	for _, t := range history {
		messages = append(messages, provider.Message{Role: provider.RoleUser, Content: t.Input})
		if out := turnSummary(t); out != "" {
			messages = append(messages, provider.Message{Role: provider.RoleAssistant, Content: out})
		}
	}
	return append(messages, provider.Message{Role: provider.RoleUser, Content: text})
}

// turnSummary is what the assistant said in t, as plain text.
func turnSummary(t session.Turn) string {
	switch t.Response.Kind {
	case session.ResponseImage:
		if t.Response.Text != "" {
			return t.Response.Text
		}
		return "[image " + t.Response.ImageID + "]"
	default:
		return t.Response.Text
	}
}
