package assist

import (
	"context"
	"strings"

	"github.com/felixgeelhaar/canvas/internal/events"
	"github.com/felixgeelhaar/canvas/internal/observe"
	"github.com/felixgeelhaar/canvas/internal/provider"
)

// Mode selects the enhancement instructions.
type Mode string

const (
	ModeGenerate Mode = "generate"
	ModeEdit     Mode = "edit"
)

const (
	generatePrompt = `Rewrite the user's image request as a single detailed prompt for an image model.
Keep the subject and intent. Add composition, lighting and style details only where they are implied.
Reply with the prompt text only.`

	editPrompt = `Rewrite the user's edit request as one precise instruction for an image editing model.
Do not add changes the user did not ask for. Reply with the instruction text only.`
)

// maxEnhancedLen bounds enhanced text; longer replies are treated as noise.
const maxEnhancedLen = 2000

// Enhancer rewrites prompts and edit instructions. It is best-effort: any
// failure returns the raw text unchanged.
type Enhancer struct {
	provider provider.Provider
	observe  *observe.Observer
	bus      *events.Bus
}

// NewEnhancer creates an enhancer. A nil provider disables enhancement.
func NewEnhancer(p provider.Provider, obs *observe.Observer, bus *events.Bus) *Enhancer {
	if obs == nil {
		obs = observe.Nop()
	}
	return &Enhancer{provider: p, observe: obs, bus: bus}
}

// Enhance returns the improved text and whether enhancement was applied.
func (e *Enhancer) Enhance(ctx context.Context, sessionID string, mode Mode, raw string) (string, bool) {
	if e == nil || e.provider == nil || strings.TrimSpace(raw) == "" {
		return raw, false
	}

	instructions := generatePrompt
	if mode == ModeEdit {
		instructions = editPrompt
	}

	resp, err := e.provider.Chat(ctx, []provider.Message{
		{Role: provider.RoleSystem, Content: instructions},
		{Role: provider.RoleUser, Content: raw},
	})
	if err != nil {
		e.skip(sessionID, mode, err.Error())
		return raw, false
	}

	out := strings.Trim(strings.TrimSpace(resp.Content), "\"")
	switch {
	case out == "":
		e.skip(sessionID, mode, "empty reply")
		return raw, false
	case len(out) > maxEnhancedLen:
		e.skip(sessionID, mode, "reply too long")
		return raw, false
	}
	return out, true
}

func (e *Enhancer) skip(sessionID string, mode Mode, reason string) {
	e.observe.Log().Warn().Str("sessionID", sessionID).Str("mode", string(mode)).Str("reason", reason).Msg("prompt enhancement skipped")
	e.bus.Emit(events.EnhancementSkip, sessionID, map[string]any{"mode": string(mode), "reason": reason})
}
