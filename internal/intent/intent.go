// Package intent classifies free-text requests into one of four intents.
// Every Classifier is total: failures degrade to a chat intent instead of
// surfacing an error.
package intent

import (
	"context"
	"fmt"
	"math"

	"github.com/felixgeelhaar/canvas/internal/observe"
)

// Label is a classified intent.
type Label string

const (
	Chat          Label = "chat"
	GenerateImage Label = "generate_image"
	EditImage     Label = "edit_image"
	Unknown       Label = "unknown"
)

// Labels lists every valid label.
var Labels = []Label{Chat, GenerateImage, EditImage, Unknown}

// Valid reports whether l is one of Labels.
func (l Label) Valid() bool {
	switch l {
	case Chat, GenerateImage, EditImage, Unknown:
		return true
	}
	return false
}

// FallbackConfidence is reported when classification degraded to chat.
const FallbackConfidence = 0.5

// Param keys.
const (
	ParamText        = "text"
	ParamPrompt      = "prompt"
	ParamInstruction = "instruction"
)

// Result is a classification outcome.
type Result struct {
	Label      Label             `json:"label"`
	Confidence float64           `json:"confidence"`
	Params     map[string]string `json:"params,omitempty"`
}

// Param returns Params[key], or "".
func (r Result) Param(key string) string {
	if r.Params == nil {
		return ""
	}
	return r.Params[key]
}

// Fallback is the degraded result: chat, fixed confidence, original text.
func Fallback(text string) Result {
	return Result{
		Label:      Chat,
		Confidence: FallbackConfidence,
		Params:     map[string]string{ParamText: text},
	}
}

// Classifier maps text to an intent. Implementations must not fail.
type Classifier interface {
	Classify(ctx context.Context, text string) Result
}

// Func adapts a function to Classifier.
type Func func(ctx context.Context, text string) Result

func (f Func) Classify(ctx context.Context, text string) Result {
	return f(ctx, text)
}

// Safe wraps c so that panics degrade to Fallback, confidence is clamped
// to [0,1] and unrecognized labels become Unknown.
func Safe(c Classifier, obs *observe.Observer) Classifier {
	if obs == nil {
		obs = observe.Nop()
	}
	return Func(func(ctx context.Context, text string) (res Result) {
		defer func() {
			if r := recover(); r != nil {
				obs.Log().Warn().Str("panic", fmt.Sprint(r)).Msg("classifier panicked, falling back to chat")
				res = Fallback(text)
			}
		}()
		return normalize(c.Classify(ctx, text))
	})
}

func normalize(r Result) Result {
	if !r.Label.Valid() {
		r.Label = Unknown
	}
	r.Confidence = clamp(r.Confidence)
	return r
}

func clamp(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
