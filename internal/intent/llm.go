package intent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/felixgeelhaar/canvas/internal/observe"
	"github.com/felixgeelhaar/canvas/internal/provider"
	"github.com/xeipuuv/gojsonschema"
)

const systemPrompt = `You route requests for an image assistant.
Classify the user's message as exactly one intent:
- "chat": conversation, questions, anything that needs no image work
- "generate_image": the user wants a new image created
- "edit_image": the user wants an existing image changed
- "unknown": the message is empty or unintelligible
Reply with a single JSON object and nothing else:
{"intent": "<intent>", "confidence": <0..1>, "prompt": "<cleaned image prompt or edit instruction, if any>"}`

// responseSchema is what the model's reply must satisfy.
const responseSchema = `{
  "type": "object",
  "required": ["intent", "confidence"],
  "properties": {
    "intent": {"type": "string", "enum": ["chat", "generate_image", "edit_image", "unknown"]},
    "confidence": {"type": "number"},
    "prompt": {"type": "string"}
  }
}`

// LLMClassifier asks a language model for the intent.
type LLMClassifier struct {
	provider provider.Provider
	observe  *observe.Observer
	schema   gojsonschema.JSONLoader
}

// NewLLMClassifier creates a classifier backed by p.
func NewLLMClassifier(p provider.Provider, obs *observe.Observer) *LLMClassifier {
	if obs == nil {
		obs = observe.Nop()
	}
	return &LLMClassifier{
		provider: p,
		observe:  obs,
		schema:   gojsonschema.NewStringLoader(responseSchema),
	}
}

// Classify never fails; any provider or parse error yields Fallback.
func (c *LLMClassifier) Classify(ctx context.Context, text string) Result {
	if strings.TrimSpace(text) == "" {
		return Result{Label: Unknown, Confidence: 0, Params: map[string]string{ParamText: text}}
	}

	res, err := c.classify(ctx, text)
	if err != nil {
		c.observe.Log().Warn().Str("provider", c.provider.Name()).Err(err).Msg("classification degraded to chat")
		return Fallback(text)
	}
	return res
}

func (c *LLMClassifier) classify(ctx context.Context, text string) (Result, error) {
	resp, err := c.provider.Chat(ctx, []provider.Message{
		{Role: provider.RoleSystem, Content: systemPrompt},
		{Role: provider.RoleUser, Content: text},
	})
	if err != nil {
		return Result{}, fmt.Errorf("provider call: %w", err)
	}

	raw, err := extractObject(resp.Content)
	if err != nil {
		return Result{}, err
	}

	var doc map[string]any
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return Result{}, fmt.Errorf("decode classification: %w", err)
	}

	result, err := gojsonschema.Validate(c.schema, gojsonschema.NewGoLoader(doc))
	if err != nil {
		return Result{}, fmt.Errorf("schema validation failed: %w", err)
	}
	if !result.Valid() {
		var msgs []string
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return Result{}, fmt.Errorf("invalid classification: %s", strings.Join(msgs, "; "))
	}

	label := Label(doc["intent"].(string))
	confidence, _ := doc["confidence"].(float64)
	prompt, _ := doc["prompt"].(string)
	prompt = strings.TrimSpace(prompt)

	params := map[string]string{ParamText: text}
	switch label {
	case GenerateImage:
		params[ParamPrompt] = firstNonEmpty(prompt, text)
	case EditImage:
		params[ParamInstruction] = firstNonEmpty(prompt, text)
	}

	return Result{Label: label, Confidence: clamp(confidence), Params: params}, nil
}

// extractObject pulls the outermost JSON object out of a model reply that
// may be wrapped in prose or a code fence.
func extractObject(s string) (string, error) {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return "", errors.New("no JSON object in classifier reply")
	}
	return s[start : end+1], nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
