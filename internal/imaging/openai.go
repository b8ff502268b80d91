package imaging

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/felixgeelhaar/canvas/internal/orchestrate"
	"github.com/google/uuid"
	openai "github.com/sashabaranov/go-openai"
)

// ErrEditUnsupported is returned by backends that cannot edit a remote image.
var ErrEditUnsupported = errors.New("image editing is not supported by this backend")

// OpenAIClient generates images through the OpenAI images API. Generation
// is synchronous, so submissions come back already completed.
type OpenAIClient struct {
	client *openai.Client
	model  string

	mu      sync.Mutex
	results map[string]orchestrate.Output
}

// NewOpenAIClient creates an OpenAI images backend.
func NewOpenAIClient(apiKey, baseURL, model string) (*OpenAIClient, error) {
	if apiKey == "" {
		return nil, errors.New("API key is required")
	}

	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}
	if model == "" {
		model = openai.CreateImageModelDallE3
	}

	return &OpenAIClient{
		client:  openai.NewClientWithConfig(config),
		model:   model,
		results: make(map[string]orchestrate.Output),
	}, nil
}

// Name identifies the backend.
func (c *OpenAIClient) Name() string {
	return "openai"
}

func (c *OpenAIClient) SubmitGenerate(ctx context.Context, req orchestrate.GenerateRequest) (orchestrate.Submission, error) {
	width, height := req.Width, req.Height
	if width <= 0 {
		width = orchestrate.DefaultWidth
	}
	if height <= 0 {
		height = orchestrate.DefaultHeight
	}
	model := req.Model
	if model == "" {
		model = c.model
	}

	resp, err := c.client.CreateImage(ctx, openai.ImageRequest{
		Prompt:         req.Prompt,
		Model:          model,
		N:              1,
		Size:           fmt.Sprintf("%dx%d", width, height),
		ResponseFormat: openai.CreateImageResponseFormatURL,
	})
	if err != nil {
		return orchestrate.Submission{}, err
	}
	if len(resp.Data) == 0 || resp.Data[0].URL == "" {
		return orchestrate.Submission{ID: uuid.NewString(), Status: orchestrate.StatusFailed, Error: "no image returned"}, nil
	}

	out := orchestrate.Output{
		URL:         resp.Data[0].URL,
		Width:       width,
		Height:      height,
		ContentType: "image/png",
	}
	id := uuid.NewString()

	c.mu.Lock()
	c.results[id] = out
	c.mu.Unlock()

	return orchestrate.Submission{ID: id, Status: orchestrate.StatusCompleted, Result: &out}, nil
}

// SubmitEdit always fails: the OpenAI edit endpoint needs the image bytes
// and a mask, not a remote URL.
func (c *OpenAIClient) SubmitEdit(ctx context.Context, req orchestrate.EditRequest) (orchestrate.Submission, error) {
	return orchestrate.Submission{}, ErrEditUnsupported
}

// PollStatus reports the result of an earlier generation once; the entry is
// dropped after it has been returned.
func (c *OpenAIClient) PollStatus(ctx context.Context, id string) (orchestrate.StatusReport, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out, ok := c.results[id]
	if !ok {
		return orchestrate.StatusReport{}, fmt.Errorf("openai: unknown job %s", id)
	}
	delete(c.results, id)
	return orchestrate.StatusReport{Status: orchestrate.StatusCompleted, Result: &out}, nil
}
