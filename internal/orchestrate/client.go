package orchestrate

import "context"

const (
	DefaultWidth       = 1024
	DefaultHeight      = 1024
	DefaultContentType = "image/jpeg"
)

// GenerateRequest asks the remote API for a new image.
type GenerateRequest struct {
	Prompt string `json:"prompt"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
	Model  string `json:"model,omitempty"`
	Format string `json:"format,omitempty"`
}

// EditRequest asks the remote API to modify an existing image. Width and
// Height, when known, are the source image's dimensions.
type EditRequest struct {
	ImageURL    string  `json:"image_url"`
	Instruction string  `json:"instruction"`
	EditType    string  `json:"edit_type"`
	Strength    float64 `json:"strength"`
	Guidance    float64 `json:"guidance"`
	Width       int     `json:"width,omitempty"`
	Height      int     `json:"height,omitempty"`
}

// Output is an image produced by the remote API.
type Output struct {
	URL         string `json:"url"`
	Width       int    `json:"width,omitempty"`
	Height      int    `json:"height,omitempty"`
	ContentType string `json:"content_type,omitempty"`
}

// Submission is the remote API's answer to a submit call. Backends that
// produce images synchronously return StatusCompleted with Result set.
type Submission struct {
	ID     string  `json:"id"`
	Status Status  `json:"status"`
	Result *Output `json:"result,omitempty"`
	Error  string  `json:"error,omitempty"`
}

// StatusReport is the answer to a poll.
type StatusReport struct {
	Status Status  `json:"status"`
	Result *Output `json:"result,omitempty"`
	Error  string  `json:"error,omitempty"`
}

// RemoteJobClient is an asynchronous image API. Mock and real backends are
// interchangeable behind it.
type RemoteJobClient interface {
	SubmitGenerate(ctx context.Context, req GenerateRequest) (Submission, error)
	SubmitEdit(ctx context.Context, req EditRequest) (Submission, error)
	PollStatus(ctx context.Context, id string) (StatusReport, error)
}

// Request is one unit of work for the orchestrator. Exactly one of
// Generate and Edit is set.
type Request struct {
	SessionID string
	Generate  *GenerateRequest
	Edit      *EditRequest
}

// Kind reports which operation the request performs.
func (r Request) Kind() Kind {
	if r.Edit != nil {
		return KindEdit
	}
	return KindGenerate
}

func (r Request) dimensions() (int, int) {
	w, h := 0, 0
	switch {
	case r.Edit != nil:
		w, h = r.Edit.Width, r.Edit.Height
	case r.Generate != nil:
		w, h = r.Generate.Width, r.Generate.Height
	}
	if w <= 0 {
		w = DefaultWidth
	}
	if h <= 0 {
		h = DefaultHeight
	}
	return w, h
}

// normalize fills in the fields the remote left out.
func (r Request) normalize(out *Output) *Output {
	w, h := r.dimensions()
	n := *out
	if n.Width <= 0 {
		n.Width = w
	}
	if n.Height <= 0 {
		n.Height = h
	}
	if n.ContentType == "" {
		n.ContentType = DefaultContentType
	}
	return &n
}
