package dispatch

import (
	"github.com/felixgeelhaar/canvas/internal/session"
)

// ErrorKind classifies a user-facing failure.
type ErrorKind string

const (
	ErrSessionExpired ErrorKind = "session_expired"
	ErrNoEditTarget   ErrorKind = "no_edit_target"
	ErrJobFailed      ErrorKind = "job_failed"
	ErrJobTimedOut    ErrorKind = "job_timed_out"
	ErrChatFailed     ErrorKind = "chat_failed"
)

// Response is what a turn answered. It is one of TextResponse,
// ImageResponse or ErrorResponse.
type Response interface {
	// Summary is the plain-text rendering stored in the turn history.
	Summary() string
	kind() session.ResponseKind
}

// TextResponse is a conversational reply.
type TextResponse struct {
	Text string
}

func (r TextResponse) Summary() string { return r.Text }
func (TextResponse) kind() session.ResponseKind { return session.ResponseText }

// ImageResponse carries a newly generated or edited image.
type ImageResponse struct {
	Text     string
	Image    session.ImageRecord
	JobID    string
	Attempts int
	// Prompt is what was sent to the image backend, after enhancement.
	Prompt   string
	Enhanced bool
}

func (r ImageResponse) Summary() string { return r.Text }
func (ImageResponse) kind() session.ResponseKind { return session.ResponseImage }

// ErrorResponse is a recoverable failure surfaced to the user.
type ErrorResponse struct {
	Kind        ErrorKind
	Message     string
	Suggestions []string
	Attempts    int
}

func (r ErrorResponse) Summary() string { return r.Message }
func (ErrorResponse) kind() session.ResponseKind { return session.ResponseError }

// Payload is the wire form of a Response.
type Payload struct {
	Type        session.ResponseKind `json:"type"`
	Text        string               `json:"text"`
	Image       *session.ImageRecord `json:"image,omitempty"`
	JobID       string               `json:"job_id,omitempty"`
	Attempts    int                  `json:"attempts,omitempty"`
	Prompt      string               `json:"prompt,omitempty"`
	ErrorKind   ErrorKind            `json:"error_kind,omitempty"`
	Suggestions []string             `json:"suggestions,omitempty"`
}

// Encode converts r to its wire form.
func Encode(r Response) Payload {
	p := Payload{Type: r.kind(), Text: r.Summary()}
	switch v := r.(type) {
	case ImageResponse:
		img := v.Image
		p.Image = &img
		p.JobID = v.JobID
		p.Attempts = v.Attempts
		p.Prompt = v.Prompt
	case ErrorResponse:
		p.ErrorKind = v.Kind
		p.Suggestions = v.Suggestions
		p.Attempts = v.Attempts
	}
	return p
}

// stored is the form of r kept in the turn history.
func stored(r Response) session.TurnResponse {
	tr := session.TurnResponse{Kind: r.kind(), Text: r.Summary()}
	if img, ok := r.(ImageResponse); ok {
		tr.ImageID = img.Image.ID
	}
	return tr
}
