package resolver

import (
	"fmt"

	"github.com/felixgeelhaar/canvas/internal/session"
)

// NoTargetError reports that an edit had nothing to act on. It is a
// recoverable, user-facing condition.
type NoTargetError struct {
	// HasImages distinguishes "nothing uploaded or generated yet" from
	// "images exist but none could be matched".
	HasImages   bool
	ImageCount  int
	Suggestions []string
}

func (e *NoTargetError) Error() string {
	if !e.HasImages {
		return "no image available to edit"
	}
	return fmt.Sprintf("could not tell which of %d images to edit", e.ImageCount)
}

// Message is the user-facing explanation.
func (e *NoTargetError) Message() string {
	if !e.HasImages {
		return "I don't see any images in our conversation yet, so there is nothing to edit."
	}
	return fmt.Sprintf("You have %d images in this conversation, but I couldn't tell which one you mean.", e.ImageCount)
}

// Explain builds the error for a session where Resolve found nothing.
func Explain(sess *session.Session) *NoTargetError {
	count := len(sess.Uploaded) + len(sess.Generated)
	if count == 0 {
		return &NoTargetError{
			Suggestions: []string{
				"Upload an image first, then describe the change you want.",
				"Ask me to generate an image, then ask me to edit it.",
			},
		}
	}
	return &NoTargetError{
		HasImages:  true,
		ImageCount: count,
		Suggestions: []string{
			"Refer to the image by what it shows, e.g. \"make the sunset brighter\".",
			"Say \"the last image\" or \"the original image\".",
			"Select the image you want to edit and try again.",
		},
	}
}
