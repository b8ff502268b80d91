package guard

import (
	"fmt"
	"path"
	"strings"
	"unicode/utf8"

	"github.com/bmatcuk/doublestar/v4"
)

// Policy defines the limits applied to incoming messages and uploads.
type Policy struct {
	MaxMessageLength   int      `json:"max_message_length" yaml:"max_message_length"`
	MaxUploadBytes     int64    `json:"max_upload_bytes" yaml:"max_upload_bytes"`
	AllowedUploadGlobs []string `json:"allowed_upload_globs" yaml:"allowed_upload_globs"`
	AllowedMIMETypes   []string `json:"allowed_mime_types" yaml:"allowed_mime_types"`
	BlockPathEscape    bool     `json:"block_path_escape" yaml:"block_path_escape"`
}

// DefaultPolicy provides safe defaults.
var DefaultPolicy = Policy{
	MaxMessageLength:   4000,
	MaxUploadBytes:     20 << 20,
	AllowedUploadGlobs: []string{"**/*.{png,jpg,jpeg,webp,gif}", "**/*.{PNG,JPG,JPEG,WEBP,GIF}"},
	AllowedMIMETypes:   []string{"image/png", "image/jpeg", "image/webp", "image/gif"},
	BlockPathEscape:    true,
}

// Violation represents a specific breach of policy.
type Violation struct {
	Rule    string
	Message string
	Fatal   bool
}

func (v *Violation) Error() string {
	return fmt.Sprintf("%s: %s", v.Rule, v.Message)
}

// Guard enforces the policy.
type Guard struct {
	policy Policy
}

func New(p Policy) *Guard {
	return &Guard{policy: p}
}

// Policy returns the guard's current policy configuration.
func (g *Guard) Policy() Policy {
	return g.policy
}

// CheckMessage verifies a chat message is non-empty and within length.
func (g *Guard) CheckMessage(text string) *Violation {
	if strings.TrimSpace(text) == "" {
		return &Violation{Rule: "empty_message", Message: "Message cannot be empty"}
	}
	if g.policy.MaxMessageLength > 0 && utf8.RuneCountInString(text) > g.policy.MaxMessageLength {
		return &Violation{
			Rule:    "max_message_length",
			Message: fmt.Sprintf("Message exceeds %d characters", g.policy.MaxMessageLength),
		}
	}
	return nil
}

// CheckUpload verifies an uploaded image's name, type and size.
// size < 0 means unknown and is not checked.
func (g *Guard) CheckUpload(filename, mimeType string, size int64) *Violation {
	if v := g.CheckPath(filename); v != nil {
		return v
	}
	if v := g.CheckFilename(filename); v != nil {
		return v
	}

	if len(g.policy.AllowedMIMETypes) > 0 {
		mt := strings.ToLower(strings.TrimSpace(strings.SplitN(mimeType, ";", 2)[0]))
		allowed := false
		for _, allow := range g.policy.AllowedMIMETypes {
			if allow == "*" || allow == mt {
				allowed = true
				break
			}
		}
		if !allowed {
			return &Violation{Rule: "allowed_mime_types", Message: "Unsupported image type: " + mimeType}
		}
	}

	if g.policy.MaxUploadBytes > 0 && size > g.policy.MaxUploadBytes {
		return &Violation{
			Rule:    "max_upload_bytes",
			Message: fmt.Sprintf("Upload is %d bytes, limit is %d", size, g.policy.MaxUploadBytes),
		}
	}
	return nil
}

// CheckFilename verifies a filename is within allowed globs.
func (g *Guard) CheckFilename(name string) *Violation {
	if len(g.policy.AllowedUploadGlobs) == 0 {
		return nil
	}

	// Globs are written against slash paths.
	name = strings.ReplaceAll(name, "\\", "/")
	for _, pattern := range g.policy.AllowedUploadGlobs {
		match, err := doublestar.Match(pattern, name)
		if err == nil && match {
			return nil
		}
	}
	return &Violation{Rule: "allowed_upload_globs", Message: "File type not allowed: " + name}
}

// CheckPath rejects names that would escape an upload directory.
func (g *Guard) CheckPath(name string) *Violation {
	if name == "" {
		return &Violation{Rule: "filename", Message: "Filename is required"}
	}
	if !g.policy.BlockPathEscape {
		return nil
	}

	slashed := strings.ReplaceAll(name, "\\", "/")
	if path.IsAbs(slashed) || strings.HasPrefix(path.Clean(slashed), "..") {
		return &Violation{Rule: "block_path_escape", Message: "Filename escapes upload directory: " + name, Fatal: true}
	}
	return nil
}
