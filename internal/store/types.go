package store

import (
	"context"
	"time"

	"github.com/felixgeelhaar/canvas/internal/orchestrate"
)

// JobRecord is a terminal image job as kept in the ledger.
type JobRecord struct {
	ID          string    `json:"id"`
	SessionID   string    `json:"session_id"`
	Kind        string    `json:"kind"`    // generate, edit
	Outcome     string    `json:"outcome"` // completed, failed, timed_out
	Attempts    int       `json:"attempts"`
	LastError   string    `json:"last_error,omitempty"`
	SubmittedAt time.Time `json:"submitted_at"`
	CompletedAt time.Time `json:"completed_at"`
}

// Duration is how long the job ran, or zero when unknown.
func (r JobRecord) Duration() time.Duration {
	if r.CompletedAt.IsZero() || r.SubmittedAt.IsZero() {
		return 0
	}
	return r.CompletedAt.Sub(r.SubmittedAt)
}

// Upload is an image file received from a user.
type Upload struct {
	ID        string
	SessionID string
	Filename  string
	Path      string // relative path in the upload directory
	MIMEType  string
	Size      int64
	Digest    string // sha256 of the content
	CreatedAt time.Time
}

// Storage defines the interface for persistence. Session state itself is
// never stored; only settings, the job ledger and upload files are.
type Storage interface {
	// Configuration Management
	SetConfig(key, value string) error
	GetConfig(key string) (string, error)
	ListConfig() (map[string]string, error)

	// Job Ledger
	RecordJob(ctx context.Context, job orchestrate.Job, outcome orchestrate.Outcome) error
	RecentJobs(ctx context.Context, limit int) ([]JobRecord, error)
	SessionJobs(ctx context.Context, sessionID string) ([]JobRecord, error)

	// Upload Management
	// SaveUpload persists the metadata and the content
	SaveUpload(u *Upload, content []byte) (string, error)
	GetUpload(id string) (*Upload, []byte, error)

	Close() error
}

var _ orchestrate.Recorder = Storage(nil)
