package session

import (
	"sort"
	"time"
)

// Origin tags where an image came from.
type Origin string

const (
	OriginUpload    Origin = "user_upload"
	OriginGenerated Origin = "generated"
)

// ImageRecord describes an uploaded or generated image. Records are never
// mutated after they are added to a session.
type ImageRecord struct {
	ID          string    `json:"id"`
	Origin      Origin    `json:"origin"`
	MIMEType    string    `json:"mime_type"`
	Size        int64     `json:"size"` // -1 when the remote did not report it
	Locator     string    `json:"locator"`
	Description string    `json:"description,omitempty"`
	Filename    string    `json:"filename,omitempty"`
	SourceID    string    `json:"source_id,omitempty"` // image this one was edited from
	Width       int       `json:"width,omitempty"`
	Height      int       `json:"height,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// ResponseKind is the shape of a turn's response payload.
type ResponseKind string

const (
	ResponseText  ResponseKind = "text"
	ResponseImage ResponseKind = "image"
	ResponseError ResponseKind = "error"
)

// TurnResponse is the stored form of what the assistant answered.
type TurnResponse struct {
	Kind    ResponseKind `json:"kind"`
	Text    string       `json:"text"`
	ImageID string       `json:"image_id,omitempty"`
}

// Turn is one completed exchange. Turns are immutable once appended.
type Turn struct {
	ID         string       `json:"id"`
	Timestamp  time.Time    `json:"timestamp"`
	Input      string       `json:"input"`
	Intent     string       `json:"intent"`
	Confidence float64      `json:"confidence"`
	Response   TurnResponse `json:"response"`
	References []string     `json:"references,omitempty"`
}

// Session is a snapshot of one conversation's state. Values returned by the
// Store are copies; mutating them has no effect on the stored session.
type Session struct {
	ID              string                 `json:"id"`
	CreatedAt       time.Time              `json:"created_at"`
	LastActivity    time.Time              `json:"last_activity"`
	History         []Turn                 `json:"history"`
	Uploaded        map[string]ImageRecord `json:"uploaded"`
	Generated       map[string]ImageRecord `json:"generated"`
	ActiveImages    []string               `json:"active_images"`
	Preferences     map[string]string      `json:"preferences"`
	LastIntent      string                 `json:"last_intent,omitempty"`
	MessageCount    int                    `json:"message_count"`
	ImagesUploaded  int                    `json:"images_uploaded"`
	ImagesGenerated int                    `json:"images_generated"`
}

// Stats is the per-turn summary handed back to callers for rendering.
type Stats struct {
	MessageCount    int       `json:"message_count"`
	HistoryLength   int       `json:"history_length"`
	ImageCount      int       `json:"image_count"`
	ImagesUploaded  int       `json:"images_uploaded"`
	ImagesGenerated int       `json:"images_generated"`
	ActiveImages    int       `json:"active_images"`
	LastIntent      string    `json:"last_intent,omitempty"`
	LastActivity    time.Time `json:"last_activity"`
}

func newSession(id string, now time.Time) Session {
	return Session{
		ID:           id,
		CreatedAt:    now,
		LastActivity: now,
		History:      []Turn{},
		Uploaded:     make(map[string]ImageRecord),
		Generated:    make(map[string]ImageRecord),
		ActiveImages: []string{},
		Preferences:  make(map[string]string),
	}
}

// Image looks an image up in either catalog.
func (s *Session) Image(id string) (ImageRecord, bool) {
	if img, ok := s.Uploaded[id]; ok {
		return img, true
	}
	img, ok := s.Generated[id]
	return img, ok
}

// Images returns uploads and generations merged, newest first.
func (s *Session) Images() []ImageRecord {
	out := make([]ImageRecord, 0, len(s.Uploaded)+len(s.Generated))
	for _, img := range s.Uploaded {
		out = append(out, img)
	}
	for _, img := range s.Generated {
		out = append(out, img)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out
}

// LiveActiveImages returns the active list with dangling ids dropped.
func (s *Session) LiveActiveImages() []string {
	out := make([]string, 0, len(s.ActiveImages))
	for _, id := range s.ActiveImages {
		if _, ok := s.Image(id); ok {
			out = append(out, id)
		}
	}
	return out
}

// Stats summarizes the session.
func (s *Session) Stats() Stats {
	return Stats{
		MessageCount:    s.MessageCount,
		HistoryLength:   len(s.History),
		ImageCount:      len(s.Uploaded) + len(s.Generated),
		ImagesUploaded:  s.ImagesUploaded,
		ImagesGenerated: s.ImagesGenerated,
		ActiveImages:    len(s.LiveActiveImages()),
		LastIntent:      s.LastIntent,
		LastActivity:    s.LastActivity,
	}
}

func (s *Session) clone() *Session {
	c := *s
	c.History = make([]Turn, len(s.History))
	copy(c.History, s.History)
	for i := range c.History {
		c.History[i].References = append([]string(nil), s.History[i].References...)
	}
	c.ActiveImages = make([]string, len(s.ActiveImages))
	copy(c.ActiveImages, s.ActiveImages)
	c.Uploaded = make(map[string]ImageRecord, len(s.Uploaded))
	for k, v := range s.Uploaded {
		c.Uploaded[k] = v
	}
	c.Generated = make(map[string]ImageRecord, len(s.Generated))
	for k, v := range s.Generated {
		c.Generated[k] = v
	}
	c.Preferences = make(map[string]string, len(s.Preferences))
	for k, v := range s.Preferences {
		c.Preferences[k] = v
	}
	return &c
}
