package resolver

import (
	"errors"
	"testing"
	"time"

	"github.com/felixgeelhaar/canvas/internal/session"
)

var base = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

type img struct {
	id, desc, file string
	origin         session.Origin
	age            time.Duration
}

func buildSession(active []string, imgs ...img) *session.Session {
	s := &session.Session{
		ID:           "s",
		Uploaded:     map[string]session.ImageRecord{},
		Generated:    map[string]session.ImageRecord{},
		ActiveImages: active,
	}
	for _, i := range imgs {
		rec := session.ImageRecord{
			ID:          i.id,
			Origin:      i.origin,
			Description: i.desc,
			Filename:    i.file,
			CreatedAt:   base.Add(-i.age),
		}
		if i.origin == session.OriginUpload {
			s.Uploaded[i.id] = rec
		} else {
			s.Generated[i.id] = rec
		}
	}
	return s
}

func TestResolve_NoImages(t *testing.T) {
	sess := buildSession(nil)
	for _, instr := range []string{"", "make it brighter", "edit the last one", "the original please"} {
		if res, ok := Resolve(sess, instr); ok {
			t.Errorf("%q: expected none, got %+v", instr, res)
		}
	}
}

func TestResolve_SingleUpload(t *testing.T) {
	sess := buildSession(nil, img{id: "only", desc: "beach", file: "beach.png", origin: session.OriginUpload})
	for _, instr := range []string{"", "make it brighter", "the first one", "latest", "the dog photo", "!!"} {
		res, ok := Resolve(sess, instr)
		if !ok || res.Image.ID != "only" {
			t.Errorf("%q: expected the single upload, got %+v (ok=%v)", instr, res, ok)
		}
	}
}

func TestResolve_Priority(t *testing.T) {
	images := []img{
		{id: "old-up", desc: "portrait of a cat", file: "cat.jpg", origin: session.OriginUpload, age: 3 * time.Hour},
		{id: "mid-gen", desc: "a mountain lake", origin: session.OriginGenerated, age: 2 * time.Hour},
		{id: "new-gen", desc: "city skyline at night", origin: session.OriginGenerated, age: time.Hour},
	}

	tests := []struct {
		name        string
		active      []string
		instruction string
		wantID      string
		strategy    Strategy
		confidence  Confidence
	}{
		{"active head wins over markers", []string{"mid-gen", "new-gen"}, "edit the first image", "mid-gen", StrategyActive, High},
		{"dangling active entries skipped", []string{"deleted", "old-up"}, "brighter", "old-up", StrategyActive, High},
		{"recency marker", nil, "make the last one warmer", "new-gen", StrategyRecency, High},
		{"recency marker with punctuation", nil, "Edit the LATEST!", "new-gen", StrategyRecency, High},
		{"recently", nil, "the one I made recently", "new-gen", StrategyRecency, High},
		{"origin marker", nil, "go back to the original", "old-up", StrategyOrigin, High},
		{"oldest", nil, "oldest, please", "old-up", StrategyOrigin, High},
		{"recency beats origin", nil, "not the first, the last", "new-gen", StrategyRecency, High},
		{"keyword in description", nil, "add snow to the mountain", "mid-gen", StrategyKeyword, Medium},
		{"keyword in filename", nil, "crop cat.jpg", "old-up", StrategyKeyword, Medium},
		{"keyword case insensitive", nil, "SKYLINE needs more neon", "new-gen", StrategyKeyword, Medium},
		{"short tokens ignored", nil, "a at of", "new-gen", StrategyFallback, Low},
		{"fallback newest", nil, "make it pop", "new-gen", StrategyFallback, Low},
		{"empty instruction", nil, "", "new-gen", StrategyFallback, Low},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sess := buildSession(tt.active, images...)
			res, ok := Resolve(sess, tt.instruction)
			if !ok {
				t.Fatal("expected a resolution")
			}
			if res.Image.ID != tt.wantID {
				t.Errorf("expected %s, got %s", tt.wantID, res.Image.ID)
			}
			if res.Strategy != tt.strategy {
				t.Errorf("expected strategy %s, got %s", tt.strategy, res.Strategy)
			}
			if res.Confidence != tt.confidence {
				t.Errorf("expected confidence %s, got %s", tt.confidence, res.Confidence)
			}
		})
	}
}

func TestResolve_KeywordNewestMatchWins(t *testing.T) {
	sess := buildSession(nil,
		img{id: "old", desc: "red car", origin: session.OriginUpload, age: 2 * time.Hour},
		img{id: "new", desc: "blue car", origin: session.OriginGenerated, age: time.Hour},
	)
	res, _ := Resolve(sess, "paint the car green")
	if res.Image.ID != "new" || res.Keyword != "car" {
		t.Errorf("expected newest car match, got %+v", res)
	}
}

func TestExplain(t *testing.T) {
	empty := Explain(buildSession(nil))
	if empty.HasImages {
		t.Error("expected HasImages=false for an empty session")
	}
	if len(empty.Suggestions) == 0 {
		t.Error("expected at least one suggestion")
	}
	if empty.Message() == "" || empty.Error() == "" {
		t.Error("expected non-empty message")
	}

	full := Explain(buildSession(nil, img{id: "a", origin: session.OriginUpload}))
	if !full.HasImages || full.ImageCount != 1 {
		t.Errorf("unexpected error: %+v", full)
	}
	if len(full.Suggestions) == 0 {
		t.Error("expected suggestions when images exist")
	}

	var err error = full
	var target *NoTargetError
	if !errors.As(err, &target) {
		t.Error("NoTargetError should satisfy errors.As")
	}
}

func TestTokenize(t *testing.T) {
	got := tokenize("  Make the \"Sunset\", brighter!! -- ok? ")
	want := []string{"make", "the", "sunset", "brighter", "ok"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("token %d: expected %q, got %q", i, want[i], got[i])
		}
	}
}
