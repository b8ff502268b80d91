package api

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/felixgeelhaar/canvas/internal/assist"
	"github.com/felixgeelhaar/canvas/internal/dispatch"
	"github.com/felixgeelhaar/canvas/internal/guard"
	"github.com/felixgeelhaar/canvas/internal/imaging"
	"github.com/felixgeelhaar/canvas/internal/intent"
	"github.com/felixgeelhaar/canvas/internal/orchestrate"
	"github.com/felixgeelhaar/canvas/internal/provider"
	"github.com/felixgeelhaar/canvas/internal/session"
	"github.com/felixgeelhaar/canvas/internal/store"
)

func noSleep(ctx context.Context, d time.Duration) error { return ctx.Err() }

type testServer struct {
	srv      *httptest.Server
	sessions *session.Store
	db       *store.SQLiteStore
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	dir := t.TempDir()

	db, err := store.NewSQLiteStore(filepath.Join(dir, "canvas.db"), filepath.Join(dir, "uploads"))
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	sessions := session.NewStore(session.Limits{})
	orch := orchestrate.New(imaging.NewMockClient(imaging.MockOptions{PollsToComplete: 1}), nil, nil, orchestrate.WithRecorder(db))
	g := guard.New(guard.DefaultPolicy)
	d := dispatch.New(sessions, intent.KeywordClassifier{}, assist.NewResponder(provider.NewStubProvider(), nil), orch, nil, nil,
		dispatch.WithGuard(g),
		dispatch.WithBudget(orchestrate.Options{Interval: time.Millisecond, MaxAttempts: 5, Sleep: noSleep}))

	srv := httptest.NewServer(NewHandler(d, sessions, db, db, g, nil).Router())
	t.Cleanup(srv.Close)
	return &testServer{srv: srv, sessions: sessions, db: db}
}

func (ts *testServer) do(t *testing.T, method, path string, body interface{}) (*http.Response, map[string]interface{}) {
	t.Helper()
	var rdr *bytes.Reader
	if body != nil {
		raw, _ := json.Marshal(body)
		rdr = bytes.NewReader(raw)
	} else {
		rdr = bytes.NewReader(nil)
	}
	req, _ := http.NewRequest(method, ts.srv.URL+path, rdr)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	var out map[string]interface{}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func TestJSON(t *testing.T) {
	w := httptest.NewRecorder()
	JSON(w, http.StatusOK, map[string]string{"foo": "bar"})

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Expected JSON content type, got %q", ct)
	}

	var got map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if got["foo"] != "bar" {
		t.Errorf("Expected foo=bar, got %v", got["foo"])
	}
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)
	resp, err := http.Get(ts.srv.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}
}

func TestSessionLifecycle(t *testing.T) {
	ts := newTestServer(t)

	resp, body := ts.do(t, http.MethodPost, "/api/sessions", nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	id, _ := body["session_id"].(string)
	if id == "" {
		t.Fatal("expected a session id")
	}

	resp, _ = ts.do(t, http.MethodGet, "/api/sessions/"+id, nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}

	resp, _ = ts.do(t, http.MethodDelete, "/api/sessions/"+id, nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("expected 204, got %d", resp.StatusCode)
	}

	resp, body = ts.do(t, http.MethodGet, "/api/sessions/"+id, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404, got %d", resp.StatusCode)
	}
	if body["error"] != string(dispatch.ErrSessionExpired) {
		t.Errorf("expected session_expired, got %v", body["error"])
	}
}

func TestPostMessage(t *testing.T) {
	ts := newTestServer(t)
	_, body := ts.do(t, http.MethodPost, "/api/sessions", nil)
	id := body["session_id"].(string)

	t.Run("chat", func(t *testing.T) {
		resp, body := ts.do(t, http.MethodPost, "/api/sessions/"+id+"/messages", messageRequest{Text: "hello there"})
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("expected 200, got %d", resp.StatusCode)
		}
		payload := body["response"].(map[string]interface{})
		if payload["type"] != "text" {
			t.Errorf("expected text response, got %v", payload["type"])
		}
	})

	t.Run("edit without images", func(t *testing.T) {
		_, body := ts.do(t, http.MethodPost, "/api/sessions/"+id+"/messages", messageRequest{Text: "make it brighter"})
		payload := body["response"].(map[string]interface{})
		if payload["type"] != "error" || payload["error_kind"] != string(dispatch.ErrNoEditTarget) {
			t.Errorf("expected no_edit_target, got %v", payload)
		}
	})

	t.Run("generate", func(t *testing.T) {
		_, body := ts.do(t, http.MethodPost, "/api/sessions/"+id+"/messages", messageRequest{Text: "draw a fox in the snow"})
		payload := body["response"].(map[string]interface{})
		if payload["type"] != "image" {
			t.Fatalf("expected image response, got %v", payload)
		}
		if payload["image"] == nil {
			t.Error("expected an image record")
		}

		jobs, err := ts.db.SessionJobs(context.Background(), id)
		if err != nil || len(jobs) != 1 {
			t.Fatalf("expected 1 recorded job, got %d (%v)", len(jobs), err)
		}

		resp, body := ts.do(t, http.MethodGet, "/api/sessions/"+id+"/jobs", nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("expected 200, got %d", resp.StatusCode)
		}
		if list, _ := body["jobs"].([]interface{}); len(list) != 1 {
			t.Errorf("expected 1 job in response, got %v", body["jobs"])
		}
	})

	t.Run("guard violation", func(t *testing.T) {
		resp, body := ts.do(t, http.MethodPost, "/api/sessions/"+id+"/messages", messageRequest{Text: strings.Repeat("a", 5000)})
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("expected 400, got %d", resp.StatusCode)
		}
		if body["rule"] != "max_message_length" {
			t.Errorf("expected max_message_length, got %v", body["rule"])
		}
	})

	t.Run("expired session starts over", func(t *testing.T) {
		_, body := ts.do(t, http.MethodPost, "/api/sessions/gone/messages", messageRequest{Text: "hello"})
		if body["expired"] != true || body["session_id"] == "gone" {
			t.Errorf("expected a fresh session, got %v", body)
		}
	})

	t.Run("bad body", func(t *testing.T) {
		req, _ := http.NewRequest(http.MethodPost, ts.srv.URL+"/api/sessions/"+id+"/messages", strings.NewReader("{"))
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", resp.StatusCode)
		}
	})
}

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, w, h))); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func (ts *testServer) upload(t *testing.T, id, filename string, content []byte) (*http.Response, map[string]interface{}) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, _ := mw.CreateFormFile(uploadField, filename)
	fw.Write(content)
	mw.WriteField("description", "my cat")
	mw.Close()

	resp, err := http.Post(ts.srv.URL+"/api/sessions/"+id+"/images", mw.FormDataContentType(), &buf)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var out map[string]interface{}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func TestUploadAndActiveImages(t *testing.T) {
	ts := newTestServer(t)
	_, body := ts.do(t, http.MethodPost, "/api/sessions", nil)
	id := body["session_id"].(string)

	resp, body := ts.upload(t, id, "cat.png", pngBytes(t, 4, 3))
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %v", resp.StatusCode, body)
	}
	img := body["image"].(map[string]interface{})
	if img["origin"] != string(session.OriginUpload) || img["mime_type"] != "image/png" {
		t.Errorf("unexpected image record: %v", img)
	}
	if img["width"] != float64(4) || img["height"] != float64(3) {
		t.Errorf("expected 4x3, got %vx%v", img["width"], img["height"])
	}
	imageID := img["id"].(string)

	_, body = ts.do(t, http.MethodGet, "/api/sessions/"+id+"/active-images", nil)
	active := body["active_images"].([]interface{})
	if len(active) != 1 || active[0] != imageID {
		t.Errorf("expected upload active, got %v", active)
	}

	_, body = ts.do(t, http.MethodPost, "/api/sessions/"+id+"/messages", messageRequest{Text: "make it brighter"})
	if payload := body["response"].(map[string]interface{}); payload["type"] != "image" {
		t.Errorf("expected edited image, got %v", payload)
	}

	resp, _ = ts.do(t, http.MethodPut, "/api/sessions/"+id+"/active-images", activeImagesRequest{ImageIDs: []string{imageID}})
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}

	resp, _ = ts.do(t, http.MethodPut, "/api/sessions/"+id+"/active-images", activeImagesRequest{ImageIDs: []string{"nope"}})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 for unknown image, got %d", resp.StatusCode)
	}
}

func TestSetPreferences(t *testing.T) {
	ts := newTestServer(t)
	_, body := ts.do(t, http.MethodPost, "/api/sessions", nil)
	id := body["session_id"].(string)
	path := "/api/sessions/" + id + "/preferences"

	resp, body := ts.do(t, http.MethodPut, path, map[string]string{"width": "640", "edit_type": "style"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %v", resp.StatusCode, body)
	}
	prefs := body["preferences"].(map[string]interface{})
	if prefs["width"] != "640" || prefs["edit_type"] != "style" {
		t.Errorf("unexpected preferences %v", prefs)
	}

	tests := []struct {
		name string
		path string
		body interface{}
		want int
	}{
		{"unknown key", path, map[string]string{"colour": "red"}, http.StatusBadRequest},
		{"bad number", path, map[string]string{"height": "tall"}, http.StatusBadRequest},
		{"empty object", path, map[string]string{}, http.StatusBadRequest},
		{"unknown session", "/api/sessions/missing/preferences", map[string]string{"width": "512"}, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, _ := ts.do(t, http.MethodPut, tt.path, tt.body)
			if resp.StatusCode != tt.want {
				t.Errorf("expected %d, got %d", tt.want, resp.StatusCode)
			}
		})
	}

	sess, _ := ts.sessions.Get(id)
	if _, ok := sess.Preferences["height"]; ok {
		t.Error("rejected request should not store anything")
	}
}

func TestUploadRejected(t *testing.T) {
	ts := newTestServer(t)
	_, body := ts.do(t, http.MethodPost, "/api/sessions", nil)
	id := body["session_id"].(string)

	testCases := []struct {
		name     string
		session  string
		filename string
		content  []byte
		status   int
	}{
		{"unknown session", "missing", "cat.png", pngBytes(t, 2, 2), http.StatusNotFound},
		{"disallowed extension", id, "notes.txt", pngBytes(t, 2, 2), http.StatusBadRequest},
		{"not an image", id, "cat.png", []byte("hello, world"), http.StatusBadRequest},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			resp, body := ts.upload(t, tc.session, tc.filename, tc.content)
			if resp.StatusCode != tc.status {
				t.Errorf("expected %d, got %d: %v", tc.status, resp.StatusCode, body)
			}
		})
	}

	if stats, _ := ts.sessions.Stats(id); stats.ImageCount != 0 {
		t.Errorf("rejected uploads must not be added, got %d images", stats.ImageCount)
	}
}
