package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"strings"

	"github.com/felixgeelhaar/canvas/internal/dispatch"
	"github.com/felixgeelhaar/canvas/internal/guard"
	"github.com/felixgeelhaar/canvas/internal/intent"
	"github.com/felixgeelhaar/canvas/internal/session"
	"github.com/felixgeelhaar/canvas/internal/store"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// uploadField is the multipart field carrying the image.
const uploadField = "image"

func newUploadID() string {
	return uuid.NewString()
}

type messageRequest struct {
	Text               string `json:"text"`
	SkipClassification bool   `json:"skip_classification"`
}

type turnResponse struct {
	SessionID string           `json:"session_id"`
	Created   bool             `json:"created"`
	Expired   bool             `json:"expired"`
	Intent    intent.Result    `json:"intent"`
	Response  dispatch.Payload `json:"response"`
	Stats     session.Stats    `json:"stats"`
}

type uploadResponse struct {
	SessionID string              `json:"session_id"`
	Image     session.ImageRecord `json:"image"`
	Stats     session.Stats       `json:"stats"`
}

type activeImagesRequest struct {
	ImageIDs []string `json:"image_ids"`
}

// CreateSession starts an empty session.
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	sess := h.sessions.Create()
	h.observe.Log().Info().Str("sessionID", sess.ID).Msg("session created")
	JSON(w, http.StatusCreated, map[string]interface{}{
		"session_id": sess.ID,
		"stats":      sess.Stats(),
	})
}

// GetSession returns the session snapshot.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.sessions.Get(chi.URLParam(r, "id"))
	if err != nil {
		h.sessionError(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{
		"session": sess,
		"stats":   sess.Stats(),
	})
}

// DeleteSession drops the session. Deleting an unknown session succeeds.
func (h *Handler) DeleteSession(w http.ResponseWriter, r *http.Request) {
	h.sessions.Delete(chi.URLParam(r, "id"))
	w.WriteHeader(http.StatusNoContent)
}

// PostMessage runs one turn. Domain failures come back as an error
// payload with status 200; only rejected input is a 4xx.
func (h *Handler) PostMessage(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	res, err := h.dispatcher.Handle(r.Context(), dispatch.Request{
		SessionID:          chi.URLParam(r, "id"),
		Text:               req.Text,
		SkipClassification: req.SkipClassification,
	})
	if err != nil {
		var v *guard.Violation
		if errors.As(err, &v) {
			violation(w, v)
			return
		}
		h.observe.Log().Error().Err(err).Msg("turn failed")
		Error(w, http.StatusInternalServerError, "turn failed")
		return
	}

	JSON(w, http.StatusOK, turnResponse{
		SessionID: res.SessionID,
		Created:   res.Created,
		Expired:   res.Expired,
		Intent:    res.Intent,
		Response:  dispatch.Encode(res.Response),
		Stats:     res.Stats,
	})
}

// UploadImage accepts a multipart image, stores it and adds it to the
// session as the active image.
func (h *Handler) UploadImage(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	if _, err := h.sessions.Get(sessionID); err != nil {
		h.sessionError(w, err)
		return
	}

	limit := h.guard.Policy().MaxUploadBytes
	if limit > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, limit+(1<<20))
	}

	file, header, err := r.FormFile(uploadField)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			Error(w, http.StatusRequestEntityTooLarge, "upload too large")
			return
		}
		Error(w, http.StatusBadRequest, "missing image file")
		return
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		Error(w, http.StatusRequestEntityTooLarge, "upload too large")
		return
	}

	mimeType := header.Header.Get("Content-Type")
	if mimeType == "" || mimeType == "application/octet-stream" {
		mimeType = http.DetectContentType(content)
	}

	if v := h.guard.CheckUpload(header.Filename, mimeType, int64(len(content))); v != nil {
		violation(w, v)
		return
	}

	u := &store.Upload{
		ID:        h.newID(),
		SessionID: sessionID,
		Filename:  header.Filename,
		MIMEType:  mimeType,
	}
	path, err := h.uploads.SaveUpload(u, content)
	if err != nil {
		h.observe.Log().Error().Err(err).Str("sessionID", sessionID).Msg("failed to save upload")
		Error(w, http.StatusInternalServerError, "failed to save upload")
		return
	}

	width, height := dimensions(content)
	res, err := h.dispatcher.Upload(r.Context(), dispatch.UploadRequest{
		SessionID:   sessionID,
		Filename:    header.Filename,
		MIMEType:    mimeType,
		Size:        u.Size,
		Locator:     path,
		Description: strings.TrimSpace(r.FormValue("description")),
		Width:       width,
		Height:      height,
	})
	if err != nil {
		var v *guard.Violation
		if errors.As(err, &v) {
			violation(w, v)
			return
		}
		h.observe.Log().Error().Err(err).Str("sessionID", sessionID).Msg("upload failed")
		Error(w, http.StatusInternalServerError, "upload failed")
		return
	}

	JSON(w, http.StatusCreated, uploadResponse{SessionID: res.SessionID, Image: res.Image, Stats: res.Stats})
}

// GetActiveImages returns the active working set and the full catalog.
func (h *Handler) GetActiveImages(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	active, err := h.sessions.ActiveImages(id)
	if err != nil {
		h.sessionError(w, err)
		return
	}
	images, err := h.sessions.Images(id)
	if err != nil {
		h.sessionError(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{
		"active_images": active,
		"images":        images,
	})
}

// SetActiveImages overrides the active working set.
func (h *Handler) SetActiveImages(w http.ResponseWriter, r *http.Request) {
	var req activeImagesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	id := chi.URLParam(r, "id")
	if err := h.sessions.SetActiveImages(id, req.ImageIDs); err != nil {
		h.sessionError(w, err)
		return
	}
	active, err := h.sessions.ActiveImages(id)
	if err != nil {
		h.sessionError(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{"active_images": active})
}

// SetPreferences stores generation and edit preferences for the session.
// The body is a flat object of string values; nothing is stored unless
// every entry is valid.
func (h *Handler) SetPreferences(w http.ResponseWriter, r *http.Request) {
	var prefs map[string]string
	if err := json.NewDecoder(r.Body).Decode(&prefs); err != nil || len(prefs) == 0 {
		Error(w, http.StatusBadRequest, "expected a JSON object of preferences")
		return
	}
	for k, v := range prefs {
		if err := dispatch.CheckPreference(k, v); err != nil {
			Error(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	id := chi.URLParam(r, "id")
	for k, v := range prefs {
		if err := h.dispatcher.SetPreference(id, k, v); err != nil {
			h.sessionError(w, err)
			return
		}
	}
	sess, err := h.sessions.Get(id)
	if err != nil {
		h.sessionError(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{"preferences": sess.Preferences})
}

// ListJobs returns the recorded image jobs of a session.
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	if h.jobs == nil {
		JSON(w, http.StatusOK, map[string]interface{}{"jobs": []store.JobRecord{}})
		return
	}
	jobs, err := h.jobs.SessionJobs(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.observe.Log().Error().Err(err).Msg("failed to list jobs")
		Error(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}
	if jobs == nil {
		jobs = []store.JobRecord{}
	}
	JSON(w, http.StatusOK, map[string]interface{}{"jobs": jobs})
}

func (h *Handler) sessionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		Error(w, http.StatusNotFound, string(dispatch.ErrSessionExpired))
	case errors.Is(err, session.ErrImageNotFound):
		Error(w, http.StatusBadRequest, err.Error())
	default:
		h.observe.Log().Error().Err(err).Msg("session operation failed")
		Error(w, http.StatusInternalServerError, "internal error")
	}
}

// dimensions reads the pixel size of formats the standard decoders know.
func dimensions(content []byte) (int, int) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(content))
	if err != nil {
		return 0, 0
	}
	return cfg.Width, cfg.Height
}
