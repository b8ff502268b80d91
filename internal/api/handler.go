// Package api exposes sessions and turns over HTTP.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/felixgeelhaar/canvas/internal/dispatch"
	"github.com/felixgeelhaar/canvas/internal/guard"
	"github.com/felixgeelhaar/canvas/internal/observe"
	"github.com/felixgeelhaar/canvas/internal/session"
	"github.com/felixgeelhaar/canvas/internal/store"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
)

// Uploads persists uploaded image files.
type Uploads interface {
	SaveUpload(u *store.Upload, content []byte) (string, error)
}

// JobLedger lists recorded image jobs.
type JobLedger interface {
	SessionJobs(ctx context.Context, sessionID string) ([]store.JobRecord, error)
}

// Handler provides the HTTP endpoints.
type Handler struct {
	dispatcher *dispatch.Dispatcher
	sessions   *session.Store
	uploads    Uploads
	jobs       JobLedger
	guard      *guard.Guard
	observe    *observe.Observer
	newID      func() string
}

// NewHandler creates a Handler. jobs may be nil.
func NewHandler(d *dispatch.Dispatcher, sessions *session.Store, uploads Uploads, jobs JobLedger, g *guard.Guard, obs *observe.Observer) *Handler {
	if obs == nil {
		obs = observe.Nop()
	}
	if g == nil {
		g = guard.New(guard.DefaultPolicy)
	}
	return &Handler{
		dispatcher: d,
		sessions:   sessions,
		uploads:    uploads,
		jobs:       jobs,
		guard:      g,
		observe:    obs,
		newID:      newUploadID,
	}
}

// Router builds the chi router with global middleware.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(h.requestLogger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))

	h.RegisterRoutes(r)
	return r
}

// RegisterRoutes registers session routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api/sessions", func(r chi.Router) {
		r.Post("/", h.CreateSession)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.GetSession)
			r.Delete("/", h.DeleteSession)
			r.Post("/messages", h.PostMessage)
			r.Post("/images", h.UploadImage)
			r.Get("/active-images", h.GetActiveImages)
			r.Put("/active-images", h.SetActiveImages)
			r.Put("/preferences", h.SetPreferences)
			r.Get("/jobs", h.ListJobs)
		})
	})
}

// requestLogger logs each request through the observer.
func (h *Handler) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chiMiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()

		next.ServeHTTP(ww, r)

		h.observe.Log().Debug().
			Str("requestID", chiMiddleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Str("duration", time.Since(start).String()).
			Msg("http request")
	})
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// violation writes a rejected-input response naming the rule.
func violation(w http.ResponseWriter, v *guard.Violation) {
	JSON(w, http.StatusBadRequest, map[string]string{"error": v.Message, "rule": v.Rule})
}
