// Package dispatch is the entry point for a conversational turn: it
// classifies the message, routes it to the chat, generation or edit path
// and records the outcome in the session.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/felixgeelhaar/canvas/internal/assist"
	"github.com/felixgeelhaar/canvas/internal/events"
	"github.com/felixgeelhaar/canvas/internal/guard"
	"github.com/felixgeelhaar/canvas/internal/intent"
	"github.com/felixgeelhaar/canvas/internal/observe"
	"github.com/felixgeelhaar/canvas/internal/orchestrate"
	"github.com/felixgeelhaar/canvas/internal/resolver"
	"github.com/felixgeelhaar/canvas/internal/session"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
)

// Edit parameters used when the session has no preference.
const (
	DefaultEditType = "general"
	DefaultStrength = 0.75
	DefaultGuidance = 7.5
)

// Preference keys read from the session.
const (
	PrefWidth    = "width"
	PrefHeight   = "height"
	PrefModel    = "model"
	PrefFormat   = "format"
	PrefEditType = "edit_type"
	PrefStrength = "strength"
	PrefGuidance = "guidance"
)

var (
	// ErrMissingLocator is returned by Upload when the image has no location.
	ErrMissingLocator = errors.New("upload has no locator")

	// ErrUnknownPreference is returned for keys the dispatcher never reads.
	ErrUnknownPreference = errors.New("unknown preference")

	// ErrInvalidPreference is returned when a value cannot be used for its key.
	ErrInvalidPreference = errors.New("invalid preference value")
)

// Responder produces conversational replies.
type Responder interface {
	Reply(ctx context.Context, history []session.Turn, text string) (string, error)
}

// Enhancer rewrites prompts. It must return raw unchanged on failure.
type Enhancer interface {
	Enhance(ctx context.Context, sessionID string, mode assist.Mode, raw string) (string, bool)
}

// Request is one incoming message.
type Request struct {
	SessionID          string
	Text               string
	SkipClassification bool
}

// TurnResult is what Handle returns to the caller for rendering.
type TurnResult struct {
	SessionID string
	// Created is set when the turn started a new session. Expired is also
	// set when the requested session had expired or never existed.
	Created  bool
	Expired  bool
	Intent   intent.Result
	Turn     session.Turn
	Response Response
	Stats    session.Stats
}

// UploadRequest describes an image the user supplied.
type UploadRequest struct {
	SessionID   string
	Filename    string
	MIMEType    string
	Size        int64
	Locator     string
	Description string
	Width       int
	Height      int
}

// UploadResult reports the accepted image.
type UploadResult struct {
	SessionID string
	Created   bool
	Expired   bool
	Image     session.ImageRecord
	Stats     session.Stats
}

// Option customizes a Dispatcher.
type Option func(*Dispatcher)

// WithEnhancer enables prompt enhancement.
func WithEnhancer(e Enhancer) Option {
	return func(d *Dispatcher) { d.enhancer = e }
}

// WithGuard enables message and upload checks.
func WithGuard(g *guard.Guard) Option {
	return func(d *Dispatcher) { d.guard = g }
}

// WithBudget sets the polling budget for image jobs.
func WithBudget(opts orchestrate.Options) Option {
	return func(d *Dispatcher) { d.budget = opts }
}

// WithClock replaces time.Now for turn and image timestamps.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// Dispatcher routes turns. It holds no per-session state; everything
// mutable lives in the session store.
type Dispatcher struct {
	store      *session.Store
	classifier intent.Classifier
	responder  Responder
	enhancer   Enhancer
	orch       *orchestrate.Orchestrator
	guard      *guard.Guard
	observe    *observe.Observer
	bus        *events.Bus
	budget     orchestrate.Options
	now        func() time.Time
	newID      func() string
}

// New creates a dispatcher. The classifier is wrapped with intent.Safe.
func New(store *session.Store, c intent.Classifier, r Responder, orch *orchestrate.Orchestrator, obs *observe.Observer, bus *events.Bus, opts ...Option) *Dispatcher {
	if obs == nil {
		obs = observe.Nop()
	}
	d := &Dispatcher{
		store:      store,
		classifier: intent.Safe(c, obs),
		responder:  r,
		orch:       orch,
		observe:    obs,
		bus:        bus,
		budget:     orchestrate.Options{Interval: orchestrate.DefaultInterval, MaxAttempts: orchestrate.DefaultMaxAttempts},
		now:        time.Now,
		newID:      uuid.NewString,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Handle runs one turn. The only error returned is a *guard.Violation for
// rejected input; every other failure is an ErrorResponse in the result.
func (d *Dispatcher) Handle(ctx context.Context, req Request) (*TurnResult, error) {
	if d.guard != nil {
		if v := d.guard.CheckMessage(req.Text); v != nil {
			d.observe.Log().Warn().Str("sessionID", req.SessionID).Str("rule", v.Rule).Msg("message rejected")
			d.bus.Emit(events.GuardViolation, req.SessionID, map[string]any{"rule": v.Rule, "message": v.Message})
			return nil, v
		}
	}

	ctx, span := d.observe.StartSpan(ctx, "dispatch.Handle")
	defer span.End()

	sess, created, expired, unlock := d.acquire(req.SessionID)
	defer unlock()

	log := d.observe.Log().With().Str("sessionID", sess.ID).Logger()
	d.bus.Emit(events.TurnStart, sess.ID, map[string]any{"text": req.Text})

	var res intent.Result
	if req.SkipClassification {
		res = intent.Result{Label: intent.Chat, Confidence: 1.0, Params: map[string]string{intent.ParamText: req.Text}}
	} else {
		res = d.classifier.Classify(ctx, req.Text)
	}
	log.Info().Str("intent", string(res.Label)).Str("confidence", strconv.FormatFloat(res.Confidence, 'f', 2, 64)).Msg("message classified")
	d.bus.Emit(events.Classified, sess.ID, map[string]any{"intent": string(res.Label), "confidence": res.Confidence})

	var (
		resp Response
		refs []string
	)
	switch res.Label {
	case intent.GenerateImage:
		resp = d.generate(ctx, sess, req.Text, res)
	case intent.EditImage:
		resp, refs = d.edit(ctx, sess, req.Text, res)
	default:
		resp = d.chat(ctx, sess, req.Text)
	}

	turn := session.Turn{
		ID:         d.newID(),
		Timestamp:  d.now(),
		Input:      req.Text,
		Intent:     string(res.Label),
		Confidence: res.Confidence,
		Response:   stored(resp),
		References: refs,
	}
	if err := d.store.AppendTurn(sess.ID, turn); err != nil {
		log.Warn().Err(err).Msg("session vanished during turn")
		resp = expiredResponse()
		turn.Response = stored(resp)
	}

	stats := d.stats(sess.ID)
	d.bus.Emit(events.TurnEnd, sess.ID, map[string]any{"intent": string(res.Label), "response": string(turn.Response.Kind)})
	span.SetAttributes(intentAttributes(res, turn)...)

	return &TurnResult{
		SessionID: sess.ID,
		Created:   created,
		Expired:   expired,
		Intent:    res,
		Turn:      turn,
		Response:  resp,
		Stats:     stats,
	}, nil
}

// Upload accepts a user-supplied image into the session and makes it the
// active image.
func (d *Dispatcher) Upload(ctx context.Context, req UploadRequest) (*UploadResult, error) {
	if d.guard != nil {
		if v := d.guard.CheckUpload(req.Filename, req.MIMEType, req.Size); v != nil {
			d.observe.Log().Warn().Str("sessionID", req.SessionID).Str("rule", v.Rule).Msg("upload rejected")
			d.bus.Emit(events.GuardViolation, req.SessionID, map[string]any{"rule": v.Rule, "message": v.Message})
			return nil, v
		}
	}
	if strings.TrimSpace(req.Locator) == "" {
		return nil, ErrMissingLocator
	}

	_, span := d.observe.StartSpan(ctx, "dispatch.Upload", "filename", req.Filename)
	defer span.End()

	sess, created, expired, unlock := d.acquire(req.SessionID)
	defer unlock()

	size := req.Size
	if size < 0 {
		size = -1
	}
	img := session.ImageRecord{
		ID:          d.newID(),
		Origin:      session.OriginUpload,
		MIMEType:    req.MIMEType,
		Size:        size,
		Locator:     req.Locator,
		Description: req.Description,
		Filename:    req.Filename,
		Width:       req.Width,
		Height:      req.Height,
		CreatedAt:   d.now(),
	}
	if err := d.store.AddImage(sess.ID, img); err != nil {
		d.observe.EndSpan(span, err)
		return nil, fmt.Errorf("add upload: %w", err)
	}

	d.observe.Log().Info().Str("sessionID", sess.ID).Str("imageID", img.ID).Str("filename", req.Filename).Msg("image uploaded")
	d.bus.Emit(events.ImageAdded, sess.ID, map[string]any{"image_id": img.ID, "origin": string(img.Origin)})

	stats := d.stats(sess.ID)
	return &UploadResult{SessionID: sess.ID, Created: created, Expired: expired, Image: img, Stats: stats}, nil
}

// SetPreference validates and stores a generation or edit preference for
// the session. Numeric preferences must be positive numbers.
func (d *Dispatcher) SetPreference(sessionID, key, value string) error {
	if err := CheckPreference(key, value); err != nil {
		return err
	}
	if err := d.store.SetPreference(sessionID, key, value); err != nil {
		return err
	}
	d.observe.Log().Info().Str("sessionID", sessionID).Str("key", key).Str("value", value).Msg("preference set")
	return nil
}

// CheckPreference reports whether value is usable for key.
func CheckPreference(key, value string) error {
	switch key {
	case PrefWidth, PrefHeight:
		if v, err := strconv.Atoi(value); err != nil || v <= 0 {
			return fmt.Errorf("%w: %s must be a positive integer", ErrInvalidPreference, key)
		}
	case PrefStrength, PrefGuidance:
		if v, err := strconv.ParseFloat(value, 64); err != nil || v <= 0 {
			return fmt.Errorf("%w: %s must be a positive number", ErrInvalidPreference, key)
		}
	case PrefModel, PrefFormat, PrefEditType:
		if strings.TrimSpace(value) == "" {
			return fmt.Errorf("%w: %s is empty", ErrInvalidPreference, key)
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownPreference, key)
	}
	return nil
}

func (d *Dispatcher) stats(id string) session.Stats {
	stats, err := d.store.Stats(id)
	if err != nil {
		d.observe.Log().Warn().Str("sessionID", id).Err(err).Msg("session stats unavailable")
	}
	return stats
}

// acquire resolves the session, creating one when id is empty, unknown or
// expired, and takes its turn lock. The returned snapshot is read after
// the lock is held.
func (d *Dispatcher) acquire(id string) (sess *session.Session, created, expired bool, unlock func()) {
	for {
		if id != "" {
			unlock, err := d.store.LockTurn(id)
			if err == nil {
				if sess, err = d.store.Get(id); err == nil {
					return sess, created, expired, unlock
				}
				unlock()
			}
			if !created {
				expired = true
				d.observe.Log().Info().Str("sessionID", id).Msg("session not found, starting a new one")
			}
		}

		sess = d.store.Create()
		created = true
		id = sess.ID
		d.bus.Emit(events.SessionCreated, id, nil)
	}
}

func (d *Dispatcher) chat(ctx context.Context, sess *session.Session, text string) Response {
	if d.responder == nil {
		return ErrorResponse{Kind: ErrChatFailed, Message: "Chat is not available right now."}
	}
	reply, err := d.responder.Reply(ctx, sess.History, text)
	if err != nil {
		d.observe.Log().Error().Str("sessionID", sess.ID).Err(err).Msg("chat reply failed")
		return ErrorResponse{
			Kind:    ErrChatFailed,
			Message: "Sorry, I couldn't come up with a reply right now. Please try again.",
		}
	}
	return TextResponse{Text: reply}
}

func (d *Dispatcher) generate(ctx context.Context, sess *session.Session, text string, res intent.Result) Response {
	raw := firstNonEmpty(res.Param(intent.ParamPrompt), text)
	prompt, enhanced := d.enhance(ctx, sess.ID, assist.ModeGenerate, raw)

	gen := &orchestrate.GenerateRequest{
		Prompt: prompt,
		Width:  prefInt(sess, PrefWidth, orchestrate.DefaultWidth),
		Height: prefInt(sess, PrefHeight, orchestrate.DefaultHeight),
		Model:  sess.Preferences[PrefModel],
		Format: sess.Preferences[PrefFormat],
	}
	result := d.orch.Run(ctx, orchestrate.Request{SessionID: sess.ID, Generate: gen}, d.budget)
	if result.Outcome != orchestrate.OutcomeCompleted {
		return jobError("Image generation failed", result)
	}

	img := d.imageRecord(result.Image, raw, "")
	if err := d.store.AddImage(sess.ID, img); err != nil {
		d.observe.Log().Warn().Str("sessionID", sess.ID).Err(err).Msg("could not store generated image")
		return expiredResponse()
	}
	d.bus.Emit(events.ImageAdded, sess.ID, map[string]any{"image_id": img.ID, "origin": string(img.Origin)})

	return ImageResponse{
		Text:     "Here is your image.",
		Image:    img,
		JobID:    result.JobID,
		Attempts: result.Attempts,
		Prompt:   prompt,
		Enhanced: enhanced,
	}
}

func (d *Dispatcher) edit(ctx context.Context, sess *session.Session, text string, res intent.Result) (Response, []string) {
	target, ok := resolver.Resolve(sess, text)
	if !ok {
		nt := resolver.Explain(sess)
		d.observe.Log().Info().Str("sessionID", sess.ID).Str("hasImages", strconv.FormatBool(nt.HasImages)).Msg("no edit target")
		return ErrorResponse{Kind: ErrNoEditTarget, Message: nt.Message(), Suggestions: nt.Suggestions}, nil
	}
	refs := []string{target.Image.ID}
	d.observe.Log().Debug().Str("sessionID", sess.ID).Str("imageID", target.Image.ID).Str("strategy", string(target.Strategy)).Msg("edit target resolved")

	raw := firstNonEmpty(res.Param(intent.ParamInstruction), text)
	instruction, enhanced := d.enhance(ctx, sess.ID, assist.ModeEdit, raw)

	edit := &orchestrate.EditRequest{
		ImageURL:    target.Image.Locator,
		Instruction: instruction,
		EditType:    firstNonEmpty(sess.Preferences[PrefEditType], DefaultEditType),
		Strength:    prefFloat(sess, PrefStrength, DefaultStrength),
		Guidance:    prefFloat(sess, PrefGuidance, DefaultGuidance),
		Width:       target.Image.Width,
		Height:      target.Image.Height,
	}
	result := d.orch.Run(ctx, orchestrate.Request{SessionID: sess.ID, Edit: edit}, d.budget)
	if result.Outcome != orchestrate.OutcomeCompleted {
		return jobError("Image edit failed", result), refs
	}

	img := d.imageRecord(result.Image, editDescription(target.Image, raw), target.Image.ID)
	if err := d.store.AddImage(sess.ID, img); err != nil {
		d.observe.Log().Warn().Str("sessionID", sess.ID).Err(err).Msg("could not store edited image")
		return expiredResponse(), refs
	}
	d.bus.Emit(events.ImageAdded, sess.ID, map[string]any{"image_id": img.ID, "origin": string(img.Origin), "source_id": target.Image.ID})

	return ImageResponse{
		Text:     "Here is the edited image.",
		Image:    img,
		JobID:    result.JobID,
		Attempts: result.Attempts,
		Prompt:   instruction,
		Enhanced: enhanced,
	}, refs
}

func (d *Dispatcher) enhance(ctx context.Context, sessionID string, mode assist.Mode, raw string) (string, bool) {
	if d.enhancer == nil {
		return raw, false
	}
	return d.enhancer.Enhance(ctx, sessionID, mode, raw)
}

func (d *Dispatcher) imageRecord(out *orchestrate.Output, description, sourceID string) session.ImageRecord {
	return session.ImageRecord{
		ID:          d.newID(),
		Origin:      session.OriginGenerated,
		MIMEType:    out.ContentType,
		Size:        -1,
		Locator:     out.URL,
		Description: description,
		SourceID:    sourceID,
		Width:       out.Width,
		Height:      out.Height,
		CreatedAt:   d.now(),
	}
}

func intentAttributes(res intent.Result, turn session.Turn) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("intent", string(res.Label)),
		attribute.Float64("confidence", res.Confidence),
		attribute.String("response", string(turn.Response.Kind)),
	}
}

func jobError(prefix string, r orchestrate.Result) ErrorResponse {
	var timeout *orchestrate.TimeoutError
	if errors.As(r.Err, &timeout) {
		return ErrorResponse{
			Kind:     ErrJobTimedOut,
			Message:  fmt.Sprintf("The image service did not finish after %d attempts. Please try again.", timeout.Attempts),
			Attempts: timeout.Attempts,
		}
	}
	return ErrorResponse{
		Kind:     ErrJobFailed,
		Message:  prefix + ": " + r.Message(),
		Attempts: r.Attempts,
	}
}

func expiredResponse() ErrorResponse {
	return ErrorResponse{
		Kind:        ErrSessionExpired,
		Message:     "Your session expired, please start over.",
		Suggestions: []string{"Send your message again to start a new session."},
	}
}

func editDescription(target session.ImageRecord, instruction string) string {
	base := firstNonEmpty(target.Description, target.Filename)
	if base == "" {
		return instruction
	}
	return base + " (" + instruction + ")"
}

func prefInt(sess *session.Session, key string, def int) int {
	if v, err := strconv.Atoi(sess.Preferences[key]); err == nil && v > 0 {
		return v
	}
	return def
}

func prefFloat(sess *session.Session, key string, def float64) float64 {
	if v, err := strconv.ParseFloat(sess.Preferences[key], 64); err == nil && v > 0 {
		return v
	}
	return def
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
