package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/felixgeelhaar/canvas/internal/assist"
	"github.com/felixgeelhaar/canvas/internal/config"
	"github.com/felixgeelhaar/canvas/internal/dispatch"
	"github.com/felixgeelhaar/canvas/internal/events"
	"github.com/felixgeelhaar/canvas/internal/guard"
	"github.com/felixgeelhaar/canvas/internal/imaging"
	"github.com/felixgeelhaar/canvas/internal/intent"
	"github.com/felixgeelhaar/canvas/internal/observe"
	"github.com/felixgeelhaar/canvas/internal/orchestrate"
	"github.com/felixgeelhaar/canvas/internal/plugin"
	"github.com/felixgeelhaar/canvas/internal/provider"
	"github.com/felixgeelhaar/canvas/internal/session"
	"github.com/felixgeelhaar/canvas/internal/store"
)

// Runner owns every long-lived component of a canvas process.
type Runner struct {
	Config     *config.Config
	Observer   *observe.Observer
	Store      *store.SQLiteStore
	Sessions   *session.Store
	Bus        *events.Bus
	Guard      *guard.Guard
	Dispatcher *dispatch.Dispatcher

	sweeper *session.Sweeper
	plugin  *plugin.Loaded
}

// NewRunner wires the components described by cfg. s may be nil, in which
// case the job ledger is not recorded.
func NewRunner(cfg *config.Config, obs *observe.Observer, s *store.SQLiteStore) (*Runner, error) {
	r := &Runner{
		Config:   cfg,
		Observer: obs,
		Store:    s,
		Sessions: session.NewStore(cfg.SessionLimits()),
		Bus:      events.NewBus(),
		Guard:    guard.New(cfg.Guard),
	}

	p, err := provider.New(cfg.ProviderOptions())
	if err != nil {
		return nil, fmt.Errorf("provider: %w", err)
	}

	classifier, err := r.classifier(p)
	if err != nil {
		return nil, err
	}

	client, err := imageClient(cfg)
	if err != nil {
		r.Close()
		return nil, fmt.Errorf("image backend: %w", err)
	}

	var orchOpts []orchestrate.Option
	if s != nil {
		orchOpts = append(orchOpts, orchestrate.WithRecorder(s))
	}
	orch := orchestrate.New(client, obs, r.Bus, orchOpts...)

	opts := []dispatch.Option{
		dispatch.WithGuard(r.Guard),
		dispatch.WithBudget(cfg.Budget()),
	}
	if cfg.Provider.Enhance {
		opts = append(opts, dispatch.WithEnhancer(assist.NewEnhancer(p, obs, r.Bus)))
	}
	r.Dispatcher = dispatch.New(r.Sessions, classifier, assist.NewResponder(p, obs), orch, obs, r.Bus, opts...)

	r.sweeper = session.NewSweeper(r.Sessions, cfg.Session.SweepInterval, obs, r.Bus)
	if err := r.sweeper.Start(); err != nil {
		r.Close()
		return nil, err
	}

	obs.Log().Info().
		Str("provider", p.Name()).
		Str("classifier", cfg.Classifier.Kind).
		Str("backend", cfg.ImageBackend()).
		Msg("canvas initialized")
	return r, nil
}

func (r *Runner) classifier(p provider.Provider) (intent.Classifier, error) {
	switch r.Config.Classifier.Kind {
	case config.ClassifierLLM:
		return intent.NewLLMClassifier(p, r.Observer), nil
	case config.ClassifierPlugin:
		loaded, err := plugin.Load(r.Config.Classifier.PluginPath, r.Observer)
		if err != nil {
			return nil, err
		}
		r.plugin = loaded
		return loaded.Classifier, nil
	default:
		return intent.NewKeywordClassifier(), nil
	}
}

func imageClient(cfg *config.Config) (orchestrate.RemoteJobClient, error) {
	switch cfg.ImageBackend() {
	case config.BackendHTTP:
		return imaging.NewHTTPClient(cfg.Jobs.BaseURL, cfg.Jobs.APIKey, cfg.Jobs.RequestTimeout)
	case config.BackendOpenAI:
		return imaging.NewOpenAIClient(cfg.Jobs.APIKey, cfg.Jobs.BaseURL, cfg.Jobs.Model)
	default:
		return imaging.NewMockClient(imaging.MockOptions{
			PollsToComplete: cfg.Jobs.MockPolls,
			Latency:         cfg.Jobs.MockLatency,
		}), nil
	}
}

// Send runs one turn.
func (r *Runner) Send(ctx context.Context, sessionID, text string) (*dispatch.TurnResult, error) {
	return r.Dispatcher.Handle(ctx, dispatch.Request{SessionID: sessionID, Text: text})
}

// Close stops background work and releases the plugin process.
func (r *Runner) Close() {
	if r.sweeper != nil {
		r.sweeper.Stop()
	}
	if r.plugin != nil {
		r.plugin.Close()
	}
}

// Render formats a turn result for the terminal.
func Render(res *dispatch.TurnResult) string {
	var b strings.Builder
	if res.Expired {
		b.WriteString("(your previous session expired; a new one was started)\n")
	}

	switch resp := res.Response.(type) {
	case dispatch.ImageResponse:
		b.WriteString(resp.Text)
		fmt.Fprintf(&b, "\n  image %s: %s", resp.Image.ID, resp.Image.Locator)
		if resp.Enhanced {
			fmt.Fprintf(&b, "\n  prompt: %s", resp.Prompt)
		}
	case dispatch.ErrorResponse:
		b.WriteString(resp.Message)
		for _, s := range resp.Suggestions {
			b.WriteString("\n  - " + s)
		}
	default:
		b.WriteString(res.Response.Summary())
	}
	return b.String()
}
