// Package config loads canvas settings from an optional YAML file, a .env
// file and CANVAS_* environment variables, in that order of precedence
// (later wins).
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/felixgeelhaar/canvas/internal/guard"
	"github.com/felixgeelhaar/canvas/internal/orchestrate"
	"github.com/felixgeelhaar/canvas/internal/provider"
	"github.com/felixgeelhaar/canvas/internal/session"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Image backends.
const (
	BackendMock   = "mock"
	BackendHTTP   = "http"
	BackendOpenAI = "openai"
)

// Classifier kinds.
const (
	ClassifierLLM     = "llm"
	ClassifierKeyword = "keyword"
	ClassifierPlugin  = "plugin"
)

// Config is the full runtime configuration.
type Config struct {
	// Mock switches the image backend to the in-process mock and the
	// polling budget to the short mock budget.
	Mock       bool             `yaml:"mock"`
	DataDir    string           `yaml:"data_dir"`
	Session    SessionConfig    `yaml:"session"`
	Jobs       JobsConfig       `yaml:"jobs"`
	Provider   ProviderConfig   `yaml:"provider"`
	Classifier ClassifierConfig `yaml:"classifier"`
	Server     ServerConfig     `yaml:"server"`
	Guard      guard.Policy     `yaml:"guard"`
}

type SessionConfig struct {
	Timeout       time.Duration `yaml:"timeout"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	HistoryCap    int           `yaml:"history_cap"`
	ActiveCap     int           `yaml:"active_cap"`
	MaxSessions   int           `yaml:"max_sessions"`
}

type JobsConfig struct {
	Backend         string        `yaml:"backend"`
	BaseURL         string        `yaml:"base_url"`
	APIKey          string        `yaml:"api_key"`
	Model           string        `yaml:"model"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	PollInterval    time.Duration `yaml:"poll_interval"`
	MaxAttempts     int           `yaml:"max_attempts"`
	MockMaxAttempts int           `yaml:"mock_max_attempts"`
	MockLatency     time.Duration `yaml:"mock_latency"`
	MockPolls       int           `yaml:"mock_polls"`
}

type ProviderConfig struct {
	Kind    string   `yaml:"kind"`
	Model   string   `yaml:"model"`
	BaseURL string   `yaml:"base_url"`
	APIKey  string   `yaml:"api_key"`
	Binary  string   `yaml:"binary"`
	Args    []string `yaml:"args"`
	// Enhance turns on LLM rewriting of image prompts and edit instructions.
	Enhance bool `yaml:"enhance"`
}

type ClassifierConfig struct {
	Kind       string `yaml:"kind"`
	PluginPath string `yaml:"plugin_path"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// Default returns the built-in configuration.
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Mock:    false,
		DataDir: filepath.Join(home, ".canvas"),
		Session: SessionConfig{
			Timeout:       session.DefaultTimeout,
			SweepInterval: session.DefaultSweepInterval,
			HistoryCap:    session.DefaultHistoryCap,
			ActiveCap:     session.DefaultActiveCap,
			MaxSessions:   session.DefaultMaxSessions,
		},
		Jobs: JobsConfig{
			Backend:         BackendMock,
			RequestTimeout:  60 * time.Second,
			PollInterval:    orchestrate.DefaultInterval,
			MaxAttempts:     orchestrate.DefaultMaxAttempts,
			MockMaxAttempts: orchestrate.MockMaxAttempts,
			MockLatency:     200 * time.Millisecond,
			MockPolls:       2,
		},
		Provider: ProviderConfig{
			Kind: "stub",
		},
		Classifier: ClassifierConfig{
			Kind: ClassifierKeyword,
		},
		Server: ServerConfig{
			Addr: ":8080",
		},
		Guard: guard.DefaultPolicy,
	}
}

// DefaultPath is $HOME/.canvas/config.yaml.
func DefaultPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".canvas", "config.yaml")
}

// Lookup resolves an environment variable.
type Lookup func(key string) (string, bool)

// EnvLookup returns a Lookup over the process environment, falling back to
// the given .env files. Missing files are skipped.
func EnvLookup(files ...string) Lookup {
	dotenv := map[string]string{}
	for _, f := range files {
		vals, err := godotenv.Read(f)
		if err != nil {
			continue
		}
		for k, v := range vals {
			if _, seen := dotenv[k]; !seen {
				dotenv[k] = v
			}
		}
	}
	return func(key string) (string, bool) {
		if v, ok := os.LookupEnv(key); ok {
			return v, true
		}
		v, ok := dotenv[key]
		return v, ok
	}
}

// Load builds a Config from defaults, the file at path (if it exists) and
// the environment, then validates it. An empty path means DefaultPath.
func Load(path string, env Lookup) (*Config, error) {
	cfg, err := Read(path, env)
	if err != nil {
		return nil, err
	}
	if res := cfg.Validate(); !res.Valid {
		return nil, fmt.Errorf("invalid configuration: %s", strings.Join(res.Errors, "; "))
	}
	return cfg, nil
}

// Read is Load without validation, for callers that fill in more settings
// (stored secrets) before validating.
func Read(path string, env Lookup) (*Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		path = DefaultPath()
	}
	if err := cfg.LoadFile(path); err != nil {
		if explicit || !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
	}

	if env == nil {
		env = os.LookupEnv
	}
	if err := cfg.ApplyEnv(env); err != nil {
		return nil, err
	}
	return cfg, nil
}

// SecretGetter reads a stored setting, e.g. a credential.Vault.
type SecretGetter func(key string) (string, error)

// FillSecrets sets API keys that neither the file nor the environment
// provided from stored settings: "<provider>.api_key" for the language
// model, "images.api_key" (then "openai.api_key" for the openai backend)
// for the image service.
func (c *Config) FillSecrets(get SecretGetter) error {
	lookup := func(keys ...string) (string, error) {
		for _, k := range keys {
			v, err := get(k)
			if err != nil {
				return "", err
			}
			if v != "" {
				return v, nil
			}
		}
		return "", nil
	}

	var errs []error
	if c.Provider.APIKey == "" && c.Provider.Kind != "" {
		v, err := lookup(c.Provider.Kind + ".api_key")
		errs = append(errs, err)
		c.Provider.APIKey = v
	}
	if c.Jobs.APIKey == "" {
		keys := []string{"images.api_key"}
		if c.Jobs.Backend == BackendOpenAI {
			keys = append(keys, "openai.api_key")
		}
		v, err := lookup(keys...)
		errs = append(errs, err)
		c.Jobs.APIKey = v
	}
	return errors.Join(errs...)
}

// LoadFile merges a YAML or JSON file into c.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path) // #nosec G304
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml", ".json":
		// JSON is a subset of YAML, and yaml.v3 parses durations like "2s".
		if err := yaml.Unmarshal(data, c); err != nil {
			return fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	default:
		return fmt.Errorf("unsupported config format: %s (use .yaml or .json)", ext)
	}
	return nil
}

// ApplyEnv overrides c with CANVAS_* variables and provider API keys.
func (c *Config) ApplyEnv(env Lookup) error {
	var errs []error

	str := func(key string, dst *string) {
		if v, ok := env(key); ok && v != "" {
			*dst = v
		}
	}
	integer := func(key string, dst *int) {
		if v, ok := env(key); ok && v != "" {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	boolean := func(key string, dst *bool) {
		if v, ok := env(key); ok && v != "" {
			b, err := parseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}
	duration := func(key string, dst *time.Duration) {
		if v, ok := env(key); ok && v != "" {
			d, err := ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}

	boolean("CANVAS_MOCK", &c.Mock)
	str("CANVAS_DATA_DIR", &c.DataDir)

	duration("CANVAS_SESSION_TIMEOUT", &c.Session.Timeout)
	duration("CANVAS_SWEEP_INTERVAL", &c.Session.SweepInterval)
	integer("CANVAS_HISTORY_CAP", &c.Session.HistoryCap)
	integer("CANVAS_ACTIVE_CAP", &c.Session.ActiveCap)
	integer("CANVAS_MAX_SESSIONS", &c.Session.MaxSessions)

	str("CANVAS_IMAGE_BACKEND", &c.Jobs.Backend)
	str("CANVAS_IMAGE_BASE_URL", &c.Jobs.BaseURL)
	str("CANVAS_IMAGE_API_KEY", &c.Jobs.APIKey)
	str("CANVAS_IMAGE_MODEL", &c.Jobs.Model)
	duration("CANVAS_POLL_INTERVAL", &c.Jobs.PollInterval)
	integer("CANVAS_MAX_POLL_ATTEMPTS", &c.Jobs.MaxAttempts)
	integer("CANVAS_MOCK_MAX_POLL_ATTEMPTS", &c.Jobs.MockMaxAttempts)

	str("CANVAS_PROVIDER", &c.Provider.Kind)
	str("CANVAS_MODEL", &c.Provider.Model)
	str("CANVAS_PROVIDER_BASE_URL", &c.Provider.BaseURL)
	str("CANVAS_PROVIDER_API_KEY", &c.Provider.APIKey)
	boolean("CANVAS_ENHANCE", &c.Provider.Enhance)

	str("CANVAS_CLASSIFIER", &c.Classifier.Kind)
	str("CANVAS_CLASSIFIER_PLUGIN", &c.Classifier.PluginPath)

	str("CANVAS_ADDR", &c.Server.Addr)

	// Conventional provider keys fill in whatever is still empty.
	if c.Provider.APIKey == "" {
		if key := providerKeyVar(c.Provider.Kind); key != "" {
			str(key, &c.Provider.APIKey)
		}
	}
	if c.Jobs.APIKey == "" && c.Jobs.Backend == BackendOpenAI {
		str("OPENAI_API_KEY", &c.Jobs.APIKey)
	}

	return errors.Join(errs...)
}

// ValidationResult represents the outcome of a validation pass.
type ValidationResult struct {
	Valid    bool
	Warnings []string
	Errors   []string
}

// Validate checks the configuration for completeness and consistency.
func (c *Config) Validate() ValidationResult {
	res := ValidationResult{Valid: true, Warnings: []string{}, Errors: []string{}}
	fail := func(msg string) {
		res.Valid = false
		res.Errors = append(res.Errors, msg)
	}

	if c.Session.Timeout <= 0 {
		fail("session.timeout must be positive")
	}
	if c.Session.SweepInterval <= 0 {
		fail("session.sweep_interval must be positive")
	}
	if c.Session.HistoryCap <= 0 || c.Session.ActiveCap <= 0 || c.Session.MaxSessions <= 0 {
		fail("session caps must be positive")
	}
	if c.Jobs.PollInterval <= 0 {
		fail("jobs.poll_interval must be positive")
	}
	if c.Jobs.MaxAttempts <= 0 || c.Jobs.MockMaxAttempts <= 0 {
		fail("jobs max attempts must be positive")
	}

	switch c.Jobs.Backend {
	case BackendMock:
	case BackendHTTP:
		if c.Jobs.BaseURL == "" && !c.Mock {
			fail("jobs.base_url is required for the http backend")
		}
	case BackendOpenAI:
		if c.Jobs.APIKey == "" && !c.Mock {
			fail("jobs.api_key (or OPENAI_API_KEY) is required for the openai backend")
		}
	default:
		fail(fmt.Sprintf("unknown image backend %q", c.Jobs.Backend))
	}

	switch c.Classifier.Kind {
	case ClassifierKeyword:
	case ClassifierLLM:
		if c.Provider.Kind == "stub" || c.Provider.Kind == "" {
			res.Warnings = append(res.Warnings, "llm classifier with the stub provider always degrades to chat")
		}
	case ClassifierPlugin:
		if c.Classifier.PluginPath == "" {
			fail("classifier.plugin_path is required for the plugin classifier")
		}
	default:
		fail(fmt.Sprintf("unknown classifier %q", c.Classifier.Kind))
	}

	if c.Mock && c.Jobs.Backend != BackendMock {
		res.Warnings = append(res.Warnings, "mock mode overrides the "+c.Jobs.Backend+" image backend")
	}
	if c.Jobs.MaxAttempts < c.Jobs.MockMaxAttempts {
		res.Warnings = append(res.Warnings, "real backends get a shorter polling budget than the mock")
	}

	return res
}

// ImageBackend is the backend actually used, honouring mock mode.
func (c *Config) ImageBackend() string {
	if c.Mock {
		return BackendMock
	}
	return c.Jobs.Backend
}

// SessionLimits converts the session settings for session.NewStore.
func (c *Config) SessionLimits() session.Limits {
	return session.Limits{
		Timeout:     c.Session.Timeout,
		HistoryCap:  c.Session.HistoryCap,
		ActiveCap:   c.Session.ActiveCap,
		MaxSessions: c.Session.MaxSessions,
	}
}

// Budget is the polling budget for the selected backend.
func (c *Config) Budget() orchestrate.Options {
	return orchestrate.Budget(c.ImageBackend() == BackendMock, c.Jobs.PollInterval, c.Jobs.MaxAttempts, c.Jobs.MockMaxAttempts)
}

// ProviderOptions converts the provider settings for provider.New.
func (c *Config) ProviderOptions() provider.Options {
	return provider.Options{
		Kind:    c.Provider.Kind,
		APIKey:  c.Provider.APIKey,
		BaseURL: c.Provider.BaseURL,
		Model:   c.Provider.Model,
		Binary:  c.Provider.Binary,
		Args:    c.Provider.Args,
	}
}

// ParseDuration accepts Go durations ("90s") and bare integers, which are
// read as milliseconds.
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		if ms < 0 {
			return 0, fmt.Errorf("negative duration %q", s)
		}
		return time.Duration(ms) * time.Millisecond, nil
	}
	return time.ParseDuration(s)
}

func parseBool(s string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "yes", "on":
		return true, nil
	case "0", "false", "no", "off":
		return false, nil
	}
	return false, fmt.Errorf("invalid boolean %q", s)
}

func providerKeyVar(kind string) string {
	switch kind {
	case "openai":
		return "OPENAI_API_KEY"
	case "gemini":
		return "GEMINI_API_KEY"
	case "anthropic":
		return "ANTHROPIC_API_KEY"
	}
	return ""
}
