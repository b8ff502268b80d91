package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/felixgeelhaar/canvas/internal/config"
	"github.com/felixgeelhaar/canvas/internal/credential"
	"github.com/felixgeelhaar/canvas/internal/observe"
	"github.com/felixgeelhaar/canvas/internal/store"
)

// env resolves environment variables, with .env in the working directory
// as a fallback and --mock forcing mock mode.
func env() config.Lookup {
	base := config.EnvLookup(".env")
	if !mockMode {
		return base
	}
	return func(key string) (string, bool) {
		if key == "CANVAS_MOCK" {
			return "true", true
		}
		return base(key)
	}
}

func newObserver() *observe.Observer {
	if jsonOutput {
		return observe.NewJSON(os.Stderr, verbose)
	}
	return observe.New(os.Stderr, verbose)
}

// openStore opens the settings and job database under dataDir.
func openStore(dataDir string) (*store.SQLiteStore, error) {
	return store.NewSQLiteStore(
		filepath.Join(dataDir, "canvas.db"),
		filepath.Join(dataDir, "uploads"),
	)
}

func openVault(s *store.SQLiteStore) (*credential.Vault, error) {
	m, err := credential.NewManager()
	if err != nil {
		return nil, err
	}
	return credential.NewVault(s, m), nil
}

// setup loads the configuration, opens the store and fills API keys kept in
// the vault before validating.
func setup(obs *observe.Observer) (*config.Config, *store.SQLiteStore, error) {
	cfg, err := config.Read(configPath, env())
	if err != nil {
		return nil, nil, err
	}

	s, err := openStore(cfg.DataDir)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to init store: %w", err)
	}

	vault, err := openVault(s)
	if err != nil {
		s.Close()
		return nil, nil, err
	}
	if err := cfg.FillSecrets(vault.GetConfig); err != nil {
		obs.Log().Warn().Err(err).Msg("could not read stored credentials")
	}

	res := cfg.Validate()
	for _, w := range res.Warnings {
		obs.Log().Warn().Msg(w)
	}
	if !res.Valid {
		s.Close()
		return nil, nil, fmt.Errorf("invalid configuration: %s", strings.Join(res.Errors, "; "))
	}
	return cfg, s, nil
}

// start is setup followed by NewRunner.
func start(obs *observe.Observer) (*Runner, error) {
	cfg, s, err := setup(obs)
	if err != nil {
		return nil, err
	}
	r, err := NewRunner(cfg, obs, s)
	if err != nil {
		s.Close()
		return nil, err
	}
	return r, nil
}
