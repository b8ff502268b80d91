package cli

import (
	"fmt"
	"sort"

	"github.com/felixgeelhaar/canvas/internal/config"
	"github.com/felixgeelhaar/canvas/internal/credential"
	"github.com/spf13/cobra"
)

var revealSecrets bool

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage stored settings",
}

var configSetCmd = &cobra.Command{
	Use:   "set [key] [value]",
	Short: "Set a stored setting; API keys are encrypted",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		vault, closeStore, err := settingsVault()
		if err != nil {
			return err
		}
		defer closeStore()

		if err := vault.SetConfig(key, value); err != nil {
			return fmt.Errorf("failed to set config: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Configuration saved: %s\n", key)
		return nil
	},
}

var configGetCmd = &cobra.Command{
	Use:   "get [key]",
	Short: "Get a stored setting",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		key := args[0]

		vault, closeStore, err := settingsVault()
		if err != nil {
			return err
		}
		defer closeStore()

		val, err := vault.GetConfig(key)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), display(key, val))
		return nil
	},
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored settings",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Read(configPath, env())
		if err != nil {
			return err
		}
		s, err := openStore(cfg.DataDir)
		if err != nil {
			return err
		}
		defer s.Close()

		all, err := s.ListConfig()
		if err != nil {
			return err
		}
		keys := make([]string, 0, len(all))
		for k := range all {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			val := all[k]
			if credential.IsSealed(val) {
				val = "(encrypted)"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s = %s\n", k, val)
		}
		return nil
	},
}

func init() {
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configGetCmd)
	configCmd.AddCommand(configListCmd)
	configGetCmd.Flags().BoolVar(&revealSecrets, "reveal", false, "Print secrets in full")
}

// settingsVault opens the store under the configured data directory.
func settingsVault() (*credential.Vault, func(), error) {
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
	return vault, func() { s.Close() }, nil
}

func display(key, val string) string {
	switch {
	case val == "":
		return "(not set)"
	case credential.IsSecretKey(key) && !revealSecrets:
		return credential.MaskSecret(val)
	}
	return val
}
